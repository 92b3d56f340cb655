package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
	"github.com/ahmedG3far44/DevPilot-server/internal/repository"
	"github.com/ahmedG3far44/DevPilot-server/pkg/config"
	jwtpkg "github.com/ahmedG3far44/DevPilot-server/pkg/jwt"
)

const githubUserURL = "https://api.github.com/user"

var (
	// ErrUnauthorized is returned for missing, invalid or expired credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrIdentityIncomplete is returned when the identity provider omits id or login.
	ErrIdentityIncomplete = errors.New("identity provider returned an incomplete profile")
	// ErrGitHubDisabled is returned when no OAuth client is configured.
	ErrGitHubDisabled = errors.New("github login is not configured")
)

// Service handles authentication workflows.
type Service struct {
	users       repository.UserRepository
	oauth       *oauth2.Config
	userInfoURL string
	logger      *slog.Logger
	cfg         config.APIConfig
}

// New constructs a Service. GitHub login stays disabled until a client id
// and secret are configured.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := Service{
		users:       users,
		userInfoURL: githubUserURL,
		logger:      logger.With("component", "auth"),
		cfg:         cfg,
	}
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		s.oauth = &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		}
	}
	return s
}

// WithEndpoints points the OAuth exchange and profile lookup at other URLs.
func (s Service) WithEndpoints(endpoint oauth2.Endpoint, userInfoURL string) Service {
	if s.oauth != nil {
		conf := *s.oauth
		conf.Endpoint = endpoint
		s.oauth = &conf
	}
	s.userInfoURL = userInfoURL
	return s
}

// Authorize validates a token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, err
	}
	return user, claims, nil
}

// NewState returns an unguessable OAuth state value.
func NewState() string {
	return uuid.NewString()
}

// LoginURL returns the identity provider consent URL for state.
func (s Service) LoginURL(state string) (string, error) {
	if s.oauth == nil {
		return "", ErrGitHubDisabled
	}
	return s.oauth.AuthCodeURL(state), nil
}

// CompleteLogin exchanges code for a provider token, loads the profile,
// upserts the user and issues a session token.
func (s Service) CompleteLogin(ctx context.Context, code string) (*domain.User, string, error) {
	if s.oauth == nil {
		return nil, "", ErrGitHubDisabled
	}
	if strings.TrimSpace(code) == "" {
		return nil, "", fmt.Errorf("%w: missing authorization code", ErrUnauthorized)
	}
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, "", fmt.Errorf("%w: exchange code: %w", ErrUnauthorized, err)
	}
	profile, err := s.fetchProfile(ctx, s.oauth.Client(ctx, tok))
	if err != nil {
		return nil, "", err
	}
	user := &domain.User{
		ID:        uuid.NewString(),
		GitHubID:  *profile.ID,
		Login:     *profile.Login,
		Name:      profile.Name,
		Email:     profile.Email,
		AvatarURL: profile.AvatarURL,
	}
	if err := s.users.UpsertUserByGitHubID(ctx, user); err != nil {
		return nil, "", err
	}
	token, err := s.IssueToken(user)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user logged in", "user_id", user.ID, "login", user.Login)
	return user, token, nil
}

// IssueToken signs a session token for user.
func (s Service) IssueToken(user *domain.User) (string, error) {
	return jwtpkg.GenerateToken(jwtpkg.Identity{
		UserID:    user.ID,
		Login:     user.Login,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
	}, s.cfg.JWTSecret, s.cfg.TokenTTL)
}

type githubProfile struct {
	ID        *int64  `json:"id"`
	Login     *string `json:"login"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	AvatarURL string  `json:"avatar_url"`
}

func (s Service) fetchProfile(ctx context.Context, client *http.Client) (*githubProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: profile request returned %d", ErrUnauthorized, resp.StatusCode)
	}
	var profile githubProfile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&profile); err != nil {
		return nil, fmt.Errorf("%w: decode profile: %w", ErrIdentityIncomplete, err)
	}
	if profile.ID == nil || *profile.ID <= 0 || profile.Login == nil || strings.TrimSpace(*profile.Login) == "" {
		return nil, ErrIdentityIncomplete
	}
	return &profile, nil
}
