package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
	"github.com/ahmedG3far44/DevPilot-server/internal/repository"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/deploy"
	"github.com/ahmedG3far44/DevPilot-server/pkg/crypto"
)

// SignatureHeader carries the payload HMAC in the sha256=<hex> form.
const SignatureHeader = "X-Hub-Signature-256"

const (
	signaturePrefix = "sha256="
	minSecretLen    = 16
	eventPing       = "ping"
)

var (
	// ErrMissingSignature is returned when a delivery carries no signature.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrSecretTooShort is returned for caller supplied secrets below the minimum length.
	ErrSecretTooShort = errors.New("webhook secret must be at least 16 characters")
)

// Deployments resolves the deployments webhooks refer to.
type Deployments interface {
	GetDeployment(ctx context.Context, id, ownerID string) (*domain.Deployment, error)
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
}

// Redeployer starts detached redeploy pipelines.
type Redeployer interface {
	Redeploy(ctx context.Context, ownerID, id string) (*deploy.Pipeline, error)
	Start(ctx context.Context, p *deploy.Pipeline)
}

// Service handles webhook secrets and push deliveries.
type Service struct {
	repo        repository.WebhookRepository
	deployments Deployments
	redeployer  Redeployer
	cipher      *crypto.Cipher
	logger      *slog.Logger
}

// New constructs a webhook service.
func New(repo repository.WebhookRepository, deployments Deployments, redeployer Redeployer, cipher *crypto.Cipher, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		repo:        repo,
		deployments: deployments,
		redeployer:  redeployer,
		cipher:      cipher,
		logger:      logger.With("component", "webhook"),
	}
}

// SetSecret stores an encrypted secret for an owned deployment. An empty
// secret generates one. The plaintext is returned once so the owner can
// configure the sending side.
func (s Service) SetSecret(ctx context.Context, ownerID, deploymentID, secret string) (string, error) {
	if _, err := uuid.Parse(deploymentID); err != nil {
		return "", repository.ErrNotFound
	}
	if _, err := s.deployments.GetDeployment(ctx, deploymentID, ownerID); err != nil {
		return "", err
	}
	value := strings.TrimSpace(secret)
	if value == "" {
		generated, err := generateSecret()
		if err != nil {
			return "", err
		}
		value = generated
	}
	if len(value) < minSecretLen {
		return "", ErrSecretTooShort
	}
	sealed, err := s.cipher.Seal(value)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpsertWebhookSecret(ctx, deploymentID, sealed); err != nil {
		return "", err
	}
	s.logger.Info("webhook secret updated", "deployment_id", deploymentID, "owner_id", ownerID)
	return value, nil
}

// Deliver verifies a push delivery and starts a detached redeploy. Ping
// events are verified and acknowledged without redeploying; started reports
// whether a pipeline was launched.
func (s Service) Deliver(ctx context.Context, deploymentID, event string, payload []byte, signature string) (started bool, err error) {
	if _, err := uuid.Parse(deploymentID); err != nil {
		return false, repository.ErrNotFound
	}
	if err := s.CheckSignature(ctx, deploymentID, payload, signature); err != nil {
		return false, err
	}
	log := s.logger.With("deployment_id", deploymentID, "event", event)
	if event == eventPing {
		log.Info("webhook ping acknowledged")
		return false, nil
	}
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return false, err
	}
	p, err := s.redeployer.Redeploy(ctx, d.OwnerID, d.ID)
	if err != nil {
		return false, err
	}
	s.redeployer.Start(ctx, p)
	log.Info("webhook redeploy started", "owner_id", d.OwnerID)
	return true, nil
}

// CheckSignature loads the secret for a deployment and verifies payload.
func (s Service) CheckSignature(ctx context.Context, deploymentID string, payload []byte, provided string) error {
	sealed, err := s.repo.GetWebhookSecret(ctx, deploymentID)
	if err != nil {
		return err
	}
	secret, err := s.cipher.Open(sealed)
	if err != nil {
		return fmt.Errorf("open webhook secret: %w", err)
	}
	return ValidateSignature(payload, []byte(secret), provided)
}

// ValidateSignature checks a sha256=<hex> HMAC of payload.
func ValidateSignature(payload, secret []byte, provided string) error {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return ErrMissingSignature
	}
	digest, ok := strings.CutPrefix(provided, signaturePrefix)
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(payload, secret)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of payload.
func Sign(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
