package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/ahmedG3far44/DevPilot-server/internal/service/auth"
)

const (
	stateCookie = "oauth_state"
	stateTTL    = 10 * time.Minute
)

func (r *Router) handleGitHubLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	state := auth.NewState()
	target, err := r.auth.LoginURL(state)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth/github",
		MaxAge:   int(stateTTL / time.Second),
		HttpOnly: true,
		Secure:   r.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, req, target, http.StatusFound)
}

func (r *Router) handleGitHubCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		r.logger.Warn("github login declined", "error", providerErr)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	cookie, err := req.Cookie(stateCookie)
	state := query.Get("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid oauth state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/auth/github", MaxAge: -1})

	user, token, err := r.auth.CompleteLogin(req.Context(), query.Get("code"))
	if err != nil {
		r.logger.Warn("github login failed", "error", err)
		writeServiceError(w, r.logger, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(r.cfg.TokenTTL / time.Second),
		HttpOnly: true,
		Secure:   r.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	r.logger.Info("github login completed", "user_id", user.ID, "login", user.Login)
	http.Redirect(w, req, strings.TrimRight(r.cfg.ClientURL, "/")+"/projects", http.StatusFound)
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]string{"id": info.UserID, "login": info.Login},
	})
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookie,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (r *Router) secureCookies() bool {
	return r.cfg.Environment == "production"
}
