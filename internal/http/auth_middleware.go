package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// AuthCookie carries the session token set by the GitHub callback.
const AuthCookie = "auth_token"

type authContextKey string

type authInfo struct {
	UserID string
	Login  string
}

const contextKeyAuth authContextKey = "devpilot-auth-info"

var errNoCredentials = errors.New("no credentials supplied")

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request carries a valid session token before
// invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the session token and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, err := requestToken(req)
	if err != nil {
		r.logger.Debug("request carries no usable token", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return req.Context(), authInfo{}, false
	}
	user, _, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{UserID: user.ID, Login: user.Login}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

// requestToken prefers the session cookie and falls back to a bearer header.
func requestToken(req *http.Request) (string, error) {
	if cookie, err := req.Cookie(AuthCookie); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token, nil
		}
	}
	header := req.Header.Get("Authorization")
	if strings.TrimSpace(header) == "" {
		return "", errNoCredentials
	}
	return bearerToken(header)
}

func bearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
