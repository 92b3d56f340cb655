package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ahmedG3far44/DevPilot-server/internal/repository"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/auth"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/deploy"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/ports"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/webhook"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service failures onto status codes. Internal
// failures are logged and never echoed to the caller.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var validation *deploy.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, webhook.ErrSecretTooShort):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "Deployment not found")
	case errors.Is(err, repository.ErrStatusConflict):
		writeError(w, http.StatusConflict, "a pipeline is already running for this deployment")
	case errors.Is(err, deploy.ErrPortConflict):
		writeError(w, http.StatusConflict, "could not reserve a port, please retry")
	case errors.Is(err, ports.ErrRangeExhausted):
		writeError(w, http.StatusServiceUnavailable, "no ports left to assign")
	case errors.Is(err, webhook.ErrMissingSignature), errors.Is(err, webhook.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrGitHubDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrIdentityIncomplete):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
