package httpx

import (
	"io"
	"net/http"

	"github.com/ahmedG3far44/DevPilot-server/internal/service/webhook"
)

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request, id string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if req.ContentLength != 0 {
		if err := decodeJSON(req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	secret, err := r.webhook.SetSecret(req.Context(), info.UserID, id, payload.Secret)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"secret": secret,
		"url":    "/webhooks/" + id,
	})
}

func (r *Router) handleWebhookDelivery(w http.ResponseWriter, req *http.Request) {
	parts := pathParts(req.URL.Path, "/webhooks/")
	if len(parts) != 1 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	event := req.Header.Get("X-GitHub-Event")
	started, err := r.webhook.Deliver(req.Context(), parts[0], event, body, req.Header.Get(webhook.SignatureHeader))
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	if !started {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
