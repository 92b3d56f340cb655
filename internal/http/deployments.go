package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/deploy"
	"github.com/ahmedG3far44/DevPilot-server/internal/ws"
)

type pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

type logEntry struct {
	ID        int64  `json:"id"`
	Stream    string `json:"stream"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.withRateLimit("/api/deployments", rateLimitUserRead, rateWindowDefault, rateLimitKeyUser, r.handleListDeployments)(w, req)
	case http.MethodPost:
		r.withRateLimit("/api/deployments", rateLimitPipeline, rateWindowDefault, rateLimitKeyUser, r.handleCreateDeployment)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := pathParts(req.URL.Path, "/api/deployments/")
	if len(parts) == 0 || len(parts) > 2 {
		r.notFound(w)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		switch req.Method {
		case http.MethodGet:
			r.withRateLimit("/api/deployments/{id}", rateLimitUserRead, rateWindowDefault, rateLimitKeyUser, func(w http.ResponseWriter, req *http.Request) {
				r.handleGetDeployment(w, req, id)
			})(w, req)
		case http.MethodPatch, http.MethodPut:
			r.withRateLimit("/api/deployments/{id}", rateLimitUserWrite, rateWindowDefault, rateLimitKeyUser, func(w http.ResponseWriter, req *http.Request) {
				r.handleUpdateDeployment(w, req, id)
			})(w, req)
		case http.MethodDelete:
			r.withRateLimit("/api/deployments/{id}", rateLimitUserWrite, rateWindowDefault, rateLimitKeyUser, func(w http.ResponseWriter, req *http.Request) {
				r.handleDeleteDeployment(w, req, id)
			})(w, req)
		default:
			r.methodNotAllowed(w)
		}
		return
	}
	switch parts[1] {
	case "redeploy":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.withRateLimit("/api/deployments/{id}/redeploy", rateLimitPipeline, rateWindowDefault, rateLimitKeyUser, func(w http.ResponseWriter, req *http.Request) {
			r.handleRedeploy(w, req, id)
		})(w, req)
	case "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.withRateLimit("/api/deployments/{id}/logs", rateLimitUserRead, rateWindowDefault, rateLimitKeyUser, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentLogs(w, req, id)
		})(w, req)
	case "webhook":
		if req.Method != http.MethodPost && req.Method != http.MethodPut {
			r.methodNotAllowed(w)
			return
		}
		r.withRateLimit("/api/deployments/{id}/webhook", rateLimitUserWrite, rateWindowDefault, rateLimitKeyUser, func(w http.ResponseWriter, req *http.Request) {
			r.handleWebhookSecret(w, req, id)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	var payload deploy.CreateInput
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pipeline, err := r.deploy.Create(req.Context(), info.UserID, payload)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	r.streamPipeline(w, req, pipeline)
}

func (r *Router) handleRedeploy(w http.ResponseWriter, req *http.Request, id string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	pipeline, err := r.deploy.Redeploy(req.Context(), info.UserID, id)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	r.streamPipeline(w, req, pipeline)
}

// streamPipeline opens the push stream and runs the pipeline against it.
// From here on every failure is reported in-stream. Writers that cannot
// stream get a detached run and a 202.
func (r *Router) streamPipeline(w http.ResponseWriter, req *http.Request, p *deploy.Pipeline) {
	client, err := ws.OpenSSE(w, req, r.logger)
	if err != nil {
		r.logger.Warn("push stream unavailable, running detached", "deployment_id", p.Deployment.ID, "error", err)
		r.deploy.Start(req.Context(), p)
		writeJSON(w, http.StatusAccepted, map[string]any{"deployment": r.deploy.View(p.Deployment)})
		return
	}
	go client.KeepAlive(r.cfg.StreamHeartbeat)
	r.deploy.Run(req.Context(), p, client)
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	page := queryInt(req, "page", 1)
	limit := queryInt(req, "limit", 10)
	result, err := r.deploy.List(req.Context(), info.UserID, page, limit)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	views := make([]deploy.DeploymentView, 0, len(result.Deployments))
	for _, d := range result.Deployments {
		views = append(views, r.deploy.View(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments": views,
		"pagination": pagination{
			Total: result.Total,
			Page:  result.Page,
			Limit: result.Limit,
			Pages: result.Pages,
		},
	})
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request, id string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	d, err := r.deploy.Get(req.Context(), info.UserID, id)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": r.deploy.View(*d)})
}

func (r *Router) handleUpdateDeployment(w http.ResponseWriter, req *http.Request, id string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	var payload deploy.UpdateInput
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := r.deploy.Update(req.Context(), info.UserID, id, payload)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Deployment updated successfully",
		"deployment": r.deploy.View(*d),
	})
}

func (r *Router) handleDeleteDeployment(w http.ResponseWriter, req *http.Request, id string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	d, err := r.deploy.Delete(req.Context(), info.UserID, id)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Deployment deleted successfully",
		"project_name": d.ProjectName,
	})
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, id string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	if _, err := r.deploy.Get(req.Context(), info.UserID, id); err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	entries, err := r.logs.List(req.Context(), id, queryInt(req, "limit", 200), queryInt(req, "offset", 0))
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": marshalLogs(entries)})
}

func marshalLogs(entries []domain.DeploymentLog) []logEntry {
	out := make([]logEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntry{
			ID:        e.ID,
			Stream:    e.Stream,
			Message:   e.Message,
			CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return out
}

func decodeJSON(req *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(nil, req.Body, maxJSONBody)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return errors.New("empty body")
	}
	return err
}
