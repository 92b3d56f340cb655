package httpx

import (
	"net/http"

	"github.com/ahmedG3far44/DevPilot-server/internal/ws"
)

// handleWatch attaches a websocket watcher to a deployment's live output.
func (r *Router) handleWatch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	parts := pathParts(req.URL.Path, "/ws/deployments/")
	if len(parts) != 1 {
		r.notFound(w)
		return
	}
	d, err := r.deploy.Get(req.Context(), info.UserID, parts[0])
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "deployment_id", d.ID, "error", err)
		return
	}
	hub := r.logs.Hub()
	client := ws.NewClient(conn, r.logger.With("deployment_id", d.ID))
	hub.Register(d.ID, client)
	go func() {
		defer hub.Unregister(d.ID, client)
		client.Serve()
	}()
}
