package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmedG3far44/DevPilot-server/internal/service/auth"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/deploy"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/logs"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/webhook"
	"github.com/ahmedG3far44/DevPilot-server/pkg/config"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	cfg      config.APIConfig
	auth     auth.Service
	deploy   deploy.Service
	logs     logs.Service
	webhook  webhook.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	metrics  *httpMetrics
	dbHealth func(context.Context) error
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitPipeline  = 20
	rateLimitWebsocket = 30
	rateLimitWebhook   = 60
	healthCheckTimeout = 2 * time.Second
	maxJSONBody        = 1 << 20
	maxWebhookBody     = 5 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, cfg config.APIConfig, authSvc auth.Service, deploySvc deploy.Service, logSvc logs.Service, webhookSvc webhook.Service, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		cfg:      cfg,
		auth:     authSvc,
		deploy:   deploySvc,
		logs:     logSvc,
		webhook:  webhookSvc,
		limiter:  limiter,
		metrics:  loadHTTPMetrics(),
		dbHealth: dbHealth,
	}
	r.upgrader = websocket.Upgrader{CheckOrigin: r.checkOrigin}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/auth/github/login", r.audit("/auth/github/login", r.withRateLimit("/auth/github/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleGitHubLogin)))
	r.mux.HandleFunc("/auth/github/callback", r.audit("/auth/github/callback", r.withRateLimit("/auth/github/callback", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleGitHubCallback)))
	r.mux.HandleFunc("/auth/me", r.audit("/auth/me", r.handlerAuthRate("/auth/me", rateLimitUserRead, rateWindowDefault, r.handleMe)))
	r.mux.HandleFunc("/auth/logout", r.audit("/auth/logout", r.handleLogout))

	r.mux.HandleFunc("/api/deployments", r.audit("/api/deployments", r.requireAuth(r.handleDeployments)))
	r.mux.HandleFunc("/api/deployments/", r.audit("/api/deployments/{id}", r.requireAuth(r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws/deployments/", r.audit("/ws/deployments/{id}", r.handlerAuthRate("/ws/deployments/{id}", rateLimitWebsocket, rateWindowRealtime, r.handleWatch)))
	r.mux.HandleFunc("/webhooks/", r.audit("/webhooks/{id}", r.withRateLimit("/webhooks/{id}", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhookDelivery)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	components["watchers_hub"] = map[string]any{"status": "up"}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// checkOrigin admits non-browser clients and the configured dashboard origin.
func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, req.Host) {
		return true
	}
	client, err := url.Parse(r.cfg.ClientURL)
	return err == nil && client.Host != "" && strings.EqualFold(u.Host, client.Host)
}

// pathParts splits what follows prefix into non-empty segments.
func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) authContextMissing(w http.ResponseWriter, req *http.Request) {
	r.logger.Error("auth context missing", "path", req.URL.Path)
	writeError(w, http.StatusInternalServerError, "authorization context missing")
}
