package httpx

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
	"github.com/ahmedG3far44/DevPilot-server/internal/remote"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/webhook"
)

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, e.token, method, path, body)
}

func (e *testEnv) doAs(t *testing.T, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func (e *testEnv) createDeployment(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/deployments", `{"project_name":"shop","clone_url":"https://github.com/acme/shop.git","envVars":[{"key":"TOKEN","value":"abc"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: unexpected status %d body %s", rec.Code, rec.Body.String())
	}
	for id, d := range e.store.deployments {
		if d.ProjectName == "shop" {
			return id
		}
	}
	t.Fatal("deployment not stored")
	return ""
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.doAs(t, "", http.MethodGet, "/api/deployments", "")
	if rec.Code != http.StatusUnauthorized || decodeBody(t, rec)["error"] != "Authentication required" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = env.doAs(t, "not-a-token", http.MethodGet, "/api/deployments", "")
	if rec.Code != http.StatusUnauthorized || decodeBody(t, rec)["error"] != "Invalid or expired token" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestCookieAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/deployments", nil)
	req.AddCookie(&http.Cookie{Name: AuthCookie, Value: env.token})
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cookie auth to succeed, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateStreamsPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/deployments", `{"project_name":"shop","clone_url":"https://github.com/acme/shop.git"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	want := "data: cloning\n\ndata: building\n\ndata: Deployment finished successfully\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected stream %q", rec.Body.String())
	}
	var stored domain.Deployment
	for _, d := range env.store.deployments {
		stored = d
	}
	if stored.Status != domain.StatusDeployed || stored.Port != 3000 || stored.OwnerID != testUserID {
		t.Fatalf("unexpected stored deployment %+v", stored)
	}
	if got := env.executor.commands[0]; got != `sudo bash deploy.sh 'https://github.com/acme/shop.git' 'shop'` {
		t.Fatalf("unexpected command %q", got)
	}
}

func TestCreateStreamsRemoteFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.executor.err = &remote.ExecutionError{ExitStatus: 1}
	rec := env.do(t, http.MethodPost, "/api/deployments", `{"project_name":"shop","clone_url":"https://github.com/acme/shop.git"}`)

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: ERROR: remote command exited with status 1\n\n") {
		t.Fatalf("unexpected stream %q", body)
	}
	for _, d := range env.store.deployments {
		if d.Status != domain.StatusFailed || d.ErrorMessage != "remote command exited with status 1" {
			t.Fatalf("unexpected stored deployment %+v", d)
		}
	}
}

func TestCreateValidationFailsBeforeStreaming(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/deployments", `{"project_name":"shop"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "project_name and clone_url are required" {
		t.Fatalf("unexpected error %v", got)
	}
	if len(env.store.deployments) != 0 || len(env.executor.commands) != 0 {
		t.Fatal("validation failure must not have side effects")
	}

	rec = env.do(t, http.MethodPost, "/api/deployments", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for malformed body %d", rec.Code)
	}
}

func TestListGetUpdateDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createDeployment(t)

	rec := env.do(t, http.MethodGet, "/api/deployments?page=1&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	page := body["pagination"].(map[string]any)
	if page["total"].(float64) != 1 || page["pages"].(float64) != 1 || page["limit"].(float64) != 5 {
		t.Fatalf("unexpected pagination %v", page)
	}
	items := body["deployments"].([]any)
	first := items[0].(map[string]any)
	if first["project_name"] != "shop" || first["status"] != "deployed" || first["userId"] != testUserID {
		t.Fatalf("unexpected item %v", first)
	}
	vars := first["envVars"].([]any)
	if vars[0].(map[string]any)["value"] != "abc" {
		t.Fatalf("env var not decrypted: %v", vars)
	}

	rec = env.do(t, http.MethodGet, "/api/deployments/"+id, "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["deployment"].(map[string]any)["id"] != id {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}

	other := env.tokenFor(t, "9a0e5c7f-1111-4a4a-8b8b-2c2c2c2c2c2c")
	rec = env.doAs(t, other, http.MethodGet, "/api/deployments/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign deployment, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/deployments/not-a-uuid", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPatch, "/api/deployments/"+id, `{"description":"storefront"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	if body["message"] != "Deployment updated successfully" || body["deployment"].(map[string]any)["description"] != "storefront" {
		t.Fatalf("unexpected update body %v", body)
	}
	if env.store.deployment(id).Status != domain.StatusDeployed {
		t.Fatal("update must not change status")
	}

	rec = env.do(t, http.MethodPatch, "/api/deployments/"+id, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty update, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/deployments/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	if body["message"] != "Deployment deleted successfully" || body["project_name"] != "shop" {
		t.Fatalf("unexpected delete body %v", body)
	}
	if len(env.store.deployments) != 0 {
		t.Fatal("deployment not removed")
	}
	if last := env.executor.commands[len(env.executor.commands)-1]; last != "sudo bash remove.sh 'shop'" {
		t.Fatalf("unexpected cleanup command %q", last)
	}
}

func TestRedeployConflictAndStream(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createDeployment(t)

	env.store.setStatus(id, domain.StatusRedeploying)
	rec := env.do(t, http.MethodPost, "/api/deployments/"+id+"/redeploy", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a pipeline runs, got %d", rec.Code)
	}

	env.store.setStatus(id, domain.StatusFailed)
	rec = env.do(t, http.MethodPost, "/api/deployments/"+id+"/redeploy", "")
	if !strings.HasSuffix(rec.Body.String(), "data: Deployment finished successfully\n\n") {
		t.Fatalf("unexpected stream %q", rec.Body.String())
	}
	if env.store.deployment(id).Status != domain.StatusDeployed {
		t.Fatal("redeploy did not finalize")
	}

	rec = env.do(t, http.MethodGet, "/api/deployments/"+id+"/redeploy", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestDeploymentLogs(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createDeployment(t)

	rec := env.do(t, http.MethodGet, "/api/deployments/"+id+"/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logs: %d", rec.Code)
	}
	entries := decodeBody(t, rec)["logs"].([]any)
	if len(entries) != 2 || entries[0].(map[string]any)["message"] != "cloning\n" {
		t.Fatalf("unexpected logs %v", entries)
	}
}

func TestWebhookDeliveryStartsRedeploy(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createDeployment(t)

	rec := env.do(t, http.MethodPost, "/api/deployments/"+id+"/webhook", `{"secret":"0123456789abcdef0123"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("set secret: %d %s", rec.Code, rec.Body.String())
	}

	payload := []byte(`{"ref":"refs/heads/main"}`)
	deliver := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/"+id, bytes.NewReader(payload))
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set(webhook.SignatureHeader, sig)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	if rec := deliver("sha256=deadbeef"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
	sig := "sha256=" + hex.EncodeToString(webhook.Sign(payload, []byte("0123456789abcdef0123")))
	if rec := deliver(sig); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.deploy.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if env.store.deployment(id).Status != domain.StatusDeployed {
		t.Fatal("webhook redeploy did not finalize")
	}
	if len(env.executor.commands) != 2 {
		t.Fatalf("expected two remote runs, got %d", len(env.executor.commands))
	}
}

func TestWatcherReceivesOutput(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createDeployment(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/deployments/"+id, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Watchers(id) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.store.setStatus(id, domain.StatusFailed)
	p, err := env.deploy.Redeploy(context.Background(), testUserID, id)
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	env.deploy.Start(context.Background(), p)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != "chunk" || msg["message"] != "cloning\n" {
		t.Fatalf("unexpected first message %v", msg)
	}
	for msg["type"] != "finished" {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if msg["outcome"] != "completed" {
		t.Fatalf("unexpected finish %v", msg)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.doAs(t, "", http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body.String())
	}

	env = newTestEnv(t, func(context.Context) error { return errDatabaseDown })
	rec = env.doAs(t, "", http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable || decodeBody(t, rec)["status"] != "degraded" {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body.String())
	}
}

func TestGitHubLoginDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.doAs(t, "", http.MethodGet, "/auth/github/login", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without oauth config, got %d", rec.Code)
	}
	rec = env.doAs(t, "", http.MethodGet, "/auth/github/callback?code=x&state=y", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without state cookie, got %d", rec.Code)
	}
}

func TestMe(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/auth/me", "")
	user := decodeBody(t, rec)["user"].(map[string]any)
	if user["id"] != testUserID || user["login"] != "dev" {
		t.Fatalf("unexpected user %v", user)
	}
}

func TestMemoryRateLimiter(t *testing.T) {
	limiter := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer limiter.Close()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.Allow("ip:1", 3, time.Minute).allowed {
			t.Fatalf("request %d should pass", i)
		}
	}
	if limiter.Allow("ip:1", 3, time.Minute).allowed {
		t.Fatal("fourth request should be limited")
	}
	if !limiter.Allow("ip:2", 3, time.Minute).allowed {
		t.Fatal("keys must be independent")
	}
	now = now.Add(time.Minute + time.Second)
	if !limiter.Allow("ip:1", 3, time.Minute).allowed {
		t.Fatal("window should reset")
	}
	now = now.Add(10 * time.Minute)
	limiter.Allow("ip:3", 3, time.Minute)
	if len(limiter.buckets) != 1 {
		t.Fatalf("expected expired buckets to be swept, got %d", len(limiter.buckets))
	}
}

func TestRequestToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := requestToken(req); err == nil {
		t.Fatal("expected error without credentials")
	}
	req.Header.Set("Authorization", "Token abc")
	if _, err := requestToken(req); err == nil {
		t.Fatal("expected error for non bearer scheme")
	}
	req.Header.Set("Authorization", "Bearer abc")
	if tok, err := requestToken(req); err != nil || tok != "abc" {
		t.Fatalf("unexpected token %q %v", tok, err)
	}
	req.AddCookie(&http.Cookie{Name: AuthCookie, Value: "fromcookie"})
	if tok, _ := requestToken(req); tok != "fromcookie" {
		t.Fatalf("cookie should win, got %q", tok)
	}
}
