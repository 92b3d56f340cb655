package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
	"github.com/ahmedG3far44/DevPilot-server/internal/remote"
	"github.com/ahmedG3far44/DevPilot-server/internal/repository"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/auth"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/deploy"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/logs"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/ports"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/webhook"
	"github.com/ahmedG3far44/DevPilot-server/internal/ws"
	"github.com/ahmedG3far44/DevPilot-server/pkg/config"
	"github.com/ahmedG3far44/DevPilot-server/pkg/crypto"
)

// memoryStore implements every repository the router's services need.
type memoryStore struct {
	mu          sync.Mutex
	deployments map[string]domain.Deployment
	logs        []domain.DeploymentLog
	secrets     map[string][]byte
	users       map[string]domain.User
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		deployments: map[string]domain.Deployment{},
		secrets:     map[string][]byte{},
		users:       map[string]domain.User{},
	}
}

func (m *memoryStore) UpsertUserByGitHubID(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.GitHubID == u.GitHubID {
			u.ID = existing.ID
		}
	}
	m.users[u.ID] = *u
	return nil
}

func (m *memoryStore) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (m *memoryStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deployments {
		if existing.Port == d.Port {
			return repository.ErrPortTaken
		}
	}
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	m.deployments[d.ID] = *d
	return nil
}

func (m *memoryStore) MaxPort(context.Context) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max, ok := 0, false
	for _, d := range m.deployments {
		if !ok || d.Port > max {
			max, ok = d.Port, true
		}
	}
	return max, ok, nil
}

func (m *memoryStore) GetDeployment(ctx context.Context, id, ownerID string) (*domain.Deployment, error) {
	d, err := m.GetDeploymentByID(ctx, id)
	if err != nil || d.OwnerID != ownerID {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (m *memoryStore) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (m *memoryStore) ListDeployments(_ context.Context, ownerID string, limit, offset int) ([]domain.Deployment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owned []domain.Deployment
	for _, d := range m.deployments {
		if d.OwnerID == ownerID {
			owned = append(owned, d)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].Port > owned[j].Port })
	total := len(owned)
	if offset >= total {
		return []domain.Deployment{}, total, nil
	}
	owned = owned[offset:]
	if len(owned) > limit {
		owned = owned[:limit]
	}
	return owned, total, nil
}

func (m *memoryStore) UpdateDeploymentMetadata(_ context.Context, id, ownerID string, u domain.DeploymentMetadataUpdate) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || d.OwnerID != ownerID {
		return nil, repository.ErrNotFound
	}
	if u.Description != nil {
		d.Description = *u.Description
	}
	if u.RunScript != nil {
		d.RunScript = *u.RunScript
	}
	if u.EnvVars != nil {
		d.EnvVars = *u.EnvVars
	}
	m.deployments[id] = d
	return &d, nil
}

func (m *memoryStore) TransitionStatus(_ context.Context, u domain.DeploymentStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[u.DeploymentID]
	if !ok || d.OwnerID != u.OwnerID {
		return repository.ErrNotFound
	}
	if !slices.Contains(u.From, d.Status) {
		return repository.ErrStatusConflict
	}
	d.Status = u.Status
	d.ErrorMessage = u.ErrorMessage
	if u.LastDeployedAt != nil {
		d.LastDeployedAt = u.LastDeployedAt
	}
	m.deployments[u.DeploymentID] = d
	return nil
}

func (m *memoryStore) DeleteDeployment(_ context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || d.OwnerID != ownerID {
		return repository.ErrNotFound
	}
	delete(m.deployments, id)
	return nil
}

func (m *memoryStore) AppendDeploymentLog(_ context.Context, entry domain.DeploymentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memoryStore) ListDeploymentLogs(_ context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeploymentLog
	for _, e := range m.logs {
		if e.DeploymentID == deploymentID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) ClearDeploymentLogs(_ context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	for _, e := range m.logs {
		if e.DeploymentID != deploymentID {
			kept = append(kept, e)
		}
	}
	m.logs = kept
	return nil
}

func (m *memoryStore) UpsertWebhookSecret(_ context.Context, id string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[id] = secret
	return nil
}

func (m *memoryStore) GetWebhookSecret(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return secret, nil
}

func (m *memoryStore) deployment(id string) domain.Deployment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deployments[id]
}

func (m *memoryStore) setStatus(id string, status domain.DeploymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deployments[id]
	d.Status = status
	m.deployments[id] = d
}

type scriptedExecutor struct {
	mu       sync.Mutex
	lines    []string
	err      error
	commands []string
}

func (e *scriptedExecutor) Execute(ctx context.Context, command string) *remote.Session {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	lines, runErr := e.lines, e.err
	e.mu.Unlock()
	return remote.Start(ctx, func(ctx context.Context, emit func(remote.Event) bool) error {
		for _, l := range lines {
			if !emit(remote.Chunk(remote.StreamOut, []byte(l))) {
				return ctx.Err()
			}
		}
		return runErr
	})
}

type testEnv struct {
	router   *Router
	store    *memoryStore
	executor *scriptedExecutor
	deploy   deploy.Service
	hub      *ws.Hub
	auth     auth.Service
	token    string
	user     domain.User
}

const testUserID = "0b8f7e8e-5a43-4c59-9a55-3f0c2d8b1e01"

func newTestEnv(t *testing.T, dbHealth func(context.Context) error) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		Environment:          "test",
		JWTSecret:            "router-test-secret",
		TokenTTL:             time.Hour,
		ClientURL:            "http://localhost:3000",
		DeployShell:          "sudo bash",
		DeployScript:         "deploy.sh",
		RemoveScript:         "remove.sh",
		RemoteCleanupTimeout: time.Second,
		PublicHost:           "198.51.100.7",
		PublicScheme:         "http",
		StreamHeartbeat:      time.Minute,
	}
	cipher, err := crypto.NewCipher("router-test")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	store := newMemoryStore()
	executor := &scriptedExecutor{lines: []string{"cloning\n", "building\n"}}
	hub := ws.NewHub()
	t.Cleanup(hub.Close)

	logSvc := logs.New(store, hub, logger)
	deploySvc := deploy.New(store, ports.New(store), executor, logSvc, cipher, cfg, logger)
	webhookSvc := webhook.New(store, store, deploySvc, cipher, logger)
	authSvc := auth.New(store, logger, cfg)

	user := domain.User{ID: testUserID, GitHubID: 1, Login: "dev"}
	if err := store.UpsertUserByGitHubID(context.Background(), &user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, err := authSvc.IssueToken(&user)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	router := NewRouter(logger, cfg, authSvc, deploySvc, logSvc, webhookSvc, NewMemoryRateLimiter(), dbHealth)
	t.Cleanup(router.Close)
	return &testEnv{
		router:   router,
		store:    store,
		executor: executor,
		deploy:   deploySvc,
		hub:      hub,
		auth:     authSvc,
		token:    token,
		user:     user,
	}
}

func (e *testEnv) tokenFor(t *testing.T, id string) string {
	t.Helper()
	u := domain.User{ID: id, GitHubID: int64(len(e.store.users) + 100), Login: "other"}
	if err := e.store.UpsertUserByGitHubID(context.Background(), &u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, err := e.auth.IssueToken(&u)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

var errDatabaseDown = errors.New("database down")
