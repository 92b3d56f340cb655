package logs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
	"github.com/ahmedG3far44/DevPilot-server/internal/remote"
	"github.com/ahmedG3far44/DevPilot-server/internal/ws"
)

type memoryLogRepo struct {
	mu      sync.Mutex
	entries []domain.DeploymentLog
	err     error
	cleared []string
}

func (m *memoryLogRepo) AppendDeploymentLog(_ context.Context, log domain.DeploymentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	log.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, log)
	return nil
}

func (m *memoryLogRepo) ListDeploymentLogs(_ context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeploymentLog
	for _, e := range m.entries {
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

func (m *memoryLogRepo) ClearDeploymentLogs(_ context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, deploymentID)
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.DeploymentID != deploymentID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

type captureSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *captureSubscriber) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return nil
}

func (c *captureSubscriber) Close() {}

func (c *captureSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *captureSubscriber) decoded(i int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out map[string]any
	_ = json.Unmarshal(c.payloads[i], &out)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChunkPersistsAndBroadcasts(t *testing.T) {
	repo := &memoryLogRepo{}
	hub := ws.NewHub()
	defer hub.Close()
	watcher := &captureSubscriber{}
	hub.Register("dep-1", watcher)

	svc := New(repo, hub, quietLogger())
	svc.Chunk("dep-1", remote.StreamErr, []byte("npm WARN\n"))
	svc.Finished("dep-1", ws.OutcomeCompleted, ws.SuccessMessage)

	deadline := time.Now().Add(2 * time.Second)
	for watcher.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if watcher.count() != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", watcher.count())
	}
	chunk := watcher.decoded(0)
	if chunk["type"] != "chunk" || chunk["stream"] != "err" || chunk["message"] != "npm WARN\n" {
		t.Fatalf("unexpected chunk payload %v", chunk)
	}
	finished := watcher.decoded(1)
	if finished["outcome"] != "completed" {
		t.Fatalf("unexpected finish payload %v", finished)
	}

	logs, err := svc.List(context.Background(), "dep-1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 || logs[0].Stream != "err" {
		t.Fatalf("unexpected stored logs %v", logs)
	}
}

func TestChunkSwallowsStorageErrors(t *testing.T) {
	repo := &memoryLogRepo{err: errors.New("db down")}
	svc := New(repo, nil, quietLogger())
	svc.Chunk("dep-1", remote.StreamOut, []byte("x"))
	if len(repo.entries) != 0 {
		t.Fatalf("nothing should be stored")
	}
}

func TestReset(t *testing.T) {
	repo := &memoryLogRepo{}
	svc := New(repo, nil, quietLogger())
	svc.Chunk("dep-1", remote.StreamOut, []byte("old"))
	svc.Chunk("dep-2", remote.StreamOut, []byte("other"))
	if err := svc.Reset(context.Background(), "dep-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	logs, _ := svc.List(context.Background(), "dep-1", 10, 0)
	if len(logs) != 0 {
		t.Fatalf("expected cleared logs, got %v", logs)
	}
	logs, _ = svc.List(context.Background(), "dep-2", 10, 0)
	if len(logs) != 1 {
		t.Fatalf("other deployment logs must survive, got %v", logs)
	}
}

func TestChunkStoresCleanText(t *testing.T) {
	repo := &memoryLogRepo{}
	svc := New(repo, nil, quietLogger())
	svc.Chunk("dep-1", remote.StreamOut, []byte("half \xe2\x82 and \x00nul"))
	if len(repo.entries) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(repo.entries))
	}
	if got := repo.entries[0].Message; got != "half � and nul" {
		t.Fatalf("unexpected stored message %q", got)
	}
}
