package logs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
	"github.com/ahmedG3far44/DevPilot-server/internal/remote"
	"github.com/ahmedG3far44/DevPilot-server/internal/repository"
	"github.com/ahmedG3far44/DevPilot-server/internal/ws"
)

const writeTimeout = 5 * time.Second

// Service persists pipeline output and fans it out to live watchers.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

var _ ws.Mirror = Service{}

// New constructs a log service. hub may be nil.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{repo: repo, hub: hub, logger: logger.With("component", "deployment_logs")}
}

// Reset drops output captured by earlier runs of a deployment.
func (s Service) Reset(ctx context.Context, deploymentID string) error {
	return s.repo.ClearDeploymentLogs(ctx, deploymentID)
}

// Append stores and broadcasts a log entry.
func (s Service) Append(ctx context.Context, entry domain.DeploymentLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendDeploymentLog(ctx, entry); err != nil {
		return err
	}
	s.broadcast(entry.DeploymentID, MarshalEntry(entry))
	return nil
}

// List returns stored output for a deployment, oldest first.
func (s Service) List(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListDeploymentLogs(ctx, deploymentID, limit, offset)
}

// Chunk records one relayed chunk. Storage failures are logged, never
// surfaced: history is best effort and must not stall the pipeline.
func (s Service) Chunk(deploymentID string, stream remote.Stream, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	entry := domain.DeploymentLog{
		DeploymentID: deploymentID,
		Stream:       string(stream),
		Message:      domain.CleanLogText(string(data)),
	}
	if err := s.Append(ctx, entry); err != nil {
		s.logger.Warn("failed to append deployment log", "deployment_id", deploymentID, "error", err)
	}
}

// Finished tells watchers how the pipeline ended.
func (s Service) Finished(deploymentID string, outcome ws.Outcome, message string) {
	payload, err := json.Marshal(map[string]any{
		"type":          "finished",
		"deployment_id": deploymentID,
		"outcome":       outcome.String(),
		"message":       message,
		"created_at":    time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Warn("failed to marshal finish payload", "error", err)
		return
	}
	s.broadcast(deploymentID, payload)
}

func (s Service) broadcast(deploymentID string, payload []byte) {
	if s.hub == nil || payload == nil {
		return
	}
	s.hub.Broadcast(deploymentID, payload)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats a deployment log for streaming payloads.
func MarshalEntry(entry domain.DeploymentLog) []byte {
	data, err := json.Marshal(map[string]any{
		"type":          "chunk",
		"id":            entry.ID,
		"deployment_id": entry.DeploymentID,
		"stream":        entry.Stream,
		"message":       entry.Message,
		"created_at":    entry.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil
	}
	return data
}
