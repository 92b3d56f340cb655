package repository

import (
	"context"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	UpsertUserByGitHubID(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// DeploymentRepository stores deployment records. Every owner-scoped lookup
// reports ErrNotFound for records owned by someone else.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	MaxPort(ctx context.Context) (int, bool, error)
	GetDeployment(ctx context.Context, id, ownerID string) (*domain.Deployment, error)
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, ownerID string, limit, offset int) ([]domain.Deployment, int, error)
	UpdateDeploymentMetadata(ctx context.Context, id, ownerID string, update domain.DeploymentMetadataUpdate) (*domain.Deployment, error)
	TransitionStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	DeleteDeployment(ctx context.Context, id, ownerID string) error
}

// LogRepository handles deployment output persistence and retrieval.
type LogRepository interface {
	AppendDeploymentLog(ctx context.Context, log domain.DeploymentLog) error
	ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error)
	ClearDeploymentLogs(ctx context.Context, deploymentID string) error
}

// WebhookRepository stores webhook secrets.
type WebhookRepository interface {
	UpsertWebhookSecret(ctx context.Context, deploymentID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, deploymentID string) ([]byte, error)
}
