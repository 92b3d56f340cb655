package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
	"github.com/ahmedG3far44/DevPilot-server/internal/repository"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeInvalidText         = "22P02"

	portConstraint = "deployments_port_key"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// UpsertUserByGitHubID inserts a user or refreshes the profile of an existing one.
// The stored identifier is written back to user.
func (r *Repository) UpsertUserByGitHubID(ctx context.Context, user *domain.User) error {
	if user == nil {
		return fmt.Errorf("user required")
	}
	const query = `INSERT INTO users (id, github_id, login, name, email, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (github_id) DO UPDATE SET
			login = EXCLUDED.login,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`
	row := r.pool.QueryRow(ctx, query, user.ID, user.GitHubID, user.Login, user.Name, user.Email, user.AvatarURL)
	if err := row.Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return mapError(err)
	}
	return nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, github_id, login, name, email, avatar_url, created_at, updated_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.GitHubID, &u.Login, &u.Name, &u.Email, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapLookupError(err)
	}
	return &u, nil
}

const deploymentColumns = `id, owner_id, project_name, clone_url, description, package_manager,
	run_script, build_script, entry_file, main_directory, port, status, deployment_url,
	last_deployed_at, error_message, created_at, updated_at`

// CreateDeployment inserts a deployment record together with its environment variables.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO deployments (id, owner_id, project_name, clone_url, description, package_manager,
			run_script, build_script, entry_file, main_directory, port, status, deployment_url, error_message,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		RETURNING created_at, updated_at`
	err = tx.QueryRow(ctx, query,
		deployment.ID,
		deployment.OwnerID,
		deployment.ProjectName,
		deployment.CloneURL,
		deployment.Description,
		deployment.PackageManager,
		deployment.RunScript,
		deployment.BuildScript,
		deployment.EntryFile,
		deployment.MainDirectory,
		deployment.Port,
		string(deployment.Status),
		deployment.DeploymentURL,
		deployment.ErrorMessage,
	).Scan(&deployment.CreatedAt, &deployment.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == portConstraint {
			return repository.ErrPortTaken
		}
		return mapError(err)
	}

	if err := insertEnvVars(ctx, tx, deployment.ID, deployment.EnvVars); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MaxPort returns the highest port held by any deployment. The boolean is
// false when no deployment exists.
func (r *Repository) MaxPort(ctx context.Context) (int, bool, error) {
	var port sql.NullInt32
	if err := r.pool.QueryRow(ctx, `SELECT MAX(port) FROM deployments`).Scan(&port); err != nil {
		return 0, false, err
	}
	if !port.Valid {
		return 0, false, nil
	}
	return int(port.Int32), true, nil
}

// GetDeployment fetches a deployment owned by ownerID.
func (r *Repository) GetDeployment(ctx context.Context, id, ownerID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1 AND owner_id = $2`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		return nil, mapLookupError(err)
	}
	if err := r.attachEnvVars(ctx, []*domain.Deployment{d}); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDeploymentByID fetches a deployment regardless of owner. Only internal
// triggers that authenticate by other means may use it.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapLookupError(err)
	}
	if err := r.attachEnvVars(ctx, []*domain.Deployment{d}); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDeployments returns a newest-first page of the owner's deployments and
// the owner's total deployment count.
func (r *Repository) ListDeployments(ctx context.Context, ownerID string, limit, offset int) ([]domain.Deployment, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM deployments WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE owner_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, 0, err
		}
		deployments = append(deployments, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	refs := make([]*domain.Deployment, len(deployments))
	for i := range deployments {
		refs[i] = &deployments[i]
	}
	if err := r.attachEnvVars(ctx, refs); err != nil {
		return nil, 0, err
	}
	return deployments, total, nil
}

// UpdateDeploymentMetadata applies caller-editable fields. Status, port and
// identity columns are never touched.
func (r *Repository) UpdateDeploymentMetadata(ctx context.Context, id, ownerID string, update domain.DeploymentMetadataUpdate) (*domain.Deployment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `UPDATE deployments
		SET description = COALESCE($3, description),
			entry_file = COALESCE($4, entry_file),
			main_directory = COALESCE($5, main_directory),
			build_script = COALESCE($6, build_script),
			run_script = COALESCE($7, run_script),
			updated_at = NOW()
		WHERE id = $1 AND owner_id = $2
		RETURNING ` + deploymentColumns
	d, err := scanDeployment(tx.QueryRow(ctx, query,
		id,
		ownerID,
		update.Description,
		update.EntryFile,
		update.MainDirectory,
		update.BuildScript,
		update.RunScript,
	))
	if err != nil {
		return nil, mapLookupError(err)
	}

	if update.EnvVars != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM deployment_env_vars WHERE deployment_id = $1`, id); err != nil {
			return nil, err
		}
		if err := insertEnvVars(ctx, tx, id, *update.EnvVars); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if err := r.attachEnvVars(ctx, []*domain.Deployment{d}); err != nil {
		return nil, err
	}
	return d, nil
}

// TransitionStatus moves a deployment to update.Status only while it holds one
// of update.From. It reports ErrNotFound when the owned record is absent and
// ErrStatusConflict when the record exists in another status.
func (r *Repository) TransitionStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	if len(update.From) == 0 {
		return repository.ErrInvalidArgument
	}
	from := make([]string, len(update.From))
	for i, s := range update.From {
		from[i] = string(s)
	}
	const query = `UPDATE deployments
		SET status = $3,
			error_message = $4,
			last_deployed_at = COALESCE($5, last_deployed_at),
			updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status = ANY($6)`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		update.OwnerID,
		string(update.Status),
		update.ErrorMessage,
		timePtrToNil(update.LastDeployedAt),
		from,
	)
	if err != nil {
		return mapLookupError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1 AND owner_id = $2)`,
		update.DeploymentID, update.OwnerID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrStatusConflict
}

// DeleteDeployment removes a deployment record and everything attached to it.
func (r *Repository) DeleteDeployment(ctx context.Context, id, ownerID string) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return mapLookupError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendDeploymentLog persists one chunk of pipeline output.
func (r *Repository) AppendDeploymentLog(ctx context.Context, log domain.DeploymentLog) error {
	const query = `INSERT INTO deployment_logs (deployment_id, stream, message, created_at)
		VALUES ($1, $2, $3, $4)`
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, log.DeploymentID, log.Stream, domain.CleanLogText(log.Message), createdAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// ListDeploymentLogs fetches output in the order it was produced.
func (r *Repository) ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	const query = `SELECT id, deployment_id, stream, message, created_at
		FROM deployment_logs WHERE deployment_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	logs := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var l domain.DeploymentLog
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.Stream, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ClearDeploymentLogs drops the output captured by previous runs.
func (r *Repository) ClearDeploymentLogs(ctx context.Context, deploymentID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM deployment_logs WHERE deployment_id = $1`, deploymentID)
	return mapError(err)
}

// UpsertWebhookSecret saves a webhook secret.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, deploymentID string, secret []byte) error {
	const query = `INSERT INTO deployment_webhooks (deployment_id, secret, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (deployment_id) DO UPDATE SET secret = EXCLUDED.secret, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, deploymentID, secret)
	return mapError(err)
}

// GetWebhookSecret retrieves the stored secret for a deployment.
func (r *Repository) GetWebhookSecret(ctx context.Context, deploymentID string) ([]byte, error) {
	const query = `SELECT secret FROM deployment_webhooks WHERE deployment_id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var secret []byte
	if err := row.Scan(&secret); err != nil {
		return nil, mapLookupError(err)
	}
	return secret, nil
}

func insertEnvVars(ctx context.Context, tx pgx.Tx, deploymentID string, vars []domain.EnvVar) error {
	if len(vars) == 0 {
		return nil
	}
	const varInsert = `INSERT INTO deployment_env_vars (deployment_id, position, key, value)
		VALUES ($1, $2, $3, $4)`
	batch := &pgx.Batch{}
	for i, variable := range vars {
		batch.Queue(varInsert, deploymentID, i, variable.Key, variable.Value)
	}
	br := tx.SendBatch(ctx, batch)
	for range vars {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapError(err)
		}
	}
	return br.Close()
}

func (r *Repository) attachEnvVars(ctx context.Context, deployments []*domain.Deployment) error {
	if len(deployments) == 0 {
		return nil
	}
	ids := make([]string, len(deployments))
	byID := make(map[string]*domain.Deployment, len(deployments))
	for i, d := range deployments {
		ids[i] = d.ID
		d.EnvVars = make([]domain.EnvVar, 0)
		byID[d.ID] = d
	}
	const query = `SELECT deployment_id, key, value FROM deployment_env_vars
		WHERE deployment_id = ANY($1::uuid[]) ORDER BY deployment_id, position`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			deploymentID string
			variable     domain.EnvVar
		)
		if err := rows.Scan(&deploymentID, &variable.Key, &variable.Value); err != nil {
			return err
		}
		if d, ok := byID[deploymentID]; ok {
			d.EnvVars = append(d.EnvVars, variable)
		}
	}
	return rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d              domain.Deployment
		status         string
		lastDeployedAt sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.OwnerID,
		&d.ProjectName,
		&d.CloneURL,
		&d.Description,
		&d.PackageManager,
		&d.RunScript,
		&d.BuildScript,
		&d.EntryFile,
		&d.MainDirectory,
		&d.Port,
		&status,
		&d.DeploymentURL,
		&lastDeployedAt,
		&d.ErrorMessage,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	if lastDeployedAt.Valid {
		value := lastDeployedAt.Time
		d.LastDeployedAt = &value
	}
	return &d, nil
}

// mapLookupError treats malformed identifiers like absent rows.
func mapLookupError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeInvalidText {
		return repository.ErrNotFound
	}
	return mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeForeignKeyViolation:
			return repository.ErrNotFound
		case codeCheckViolation, codeInvalidText, codeUniqueViolation:
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
