package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
	"github.com/ahmedG3far44/DevPilot-server/internal/remote"
	"github.com/ahmedG3far44/DevPilot-server/internal/repository"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/ports"
	"github.com/ahmedG3far44/DevPilot-server/internal/ws"
	"github.com/ahmedG3far44/DevPilot-server/pkg/config"
	"github.com/ahmedG3far44/DevPilot-server/pkg/crypto"
)

// CancelledMessage is recorded when the consumer leaves mid-pipeline.
const CancelledMessage = "deployment cancelled: client disconnected"

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// Kind distinguishes pipelines for logging and metrics.
type Kind string

// Pipeline kinds.
const (
	KindCreate   Kind = "create"
	KindRedeploy Kind = "redeploy"
)

// Output receives a copy of pipeline output.
type Output interface {
	ws.Mirror
	Reset(ctx context.Context, deploymentID string) error
}

// Pipeline is a validated deployment ready to execute. Create and Redeploy
// return one after every check that can still fail with a status code.
type Pipeline struct {
	Kind       Kind
	Deployment domain.Deployment
	command    string
}

// Result is the final state of a run.
type Result struct {
	Outcome ws.Outcome
	Status  domain.DeploymentStatus
	Err     error
}

// ListResult is one page of deployments.
type ListResult struct {
	Deployments []domain.Deployment
	Total       int
	Page        int
	Limit       int
	Pages       int
}

// Service orchestrates deployments on the remote host.
type Service struct {
	deployments repository.DeploymentRepository
	allocator   ports.Allocator
	executor    remote.Executor
	output      Output
	cipher      *crypto.Cipher
	cfg         config.APIConfig
	logger      *slog.Logger
	metrics     *pipelineMetrics
	inflight    *sync.WaitGroup
}

// New returns a deployment service. output may be nil.
func New(deployments repository.DeploymentRepository, allocator ports.Allocator, executor remote.Executor, output Output, cipher *crypto.Cipher, cfg config.APIConfig, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		deployments: deployments,
		allocator:   allocator,
		executor:    executor,
		output:      output,
		cipher:      cipher,
		cfg:         cfg,
		logger:      logger.With("component", "deploy"),
		metrics:     loadMetrics(),
		inflight:    &sync.WaitGroup{},
	}
}

// Create validates input, reserves a port and persists a pending record.
// Nothing touches the remote host until Run.
func (s Service) Create(ctx context.Context, ownerID string, input CreateInput) (*Pipeline, error) {
	in, err := normalizeCreate(input)
	if err != nil {
		return nil, err
	}
	command, err := s.deployCommand(in.CloneURL, in.ProjectName)
	if err != nil {
		return nil, err
	}
	vars, err := s.sealEnvVars(in.EnvVars)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		port, err := s.allocator.Allocate(ctx)
		if err != nil {
			return nil, storeError("allocate port", err)
		}
		d := &domain.Deployment{
			ID:             uuid.NewString(),
			OwnerID:        ownerID,
			ProjectName:    in.ProjectName,
			CloneURL:       in.CloneURL,
			Description:    in.Description,
			PackageManager: in.PackageManager,
			EnvVars:        vars,
			RunScript:      in.RunScript,
			BuildScript:    in.BuildScript,
			EntryFile:      in.EntryFile,
			MainDirectory:  in.MainDirectory,
			Port:           port,
			Status:         domain.StatusPending,
			DeploymentURL:  s.deploymentURL(port),
		}
		err = s.deployments.CreateDeployment(ctx, d)
		if errors.Is(err, repository.ErrPortTaken) {
			s.metrics.portRetries.Inc()
			s.logger.Info("port taken concurrently, retrying allocation", "port", port, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, storeError("create deployment", err)
		}
		s.logger.Info("deployment created", "deployment_id", d.ID, "owner_id", ownerID, "port", port)
		return &Pipeline{Kind: KindCreate, Deployment: *d, command: command}, nil
	}
	return nil, ErrPortConflict
}

// Redeploy moves an owned deployment to redeploying. It fails with
// repository.ErrStatusConflict while another pipeline holds the record.
func (s Service) Redeploy(ctx context.Context, ownerID, id string) (*Pipeline, error) {
	d, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	command, err := s.deployCommand(d.CloneURL, d.ProjectName)
	if err != nil {
		return nil, err
	}
	err = s.deployments.TransitionStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		OwnerID:      d.OwnerID,
		From:         domain.PreviousStatuses(domain.StatusRedeploying),
		Status:       domain.StatusRedeploying,
	})
	if err != nil {
		return nil, storeError("mark redeploying", err)
	}
	d.Status = domain.StatusRedeploying
	d.ErrorMessage = ""
	return &Pipeline{Kind: KindRedeploy, Deployment: *d, command: command}, nil
}

// Run executes the pipeline's remote command, relays its output to transport
// and reconciles the stored record with the outcome. transport may be nil for
// runs nobody is watching. The session is cancelled only when the consumer
// leaves; ctx cancellation alone does not stop it.
func (s Service) Run(ctx context.Context, p *Pipeline, transport ws.Transport) Result {
	d := p.Deployment
	log := s.logger.With("deployment_id", d.ID, "kind", string(p.Kind))
	log.Info("deployment pipeline started", "port", d.Port)
	started := time.Now()

	if s.output != nil {
		if err := s.output.Reset(ctx, d.ID); err != nil {
			log.Warn("failed to clear previous output", "error", err)
		}
	}

	s.metrics.active.Inc()
	session := s.executor.Execute(ctx, p.command)
	relay := ws.NewRelay(d.ID, transport, s.output, log)
	outcome, runErr := relay.Forward(session)
	s.metrics.active.Dec()

	status, finalizeErr := s.finalize(context.WithoutCancel(ctx), d, outcome, runErr)
	if finalizeErr != nil {
		log.Error("failed to finalize deployment", "outcome", outcome.String(), "error", finalizeErr)
		if outcome == ws.OutcomeCompleted {
			outcome = ws.OutcomeFailed
			runErr = fmt.Errorf("deployment finished but its status could not be saved: %w", finalizeErr)
		}
	}
	relay.Finish(outcome, runErr)
	session.Wait()

	s.metrics.pipelines.WithLabelValues(string(p.Kind), outcome.String()).Inc()
	attrs := []any{"outcome", outcome.String(), "status", string(status), "duration_ms", time.Since(started).Milliseconds()}
	if runErr != nil {
		attrs = append(attrs, "error", runErr)
	}
	log.Info("deployment pipeline finished", attrs...)
	return Result{Outcome: outcome, Status: status, Err: runErr}
}

// Start runs the pipeline in the background with no consumer attached.
func (s Service) Start(ctx context.Context, p *Pipeline) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.Run(context.WithoutCancel(ctx), p, nil)
	}()
}

// Drain waits for background pipelines started with Start, or for ctx.
func (s Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Service) finalize(ctx context.Context, d domain.Deployment, outcome ws.Outcome, runErr error) (domain.DeploymentStatus, error) {
	update := domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		OwnerID:      d.OwnerID,
	}
	switch outcome {
	case ws.OutcomeCompleted:
		now := time.Now().UTC()
		update.Status = domain.StatusDeployed
		update.LastDeployedAt = &now
	case ws.OutcomeCancelled:
		update.Status = domain.StatusFailed
		update.ErrorMessage = CancelledMessage
	default:
		update.Status = domain.StatusFailed
		update.ErrorMessage = "deployment failed"
		if runErr != nil {
			update.ErrorMessage = runErr.Error()
		}
	}
	update.From = domain.PreviousStatuses(update.Status)
	if err := s.deployments.TransitionStatus(ctx, update); err != nil {
		return d.Status, err
	}
	return update.Status, nil
}

// Get returns an owned deployment.
func (s Service) Get(ctx context.Context, ownerID, id string) (*domain.Deployment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, repository.ErrNotFound
	}
	d, err := s.deployments.GetDeployment(ctx, id, ownerID)
	if err != nil {
		return nil, storeError("get deployment", err)
	}
	return d, nil
}

// List returns a page of the owner's deployments, newest first.
func (s Service) List(ctx context.Context, ownerID string, page, limit int) (ListResult, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	items, total, err := s.deployments.ListDeployments(ctx, ownerID, limit, (page-1)*limit)
	if err != nil {
		return ListResult{}, storeError("list deployments", err)
	}
	return ListResult{
		Deployments: items,
		Total:       total,
		Page:        page,
		Limit:       limit,
		Pages:       int(math.Ceil(float64(total) / float64(limit))),
	}, nil
}

// Update changes metadata only. Status and port are never affected.
func (s Service) Update(ctx context.Context, ownerID, id string, input UpdateInput) (*domain.Deployment, error) {
	in, err := normalizeUpdate(input)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, repository.ErrNotFound
	}
	update := domain.DeploymentMetadataUpdate{
		Description:   in.Description,
		EntryFile:     in.EntryFile,
		MainDirectory: in.MainDirectory,
		BuildScript:   in.BuildScript,
		RunScript:     in.RunScript,
	}
	if in.EnvVars != nil {
		vars, err := s.sealEnvVars(*in.EnvVars)
		if err != nil {
			return nil, err
		}
		update.EnvVars = &vars
	}
	d, err := s.deployments.UpdateDeploymentMetadata(ctx, id, ownerID, update)
	if err != nil {
		return nil, storeError("update deployment", err)
	}
	return d, nil
}

// Delete removes an owned deployment. Remote cleanup is attempted first and
// its failure never blocks removal of the record.
func (s Service) Delete(ctx context.Context, ownerID, id string) (*domain.Deployment, error) {
	d, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	log := s.logger.With("deployment_id", d.ID, "project_name", d.ProjectName)
	if err := s.cleanupRemote(ctx, d.ProjectName); err != nil {
		log.Warn("remote cleanup failed, removing record anyway", "error", err)
	}
	if err := s.deployments.DeleteDeployment(context.WithoutCancel(ctx), d.ID, ownerID); err != nil {
		return nil, storeError("delete deployment", err)
	}
	log.Info("deployment deleted")
	return d, nil
}

func (s Service) cleanupRemote(ctx context.Context, projectName string) error {
	if s.cfg.RemoveScript == "" {
		return nil
	}
	command, err := BuildCommand(s.cfg.DeployShell, s.cfg.RemoveScript, projectName)
	if err != nil {
		return err
	}
	timeout := s.cfg.RemoteCleanupTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	session := s.executor.Execute(ctx, command)
	defer session.Wait()
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return remote.ErrCancelled
			}
			switch ev.Kind {
			case remote.EventCompleted:
				return nil
			case remote.EventFailed:
				return ev.Err
			}
		case <-timer.C:
			session.Cancel()
			return fmt.Errorf("remote cleanup timed out after %s", timeout)
		}
	}
}

// View renders a deployment with decrypted environment values.
func (s Service) View(d domain.Deployment) DeploymentView {
	view := DeploymentView{
		ID:             d.ID,
		OwnerID:        d.OwnerID,
		ProjectName:    d.ProjectName,
		CloneURL:       d.CloneURL,
		Description:    d.Description,
		PackageManager: d.PackageManager,
		EnvVars:        make([]EnvVarInput, 0, len(d.EnvVars)),
		RunScript:      d.RunScript,
		BuildScript:    d.BuildScript,
		EntryFile:      d.EntryFile,
		MainDirectory:  d.MainDirectory,
		Port:           d.Port,
		Status:         string(d.Status),
		DeploymentURL:  d.DeploymentURL,
		LastDeployedAt: d.LastDeployedAt,
		ErrorMessage:   d.ErrorMessage,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	for _, v := range d.EnvVars {
		value, err := s.cipher.Open(v.Value)
		if err != nil {
			s.logger.Warn("failed to decrypt env var", "deployment_id", d.ID, "key", v.Key, "error", err)
			continue
		}
		view.EnvVars = append(view.EnvVars, EnvVarInput{Key: v.Key, Value: value})
	}
	return view
}

// DeploymentView is the external representation of a deployment.
type DeploymentView struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"userId"`
	ProjectName    string        `json:"project_name"`
	CloneURL       string        `json:"clone_url"`
	Description    string        `json:"description"`
	PackageManager string        `json:"package_manager"`
	EnvVars        []EnvVarInput `json:"envVars"`
	RunScript      string        `json:"run_script"`
	BuildScript    string        `json:"build_script"`
	EntryFile      string        `json:"entry_file"`
	MainDirectory  string        `json:"main_directory"`
	Port           int           `json:"port"`
	Status         string        `json:"status"`
	DeploymentURL  string        `json:"deployment_url,omitempty"`
	LastDeployedAt *time.Time    `json:"last_deployed_at,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (s Service) deployCommand(cloneURL, projectName string) (string, error) {
	return BuildCommand(s.cfg.DeployShell, s.cfg.DeployScript, cloneURL, projectName)
}

func (s Service) sealEnvVars(vars []EnvVarInput) ([]domain.EnvVar, error) {
	out := make([]domain.EnvVar, 0, len(vars))
	for _, v := range vars {
		sealed, err := s.cipher.Seal(v.Value)
		if err != nil {
			return nil, fmt.Errorf("encrypt env var %s: %w", v.Key, err)
		}
		out = append(out, domain.EnvVar{Key: v.Key, Value: sealed})
	}
	return out, nil
}

func (s Service) deploymentURL(port int) string {
	if s.cfg.PublicHost == "" {
		return ""
	}
	scheme := s.cfg.PublicScheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + s.cfg.PublicHost + ":" + strconv.Itoa(port)
}
