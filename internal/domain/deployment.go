package domain

import (
	"slices"
	"time"
)

// DeploymentStatus is the persisted lifecycle state of a deployment.
type DeploymentStatus string

// Deployment statuses.
const (
	StatusPending     DeploymentStatus = "pending"
	StatusDeployed    DeploymentStatus = "deployed"
	StatusFailed      DeploymentStatus = "failed"
	StatusRedeploying DeploymentStatus = "redeploying"
)

// Package managers accepted for a deployment.
const (
	PackageManagerNPM  = "npm"
	PackageManagerYarn = "yarn"
	PackageManagerPNPM = "pnpm"
)

// Defaults applied to new deployments when the caller leaves a field empty.
const (
	DefaultEntryFile      = "./src/index.js"
	DefaultMainDirectory  = "./"
	DefaultRunScript      = "start"
	DefaultPackageManager = PackageManagerNPM
)

var transitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:     {StatusDeployed, StatusFailed},
	StatusDeployed:    {StatusRedeploying},
	StatusFailed:      {StatusRedeploying},
	StatusRedeploying: {StatusDeployed, StatusFailed},
}

// Valid reports whether s is a known status.
func (s DeploymentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a deployment may move from one status to another.
func CanTransition(from, to DeploymentStatus) bool {
	return slices.Contains(transitions[from], to)
}

// PreviousStatuses lists the statuses a deployment may hold before entering to.
func PreviousStatuses(to DeploymentStatus) []DeploymentStatus {
	var from []DeploymentStatus
	for _, s := range []DeploymentStatus{StatusPending, StatusDeployed, StatusFailed, StatusRedeploying} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// EnvVar is a deployment environment variable. Value holds ciphertext.
type EnvVar struct {
	Key   string
	Value []byte
}

// Deployment is a user's project configured to run on the remote host.
type Deployment struct {
	ID             string
	OwnerID        string
	ProjectName    string
	CloneURL       string
	Description    string
	PackageManager string
	EnvVars        []EnvVar
	RunScript      string
	BuildScript    string
	EntryFile      string
	MainDirectory  string
	Port           int
	Status         DeploymentStatus
	DeploymentURL  string
	LastDeployedAt *time.Time
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeploymentMetadataUpdate carries the caller-editable fields. Nil means unchanged.
type DeploymentMetadataUpdate struct {
	Description   *string
	EntryFile     *string
	MainDirectory *string
	EnvVars       *[]EnvVar
	BuildScript   *string
	RunScript     *string
}

// DeploymentStatusUpdate moves a deployment to Status if it currently holds
// one of From.
type DeploymentStatusUpdate struct {
	DeploymentID   string
	OwnerID        string
	From           []DeploymentStatus
	Status         DeploymentStatus
	ErrorMessage   string
	LastDeployedAt *time.Time
}
