package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyProcessed is returned by RecordDelivery when the delivery id
// was already seen, satisfying spec.md §8's "at most once" invariant.
var ErrAlreadyProcessed = errors.New("store: delivery already processed")

// Store is the persistence contract FlakeGuard's control plane depends
// on. The relational engine behind it is out of scope per spec.md §1;
// this interface is what every component (C1-C9) actually calls.
type Store interface {
	// Installations
	UpsertInstallation(ctx context.Context, in Installation) (Installation, error)
	DeleteInstallation(ctx context.Context, externalID int64) error
	GetInstallation(ctx context.Context, externalID int64) (Installation, error)

	// Repositories
	UpsertRepository(ctx context.Context, r Repository) (Repository, error)
	GetRepositoryByFullName(ctx context.Context, installationID int64, fullName string) (Repository, error)
	GetRepositoryByExternalID(ctx context.Context, externalID int64) (Repository, error)
	// FindRepositoryByOwnerAndName looks a repository up without an
	// installation id in hand, for the control API (spec.md §6) whose
	// REST routes are scoped by owner/repo alone.
	FindRepositoryByOwnerAndName(ctx context.Context, owner, name string) (Repository, error)

	// Workflow runs/jobs
	UpsertWorkflowRun(ctx context.Context, wr WorkflowRun) (WorkflowRun, error)
	GetWorkflowRunByHeadSHA(ctx context.Context, repositoryID int64, headSHA string) (WorkflowRun, error)
	UpsertWorkflowJob(ctx context.Context, job WorkflowJob) (WorkflowJob, error)
	ListWorkflowJobs(ctx context.Context, parentRunExternalID int64) ([]WorkflowJob, error)

	// Check runs
	UpsertCheckRun(ctx context.Context, cr CheckRun) (CheckRun, error)
	GetCheckRunByExternalID(ctx context.Context, externalID int64) (CheckRun, error)
	FindFlakeGuardCheckRun(ctx context.Context, repositoryID int64, headSHA string) (CheckRun, error)

	// Test results (append-only; failure to persist is non-fatal per spec.md §4.5)
	InsertTestResult(ctx context.Context, tr TestResult) error
	ListTestResultsInWindow(ctx context.Context, repositoryID int64, identity TestIdentity, since int64) ([]TestResult, error)

	// Flake detections
	UpsertFlakeDetection(ctx context.Context, fd FlakeDetection) (FlakeDetection, error)
	GetFlakeDetection(ctx context.Context, repositoryID int64, identity TestIdentity) (FlakeDetection, error)
	ListFlakeDetectionsForCheckRun(ctx context.Context, checkRunExternalID int64) ([]FlakeDetection, error)
	ListFlakeDetections(ctx context.Context, repositoryID int64) ([]FlakeDetection, error)

	// Rerun attempts
	CountRerunAttempts(ctx context.Context, workflowRunExternalID int64) (int, error)
	InsertRerunAttempt(ctx context.Context, ra RerunAttempt) error

	// Delivery dedup
	RecordDelivery(ctx context.Context, d DeliveryRecord) error

	Close() error
}
