// Package store defines FlakeGuard's persistence contract (spec.md §3)
// as Go interfaces, plus one concrete sqlite-backed adapter. The
// relational store itself is an external collaborator (spec.md §1
// Non-goals) — callers in the rest of the module depend only on the
// Store interface below, never on database/sql directly.
package store

import "time"

// RepoSelection mirrors an Installation's repository_selection field.
type RepoSelection string

const (
	RepoSelectionAll      RepoSelection = "all"
	RepoSelectionSelected RepoSelection = "selected"
)

// Installation is the app's attachment to an account (spec.md §3).
type Installation struct {
	ID             int64
	ExternalID     int64
	AccountLogin   string
	AccountKind    string
	RepoSelection  RepoSelection
	Permissions    map[string]string
	EventsSub      []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SuspendedAt    *time.Time
}

// Repository is a tracked project under an installation.
type Repository struct {
	ID             int64
	ExternalID     int64
	InstallationID int64
	Owner          string
	Name           string
	DefaultBranch  string
}

func (r Repository) FullName() string { return r.Owner + "/" + r.Name }

// WorkflowConclusion enumerates spec.md §3's conclusion set.
type WorkflowConclusion string

const (
	ConclusionSuccess       WorkflowConclusion = "success"
	ConclusionFailure       WorkflowConclusion = "failure"
	ConclusionNeutral       WorkflowConclusion = "neutral"
	ConclusionCancelled     WorkflowConclusion = "cancelled"
	ConclusionTimedOut      WorkflowConclusion = "timed_out"
	ConclusionActionRequired WorkflowConclusion = "action_required"
	ConclusionSkipped       WorkflowConclusion = "skipped"
	ConclusionNone          WorkflowConclusion = ""
)

// WorkflowStatus enumerates queued/in_progress/completed.
type WorkflowStatus string

const (
	StatusQueued     WorkflowStatus = "queued"
	StatusInProgress WorkflowStatus = "in_progress"
	StatusCompleted  WorkflowStatus = "completed"
)

// WorkflowRun is one execution of a CI pipeline.
type WorkflowRun struct {
	ID           int64
	ExternalID   int64
	RepositoryID int64
	HeadSHA      string
	Branch       string
	Status       WorkflowStatus
	Conclusion   WorkflowConclusion
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorkflowJob is a single job within a run. The ParentRunExternalID
// reference is weak: a dangling reference is tolerated and logged,
// per spec.md §3 Ownership.
type WorkflowJob struct {
	ID                  int64
	ExternalID          int64
	ParentRunExternalID int64
	Name                string
	Status              WorkflowStatus
	Conclusion          WorkflowConclusion
	StartedAt           *time.Time
	CompletedAt         *time.Time
}

// CheckRunAction is one of the five action tokens offered on a check run.
type CheckRunAction struct {
	Identifier  string
	Label       string
	Description string
}

const (
	ActionQuarantine   = "quarantine"
	ActionRerunFailed  = "rerun_failed"
	ActionOpenIssue    = "open_issue"
	ActionDismissFlake = "dismiss_flake"
	ActionMarkStable   = "mark_stable"
)

// CheckRun is a surface on a commit.
type CheckRun struct {
	ID           int64
	ExternalID   int64
	RepositoryID int64
	Name         string
	HeadSHA      string
	Status       WorkflowStatus
	Conclusion   WorkflowConclusion
	Title        string
	Summary      string
	Text         string
	Actions      []CheckRunAction
}

// TestOutcome enumerates passed/failed/skipped.
type TestOutcome string

const (
	OutcomePassed  TestOutcome = "passed"
	OutcomeFailed  TestOutcome = "failed"
	OutcomeSkipped TestOutcome = "skipped"
)

// TestIdentity names a single test: name plus optional source location.
type TestIdentity struct {
	Name     string
	FilePath string
	Line     int
}

// TestResult is one observed outcome, append-only.
type TestResult struct {
	ID             int64
	RepositoryID   int64
	Identity       TestIdentity
	Outcome        TestOutcome
	ErrorMessage   string
	StackTrace     string
	Duration       time.Duration
	Timestamp      time.Time
	CheckRunExtID  int64
	JobExtID       int64
}

// DetectionStatus enumerates pending/quarantined/dismissed/stable.
type DetectionStatus string

const (
	DetectionPending     DetectionStatus = "pending"
	DetectionQuarantined DetectionStatus = "quarantined"
	DetectionDismissed   DetectionStatus = "dismissed"
	DetectionStable      DetectionStatus = "stable"
)

// FlakeDetection is the analyzer's per-test state (spec.md §3).
// Invariant: (Identity, RepositoryID) unique; 0<=Confidence<=1;
// 0<=FailureRate<=1; IsFlaky => 0<FailureRate<1 && Confidence>=medium.
type FlakeDetection struct {
	ID                int64
	Identity          TestIdentity
	RepositoryID      int64
	IsFlaky           bool
	Confidence        float64
	FailurePattern    string
	HistoricalFailures int
	TotalRuns         int
	FailureRate       float64
	LastFailureAt     *time.Time
	SuggestedAction   string
	Status            DetectionStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RerunMode distinguishes rerun-all from rerun-failed-only.
type RerunMode string

const (
	RerunFull        RerunMode = "full"
	RerunFailedOnly  RerunMode = "failed_only"
)

// RerunAttempt is an append-only audit record.
type RerunAttempt struct {
	ID              int64
	WorkflowRunExtID int64
	CheckRunExtID    int64
	FailedJobCount   int
	TotalJobCount    int
	Mode             RerunMode
	CreatedAt        time.Time
}

// DeliveryRecord is the dedup token for webhook deliveries.
type DeliveryRecord struct {
	DeliveryID string
	EventKind  string
	ReceivedAt time.Time
}
