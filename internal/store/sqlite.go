// Package store's sqlite.go is the one concrete adapter shipped for the
// Store interface, grounded on the teacher's internal/store package:
// migrate-on-open, ON CONFLICT ... DO UPDATE upserts, RFC3339-as-TEXT
// timestamps. Swapping in another relational engine means implementing
// Store again; nothing else in the module imports database/sql.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS installations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id INTEGER NOT NULL UNIQUE,
			account_login TEXT NOT NULL,
			account_kind TEXT NOT NULL,
			repo_selection TEXT NOT NULL,
			permissions TEXT NOT NULL DEFAULT '{}',
			events TEXT NOT NULL DEFAULT '[]',
			suspended_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS repositories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id INTEGER NOT NULL UNIQUE,
			installation_id INTEGER NOT NULL,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			default_branch TEXT NOT NULL,
			UNIQUE(installation_id, owner, name)
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id INTEGER NOT NULL UNIQUE,
			repository_id INTEGER NOT NULL,
			head_sha TEXT NOT NULL,
			branch TEXT NOT NULL,
			status TEXT NOT NULL,
			conclusion TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id INTEGER NOT NULL UNIQUE,
			parent_run_external_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			conclusion TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			completed_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS check_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id INTEGER NOT NULL UNIQUE,
			repository_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			head_sha TEXT NOT NULL,
			status TEXT NOT NULL,
			conclusion TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			actions TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			test_name TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			stack_trace TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			occurred_at TEXT NOT NULL,
			check_run_ext_id INTEGER NOT NULL DEFAULT 0,
			job_ext_id INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_lookup
			ON test_results(repository_id, test_name, occurred_at);`,
		`CREATE TABLE IF NOT EXISTS flake_detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			test_name TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			is_flaky INTEGER NOT NULL,
			confidence REAL NOT NULL,
			failure_pattern TEXT NOT NULL DEFAULT '',
			historical_failures INTEGER NOT NULL,
			total_runs INTEGER NOT NULL,
			failure_rate REAL NOT NULL,
			last_failure_at TEXT,
			suggested_action TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(repository_id, test_name, file_path)
		);`,
		`CREATE TABLE IF NOT EXISTS rerun_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_run_ext_id INTEGER NOT NULL,
			check_run_ext_id INTEGER NOT NULL DEFAULT 0,
			failed_job_count INTEGER NOT NULL,
			total_job_count INTEGER NOT NULL,
			mode TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			delivery_id TEXT PRIMARY KEY,
			event_kind TEXT NOT NULL,
			received_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

func parseRFC3339(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// --- Installations ---

func (s *SQLiteStore) UpsertInstallation(ctx context.Context, in Installation) (Installation, error) {
	perms, _ := json.Marshal(in.Permissions)
	events, _ := json.Marshal(in.EventsSub)
	now := nowRFC3339()
	var suspended any
	if in.SuspendedAt != nil {
		suspended = in.SuspendedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installations (external_id, account_login, account_kind, repo_selection, permissions, events, suspended_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			account_login=excluded.account_login,
			account_kind=excluded.account_kind,
			repo_selection=excluded.repo_selection,
			permissions=excluded.permissions,
			events=excluded.events,
			suspended_at=excluded.suspended_at,
			updated_at=excluded.updated_at
	`, in.ExternalID, in.AccountLogin, in.AccountKind, string(in.RepoSelection), string(perms), string(events), suspended, now, now)
	if err != nil {
		return Installation{}, err
	}
	return s.GetInstallation(ctx, in.ExternalID)
}

func (s *SQLiteStore) DeleteInstallation(ctx context.Context, externalID int64) error {
	// Cascades per spec.md §3 ownership: repositories and their owned
	// rows are removed with the installation.
	row := s.db.QueryRowContext(ctx, `SELECT id FROM installations WHERE external_id = ?`, externalID)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT external_id FROM repositories WHERE installation_id = ?`, externalID)
	if err != nil {
		return err
	}
	var repoExtIDs []int64
	for rows.Next() {
		var rid int64
		if err := rows.Scan(&rid); err != nil {
			rows.Close()
			return err
		}
		repoExtIDs = append(repoExtIDs, rid)
	}
	rows.Close()
	for _, rid := range repoExtIDs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM test_results WHERE repository_id = (SELECT id FROM repositories WHERE external_id = ?)`, rid); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM flake_detections WHERE repository_id = (SELECT id FROM repositories WHERE external_id = ?)`, rid); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM check_runs WHERE repository_id = (SELECT id FROM repositories WHERE external_id = ?)`, rid); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_jobs WHERE parent_run_external_id IN (SELECT external_id FROM workflow_runs WHERE repository_id = (SELECT id FROM repositories WHERE external_id = ?))`, rid); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM rerun_attempts WHERE workflow_run_ext_id IN (SELECT external_id FROM workflow_runs WHERE repository_id = (SELECT id FROM repositories WHERE external_id = ?))`, rid); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE repository_id = (SELECT id FROM repositories WHERE external_id = ?)`, rid); err != nil {
			return err
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE installation_id = ?`, externalID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM installations WHERE external_id = ?`, externalID)
	return err
}

func (s *SQLiteStore) GetInstallation(ctx context.Context, externalID int64) (Installation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, account_login, account_kind, repo_selection, permissions, events, suspended_at, created_at, updated_at
		FROM installations WHERE external_id = ?`, externalID)
	var in Installation
	var perms, events string
	var suspended sql.NullString
	var created, updated string
	if err := row.Scan(&in.ID, &in.ExternalID, &in.AccountLogin, &in.AccountKind, &in.RepoSelection, &perms, &events, &suspended, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return Installation{}, ErrNotFound
		}
		return Installation{}, err
	}
	_ = json.Unmarshal([]byte(perms), &in.Permissions)
	_ = json.Unmarshal([]byte(events), &in.EventsSub)
	in.CreatedAt = parseRFC3339(created)
	in.UpdatedAt = parseRFC3339(updated)
	if suspended.Valid {
		t := parseRFC3339(suspended.String)
		in.SuspendedAt = &t
	}
	return in, nil
}

// --- Repositories ---

func (s *SQLiteStore) UpsertRepository(ctx context.Context, r Repository) (Repository, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (external_id, installation_id, owner, name, default_branch)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			installation_id=excluded.installation_id,
			owner=excluded.owner,
			name=excluded.name,
			default_branch=excluded.default_branch
	`, r.ExternalID, r.InstallationID, r.Owner, r.Name, r.DefaultBranch)
	if err != nil {
		return Repository{}, err
	}
	return s.GetRepositoryByExternalID(ctx, r.ExternalID)
}

func (s *SQLiteStore) GetRepositoryByExternalID(ctx context.Context, externalID int64) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, installation_id, owner, name, default_branch
		FROM repositories WHERE external_id = ?`, externalID)
	var r Repository
	if err := row.Scan(&r.ID, &r.ExternalID, &r.InstallationID, &r.Owner, &r.Name, &r.DefaultBranch); err != nil {
		if err == sql.ErrNoRows {
			return Repository{}, ErrNotFound
		}
		return Repository{}, err
	}
	return r, nil
}

func (s *SQLiteStore) GetRepositoryByFullName(ctx context.Context, installationID int64, fullName string) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, installation_id, owner, name, default_branch
		FROM repositories WHERE installation_id = ? AND (owner || '/' || name) = ?`, installationID, fullName)
	var r Repository
	if err := row.Scan(&r.ID, &r.ExternalID, &r.InstallationID, &r.Owner, &r.Name, &r.DefaultBranch); err != nil {
		if err == sql.ErrNoRows {
			return Repository{}, ErrNotFound
		}
		return Repository{}, err
	}
	return r, nil
}

func (s *SQLiteStore) FindRepositoryByOwnerAndName(ctx context.Context, owner, name string) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, installation_id, owner, name, default_branch
		FROM repositories WHERE owner = ? AND name = ?`, owner, name)
	var r Repository
	if err := row.Scan(&r.ID, &r.ExternalID, &r.InstallationID, &r.Owner, &r.Name, &r.DefaultBranch); err != nil {
		if err == sql.ErrNoRows {
			return Repository{}, ErrNotFound
		}
		return Repository{}, err
	}
	return r, nil
}

// --- Workflow runs/jobs ---

func (s *SQLiteStore) UpsertWorkflowRun(ctx context.Context, wr WorkflowRun) (WorkflowRun, error) {
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (external_id, repository_id, head_sha, branch, status, conclusion, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			head_sha=excluded.head_sha,
			branch=excluded.branch,
			status=excluded.status,
			conclusion=excluded.conclusion,
			updated_at=excluded.updated_at
	`, wr.ExternalID, wr.RepositoryID, wr.HeadSHA, wr.Branch, string(wr.Status), string(wr.Conclusion), now, now)
	if err != nil {
		return WorkflowRun{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, repository_id, head_sha, branch, status, conclusion, created_at, updated_at
		FROM workflow_runs WHERE external_id = ?`, wr.ExternalID)
	var out WorkflowRun
	var created, updated string
	if err := row.Scan(&out.ID, &out.ExternalID, &out.RepositoryID, &out.HeadSHA, &out.Branch, &out.Status, &out.Conclusion, &created, &updated); err != nil {
		return WorkflowRun{}, err
	}
	out.CreatedAt = parseRFC3339(created)
	out.UpdatedAt = parseRFC3339(updated)
	return out, nil
}

func (s *SQLiteStore) GetWorkflowRunByHeadSHA(ctx context.Context, repositoryID int64, headSHA string) (WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, repository_id, head_sha, branch, status, conclusion, created_at, updated_at
		FROM workflow_runs WHERE repository_id = ? AND head_sha = ?
		ORDER BY id DESC LIMIT 1`, repositoryID, headSHA)
	var out WorkflowRun
	var created, updated string
	if err := row.Scan(&out.ID, &out.ExternalID, &out.RepositoryID, &out.HeadSHA, &out.Branch, &out.Status, &out.Conclusion, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return WorkflowRun{}, ErrNotFound
		}
		return WorkflowRun{}, err
	}
	out.CreatedAt = parseRFC3339(created)
	out.UpdatedAt = parseRFC3339(updated)
	return out, nil
}

func (s *SQLiteStore) UpsertWorkflowJob(ctx context.Context, job WorkflowJob) (WorkflowJob, error) {
	var started, completed any
	if job.StartedAt != nil {
		started = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		completed = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_jobs (external_id, parent_run_external_id, name, status, conclusion, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			parent_run_external_id=excluded.parent_run_external_id,
			name=excluded.name,
			status=excluded.status,
			conclusion=excluded.conclusion,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at
	`, job.ExternalID, job.ParentRunExternalID, job.Name, string(job.Status), string(job.Conclusion), started, completed)
	if err != nil {
		return WorkflowJob{}, err
	}
	return job, nil
}

func (s *SQLiteStore) ListWorkflowJobs(ctx context.Context, parentRunExternalID int64) ([]WorkflowJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, parent_run_external_id, name, status, conclusion, started_at, completed_at
		FROM workflow_jobs WHERE parent_run_external_id = ?`, parentRunExternalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkflowJob
	for rows.Next() {
		var j WorkflowJob
		var started, completed sql.NullString
		if err := rows.Scan(&j.ExternalID, &j.ParentRunExternalID, &j.Name, &j.Status, &j.Conclusion, &started, &completed); err != nil {
			return nil, err
		}
		if started.Valid {
			t := parseRFC3339(started.String)
			j.StartedAt = &t
		}
		if completed.Valid {
			t := parseRFC3339(completed.String)
			j.CompletedAt = &t
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- Check runs ---

func (s *SQLiteStore) UpsertCheckRun(ctx context.Context, cr CheckRun) (CheckRun, error) {
	actions, _ := json.Marshal(cr.Actions)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO check_runs (external_id, repository_id, name, head_sha, status, conclusion, title, summary, text, actions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			status=excluded.status,
			conclusion=excluded.conclusion,
			title=excluded.title,
			summary=excluded.summary,
			text=excluded.text,
			actions=excluded.actions
	`, cr.ExternalID, cr.RepositoryID, cr.Name, cr.HeadSHA, string(cr.Status), string(cr.Conclusion), cr.Title, cr.Summary, cr.Text, string(actions))
	if err != nil {
		return CheckRun{}, err
	}
	return s.GetCheckRunByExternalID(ctx, cr.ExternalID)
}

func (s *SQLiteStore) GetCheckRunByExternalID(ctx context.Context, externalID int64) (CheckRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT external_id, repository_id, name, head_sha, status, conclusion, title, summary, text, actions
		FROM check_runs WHERE external_id = ?`, externalID)
	var cr CheckRun
	var actions string
	if err := row.Scan(&cr.ExternalID, &cr.RepositoryID, &cr.Name, &cr.HeadSHA, &cr.Status, &cr.Conclusion, &cr.Title, &cr.Summary, &cr.Text, &actions); err != nil {
		if err == sql.ErrNoRows {
			return CheckRun{}, ErrNotFound
		}
		return CheckRun{}, err
	}
	_ = json.Unmarshal([]byte(actions), &cr.Actions)
	return cr, nil
}

func (s *SQLiteStore) FindFlakeGuardCheckRun(ctx context.Context, repositoryID int64, headSHA string) (CheckRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT external_id, repository_id, name, head_sha, status, conclusion, title, summary, text, actions
		FROM check_runs WHERE repository_id = ? AND head_sha = ? AND name = 'FlakeGuard'
		ORDER BY external_id DESC LIMIT 1`, repositoryID, headSHA)
	var cr CheckRun
	var actions string
	if err := row.Scan(&cr.ExternalID, &cr.RepositoryID, &cr.Name, &cr.HeadSHA, &cr.Status, &cr.Conclusion, &cr.Title, &cr.Summary, &cr.Text, &actions); err != nil {
		if err == sql.ErrNoRows {
			return CheckRun{}, ErrNotFound
		}
		return CheckRun{}, err
	}
	_ = json.Unmarshal([]byte(actions), &cr.Actions)
	return cr, nil
}

// --- Test results ---

func (s *SQLiteStore) InsertTestResult(ctx context.Context, tr TestResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_results (repository_id, test_name, file_path, outcome, error_message, stack_trace, duration_ms, occurred_at, check_run_ext_id, job_ext_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.RepositoryID, tr.Identity.Name, tr.Identity.FilePath, string(tr.Outcome), tr.ErrorMessage, tr.StackTrace,
		tr.Duration.Milliseconds(), tr.Timestamp.UTC().Format(time.RFC3339), tr.CheckRunExtID, tr.JobExtID)
	return err
}

func (s *SQLiteStore) ListTestResultsInWindow(ctx context.Context, repositoryID int64, identity TestIdentity, since int64) ([]TestResult, error) {
	sinceTime := time.Unix(since, 0).UTC().Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `
		SELECT repository_id, test_name, file_path, outcome, error_message, stack_trace, duration_ms, occurred_at, check_run_ext_id, job_ext_id
		FROM test_results
		WHERE repository_id = ? AND test_name = ? AND occurred_at >= ?
		ORDER BY occurred_at ASC
	`, repositoryID, identity.Name, sinceTime)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TestResult
	for rows.Next() {
		var tr TestResult
		var occurred string
		var durationMs int64
		if err := rows.Scan(&tr.RepositoryID, &tr.Identity.Name, &tr.Identity.FilePath, &tr.Outcome, &tr.ErrorMessage, &tr.StackTrace, &durationMs, &occurred, &tr.CheckRunExtID, &tr.JobExtID); err != nil {
			return nil, err
		}
		tr.Duration = time.Duration(durationMs) * time.Millisecond
		tr.Timestamp = parseRFC3339(occurred)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// --- Flake detections ---

func (s *SQLiteStore) UpsertFlakeDetection(ctx context.Context, fd FlakeDetection) (FlakeDetection, error) {
	now := nowRFC3339()
	var lastFailure any
	if fd.LastFailureAt != nil {
		lastFailure = fd.LastFailureAt.UTC().Format(time.RFC3339)
	}
	isFlaky := 0
	if fd.IsFlaky {
		isFlaky = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flake_detections (repository_id, test_name, file_path, is_flaky, confidence, failure_pattern, historical_failures, total_runs, failure_rate, last_failure_at, suggested_action, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id, test_name, file_path) DO UPDATE SET
			is_flaky=excluded.is_flaky,
			confidence=excluded.confidence,
			failure_pattern=excluded.failure_pattern,
			historical_failures=excluded.historical_failures,
			total_runs=excluded.total_runs,
			failure_rate=excluded.failure_rate,
			last_failure_at=excluded.last_failure_at,
			suggested_action=excluded.suggested_action,
			status=excluded.status,
			updated_at=excluded.updated_at
	`, fd.RepositoryID, fd.Identity.Name, fd.Identity.FilePath, isFlaky, fd.Confidence, fd.FailurePattern,
		fd.HistoricalFailures, fd.TotalRuns, fd.FailureRate, lastFailure, fd.SuggestedAction, string(fd.Status), now, now)
	if err != nil {
		return FlakeDetection{}, err
	}
	return s.GetFlakeDetection(ctx, fd.RepositoryID, fd.Identity)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(row rowScanner) (FlakeDetection, error) {
	var fd FlakeDetection
	var isFlaky int
	var lastFailure sql.NullString
	var created, updated string
	err := row.Scan(&fd.RepositoryID, &fd.Identity.Name, &fd.Identity.FilePath, &isFlaky, &fd.Confidence,
		&fd.FailurePattern, &fd.HistoricalFailures, &fd.TotalRuns, &fd.FailureRate, &lastFailure,
		&fd.SuggestedAction, &fd.Status, &created, &updated)
	if err != nil {
		return FlakeDetection{}, err
	}
	fd.IsFlaky = isFlaky != 0
	fd.CreatedAt = parseRFC3339(created)
	fd.UpdatedAt = parseRFC3339(updated)
	if lastFailure.Valid {
		t := parseRFC3339(lastFailure.String)
		fd.LastFailureAt = &t
	}
	return fd, nil
}

func (s *SQLiteStore) GetFlakeDetection(ctx context.Context, repositoryID int64, identity TestIdentity) (FlakeDetection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repository_id, test_name, file_path, is_flaky, confidence, failure_pattern, historical_failures, total_runs, failure_rate, last_failure_at, suggested_action, status, created_at, updated_at
		FROM flake_detections WHERE repository_id = ? AND test_name = ? AND file_path = ?
	`, repositoryID, identity.Name, identity.FilePath)
	fd, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return FlakeDetection{}, ErrNotFound
	}
	return fd, err
}

func (s *SQLiteStore) ListFlakeDetectionsForCheckRun(ctx context.Context, checkRunExternalID int64) ([]FlakeDetection, error) {
	// A check run carries findings for its (repository, head sha); we
	// join through test_results that were attributed to it.
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT fd.repository_id, fd.test_name, fd.file_path, fd.is_flaky, fd.confidence, fd.failure_pattern,
			fd.historical_failures, fd.total_runs, fd.failure_rate, fd.last_failure_at, fd.suggested_action, fd.status,
			fd.created_at, fd.updated_at
		FROM flake_detections fd
		JOIN test_results tr ON tr.repository_id = fd.repository_id AND tr.test_name = fd.test_name
		WHERE tr.check_run_ext_id = ?
	`, checkRunExternalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FlakeDetection
	for rows.Next() {
		fd, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListFlakeDetections(ctx context.Context, repositoryID int64) ([]FlakeDetection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repository_id, test_name, file_path, is_flaky, confidence, failure_pattern, historical_failures, total_runs, failure_rate, last_failure_at, suggested_action, status, created_at, updated_at
		FROM flake_detections WHERE repository_id = ?
	`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FlakeDetection
	for rows.Next() {
		fd, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

// --- Rerun attempts ---

func (s *SQLiteStore) CountRerunAttempts(ctx context.Context, workflowRunExternalID int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rerun_attempts WHERE workflow_run_ext_id = ?`, workflowRunExternalID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) InsertRerunAttempt(ctx context.Context, ra RerunAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rerun_attempts (workflow_run_ext_id, check_run_ext_id, failed_job_count, total_job_count, mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ra.WorkflowRunExtID, ra.CheckRunExtID, ra.FailedJobCount, ra.TotalJobCount, string(ra.Mode), nowRFC3339())
	return err
}

// --- Delivery dedup ---

func (s *SQLiteStore) RecordDelivery(ctx context.Context, d DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (delivery_id, event_kind, received_at) VALUES (?, ?, ?)
	`, d.DeliveryID, d.EventKind, d.ReceivedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint violations with this substring.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
