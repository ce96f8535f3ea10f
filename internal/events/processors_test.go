package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-github/v66/github"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"flakeguard/internal/apperrors"
	"flakeguard/internal/flake"
	"flakeguard/internal/store"
	"flakeguard/internal/upstream"
)

// fakeRepoConfigClient is a minimal upstream.Client stub that only needs to
// serve GetFileContent for .flakeguard.yml, mirroring a repo that either has
// no override file (fileErr set) or a specific one (fileContent set).
type fakeRepoConfigClient struct {
	fileContent string
	fileErr     error
}

func (f *fakeRepoConfigClient) CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, error) {
	return &github.CheckRun{}, nil
}
func (f *fakeRepoConfigClient) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error) {
	return &github.CheckRun{}, nil
}
func (f *fakeRepoConfigClient) ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *github.ListCheckRunsOptions) ([]*github.CheckRun, error) {
	return nil, nil
}
func (f *fakeRepoConfigClient) RerunWorkflow(ctx context.Context, owner, repo string, runID int64) error {
	return nil
}
func (f *fakeRepoConfigClient) RerunFailedJobs(ctx context.Context, owner, repo string, runID int64) error {
	return nil
}
func (f *fakeRepoConfigClient) CancelWorkflow(ctx context.Context, owner, repo string, runID int64) error {
	return nil
}
func (f *fakeRepoConfigClient) ListJobsForRun(ctx context.Context, owner, repo string, runID int64) ([]*github.WorkflowJob, error) {
	return nil, nil
}
func (f *fakeRepoConfigClient) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]*github.Artifact, error) {
	return nil, nil
}
func (f *fakeRepoConfigClient) ArtifactDownloadURL(ctx context.Context, owner, repo string, artifactID int64) (string, error) {
	return "", nil
}
func (f *fakeRepoConfigClient) CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error) {
	return &github.Issue{}, nil
}
func (f *fakeRepoConfigClient) SearchIssues(ctx context.Context, query string) ([]*github.Issue, error) {
	return nil, nil
}
func (f *fakeRepoConfigClient) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error) {
	return &github.IssueComment{}, nil
}
func (f *fakeRepoConfigClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return nil
}
func (f *fakeRepoConfigClient) GetRef(ctx context.Context, owner, repo, ref string) (*github.Reference, error) {
	return &github.Reference{}, nil
}
func (f *fakeRepoConfigClient) CreateRef(ctx context.Context, owner, repo string, ref *github.Reference) (*github.Reference, error) {
	return ref, nil
}
func (f *fakeRepoConfigClient) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, string, error) {
	if f.fileErr != nil {
		return "", "", f.fileErr
	}
	return f.fileContent, "file-sha", nil
}
func (f *fakeRepoConfigClient) PutFileContent(ctx context.Context, owner, repo, branch, path, content, message, sha string) error {
	return nil
}
func (f *fakeRepoConfigClient) CreatePullRequest(ctx context.Context, owner, repo string, req *github.NewPullRequest) (*github.PullRequest, error) {
	return &github.PullRequest{}, nil
}
func (f *fakeRepoConfigClient) ListPullRequests(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, error) {
	return nil, nil
}
func (f *fakeRepoConfigClient) ListCommitsForPull(ctx context.Context, owner, repo string, number int) ([]*github.RepositoryCommit, error) {
	return nil, nil
}
func (f *fakeRepoConfigClient) GetInstallation(ctx context.Context, installationID int64) (*github.Installation, error) {
	return &github.Installation{}, nil
}

var _ upstream.Client = (*fakeRepoConfigClient)(nil)

type fakeEventStore struct {
	installations map[int64]store.Installation
	repositories  map[int64]store.Repository
	deleted       []int64
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{installations: map[int64]store.Installation{}, repositories: map[int64]store.Repository{}}
}

func (f *fakeEventStore) UpsertInstallation(ctx context.Context, in store.Installation) (store.Installation, error) {
	f.installations[in.ExternalID] = in
	return in, nil
}
func (f *fakeEventStore) DeleteInstallation(ctx context.Context, externalID int64) error {
	f.deleted = append(f.deleted, externalID)
	delete(f.installations, externalID)
	return nil
}
func (f *fakeEventStore) GetInstallation(ctx context.Context, externalID int64) (store.Installation, error) {
	in, ok := f.installations[externalID]
	if !ok {
		return store.Installation{}, store.ErrNotFound
	}
	return in, nil
}
func (f *fakeEventStore) UpsertRepository(ctx context.Context, r store.Repository) (store.Repository, error) {
	if r.ID == 0 {
		r.ID = r.ExternalID
	}
	f.repositories[r.ExternalID] = r
	return r, nil
}
func (f *fakeEventStore) GetRepositoryByFullName(ctx context.Context, installationID int64, fullName string) (store.Repository, error) {
	for _, r := range f.repositories {
		if r.FullName() == fullName {
			return r, nil
		}
	}
	return store.Repository{}, store.ErrNotFound
}
func (f *fakeEventStore) GetRepositoryByExternalID(ctx context.Context, externalID int64) (store.Repository, error) {
	r, ok := f.repositories[externalID]
	if !ok {
		return store.Repository{}, store.ErrNotFound
	}
	return r, nil
}
func (f *fakeEventStore) FindRepositoryByOwnerAndName(ctx context.Context, owner, name string) (store.Repository, error) {
	for _, r := range f.repositories {
		if r.Owner == owner && r.Name == name {
			return r, nil
		}
	}
	return store.Repository{}, store.ErrNotFound
}
func (f *fakeEventStore) UpsertWorkflowRun(ctx context.Context, wr store.WorkflowRun) (store.WorkflowRun, error) {
	return wr, nil
}
func (f *fakeEventStore) GetWorkflowRunByHeadSHA(ctx context.Context, repositoryID int64, headSHA string) (store.WorkflowRun, error) {
	return store.WorkflowRun{}, store.ErrNotFound
}
func (f *fakeEventStore) UpsertWorkflowJob(ctx context.Context, job store.WorkflowJob) (store.WorkflowJob, error) {
	return job, nil
}
func (f *fakeEventStore) ListWorkflowJobs(ctx context.Context, parentRunExternalID int64) ([]store.WorkflowJob, error) {
	return nil, nil
}
func (f *fakeEventStore) UpsertCheckRun(ctx context.Context, cr store.CheckRun) (store.CheckRun, error) {
	return cr, nil
}
func (f *fakeEventStore) GetCheckRunByExternalID(ctx context.Context, externalID int64) (store.CheckRun, error) {
	return store.CheckRun{}, store.ErrNotFound
}
func (f *fakeEventStore) FindFlakeGuardCheckRun(ctx context.Context, repositoryID int64, headSHA string) (store.CheckRun, error) {
	return store.CheckRun{}, store.ErrNotFound
}
func (f *fakeEventStore) InsertTestResult(ctx context.Context, tr store.TestResult) error { return nil }
func (f *fakeEventStore) ListTestResultsInWindow(ctx context.Context, repositoryID int64, identity store.TestIdentity, since int64) ([]store.TestResult, error) {
	return nil, nil
}
func (f *fakeEventStore) UpsertFlakeDetection(ctx context.Context, fd store.FlakeDetection) (store.FlakeDetection, error) {
	return fd, nil
}
func (f *fakeEventStore) GetFlakeDetection(ctx context.Context, repositoryID int64, identity store.TestIdentity) (store.FlakeDetection, error) {
	return store.FlakeDetection{}, store.ErrNotFound
}
func (f *fakeEventStore) ListFlakeDetectionsForCheckRun(ctx context.Context, checkRunExternalID int64) ([]store.FlakeDetection, error) {
	return nil, nil
}
func (f *fakeEventStore) ListFlakeDetections(ctx context.Context, repositoryID int64) ([]store.FlakeDetection, error) {
	return nil, nil
}
func (f *fakeEventStore) CountRerunAttempts(ctx context.Context, workflowRunExternalID int64) (int, error) {
	return 0, nil
}
func (f *fakeEventStore) InsertRerunAttempt(ctx context.Context, ra store.RerunAttempt) error { return nil }
func (f *fakeEventStore) RecordDelivery(ctx context.Context, d store.DeliveryRecord) error    { return nil }
func (f *fakeEventStore) Close() error                                                        { return nil }

var _ store.Store = (*fakeEventStore)(nil)

func TestHandleInstallation_Created_UpsertsInstallationAndRepos(t *testing.T) {
	st := newFakeEventStore()
	p := New(st, flake.New(st, flake.DefaultConfig(), zerolog.Nop()), nil, nil, zerolog.Nop())

	e := &github.InstallationEvent{
		Action: github.String("created"),
		Installation: &github.Installation{
			ID:                   github.Int64(42),
			Account:              &github.User{Login: github.String("acme"), Type: github.String("Organization")},
			RepositorySelection:  github.String("selected"),
		},
		Repositories: []*github.Repository{
			{ID: github.Int64(1), FullName: github.String("acme/widgets"), Name: github.String("widgets")},
		},
	}
	err := p.Handle(context.Background(), e)
	require.NoError(t, err)
	require.Contains(t, st.installations, int64(42))
	require.Contains(t, st.repositories, int64(1))
}

func TestHandleInstallation_Deleted_RemovesInstallation(t *testing.T) {
	st := newFakeEventStore()
	st.installations[42] = store.Installation{ExternalID: 42}
	p := New(st, flake.New(st, flake.DefaultConfig(), zerolog.Nop()), nil, nil, zerolog.Nop())

	e := &github.InstallationEvent{
		Action:       github.String("deleted"),
		Installation: &github.Installation{ID: github.Int64(42)},
	}
	err := p.Handle(context.Background(), e)
	require.NoError(t, err)
	require.NotContains(t, st.installations, int64(42))
	require.Contains(t, st.deleted, int64(42))
}

func TestOwnerOf_SplitsFullName(t *testing.T) {
	require.Equal(t, "acme", ownerOf("acme/widgets"))
	require.Equal(t, "widgets", ownerOf("widgets"))
}

func TestLooksLikeTest_MatchesKnownPatterns(t *testing.T) {
	require.True(t, looksLikeTest("unit-tests"))
	require.True(t, looksLikeTest("integration-suite"))
	require.True(t, looksLikeTest("e2e-smoke"))
	require.False(t, looksLikeTest("build-and-publish"))
}

func TestAnalyzerForRepo_NoOverrideFile_ReturnsSharedAnalyzer(t *testing.T) {
	st := newFakeEventStore()
	p := New(st, flake.New(st, flake.DefaultConfig(), zerolog.Nop()), nil, nil, zerolog.Nop())
	client := &fakeRepoConfigClient{fileErr: apperrors.Wrap(apperrors.ResourceNotFound, "GetFileContent: not found", errors.New("404"))}

	analyzer, overrides := p.analyzerForRepo(context.Background(), client, "acme", "widgets", "main")
	require.Same(t, p.analyzer, analyzer)
	require.False(t, overrides.IsExcluded("anything"))
}

func TestAnalyzerForRepo_TransientUpstreamError_FallsBackToDefaults(t *testing.T) {
	st := newFakeEventStore()
	p := New(st, flake.New(st, flake.DefaultConfig(), zerolog.Nop()), nil, nil, zerolog.Nop())
	client := &fakeRepoConfigClient{fileErr: apperrors.Wrap(apperrors.UpstreamRateLimited, "GetFileContent: rate limited", errors.New("429"))}

	analyzer, overrides := p.analyzerForRepo(context.Background(), client, "acme", "widgets", "main")
	require.Same(t, p.analyzer, analyzer)
	require.False(t, overrides.IsExcluded("anything"))
}

func TestAnalyzerForRepo_WithOverrideFile_MergesConfigAndExclusions(t *testing.T) {
	st := newFakeEventStore()
	p := New(st, flake.New(st, flake.DefaultConfig(), zerolog.Nop()), nil, nil, zerolog.Nop())
	client := &fakeRepoConfigClient{fileContent: "" +
		"flake_threshold: 0.5\n" +
		"min_runs_for_analysis: 10\n" +
		"excluded_tests:\n" +
		"  - LoadTest\n"}

	analyzer, overrides := p.analyzerForRepo(context.Background(), client, "acme", "widgets", "main")
	require.NotSame(t, p.analyzer, analyzer)
	require.Equal(t, 0.5, analyzer.Config().FlakeThreshold)
	require.Equal(t, 10, analyzer.Config().MinRunsForAnalysis)
	require.True(t, overrides.IsExcluded("TestLoadTest_Spike"))
	require.False(t, overrides.IsExcluded("TestCheckout"))
}

func TestAnalyzerForRepo_MalformedOverrideFile_FallsBackToDefaults(t *testing.T) {
	st := newFakeEventStore()
	p := New(st, flake.New(st, flake.DefaultConfig(), zerolog.Nop()), nil, nil, zerolog.Nop())
	client := &fakeRepoConfigClient{fileContent: "flake_threshold: 7.0\n"}

	analyzer, overrides := p.analyzerForRepo(context.Background(), client, "acme", "widgets", "main")
	require.Same(t, p.analyzer, analyzer)
	require.False(t, overrides.IsExcluded("anything"))
}
