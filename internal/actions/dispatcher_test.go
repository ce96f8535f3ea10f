package actions

import (
	"context"
	"testing"

	"github.com/google/go-github/v66/github"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"flakeguard/internal/rerun"
	"flakeguard/internal/store"
	"flakeguard/internal/upstream"
)

// fakeClient is a minimal in-memory upstream.Client for dispatcher tests.
type fakeClient struct {
	fileContent map[string]string
	prCreated   *github.NewPullRequest
	issuesFound []*github.Issue
	issuesOpened []*github.IssueRequest
	jobs        []*github.WorkflowJob
	updatedRuns []github.UpdateCheckRunOptions
}

func newFakeClient() *fakeClient {
	return &fakeClient{fileContent: map[string]string{}}
}

func (f *fakeClient) CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, error) {
	return &github.CheckRun{}, nil
}
func (f *fakeClient) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error) {
	f.updatedRuns = append(f.updatedRuns, opts)
	return &github.CheckRun{}, nil
}
func (f *fakeClient) ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *github.ListCheckRunsOptions) ([]*github.CheckRun, error) {
	return nil, nil
}
func (f *fakeClient) RerunWorkflow(ctx context.Context, owner, repo string, runID int64) error {
	return nil
}
func (f *fakeClient) RerunFailedJobs(ctx context.Context, owner, repo string, runID int64) error {
	return nil
}
func (f *fakeClient) CancelWorkflow(ctx context.Context, owner, repo string, runID int64) error {
	return nil
}
func (f *fakeClient) ListJobsForRun(ctx context.Context, owner, repo string, runID int64) ([]*github.WorkflowJob, error) {
	return f.jobs, nil
}
func (f *fakeClient) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]*github.Artifact, error) {
	return nil, nil
}
func (f *fakeClient) ArtifactDownloadURL(ctx context.Context, owner, repo string, artifactID int64) (string, error) {
	return "", nil
}
func (f *fakeClient) CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error) {
	f.issuesOpened = append(f.issuesOpened, req)
	return &github.Issue{Number: github.Int(len(f.issuesOpened)), HTMLURL: github.String("https://example/issue")}, nil
}
func (f *fakeClient) SearchIssues(ctx context.Context, query string) ([]*github.Issue, error) {
	return f.issuesFound, nil
}
func (f *fakeClient) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error) {
	return &github.IssueComment{}, nil
}
func (f *fakeClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return nil
}
func (f *fakeClient) GetRef(ctx context.Context, owner, repo, ref string) (*github.Reference, error) {
	return &github.Reference{Object: &github.GitObject{SHA: github.String("base-sha")}}, nil
}
func (f *fakeClient) CreateRef(ctx context.Context, owner, repo string, ref *github.Reference) (*github.Reference, error) {
	return ref, nil
}
func (f *fakeClient) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, string, error) {
	return f.fileContent[path], "file-sha", nil
}
func (f *fakeClient) PutFileContent(ctx context.Context, owner, repo, branch, path, content, message, sha string) error {
	f.fileContent[path] = content
	return nil
}
func (f *fakeClient) CreatePullRequest(ctx context.Context, owner, repo string, req *github.NewPullRequest) (*github.PullRequest, error) {
	f.prCreated = req
	return &github.PullRequest{Number: github.Int(1), HTMLURL: github.String("https://example/pr/1")}, nil
}
func (f *fakeClient) ListPullRequests(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, error) {
	return nil, nil
}
func (f *fakeClient) ListCommitsForPull(ctx context.Context, owner, repo string, number int) ([]*github.RepositoryCommit, error) {
	return nil, nil
}
func (f *fakeClient) GetInstallation(ctx context.Context, installationID int64) (*github.Installation, error) {
	return &github.Installation{}, nil
}

var _ upstream.Client = (*fakeClient)(nil)

// fakeActionStore tracks flake detections and rerun attempts in memory.
type fakeActionStore struct {
	detections    map[int64][]store.FlakeDetection
	workflowRuns  map[string]store.WorkflowRun
	rerunAttempts int
	upserted      []store.FlakeDetection
}

func newFakeActionStore() *fakeActionStore {
	return &fakeActionStore{detections: map[int64][]store.FlakeDetection{}, workflowRuns: map[string]store.WorkflowRun{}}
}

func (f *fakeActionStore) ListFlakeDetectionsForCheckRun(ctx context.Context, checkRunExternalID int64) ([]store.FlakeDetection, error) {
	return f.detections[checkRunExternalID], nil
}
func (f *fakeActionStore) UpsertFlakeDetection(ctx context.Context, fd store.FlakeDetection) (store.FlakeDetection, error) {
	f.upserted = append(f.upserted, fd)
	return fd, nil
}
func (f *fakeActionStore) GetWorkflowRunByHeadSHA(ctx context.Context, repositoryID int64, headSHA string) (store.WorkflowRun, error) {
	wr, ok := f.workflowRuns[headSHA]
	if !ok {
		return store.WorkflowRun{}, store.ErrNotFound
	}
	return wr, nil
}
func (f *fakeActionStore) CountRerunAttempts(ctx context.Context, workflowRunExternalID int64) (int, error) {
	return f.rerunAttempts, nil
}
func (f *fakeActionStore) InsertRerunAttempt(ctx context.Context, ra store.RerunAttempt) error {
	f.rerunAttempts++
	return nil
}

// Unused by the dispatcher but required by store.Store.
func (f *fakeActionStore) UpsertInstallation(ctx context.Context, in store.Installation) (store.Installation, error) {
	return store.Installation{}, nil
}
func (f *fakeActionStore) DeleteInstallation(ctx context.Context, externalID int64) error { return nil }
func (f *fakeActionStore) GetInstallation(ctx context.Context, externalID int64) (store.Installation, error) {
	return store.Installation{}, store.ErrNotFound
}
func (f *fakeActionStore) UpsertRepository(ctx context.Context, r store.Repository) (store.Repository, error) {
	return r, nil
}
func (f *fakeActionStore) GetRepositoryByFullName(ctx context.Context, installationID int64, fullName string) (store.Repository, error) {
	return store.Repository{}, store.ErrNotFound
}
func (f *fakeActionStore) GetRepositoryByExternalID(ctx context.Context, externalID int64) (store.Repository, error) {
	return store.Repository{}, store.ErrNotFound
}
func (f *fakeActionStore) FindRepositoryByOwnerAndName(ctx context.Context, owner, name string) (store.Repository, error) {
	return store.Repository{}, store.ErrNotFound
}
func (f *fakeActionStore) UpsertWorkflowRun(ctx context.Context, wr store.WorkflowRun) (store.WorkflowRun, error) {
	return wr, nil
}
func (f *fakeActionStore) UpsertWorkflowJob(ctx context.Context, job store.WorkflowJob) (store.WorkflowJob, error) {
	return job, nil
}
func (f *fakeActionStore) ListWorkflowJobs(ctx context.Context, parentRunExternalID int64) ([]store.WorkflowJob, error) {
	return nil, nil
}
func (f *fakeActionStore) UpsertCheckRun(ctx context.Context, cr store.CheckRun) (store.CheckRun, error) {
	return cr, nil
}
func (f *fakeActionStore) GetCheckRunByExternalID(ctx context.Context, externalID int64) (store.CheckRun, error) {
	return store.CheckRun{}, store.ErrNotFound
}
func (f *fakeActionStore) FindFlakeGuardCheckRun(ctx context.Context, repositoryID int64, headSHA string) (store.CheckRun, error) {
	return store.CheckRun{}, store.ErrNotFound
}
func (f *fakeActionStore) InsertTestResult(ctx context.Context, tr store.TestResult) error { return nil }
func (f *fakeActionStore) ListTestResultsInWindow(ctx context.Context, repositoryID int64, identity store.TestIdentity, since int64) ([]store.TestResult, error) {
	return nil, nil
}
func (f *fakeActionStore) GetFlakeDetection(ctx context.Context, repositoryID int64, identity store.TestIdentity) (store.FlakeDetection, error) {
	return store.FlakeDetection{}, store.ErrNotFound
}
func (f *fakeActionStore) ListFlakeDetections(ctx context.Context, repositoryID int64) ([]store.FlakeDetection, error) {
	return nil, nil
}
func (f *fakeActionStore) RecordDelivery(ctx context.Context, d store.DeliveryRecord) error { return nil }
func (f *fakeActionStore) Close() error                                                     { return nil }

var _ store.Store = (*fakeActionStore)(nil)

func newTestDispatcher(st *fakeActionStore, client *fakeClient) (*Dispatcher, *fakeClient) {
	if client == nil {
		client = newFakeClient()
	}
	factory := func(ctx context.Context, installationID int64) (upstream.Client, error) { return client, nil }
	ctl := rerun.New(st, 3)
	return New(st, ctl, factory, zerolog.Nop()), client
}

func baseRequest(action string) Request {
	return Request{
		Action:         action,
		InstallationID: 1,
		Repository:     store.Repository{ID: 1, Owner: "acme", Name: "widgets", DefaultBranch: "main"},
		CheckRun:       store.CheckRun{ExternalID: 555, HeadSHA: "abcdef1234567890"},
	}
}

func TestDispatch_Quarantine_OpensPRAndMarksQuarantined(t *testing.T) {
	st := newFakeActionStore()
	st.detections[555] = []store.FlakeDetection{
		{Identity: store.TestIdentity{Name: "TestFlaky", FilePath: "pkg/flaky.test.ts"}},
	}
	client := newFakeClient()
	client.fileContent["pkg/flaky.test.ts"] = "test('TestFlaky', () => {})\n"
	d, client := newTestDispatcher(st, client)

	outcome, err := d.Dispatch(context.Background(), baseRequest("quarantine"))
	require.NoError(t, err)
	require.False(t, outcome.Failed)
	require.NotNil(t, client.prCreated)
	require.NotEmpty(t, client.updatedRuns)
	require.Equal(t, "completed", client.updatedRuns[0].GetStatus())
	require.Len(t, st.upserted, 1)
	require.Equal(t, store.DetectionQuarantined, st.upserted[0].Status)
}

func TestDispatch_Quarantine_NoFilePath_ReportsFailure(t *testing.T) {
	st := newFakeActionStore()
	st.detections[555] = []store.FlakeDetection{
		{Identity: store.TestIdentity{Name: "TestNoPath"}},
	}
	d, client := newTestDispatcher(st, nil)

	outcome, err := d.Dispatch(context.Background(), baseRequest("quarantine"))
	require.NoError(t, err)
	require.True(t, outcome.Failed)
	require.Nil(t, client.prCreated)
}

func TestDispatch_RerunFailed_UnderCeiling_TriggersRerun(t *testing.T) {
	st := newFakeActionStore()
	st.workflowRuns["abcdef1234567890"] = store.WorkflowRun{ExternalID: 99, Status: store.StatusCompleted}
	client := newFakeClient()
	client.jobs = []*github.WorkflowJob{
		{Conclusion: github.String("failure")},
		{Conclusion: github.String("success")},
	}
	d, _ := newTestDispatcher(st, client)

	outcome, err := d.Dispatch(context.Background(), baseRequest(store.ActionRerunFailed))
	require.NoError(t, err)
	require.False(t, outcome.Failed)
	require.Equal(t, 1, st.rerunAttempts)
}

func TestDispatch_RerunFailed_AtCeiling_Escalates(t *testing.T) {
	st := newFakeActionStore()
	st.workflowRuns["abcdef1234567890"] = store.WorkflowRun{ExternalID: 99, Status: store.StatusCompleted}
	st.rerunAttempts = 3
	client := newFakeClient()
	client.jobs = []*github.WorkflowJob{{Conclusion: github.String("failure")}}
	d, client := newTestDispatcher(st, client)

	outcome, err := d.Dispatch(context.Background(), baseRequest(store.ActionRerunFailed))
	require.NoError(t, err)
	require.False(t, outcome.Failed)
	require.NotEmpty(t, client.issuesOpened)
}

func TestDispatch_OpenIssue_DedupsAgainstExisting(t *testing.T) {
	st := newFakeActionStore()
	st.detections[555] = []store.FlakeDetection{
		{Identity: store.TestIdentity{Name: "TestA"}, Confidence: 0.9},
	}
	client := newFakeClient()
	client.issuesFound = []*github.Issue{{Title: github.String("[FlakeGuard] Flaky test detected: TestA")}}
	d, _ := newTestDispatcher(st, client)

	outcome, err := d.Dispatch(context.Background(), baseRequest(store.ActionOpenIssue))
	require.NoError(t, err)
	require.Empty(t, client.issuesOpened)
	require.Contains(t, outcome.Message, "No new issues")
}

func TestDispatch_DismissFlake_SetsStatus(t *testing.T) {
	st := newFakeActionStore()
	st.detections[555] = []store.FlakeDetection{{Identity: store.TestIdentity{Name: "TestA"}}}
	d, _ := newTestDispatcher(st, nil)

	outcome, err := d.Dispatch(context.Background(), baseRequest(store.ActionDismissFlake))
	require.NoError(t, err)
	require.False(t, outcome.Failed)
	require.Len(t, st.upserted, 1)
	require.Equal(t, store.DetectionDismissed, st.upserted[0].Status)
}

func TestDispatch_UnknownAction_ReturnsError(t *testing.T) {
	d, _ := newTestDispatcher(newFakeActionStore(), nil)
	_, err := d.Dispatch(context.Background(), baseRequest("not_a_real_action"))
	require.Error(t, err)
}
