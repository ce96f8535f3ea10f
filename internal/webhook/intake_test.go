package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"flakeguard/internal/events"
	"flakeguard/internal/flake"
	"flakeguard/internal/store"
	"flakeguard/internal/workerpool"
)

type fakeIntakeStore struct {
	seen map[string]bool
}

func newFakeIntakeStore() *fakeIntakeStore { return &fakeIntakeStore{seen: map[string]bool{}} }

func (f *fakeIntakeStore) UpsertInstallation(ctx context.Context, in store.Installation) (store.Installation, error) {
	return in, nil
}
func (f *fakeIntakeStore) DeleteInstallation(ctx context.Context, externalID int64) error { return nil }
func (f *fakeIntakeStore) GetInstallation(ctx context.Context, externalID int64) (store.Installation, error) {
	return store.Installation{}, store.ErrNotFound
}
func (f *fakeIntakeStore) UpsertRepository(ctx context.Context, r store.Repository) (store.Repository, error) {
	return r, nil
}
func (f *fakeIntakeStore) GetRepositoryByFullName(ctx context.Context, installationID int64, fullName string) (store.Repository, error) {
	return store.Repository{}, store.ErrNotFound
}
func (f *fakeIntakeStore) GetRepositoryByExternalID(ctx context.Context, externalID int64) (store.Repository, error) {
	return store.Repository{}, store.ErrNotFound
}
func (f *fakeIntakeStore) FindRepositoryByOwnerAndName(ctx context.Context, owner, name string) (store.Repository, error) {
	return store.Repository{}, store.ErrNotFound
}
func (f *fakeIntakeStore) UpsertWorkflowRun(ctx context.Context, wr store.WorkflowRun) (store.WorkflowRun, error) {
	return wr, nil
}
func (f *fakeIntakeStore) GetWorkflowRunByHeadSHA(ctx context.Context, repositoryID int64, headSHA string) (store.WorkflowRun, error) {
	return store.WorkflowRun{}, store.ErrNotFound
}
func (f *fakeIntakeStore) UpsertWorkflowJob(ctx context.Context, job store.WorkflowJob) (store.WorkflowJob, error) {
	return job, nil
}
func (f *fakeIntakeStore) ListWorkflowJobs(ctx context.Context, parentRunExternalID int64) ([]store.WorkflowJob, error) {
	return nil, nil
}
func (f *fakeIntakeStore) UpsertCheckRun(ctx context.Context, cr store.CheckRun) (store.CheckRun, error) {
	return cr, nil
}
func (f *fakeIntakeStore) GetCheckRunByExternalID(ctx context.Context, externalID int64) (store.CheckRun, error) {
	return store.CheckRun{}, store.ErrNotFound
}
func (f *fakeIntakeStore) FindFlakeGuardCheckRun(ctx context.Context, repositoryID int64, headSHA string) (store.CheckRun, error) {
	return store.CheckRun{}, store.ErrNotFound
}
func (f *fakeIntakeStore) InsertTestResult(ctx context.Context, tr store.TestResult) error { return nil }
func (f *fakeIntakeStore) ListTestResultsInWindow(ctx context.Context, repositoryID int64, identity store.TestIdentity, since int64) ([]store.TestResult, error) {
	return nil, nil
}
func (f *fakeIntakeStore) UpsertFlakeDetection(ctx context.Context, fd store.FlakeDetection) (store.FlakeDetection, error) {
	return fd, nil
}
func (f *fakeIntakeStore) GetFlakeDetection(ctx context.Context, repositoryID int64, identity store.TestIdentity) (store.FlakeDetection, error) {
	return store.FlakeDetection{}, store.ErrNotFound
}
func (f *fakeIntakeStore) ListFlakeDetectionsForCheckRun(ctx context.Context, checkRunExternalID int64) ([]store.FlakeDetection, error) {
	return nil, nil
}
func (f *fakeIntakeStore) ListFlakeDetections(ctx context.Context, repositoryID int64) ([]store.FlakeDetection, error) {
	return nil, nil
}
func (f *fakeIntakeStore) CountRerunAttempts(ctx context.Context, workflowRunExternalID int64) (int, error) {
	return 0, nil
}
func (f *fakeIntakeStore) InsertRerunAttempt(ctx context.Context, ra store.RerunAttempt) error { return nil }
func (f *fakeIntakeStore) RecordDelivery(ctx context.Context, d store.DeliveryRecord) error {
	if f.seen[d.DeliveryID] {
		return store.ErrAlreadyProcessed
	}
	f.seen[d.DeliveryID] = true
	return nil
}
func (f *fakeIntakeStore) Close() error { return nil }

var _ store.Store = (*fakeIntakeStore)(nil)

const testSecret = "shh-its-a-secret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestIntake(t *testing.T, st store.Store) *Intake {
	t.Helper()
	analyzer := flake.New(st, flake.DefaultConfig(), zerolog.Nop())
	processors := events.New(st, analyzer, nil, nil, zerolog.Nop())
	pool := workerpool.NewTiered(context.Background(), 2, 16, 1)
	t.Cleanup(pool.Shutdown)
	return New([]byte(testSecret), st, processors, NewLimiter(1000), pool, zerolog.Nop())
}

func postWebhook(intake *Intake, eventKind, deliveryID string, body []byte, withSig bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventKind)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	if withSig {
		req.Header.Set("X-Hub-Signature-256", sign(body))
	}
	rec := httptest.NewRecorder()
	intake.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_MissingSignature_Returns401(t *testing.T) {
	intake := newTestIntake(t, newFakeIntakeStore())
	rec := postWebhook(intake, "installation", "d1", []byte(`{}`), false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTP_BadSignature_Returns401(t *testing.T) {
	intake := newTestIntake(t, newFakeIntakeStore())
	body := []byte(`{"action":"created"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "installation")
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	intake.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTP_MissingEventKind_Returns400(t *testing.T) {
	intake := newTestIntake(t, newFakeIntakeStore())
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	intake.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTP_ValidInstallationEvent_Returns200(t *testing.T) {
	intake := newTestIntake(t, newFakeIntakeStore())
	body := []byte(`{"action":"created","installation":{"id":1,"account":{"login":"acme","type":"Organization"}}}`)
	rec := postWebhook(intake, "installation", "d1", body, true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHTTP_DuplicateDelivery_Returns200AlreadyProcessed(t *testing.T) {
	intake := newTestIntake(t, newFakeIntakeStore())
	body := []byte(`{"action":"created","installation":{"id":1,"account":{"login":"acme","type":"Organization"}}}`)
	first := postWebhook(intake, "installation", "dup-1", body, true)
	require.Equal(t, http.StatusOK, first.Code)

	second := postWebhook(intake, "installation", "dup-1", body, true)
	require.Equal(t, http.StatusOK, second.Code)
	require.Contains(t, second.Body.String(), "already processed")
}

func TestServeHTTP_UnparseablePayload_StillReturns200(t *testing.T) {
	intake := newTestIntake(t, newFakeIntakeStore())
	rec := postWebhook(intake, "unknown_event_kind", "d2", []byte(`not json`), true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLimiter_RejectsOverCapacity(t *testing.T) {
	l := NewLimiter(1)
	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("5.6.7.8"))
}

func TestServeHTTP_RateLimited_Returns429(t *testing.T) {
	st := newFakeIntakeStore()
	analyzer := flake.New(st, flake.DefaultConfig(), zerolog.Nop())
	processors := events.New(st, analyzer, nil, nil, zerolog.Nop())
	pool := workerpool.NewTiered(context.Background(), 2, 16, 1)
	t.Cleanup(pool.Shutdown)
	intake := New([]byte(testSecret), st, processors, NewLimiter(1), pool, zerolog.Nop())

	body := []byte(`{"action":"created","installation":{"id":1,"account":{"login":"acme","type":"Organization"}}}`)
	first := postWebhook(intake, "installation", "r1", body, true)
	require.Equal(t, http.StatusOK, first.Code)

	second := postWebhook(intake, "installation", "r2", body, true)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestServeHTTP_RateLimited_DeliveryNotRecordedSeen(t *testing.T) {
	st := newFakeIntakeStore()
	analyzer := flake.New(st, flake.DefaultConfig(), zerolog.Nop())
	processors := events.New(st, analyzer, nil, nil, zerolog.Nop())
	pool := workerpool.NewTiered(context.Background(), 2, 16, 1)
	t.Cleanup(pool.Shutdown)
	intake := New([]byte(testSecret), st, processors, NewLimiter(1), pool, zerolog.Nop())

	body := []byte(`{"action":"created","installation":{"id":1,"account":{"login":"acme","type":"Organization"}}}`)
	first := postWebhook(intake, "installation", "first-id", body, true)
	require.Equal(t, http.StatusOK, first.Code)

	// Same limiter key, a new delivery id: its first attempt is
	// rate-limited...
	rejected := postWebhook(intake, "installation", "same-id", body, true)
	require.Equal(t, http.StatusTooManyRequests, rejected.Code)

	// ...but GitHub's actual redelivery (after backoff, once the bucket
	// has refilled) must still be processed, not swallowed as a
	// duplicate of a delivery that was rejected before ever reaching
	// the dedup record.
	intake.limiter = NewLimiter(1000)
	redelivered := postWebhook(intake, "installation", "same-id", body, true)
	require.Equal(t, http.StatusOK, redelivered.Code)
	require.NotContains(t, redelivered.Body.String(), "already processed")
}
