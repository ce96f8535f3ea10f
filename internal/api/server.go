// Package api is FlakeGuard's HTTP surface: the webhook endpoint (C3)
// and the `/api/...` control plane from spec.md §6. It keeps the
// teacher's chi-router-plus-thin-handlers shape, generalized from
// ReleaseParty's install/release endpoints to FlakeGuard's check-run,
// workflow-run, artifact and flake-status/summary endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v66/github"
	"github.com/rs/zerolog"

	"flakeguard/internal/apperrors"
	"flakeguard/internal/flake"
	"flakeguard/internal/githubapp"
	"flakeguard/internal/store"
	"flakeguard/internal/upstream"
	"flakeguard/internal/webhook"
)

// Server wires every component into the HTTP layer.
type Server struct {
	app      *githubapp.App
	broker   *githubapp.Broker
	store    store.Store
	analyzer *flake.Analyzer
	intake   *webhook.Intake
	log      zerolog.Logger
}

func New(app *githubapp.App, broker *githubapp.Broker, st store.Store, analyzer *flake.Analyzer, intake *webhook.Intake, log zerolog.Logger) *Server {
	return &Server{app: app, broker: broker, store: st, analyzer: analyzer, intake: intake, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/webhooks/github", s.intake.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/install/url", func(w http.ResponseWriter, _ *http.Request) {
			writeSuccess(w, http.StatusOK, map[string]string{"url": s.app.InstallURL()})
		})

		r.Route("/repos/{owner}/{repo}", func(r chi.Router) {
			r.Post("/check-runs", s.handleCreateCheckRun)
			r.Patch("/check-runs/{id}", s.handleUpdateCheckRun)
			r.Get("/commits/{ref}/check-runs", s.handleListCheckRunsForRef)

			r.Post("/actions/runs/{id}/rerun", s.handleRerunWorkflow)
			r.Post("/actions/runs/{id}/cancel", s.handleCancelWorkflow)
			r.Get("/actions/runs/{id}/artifacts", s.handleListArtifacts)
			r.Get("/actions/artifacts/{id}/download-url", s.handleArtifactDownloadURL)

			r.Get("/flakes/status", s.handleFlakeStatus)
			r.Get("/flakes/summary", s.handleFlakeSummary)
		})
	})

	return r
}

// repoContext resolves {owner}/{repo} from the URL into a store.Repository
// and an authenticated upstream client, the shared prelude for every
// control-API handler below.
func (s *Server) repoContext(w http.ResponseWriter, r *http.Request) (store.Repository, upstream.Client, bool) {
	ctx := r.Context()
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "repo")

	repo, err := s.store.FindRepositoryByOwnerAndName(ctx, owner, name)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ResourceNotFound, "repository not installed", err))
		return store.Repository{}, nil, false
	}

	client, err := upstream.NewForInstallation(ctx, s.broker, repo.InstallationID, s.log)
	if err != nil {
		writeError(w, err)
		return store.Repository{}, nil, false
	}
	return repo, client, true
}

func (s *Server) handleCreateCheckRun(w http.ResponseWriter, r *http.Request) {
	repo, client, ok := s.repoContext(w, r)
	if !ok {
		return
	}
	var body struct {
		Name    string `json:"name"`
		HeadSHA string `json:"headSha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Wrap(apperrors.InvalidPayload, "decode request body", err))
		return
	}
	if body.Name == "" || body.HeadSHA == "" {
		writeError(w, apperrors.New(apperrors.ValidationError, "name and headSha are required"))
		return
	}

	cr, err := client.CreateCheckRun(r.Context(), repo.Owner, repo.Name, github.CreateCheckRunOptions{
		Name: body.Name, HeadSHA: body.HeadSHA, Status: github.String("queued"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, cr)
}

func (s *Server) handleUpdateCheckRun(w http.ResponseWriter, r *http.Request) {
	repo, client, ok := s.repoContext(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ValidationError, "invalid check run id", err))
		return
	}
	var opts github.UpdateCheckRunOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, apperrors.Wrap(apperrors.InvalidPayload, "decode request body", err))
		return
	}

	cr, err := client.UpdateCheckRun(r.Context(), repo.Owner, repo.Name, id, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, cr)
}

func (s *Server) handleListCheckRunsForRef(w http.ResponseWriter, r *http.Request) {
	repo, client, ok := s.repoContext(w, r)
	if !ok {
		return
	}
	ref := chi.URLParam(r, "ref")
	runs, err := client.ListCheckRunsForRef(r.Context(), repo.Owner, repo.Name, ref, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, runs)
}

func (s *Server) handleRerunWorkflow(w http.ResponseWriter, r *http.Request) {
	repo, client, ok := s.repoContext(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ValidationError, "invalid run id", err))
		return
	}
	var body struct {
		RerunFailedJobsOnly bool `json:"rerunFailedJobsOnly"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.RerunFailedJobsOnly {
		err = client.RerunFailedJobs(r.Context(), repo.Owner, repo.Name, id)
	} else {
		err = client.RerunWorkflow(r.Context(), repo.Owner, repo.Name, id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, map[string]bool{"rerunTriggered": true})
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	repo, client, ok := s.repoContext(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ValidationError, "invalid run id", err))
		return
	}
	if err := client.CancelWorkflow(r.Context(), repo.Owner, repo.Name, id); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, map[string]bool{"cancelRequested": true})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	repo, client, ok := s.repoContext(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ValidationError, "invalid run id", err))
		return
	}
	artifacts, err := client.ListArtifacts(r.Context(), repo.Owner, repo.Name, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, artifacts)
}

func (s *Server) handleArtifactDownloadURL(w http.ResponseWriter, r *http.Request) {
	repo, client, ok := s.repoContext(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ValidationError, "invalid artifact id", err))
		return
	}
	url, err := client.ArtifactDownloadURL(r.Context(), repo.Owner, repo.Name, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleFlakeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "repo")
	repo, err := s.store.FindRepositoryByOwnerAndName(ctx, owner, name)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ResourceNotFound, "repository not installed", err))
		return
	}

	testName := r.URL.Query().Get("testName")
	if testName == "" {
		writeError(w, apperrors.New(apperrors.ValidationError, "testName is required"))
		return
	}

	detection, err := s.analyzer.StatusOf(ctx, repo.ID, store.TestIdentity{Name: testName})
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.Internal, "load flake status", err))
		return
	}
	if detection == nil {
		writeSuccess(w, http.StatusOK, map[string]any{"testName": testName, "status": "unknown"})
		return
	}
	writeSuccess(w, http.StatusOK, detection)
}

func (s *Server) handleFlakeSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "repo")
	repo, err := s.store.FindRepositoryByOwnerAndName(ctx, owner, name)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ResourceNotFound, "repository not installed", err))
		return
	}

	summary, err := s.analyzer.SummaryOf(ctx, repo.ID)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.Internal, "load flake summary", err))
		return
	}
	writeSuccess(w, http.StatusOK, summary)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apperrors.Envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := apperrors.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apperrors.Envelope{
		Success: false,
		Error: &apperrors.ErrorBody{
			Code:      string(kind),
			Message:   err.Error(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
}
