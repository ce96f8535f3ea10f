// Package events is FlakeGuard's Event Processors (C4): one idempotent
// handler per supported webhook event kind, each upserting through
// store.Store, mirroring the teacher's handleInstallationEvent /
// handleReleaseEvent shape (decode → validate → look up installation
// client → persist → act).
package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/rs/zerolog"

	"flakeguard/internal/actions"
	"flakeguard/internal/checkrender"
	"flakeguard/internal/flake"
	"flakeguard/internal/repoconfig"
	"flakeguard/internal/store"
	"flakeguard/internal/upstream"
)

var testNamePatterns = []string{"test", "unittest", "integration", "e2e", "spec", "junit"}

func looksLikeTest(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range testNamePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Processors is C4.
type Processors struct {
	store              store.Store
	analyzer           *flake.Analyzer
	baseAnalyzerConfig flake.Config
	dispatcher         *actions.Dispatcher
	clientFactory      actions.ClientFactory
	log                zerolog.Logger
}

func New(st store.Store, analyzer *flake.Analyzer, dispatcher *actions.Dispatcher, clientFactory actions.ClientFactory, log zerolog.Logger) *Processors {
	return &Processors{
		store: st, analyzer: analyzer, baseAnalyzerConfig: analyzer.Config(),
		dispatcher: dispatcher, clientFactory: clientFactory, log: log,
	}
}

// Handle routes a decoded webhook event to its processor. Unrecognized
// event types (push, pull_request, issues, check_suite — accepted per
// spec.md §6 but not acted on) are silently ignored.
func (p *Processors) Handle(ctx context.Context, event any) error {
	switch e := event.(type) {
	case *github.InstallationEvent:
		return p.handleInstallation(ctx, e)
	case *github.InstallationRepositoriesEvent:
		return p.handleInstallationRepos(ctx, e)
	case *github.WorkflowRunEvent:
		return p.handleWorkflowRun(ctx, e)
	case *github.WorkflowJobEvent:
		return p.handleWorkflowJob(ctx, e)
	case *github.CheckRunEvent:
		return p.handleCheckRun(ctx, e)
	default:
		return nil
	}
}

func (p *Processors) handleInstallation(ctx context.Context, e *github.InstallationEvent) error {
	inst := e.GetInstallation()
	action := strings.ToLower(e.GetAction())
	if action == "deleted" {
		return p.store.DeleteInstallation(ctx, inst.GetID())
	}

	account := inst.GetAccount()
	_, err := p.store.UpsertInstallation(ctx, store.Installation{
		ExternalID:    inst.GetID(),
		AccountLogin:  account.GetLogin(),
		AccountKind:   account.GetType(),
		RepoSelection: store.RepoSelection(inst.GetRepositorySelection()),
	})
	if err != nil {
		return err
	}
	for _, repo := range e.Repositories {
		if _, err := p.store.UpsertRepository(ctx, store.Repository{
			ExternalID:     repo.GetID(),
			InstallationID: inst.GetID(),
			Owner:          ownerOf(repo.GetFullName()),
			Name:           repo.GetName(),
		}); err != nil {
			p.log.Warn().Err(err).Str("repo", repo.GetFullName()).Msg("repository upsert failed")
		}
	}
	return nil
}

func (p *Processors) handleInstallationRepos(ctx context.Context, e *github.InstallationRepositoriesEvent) error {
	inst := e.GetInstallation()
	for _, repo := range e.RepositoriesAdded {
		if _, err := p.store.UpsertRepository(ctx, store.Repository{
			ExternalID:     repo.GetID(),
			InstallationID: inst.GetID(),
			Owner:          ownerOf(repo.GetFullName()),
			Name:           repo.GetName(),
		}); err != nil {
			p.log.Warn().Err(err).Str("repo", repo.GetFullName()).Msg("repository upsert failed")
		}
	}
	return nil
}

func ownerOf(fullName string) string {
	if i := strings.IndexByte(fullName, '/'); i >= 0 {
		return fullName[:i]
	}
	return fullName
}

// analyzerForRepo resolves an optional .flakeguard.yml override
// (repoconfig) for owner/repo against the shared Analyzer's defaults,
// returning a per-call Analyzer plus the parsed overrides (for
// excluded-test filtering). When no analyzer setting is overridden
// (including when the file is missing), the shared Analyzer itself is
// returned. An unreadable or rejected override file is non-fatal: the
// caller proceeds with the shared defaults.
func (p *Processors) analyzerForRepo(ctx context.Context, client upstream.Client, owner, name, defaultBranch string) (*flake.Analyzer, repoconfig.Overrides) {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	merged, overrides, err := repoconfig.Resolve(ctx, client, owner, name, defaultBranch, p.baseAnalyzerConfig)
	if err != nil {
		p.log.Warn().Err(err).Str("repo", owner+"/"+name).Msg("repo config override rejected, using defaults")
		return p.analyzer, repoconfig.Overrides{}
	}
	if overrides.MinRunsForAnalysis == nil && overrides.FlakeThreshold == nil &&
		overrides.HighConfidenceThreshold == nil && overrides.MediumConfidenceThreshold == nil &&
		overrides.AnalysisWindowDays == nil && overrides.RecentFailuresWindowDays == nil {
		return p.analyzer, overrides
	}
	return p.analyzer.WithConfig(merged), overrides
}

func (p *Processors) handleWorkflowRun(ctx context.Context, e *github.WorkflowRunEvent) error {
	run := e.GetWorkflowRun()
	repo := e.GetRepo()

	dbRepo, err := p.store.GetRepositoryByExternalID(ctx, repo.GetID())
	if err != nil {
		return err
	}

	saved, err := p.store.UpsertWorkflowRun(ctx, store.WorkflowRun{
		ExternalID:   run.GetID(),
		RepositoryID: dbRepo.ID,
		HeadSHA:      run.GetHeadSHA(),
		Branch:       run.GetHeadBranch(),
		Status:       store.WorkflowStatus(run.GetStatus()),
		Conclusion:   store.WorkflowConclusion(run.GetConclusion()),
	})
	if err != nil {
		return err
	}

	if strings.ToLower(e.GetAction()) != "completed" || saved.Conclusion != store.ConclusionFailure {
		return nil
	}

	client, err := p.clientFactory(ctx, e.GetInstallation().GetID())
	if err != nil {
		return err
	}
	jobs, err := client.ListJobsForRun(ctx, repo.GetOwner().GetLogin(), repo.GetName(), run.GetID())
	if err != nil {
		return err
	}

	analyzer, overrides := p.analyzerForRepo(ctx, client, repo.GetOwner().GetLogin(), repo.GetName(), repo.GetDefaultBranch())

	var anyFlaky bool
	var rows []checkrender.Row
	now := time.Now()
	for _, job := range jobs {
		if _, err := p.store.UpsertWorkflowJob(ctx, store.WorkflowJob{
			ExternalID:          job.GetID(),
			ParentRunExternalID: run.GetID(),
			Name:                job.GetName(),
			Status:              store.WorkflowStatus(job.GetStatus()),
			Conclusion:          store.WorkflowConclusion(job.GetConclusion()),
		}); err != nil {
			p.log.Warn().Err(err).Int64("job", job.GetID()).Msg("workflow job upsert failed")
		}
		if job.GetConclusion() != "failure" || !looksLikeTest(job.GetName()) || overrides.IsExcluded(job.GetName()) {
			continue
		}

		identity := store.TestIdentity{Name: job.GetName()}
		result, err := analyzer.Analyze(ctx, flake.Execution{
			RepositoryID: dbRepo.ID,
			Identity:     identity,
			Outcome:      store.OutcomeFailed,
			ErrorMessage: job.GetConclusion(),
			Timestamp:    now,
			JobExtID:     job.GetID(),
		})
		if err != nil {
			p.log.Warn().Err(err).Str("job", job.GetName()).Msg("analysis failed")
			continue
		}
		if result.Detection.IsFlaky {
			anyFlaky = true
		}
		rows = append(rows, checkrender.Row{
			Identity:       identity,
			Detection:      result.Detection,
			RecentlyFailed: checkrender.RecentlyFailed(result.Detection, now, 7*24*time.Hour),
		})
	}

	if !anyFlaky {
		return nil
	}
	return p.publishCheckRun(ctx, client, dbRepo, run.GetHeadSHA(), rows)
}

func (p *Processors) publishCheckRun(ctx context.Context, client upstream.Client, repo store.Repository, headSHA string, rows []checkrender.Row) error {
	rendered := checkrender.Render(checkrender.Input{Repository: repo, HeadSHA: headSHA, Rows: rows})

	actionOpts := make([]*github.CheckRunAction, 0, len(rendered.Actions))
	for _, a := range rendered.Actions {
		actionOpts = append(actionOpts, &github.CheckRunAction{
			Label:       a.Label,
			Description: a.Description,
			Identifier:  a.Identifier,
		})
	}
	output := &github.CheckRunOutput{
		Title:   github.String(rendered.Title),
		Summary: github.String(rendered.Summary),
	}

	existing, err := p.store.FindFlakeGuardCheckRun(ctx, repo.ID, headSHA)
	if err == nil {
		_, uerr := client.UpdateCheckRun(ctx, repo.Owner, repo.Name, existing.ExternalID, github.UpdateCheckRunOptions{
			Status: github.String("completed"), Conclusion: github.String("neutral"),
			Output: output, Actions: actionOpts,
		})
		return uerr
	}

	cr, err := client.CreateCheckRun(ctx, repo.Owner, repo.Name, github.CreateCheckRunOptions{
		Name: "FlakeGuard", HeadSHA: headSHA, Status: github.String("completed"), Conclusion: github.String("neutral"),
		Output: output, Actions: actionOpts,
	})
	if err != nil {
		return err
	}
	_, err = p.store.UpsertCheckRun(ctx, store.CheckRun{
		ExternalID: cr.GetID(), RepositoryID: repo.ID, Name: "FlakeGuard", HeadSHA: headSHA,
		Status: store.StatusCompleted, Conclusion: store.ConclusionNeutral,
	})
	return err
}

func (p *Processors) handleWorkflowJob(ctx context.Context, e *github.WorkflowJobEvent) error {
	job := e.GetWorkflowJob()
	repo := e.GetRepo()

	dbRepo, err := p.store.GetRepositoryByExternalID(ctx, repo.GetID())
	if err != nil {
		return err
	}
	if _, err := p.store.UpsertWorkflowJob(ctx, store.WorkflowJob{
		ExternalID:          job.GetID(),
		ParentRunExternalID: job.GetRunID(),
		Name:                job.GetName(),
		Status:              store.WorkflowStatus(job.GetStatus()),
		Conclusion:          store.WorkflowConclusion(job.GetConclusion()),
	}); err != nil {
		return err
	}

	if strings.ToLower(e.GetAction()) != "completed" || job.GetConclusion() != "failure" || !looksLikeTest(job.GetName()) {
		return nil
	}

	_, err = p.analyzer.Analyze(ctx, flake.Execution{
		RepositoryID: dbRepo.ID,
		Identity:     store.TestIdentity{Name: job.GetName()},
		Outcome:      store.OutcomeFailed,
		Timestamp:    time.Now(),
		JobExtID:     job.GetID(),
	})
	return err
}

func (p *Processors) handleCheckRun(ctx context.Context, e *github.CheckRunEvent) error {
	cr := e.GetCheckRun()
	repo := e.GetRepo()
	action := strings.ToLower(e.GetAction())

	dbRepo, err := p.store.GetRepositoryByExternalID(ctx, repo.GetID())
	if err != nil {
		return err
	}

	if action == "action_requested" {
		reqAction := e.GetRequestedAction()
		if reqAction == nil {
			return nil
		}
		saved, err := p.store.GetCheckRunByExternalID(ctx, cr.GetID())
		if err != nil {
			saved = store.CheckRun{ExternalID: cr.GetID(), RepositoryID: dbRepo.ID, HeadSHA: cr.GetHeadSHA()}
		}
		_, derr := p.dispatcher.Dispatch(ctx, actions.Request{
			Action:         reqAction.Identifier,
			InstallationID: e.GetInstallation().GetID(),
			Repository:     dbRepo,
			CheckRun:       saved,
		})
		return derr
	}

	if _, err := p.store.UpsertCheckRun(ctx, store.CheckRun{
		ExternalID:   cr.GetID(),
		RepositoryID: dbRepo.ID,
		Name:         cr.GetName(),
		HeadSHA:      cr.GetHeadSHA(),
		Status:       store.WorkflowStatus(cr.GetStatus()),
		Conclusion:   store.WorkflowConclusion(cr.GetConclusion()),
	}); err != nil {
		return err
	}

	if action != "completed" || cr.GetConclusion() != "failure" || !looksLikeTest(cr.GetName()) {
		return nil
	}
	_, err = p.analyzer.Analyze(ctx, flake.Execution{
		RepositoryID:  dbRepo.ID,
		Identity:      store.TestIdentity{Name: cr.GetName()},
		Outcome:       store.OutcomeFailed,
		Timestamp:     time.Now(),
		CheckRunExtID: cr.GetID(),
	})
	return err
}
