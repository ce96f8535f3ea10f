// Package actions is FlakeGuard's Action Dispatcher (C7): the single
// entry point for every check-run action token, orchestrating the
// upstream client facade (C2), the quarantine mutator (C8) and the
// rerun controller (C9). Mirrors the teacher's handler shape (decode
// state, call upstream, persist, report) generalized across five
// distinct action tokens.
package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"flakeguard/internal/apperrors"
	"flakeguard/internal/quarantine"
	"flakeguard/internal/rerun"
	"flakeguard/internal/store"
	"flakeguard/internal/upstream"
)

// ClientFactory mints an installation-scoped upstream client on demand,
// keeping the dispatcher decoupled from how credentials are brokered.
type ClientFactory func(ctx context.Context, installationID int64) (upstream.Client, error)

// Dispatcher is C7.
type Dispatcher struct {
	store         store.Store
	rerunCtl      *rerun.Controller
	clientFactory ClientFactory
	rerunCeiling  int
	now           func() time.Time
	log           zerolog.Logger
}

func New(st store.Store, rerunCtl *rerun.Controller, factory ClientFactory, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: st, rerunCtl: rerunCtl, clientFactory: factory, now: time.Now, log: log}
}

// Request names one action invocation, as delivered by a check_run
// action_requested webhook.
type Request struct {
	Action         string
	InstallationID int64
	Repository     store.Repository
	CheckRun       store.CheckRun
}

// Outcome is Dispatch's result, also used to render the check-run
// completion update.
type Outcome struct {
	Message string
	Failed  bool
}

// Dispatch implements the contract shared by every action token from
// spec.md §4.7: fetch a client, perform the work (each action persists
// its own FlakeDetection state as part of it), then update the check
// run, in that order.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	client, err := d.clientFactory(ctx, req.InstallationID)
	if err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.UpstreamError, "fetch installation client", err)
	}

	var outcome Outcome
	switch req.Action {
	case store.ActionQuarantine:
		outcome, err = d.quarantineAction(ctx, client, req)
	case store.ActionRerunFailed:
		outcome, err = d.rerunFailedAction(ctx, client, req)
	case store.ActionOpenIssue:
		outcome, err = d.openIssueAction(ctx, client, req)
	case store.ActionDismissFlake:
		outcome, err = d.dismissFlakeAction(ctx, req)
	case store.ActionMarkStable:
		outcome, err = d.markStableAction(ctx, req)
	default:
		return Outcome{}, apperrors.New(apperrors.CheckRunActionNotSupported, "unknown action: "+req.Action)
	}
	if err != nil {
		outcome = Outcome{Message: err.Error(), Failed: true}
	}

	d.completeCheckRun(ctx, client, req, outcome)
	return outcome, err
}

func (d *Dispatcher) completeCheckRun(ctx context.Context, client upstream.Client, req Request, outcome Outcome) {
	conclusion := "neutral"
	title := "Action Completed"
	summary := outcome.Message
	if outcome.Failed {
		conclusion = "failure"
		title = "Action Failed"
	}
	if summary == "" {
		summary = title
	}
	opts := github.UpdateCheckRunOptions{
		Status:     github.String("completed"),
		Conclusion: github.String(conclusion),
		Output: &github.CheckRunOutput{
			Title:   github.String(title),
			Summary: github.String(summary),
		},
	}
	if _, err := client.UpdateCheckRun(ctx, req.Repository.Owner, req.Repository.Name, req.CheckRun.ExternalID, opts); err != nil {
		d.log.Warn().Err(err).Int64("check_run", req.CheckRun.ExternalID).Msg("check run completion update failed")
	}
}

// --- quarantine ---

func (d *Dispatcher) quarantineAction(ctx context.Context, client upstream.Client, req Request) (Outcome, error) {
	detections, err := d.store.ListFlakeDetectionsForCheckRun(ctx, req.CheckRun.ExternalID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list flake detections: %w", err)
	}

	owner, name := req.Repository.Owner, req.Repository.Name
	branch := fmt.Sprintf("flakeguard/quarantine/%s-%s", d.now().UTC().Format("2006-01-02"), shortSHA(req.CheckRun.HeadSHA))

	baseRef, err := client.GetRef(ctx, owner, name, "heads/"+req.Repository.DefaultBranch)
	if err != nil {
		return Outcome{}, fmt.Errorf("get base ref: %w", err)
	}
	if _, err := client.CreateRef(ctx, owner, name, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: baseRef.Object,
	}); err != nil {
		return Outcome{}, fmt.Errorf("create quarantine branch: %w", err)
	}

	var merr *multierror.Error
	var succeeded, failed []string
	for _, fd := range detections {
		if fd.Identity.FilePath == "" {
			failed = append(failed, fd.Identity.Name+" (no known file path)")
			continue
		}
		content, sha, err := client.GetFileContent(ctx, owner, name, fd.Identity.FilePath, branch)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: read file: %w", fd.Identity.Name, err))
			failed = append(failed, fd.Identity.Name)
			continue
		}
		result := quarantine.Mutate(content, fd.Identity.Name, fd.Identity.FilePath)
		if !result.Modified {
			failed = append(failed, fd.Identity.Name+" (no quarantine pattern matched)")
			continue
		}
		message := fmt.Sprintf("test: quarantine flaky test %s", fd.Identity.Name)
		if err := client.PutFileContent(ctx, owner, name, branch, fd.Identity.FilePath, result.Text, message, sha); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: write file: %w", fd.Identity.Name, err))
			failed = append(failed, fd.Identity.Name)
			continue
		}
		succeeded = append(succeeded, fd.Identity.Name)
	}

	if len(succeeded) == 0 {
		if merr.ErrorOrNil() != nil {
			return Outcome{}, merr
		}
		return Outcome{Message: "No tests had a known, quarantinable source location", Failed: true}, nil
	}

	body := quarantinePRBody(succeeded, failed)
	pr, err := client.CreatePullRequest(ctx, owner, name, &github.NewPullRequest{
		Title: github.String(fmt.Sprintf("Quarantine %d flaky test(s)", len(succeeded))),
		Head:  github.String(branch),
		Base:  github.String(req.Repository.DefaultBranch),
		Body:  github.String(body),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("open quarantine PR: %w", err)
	}
	if pr != nil && pr.Number != nil {
		_ = client.AddLabels(ctx, owner, name, pr.GetNumber(), []string{"flaky-test", "quarantine", "auto-generated"})
	}

	for _, fd := range detections {
		fd.Status = store.DetectionQuarantined
		if _, err := d.store.UpsertFlakeDetection(ctx, fd); err != nil {
			d.log.Warn().Err(err).Str("test", fd.Identity.Name).Msg("quarantine status persist failed")
		}
	}

	return Outcome{Message: fmt.Sprintf("Quarantined %d test(s) in %s", len(succeeded), pr.GetHTMLURL())}, nil
}

func quarantinePRBody(succeeded, failed []string) string {
	body := "FlakeGuard quarantined the following flaky tests:\n\n"
	for _, s := range succeeded {
		body += "- [x] " + s + "\n"
	}
	if len(failed) > 0 {
		body += "\nCould not quarantine automatically:\n\n"
		for _, f := range failed {
			body += "- [ ] " + f + "\n"
		}
	}
	body += "\nReview the skipped tests above, fix the root cause, then revert this PR to restore them."
	return body
}

// --- rerun_failed ---

func (d *Dispatcher) rerunFailedAction(ctx context.Context, client upstream.Client, req Request) (Outcome, error) {
	run, err := d.store.GetWorkflowRunByHeadSHA(ctx, req.Repository.ID, req.CheckRun.HeadSHA)
	if err != nil {
		return Outcome{}, fmt.Errorf("find workflow run: %w", err)
	}
	if run.Status == store.StatusInProgress || run.Status == store.StatusQueued {
		return Outcome{Message: "Workflow run is still " + string(run.Status), Failed: true}, nil
	}

	jobs, err := client.ListJobsForRun(ctx, req.Repository.Owner, req.Repository.Name, run.ExternalID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list jobs: %w", err)
	}
	allFailed := true
	failedCount := 0
	for _, j := range jobs {
		if j.GetConclusion() != "failure" {
			allFailed = false
		} else {
			failedCount++
		}
	}

	decision, err := d.rerunCtl.Decide(ctx, run.ExternalID, allFailed)
	if err != nil {
		return Outcome{}, fmt.Errorf("rerun decision: %w", err)
	}
	if decision.ShouldEscalate {
		return d.openPersistentFailureIssue(ctx, client, req, jobs)
	}

	owner, name := req.Repository.Owner, req.Repository.Name
	if decision.Mode == store.RerunFull {
		err = client.RerunWorkflow(ctx, owner, name, run.ExternalID)
	} else {
		err = client.RerunFailedJobs(ctx, owner, name, run.ExternalID)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("rerun: %w", err)
	}

	if err := d.rerunCtl.RecordAttempt(ctx, store.RerunAttempt{
		WorkflowRunExtID: run.ExternalID,
		CheckRunExtID:    req.CheckRun.ExternalID,
		FailedJobCount:   failedCount,
		TotalJobCount:    len(jobs),
		Mode:             decision.Mode,
	}); err != nil {
		d.log.Warn().Err(err).Msg("rerun attempt persist failed")
	}

	if pr := findOpenPR(ctx, client, owner, name, req.CheckRun.HeadSHA); pr != nil {
		comment := fmt.Sprintf("FlakeGuard triggered a %s rerun (%d/%d jobs failed).", decision.Mode, failedCount, len(jobs))
		_, _ = client.CreateIssueComment(ctx, owner, name, pr.GetNumber(), comment)
	}

	return Outcome{Message: fmt.Sprintf("Triggered %s rerun for %d failed job(s)", decision.Mode, failedCount)}, nil
}

func (d *Dispatcher) openPersistentFailureIssue(ctx context.Context, client upstream.Client, req Request, jobs []*github.WorkflowJob) (Outcome, error) {
	owner, name := req.Repository.Owner, req.Repository.Name
	body := fmt.Sprintf("Workflow run for commit %s has failed repeatedly and exceeded the rerun ceiling.\n\nFailed jobs:\n", shortSHA(req.CheckRun.HeadSHA))
	for _, j := range jobs {
		if j.GetConclusion() == "failure" {
			body += "- " + j.GetName() + "\n"
		}
	}
	issue, err := client.CreateIssue(ctx, owner, name, &github.IssueRequest{
		Title:  github.String("[FlakeGuard] Persistent CI failures on " + shortSHA(req.CheckRun.HeadSHA)),
		Body:   github.String(body),
		Labels: &[]string{"ci-failure", "persistent-failure", "investigation-needed"},
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("open persistent-failure issue: %w", err)
	}
	return Outcome{Message: "Rerun ceiling reached; opened " + issue.GetHTMLURL()}, nil
}

// --- open_issue ---

func (d *Dispatcher) openIssueAction(ctx context.Context, client upstream.Client, req Request) (Outcome, error) {
	detections, err := d.store.ListFlakeDetectionsForCheckRun(ctx, req.CheckRun.ExternalID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list flake detections: %w", err)
	}
	owner, name := req.Repository.Owner, req.Repository.Name

	var merr *multierror.Error
	var created []*github.Issue
	for i, fd := range detections {
		existing, err := client.SearchIssues(ctx, fmt.Sprintf(`repo:%s/%s label:flaky-test in:title,body "%s"`, owner, name, fd.Identity.Name))
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: search: %w", fd.Identity.Name, err))
			continue
		}
		if len(existing) > 0 {
			continue
		}

		confidencePct := int(fd.Confidence * 100)
		issue, err := client.CreateIssue(ctx, owner, name, &github.IssueRequest{
			Title: github.String("[FlakeGuard] Flaky test detected: " + fd.Identity.Name),
			Body:  github.String(flakeIssueBody(fd)),
			Labels: &[]string{
				"flaky-test", "bug", "testing", "auto-generated",
				fmt.Sprintf("confidence-%d", confidencePct),
			},
		})
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: create: %w", fd.Identity.Name, err))
			continue
		}
		created = append(created, issue)

		if i < len(detections)-1 {
			time.Sleep(time.Second)
		}
	}

	if len(created) == 0 {
		if merr.ErrorOrNil() != nil {
			return Outcome{}, merr
		}
		return Outcome{Message: "No new issues needed; all flaky tests already tracked"}, nil
	}

	if pr := findOpenPR(ctx, client, owner, name, req.CheckRun.HeadSHA); pr != nil {
		comment := "FlakeGuard opened the following tracking issues:\n\n"
		for _, iss := range created {
			comment += fmt.Sprintf("- %s\n", iss.GetHTMLURL())
		}
		_, _ = client.CreateIssueComment(ctx, owner, name, pr.GetNumber(), comment)
	}

	outcome := Outcome{Message: fmt.Sprintf("Opened %d tracking issue(s)", len(created))}
	if merr.ErrorOrNil() != nil {
		return outcome, merr
	}
	return outcome, nil
}

func flakeIssueBody(fd store.FlakeDetection) string {
	body := fmt.Sprintf("FlakeGuard detected `%s` as flaky.\n\n", fd.Identity.Name)
	body += fmt.Sprintf("- Failure rate: %.0f%%\n", fd.FailureRate*100)
	body += fmt.Sprintf("- Confidence: %.0f%%\n", fd.Confidence*100)
	body += fmt.Sprintf("- Runs observed: %d\n", fd.TotalRuns)
	if fd.FailurePattern != "" {
		body += fmt.Sprintf("- Failure pattern: %s\n", fd.FailurePattern)
	}
	return body
}

// --- dismiss_flake / mark_stable ---

func (d *Dispatcher) dismissFlakeAction(ctx context.Context, req Request) (Outcome, error) {
	return d.setStatusForCheckRun(ctx, req, store.DetectionDismissed, "Dismissed flake detection(s)")
}

func (d *Dispatcher) markStableAction(ctx context.Context, req Request) (Outcome, error) {
	return d.setStatusForCheckRun(ctx, req, store.DetectionStable, "Marked test(s) stable")
}

func (d *Dispatcher) setStatusForCheckRun(ctx context.Context, req Request, status store.DetectionStatus, message string) (Outcome, error) {
	detections, err := d.store.ListFlakeDetectionsForCheckRun(ctx, req.CheckRun.ExternalID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list flake detections: %w", err)
	}
	for _, fd := range detections {
		fd.Status = status
		if _, err := d.store.UpsertFlakeDetection(ctx, fd); err != nil {
			return Outcome{}, fmt.Errorf("persist %s: %w", fd.Identity.Name, err)
		}
	}
	return Outcome{Message: message}, nil
}

// --- shared helpers ---

func findOpenPR(ctx context.Context, client upstream.Client, owner, name, headSHA string) *github.PullRequest {
	prs, err := client.ListPullRequests(ctx, owner, name, &github.PullRequestListOptions{State: "open"})
	if err != nil {
		return nil
	}
	for _, pr := range prs {
		commits, err := client.ListCommitsForPull(ctx, owner, name, pr.GetNumber())
		if err != nil {
			continue
		}
		for _, c := range commits {
			if c.GetSHA() == headSHA {
				return pr
			}
		}
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
