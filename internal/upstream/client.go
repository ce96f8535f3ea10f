// Package upstream is FlakeGuard's Upstream Client Facade (C2): every
// call the rest of the module makes to the GitHub REST API passes
// through here, so retry policy, rate-limit handling, circuit breaking
// and timeouts live in exactly one place. It generalizes the teacher's
// internal/githubops free functions into an interface with one
// go-github-backed implementation.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"flakeguard/internal/apperrors"
	"flakeguard/internal/githubapp"
)

// Client is the full set of GitHub operations FlakeGuard's components
// are allowed to perform, per spec.md §4.2.
type Client interface {
	CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, error)
	UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error)
	ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *github.ListCheckRunsOptions) ([]*github.CheckRun, error)

	RerunWorkflow(ctx context.Context, owner, repo string, runID int64) error
	RerunFailedJobs(ctx context.Context, owner, repo string, runID int64) error
	CancelWorkflow(ctx context.Context, owner, repo string, runID int64) error
	ListJobsForRun(ctx context.Context, owner, repo string, runID int64) ([]*github.WorkflowJob, error)
	ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]*github.Artifact, error)
	ArtifactDownloadURL(ctx context.Context, owner, repo string, artifactID int64) (string, error)

	CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error)
	SearchIssues(ctx context.Context, query string) ([]*github.Issue, error)
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error)
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error

	GetRef(ctx context.Context, owner, repo, ref string) (*github.Reference, error)
	CreateRef(ctx context.Context, owner, repo string, ref *github.Reference) (*github.Reference, error)
	GetFileContent(ctx context.Context, owner, repo, path, ref string) (content, sha string, err error)
	PutFileContent(ctx context.Context, owner, repo, branch, path, content, message, sha string) error

	CreatePullRequest(ctx context.Context, owner, repo string, req *github.NewPullRequest) (*github.PullRequest, error)
	ListPullRequests(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, error)
	ListCommitsForPull(ctx context.Context, owner, repo string, number int) ([]*github.RepositoryCommit, error)

	GetInstallation(ctx context.Context, installationID int64) (*github.Installation, error)
}

const (
	defaultTimeout  = 30 * time.Second
	downloadTimeout = 5 * time.Minute
	uploadTimeout   = 10 * time.Minute
	maxAttempts     = 4 // 1 initial + up to 3 retries
)

// ghClient is the go-github-backed implementation. One is constructed
// per installation (the broker mints a fresh *github.Client per call to
// InstallationClient, so callers should keep this short-lived or
// re-fetch near expiry).
type ghClient struct {
	gh      *github.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewForInstallation builds a Client backed by a token from broker,
// with a circuit breaker scoped to this installation (its name is
// used as the breaker's identity so metrics/logs can be correlated).
func NewForInstallation(ctx context.Context, broker *githubapp.Broker, installationID int64, log zerolog.Logger) (Client, error) {
	gh, err := broker.InstallationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("upstream-installation-%d", installationID),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &ghClient{
		gh:      gh,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log.With().Int64("installation_id", installationID).Logger(),
	}, nil
}

// call wraps a single upstream operation with deadline, circuit
// breaker and retry/backoff per spec.md §4.2.
func (c *ghClient) call(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (*github.Response, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jitter := newDecorrelatedJitter()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			resp, err := fn(ctx)
			return resp, classifyForBreaker(err)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apperrors.Wrap(apperrors.UpstreamUnavailable, op+": circuit open", err)
		}
		lastErr = err

		if !retryable(err) {
			return translateError(op, err)
		}
		if attempt == maxAttempts {
			break
		}

		wait := retryAfter(err)
		if wait == 0 {
			wait = jitter.next()
		}
		c.log.Warn().Str("op", op).Int("attempt", attempt).Dur("wait", wait).Err(err).Msg("upstream call retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.Timeout, op+": deadline exceeded while backing off", ctx.Err())
		}
	}
	return translateError(op, lastErr)
}

func classifyForBreaker(err error) error {
	if err == nil {
		return nil
	}
	if !retryable(err) {
		// Non-retryable client errors (4xx other than rate limits)
		// shouldn't trip the breaker; only sustained upstream trouble
		// should.
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil {
			code := ghErr.Response.StatusCode
			if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
				return nil
			}
		}
	}
	return err
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var arlErr *github.AbuseRateLimitError
	if errors.As(err, &arlErr) {
		return arlErr.RetryAfter == nil || *arlErr.RetryAfter <= 60*time.Second
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case 400, 401, 403, 404, 422:
			return false
		}
		return ghErr.Response.StatusCode >= 500
	}
	// network/timeout errors with no structured response: retry.
	return true
}

func retryAfter(err error) time.Duration {
	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		return time.Until(rlErr.Rate.Reset.Time)
	}
	var arlErr *github.AbuseRateLimitError
	if errors.As(err, &arlErr) && arlErr.RetryAfter != nil {
		return *arlErr.RetryAfter
	}
	return 0
}

func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		return apperrors.Wrap(apperrors.UpstreamRateLimited, op+": rate limited", err).WithStatus(http.StatusTooManyRequests)
	}
	var arlErr *github.AbuseRateLimitError
	if errors.As(err, &arlErr) {
		return apperrors.Wrap(apperrors.UpstreamRateLimited, op+": secondary rate limited", err).WithStatus(http.StatusTooManyRequests)
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		status := ghErr.Response.StatusCode
		if status == http.StatusNotFound {
			return apperrors.Wrap(apperrors.ResourceNotFound, op+": not found", err).WithStatus(status)
		}
		return apperrors.Wrap(apperrors.UpstreamError, op+": upstream error", err).WithStatus(status)
	}
	return apperrors.Wrap(apperrors.UpstreamError, op+": "+err.Error(), err)
}

// --- Check runs ---

func (c *ghClient) CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, error) {
	var out *github.CheckRun
	err := c.call(ctx, defaultTimeout, "CreateCheckRun", func(ctx context.Context) (*github.Response, error) {
		cr, resp, err := c.gh.Checks.CreateCheckRun(ctx, owner, repo, opts)
		out = cr
		return resp, err
	})
	return out, err
}

func (c *ghClient) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error) {
	var out *github.CheckRun
	err := c.call(ctx, defaultTimeout, "UpdateCheckRun", func(ctx context.Context) (*github.Response, error) {
		cr, resp, err := c.gh.Checks.UpdateCheckRun(ctx, owner, repo, checkRunID, opts)
		out = cr
		return resp, err
	})
	return out, err
}

func (c *ghClient) ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *github.ListCheckRunsOptions) ([]*github.CheckRun, error) {
	var out []*github.CheckRun
	err := c.call(ctx, defaultTimeout, "ListCheckRunsForRef", func(ctx context.Context) (*github.Response, error) {
		res, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
		if res != nil {
			out = res.CheckRuns
		}
		return resp, err
	})
	return out, err
}

// --- Workflows ---

func (c *ghClient) RerunWorkflow(ctx context.Context, owner, repo string, runID int64) error {
	return c.call(ctx, defaultTimeout, "RerunWorkflow", func(ctx context.Context) (*github.Response, error) {
		return c.gh.Actions.RerunWorkflowByID(ctx, owner, repo, runID)
	})
}

func (c *ghClient) RerunFailedJobs(ctx context.Context, owner, repo string, runID int64) error {
	return c.call(ctx, defaultTimeout, "RerunFailedJobs", func(ctx context.Context) (*github.Response, error) {
		return c.gh.Actions.RerunFailedJobsByID(ctx, owner, repo, runID)
	})
}

func (c *ghClient) CancelWorkflow(ctx context.Context, owner, repo string, runID int64) error {
	return c.call(ctx, defaultTimeout, "CancelWorkflow", func(ctx context.Context) (*github.Response, error) {
		return c.gh.Actions.CancelWorkflowRunByID(ctx, owner, repo, runID)
	})
}

func (c *ghClient) ListJobsForRun(ctx context.Context, owner, repo string, runID int64) ([]*github.WorkflowJob, error) {
	var out []*github.WorkflowJob
	err := c.call(ctx, defaultTimeout, "ListJobsForRun", func(ctx context.Context) (*github.Response, error) {
		res, resp, err := c.gh.Actions.ListWorkflowJobs(ctx, owner, repo, runID, &github.ListWorkflowJobsOptions{ListOptions: github.ListOptions{PerPage: 100}})
		if res != nil {
			out = res.Jobs
		}
		return resp, err
	})
	return out, err
}

func (c *ghClient) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]*github.Artifact, error) {
	var out []*github.Artifact
	err := c.call(ctx, defaultTimeout, "ListArtifacts", func(ctx context.Context) (*github.Response, error) {
		res, resp, err := c.gh.Actions.ListWorkflowRunArtifacts(ctx, owner, repo, runID, &github.ListOptions{PerPage: 100})
		if res != nil {
			out = res.Artifacts
		}
		return resp, err
	})
	return out, err
}

func (c *ghClient) ArtifactDownloadURL(ctx context.Context, owner, repo string, artifactID int64) (string, error) {
	var out string
	err := c.call(ctx, downloadTimeout, "ArtifactDownloadURL", func(ctx context.Context) (*github.Response, error) {
		u, resp, err := c.gh.Actions.DownloadArtifact(ctx, owner, repo, artifactID, 1)
		if u != nil {
			out = u.String()
		}
		return resp, err
	})
	return out, err
}

// --- Issues ---

func (c *ghClient) CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error) {
	var out *github.Issue
	err := c.call(ctx, defaultTimeout, "CreateIssue", func(ctx context.Context) (*github.Response, error) {
		issue, resp, err := c.gh.Issues.Create(ctx, owner, repo, req)
		out = issue
		return resp, err
	})
	return out, err
}

func (c *ghClient) SearchIssues(ctx context.Context, query string) ([]*github.Issue, error) {
	var out []*github.Issue
	err := c.call(ctx, defaultTimeout, "SearchIssues", func(ctx context.Context) (*github.Response, error) {
		res, resp, err := c.gh.Search.Issues(ctx, query, &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 100}})
		if res != nil {
			for i := range res.Issues {
				out = append(out, &res.Issues[i])
			}
		}
		return resp, err
	})
	return out, err
}

func (c *ghClient) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error) {
	var out *github.IssueComment
	err := c.call(ctx, defaultTimeout, "CreateIssueComment", func(ctx context.Context) (*github.Response, error) {
		comment, resp, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
		out = comment
		return resp, err
	})
	return out, err
}

func (c *ghClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return c.call(ctx, defaultTimeout, "AddLabels", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
		return resp, err
	})
}

// --- Refs & content ---

func (c *ghClient) GetRef(ctx context.Context, owner, repo, ref string) (*github.Reference, error) {
	var out *github.Reference
	err := c.call(ctx, defaultTimeout, "GetRef", func(ctx context.Context) (*github.Response, error) {
		r, resp, err := c.gh.Git.GetRef(ctx, owner, repo, ref)
		out = r
		return resp, err
	})
	return out, err
}

func (c *ghClient) CreateRef(ctx context.Context, owner, repo string, ref *github.Reference) (*github.Reference, error) {
	var out *github.Reference
	err := c.call(ctx, defaultTimeout, "CreateRef", func(ctx context.Context) (*github.Response, error) {
		r, resp, err := c.gh.Git.CreateRef(ctx, owner, repo, ref)
		out = r
		return resp, err
	})
	return out, err
}

func (c *ghClient) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, string, error) {
	var content, sha string
	err := c.call(ctx, defaultTimeout, "GetFileContent", func(ctx context.Context) (*github.Response, error) {
		file, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return resp, err
		}
		decoded, derr := file.GetContent()
		if derr != nil {
			return resp, derr
		}
		content = decoded
		sha = file.GetSHA()
		return resp, nil
	})
	return content, sha, err
}

func (c *ghClient) PutFileContent(ctx context.Context, owner, repo, branch, path, content, message, sha string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(branch),
	}
	if sha != "" {
		opts.SHA = github.String(sha)
	}
	return c.call(ctx, uploadTimeout, "PutFileContent", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		if sha == "" {
			_, resp, err = c.gh.Repositories.CreateFile(ctx, owner, repo, path, opts)
		} else {
			_, resp, err = c.gh.Repositories.UpdateFile(ctx, owner, repo, path, opts)
		}
		return resp, err
	})
}

// --- Pull requests ---

func (c *ghClient) CreatePullRequest(ctx context.Context, owner, repo string, req *github.NewPullRequest) (*github.PullRequest, error) {
	var out *github.PullRequest
	err := c.call(ctx, defaultTimeout, "CreatePullRequest", func(ctx context.Context) (*github.Response, error) {
		pr, resp, err := c.gh.PullRequests.Create(ctx, owner, repo, req)
		out = pr
		return resp, err
	})
	return out, err
}

func (c *ghClient) ListPullRequests(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, error) {
	var out []*github.PullRequest
	err := c.call(ctx, defaultTimeout, "ListPullRequests", func(ctx context.Context) (*github.Response, error) {
		res, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
		out = res
		return resp, err
	})
	return out, err
}

func (c *ghClient) ListCommitsForPull(ctx context.Context, owner, repo string, number int) ([]*github.RepositoryCommit, error) {
	var out []*github.RepositoryCommit
	err := c.call(ctx, defaultTimeout, "ListCommitsForPull", func(ctx context.Context) (*github.Response, error) {
		res, resp, err := c.gh.PullRequests.ListCommits(ctx, owner, repo, number, &github.ListOptions{PerPage: 100})
		out = res
		return resp, err
	})
	return out, err
}

// --- Installations ---

func (c *ghClient) GetInstallation(ctx context.Context, installationID int64) (*github.Installation, error) {
	var out *github.Installation
	err := c.call(ctx, defaultTimeout, "GetInstallation", func(ctx context.Context) (*github.Response, error) {
		in, resp, err := c.gh.Apps.GetInstallation(ctx, installationID)
		out = in
		return resp, err
	})
	return out, err
}
