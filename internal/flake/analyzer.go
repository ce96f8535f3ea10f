// Package flake is FlakeGuard's Flake Analyzer (C5): a pure statistical
// classifier over observed test executions. spec.md §4.5 specifies its
// formulas exactly; nothing here depends on an external numerical
// library since none in the example pack fits this shape.
package flake

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flakeguard/internal/store"
)

// Config holds the Analyzer's tunables, defaulted per spec.md §4.5.
type Config struct {
	MinRunsForAnalysis        int
	FlakeThreshold            float64
	HighConfidenceThreshold   float64
	MediumConfidenceThreshold float64
	AnalysisWindowDays        int
	RecentFailuresWindowDays  int
	CommonFlakePatterns       []string
}

func DefaultConfig() Config {
	return Config{
		MinRunsForAnalysis:        5,
		FlakeThreshold:            0.15,
		HighConfidenceThreshold:   0.8,
		MediumConfidenceThreshold: 0.5,
		AnalysisWindowDays:        30,
		RecentFailuresWindowDays:  7,
		CommonFlakePatterns: []string{
			"timeout", "connection refused", "network error",
			"race condition", "timing", "intermittent", "flaky", "unstable",
		},
	}
}

func (c Config) analysisWindow() time.Duration {
	return time.Duration(c.AnalysisWindowDays) * 24 * time.Hour
}

func (c Config) recentFailuresWindow() time.Duration {
	return time.Duration(c.RecentFailuresWindowDays) * 24 * time.Hour
}

// Execution is one observed test outcome, the Analyzer's unit of input.
type Execution struct {
	RepositoryID  int64
	Identity      store.TestIdentity
	Outcome       store.TestOutcome
	ErrorMessage  string
	StackTrace    string
	Duration      time.Duration
	Timestamp     time.Time
	CheckRunExtID int64
	JobExtID      int64
}

// ConfidenceLevel buckets a raw confidence score for callers that want
// a coarse label rather than the float.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Result is analyze()'s return value per spec.md §4.5.
type Result struct {
	Detection         store.FlakeDetection
	ShouldUpdateCheck bool
	SuggestedActions  []string
	ConfidenceLevel   ConfidenceLevel
}

// Summary is summaryOf()'s return value.
type Summary struct {
	TotalFlaky       int
	TotalQuarantined int
	RecentlyDetected int
	TopFlaky         []store.FlakeDetection
}

// Analyzer is C5. It is safe for concurrent use: all state lives in
// the Store, not in the Analyzer itself.
type Analyzer struct {
	store store.Store
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger
}

func New(st store.Store, cfg Config, log zerolog.Logger) *Analyzer {
	return &Analyzer{store: st, cfg: cfg, now: time.Now, log: log}
}

// Config returns the Analyzer's current Config, for callers (C4) that
// need it as a base onto which to layer a per-repository override.
func (a *Analyzer) Config() Config { return a.cfg }

// WithConfig returns a shallow copy of the Analyzer using cfg instead of
// its own Config, for callers that apply a per-repository override
// (e.g. a checked-in .flakeguard.yml) without mutating the shared
// instance other workers are concurrently using.
func (a *Analyzer) WithConfig(cfg Config) *Analyzer {
	return &Analyzer{store: a.store, cfg: cfg, now: a.now, log: a.log}
}

// Analyze implements analyze(execution) from spec.md §4.5.
func (a *Analyzer) Analyze(ctx context.Context, exec Execution) (Result, error) {
	tr := store.TestResult{
		RepositoryID:  exec.RepositoryID,
		Identity:      exec.Identity,
		Outcome:       exec.Outcome,
		ErrorMessage:  exec.ErrorMessage,
		StackTrace:    exec.StackTrace,
		Duration:      exec.Duration,
		Timestamp:     exec.Timestamp,
		CheckRunExtID: exec.CheckRunExtID,
		JobExtID:      exec.JobExtID,
	}

	// Failure to persist the raw TestResult is non-fatal (spec.md §4.5);
	// analysis proceeds either way.
	insertErr := a.store.InsertTestResult(ctx, tr)
	if insertErr != nil {
		a.log.Warn().Err(insertErr).Str("test", exec.Identity.Name).Msg("test result persist failed, continuing analysis")
	}

	since := a.now().Add(-a.cfg.analysisWindow()).Unix()
	history, err := a.store.ListTestResultsInWindow(ctx, exec.RepositoryID, exec.Identity, since)
	if err != nil {
		return Result{}, err
	}
	if insertErr != nil {
		// The store never saw the current observation; fold it in
		// locally so the window still reflects reality.
		history = append(history, tr)
	}

	n := len(history)
	var failures []store.TestResult
	var lastFailureAt *time.Time
	for i := range history {
		if history[i].Outcome == store.OutcomeFailed {
			failures = append(failures, history[i])
			ts := history[i].Timestamp
			if lastFailureAt == nil || ts.After(*lastFailureAt) {
				lastFailureAt = &ts
			}
		}
	}
	f := len(failures)
	r := 0.0
	if n > 0 {
		r = float64(f) / float64(n)
	}

	pattern := extractPattern(failures, a.cfg.CommonFlakePatterns)
	confidence := computeConfidence(n, f, r, pattern, a.cfg, exec.Outcome == store.OutcomeFailed, lastFailureAt)

	isFlaky := n >= a.cfg.MinRunsForAnalysis &&
		r > 0 && r < 1 &&
		r >= a.cfg.FlakeThreshold &&
		confidence >= a.cfg.MediumConfidenceThreshold

	action := suggestedAction(isFlaky, confidence, r, n, a.cfg)
	actions := generateSuggestedActions(isFlaky, confidence, r, n, a.cfg, lastFailureAt, a.now())

	status := store.DetectionPending
	if !isFlaky {
		status = store.DetectionStable
	}
	if existing, err := a.store.GetFlakeDetection(ctx, exec.RepositoryID, exec.Identity); err == nil {
		// Preserve a user-set disposition (quarantined/dismissed) across
		// re-analysis; only pending/stable are recomputed automatically.
		if existing.Status == store.DetectionQuarantined || existing.Status == store.DetectionDismissed {
			status = existing.Status
		}
	}

	fd := store.FlakeDetection{
		Identity:           exec.Identity,
		RepositoryID:        exec.RepositoryID,
		IsFlaky:             isFlaky,
		Confidence:          confidence,
		FailurePattern:      pattern,
		HistoricalFailures:  f,
		TotalRuns:           n,
		FailureRate:         r,
		LastFailureAt:       lastFailureAt,
		SuggestedAction:     action,
		Status:              status,
	}
	saved, err := a.store.UpsertFlakeDetection(ctx, fd)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Detection:         saved,
		ShouldUpdateCheck: isFlaky,
		SuggestedActions:  actions,
		ConfidenceLevel:   confidenceLevel(confidence, a.cfg),
	}, nil
}

// BatchAnalyze implements batchAnalyze(executions).
func (a *Analyzer) BatchAnalyze(ctx context.Context, execs []Execution) ([]Result, error) {
	out := make([]Result, 0, len(execs))
	for _, e := range execs {
		res, err := a.Analyze(ctx, e)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// StatusOf implements statusOf(test, repository): returns nil when no
// detection exists yet, matching the "analysis | null" contract.
func (a *Analyzer) StatusOf(ctx context.Context, repositoryID int64, identity store.TestIdentity) (*store.FlakeDetection, error) {
	fd, err := a.store.GetFlakeDetection(ctx, repositoryID, identity)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fd, nil
}

// SummaryOf implements summaryOf(repository).
func (a *Analyzer) SummaryOf(ctx context.Context, repositoryID int64) (Summary, error) {
	all, err := a.store.ListFlakeDetections(ctx, repositoryID)
	if err != nil {
		return Summary{}, err
	}
	cutoff := a.now().Add(-a.cfg.recentFailuresWindow())
	var flaky []store.FlakeDetection
	summary := Summary{}
	for _, fd := range all {
		if fd.IsFlaky {
			summary.TotalFlaky++
			flaky = append(flaky, fd)
		}
		if fd.Status == store.DetectionQuarantined {
			summary.TotalQuarantined++
		}
		if fd.CreatedAt.After(cutoff) {
			summary.RecentlyDetected++
		}
	}
	sort.Slice(flaky, func(i, j int) bool { return flaky[i].Confidence > flaky[j].Confidence })
	if len(flaky) > 10 {
		flaky = flaky[:10]
	}
	summary.TopFlaky = flaky
	return summary, nil
}

// NewSyntheticID mints an identifier for analyses lacking an
// upstream-provided one.
func NewSyntheticID() string { return uuid.NewString() }

func computeConfidence(n, f int, r float64, pattern string, cfg Config, currentIsFailure bool, lastFailureAt *time.Time) float64 {
	var c float64

	if n >= cfg.MinRunsForAnalysis {
		c += math.Min(0.4, 2*r)
	}

	if bonus := 0.01 * float64(n-cfg.MinRunsForAnalysis); bonus > 0 {
		c += math.Min(0.2, bonus)
	}

	if pattern != "" {
		if matchesCommonPattern(pattern, cfg.CommonFlakePatterns) {
			c += 0.30
		} else {
			c += 0.15
		}
	}

	if currentIsFailure && lastFailureAt != nil {
		c += 0.10
	}

	if f > 0 && f < n {
		c += 0.15 * (1 - math.Abs(r-0.5)*2)
	}

	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

func matchesCommonPattern(pattern string, patterns []string) bool {
	lp := strings.ToLower(pattern)
	for _, p := range patterns {
		if strings.Contains(lp, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// extractPattern implements spec.md §4.5's pattern-extraction rule.
func extractPattern(failures []store.TestResult, commonPatterns []string) string {
	if len(failures) == 0 {
		return ""
	}
	threshold := len(failures) / 2
	if len(failures)%2 != 0 {
		threshold++
	}
	if threshold < 2 {
		threshold = 2
	}

	for _, pattern := range commonPatterns {
		count := 0
		lp := strings.ToLower(pattern)
		for _, fr := range failures {
			if strings.Contains(strings.ToLower(fr.ErrorMessage), lp) {
				count++
			}
		}
		if count >= threshold {
			return pattern
		}
	}

	keyCounts := map[string]int{}
	order := []string{}
	for _, fr := range failures {
		key := firstLineKey(fr.ErrorMessage)
		if key == "" {
			continue
		}
		if _, ok := keyCounts[key]; !ok {
			order = append(order, key)
		}
		keyCounts[key]++
	}
	bestKey, bestCount := "", 0
	for _, key := range order {
		if keyCounts[key] > bestCount {
			bestKey, bestCount = key, keyCounts[key]
		}
	}
	if bestCount >= 2 {
		return bestKey
	}
	return ""
}

func firstLineKey(msg string) string {
	line := msg
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		line = msg[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > 100 {
		line = line[:100]
	}
	return line
}

// suggestedAction implements the single-action rule from spec.md §4.5.
func suggestedAction(isFlaky bool, confidence, r float64, n int, cfg Config) string {
	if !isFlaky {
		return ""
	}
	if confidence >= cfg.HighConfidenceThreshold || (confidence >= cfg.MediumConfidenceThreshold && r > 0.3) {
		return store.ActionQuarantine
	}
	if confidence >= cfg.MediumConfidenceThreshold && n >= 10 {
		return store.ActionOpenIssue
	}
	return store.ActionRerunFailed
}

// generateSuggestedActions implements generateSuggestedActions: an
// ordered subset of {rerun_failed, quarantine, open_issue,
// dismiss_flake}, capped at four, never offering dismiss_flake or
// quarantine for non-flaky tests.
func generateSuggestedActions(isFlaky bool, confidence, r float64, n int, cfg Config, lastFailureAt *time.Time, now time.Time) []string {
	if !isFlaky {
		return nil
	}
	var actions []string
	if confidence >= cfg.HighConfidenceThreshold || (confidence >= cfg.MediumConfidenceThreshold && r > 0.3) {
		actions = append(actions, store.ActionQuarantine)
	}
	if lastFailureAt != nil && now.Sub(*lastFailureAt) <= 7*24*time.Hour {
		actions = append(actions, store.ActionRerunFailed)
	}
	if confidence >= cfg.MediumConfidenceThreshold && n >= 10 {
		actions = append(actions, store.ActionOpenIssue)
	}
	actions = append(actions, store.ActionDismissFlake)

	actions = dedupeStrings(actions)
	if len(actions) > 4 {
		actions = actions[:4]
	}
	return actions
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func confidenceLevel(c float64, cfg Config) ConfidenceLevel {
	switch {
	case c >= cfg.HighConfidenceThreshold:
		return ConfidenceHigh
	case c >= cfg.MediumConfidenceThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
