// Package checkrender is FlakeGuard's Check-Run Renderer (C6): it turns
// a set of flake detections into the title/summary/actions triple that
// becomes a GitHub check run. Pure string building, no I/O, following
// the teacher's incremental strings.Builder idiom from
// internal/releaseparty/generate.go (frontmatter → sections → footer).
package checkrender

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"flakeguard/internal/store"
)

// summaryBudget is the GitHub check-run "summary" field's hard ceiling.
const summaryBudget = 65535

const maxRows = 20
const maxActions = 3

// Severity buckets a detection's confidence for the table and legend.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityStable   Severity = "stable"
)

func classify(confidence float64) Severity {
	switch {
	case confidence >= 0.8:
		return SeverityCritical
	case confidence >= 0.5:
		return SeverityWarning
	default:
		return SeverityStable
	}
}

// Row is one candidate test the renderer considers. Score is a
// tie-breaker distinct from Confidence — FlakeGuard uses the observed
// failure rate, since two tests can share a confidence bucket while
// differing in how often they actually fail.
type Row struct {
	Identity      store.TestIdentity
	Detection     store.FlakeDetection
	RecentlyFailed bool // failed within the last 7 days
}

func (r Row) severity() Severity { return classify(r.Detection.Confidence) }
func (r Row) score() float64     { return r.Detection.FailureRate }

// Input is everything the renderer needs about the target repository
// and the check run being built.
type Input struct {
	Repository store.Repository
	HeadSHA    string
	Host       string // defaults to github.com
	Rows       []Row
}

// Output is render(tests[], repository)'s result.
type Output struct {
	Title     string
	Summary   string
	Actions   []store.CheckRunAction
	Truncated bool
}

var actionCatalog = map[string]store.CheckRunAction{
	store.ActionQuarantine: {
		Identifier: store.ActionQuarantine, Label: "Quarantine flaky tests",
		Description: "Skip the flagged tests and open a PR",
	},
	store.ActionRerunFailed: {
		Identifier: store.ActionRerunFailed, Label: "Rerun failed jobs",
		Description: "Re-run only the jobs that failed",
	},
	store.ActionOpenIssue: {
		Identifier: store.ActionOpenIssue, Label: "Open tracking issue",
		Description: "File an issue for the flaky tests",
	},
}

// Render implements spec.md §4.6's render(tests[], repository) contract.
func Render(in Input) Output {
	host := in.Host
	if host == "" {
		host = "github.com"
	}

	rows := make([]Row, len(in.Rows))
	copy(rows, in.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Detection.Confidence != rows[j].Detection.Confidence {
			return rows[i].Detection.Confidence > rows[j].Detection.Confidence
		}
		return rows[i].score() > rows[j].score()
	})

	total := len(rows)
	truncated := total > maxRows
	shown := rows
	if truncated {
		shown = rows[:maxRows]
	}

	var critical, warning int
	for _, r := range rows {
		switch r.severity() {
		case SeverityCritical:
			critical++
		case SeverityWarning:
			warning++
		}
	}

	title := buildTitle(critical, warning, total)
	summary := buildSummary(in, shown, total, truncated, host)
	actions := selectActions(rows)

	return Output{Title: title, Summary: summary, Actions: actions, Truncated: truncated}
}

func buildTitle(critical, warning, total int) string {
	switch {
	case total == 0:
		return "No flaky tests detected"
	case critical > 0:
		return fmt.Sprintf("%d flaky test(s), %d critical", total, critical)
	case warning > 0:
		return fmt.Sprintf("%d flaky test(s) under review", total)
	default:
		return fmt.Sprintf("%d flaky test(s) tracked", total)
	}
}

func buildSummary(in Input, shown []Row, total int, truncated bool, host string) string {
	var b strings.Builder

	appendSection(&b, "# FlakeGuard Report\n\n")
	appendSection(&b, fmt.Sprintf("Repository: `%s`  \nHead: `%s`\n\n", in.Repository.FullName(), shortSHA(in.HeadSHA)))

	if total == 0 {
		appendSection(&b, "No flaky tests were detected in this run.\n")
		return finish(b.String())
	}

	appendSection(&b, tableSection(in, shown, host))
	appendSection(&b, legendSection())
	appendSection(&b, explanationSection())
	appendSection(&b, actionsSection(shown))

	if truncated {
		appendSection(&b, fmt.Sprintf("\n_Showing top %d of %d flaky tests._\n", len(shown), total))
	}

	return finish(b.String())
}

// appendSection only commits text that still fits the summary budget;
// a section that would overflow it is dropped rather than truncated
// mid-write, so the document always ends on a section boundary.
func appendSection(b *strings.Builder, section string) {
	if b.Len()+len(section) > summaryBudget {
		return
	}
	b.WriteString(section)
}

func finish(s string) string {
	if len(s) > summaryBudget {
		return s[:summaryBudget]
	}
	return s
}

func tableSection(in Input, rows []Row, host string) string {
	var b strings.Builder
	b.WriteString("| Severity | Test | Failure rate | Confidence | Suggested action |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, r := range rows {
		name := linkTest(in, r, host)
		b.WriteString(fmt.Sprintf("| %s | %s | %.0f%% | %.0f%% | %s |\n",
			string(r.severity()), name, r.Detection.FailureRate*100, r.Detection.Confidence*100,
			defaultStr(r.Detection.SuggestedAction, "—")))
	}
	b.WriteString("\n")
	return b.String()
}

func legendSection() string {
	return "**Severity:** 🔴 critical (≥80% confidence) · 🟡 warning (≥50% confidence) · ⚪ stable\n\n"
}

func explanationSection() string {
	return "Tests above are flagged as flaky based on their pass/fail history across recent runs. " +
		"Confidence reflects sample size, failure-rate consistency, and known flake patterns in the error text.\n\n"
}

func actionsSection(rows []Row) string {
	var b strings.Builder
	b.WriteString("## Recommended actions\n\n")
	for _, a := range selectActions(rows) {
		b.WriteString(fmt.Sprintf("- **%s** — %s\n", a.Label, a.Description))
	}
	return b.String()
}

// selectActions implements the priority order from spec.md §4.6:
// quarantine if any critical test exists, rerun_failed if any test
// failed recently, open_issue otherwise. Hard ceiling of 3.
func selectActions(rows []Row) []store.CheckRunAction {
	var criticalCount, recentCount, candidateCount int
	for _, r := range rows {
		if r.severity() == SeverityCritical {
			criticalCount++
		}
		if r.RecentlyFailed {
			recentCount++
		}
		if r.Detection.IsFlaky {
			candidateCount++
		}
	}

	var out []store.CheckRunAction
	if criticalCount > 0 {
		out = append(out, withCount(actionCatalog[store.ActionQuarantine], criticalCount))
	}
	if recentCount > 0 {
		out = append(out, withCount(actionCatalog[store.ActionRerunFailed], recentCount))
	}
	if len(out) < maxActions && candidateCount > 0 {
		out = append(out, withCount(actionCatalog[store.ActionOpenIssue], candidateCount))
	}
	if len(out) > maxActions {
		out = out[:maxActions]
	}
	return out
}

func withCount(a store.CheckRunAction, n int) store.CheckRunAction {
	a.Description = fmt.Sprintf("%s (%d test(s))", a.Description, n)
	return a
}

// linkTest renders the escaped, truncated test name, linked to its
// source file when a path is known.
func linkTest(in Input, r Row, host string) string {
	name := escapeMarkdown(truncateName(r.Identity.Name, 50))
	if r.Identity.FilePath == "" {
		return name
	}
	branch := in.Repository.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	url := fmt.Sprintf("https://%s/%s/%s/blob/%s/%s", host, in.Repository.Owner, in.Repository.Name, branch, r.Identity.FilePath)
	if r.Identity.Line > 0 {
		url += fmt.Sprintf("#L%d", r.Identity.Line)
	}
	return fmt.Sprintf("[%s](%s)", name, url)
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\", "|", "\\|", "*", "\\*", "_", "\\_", "[", "\\[", "]", "\\]", "`", "\\`",
	)
	return replacer.Replace(s)
}

func truncateName(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func defaultStr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// RecentlyFailed reports whether a detection's last known failure
// falls within the given lookback window, used by callers building Rows.
func RecentlyFailed(d store.FlakeDetection, now time.Time, window time.Duration) bool {
	return d.LastFailureAt != nil && now.Sub(*d.LastFailureAt) <= window
}
