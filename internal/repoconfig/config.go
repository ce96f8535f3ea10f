// Package repoconfig loads a per-repository FlakeGuard override file
// (.flakeguard.yml, checked into the repo) the same way the teacher
// loads .releaseparty.yaml: DB/global defaults first, then a YAML file
// fetched from the repo that overrides individual fields.
package repoconfig

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"flakeguard/internal/apperrors"
	"flakeguard/internal/flake"
	"flakeguard/internal/upstream"
)

const FilePath = ".flakeguard.yml"

// Overrides is the subset of flake.Config a repository is allowed to
// tune. Omitted (zero-value) fields fall back to the process-wide
// default passed into Resolve.
type Overrides struct {
	MinRunsForAnalysis        *int     `yaml:"min_runs_for_analysis"`
	FlakeThreshold            *float64 `yaml:"flake_threshold"`
	HighConfidenceThreshold   *float64 `yaml:"high_confidence_threshold"`
	MediumConfidenceThreshold *float64 `yaml:"medium_confidence_threshold"`
	AnalysisWindowDays        *int     `yaml:"analysis_window_days"`
	RecentFailuresWindowDays  *int     `yaml:"recent_failures_window_days"`
	ExcludedTests             []string `yaml:"excluded_tests"`
}

// Parse unmarshals a .flakeguard.yml body. An empty or all-comment file
// yields a zero-value Overrides, which Apply treats as "no overrides".
func Parse(b []byte) (Overrides, error) {
	var o Overrides
	if err := yaml.Unmarshal(b, &o); err != nil {
		return Overrides{}, fmt.Errorf("parse %s: %w", FilePath, err)
	}
	if o.FlakeThreshold != nil && (*o.FlakeThreshold < 0 || *o.FlakeThreshold > 1) {
		return Overrides{}, fmt.Errorf("%s: flake_threshold must be within [0,1]", FilePath)
	}
	return o, nil
}

// Apply layers o onto base, returning the merged Config.
func (o Overrides) Apply(base flake.Config) flake.Config {
	cfg := base
	if o.MinRunsForAnalysis != nil {
		cfg.MinRunsForAnalysis = *o.MinRunsForAnalysis
	}
	if o.FlakeThreshold != nil {
		cfg.FlakeThreshold = *o.FlakeThreshold
	}
	if o.HighConfidenceThreshold != nil {
		cfg.HighConfidenceThreshold = *o.HighConfidenceThreshold
	}
	if o.MediumConfidenceThreshold != nil {
		cfg.MediumConfidenceThreshold = *o.MediumConfidenceThreshold
	}
	if o.AnalysisWindowDays != nil {
		cfg.AnalysisWindowDays = *o.AnalysisWindowDays
	}
	if o.RecentFailuresWindowDays != nil {
		cfg.RecentFailuresWindowDays = *o.RecentFailuresWindowDays
	}
	return cfg
}

// IsExcluded reports whether testName matches one of o's excluded_tests
// substrings, letting a repo silence known-by-design-flaky tests (e.g.
// load tests) without disabling analysis entirely.
func (o Overrides) IsExcluded(testName string) bool {
	for _, pattern := range o.ExcludedTests {
		if pattern != "" && strings.Contains(testName, pattern) {
			return true
		}
	}
	return false
}

// Resolve fetches .flakeguard.yml from the repository's default branch
// via the upstream client and merges it onto base. A missing file (the
// common case) is not an error — it just means no overrides apply. Any
// other fetch error (rate limit, 5xx, timeout) is real and propagated,
// so a transient upstream failure can't masquerade as "no override".
func Resolve(ctx context.Context, client upstream.Client, owner, repo, ref string, base flake.Config) (flake.Config, Overrides, error) {
	content, _, err := client.GetFileContent(ctx, owner, repo, FilePath, ref)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.ResourceNotFound {
			return base, Overrides{}, nil
		}
		return base, Overrides{}, fmt.Errorf("fetch %s: %w", FilePath, err)
	}
	overrides, err := Parse([]byte(content))
	if err != nil {
		return base, Overrides{}, err
	}
	return overrides.Apply(base), overrides, nil
}
