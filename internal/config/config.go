package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting FlakeGuard needs,
// loaded fail-fast in Load the way the teacher's config package does:
// the env(key, def) helper plus explicit "missing ..." validation for
// required variables.
type Config struct {
	Addr    string
	BaseURL string

	GitHubAppID         int64
	GitHubAppSlug       string
	GitHubWebhookSecret string
	GitHubPrivateKeyPEM string

	DatabasePath string

	WorkerConcurrency     int
	HighPriorityWorkers   int
	WebhookRateLimitPerMin int

	MinRunsForAnalysis        int
	FlakeThreshold            float64
	HighConfidenceThreshold   float64
	MediumConfidenceThreshold float64
	AnalysisWindowDays        int
	RecentFailuresWindowDays  int

	RerunCeiling int

	LogLevel string
}

func Load() (Config, error) {
	cfg := Config{
		Addr:         env("FLAKEGUARD_ADDR", ":8080"),
		BaseURL:      strings.TrimRight(env("FLAKEGUARD_BASE_URL", ""), "/"),
		DatabasePath: env("FLAKEGUARD_DB_PATH", "data/flakeguard.sqlite"),

		GitHubAppSlug:       env("GITHUB_APP_SLUG", ""),
		GitHubWebhookSecret: env("GITHUB_APP_WEBHOOK_SECRET", ""),
		GitHubPrivateKeyPEM: env("GITHUB_APP_PRIVATE_KEY_PEM", ""),

		WorkerConcurrency:      envInt("FLAKEGUARD_WORKER_CONCURRENCY", 5),
		HighPriorityWorkers:    envInt("FLAKEGUARD_HIGH_PRIORITY_WORKERS", 3),
		WebhookRateLimitPerMin: envInt("FLAKEGUARD_WEBHOOK_RATE_LIMIT_PER_MIN", 1000),

		MinRunsForAnalysis:        envInt("FLAKEGUARD_MIN_RUNS_FOR_ANALYSIS", 5),
		FlakeThreshold:            envFloat("FLAKEGUARD_FLAKE_THRESHOLD", 0.15),
		HighConfidenceThreshold:   envFloat("FLAKEGUARD_HIGH_CONFIDENCE_THRESHOLD", 0.8),
		MediumConfidenceThreshold: envFloat("FLAKEGUARD_MEDIUM_CONFIDENCE_THRESHOLD", 0.5),
		AnalysisWindowDays:        envInt("FLAKEGUARD_ANALYSIS_WINDOW_DAYS", 30),
		RecentFailuresWindowDays:  envInt("FLAKEGUARD_RECENT_FAILURES_WINDOW_DAYS", 7),

		RerunCeiling: envInt("FLAKEGUARD_RERUN_CEILING", 3),

		LogLevel: env("FLAKEGUARD_LOG_LEVEL", "info"),
	}

	if v := strings.TrimSpace(env("GITHUB_APP_ID", "")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, err
		}
		cfg.GitHubAppID = n
	}
	if cfg.GitHubPrivateKeyPEM == "" {
		if path := strings.TrimSpace(env("GITHUB_APP_PRIVATE_KEY_PATH", "")); path != "" {
			b, err := os.ReadFile(path)
			if err != nil {
				return Config{}, err
			}
			cfg.GitHubPrivateKeyPEM = string(b)
		}
	}

	if cfg.GitHubAppID == 0 {
		return Config{}, errors.New("missing GITHUB_APP_ID")
	}
	if strings.TrimSpace(cfg.GitHubPrivateKeyPEM) == "" {
		return Config{}, errors.New("missing GITHUB_APP_PRIVATE_KEY_PEM or GITHUB_APP_PRIVATE_KEY_PATH")
	}
	if strings.TrimSpace(cfg.GitHubWebhookSecret) == "" {
		return Config{}, errors.New("missing GITHUB_APP_WEBHOOK_SECRET")
	}
	if strings.TrimSpace(cfg.GitHubAppSlug) == "" {
		return Config{}, errors.New("missing GITHUB_APP_SLUG")
	}
	if cfg.BaseURL == "" {
		return Config{}, errors.New("missing FLAKEGUARD_BASE_URL (public https base url for webhook delivery + check-run links)")
	}

	return cfg, nil
}

// AnalysisWindow returns AnalysisWindowDays as a duration, for callers
// computing a "since" cutoff against TestResult timestamps.
func (c Config) AnalysisWindow() time.Duration {
	return time.Duration(c.AnalysisWindowDays) * 24 * time.Hour
}

// RecentFailuresWindow mirrors AnalysisWindow for the shorter window.
func (c Config) RecentFailuresWindow() time.Duration {
	return time.Duration(c.RecentFailuresWindowDays) * 24 * time.Hour
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
