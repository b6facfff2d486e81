// Package analysis is the Background AI Analysis Worker (spec.md §4.7): a
// job-queue polling state machine that truncates a conversation's message
// history under a token budget, calls an external analysis model, validates
// the structured response, and persists it with retry/back-off.
package analysis

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults per spec.md §4.7.
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultMaxConcurrent   = 3
	DefaultJobTimeout      = 5 * time.Minute
	DefaultMaxRetries      = 3
	DefaultRequestTimeout  = 60 * time.Second
	DefaultMaxPromptTokens = 855_000
	DefaultHeadMessages    = 5
	DefaultTailMessages    = 20
)

// Config is the Analysis Worker's own slice of spec.md §6's environment
// variables.
type Config struct {
	Enabled           bool
	PollInterval      time.Duration
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	MaxRetries        int
	RequestTimeout    time.Duration
	MaxPromptTokens   int
	HeadMessages      int
	TailMessages      int
	DashboardAPIKey   string
	AnalysisModelURL  string
	AnalysisAPIKey    string
}

// ReadOnly reports whether the analysis API must reject mutating requests
// (spec.md §6: "absence [of DASHBOARD_API_KEY] ⇒ read-only mode").
func (c Config) ReadOnly() bool {
	return c.DashboardAPIKey == ""
}

// LoadConfigFromEnv loads the AI_WORKER_*/AI_ANALYSIS_*/AI_* variables,
// following the getEnvOrDefault/strconv idiom shared across this module's
// config loaders (pkg/database/config.go, pkg/proxy/config.go).
func LoadConfigFromEnv() (Config, error) {
	enabled, err := strconv.ParseBool(getEnvOrDefault("AI_WORKER_ENABLED", "true"))
	if err != nil {
		return Config{}, fmt.Errorf("analysis: invalid AI_WORKER_ENABLED: %w", err)
	}

	pollMs, err := strconv.Atoi(getEnvOrDefault("AI_WORKER_POLL_INTERVAL_MS", "5000"))
	if err != nil {
		return Config{}, fmt.Errorf("analysis: invalid AI_WORKER_POLL_INTERVAL_MS: %w", err)
	}
	maxConcurrent, err := strconv.Atoi(getEnvOrDefault("AI_WORKER_MAX_CONCURRENT_JOBS", strconv.Itoa(DefaultMaxConcurrent)))
	if err != nil {
		return Config{}, fmt.Errorf("analysis: invalid AI_WORKER_MAX_CONCURRENT_JOBS: %w", err)
	}
	jobTimeoutMinutes, err := strconv.Atoi(getEnvOrDefault("AI_WORKER_JOB_TIMEOUT_MINUTES", "5"))
	if err != nil {
		return Config{}, fmt.Errorf("analysis: invalid AI_WORKER_JOB_TIMEOUT_MINUTES: %w", err)
	}
	maxRetries, err := strconv.Atoi(getEnvOrDefault("AI_ANALYSIS_MAX_RETRIES", strconv.Itoa(DefaultMaxRetries)))
	if err != nil {
		return Config{}, fmt.Errorf("analysis: invalid AI_ANALYSIS_MAX_RETRIES: %w", err)
	}
	requestTimeoutMs, err := strconv.Atoi(getEnvOrDefault("AI_ANALYSIS_GEMINI_REQUEST_TIMEOUT_MS", "60000"))
	if err != nil {
		return Config{}, fmt.Errorf("analysis: invalid AI_ANALYSIS_GEMINI_REQUEST_TIMEOUT_MS: %w", err)
	}
	maxPromptTokens, err := strconv.Atoi(getEnvOrDefault("AI_MAX_PROMPT_TOKENS", strconv.Itoa(DefaultMaxPromptTokens)))
	if err != nil {
		return Config{}, fmt.Errorf("analysis: invalid AI_MAX_PROMPT_TOKENS: %w", err)
	}
	headMessages, err := strconv.Atoi(getEnvOrDefault("AI_HEAD_MESSAGES", strconv.Itoa(DefaultHeadMessages)))
	if err != nil {
		return Config{}, fmt.Errorf("analysis: invalid AI_HEAD_MESSAGES: %w", err)
	}
	tailMessages, err := strconv.Atoi(getEnvOrDefault("AI_TAIL_MESSAGES", strconv.Itoa(DefaultTailMessages)))
	if err != nil {
		return Config{}, fmt.Errorf("analysis: invalid AI_TAIL_MESSAGES: %w", err)
	}

	return Config{
		Enabled:           enabled,
		PollInterval:      time.Duration(pollMs) * time.Millisecond,
		MaxConcurrentJobs: maxConcurrent,
		JobTimeout:        time.Duration(jobTimeoutMinutes) * time.Minute,
		MaxRetries:        maxRetries,
		RequestTimeout:    time.Duration(requestTimeoutMs) * time.Millisecond,
		MaxPromptTokens:   maxPromptTokens,
		HeadMessages:      headMessages,
		TailMessages:      tailMessages,
		DashboardAPIKey:   os.Getenv("DASHBOARD_API_KEY"),
		AnalysisModelURL:  os.Getenv("AI_ANALYSIS_MODEL_URL"),
		AnalysisAPIKey:    os.Getenv("AI_ANALYSIS_MODEL_API_KEY"),
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
