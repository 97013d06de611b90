// Package adapter provides Adapter implementations for the two supported
// agent CLI transports: line-delimited JSON on stdout and rollout journal
// files.
package adapter

import (
	"log/slog"
	"os"
	"time"
)

// Option configures an adapter.
type Option func(*config)

type config struct {
	timeout      time.Duration // per-exchange deadline
	grace        time.Duration // SIGTERM to SIGKILL gap
	maxLineBytes int           // stdout line cap for line-JSON
	envAllowlist []string      // host env vars passed through
	logger       *slog.Logger

	// Rollout options.
	journalRoot string  // overrides the descriptor env's journal root
	tokenCost   float64 // cost per token when the journal reports counts
}

func defaultConfig() config {
	return config{
		timeout:      120 * time.Second,
		grace:        5 * time.Second,
		maxLineBytes: 1 << 20, // 1MB
		envAllowlist: []string{"PATH", "HOME", "LANG", "TERM"},
		tokenCost:    0.000005,
	}
}

// WithTimeout sets the per-exchange deadline. A child still running at
// the deadline gets SIGTERM, then SIGKILL after the grace period.
// Default: 120s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithGrace sets the SIGTERM-to-SIGKILL grace period. Default: 5s.
func WithGrace(d time.Duration) Option {
	return func(c *config) { c.grace = d }
}

// WithMaxLineBytes caps a single stdout line for the line-JSON transport.
// Longer lines fail the exchange. Default: 1MB.
func WithMaxLineBytes(n int) Option {
	return func(c *config) { c.maxLineBytes = n }
}

// WithEnvAllowlist replaces the set of host environment variables passed
// to children. Default: PATH, HOME, LANG, TERM.
func WithEnvAllowlist(names ...string) Option {
	return func(c *config) { c.envAllowlist = names }
}

// WithAdapterLogger sets the structured logger.
func WithAdapterLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithJournalRoot overrides where the rollout transport looks for journal
// files. Default: the descriptor's journal root env var.
func WithJournalRoot(dir string) Option {
	return func(c *config) { c.journalRoot = dir }
}

// WithTokenCost sets the cost attributed per token when the rollout
// journal reports token counts. Default: 0.000005.
func WithTokenCost(v float64) Option {
	return func(c *config) { c.tokenCost = v }
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// buildEnv constructs a child environment from the allowlist plus the
// descriptor's declared vars.
func buildEnv(allowlist []string, extra map[string]string) []string {
	env := make([]string, 0, len(allowlist)+len(extra))
	for _, name := range allowlist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
