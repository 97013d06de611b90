package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Journal      JournalConfig      `toml:"journal"`
	Store        StoreConfig        `toml:"store"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Convergence  ConvergenceConfig  `toml:"convergence"`
	Observer     ObserverConfig     `toml:"observer"`
	Policies     []PolicyConfig     `toml:"policies"`
	Agents       []AgentConfig      `toml:"agents"`
}

type JournalConfig struct {
	Path string `toml:"path"`
}

type StoreConfig struct {
	// Driver: "sqlite", "postgres", or "" for no persistence.
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`         // sqlite file
	PostgresURL string `toml:"postgres_url"` // pgx connection string
}

type OrchestratorConfig struct {
	MaxRetries       int      `toml:"max_retries"`
	RetryBaseDelay   duration `toml:"retry_base_delay"`
	BreakerThreshold int      `toml:"breaker_threshold"`
	BreakerCooldown  duration `toml:"breaker_cooldown"`
	ContextWindow    int      `toml:"context_window"`
	ApprovalWait     duration `toml:"approval_wait"`
}

type ConvergenceConfig struct {
	SimilarityThreshold float64  `toml:"similarity_threshold"`
	CompletionPhrases   []string `toml:"completion_phrases"`
	ExhaustionFraction  float64  `toml:"exhaustion_fraction"`
	DegradationRatio    float64  `toml:"degradation_ratio"`
	ShingleSize         int      `toml:"shingle_size"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type PolicyConfig struct {
	ID              string   `toml:"id"`
	Name            string   `toml:"name"`
	AllowedTools    []string `toml:"allowed_tools"`
	DisallowedTools []string `toml:"disallowed_tools"`
	PermissionMode  string   `toml:"permission_mode"`
	MaxExecution    duration `toml:"max_execution"`
	MaxCost         float64  `toml:"max_cost"`
	MaxFileBytes    int64    `toml:"max_file_bytes"`
}

type AgentConfig struct {
	ID        string            `toml:"id"`
	Kind      string            `toml:"kind"`
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	WorkDir   string            `toml:"work_dir"`
	Env       map[string]string `toml:"env"`
	Transport string            `toml:"transport"`
	Timeout   duration          `toml:"timeout"`
	Failover  string            `toml:"failover"`
}

// duration unmarshals TOML strings like "30s" or "2m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Journal: JournalConfig{Path: "tab-audit.jsonl"},
		Store:   StoreConfig{Driver: "sqlite", Path: "tab.db"},
		Orchestrator: OrchestratorConfig{
			MaxRetries:       2,
			RetryBaseDelay:   duration{500 * time.Millisecond},
			BreakerThreshold: 5,
			BreakerCooldown:  duration{60 * time.Second},
			ContextWindow:    5,
			ApprovalWait:     duration{30 * time.Second},
		},
		Policies: []PolicyConfig{{
			ID:             "default",
			Name:           "Default",
			PermissionMode: "auto",
			MaxExecution:   duration{120 * time.Second},
		}},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "tab.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("TAB_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("TAB_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TAB_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TAB_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("TAB_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Journal.Path == "" {
		return fmt.Errorf("journal.path must be set")
	}
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver %q: must be sqlite, postgres, or empty", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresURL == "" {
		return fmt.Errorf("store.postgres_url must be set for the postgres driver")
	}
	ids := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" || a.Command == "" {
			return fmt.Errorf("agent %q: id and command must be set", a.ID)
		}
		if ids[a.ID] {
			return fmt.Errorf("agent %q: duplicate id", a.ID)
		}
		ids[a.ID] = true
		switch a.Transport {
		case "line_json_stdout", "rollout_journal":
		default:
			return fmt.Errorf("agent %q: unknown transport %q", a.ID, a.Transport)
		}
		if a.Failover != "" && a.Failover == a.ID {
			return fmt.Errorf("agent %q: failover cannot point at itself", a.ID)
		}
	}
	for _, p := range c.Policies {
		if p.ID == "" {
			return fmt.Errorf("policy with empty id")
		}
		switch p.PermissionMode {
		case "", "auto", "prompt", "deny":
		default:
			return fmt.Errorf("policy %q: unknown permission_mode %q", p.ID, p.PermissionMode)
		}
	}
	return nil
}
