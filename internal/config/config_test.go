package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Journal.Path != "tab-audit.jsonl" {
		t.Errorf("journal path = %q", cfg.Journal.Path)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "tab.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	o := cfg.Orchestrator
	if o.MaxRetries != 2 || o.RetryBaseDelay.Duration != 500*time.Millisecond ||
		o.BreakerThreshold != 5 || o.BreakerCooldown.Duration != 60*time.Second ||
		o.ContextWindow != 5 || o.ApprovalWait.Duration != 30*time.Second {
		t.Errorf("orchestrator = %+v", o)
	}
	if len(cfg.Policies) != 1 || cfg.Policies[0].ID != "default" {
		t.Errorf("policies = %+v", cfg.Policies)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tab.toml")
	data := `
[journal]
path = "/var/log/tab/audit.jsonl"

[store]
driver = "postgres"
postgres_url = "postgres://tab@localhost/tab"

[orchestrator]
max_retries = 4
retry_base_delay = "250ms"
breaker_cooldown = "2m"

[convergence]
similarity_threshold = 0.9
completion_phrases = ["ship it"]

[[policies]]
id = "strict"
name = "Strict"
permission_mode = "prompt"
max_execution = "90s"
disallowed_tools = ["rm-rf"]

[[agents]]
id = "claude"
command = "claude"
transport = "line_json_stdout"
timeout = "3m"
failover = "codex"

[[agents]]
id = "codex"
command = "codex"
transport = "rollout_journal"
env = { CODEX_HOME = "/srv/codex" }
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Journal.Path != "/var/log/tab/audit.jsonl" {
		t.Errorf("journal path = %q", cfg.Journal.Path)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.PostgresURL == "" {
		t.Errorf("store = %+v", cfg.Store)
	}
	o := cfg.Orchestrator
	if o.MaxRetries != 4 || o.RetryBaseDelay.Duration != 250*time.Millisecond || o.BreakerCooldown.Duration != 2*time.Minute {
		t.Errorf("orchestrator = %+v", o)
	}
	// File values merge over defaults; untouched fields keep theirs.
	if o.BreakerThreshold != 5 {
		t.Errorf("breaker threshold = %d", o.BreakerThreshold)
	}
	if cfg.Convergence.SimilarityThreshold != 0.9 || len(cfg.Convergence.CompletionPhrases) != 1 {
		t.Errorf("convergence = %+v", cfg.Convergence)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[0].Timeout.Duration != 3*time.Minute || cfg.Agents[0].Failover != "codex" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
	if cfg.Agents[1].Env["CODEX_HOME"] != "/srv/codex" {
		t.Errorf("agent env = %v", cfg.Agents[1].Env)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TAB_JOURNAL_PATH", "/tmp/override.jsonl")
	t.Setenv("TAB_STORE_DRIVER", "postgres")
	t.Setenv("TAB_POSTGRES_URL", "postgres://env@localhost/tab")
	t.Setenv("TAB_OBSERVER_ENABLED", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Journal.Path != "/tmp/override.jsonl" {
		t.Errorf("journal path = %q", cfg.Journal.Path)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.PostgresURL != "postgres://env@localhost/tab" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Journal.Path != "tab-audit.jsonl" {
		t.Errorf("journal path = %q", cfg.Journal.Path)
	}
}

func TestValidateRejections(t *testing.T) {
	agent := func(mutate func(*AgentConfig)) Config {
		cfg := Default()
		a := AgentConfig{ID: "claude", Command: "claude", Transport: "line_json_stdout"}
		mutate(&a)
		cfg.Agents = []AgentConfig{a}
		return cfg
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty journal path", func() Config { c := Default(); c.Journal.Path = ""; return c }()},
		{"unknown driver", func() Config { c := Default(); c.Store.Driver = "etcd"; return c }()},
		{"postgres without url", func() Config { c := Default(); c.Store.Driver = "postgres"; return c }()},
		{"agent without command", agent(func(a *AgentConfig) { a.Command = "" })},
		{"unknown transport", agent(func(a *AgentConfig) { a.Transport = "pigeon" })},
		{"self failover", agent(func(a *AgentConfig) { a.Failover = "claude" })},
		{"bad permission mode", func() Config {
			c := Default()
			c.Policies[0].PermissionMode = "maybe"
			return c
		}()},
		{"empty policy id", func() Config { c := Default(); c.Policies[0].ID = ""; return c }()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Error("want error")
			}
		})
	}

	dup := Default()
	dup.Agents = []AgentConfig{
		{ID: "claude", Command: "claude", Transport: "line_json_stdout"},
		{ID: "claude", Command: "claude", Transport: "line_json_stdout"},
	}
	if err := dup.Validate(); err == nil {
		t.Error("duplicate agent id accepted")
	}
}
