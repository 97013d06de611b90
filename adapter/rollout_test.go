package adapter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/tab"
)

// rolloutAgent wraps a shell script as a rollout-journal agent rooted at
// dir. The script sees the journal root as $CODEX_HOME.
func rolloutAgent(id, dir, script string) tab.AgentDescriptor {
	return tab.AgentDescriptor{
		AgentID:   id,
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		Env:       map[string]string{journalRootEnv: dir},
		Transport: tab.TransportRolloutJournal,
	}
}

const writeRolloutScript = `
mkdir -p "$CODEX_HOME/sessions/2026"
cat > "$CODEX_HOME/sessions/2026/rollout-001.jsonl" <<'EOF'
{"type":"session_meta","payload":{"id":"codex-sess-9"}}
{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"text","text":"draft reply"}]}}
{"type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":{"total_tokens":2000}}}}
{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"text","text":"the follow-up reply"}]}}
EOF
`

func TestRolloutParsesJournal(t *testing.T) {
	dir := t.TempDir()
	a := NewRollout(rolloutAgent("codex", dir, writeRolloutScript), WithTokenCost(0.00001))
	events, err := a.Submit(context.Background(), tab.Request{SessionID: "s1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, result, failure := drain(t, events)
	if failure != nil {
		t.Fatalf("failure: %v", failure)
	}
	// The last assistant message wins.
	if result.Content != "the follow-up reply" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Resume != "codex-sess-9" {
		t.Errorf("resume = %q", result.Resume)
	}
	if result.Cost < 0.0199 || result.Cost > 0.0201 {
		t.Errorf("cost = %f, want 0.02", result.Cost)
	}
	if result.CostEstimated {
		t.Error("token-priced cost must not be marked estimated")
	}
	if result.Duration <= 0 {
		t.Error("duration must be measured")
	}
}

func TestRolloutEstimatedCostWithoutTokens(t *testing.T) {
	dir := t.TempDir()
	script := `
mkdir -p "$CODEX_HOME/sessions/a"
cat > "$CODEX_HOME/sessions/a/rollout-a.jsonl" <<'EOF'
{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"text","text":"untokenized reply"}]}}
EOF
`
	a := NewRollout(rolloutAgent("codex", dir, script))
	events, err := a.Submit(context.Background(), tab.Request{SessionID: "s1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, result, failure := drain(t, events)
	if failure != nil {
		t.Fatalf("failure: %v", failure)
	}
	if result.Cost != 0 || !result.CostEstimated {
		t.Errorf("cost = %f, estimated = %v", result.Cost, result.CostEstimated)
	}
}

func TestRolloutResumeArgument(t *testing.T) {
	dir := t.TempDir()
	// $0/$1 are the resume verb and token Submit prepended.
	script := `
mkdir -p "$CODEX_HOME/sessions/a"
cat > "$CODEX_HOME/sessions/a/rollout-a.jsonl" <<EOF
{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"text","text":"args: $0 $1"}]}}
EOF
`
	a := NewRollout(rolloutAgent("codex", dir, script))
	events, err := a.Submit(context.Background(), tab.Request{SessionID: "s1", Prompt: "hi", Resume: "tok-3"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, result, failure := drain(t, events)
	if failure != nil {
		t.Fatalf("failure: %v", failure)
	}
	if result.Content != "args: resume tok-3" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestRolloutIgnoresStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "sessions", "old")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stalePath := filepath.Join(stale, "rollout-zzz.jsonl")
	staleLine := `{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"text","text":"stale reply"}]}}` + "\n"
	if err := os.WriteFile(stalePath, []byte(staleLine), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	a := NewRollout(rolloutAgent("codex", dir, writeRolloutScript))
	events, err := a.Submit(context.Background(), tab.Request{SessionID: "s1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, result, failure := drain(t, events)
	if failure != nil {
		t.Fatalf("failure: %v", failure)
	}
	if result.Content != "the follow-up reply" {
		t.Errorf("picked stale rollout: %q", result.Content)
	}
}

func TestRolloutMissingJournalFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	a := NewRollout(rolloutAgent("codex", dir, `true`))
	events, err := a.Submit(context.Background(), tab.Request{SessionID: "s1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, _, failure := drain(t, events)
	if failure == nil || failure.Outcome != tab.OutcomeTransient {
		t.Fatalf("failure = %+v", failure)
	}
	if !strings.Contains(failure.Reason, "rollout file not found") {
		t.Errorf("reason = %q", failure.Reason)
	}
}

func TestRolloutWithoutAssistantMessage(t *testing.T) {
	dir := t.TempDir()
	script := `
mkdir -p "$CODEX_HOME/sessions/a"
cat > "$CODEX_HOME/sessions/a/rollout-a.jsonl" <<'EOF'
{"type":"session_meta","payload":{"id":"codex-sess-9"}}
EOF
`
	a := NewRollout(rolloutAgent("codex", dir, script))
	events, err := a.Submit(context.Background(), tab.Request{SessionID: "s1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, _, failure := drain(t, events)
	if failure == nil || !strings.Contains(failure.Reason, "rollout parse failed") {
		t.Fatalf("failure = %+v", failure)
	}
}

func TestRolloutHealthCheckNeedsJournalRoot(t *testing.T) {
	desc := tab.AgentDescriptor{
		AgentID:   "codex",
		Command:   "true",
		Transport: tab.TransportRolloutJournal,
	}
	a := NewRollout(desc)
	var failure *tab.Failure
	if err := a.HealthCheck(context.Background()); !errors.As(err, &failure) || failure.Outcome != tab.OutcomePermanent {
		t.Errorf("missing journal root: %v", err)
	}
	if !strings.Contains(failure.Reason, "journal root") {
		t.Errorf("reason = %q", failure.Reason)
	}
}
