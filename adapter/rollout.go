package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nevindra/tab"
)

// journalRootEnv names the descriptor env var holding the journal root
// for rollout-transport agents (codex-style CLIs).
const journalRootEnv = "CODEX_HOME"

// Rollout drives agent CLIs that write their output to an append-only
// JSONL rollout file under a journal root instead of streaming it on
// stdout. Submit runs the child to completion, then locates and parses
// the rollout file the child produced.
type Rollout struct {
	desc tab.AgentDescriptor
	cfg  config
}

var _ tab.Adapter = (*Rollout)(nil)

// NewRollout creates the adapter for one descriptor. The journal root
// comes from WithJournalRoot or the descriptor's CODEX_HOME env var.
func NewRollout(desc tab.AgentDescriptor, opts ...Option) *Rollout {
	cfg := defaultConfig()
	cfg.timeout = 180 * time.Second
	if desc.Timeout > 0 {
		cfg.timeout = desc.Timeout
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(discardHandler{})
	}
	if cfg.journalRoot == "" {
		cfg.journalRoot = desc.Env[journalRootEnv]
	}
	return &Rollout{desc: desc, cfg: cfg}
}

// AgentID implements tab.Adapter.
func (a *Rollout) AgentID() string { return a.desc.AgentID }

// HealthCheck verifies the binary resolves, answers --version, and the
// journal root exists.
func (a *Rollout) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath(a.desc.Command); err != nil {
		return &tab.Failure{Outcome: tab.OutcomePermanent, Reason: "binary not found", Err: err}
	}
	if a.cfg.journalRoot == "" {
		return &tab.Failure{Outcome: tab.OutcomePermanent, Reason: "journal root not configured"}
	}
	cmd := exec.CommandContext(ctx, a.desc.Command, "--version")
	cmd.Env = buildEnv(a.cfg.envAllowlist, a.desc.Env)
	if err := cmd.Run(); err != nil {
		return &tab.Failure{Outcome: tab.OutcomeTransient, Reason: "version probe failed", Err: err}
	}
	return nil
}

// Shutdown implements tab.Adapter.
func (a *Rollout) Shutdown(ctx context.Context) error { return nil }

// Submit runs one exchange. The child gets the prompt as its final
// argument; its reply is read back from the newest rollout file whose
// mtime postdates the spawn. No Delta events are produced on this
// transport.
func (a *Rollout) Submit(ctx context.Context, req tab.Request) (<-chan tab.Event, error) {
	args := append([]string(nil), a.desc.Args...)
	if req.Resume != "" {
		args = append(args, "resume", req.Resume)
	}
	args = append(args, buildPrompt(req))

	env := make(map[string]string, len(a.desc.Env)+1)
	for k, v := range a.desc.Env {
		env[k] = v
	}
	env[journalRootEnv] = a.cfg.journalRoot

	ctx, cancel := context.WithTimeout(ctx, a.cfg.timeout)
	cmd := exec.CommandContext(ctx, a.desc.Command, args...)
	cmd.Dir = a.desc.WorkDir
	cmd.Env = buildEnv(a.cfg.envAllowlist, env)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = a.cfg.grace

	var stderr strings.Builder
	cmd.Stderr = &stderr

	spawned := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, startFailure(err)
	}
	a.cfg.logger.Debug("child started", "agent", a.desc.AgentID, "pid", cmd.Process.Pid)

	events := make(chan tab.Event, 1)
	go func() {
		defer close(events)
		defer cancel()

		if err := cmd.Wait(); err != nil {
			events <- tab.Event{Failure: classify(ctx, err, stderr.String())}
			return
		}
		path, err := a.findRollout(spawned)
		if err != nil {
			events <- tab.Event{Failure: &tab.Failure{Outcome: tab.OutcomeTransient, Reason: "rollout file not found", Err: err}}
			return
		}
		result, err := a.parseRollout(path)
		if err != nil {
			events <- tab.Event{Failure: &tab.Failure{Outcome: tab.OutcomeTransient, Reason: "rollout parse failed", Err: err}}
			return
		}
		result.Duration = time.Since(spawned)
		events <- tab.Event{Result: result}
	}()
	return events, nil
}

// findRollout locates the rollout file the child just wrote: the file
// under <root>/sessions/**/rollout-*.jsonl with the greatest mtime at or
// after the spawn time. Equal mtimes break ties by lexicographically
// greatest filename.
func (a *Rollout) findRollout(since time.Time) (string, error) {
	root := filepath.Join(a.cfg.journalRoot, "sessions")
	var (
		best      string
		bestMtime time.Time
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "rollout-") || !strings.HasSuffix(name, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mtime := info.ModTime()
		if mtime.Before(since.Truncate(time.Second)) {
			return nil
		}
		if mtime.After(bestMtime) || (mtime.Equal(bestMtime) && path > best) {
			best, bestMtime = path, mtime
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best == "" {
		return "", fmt.Errorf("no rollout newer than %s under %s", since.Format(time.RFC3339), root)
	}
	return best, nil
}

// rolloutEntry is one line of a rollout file. Only the fields the
// transport reads are declared.
type rolloutEntry struct {
	Type    string         `json:"type"`
	Payload rolloutPayload `json:"payload"`
}

type rolloutPayload struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []rolloutBlock `json:"content,omitempty"`
	Info    rolloutUsage   `json:"info,omitempty"`
}

type rolloutBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type rolloutUsage struct {
	TotalTokenUsage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"total_token_usage"`
}

// parseRollout reads the rollout file and assembles the Result: the last
// assistant message is the reply, token counts (when present) price the
// turn, and the session meta id becomes the resume token. Files without
// token counts yield zero cost marked estimated.
func (a *Rollout) parseRollout(path string) (*tab.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		content   string
		sessionID string
		tokens    int64
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), a.cfg.maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry rolloutEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // rollout files may carry lines we do not model
		}
		switch entry.Type {
		case "session_meta":
			if entry.Payload.ID != "" {
				sessionID = entry.Payload.ID
			}
		case "response_item":
			if entry.Payload.Type == "message" && entry.Payload.Role == "assistant" {
				var b strings.Builder
				for _, block := range entry.Payload.Content {
					if block.Text != "" {
						b.WriteString(block.Text)
					}
				}
				if b.Len() > 0 {
					content = b.String()
				}
			}
		case "event_msg":
			if entry.Payload.Type == "token_count" && entry.Payload.Info.TotalTokenUsage.TotalTokens > tokens {
				tokens = entry.Payload.Info.TotalTokenUsage.TotalTokens
			}
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("rollout line exceeds %d bytes", a.cfg.maxLineBytes)
		}
		return nil, err
	}
	if content == "" {
		return nil, fmt.Errorf("no assistant message in %s", filepath.Base(path))
	}

	result := &tab.Result{Content: content, Resume: sessionID}
	if tokens > 0 {
		result.Cost = float64(tokens) * a.cfg.tokenCost
	} else {
		result.CostEstimated = true
	}
	return result, nil
}
