package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nevindra/tab"
)

// LineJSON drives agent CLIs that stream one JSON object per line on
// stdout (claude-style). Each Submit spawns a fresh child; continuity
// across exchanges rides on the resume token the CLI reports in its
// result object.
type LineJSON struct {
	desc tab.AgentDescriptor
	cfg  config
}

var _ tab.Adapter = (*LineJSON)(nil)

// NewLineJSON creates the adapter for one descriptor.
func NewLineJSON(desc tab.AgentDescriptor, opts ...Option) *LineJSON {
	cfg := defaultConfig()
	if desc.Timeout > 0 {
		cfg.timeout = desc.Timeout
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(discardHandler{})
	}
	return &LineJSON{desc: desc, cfg: cfg}
}

// AgentID implements tab.Adapter.
func (a *LineJSON) AgentID() string { return a.desc.AgentID }

// HealthCheck verifies the binary resolves and answers --version.
func (a *LineJSON) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath(a.desc.Command); err != nil {
		return &tab.Failure{Outcome: tab.OutcomePermanent, Reason: "binary not found", Err: err}
	}
	cmd := exec.CommandContext(ctx, a.desc.Command, "--version")
	cmd.Env = buildEnv(a.cfg.envAllowlist, a.desc.Env)
	if err := cmd.Run(); err != nil {
		return &tab.Failure{Outcome: tab.OutcomeTransient, Reason: "version probe failed", Err: err}
	}
	return nil
}

// Shutdown implements tab.Adapter. Children are owned by their Submit
// contexts, so there is nothing to reap here.
func (a *LineJSON) Shutdown(ctx context.Context) error { return nil }

// Submit spawns the CLI and streams its line-JSON output. The returned
// channel yields Delta events for assistant text and exactly one terminal
// Result or Failure, then closes.
func (a *LineJSON) Submit(ctx context.Context, req tab.Request) (<-chan tab.Event, error) {
	args := append([]string(nil), a.desc.Args...)
	args = append(args, "--output-format", "stream-json", "--verbose")
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	if len(req.Policy.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.Policy.AllowedTools, ","))
	}
	if len(req.Policy.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(req.Policy.DisallowedTools, ","))
	}
	args = append(args, "-p", buildPrompt(req))

	ctx, cancel := context.WithTimeout(ctx, a.cfg.timeout)
	cmd := exec.CommandContext(ctx, a.desc.Command, args...)
	cmd.Dir = a.desc.WorkDir
	cmd.Env = buildEnv(a.cfg.envAllowlist, a.desc.Env)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = a.cfg.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &tab.Failure{Outcome: tab.OutcomeTransient, Reason: "stdout pipe", Err: err}
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, startFailure(err)
	}
	a.cfg.logger.Debug("child started", "agent", a.desc.AgentID, "pid", cmd.Process.Pid)

	events := make(chan tab.Event, 16)
	go func() {
		defer close(events)
		defer cancel()
		start := time.Now()

		result, perr := a.readStream(stdout, events)
		werr := cmd.Wait()

		switch {
		case perr != nil:
			events <- tab.Event{Failure: classify(ctx, perr, stderr.String())}
		case werr != nil:
			events <- tab.Event{Failure: classify(ctx, werr, stderr.String())}
		case result == nil:
			events <- tab.Event{Failure: &tab.Failure{Outcome: tab.OutcomeTransient, Reason: "stream ended without result object"}}
		default:
			if result.Duration == 0 {
				result.Duration = time.Since(start)
			}
			events <- tab.Event{Result: result}
		}
	}()
	return events, nil
}

// streamLine is the wire shape of one stdout line.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
}

// readStream parses lines until EOF, emitting deltas and returning the
// terminal result if one was seen. Non-JSON lines are logged and
// dropped; a single oversized line fails the exchange.
func (a *LineJSON) readStream(r io.Reader, events chan<- tab.Event) (*tab.Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), a.cfg.maxLineBytes)

	var result *tab.Result
	var assistant strings.Builder
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg streamLine
		if err := json.Unmarshal(line, &msg); err != nil {
			// Children interleave diagnostics with the protocol stream.
			a.cfg.logger.Debug("dropping non-JSON line", "agent", a.desc.AgentID, "line", truncate(string(line), 128))
			continue
		}
		switch msg.Type {
		case "assistant":
			for _, block := range msg.Message.Content {
				if block.Type == "text" && block.Text != "" {
					assistant.WriteString(block.Text)
					events <- tab.Event{Delta: block.Text}
				}
			}
		case "result":
			if msg.IsError || msg.Subtype == "error" {
				return nil, fmt.Errorf("agent reported error result: %s", msg.Result)
			}
			content := msg.Result
			if content == "" {
				content = assistant.String()
			}
			raw := make(map[string]any)
			_ = json.Unmarshal(line, &raw)
			result = &tab.Result{
				Content:  content,
				Cost:     msg.TotalCostUSD,
				Duration: time.Duration(msg.DurationMS) * time.Millisecond,
				Resume:   msg.SessionID,
				Raw:      raw,
			}
		}
		// system and user lines carry no content we need.
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("stdout line exceeds %d bytes", a.cfg.maxLineBytes)
		}
		return nil, err
	}
	return result, nil
}

// buildPrompt folds the recent history into a single prompt so a fresh
// child sees the conversation so far even without a resume token.
func buildPrompt(req tab.Request) string {
	if len(req.History) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, e := range req.History {
		fmt.Fprintf(&b, "[%s]: %s\n", e.FromAgent, e.Content)
	}
	b.WriteString("\nRespond to: ")
	b.WriteString(req.Prompt)
	return b.String()
}

// startFailure classifies a Start error. A missing binary is permanent;
// everything else is worth a retry.
func startFailure(err error) *tab.Failure {
	if errors.Is(err, exec.ErrNotFound) {
		return &tab.Failure{Outcome: tab.OutcomePermanent, Reason: "binary not found", Err: err}
	}
	return &tab.Failure{Outcome: tab.OutcomeTransient, Reason: "start failed", Err: err}
}

// classify maps an exchange error to an outcome. Parent-context
// cancellation is terminal; the per-exchange deadline and child crashes
// are transient.
func classify(ctx context.Context, err error, stderr string) *tab.Failure {
	reason := err.Error()
	if s := strings.TrimSpace(stderr); s != "" {
		if len(s) > 512 {
			s = s[:512]
		}
		reason = reason + ": " + s
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return &tab.Failure{Outcome: tab.OutcomeCancelled, Reason: "cancelled", Err: err}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &tab.Failure{Outcome: tab.OutcomeTransient, Reason: "exchange timed out", Err: err}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &tab.Failure{Outcome: tab.OutcomeTransient, Reason: fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), reason), Err: err}
	}
	return &tab.Failure{Outcome: tab.OutcomeTransient, Reason: reason, Err: err}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
