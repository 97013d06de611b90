// Command tab runs a bounded dialogue between two registered agent CLIs
// and prints the transcript, or verifies an audit journal.
//
// Usage:
//
//	tab run -topic "Review the parser refactor" -agents reviewer,author
//	tab verify -journal tab-audit.jsonl
//	tab agents
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/tab"
	"github.com/nevindra/tab/adapter"
	"github.com/nevindra/tab/internal/config"
	"github.com/nevindra/tab/journal"
	"github.com/nevindra/tab/observer"
	"github.com/nevindra/tab/store/postgres"
	"github.com/nevindra/tab/store/sqlite"
)

// Exit codes follow sysexits: 64 usage, 69 unavailable, 70 internal.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitInternal    = 70
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "verify":
		return cmdVerify(args[1:])
	case "agents":
		return cmdAgents(args[1:])
	default:
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tab <run|verify|agents> [flags]")
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var (
		cfgPath  = fs.String("config", os.Getenv("TAB_CONFIG"), "config file path")
		topic    = fs.String("topic", "", "conversation topic (required)")
		agents   = fs.String("agents", "", "comma-separated participant agent ids (required)")
		policyID = fs.String("policy", "default", "policy id")
		maxTurns = fs.Int("max-turns", 8, "turn limit (1-20)")
		budget   = fs.Float64("budget", 1.0, "cost budget")
		speaker  = fs.String("initial-speaker", "", "who opens the dialogue")
		format   = fs.String("format", "markdown", "transcript format: markdown or html")
		timeout  = fs.Duration("timeout", 30*time.Minute, "overall conversation deadline")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *topic == "" || *agents == "" {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	tracer := tab.NopTracer()
	metrics := tab.NopMetrics()
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "observer:", err)
			return exitUnavailable
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = shutdown(sctx)
		}()
		tracer = observer.NewTracer()
		metrics = observer.NewMetrics(inst)
	}

	writer, err := journal.Open(cfg.Journal.Path, journal.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, "journal:", err)
		return exitUnavailable
	}
	defer writer.Close()

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store:", err)
		return exitUnavailable
	}
	defer cleanup()

	registry := tab.NewRegistry(
		tab.WithRegistryLogger(logger),
		tab.WithFactory(tab.TransportLineJSON, func(d tab.AgentDescriptor) (tab.Adapter, error) {
			return adapter.NewLineJSON(d, adapter.WithAdapterLogger(logger)), nil
		}),
		tab.WithFactory(tab.TransportRolloutJournal, func(d tab.AgentDescriptor) (tab.Adapter, error) {
			return adapter.NewRollout(d, adapter.WithAdapterLogger(logger)), nil
		}),
	)
	for _, a := range cfg.Agents {
		desc := tab.AgentDescriptor{
			AgentID:   a.ID,
			Kind:      a.Kind,
			Command:   a.Command,
			Args:      a.Args,
			WorkDir:   a.WorkDir,
			Env:       a.Env,
			Transport: tab.Transport(a.Transport),
			Timeout:   a.Timeout.Duration,
			Failover:  a.Failover,
		}
		if err := registry.Register(desc); err != nil {
			fmt.Fprintln(os.Stderr, "register:", err)
			return exitUsage
		}
	}
	defer registry.Shutdown(context.Background())

	if failed := registry.Probe(ctx, 10*time.Second); len(failed) > 0 {
		fmt.Fprintln(os.Stderr, "unhealthy agents:", strings.Join(failed, ", "))
		return exitUnavailable
	}

	enforcer := tab.NewEnforcer(buildPolicies(cfg),
		tab.WithEnforcerLogger(logger),
		tab.WithApproval(terminalApproval(os.Stdin, os.Stderr), cfg.Orchestrator.ApprovalWait.Duration))
	analyzer := tab.NewAnalyzer(tab.ConvergenceConfig{
		SimilarityThreshold: cfg.Convergence.SimilarityThreshold,
		CompletionPhrases:   cfg.Convergence.CompletionPhrases,
		ExhaustionFraction:  cfg.Convergence.ExhaustionFraction,
		DegradationRatio:    cfg.Convergence.DegradationRatio,
		ShingleSize:         cfg.Convergence.ShingleSize,
	})

	opts := []tab.OrchestratorOption{
		tab.WithLogger(logger),
		tab.WithTracer(tracer),
		tab.WithMetrics(metrics),
		tab.WithMaxRetries(cfg.Orchestrator.MaxRetries),
		tab.WithRetryBaseDelay(cfg.Orchestrator.RetryBaseDelay.Duration),
		tab.WithCircuitBreaker(cfg.Orchestrator.BreakerThreshold, cfg.Orchestrator.BreakerCooldown.Duration),
		tab.WithContextWindow(cfg.Orchestrator.ContextWindow),
	}
	if store != nil {
		opts = append(opts, tab.WithTurnStore(store))
	}
	orch, err := tab.NewOrchestrator(registry, enforcer, analyzer, writer, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		return exitInternal
	}

	resp, err := orch.RunConversation(ctx, tab.ConversationRequest{
		Topic:          *topic,
		Participants:   strings.Split(*agents, ","),
		PolicyID:       *policyID,
		MaxTurns:       *maxTurns,
		Budget:         *budget,
		InitialSpeaker: *speaker,
	})
	if err != nil {
		var verr *tab.ErrValidation
		if errors.As(err, &verr) {
			fmt.Fprintln(os.Stderr, "request:", err)
			return exitUsage
		}
		fmt.Fprintln(os.Stderr, "conversation:", err)
		return exitInternal
	}

	fmt.Fprintf(os.Stderr, "session %s: %s (%s), %d turns, cost %.4f\n",
		resp.SessionID, resp.Status, resp.TerminationReason, resp.TurnCount, resp.TotalCost)

	if store != nil {
		if s, err := store.GetSession(ctx, resp.SessionID); err == nil {
			out, err := tab.Transcript(s, tab.TranscriptFormat(*format))
			if err != nil {
				fmt.Fprintln(os.Stderr, "transcript:", err)
				return exitInternal
			}
			fmt.Print(out)
		}
	}
	return exitOK
}

func cmdVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	path := fs.String("journal", "tab-audit.jsonl", "journal file to verify")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	n, err := journal.Verify(*path)
	if err != nil {
		var tamper *journal.TamperError
		if errors.As(err, &tamper) {
			fmt.Fprintf(os.Stderr, "TAMPERED: %v\n", tamper)
			return exitInternal
		}
		fmt.Fprintln(os.Stderr, "verify:", err)
		return exitUnavailable
	}
	fmt.Printf("ok: %d records verified\n", n)
	return exitOK
}

func cmdAgents(args []string) int {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	cfgPath := fs.String("config", os.Getenv("TAB_CONFIG"), "config file path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}
	for _, a := range cfg.Agents {
		failover := "-"
		if a.Failover != "" {
			failover = a.Failover
		}
		fmt.Printf("%-20s %-16s %-20s failover=%s\n", a.ID, a.Transport, a.Command, failover)
	}
	return exitOK
}

// openStore builds the configured TurnStore, or nil when persistence is
// disabled. The cleanup func closes whatever was opened.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (tab.TurnStore, func(), error) {
	switch cfg.Store.Driver {
	case "":
		return nil, func() {}, nil
	case "sqlite":
		s := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		s := postgres.New(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, func() { pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildPolicies converts config policies to engine policies.
func buildPolicies(cfg config.Config) []tab.Policy {
	out := make([]tab.Policy, 0, len(cfg.Policies))
	for _, p := range cfg.Policies {
		mode := tab.PermissionMode(p.PermissionMode)
		if mode == "" {
			mode = tab.PermissionAuto
		}
		out = append(out, tab.Policy{
			ID:              p.ID,
			Name:            p.Name,
			AllowedTools:    p.AllowedTools,
			DisallowedTools: p.DisallowedTools,
			PermissionMode:  mode,
			Limits: tab.ResourceLimits{
				MaxExecution: p.MaxExecution.Duration,
				MaxCost:      p.MaxCost,
				MaxFileBytes: p.MaxFileBytes,
			},
		})
	}
	return out
}

// terminalApproval prompts the operator on stderr and reads y/n from
// stdin. Anything but an explicit "y" is a rejection.
func terminalApproval(in *os.File, out *os.File) tab.ApprovalFunc {
	return func(ctx context.Context, req tab.ApprovalRequest) bool {
		fmt.Fprintf(out, "approve turn by %s in session %s? [y/N] ", req.FromAgent, req.SessionID)
		answer := make(chan string, 1)
		go func() {
			var s string
			fmt.Fscanln(in, &s)
			answer <- s
		}()
		select {
		case s := <-answer:
			return strings.EqualFold(strings.TrimSpace(s), "y")
		case <-ctx.Done():
			return false
		}
	}
}
