package tab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// AuditSink accepts records for the hash-chained journal. Append assigns
// the chain position (prev_hash, hash) and durably writes the record
// before returning. A sink error is fatal to the session.
type AuditSink interface {
	Append(ctx context.Context, rec AuditRecord) (AuditRecord, error)
}

// breakerState tracks consecutive failures for one agent. The breaker
// opens at the threshold and stays open for the cooldown; any success
// resets the count.
type breakerState struct {
	failures  int
	openUntil time.Time
}

// Orchestrator drives bounded dialogues between registered agents. One
// RunConversation call owns its session exclusively; the orchestrator
// itself may run many sessions concurrently, each on its own goroutine.
type Orchestrator struct {
	registry *Registry
	enforcer *Enforcer
	analyzer *Analyzer
	journal  AuditSink
	store    TurnStore
	tracer   Tracer
	metrics  Metrics
	logger   *slog.Logger

	maxRetries       int
	retryBaseDelay   time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	contextWindow    int

	breakerMu sync.Mutex
	breakers  map[string]*breakerState

	activeMu sync.RWMutex
	active   map[string]*Session
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTurnStore persists sessions and turns as the dialogue progresses.
// Without a store, state lives only in memory and the audit journal.
func WithTurnStore(s TurnStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}

// WithTracer sets the span sink (default: nop).
func WithTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMetrics sets the metrics sink (default: nop).
func WithMetrics(m Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the structured logger (default: discard).
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMaxRetries sets how many times a transient adapter failure is
// retried against the same agent before failover (default: 2).
func WithMaxRetries(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxRetries = n }
}

// WithRetryBaseDelay sets the initial backoff before the first retry
// (default: 500ms). Each subsequent delay doubles.
func WithRetryBaseDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.retryBaseDelay = d }
}

// WithCircuitBreaker sets the consecutive-failure threshold that opens an
// agent's breaker and the cooldown before it half-opens (defaults: 5, 60s).
func WithCircuitBreaker(threshold int, cooldown time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.breakerThreshold = threshold
		o.breakerCooldown = cooldown
	}
}

// WithContextWindow caps how many recent turns travel with each adapter
// request (default: 5).
func WithContextWindow(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.contextWindow = n }
}

// NewOrchestrator wires the engine together. Registry, enforcer, analyzer
// and journal are mandatory; everything else defaults to a nop.
func NewOrchestrator(reg *Registry, enf *Enforcer, an *Analyzer, journal AuditSink, opts ...OrchestratorOption) (*Orchestrator, error) {
	if reg == nil || enf == nil || an == nil || journal == nil {
		return nil, &ErrValidation{Field: "orchestrator", Reason: "registry, enforcer, analyzer and journal are required"}
	}
	o := &Orchestrator{
		registry:         reg,
		enforcer:         enf,
		analyzer:         an,
		journal:          journal,
		tracer:           NopTracer(),
		metrics:          NopMetrics(),
		logger:           nopLogger,
		maxRetries:       2,
		retryBaseDelay:   500 * time.Millisecond,
		breakerThreshold: 5,
		breakerCooldown:  60 * time.Second,
		contextWindow:    5,
		breakers:         make(map[string]*breakerState),
		active:           make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// turnError is the internal terminal-failure signal for one turn attempt
// after retries and failover are exhausted.
type turnError struct {
	agentID string
	failure *Failure
}

func (e *turnError) Error() string {
	return fmt.Sprintf("turn failed on %s: %v", e.agentID, e.failure)
}

// RunConversation executes a full bounded dialogue and returns the egress
// record. The returned error is non-nil only for invalid requests or
// invariant violations; operational failures terminate the session and
// are reported through the response's termination reason.
func (o *Orchestrator) RunConversation(ctx context.Context, req ConversationRequest) (*ConversationResponse, error) {
	for _, p := range req.Participants {
		if _, ok := o.registry.Lookup(p); !ok {
			return nil, &ErrValidation{Field: "participants", Reason: "unknown agent: " + p}
		}
	}
	session, err := NewSession(req)
	if err != nil {
		return nil, err
	}
	if _, ok := o.enforcer.Policy(session.PolicyID); !ok {
		return nil, &ErrValidation{Field: "policy_id", Reason: "unknown policy: " + req.PolicyID}
	}

	ctx, span := o.tracer.StartSpan(ctx, "conversation",
		StringAttr("session_id", session.ID),
		StringAttr("topic", session.Topic),
		IntAttr("max_turns", session.MaxTurns))
	defer span.End()

	started := NewAuditRecord(KindSessionStarted, session.ID)
	started.Action = "start"
	started.Outcome = AuditSuccess
	if _, err := o.journal.Append(ctx, started); err != nil {
		span.RecordError(err)
		return nil, &ErrJournal{Op: "append", Err: err}
	}
	if o.store != nil {
		if err := o.store.SaveSession(ctx, session); err != nil {
			o.logger.Warn("session persist failed", "session", session.ID, "error", err)
		}
	}

	o.activeMu.Lock()
	o.active[session.ID] = session
	o.activeMu.Unlock()
	defer func() {
		o.activeMu.Lock()
		delete(o.active, session.ID)
		o.activeMu.Unlock()
	}()

	resp := o.runLoop(ctx, session)
	span.AddEvent("terminated",
		StringAttr("reason", string(resp.TerminationReason)),
		IntAttr("turns", resp.TurnCount),
		Float64Attr("cost", resp.TotalCost))
	return resp, nil
}

// runLoop is the INIT -> POLICY_PRE -> ADAPTER_CALL -> POLICY_POST ->
// APPEND -> CONVERGE cycle. Every exit goes through terminate so the
// journal always carries a SESSION_TERMINATED record.
func (o *Orchestrator) runLoop(ctx context.Context, session *Session) *ConversationResponse {
	speaker := session.InitialSpeaker
	resumes := make(map[string]string, len(session.Participants))
	prompt := session.Topic

	for {
		if ctx.Err() != nil {
			return o.terminate(ctx, session, ReasonCancelled)
		}
		listener := o.nextSpeaker(session, speaker)

		// POLICY_PRE. Resource blocks end the session through terminate's
		// own records; only policy blocks are violations. A pre-admission
		// policy block is deterministic over session state, so retrying
		// the admission would deny forever; the session ends here.
		dec := o.enforcer.ValidateTurnRequest(ctx, session, speaker, listener, nil)
		o.metrics.CountPolicyDecision(ctx, string(dec.Verdict), dec.Reason)
		if dec.Verdict != VerdictAllow {
			reason := denialReason(dec.Reason)
			if reason == ReasonPolicyDenied {
				if jerr := o.auditBlocked(ctx, session, speaker, "admission", dec); jerr != nil {
					return o.terminate(ctx, session, ReasonJournalFailure)
				}
			}
			return o.terminate(ctx, session, reason)
		}
		admitted := NewAuditRecord(KindTurnAdmitted, session.ID)
		admitted.AgentID = speaker
		admitted.Action = "admit"
		admitted.Outcome = AuditSuccess
		if _, err := o.journal.Append(ctx, admitted); err != nil {
			return o.terminate(ctx, session, ReasonJournalFailure)
		}

		// ADAPTER_CALL with retry, failover and breaker.
		result, agentUsed, err := o.executeTurn(ctx, session, speaker, prompt, resumes)
		if err != nil {
			var te *turnError
			if errors.As(err, &te) && te.failure.Outcome == OutcomeCancelled {
				return o.terminate(ctx, session, ReasonCancelled)
			}
			return o.terminate(ctx, session, ReasonAdapterFailure)
		}
		if result.Resume != "" {
			resumes[agentUsed] = result.Resume
		}

		pol, _ := o.enforcer.Policy(session.PolicyID)
		turn := TurnMessage{
			ID:        NewID(),
			SessionID: session.ID,
			FromAgent: speaker,
			ToAgent:   listener,
			Role:      RoleAssistant,
			Content:   result.Content,
			Timestamp: time.Now().UTC(),
			Cost:      result.Cost,
			Duration:  result.Duration,
			Policy:    pol.Snapshot(),
		}

		// POLICY_POST: a blocked turn is discarded, never appended, and no
		// resource counter moves. The session stays active; the same speaker
		// re-attempts the turn after the convergence check, since the
		// produced content varies per attempt.
		dec = o.enforcer.ValidateTurnResult(session, turn)
		o.metrics.CountPolicyDecision(ctx, string(dec.Verdict), dec.Reason)
		if dec.Verdict != VerdictAllow {
			if jerr := o.auditBlocked(ctx, session, speaker, "turn_result", dec); jerr != nil {
				return o.terminate(ctx, session, ReasonJournalFailure)
			}
			report := o.analyzer.Evaluate(session)
			if report.Explicit || report.Repetitive || session.ShouldAutoComplete(report) {
				return o.terminate(ctx, session, convergenceReason(session, report))
			}
			continue
		}

		// APPEND
		if err := session.Append(turn); err != nil {
			o.logger.Error("append rejected", "session", session.ID, "error", err)
			return o.terminate(ctx, session, ReasonAdapterFailure)
		}
		emitted := NewAuditRecord(KindTurnEmitted, session.ID)
		emitted.AgentID = speaker
		emitted.Action = "emit"
		emitted.Outcome = AuditSuccess
		emitted.Usage = &ResourceUsage{
			Cost:       turn.Cost,
			DurationMS: turn.Duration.Milliseconds(),
			Turns:      session.CurrentTurn,
		}
		if _, err := o.journal.Append(ctx, emitted); err != nil {
			return o.terminate(ctx, session, ReasonJournalFailure)
		}
		if o.store != nil {
			if err := o.store.AppendTurn(ctx, turn); err != nil {
				o.logger.Warn("turn persist failed", "session", session.ID, "error", err)
			}
		}
		o.metrics.CountTurn(ctx, speaker, "ok")
		o.metrics.RecordTurnDuration(ctx, speaker, turn.Duration.Seconds())
		o.metrics.RecordTurnCost(ctx, speaker, turn.Cost)

		// CONVERGE. Explicit and repetition signals stop the dialogue
		// outright; exhaustion ends it through the resource checks below
		// so the last budgeted turn is never forfeited.
		report := o.analyzer.Evaluate(session)
		if report.Explicit || report.Repetitive || session.ShouldAutoComplete(report) {
			return o.terminate(ctx, session, convergenceReason(session, report))
		}
		if !session.CanAddTurn() {
			if session.TotalCost >= session.Budget {
				return o.terminate(ctx, session, ReasonBudgetExceeded)
			}
			return o.terminate(ctx, session, ReasonTurnLimit)
		}

		prompt = turn.Content
		speaker = listener
	}
}

// ActiveSessions returns the IDs of conversations currently running,
// sorted. Sessions leave the set as their RunConversation call returns.
func (o *Orchestrator) ActiveSessions() []string {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// nextSpeaker returns the participant after current in registration
// order. Two participants alternate strictly; more round-robin.
func (o *Orchestrator) nextSpeaker(s *Session, current string) string {
	for i, p := range s.Participants {
		if p == current {
			return s.Participants[(i+1)%len(s.Participants)]
		}
	}
	return s.Participants[0]
}

// executeTurn runs one adapter exchange with retries on the speaker and
// at most one failover to the descriptor's declared alternate. Returns
// the result and the agent that actually produced it.
func (o *Orchestrator) executeTurn(ctx context.Context, s *Session, speaker, prompt string, resumes map[string]string) (*Result, string, error) {
	desc, _ := o.registry.Lookup(speaker)
	result, err := o.attemptAgent(ctx, s, speaker, prompt, resumes[speaker])
	if err == nil {
		return result, speaker, nil
	}

	var te *turnError
	if errors.As(err, &te) && te.failure.Outcome == OutcomeCancelled {
		return nil, speaker, err
	}
	if desc.Failover == "" {
		return nil, speaker, err
	}
	if _, ok := o.registry.Adapter(desc.Failover); !ok {
		o.logger.Error("failover target not registered", "agent", speaker, "failover", desc.Failover)
		return nil, speaker, err
	}

	o.logger.Warn("failing over", "session", s.ID, "from", speaker, "to", desc.Failover)
	result, ferr := o.attemptAgent(ctx, s, desc.Failover, prompt, resumes[desc.Failover])
	if ferr != nil {
		return nil, speaker, err
	}
	return result, desc.Failover, nil
}

// attemptAgent calls one agent's adapter with transient retries and the
// circuit breaker. Failures are audited as ADAPTER_FAILURE per attempt.
func (o *Orchestrator) attemptAgent(ctx context.Context, s *Session, agentID, prompt, resume string) (*Result, error) {
	if !o.breakerAllow(agentID) {
		f := &Failure{Outcome: OutcomePermanent, Reason: "circuit breaker open"}
		o.auditFailure(ctx, s, agentID, f)
		return nil, &turnError{agentID: agentID, failure: f}
	}
	adapter, ok := o.registry.Adapter(agentID)
	if !ok {
		f := &Failure{Outcome: OutcomePermanent, Reason: "agent not registered"}
		return nil, &turnError{agentID: agentID, failure: f}
	}
	pol, _ := o.enforcer.Policy(s.PolicyID)
	req := Request{
		SessionID: s.ID,
		Prompt:    prompt,
		History:   o.historyWindow(s),
		Policy:    pol.Snapshot(),
		Resume:    resume,
	}

	var last *Failure
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		result, failure := o.submitOnce(ctx, adapter, req)
		if failure == nil {
			o.breakerSuccess(agentID)
			return result, nil
		}
		last = failure
		o.breakerFailure(agentID)
		o.auditFailure(ctx, s, agentID, failure)
		o.metrics.CountTurn(ctx, agentID, failure.Outcome.String())
		if failure.Outcome != OutcomeTransient {
			break
		}
		if attempt < o.maxRetries {
			o.logger.Warn("retrying transient failure",
				"session", s.ID,
				"agent", agentID,
				"attempt", attempt+1,
				"max_retries", o.maxRetries,
				"reason", failure.Reason)
			timer := time.NewTimer(o.retryBaseDelay * (1 << attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &turnError{agentID: agentID, failure: &Failure{Outcome: OutcomeCancelled, Reason: "context cancelled", Err: ctx.Err()}}
			case <-timer.C:
			}
		}
	}
	return nil, &turnError{agentID: agentID, failure: last}
}

// submitOnce performs a single Submit and drains the event stream to its
// terminal event. Deltas are surfaced as span events only.
func (o *Orchestrator) submitOnce(ctx context.Context, adapter Adapter, req Request) (*Result, *Failure) {
	ctx, span := o.tracer.StartSpan(ctx, "adapter.submit",
		StringAttr("agent_id", adapter.AgentID()),
		StringAttr("session_id", req.SessionID))
	defer span.End()

	events, err := adapter.Submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		var f *Failure
		if errors.As(err, &f) {
			return nil, f
		}
		return nil, &Failure{Outcome: OutcomeTransient, Reason: "submit failed", Err: err}
	}
	var deltas int
	for ev := range events {
		switch {
		case ev.Result != nil:
			span.AddEvent("result", IntAttr("deltas", deltas))
			return ev.Result, nil
		case ev.Failure != nil:
			span.RecordError(ev.Failure)
			return nil, ev.Failure
		default:
			deltas++
		}
	}
	// Stream closed without a terminal event. Adapter contract violation,
	// treated as transient.
	f := &Failure{Outcome: OutcomeTransient, Reason: "event stream closed without result"}
	span.RecordError(f)
	return nil, f
}

// historyWindow returns the last contextWindow turns oldest-first.
func (o *Orchestrator) historyWindow(s *Session) []ChatEntry {
	recent := s.Recent(o.contextWindow, "")
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent
}

// terminate freezes the session, writes the SESSION_TERMINATED record and
// builds the egress response. Journal failure during termination is logged
// and the stronger failure reason wins.
func (o *Orchestrator) terminate(ctx context.Context, session *Session, reason TerminationReason) *ConversationResponse {
	status := statusFor(reason, session.CurrentTurn)
	if session.Status == StatusActive {
		if err := session.TransitionTo(status, string(reason)); err != nil {
			o.logger.Error("terminal transition rejected", "session", session.ID, "error", err)
		}
	}

	// Convergence and budget terminations get their own record ahead of
	// SESSION_TERMINATED. Best effort; the terminated record is the one
	// that must land.
	if kind, ok := terminalKind(reason); ok {
		rec := NewAuditRecord(kind, session.ID)
		rec.Action = "terminate"
		rec.Outcome = AuditSuccess
		rec.Reason = string(reason)
		if _, err := o.journal.Append(ctx, rec); err != nil {
			o.logger.Error("termination detail record lost", "session", session.ID, "error", err)
		}
	}

	ended := NewAuditRecord(KindSessionEnded, session.ID)
	ended.Action = "terminate"
	ended.Outcome = AuditFailure
	if status == StatusCompleted {
		ended.Outcome = AuditSuccess
	}
	ended.Reason = string(reason)
	ended.Usage = &ResourceUsage{
		Cost:  session.TotalCost,
		Turns: session.CurrentTurn,
	}
	// Termination must be recorded even when the session is ending because
	// of a journal failure; at that point this write is best effort.
	if _, err := o.journal.Append(ctx, ended); err != nil {
		o.logger.Error("termination record lost", "session", session.ID, "error", err)
		if reason != ReasonJournalFailure {
			reason = ReasonJournalFailure
			session.Metadata["termination_reason"] = string(reason)
		}
	}
	if o.store != nil {
		if err := o.store.SaveSession(ctx, session); err != nil {
			o.logger.Warn("final session persist failed", "session", session.ID, "error", err)
		}
	}
	o.metrics.RecordSessionTotals(ctx, string(reason), session.CurrentTurn, session.TotalCost)
	o.logger.Info("session terminated",
		"session", session.ID,
		"status", session.Status,
		"reason", reason,
		"turns", session.CurrentTurn,
		"cost", session.TotalCost)

	return &ConversationResponse{
		SessionID:         session.ID,
		Status:            session.Status,
		TurnCount:         session.CurrentTurn,
		TotalCost:         session.TotalCost,
		Duration:          session.UpdatedAt.Sub(session.CreatedAt),
		TerminationReason: reason,
		History:           o.historyAll(session),
	}
}

func (o *Orchestrator) historyAll(s *Session) []ChatEntry {
	all := s.Recent(0, "")
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all
}

// auditBlocked writes the POLICY_VIOLATION record for a blocked verdict.
// The action names the admission point that blocked.
func (o *Orchestrator) auditBlocked(ctx context.Context, s *Session, agentID, action string, dec Decision) error {
	rec := NewAuditRecord(KindPolicyViolation, s.ID)
	rec.AgentID = agentID
	rec.Action = action
	rec.Outcome = AuditBlocked
	rec.Reason = dec.Reason
	_, err := o.journal.Append(ctx, rec)
	return err
}

// auditFailure writes the ADAPTER_FAILURE record. Best effort: a journal
// error here is logged, and the session ends through the normal path.
func (o *Orchestrator) auditFailure(ctx context.Context, s *Session, agentID string, f *Failure) {
	rec := NewAuditRecord(KindAdapterFailure, s.ID)
	rec.AgentID = agentID
	rec.Action = "submit"
	rec.Outcome = AuditFailure
	rec.Reason = f.Outcome.String() + ": " + f.Reason
	if _, err := o.journal.Append(ctx, rec); err != nil {
		o.logger.Error("adapter failure record lost", "session", s.ID, "error", err)
	}
}

// --- circuit breaker ---

func (o *Orchestrator) breakerAllow(agentID string) bool {
	o.breakerMu.Lock()
	defer o.breakerMu.Unlock()
	b, ok := o.breakers[agentID]
	if !ok {
		return true
	}
	if b.failures < o.breakerThreshold {
		return true
	}
	return time.Now().After(b.openUntil)
}

func (o *Orchestrator) breakerFailure(agentID string) {
	o.breakerMu.Lock()
	defer o.breakerMu.Unlock()
	b, ok := o.breakers[agentID]
	if !ok {
		b = &breakerState{}
		o.breakers[agentID] = b
	}
	b.failures++
	if b.failures >= o.breakerThreshold {
		b.openUntil = time.Now().Add(o.breakerCooldown)
		o.logger.Warn("circuit breaker opened", "agent", agentID, "failures", b.failures)
	}
}

func (o *Orchestrator) breakerSuccess(agentID string) {
	o.breakerMu.Lock()
	defer o.breakerMu.Unlock()
	if b, ok := o.breakers[agentID]; ok {
		b.failures = 0
		b.openUntil = time.Time{}
	}
}

// --- termination mapping ---

// statusFor maps a termination reason to the session's terminal status.
// Converged and exhausted dialogues complete; operational failures fail.
// A cancelled or expired dialogue completes when at least one turn
// succeeded and times out when none did; the termination reason keeps
// the two apart either way.
func statusFor(reason TerminationReason, turns int) SessionStatus {
	switch reason {
	case ReasonExplicitCompletion, ReasonConvergedRepetition, ReasonQualityDegradation,
		ReasonTurnLimit, ReasonBudgetExceeded:
		return StatusCompleted
	case ReasonCancelled:
		if turns > 0 {
			return StatusCompleted
		}
		return StatusTimeout
	default:
		return StatusFailed
	}
}

// denialReason maps a pre-admission block to the termination reason. The
// resource blocks are normal completions, not policy failures.
func denialReason(code string) TerminationReason {
	switch code {
	case ReasonTurnLimitReached:
		return ReasonTurnLimit
	case ReasonBudgetExhausted:
		return ReasonBudgetExceeded
	default:
		return ReasonPolicyDenied
	}
}

// terminalKind picks the detail record written ahead of
// SESSION_TERMINATED for convergence and budget terminations. Converged
// and budget-bounded sessions therefore close with two records, not one:
// chain audits should expect the CONVERGED or BUDGET_EXCEEDED entry
// immediately before SESSION_TERMINATED.
func terminalKind(reason TerminationReason) (AuditKind, bool) {
	switch reason {
	case ReasonExplicitCompletion, ReasonConvergedRepetition, ReasonQualityDegradation:
		return KindConverged, true
	case ReasonBudgetExceeded:
		return KindBudgetExceeded, true
	default:
		return "", false
	}
}

// convergenceReason maps the dominant convergence signal to the
// termination reason. Exhaustion splits on which budget actually ran out.
func convergenceReason(s *Session, rep ConvergenceReport) TerminationReason {
	switch rep.DominantSignal {
	case "explicit_completion":
		return ReasonExplicitCompletion
	case "repetitive_content":
		return ReasonConvergedRepetition
	case "quality_degradation":
		return ReasonQualityDegradation
	default:
		if s.TotalCost >= 0.95*s.Budget {
			return ReasonBudgetExceeded
		}
		return ReasonTurnLimit
	}
}
