package tab

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Verdict is the outcome of a policy admission check.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictBlock           Verdict = "block"
	VerdictRequireApproval Verdict = "require_approval"
)

// Decision pairs a verdict with a machine-readable reason code.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Reason codes shared with the audit journal.
const (
	ReasonOK                  = "ok"
	ReasonSessionNotActive    = "session_not_active"
	ReasonTurnLimitReached    = "turn_limit_reached"
	ReasonBudgetExhausted     = "budget_exhausted"
	ReasonNotParticipant      = "not_participant"
	ReasonDisallowedTool      = "disallowed_tool"
	ReasonToolNotAllowed      = "tool_not_allowed"
	ReasonPermissionDeny      = "permission_mode_deny"
	ReasonApprovalUnavailable = "approval_unavailable"
	ReasonApprovalTimeout     = "approval_timeout"
	ReasonApprovalRejected    = "approval_rejected"
	ReasonAttachmentTooLarge  = "attachment_too_large"
	ReasonPathDenied          = "path_denied"
	ReasonOverBudget          = "over_budget"
	ReasonOverDuration        = "over_duration"
	ReasonUnknownPolicy       = "unknown_policy"
)

func allow() Decision { return Decision{Verdict: VerdictAllow, Reason: ReasonOK} }

func block(reason string) Decision { return Decision{Verdict: VerdictBlock, Reason: reason} }

// ApprovalRequest describes a deferred admission decision awaiting an
// external approver (PROMPT permission mode).
type ApprovalRequest struct {
	SessionID string
	FromAgent string
	ToAgent   string
	Tools     []string
	PolicyID  string
}

// ApprovalFunc decides a deferred admission. It must return promptly; the
// enforcer bounds the wait and maps a timeout to a block verdict.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) bool

// Enforcer applies a policy at the two admission points of every turn:
// pre-admission before the adapter is invoked, and post-validation over
// the produced turn. Verdicts are values; the orchestrator records
// POLICY_VIOLATION audit entries for blocks.
type Enforcer struct {
	policies     map[string]Policy
	approval     ApprovalFunc
	approvalWait time.Duration
	logger       *slog.Logger
}

// EnforcerOption configures an Enforcer.
type EnforcerOption func(*Enforcer)

// WithApproval installs the external approval callback used for PROMPT
// permission mode, with the bounded wait applied to each request.
// Without a callback, PROMPT-mode admissions block with reason
// approval_unavailable.
func WithApproval(fn ApprovalFunc, wait time.Duration) EnforcerOption {
	return func(e *Enforcer) {
		e.approval = fn
		if wait > 0 {
			e.approvalWait = wait
		}
	}
}

// WithEnforcerLogger sets the structured logger. Blocked admissions log
// at WARN with the reason code.
func WithEnforcerLogger(l *slog.Logger) EnforcerOption {
	return func(e *Enforcer) { e.logger = l }
}

// NewEnforcer creates an Enforcer over the given policy set.
func NewEnforcer(policies []Policy, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		policies:     make(map[string]Policy, len(policies)),
		approvalWait: 30 * time.Second,
		logger:       nopLogger,
	}
	for _, p := range policies {
		e.policies[p.ID] = p
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Policy returns the policy for id and whether it exists.
func (e *Enforcer) Policy(id string) (Policy, bool) {
	p, ok := e.policies[id]
	return p, ok
}

// ValidateTurnRequest is the pre-admission check for a planned turn.
// It is cheap (no I/O except a possible approval wait) and must complete
// within the orchestrator's pre-admission budget.
func (e *Enforcer) ValidateTurnRequest(ctx context.Context, s *Session, from, to string, toolsHint []string) Decision {
	if s.Status != StatusActive {
		return e.blocked(s, ReasonSessionNotActive)
	}
	if s.CurrentTurn >= s.MaxTurns {
		return e.blocked(s, ReasonTurnLimitReached)
	}
	if s.TotalCost >= s.Budget {
		return e.blocked(s, ReasonBudgetExhausted)
	}
	if !s.hasParticipant(from) {
		return e.blocked(s, ReasonNotParticipant)
	}
	pol, ok := e.policies[s.PolicyID]
	if !ok {
		return e.blocked(s, ReasonUnknownPolicy)
	}

	for _, tool := range toolsHint {
		if containsFold(pol.DisallowedTools, tool) {
			return e.blocked(s, ReasonDisallowedTool)
		}
		if len(pol.AllowedTools) > 0 && !containsFold(pol.AllowedTools, tool) {
			return e.blocked(s, ReasonToolNotAllowed)
		}
	}

	switch pol.PermissionMode {
	case PermissionDeny:
		return e.blocked(s, ReasonPermissionDeny)
	case PermissionPrompt:
		return e.awaitApproval(ctx, ApprovalRequest{
			SessionID: s.ID,
			FromAgent: from,
			ToAgent:   to,
			Tools:     toolsHint,
			PolicyID:  pol.ID,
		})
	default:
		return allow()
	}
}

// awaitApproval defers the verdict to the external approver with a
// bounded wait. Timeout and absence of an approver both map to block.
func (e *Enforcer) awaitApproval(ctx context.Context, req ApprovalRequest) Decision {
	if e.approval == nil {
		return block(ReasonApprovalUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, e.approvalWait)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- e.approval(ctx, req) }()

	select {
	case approved := <-done:
		if !approved {
			return block(ReasonApprovalRejected)
		}
		return allow()
	case <-ctx.Done():
		e.logger.Warn("approval wait expired", "session", req.SessionID, "agent", req.FromAgent)
		return block(ReasonApprovalTimeout)
	}
}

// ValidateTurnResult is the post-validation check over a produced turn:
// disallowed tool references in content, attachment size and path rules,
// budget including this turn's cost, and execution duration.
//
// The budget check tolerates exactly one overshooting turn: the produced
// turn is admitted if the session had headroom at pre-admission time, and
// the next pre-admission blocks.
func (e *Enforcer) ValidateTurnResult(s *Session, turn TurnMessage) Decision {
	pol, ok := e.policies[s.PolicyID]
	if !ok {
		return e.blocked(s, ReasonUnknownPolicy)
	}

	lower := strings.ToLower(turn.Content)
	for _, tool := range pol.DisallowedTools {
		if tool != "" && strings.Contains(lower, strings.ToLower(tool)) {
			return e.blocked(s, ReasonDisallowedTool)
		}
	}

	for _, att := range turn.Attachments {
		if pol.Limits.MaxFileBytes > 0 && att.Size > pol.Limits.MaxFileBytes {
			return e.blocked(s, ReasonAttachmentTooLarge)
		}
		if !pathAllowed(pol.FileRules, att.Name) {
			return e.blocked(s, ReasonPathDenied)
		}
	}

	// ε tolerance: the session must have had budget headroom before this
	// turn; the turn itself may overshoot once.
	if s.TotalCost >= s.Budget {
		return e.blocked(s, ReasonOverBudget)
	}
	if pol.Limits.MaxExecution > 0 && turn.Duration > pol.Limits.MaxExecution {
		return e.blocked(s, ReasonOverDuration)
	}
	return allow()
}

func (e *Enforcer) blocked(s *Session, reason string) Decision {
	e.logger.Warn("policy blocked", "session", s.ID, "policy", s.PolicyID, "reason", reason)
	return block(reason)
}

// pathAllowed walks the ordered prefix rules; first match wins. Paths
// matching no rule are allowed (rules narrow, they do not whitelist).
func pathAllowed(rules []FileRule, path string) bool {
	for _, r := range rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r.Allow
		}
	}
	return true
}

func containsFold(set []string, s string) bool {
	for _, v := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
