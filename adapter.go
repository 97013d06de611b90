package tab

import (
	"context"
	"time"
)

// Outcome classifies an adapter failure for the orchestrator's retry and
// failover logic.
type Outcome int

const (
	// OutcomeTransient failures (timeout, crash, malformed output) are
	// retried against the same adapter.
	OutcomeTransient Outcome = iota
	// OutcomePermanent failures (missing binary, rejected auth) skip the
	// retry loop and go straight to failover.
	OutcomePermanent
	// OutcomeCancelled means the caller's context was cancelled. Never
	// retried.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Failure is an adapter-side error with an outcome classification.
type Failure struct {
	Outcome Outcome
	Reason  string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return "adapter failure (" + f.Outcome.String() + "): " + f.Reason + ": " + f.Err.Error()
	}
	return "adapter failure (" + f.Outcome.String() + "): " + f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

// Request is the orchestrator-to-adapter unit of work: deliver the prompt
// with recent context and return the agent's reply as a Result.
type Request struct {
	SessionID string
	Prompt    string
	// History is recent context, oldest first. Adapters forward it in
	// whatever shape their agent understands.
	History []ChatEntry
	// Policy is the active snapshot; adapters translate it to process
	// flags where the agent supports them.
	Policy PolicySnapshot
	// Resume is an opaque continuation token from a prior Result on the
	// same session, or empty for the first exchange.
	Resume string
}

// Result is a completed exchange: the agent's full reply plus accounting.
type Result struct {
	Content  string
	Cost     float64
	Duration time.Duration
	// CostEstimated marks Cost as derived rather than reported by the
	// agent (rollout journals without token counts).
	CostEstimated bool
	// Resume is the continuation token for the next Request, if the
	// agent supports session resumption.
	Resume string
	// Raw is the agent's native result payload for the audit trail.
	Raw map[string]any
}

// Event is one element of an adapter's output stream. Exactly one of the
// fields is set: Delta for incremental output, Result for the terminal
// success, Failure for the terminal error.
type Event struct {
	Delta   string
	Result  *Result
	Failure *Failure
}

// Adapter drives one agent subprocess kind. Implementations are stateless
// across Submit calls except for continuation bookkeeping; all session
// state lives in the orchestrator.
//
// The channel returned by Submit is closed after the terminal event. A
// Submit whose context is cancelled must reap its subprocess before the
// terminal event is delivered.
type Adapter interface {
	// AgentID returns the registry identity this adapter serves.
	AgentID() string
	// HealthCheck verifies the agent binary is invocable. Cheap; called
	// before first dispatch and by the registry's probe loop.
	HealthCheck(ctx context.Context) error
	// Submit starts one exchange. The returned channel yields zero or
	// more Delta events then exactly one Result or Failure event.
	Submit(ctx context.Context, req Request) (<-chan Event, error)
	// Shutdown reaps any live subprocess and releases resources.
	Shutdown(ctx context.Context) error
}
