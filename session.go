package tab

import (
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a conversation session.
// Transitions out of StatusActive are one-way and terminal.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusTimeout   SessionStatus = "timeout"
)

// Terminal reports whether s is a terminal status.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

const (
	minTopicLen = 1
	maxTopicLen = 1000
	minTurns    = 1
	maxTurns    = 20
)

// Session is a bounded, monotonic sequence of turns between a fixed
// participant set on a single topic under a single policy. It is created
// and mutated only by the orchestrator; adapters never touch it. Once a
// terminal status is reached the session is frozen.
type Session struct {
	ID           string            `json:"id"`
	Participants []string          `json:"participants"`
	Topic        string            `json:"topic"`
	Status       SessionStatus     `json:"status"`
	CurrentTurn  int               `json:"current_turn"`
	MaxTurns     int               `json:"max_turns"`
	// InitialSpeaker is who opens the dialogue. Defaults to the first
	// participant.
	InitialSpeaker string `json:"initial_speaker"`
	TotalCost   float64           `json:"total_cost"`
	Budget      float64           `json:"budget"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	PolicyID    string            `json:"policy_id"`
	TurnHistory []TurnMessage     `json:"turn_history"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewSession validates a conversation request and returns a fresh active
// session. Validation failures surface as *ErrValidation without any state
// being created.
func NewSession(req ConversationRequest) (*Session, error) {
	if n := len(strings.TrimSpace(req.Topic)); n < minTopicLen || len(req.Topic) > maxTopicLen {
		return nil, &ErrValidation{Field: "topic", Reason: fmt.Sprintf("length must be %d-%d characters", minTopicLen, maxTopicLen)}
	}
	if len(req.Participants) < 2 {
		return nil, &ErrValidation{Field: "participants", Reason: "at least 2 participants required"}
	}
	seen := make(map[string]bool, len(req.Participants))
	for _, p := range req.Participants {
		if p == "" {
			return nil, &ErrValidation{Field: "participants", Reason: "empty agent id"}
		}
		if seen[p] {
			return nil, &ErrValidation{Field: "participants", Reason: "duplicate agent id: " + p}
		}
		seen[p] = true
	}
	if req.MaxTurns < minTurns || req.MaxTurns > maxTurns {
		return nil, &ErrValidation{Field: "max_turns", Reason: fmt.Sprintf("must be %d-%d", minTurns, maxTurns)}
	}
	if req.Budget <= 0 {
		return nil, &ErrValidation{Field: "budget", Reason: "must be positive"}
	}
	if req.InitialSpeaker != "" && !seen[req.InitialSpeaker] {
		return nil, &ErrValidation{Field: "initial_speaker", Reason: "not a participant: " + req.InitialSpeaker}
	}
	now := time.Now().UTC()
	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	speaker := req.InitialSpeaker
	if speaker == "" {
		speaker = req.Participants[0]
	}
	return &Session{
		ID:             NewID(),
		Participants:   append([]string(nil), req.Participants...),
		Topic:          req.Topic,
		Status:         StatusActive,
		MaxTurns:       req.MaxTurns,
		InitialSpeaker: speaker,
		Budget:         req.Budget,
		CreatedAt:      now,
		UpdatedAt:      now,
		PolicyID:       req.PolicyID,
		Metadata:       meta,
	}, nil
}

// CanAddTurn reports whether the session has headroom for another turn.
func (s *Session) CanAddTurn() bool {
	return s.Status == StatusActive &&
		s.CurrentTurn < s.MaxTurns &&
		s.TotalCost < s.Budget
}

// Append adds a turn to the history. It is the sole mutator of TurnHistory
// and is forbidden on terminal sessions. Cost accumulates into TotalCost;
// a single turn may overshoot the budget (the ε tolerance), the next
// pre-admission blocks.
func (s *Session) Append(t TurnMessage) error {
	if s.Status.Terminal() {
		return &ErrValidation{Field: "status", Reason: "cannot append to terminal session"}
	}
	if t.SessionID != s.ID {
		return &ErrValidation{Field: "session_id", Reason: "turn belongs to a different session"}
	}
	if t.FromAgent == t.ToAgent {
		return &ErrValidation{Field: "from_agent", Reason: "from_agent equals to_agent"}
	}
	if !s.hasParticipant(t.FromAgent) {
		return &ErrValidation{Field: "from_agent", Reason: "not a participant: " + t.FromAgent}
	}
	if strings.TrimSpace(t.Content) == "" {
		return &ErrValidation{Field: "content", Reason: "must not be empty"}
	}
	if t.Cost < 0 {
		return &ErrValidation{Field: "cost", Reason: "must be non-negative"}
	}
	if n := len(s.TurnHistory); n > 0 && t.Timestamp.Before(s.TurnHistory[n-1].Timestamp) {
		return &ErrValidation{Field: "timestamp", Reason: "turn timestamps must be monotonic"}
	}
	s.TurnHistory = append(s.TurnHistory, t)
	s.CurrentTurn = len(s.TurnHistory)
	s.TotalCost += t.Cost
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// TransitionTo moves the session to a terminal status. Only transitions
// out of StatusActive are legal; all terminal states are frozen.
func (s *Session) TransitionTo(status SessionStatus, reason string) error {
	if s.Status != StatusActive {
		return &ErrValidation{Field: "status", Reason: fmt.Sprintf("illegal transition %s -> %s", s.Status, status)}
	}
	if !status.Terminal() {
		return &ErrValidation{Field: "status", Reason: "transition target must be terminal"}
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	if reason != "" {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, 1)
		}
		s.Metadata["termination_reason"] = reason
	}
	return nil
}

func (s *Session) hasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Recent returns up to limit turns newest-first in chat shape, optionally
// filtered to a single from_agent. limit <= 0 returns everything.
func (s *Session) Recent(limit int, agentFilter string) []ChatEntry {
	var out []ChatEntry
	for i := len(s.TurnHistory) - 1; i >= 0; i-- {
		t := s.TurnHistory[i]
		if agentFilter != "" && t.FromAgent != agentFilter {
			continue
		}
		out = append(out, ChatEntry{
			Role:        t.Role,
			Content:     t.Content,
			FromAgent:   t.FromAgent,
			Timestamp:   t.Timestamp,
			Attachments: t.Attachments,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// SummaryStats aggregates turn counts, cost, and content shape.
type SummaryStats struct {
	TotalTurns       int            `json:"total_turns"`
	TotalCost        float64        `json:"total_cost"`
	AvgContentLength float64        `json:"avg_content_length"`
	PerAgentTurns    map[string]int `json:"per_agent_turns"`
	Duration         time.Duration  `json:"duration"`
}

// SummaryStats returns aggregate statistics over the turn history.
func (s *Session) SummaryStats() SummaryStats {
	stats := SummaryStats{
		TotalTurns:    len(s.TurnHistory),
		TotalCost:     s.TotalCost,
		PerAgentTurns: make(map[string]int),
		Duration:      s.UpdatedAt.Sub(s.CreatedAt),
	}
	var contentLen int
	for _, t := range s.TurnHistory {
		stats.PerAgentTurns[t.FromAgent]++
		contentLen += len([]rune(t.Content))
	}
	if stats.TotalTurns > 0 {
		stats.AvgContentLength = float64(contentLen) / float64(stats.TotalTurns)
	}
	return stats
}

// Progress is a used/total pair for turn and budget reporting.
type Progress struct {
	Current float64 `json:"current"`
	Max     float64 `json:"max"`
}

// StatusReport is the operator-facing snapshot of a session.
type StatusReport struct {
	Status         SessionStatus `json:"status"`
	TurnProgress   Progress      `json:"turn_progress"`
	BudgetProgress Progress      `json:"budget_progress"`
	Indicators     []string      `json:"indicators,omitempty"`
	NextActions    []string      `json:"next_actions,omitempty"`
}

// StatusReport returns the current progress snapshot with indicator and
// next-action hints.
func (s *Session) StatusReport() StatusReport {
	r := StatusReport{
		Status:         s.Status,
		TurnProgress:   Progress{Current: float64(s.CurrentTurn), Max: float64(s.MaxTurns)},
		BudgetProgress: Progress{Current: s.TotalCost, Max: s.Budget},
	}
	switch {
	case s.Status.Terminal():
		r.Indicators = append(r.Indicators, "session "+string(s.Status))
		r.NextActions = append(r.NextActions, "inspect audit journal")
	case float64(s.CurrentTurn) >= 0.95*float64(s.MaxTurns):
		r.Indicators = append(r.Indicators, "turn budget nearly exhausted")
		r.NextActions = append(r.NextActions, "expect auto-completion")
	case s.TotalCost >= 0.95*s.Budget:
		r.Indicators = append(r.Indicators, "cost budget nearly exhausted")
		r.NextActions = append(r.NextActions, "expect auto-completion")
	default:
		r.Indicators = append(r.Indicators, "session progressing")
		r.NextActions = append(r.NextActions, "await next turn")
	}
	return r
}

// ShouldAutoComplete decides whether the session should stop, given the
// latest convergence report. Pure function over the report and the
// session's resource state; never blocks.
//
// True iff any of: explicit completion with confidence >= 0.8; resource
// exhaustion (>= 95% of turn or cost budget used) with confidence >= 0.6;
// repetitive content with low progress and confidence >= 0.7.
func (s *Session) ShouldAutoComplete(rep ConvergenceReport) bool {
	if rep.Explicit && rep.Confidence >= 0.8 {
		return true
	}
	exhausted := float64(s.CurrentTurn) >= 0.95*float64(s.MaxTurns) ||
		s.TotalCost >= 0.95*s.Budget
	if exhausted && rep.Confidence >= 0.6 {
		return true
	}
	if rep.Repetitive && rep.Confidence >= 0.7 {
		return true
	}
	return false
}
