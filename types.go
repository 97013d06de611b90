package tab

import "time"

// --- Turn messages ---

// MessageRole identifies the author role of a turn within a session.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Attachment is an opaque file reference carried by a turn. Content is never
// embedded; only the name, type, size and an optional digest travel with the
// message so policy checks stay cheap.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Digest      string `json:"digest,omitempty"`
}

// PolicySnapshot records which allow/deny sets were in effect when a turn
// was produced. Turns carry the snapshot by value, never a pointer to a
// mutable Policy.
type PolicySnapshot struct {
	PolicyID        string   `json:"policy_id"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
}

// TurnMessage is one speaker-to-listener exchange: a single adapter
// invocation and a single immutable record in the session history.
type TurnMessage struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	FromAgent   string         `json:"from_agent"`
	ToAgent     string         `json:"to_agent"`
	Role        MessageRole    `json:"role"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Cost        float64        `json:"cost"`
	Duration    time.Duration  `json:"duration"`
	Policy      PolicySnapshot `json:"policy"`
}

// ChatEntry is the normalized chat-shape projection of a turn, used to
// pre-filter conversation context for adapter requests and for egress.
type ChatEntry struct {
	Role        MessageRole  `json:"role"`
	Content     string       `json:"content"`
	FromAgent   string       `json:"from_agent"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// --- Policies ---

// PermissionMode resolves how pre-admission verdicts are produced.
type PermissionMode string

const (
	PermissionAuto   PermissionMode = "auto"   // allow without asking
	PermissionPrompt PermissionMode = "prompt" // defer to an approval callback
	PermissionDeny   PermissionMode = "deny"   // block everything
)

// ResourceLimits caps a single turn's execution.
type ResourceLimits struct {
	MaxExecution time.Duration `json:"max_execution"`
	MaxCost      float64       `json:"max_cost"`
	MaxMemoryMB  int           `json:"max_memory_mb"`
	MaxFileBytes int64         `json:"max_file_bytes"`
}

// FileRule is one ordered allow/deny path-prefix pattern. Rules are
// evaluated in order; the first matching prefix wins.
type FileRule struct {
	Prefix string `json:"prefix"`
	Allow  bool   `json:"allow"`
}

// NetworkRules declares whether and where spawned children may connect.
type NetworkRules struct {
	Allowed bool     `json:"allowed"`
	Hosts   []string `json:"hosts,omitempty"`
	Ports   []int    `json:"ports,omitempty"`
}

// SandboxConfig describes the isolation applied to a spawned child before
// execution begins. Construction of the sandbox itself is external; the
// core only carries the requested shape.
type SandboxConfig struct {
	DropCapabilities []string `json:"drop_capabilities,omitempty"`
	ReadOnlyPaths    []string `json:"read_only_paths,omitempty"`
	MaxPids          int      `json:"max_pids,omitempty"`
	MaxFiles         int      `json:"max_files,omitempty"`
}

// Policy is a named bundle of admission, resource, and isolation rules
// applied uniformly within a session.
type Policy struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	AllowedTools     []string       `json:"allowed_tools"`
	DisallowedTools  []string       `json:"disallowed_tools"`
	PermissionMode   PermissionMode `json:"permission_mode"`
	Limits           ResourceLimits `json:"limits"`
	FileRules        []FileRule     `json:"file_rules,omitempty"`
	Network          NetworkRules   `json:"network"`
	Sandbox          SandboxConfig  `json:"sandbox"`
	ApprovalRequired []string       `json:"approval_required,omitempty"`
}

// Snapshot returns the policy-constraints snapshot embedded in turns.
func (p Policy) Snapshot() PolicySnapshot {
	return PolicySnapshot{
		PolicyID:        p.ID,
		AllowedTools:    append([]string(nil), p.AllowedTools...),
		DisallowedTools: append([]string(nil), p.DisallowedTools...),
	}
}

// --- Agent descriptors ---

// Transport names the stream contract an agent CLI speaks.
type Transport string

const (
	// TransportLineJSON reads one JSON object per line from child stdout.
	TransportLineJSON Transport = "line_json_stdout"
	// TransportRolloutJournal tails the JSONL rollout file the child
	// appends under the journal root.
	TransportRolloutJournal Transport = "rollout_journal"
)

// AgentDescriptor declares how to spawn and talk to one external agent CLI.
// Kind is free-form metadata and is never used for dispatch; lookups go by
// AgentID through the registry.
type AgentDescriptor struct {
	AgentID      string            `json:"agent_id"`
	Kind         string            `json:"kind"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	WorkDir      string            `json:"work_dir,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Transport    Transport         `json:"transport"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	PolicyID     string            `json:"policy_id,omitempty"`
	// Failover names an alternate agent declared compatible for this
	// speaker role. At most one failover attempt is made per turn.
	Failover string `json:"failover,omitempty"`
}

// --- Conversation ingress/egress ---

// ConversationRequest is the ingress record handed to the orchestrator.
type ConversationRequest struct {
	Topic          string            `json:"topic"`
	Participants   []string          `json:"participants"`
	PolicyID       string            `json:"policy_id"`
	MaxTurns       int               `json:"max_turns"`
	Budget         float64           `json:"budget"`
	WorkDir        string            `json:"working_directory,omitempty"`
	InitialSpeaker string            `json:"initial_speaker,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TerminationReason distinguishes why a session stopped.
type TerminationReason string

const (
	ReasonExplicitCompletion  TerminationReason = "EXPLICIT_COMPLETION"
	ReasonConvergedRepetition TerminationReason = "CONVERGED_REPETITION"
	ReasonQualityDegradation  TerminationReason = "QUALITY_DEGRADATION"
	ReasonBudgetExceeded      TerminationReason = "BUDGET_EXCEEDED"
	ReasonTurnLimit           TerminationReason = "TURN_LIMIT"
	ReasonAdapterFailure      TerminationReason = "ADAPTER_FAILURE"
	ReasonPolicyDenied        TerminationReason = "POLICY_DENIED"
	ReasonCancelled           TerminationReason = "CANCELLED"
	ReasonJournalFailure      TerminationReason = "JOURNAL_FAILURE"
)

// ConversationResponse is the egress record returned to the caller.
type ConversationResponse struct {
	SessionID         string            `json:"session_id"`
	Status            SessionStatus     `json:"status"`
	TurnCount         int               `json:"turn_count"`
	TotalCost         float64           `json:"total_cost"`
	Duration          time.Duration     `json:"duration"`
	TerminationReason TerminationReason `json:"termination_reason"`
	Summary           string            `json:"summary,omitempty"`
	History           []ChatEntry       `json:"history,omitempty"`
}
