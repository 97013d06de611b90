package tab

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// AuditKind is the record type in the audit journal.
type AuditKind string

const (
	KindSessionStarted  AuditKind = "SESSION_STARTED"
	KindTurnAdmitted    AuditKind = "TURN_ADMITTED"
	KindTurnEmitted     AuditKind = "TURN_EMITTED"
	KindTurnRejected    AuditKind = "TURN_REJECTED"
	KindBudgetExceeded  AuditKind = "BUDGET_EXCEEDED"
	KindConverged       AuditKind = "CONVERGED"
	KindPolicyViolation AuditKind = "POLICY_VIOLATION"
	KindAdapterFailure  AuditKind = "ADAPTER_FAILURE"
	KindSessionEnded    AuditKind = "SESSION_TERMINATED"
)

// Audit outcomes.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
	AuditBlocked = "blocked"
)

// GenesisHash is the prev_hash of the first record in a journal.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ResourceUsage is the per-record accounting snapshot.
type ResourceUsage struct {
	Cost       float64 `json:"cost,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Turns      int     `json:"turns,omitempty"`
}

// AuditRecord is one hash-chained journal entry. Hash is computed over
// the canonical JSON of the record with the Hash field empty, so records
// verify independently of field ordering at write time.
type AuditRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Kind      AuditKind      `json:"kind"`
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Usage     *ResourceUsage `json:"resource_usage,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash,omitempty"`
}

// NewAuditRecord returns a record with identity and timestamp filled in.
// PrevHash and Hash are assigned by the journal writer.
func NewAuditRecord(kind AuditKind, sessionID string) AuditRecord {
	return AuditRecord{
		ID:        NewID(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		SessionID: sessionID,
	}
}

// CanonicalJSON serializes v with lexicographically sorted keys and no
// extra whitespace. The struct is round-tripped through a map because Go
// marshals map keys in sorted order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// HashRecord computes the SHA-256 hex digest of the record's canonical
// JSON with Hash cleared.
func HashRecord(rec AuditRecord) (string, error) {
	rec.Hash = ""
	b, err := CanonicalJSON(rec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
