package tab

import (
	"bytes"
	"testing"
	"time"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	type shuffled struct {
		Zeta  string `json:"zeta"`
		Alpha string `json:"alpha"`
		Mid   int    `json:"mid"`
	}
	got, err := CanonicalJSON(shuffled{Zeta: "z", Alpha: "a", Mid: 1})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"alpha":"a","mid":1,"zeta":"z"}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestHashRecordIgnoresOwnHash(t *testing.T) {
	rec := NewAuditRecord(KindTurnEmitted, "sess-1")
	rec.AgentID = "alpha"
	rec.PrevHash = GenesisHash

	h1, err := HashRecord(rec)
	if err != nil {
		t.Fatalf("HashRecord: %v", err)
	}
	rec.Hash = h1
	h2, err := HashRecord(rec)
	if err != nil {
		t.Fatalf("HashRecord: %v", err)
	}
	if h1 != h2 {
		t.Error("hash must be independent of the stored Hash field")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestHashRecordSensitiveToContent(t *testing.T) {
	rec := NewAuditRecord(KindTurnEmitted, "sess-1")
	rec.PrevHash = GenesisHash
	h1, _ := HashRecord(rec)

	rec.Reason = "tampered"
	h2, _ := HashRecord(rec)
	if h1 == h2 {
		t.Error("content change must change the hash")
	}
}

func TestCanonicalJSONStable(t *testing.T) {
	rec := AuditRecord{
		ID:        "fixed",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Kind:      KindSessionStarted,
		SessionID: "sess-1",
		PrevHash:  GenesisHash,
	}
	a, err := CanonicalJSON(rec)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	b, err := CanonicalJSON(rec)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("canonical form must be byte-stable")
	}
}

func TestNewAuditRecordIdentity(t *testing.T) {
	r1 := NewAuditRecord(KindTurnAdmitted, "sess-1")
	r2 := NewAuditRecord(KindTurnAdmitted, "sess-1")
	if r1.ID == r2.ID {
		t.Error("records must get distinct ids")
	}
	if r1.Timestamp.IsZero() {
		t.Error("timestamp must be assigned")
	}
	if r1.Kind != KindTurnAdmitted || r1.SessionID != "sess-1" {
		t.Errorf("record = %+v", r1)
	}
}
