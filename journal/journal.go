// Package journal implements the append-only, hash-chained audit journal.
// Records are JSONL on disk; every record carries the SHA-256 of its
// predecessor so any mutation, insertion or deletion breaks verification
// from that position onward.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nevindra/tab"
)

// TamperError reports the first record at which chain verification failed.
type TamperError struct {
	Index  int // 0-based record position
	Reason string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("journal tampered at record %d: %s", e.Index, e.Reason)
}

// Writer appends hash-chained records to a single journal file. Appends
// are serialized by a mutex and fsynced before returning, so an
// acknowledged record survives a crash. One Writer owns its file.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	prevHash string
	count    int
	logger   *slog.Logger
}

var _ tab.AuditSink = (*Writer)(nil)

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// Open opens or creates the journal at path and recovers the chain tail
// from the existing records, so appends continue the chain across
// restarts.
func Open(path string, opts ...Option) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, &tab.ErrJournal{Op: "open", Err: err}
	}
	w := &Writer{f: f, prevHash: tab.GenesisHash}
	for _, o := range opts {
		o(w)
	}
	if w.logger == nil {
		w.logger = slog.New(discardHandler{})
	}
	if err := w.recoverTail(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// recoverTail scans the file and adopts the last record's hash as the
// chain head. An empty file starts at the genesis hash.
func (w *Writer) recoverTail() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return &tab.ErrJournal{Op: "seek", Err: err}
	}
	sc := bufio.NewScanner(w.f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec tab.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return &tab.ErrJournal{Op: "recover", Err: fmt.Errorf("record %d: %w", w.count, err)}
		}
		w.prevHash = rec.Hash
		w.count++
	}
	if err := sc.Err(); err != nil {
		return &tab.ErrJournal{Op: "recover", Err: err}
	}
	if w.count > 0 {
		w.logger.Info("journal chain recovered", "records", w.count)
	}
	return nil
}

// Append assigns the record its chain position, writes it, and fsyncs.
// The returned record carries the assigned PrevHash and Hash. On any
// error the chain head is not advanced and the caller must treat the
// session as failed.
func (w *Writer) Append(ctx context.Context, rec tab.AuditRecord) (tab.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return tab.AuditRecord{}, &tab.ErrJournal{Op: "append", Err: err}
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	rec.PrevHash = w.prevHash
	hash, err := tab.HashRecord(rec)
	if err != nil {
		return tab.AuditRecord{}, &tab.ErrJournal{Op: "hash", Err: err}
	}
	rec.Hash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return tab.AuditRecord{}, &tab.ErrJournal{Op: "marshal", Err: err}
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return tab.AuditRecord{}, &tab.ErrJournal{Op: "write", Err: err}
	}
	if err := w.f.Sync(); err != nil {
		return tab.AuditRecord{}, &tab.ErrJournal{Op: "sync", Err: err}
	}
	w.prevHash = hash
	w.count++
	return rec, nil
}

// Count returns the number of records written or recovered.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close closes the underlying file. The Writer is unusable afterwards.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Read loads every record from the journal at path, in order.
func Read(path string) ([]tab.AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &tab.ErrJournal{Op: "open", Err: err}
	}
	defer f.Close()

	var out []tab.AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec tab.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, &tab.ErrJournal{Op: "read", Err: fmt.Errorf("record %d: %w", len(out), err)}
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, &tab.ErrJournal{Op: "read", Err: err}
	}
	return out, nil
}

// Verify walks the whole journal and checks both the per-record hash and
// the prev_hash linkage. Returns the number of records verified; on
// tampering the error is a *TamperError naming the first bad position.
func Verify(path string) (int, error) {
	records, err := Read(path)
	if err != nil {
		return 0, err
	}
	prev := tab.GenesisHash
	for i, rec := range records {
		if rec.PrevHash != prev {
			return i, &TamperError{Index: i, Reason: "prev_hash does not match predecessor"}
		}
		want, err := tab.HashRecord(rec)
		if err != nil {
			return i, &tab.ErrJournal{Op: "verify", Err: err}
		}
		if rec.Hash != want {
			return i, &TamperError{Index: i, Reason: "record hash mismatch"}
		}
		prev = rec.Hash
	}
	return len(records), nil
}

// SessionRecords filters the journal down to one session's records, in
// order. Used to reconstruct a session's history from the audit trail.
func SessionRecords(path, sessionID string) ([]tab.AuditRecord, error) {
	records, err := Read(path)
	if err != nil {
		return nil, err
	}
	var out []tab.AuditRecord
	for _, rec := range records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SessionView is a session's state reconstructed purely from its audit
// records, independent of the turn store.
type SessionView struct {
	SessionID string    `json:"session_id"`
	Started   time.Time `json:"started"`
	Ended     time.Time `json:"ended,omitzero"`
	Outcome   string    `json:"outcome,omitempty"` // empty while the session is still running
	Reason    string    `json:"reason,omitempty"`
	Turns     int       `json:"turns"`
	Cost      float64   `json:"cost"`
	Failures  int       `json:"failures"`
	Blocked   int       `json:"blocked"`
}

// Replay folds one session's audit records into a SessionView. Returns
// an error when the journal holds no records for the session.
func Replay(path, sessionID string) (SessionView, error) {
	records, err := SessionRecords(path, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if len(records) == 0 {
		return SessionView{}, &tab.ErrJournal{Op: "replay", Err: fmt.Errorf("no records for session %s", sessionID)}
	}
	view := SessionView{SessionID: sessionID}
	for _, rec := range records {
		switch rec.Kind {
		case tab.KindSessionStarted:
			view.Started = rec.Timestamp
		case tab.KindTurnEmitted:
			view.Turns++
			if rec.Usage != nil {
				view.Cost += rec.Usage.Cost
			}
		case tab.KindAdapterFailure:
			view.Failures++
		case tab.KindPolicyViolation, tab.KindTurnRejected:
			view.Blocked++
		case tab.KindSessionEnded:
			view.Ended = rec.Timestamp
			view.Outcome = rec.Outcome
			view.Reason = rec.Reason
			// The terminated record's usage is authoritative.
			if rec.Usage != nil {
				view.Turns = rec.Usage.Turns
				view.Cost = rec.Usage.Cost
			}
		}
	}
	return view, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
