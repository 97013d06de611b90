// Package sqlite implements tab.TurnStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/tab"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements tab.TurnStore backed by a local SQLite file. Sessions
// are stored as JSON blobs beside their indexed columns; turns get their
// own table so history reads do not deserialize whole sessions.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ tab.TurnStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			topic TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			current_turn INTEGER NOT NULL,
			total_cost REAL NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			cost REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// SaveSession inserts or replaces a session snapshot.
func (s *Store) SaveSession(ctx context.Context, session *tab.Session) error {
	start := time.Now()
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions
		(id, status, topic, policy_id, current_turn, total_cost, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, string(session.Status), session.Topic, session.PolicyID,
		session.CurrentTurn, session.TotalCost,
		session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(), string(body))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.logger.Debug("sqlite: session saved", "id", session.ID, "status", session.Status, "duration", time.Since(start))
	return nil
}

// GetSession loads a session by ID. Returns sql.ErrNoRows when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*tab.Session, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM sessions WHERE id = ?`, id).Scan(&body)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var session tab.Session
	if err := json.Unmarshal([]byte(body), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &session, nil
}

// ListSessions returns session IDs filtered by status, newest first.
func (s *Store) ListSessions(ctx context.Context, status tab.SessionStatus, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id FROM sessions ORDER BY updated_at DESC LIMIT ?`
	args := []any{limit}
	if status != "" {
		query = `SELECT id FROM sessions WHERE status = ? ORDER BY updated_at DESC LIMIT ?`
		args = []any{string(status), limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendTurn inserts a turn record.
func (s *Store) AppendTurn(ctx context.Context, t tab.TurnMessage) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO turns
		(id, session_id, from_agent, to_agent, role, content, cost, duration_ms, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.FromAgent, t.ToAgent, string(t.Role), t.Content,
		t.Cost, t.Duration.Milliseconds(), t.Timestamp.UnixMilli(), string(body))
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	s.logger.Debug("sqlite: turn appended", "id", t.ID, "session_id", t.SessionID)
	return nil
}

// GetTurns returns a session's turns oldest first, up to limit.
func (s *Store) GetTurns(ctx context.Context, sessionID string, limit int) ([]tab.TurnMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM turns WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()

	var turns []tab.TurnMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		var t tab.TurnMessage
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
