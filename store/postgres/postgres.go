// Package postgres implements tab.TurnStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/tab"
)

// Store implements tab.TurnStore backed by PostgreSQL. Suitable for
// deployments where several engine instances share one session history.
type Store struct {
	pool *pgxpool.Pool
}

var _ tab.TurnStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			topic TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			current_turn INTEGER NOT NULL,
			total_cost DOUBLE PRECISION NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			cost DOUBLE PRECISION NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// SaveSession upserts a session snapshot.
func (s *Store) SaveSession(ctx context.Context, session *tab.Session) error {
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO sessions
		(id, status, topic, policy_id, current_turn, total_cost, created_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_turn = EXCLUDED.current_turn,
			total_cost = EXCLUDED.total_cost,
			updated_at = EXCLUDED.updated_at,
			body = EXCLUDED.body`,
		session.ID, string(session.Status), session.Topic, session.PolicyID,
		session.CurrentTurn, session.TotalCost,
		session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(), body)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*tab.Session, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM sessions WHERE id = $1`, id).Scan(&body)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var session tab.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &session, nil
}

// ListSessions returns session IDs filtered by status, newest first.
func (s *Store) ListSessions(ctx context.Context, status tab.SessionStatus, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id FROM sessions ORDER BY updated_at DESC LIMIT $1`
	args := []any{limit}
	if status != "" {
		query = `SELECT id FROM sessions WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`
		args = []any{string(status), limit}
	}
	rows, err := s.pool.Query(ctx, query, args...)
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
	_, err = s.pool.Exec(ctx, `INSERT INTO turns
		(id, session_id, from_agent, to_agent, role, content, cost, duration_ms, created_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.SessionID, t.FromAgent, t.ToAgent, string(t.Role), t.Content,
		t.Cost, t.Duration.Milliseconds(), t.Timestamp.UnixMilli(), body)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// GetTurns returns a session's turns oldest first, up to limit.
func (s *Store) GetTurns(ctx context.Context, sessionID string, limit int) ([]tab.TurnMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM turns WHERE session_id = $1 ORDER BY created_at ASC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()

	var turns []tab.TurnMessage
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		var t tab.TurnMessage
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
