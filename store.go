package tab

import "context"

// TurnStore persists sessions and their turn history. Implementations:
// store/sqlite for single-node deployments, store/postgres for shared ones.
type TurnStore interface {
	// --- Sessions ---
	SaveSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns session IDs filtered by status ("" for all),
	// newest first.
	ListSessions(ctx context.Context, status SessionStatus, limit int) ([]string, error)

	// --- Turns ---
	AppendTurn(ctx context.Context, t TurnMessage) error
	GetTurns(ctx context.Context, sessionID string, limit int) ([]TurnMessage, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
