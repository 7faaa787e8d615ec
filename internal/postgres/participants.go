// Package postgres stores conversation membership and read state.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
)

// Schema creates the participants table.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id    TEXT        NOT NULL,
	user_id            TEXT        NOT NULL,
	role               TEXT        NOT NULL DEFAULT 'member',
	last_read_sequence BIGINT      NOT NULL DEFAULT 0,
	joined_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS conversation_participants_user_idx
	ON conversation_participants (user_id);
`

const (
	selectParticipants = `
SELECT conversation_id, user_id, role, last_read_sequence
FROM conversation_participants
WHERE conversation_id = $1
ORDER BY user_id`

	updateLastRead = `
UPDATE conversation_participants
SET last_read_sequence = GREATEST(last_read_sequence, $3)
WHERE conversation_id = $1 AND user_id = $2`

	selectIsParticipant = `
SELECT EXISTS (
	SELECT 1 FROM conversation_participants
	WHERE conversation_id = $1 AND user_id = $2
)`

	selectConversations = `
SELECT conversation_id
FROM conversation_participants
WHERE user_id = $1
ORDER BY conversation_id`

	insertParticipant = `
INSERT INTO conversation_participants (conversation_id, user_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (conversation_id, user_id) DO UPDATE SET role = EXCLUDED.role`
)

// ErrParticipantNotFound is returned when updating read state for a
// non-participant.
var ErrParticipantNotFound = errors.New("participant not found")

// Querier is the subset of pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds pool settings.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Connect opens and verifies a connection pool.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// ParticipantStore implements store.ParticipantStore on postgres.
type ParticipantStore struct {
	db Querier
}

// NewParticipantStore creates a participant store.
func NewParticipantStore(db Querier) *ParticipantStore {
	return &ParticipantStore{db: db}
}

// Migrate applies the schema.
func (s *ParticipantStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// AddParticipant adds userID to a conversation or updates their role.
func (s *ParticipantStore) AddParticipant(ctx context.Context, conversationID, userID string, role model.Role) error {
	if _, err := s.db.Exec(ctx, insertParticipant, conversationID, userID, string(role)); err != nil {
		return fmt.Errorf("adding participant: %w", err)
	}
	return nil
}

// ReadParticipants returns the participants of a conversation.
func (s *ParticipantStore) ReadParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	rows, err := s.db.Query(ctx, selectParticipants, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var (
			p        model.Participant
			role     string
			lastRead int64
		)
		if err := rows.Scan(&p.ConversationID, &p.UserID, &role, &lastRead); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		p.Role = model.Role(role)
		p.LastReadSequence = uint64(lastRead)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading participants: %w", err)
	}
	return out, nil
}

// UpdateLastRead raises last_read_sequence; it never moves backwards.
func (s *ParticipantStore) UpdateLastRead(ctx context.Context, conversationID, userID string, sequence uint64) error {
	tag, err := s.db.Exec(ctx, updateLastRead, conversationID, userID, int64(sequence))
	if err != nil {
		return fmt.Errorf("updating last read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *ParticipantStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, selectIsParticipant, conversationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return ok, nil
}

// ListConversations returns every conversation userID participates in.
func (s *ParticipantStore) ListConversations(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, selectConversations, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reading conversations: %w", err)
	}
	return ids, nil
}
