package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertTranscript = `INSERT INTO call_transcripts
	(session_id, stream_sid, call_sid, language, detected_language, started_at, ended_at, turns)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO NOTHING`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore inserts into a pre-existing call_transcripts table with the
// turns column typed JSONB.
type PostgresStore struct {
	db    execer
	close func()
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, t Transcript) error {
	turns, err := json.Marshal(t.Turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}
	_, err = s.db.Exec(ctx, insertTranscript,
		t.SessionID, t.StreamID, t.CallID, t.Language, t.DetectedLanguage, t.StartedAt, t.EndedAt, string(turns))
	if err != nil {
		return fmt.Errorf("insert transcript %s: %w", t.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
