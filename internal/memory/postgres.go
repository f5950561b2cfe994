package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/envo/internal/session"
)

// PostgresStore persists conversation history in PostgreSQL, one JSONB row
// per conversation key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_history (
			conversation_key TEXT PRIMARY KEY,
			turns JSONB NOT NULL DEFAULT '[]'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_history_updated ON conversation_history (updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, key string) ([]session.Turn, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT turns FROM conversation_history WHERE conversation_key=$1`,
		key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return []session.Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return decodeTurns(raw)
}

func (s *PostgresStore) Save(ctx context.Context, key string, turns []session.Turn) error {
	raw, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_history (conversation_key, turns, updated_at)
		 VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (conversation_key) DO UPDATE SET
			turns=EXCLUDED.turns,
			updated_at=EXCLUDED.updated_at`,
		key,
		string(raw),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversation_history WHERE conversation_key=$1`, key)
	if err != nil {
		return false, fmt.Errorf("delete history: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
