// Package pgstore keeps finished session results in PostgreSQL.
package pgstore

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

const codeUniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS session_results (
	id           UUID PRIMARY KEY,
	session_id   TEXT NOT NULL UNIQUE,
	completed_at TIMESTAMPTZ NOT NULL,
	total_rounds INT NOT NULL,
	players      JSONB NOT NULL
);`

type Config struct {
	DB *pgxpool.Pool
}

type ResultStore struct {
	db *pgxpool.Pool
}

func NewResultStore(c Config) *ResultStore {
	return &ResultStore{db: c.DB}
}

// Migrate creates the results table if it does not exist.
func (s *ResultStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create session_results: %w", err)
	}
	return nil
}

// AppendResult inserts a result. A second result for the same session fails with a conflict.
func (s *ResultStore) AppendResult(ctx context.Context, r *domain.SessionResult) error {
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate result ID: %w", err)
		}
		r.ID = id.String()
	}

	const stmt = `
INSERT INTO session_results (id, session_id, completed_at, total_rounds, players)
VALUES ($1, $2, $3, $4, $5);`

	_, err := s.db.Exec(ctx, stmt, r.ID, r.SessionID, r.CompletedAt, r.TotalRounds, r.Players)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeConflict,
			errors.WithMessagef("result already recorded: session=%s", r.SessionID),
			errors.WithCause(err),
		)
	}

	if err != nil {
		return errors.StoreFailure(err, "insert result: session=%s", r.SessionID)
	}

	return nil
}

func (s *ResultStore) GetResult(ctx context.Context, sessionID string) (*domain.SessionResult, error) {
	const stmt = `
SELECT id::text, session_id, completed_at, total_rounds, players
FROM session_results
WHERE session_id = $1;`

	var r domain.SessionResult
	err := s.db.QueryRow(ctx, stmt, sessionID).Scan(&r.ID, &r.SessionID, &r.CompletedAt, &r.TotalRounds, &r.Players)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("result not found: session=%s", sessionID)
	}
	if err != nil {
		return nil, errors.StoreFailure(err, "select result: session=%s", sessionID)
	}

	return &r, nil
}
