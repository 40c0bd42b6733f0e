//go:build integration_test

package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/store/pgstore"
)

func TestResultStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	s := pgstore.NewResultStore(pgstore.Config{DB: db})
	require.NoError(t, s.Migrate(ctx))

	r := &domain.SessionResult{
		SessionID:   uuid.NewString(),
		CompletedAt: time.Now().UTC().Truncate(time.Microsecond),
		TotalRounds: 2,
		Players: []domain.PlayerResult{
			{PlayerID: "p1", Username: "alice", Score: 300, Position: 1, CorrectAnswers: 2},
		},
	}
	require.NoError(t, s.AppendResult(ctx, r))
	require.NotEmpty(t, r.ID)

	err = s.AppendResult(ctx, &domain.SessionResult{SessionID: r.SessionID, CompletedAt: time.Now()})
	require.True(t, errors.Is(err, errors.CodeConflict), "got %v", err)

	got, err := s.GetResult(ctx, r.SessionID)
	require.NoError(t, err)
	require.Equal(t, r.Players, got.Players)
	require.True(t, r.CompletedAt.Equal(got.CompletedAt))

	_, err = s.GetResult(ctx, "missing")
	require.True(t, errors.Is(err, errors.CodeNotFound))
}
