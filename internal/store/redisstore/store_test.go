package redisstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/store/redisstore"
)

func TestStore_Session(t *testing.T) {
	ctx := context.Background()
	s, _ := makeStore(t)

	now := time.Now().UTC()
	ss := &domain.Session{
		SessionID: "s1",
		AdminID:   "admin",
		Status:    domain.StatusWaiting,
		Players:   []domain.Player{},
		Rounds:    []domain.Round{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateSession(ctx, ss))

	err := s.CreateSession(ctx, ss)
	require.True(t, errors.Is(err, errors.CodeConflict), "creating an existing session should conflict: %v", err)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "admin", got.AdminID)
	require.True(t, now.Equal(got.UpdatedAt))

	updated, err := s.UpdateSession(ctx, "s1", func(ss *domain.Session) error {
		ss.Players = append(ss.Players, domain.Player{ID: "p1", Username: "alice"})
		return nil
	})
	require.NoError(t, err)
	require.Len(t, updated.Players, 1)

	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, updated.Players, got.Players)

	ids, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, ids)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.GetSession(ctx, "s1")
	require.True(t, errors.Is(err, errors.CodeNotFound))

	ids, err = s.ListSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestStore_UpdateSession(t *testing.T) {
	tests := map[string]struct {
		fn       func(ss *domain.Session) error
		id       string
		wantCode errors.Code
	}{
		"missing session should be not found": {
			id:       "missing",
			fn:       func(*domain.Session) error { return nil },
			wantCode: errors.CodeNotFound,
		},
		"error from fn should abort the write and be returned as is": {
			id: "s1",
			fn: func(ss *domain.Session) error {
				ss.Status = domain.StatusFinished
				return errors.InvalidState("nope")
			},
			wantCode: errors.CodeInvalidState,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := makeStore(t)
			require.NoError(t, s.CreateSession(ctx, &domain.Session{SessionID: "s1", Status: domain.StatusWaiting}))

			_, err := s.UpdateSession(ctx, tt.id, tt.fn)
			require.Equal(t, tt.wantCode, errors.CodeOf(err))

			got, err := s.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, domain.StatusWaiting, got.Status, "session should not be modified")
		})
	}
}

func TestStore_UpdateSession_NoLostUpdates(t *testing.T) {
	ctx := context.Background()
	s, _ := makeStore(t)
	require.NoError(t, s.CreateSession(ctx, &domain.Session{SessionID: "s1"}))

	const writers = 10

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateSession(ctx, "s1", func(ss *domain.Session) error {
				ss.Players = append(ss.Players, domain.Player{ID: fmt.Sprintf("p%d", i)})
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Players, writers, "every concurrent write should be kept")
}

func TestStore_SessionTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := makeStore(t, func(c *redisstore.Config) { c.SessionTTL = time.Hour })
	require.NoError(t, s.CreateSession(ctx, &domain.Session{SessionID: "s1"}))

	mr.FastForward(2 * time.Hour)

	_, err := s.GetSession(ctx, "s1")
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestStore_Result(t *testing.T) {
	ctx := context.Background()
	s, _ := makeStore(t)

	r := &domain.SessionResult{
		SessionID:   "s1",
		CompletedAt: time.Now().UTC(),
		TotalRounds: 3,
		Players:     []domain.PlayerResult{{Username: "alice", Score: 200, Position: 1}},
	}
	require.NoError(t, s.AppendResult(ctx, r))

	err := s.AppendResult(ctx, r)
	require.True(t, errors.Is(err, errors.CodeConflict), "results should be append-only: %v", err)

	got, err := s.GetResult(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, r.Players, got.Players)

	_, err = s.GetResult(ctx, "missing")
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestStore_PlayerStats(t *testing.T) {
	ctx := context.Background()
	s, _ := makeStore(t)

	st, err := s.GetPlayerStats(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, &domain.PlayerStats{Username: "alice"}, st, "unknown player should get zero stats")

	for range 2 {
		_, err = s.UpdatePlayerStats(ctx, "alice", func(st *domain.PlayerStats) error {
			st.TotalGames++
			return nil
		})
		require.NoError(t, err)
	}

	st, err = s.GetPlayerStats(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", st.Username)
	require.Equal(t, 2, st.TotalGames)
}

func TestStore_Leaderboard(t *testing.T) {
	ctx := context.Background()
	s, _ := makeStore(t)

	entries, err := s.GetLeaderboard(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = s.UpdateLeaderboard(ctx, func(entries []domain.LeaderboardEntry) ([]domain.LeaderboardEntry, error) {
		return append(entries,
			domain.LeaderboardEntry{Username: "bob", TotalPoints: 300},
			domain.LeaderboardEntry{Username: "alice", TotalPoints: 200},
		), nil
	})
	require.NoError(t, err)

	entries, err = s.GetLeaderboard(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []domain.LeaderboardEntry{{Username: "bob", TotalPoints: 300}}, entries)

	entries, err = s.GetLeaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestStore_StoreFailure(t *testing.T) {
	ctx := context.Background()
	s, mr := makeStore(t)
	mr.SetError("ERR server unavailable")

	_, err := s.GetSession(ctx, "s1")
	require.True(t, errors.Is(err, errors.CodeStoreFailure), "got %v", err)

	_, err = s.UpdateSession(ctx, "s1", func(*domain.Session) error { return nil })
	require.True(t, errors.Is(err, errors.CodeStoreFailure), "got %v", err)

	require.True(t, errors.Is(s.Ping(ctx), errors.CodeStoreFailure))
}

func makeStore(t *testing.T, opts ...func(c *redisstore.Config)) (*redisstore.Store, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{mr.Addr()},
		MaxRetries: -1,
	})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := redisstore.Config{
		Redis:  rc,
		Prefix: "test",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return redisstore.New(c), mr
}
