package redisstore

import (
	"context"

	"github.com/victornm/quizroom/internal/domain"
)

// GetPlayerStats returns the stats of a username, or zero-valued stats if none were recorded.
func (s *Store) GetPlayerStats(ctx context.Context, username string) (*domain.PlayerStats, error) {
	st := domain.PlayerStats{Username: username}
	if _, err := s.getJSON(ctx, s.playerStatsKey(username), &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// UpdatePlayerStats applies fn to the stats of a username, starting from zero-valued stats.
func (s *Store) UpdatePlayerStats(ctx context.Context, username string, fn func(st *domain.PlayerStats) error) (*domain.PlayerStats, error) {
	return update(ctx, s, "player_stats", s.playerStatsKey(username), 0, func(st *domain.PlayerStats, exists bool) error {
		if !exists {
			st.Username = username
		}
		return fn(st)
	})
}

// GetLeaderboard returns at most limit entries in stored order. A non-positive limit returns all.
func (s *Store) GetLeaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	var entries []domain.LeaderboardEntry
	if _, err := s.getJSON(ctx, s.leaderboardKey(), &entries); err != nil {
		return nil, err
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, nil
}

// UpdateLeaderboard replaces the leaderboard with the entries returned by fn.
func (s *Store) UpdateLeaderboard(ctx context.Context, fn func(entries []domain.LeaderboardEntry) ([]domain.LeaderboardEntry, error)) ([]domain.LeaderboardEntry, error) {
	out, err := update(ctx, s, "leaderboard", s.leaderboardKey(), 0, func(entries *[]domain.LeaderboardEntry, _ bool) error {
		next, err := fn(*entries)
		if err != nil {
			return err
		}
		*entries = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	return *out, nil
}
