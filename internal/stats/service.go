package stats

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/victornm/quizroom/internal/cache"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
)

const (
	// MaxLeaderboardSize is the number of entries kept on the leaderboard.
	MaxLeaderboardSize = 100
	// MaxGameIDs is the number of most recent games remembered per player.
	MaxGameIDs = 50

	leaderboardCacheKey = "leaderboard"
)

type Store interface {
	GetPlayerStats(ctx context.Context, username string) (*domain.PlayerStats, error)
	UpdatePlayerStats(ctx context.Context, username string, fn func(st *domain.PlayerStats) error) (*domain.PlayerStats, error)
	GetLeaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	UpdateLeaderboard(ctx context.Context, fn func(entries []domain.LeaderboardEntry) ([]domain.LeaderboardEntry, error)) ([]domain.LeaderboardEntry, error)
}

// ResultStore keeps session results. AppendResult must fail with a conflict when the session
// already has a result.
type ResultStore interface {
	AppendResult(ctx context.Context, r *domain.SessionResult) error
	GetResult(ctx context.Context, sessionID string) (*domain.SessionResult, error)
}

type Config struct {
	Store    Store
	Results  ResultStore
	EventBus *event.Bus
	// ResultCache caches results by session ID. Results never change once written.
	ResultCache *cache.Cache[string, *domain.SessionResult]
	// LeaderboardCache caches the full leaderboard. It is invalidated on every save.
	LeaderboardCache *cache.Cache[string, []domain.LeaderboardEntry]
	Now              func() time.Time
}

type Service struct {
	store       Store
	results     ResultStore
	eb          *event.Bus
	resultCache *cache.Cache[string, *domain.SessionResult]
	lbCache     *cache.Cache[string, []domain.LeaderboardEntry]
	now         func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store:       c.Store,
		results:     c.Results,
		eb:          c.EventBus,
		resultCache: c.ResultCache,
		lbCache:     c.LeaderboardCache,
		now:         c.Now,
	}

	if s.resultCache == nil {
		s.resultCache = cache.New[string, *domain.SessionResult](cache.Config{})
	}
	if s.lbCache == nil {
		s.lbCache = cache.New[string, []domain.LeaderboardEntry](cache.Config{})
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.eb.Subscribe(domain.EventNameSessionFinished, func(ctx context.Context, e event.Event) error {
		return s.recordFinished(ctx, e.(domain.EventSessionFinished))
	})

	return s
}

type SaveResultRequest struct {
	SessionID   string
	Players     []domain.PlayerResult
	TotalRounds int
	// CompletedAt defaults to now.
	CompletedAt time.Time
}

// SaveResult records a finished session and folds it into the stats of every player and the
// leaderboard. A session is recorded at most once, later saves fail with a conflict.
func (s *Service) SaveResult(ctx context.Context, req SaveResultRequest) (*domain.SessionResult, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, errors.InvalidArgument("sessionId is required")
	}
	if req.TotalRounds <= 0 {
		return nil, errors.InvalidArgument("totalRounds must be positive")
	}
	if req.Players == nil {
		return nil, errors.InvalidArgument("players is required")
	}

	completedAt := req.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Internal(err)
	}

	res := &domain.SessionResult{
		ID:          id.String(),
		SessionID:   req.SessionID,
		CompletedAt: completedAt.UTC().Round(0),
		TotalRounds: req.TotalRounds,
		Players:     slices.Clone(req.Players),
	}

	if err := s.results.AppendResult(ctx, res); err != nil {
		return nil, err
	}
	s.resultCache.Set(res.SessionID, res)

	updated := make([]*domain.PlayerStats, 0, len(res.Players))
	for _, p := range res.Players {
		st, err := s.store.UpdatePlayerStats(ctx, p.Username, func(st *domain.PlayerStats) error {
			apply(st, res, p)
			return nil
		})
		if err != nil {
			slog.ErrorContext(ctx, "stats: update player stats failed",
				"session_id", res.SessionID,
				"username", p.Username,
				"error", err,
			)
			continue
		}
		updated = append(updated, st)
	}

	entries, err := s.store.UpdateLeaderboard(ctx, func(entries []domain.LeaderboardEntry) ([]domain.LeaderboardEntry, error) {
		return upsertLeaderboard(entries, updated), nil
	})
	s.lbCache.Invalidate(leaderboardCacheKey)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "stats: result saved",
		"session_id", res.SessionID,
		"players", len(res.Players),
	)

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Entries: entries})

	return res, nil
}

func (s *Service) recordFinished(ctx context.Context, e domain.EventSessionFinished) error {
	_, err := s.SaveResult(ctx, SaveResultRequest{
		SessionID:   e.Result.SessionID,
		Players:     e.Result.Players,
		TotalRounds: e.Result.TotalRounds,
		CompletedAt: e.Result.CompletedAt,
	})
	if errors.Is(err, errors.CodeConflict) {
		slog.InfoContext(ctx, "stats: result already recorded", "session_id", e.Result.SessionID)
		return nil
	}

	return err
}

// GetPlayerStats returns the stats of a username with its most recent games first. Unknown
// usernames get zero-valued stats.
func (s *Service) GetPlayerStats(ctx context.Context, username string) (*domain.PlayerStats, error) {
	if strings.TrimSpace(username) == "" {
		return nil, errors.InvalidArgument("username is required")
	}

	st, err := s.store.GetPlayerStats(ctx, username)
	if err != nil {
		return nil, err
	}

	if st.GameIDs == nil {
		st.GameIDs = []string{}
	}

	st.Games = make([]domain.GameHistory, 0, len(st.GameIDs))
	for _, id := range slices.Backward(st.GameIDs) {
		res, err := s.resultCache.GetOrLoad(ctx, id, func(ctx context.Context) (*domain.SessionResult, error) {
			return s.results.GetResult(ctx, id)
		})
		if errors.Is(err, errors.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		p, ok := res.Player(username)
		if !ok {
			continue
		}

		st.Games = append(st.Games, domain.GameHistory{
			SessionID:      res.SessionID,
			Date:           res.CompletedAt,
			Position:       p.Position,
			Score:          p.Score,
			TotalRounds:    res.TotalRounds,
			CorrectAnswers: p.CorrectAnswers,
			Players:        len(res.Players),
		})
	}

	return st, nil
}

// GetLeaderboard returns the top entries by total points. limit is capped at MaxLeaderboardSize,
// a non-positive limit returns the whole leaderboard.
func (s *Service) GetLeaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 || limit > MaxLeaderboardSize {
		limit = MaxLeaderboardSize
	}

	entries, err := s.lbCache.GetOrLoad(ctx, leaderboardCacheKey, func(ctx context.Context) ([]domain.LeaderboardEntry, error) {
		entries, err := s.store.GetLeaderboard(ctx, MaxLeaderboardSize)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []domain.LeaderboardEntry{}
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}

	if len(entries) > limit {
		entries = entries[:limit]
	}

	return slices.Clone(entries), nil
}

// apply folds one player's result into its running stats.
func apply(st *domain.PlayerStats, res *domain.SessionResult, p domain.PlayerResult) {
	if st.TotalGames == 0 || p.Score < st.WorstScore {
		st.WorstScore = p.Score
	}
	if p.Score > st.BestScore {
		st.BestScore = p.Score
	}

	st.Avatar = p.Avatar
	st.TotalGames++
	st.TotalPoints += p.Score
	st.TotalCorrectAnswers += p.CorrectAnswers
	st.TotalAnswers += res.TotalRounds
	if p.Position == 1 {
		st.TotalWins++
	}

	completedAt := res.CompletedAt
	st.LastPlayed = &completedAt

	st.GameIDs = append(st.GameIDs, res.SessionID)
	if n := len(st.GameIDs); n > MaxGameIDs {
		st.GameIDs = slices.Clone(st.GameIDs[n-MaxGameIDs:])
	}

	st.AveragePoints = ratio(st.TotalPoints, st.TotalGames, 1)
	st.AccuracyPercentage = ratio(st.TotalCorrectAnswers, st.TotalAnswers, 100)
}

// upsertLeaderboard replaces or adds the entries of the updated players, then keeps the top
// MaxLeaderboardSize by total points. Ties keep their previous order.
func upsertLeaderboard(entries []domain.LeaderboardEntry, updated []*domain.PlayerStats) []domain.LeaderboardEntry {
	out := slices.Clone(entries)

	for _, st := range updated {
		e := domain.LeaderboardEntry{
			Username:      st.Username,
			Avatar:        st.Avatar,
			TotalGames:    st.TotalGames,
			TotalWins:     st.TotalWins,
			TotalPoints:   st.TotalPoints,
			AveragePoints: st.AveragePoints,
			WinRate:       ratio(st.TotalWins, st.TotalGames, 100),
		}

		i := slices.IndexFunc(out, func(x domain.LeaderboardEntry) bool { return x.Username == st.Username })
		if i >= 0 {
			out[i] = e
		} else {
			out = append(out, e)
		}
	}

	slices.SortStableFunc(out, func(a, b domain.LeaderboardEntry) int {
		return b.TotalPoints - a.TotalPoints
	})

	if len(out) > MaxLeaderboardSize {
		out = out[:MaxLeaderboardSize]
	}

	return out
}

// ratio returns round(num*scale/den), or 0 when den is 0.
func ratio(num, den, scale int) int {
	if den == 0 {
		return 0
	}

	return int(decimal.NewFromInt(int64(num)).
		Mul(decimal.NewFromInt(int64(scale))).
		Div(decimal.NewFromInt(int64(den))).
		Round(0).
		IntPart())
}
