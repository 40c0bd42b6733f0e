// Package score implements the time-weighted scoring and final ranking of a session.
package score

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/quizroom/internal/domain"
)

const (
	// BasePoints is awarded for every correct answer.
	BasePoints = 100
	// MaxTimeBonus is awarded on top of BasePoints for answering instantly.
	MaxTimeBonus = 100
)

var hundred = decimal.NewFromInt(MaxTimeBonus)

// Points returns the points for an answer. A correct answer earns BasePoints plus a bonus
// proportional to the fraction of time remaining, rounded half away from zero.
// timeRemaining is clamped to [0, timeLimit].
func Points(isCorrect bool, timeRemaining float64, timeLimit int) int {
	if !isCorrect {
		return 0
	}

	if timeLimit <= 0 {
		return BasePoints
	}

	limit := decimal.NewFromInt(int64(timeLimit))
	remaining := decimal.NewFromFloat(timeRemaining)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if remaining.GreaterThan(limit) {
		remaining = limit
	}

	bonus := remaining.Mul(hundred).Div(limit).Round(0)

	return BasePoints + int(bonus.IntPart())
}

// Rank orders players by score descending. Ties keep join order and still get distinct
// consecutive positions.
func Rank(players []domain.Player) []domain.RankedPlayer {
	sorted := slices.Clone(players)
	slices.SortStableFunc(sorted, func(a, b domain.Player) int {
		return b.Score - a.Score
	})

	ranked := make([]domain.RankedPlayer, 0, len(sorted))
	for i, p := range sorted {
		ranked = append(ranked, domain.RankedPlayer{Player: p, Position: i + 1})
	}

	return ranked
}

// CorrectAnswers counts the rounds in which the player earned points.
func CorrectAnswers(s *domain.Session, playerID string) int {
	n := 0
	for _, r := range s.Rounds {
		for _, a := range r.Answers {
			if a.PlayerID == playerID && a.Points > 0 {
				n++
			}
		}
	}

	return n
}

// Result snapshots the final ranking of a session.
func Result(s *domain.Session, completedAt time.Time) domain.SessionResult {
	ranked := Rank(s.Players)

	res := domain.SessionResult{
		SessionID:   s.SessionID,
		CompletedAt: completedAt,
		TotalRounds: len(s.Rounds),
		Players:     make([]domain.PlayerResult, 0, len(ranked)),
	}

	for _, p := range ranked {
		res.Players = append(res.Players, domain.PlayerResult{
			PlayerID:       p.ID,
			Username:       p.Username,
			Avatar:         p.Avatar,
			Score:          p.Score,
			Position:       p.Position,
			CorrectAnswers: CorrectAnswers(s, p.ID),
		})
	}

	return res
}
