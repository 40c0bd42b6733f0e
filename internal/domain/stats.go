package domain

import "time"

// SessionResult is the immutable record of a finished session.
type SessionResult struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	CompletedAt time.Time      `json:"completedAt"`
	TotalRounds int            `json:"totalRounds"`
	Players     []PlayerResult `json:"players"`
}

// Player returns the result row for the given username.
func (r *SessionResult) Player(username string) (*PlayerResult, bool) {
	for i := range r.Players {
		if r.Players[i].Username == username {
			return &r.Players[i], true
		}
	}

	return nil, false
}

type PlayerResult struct {
	PlayerID       string `json:"playerId"`
	Username       string `json:"username" binding:"required"`
	Avatar         Avatar `json:"avatar"`
	Score          int    `json:"score" binding:"gte=0"`
	Position       int    `json:"position" binding:"gte=1"`
	CorrectAnswers int    `json:"correctAnswers" binding:"gte=0"`
}

// PlayerStats are running totals for one username across all finished sessions.
type PlayerStats struct {
	Username            string        `json:"username"`
	Avatar              Avatar        `json:"avatar"`
	TotalGames          int           `json:"totalGames"`
	TotalWins           int           `json:"totalWins"`
	TotalPoints         int           `json:"totalPoints"`
	AveragePoints       int           `json:"averagePoints"`
	BestScore           int           `json:"bestScore"`
	WorstScore          int           `json:"worstScore"`
	TotalCorrectAnswers int           `json:"totalCorrectAnswers"`
	TotalAnswers        int           `json:"totalAnswers"`
	AccuracyPercentage  int           `json:"accuracyPercentage"`
	LastPlayed          *time.Time    `json:"lastPlayed,omitempty"`
	GameIDs             []string      `json:"gameIds"`
	Games               []GameHistory `json:"games,omitempty"`
}

// GameHistory is one finished session seen from a single player.
type GameHistory struct {
	SessionID      string    `json:"sessionId"`
	Date           time.Time `json:"date"`
	Position       int       `json:"position"`
	Score          int       `json:"score"`
	TotalRounds    int       `json:"totalRounds"`
	CorrectAnswers int       `json:"correctAnswers"`
	Players        int       `json:"players"`
}

// LeaderboardEntry is the leaderboard projection of PlayerStats.
type LeaderboardEntry struct {
	Username      string `json:"username"`
	Avatar        Avatar `json:"avatar"`
	TotalGames    int    `json:"totalGames"`
	TotalWins     int    `json:"totalWins"`
	TotalPoints   int    `json:"totalPoints"`
	AveragePoints int    `json:"averagePoints"`
	WinRate       int    `json:"winRate"`
}
