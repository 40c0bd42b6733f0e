package domain

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusPlaying    Status = "playing"
	StatusScoreboard Status = "scoreboard"
	StatusFinished   Status = "finished"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// Session represents one game: its players, rounds and state.
type Session struct {
	SessionID    string    `json:"sessionId"`
	AdminID      string    `json:"adminId"`
	Status       Status    `json:"status"`
	Players      []Player  `json:"players"`
	Rounds       []Round   `json:"rounds"`
	CurrentRound int       `json:"currentRound"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Touch advances the UpdatedAt watermark. The new value is strictly greater than the previous one
// even if the clock did not move or went backwards.
func (s *Session) Touch(now time.Time) {
	now = now.UTC().Round(0)
	if !now.After(s.UpdatedAt) {
		now = s.UpdatedAt.Add(time.Nanosecond)
	}
	s.UpdatedAt = now
}

// Player returns the player with the given ID.
func (s *Session) Player(id string) (*Player, bool) {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i], true
		}
	}

	return nil, false
}

// Round returns the round at index n.
func (s *Session) Round(n int) (*Round, bool) {
	if n < 0 || n >= len(s.Rounds) {
		return nil, false
	}

	return &s.Rounds[n], true
}

// InPlay reports whether rounds are being played or reviewed.
func (s *Session) InPlay() bool {
	return s.Status == StatusPlaying || s.Status == StatusScoreboard
}

type Avatar struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
	Name  string `json:"name"`
}

type Player struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Avatar   Avatar    `json:"avatar"`
	Score    int       `json:"score"`
	IsAdmin  bool      `json:"isAdmin"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Round struct {
	RoundNumber   int        `json:"roundNumber"`
	MediaURL      string     `json:"mediaUrl"`
	MediaType     MediaType  `json:"mediaType" validate:"omitempty,oneof=image video audio"`
	Question      string     `json:"question" validate:"required"`
	Options       []string   `json:"options" validate:"min=2,dive,required"`
	CorrectAnswer string     `json:"correctAnswer" validate:"required"`
	TimeLimit     int        `json:"timeLimit" validate:"gt=0"`
	Answers       []Answer   `json:"answers"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// Answered reports whether the player already has an answer in this round.
func (r *Round) Answered(playerID string) bool {
	for _, a := range r.Answers {
		if a.PlayerID == playerID {
			return true
		}
	}

	return false
}

type Answer struct {
	PlayerID   string    `json:"playerId"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answeredAt"`
	Points     int       `json:"points"`
}

// RankedPlayer is a player with its 1-based position in the final ranking.
type RankedPlayer struct {
	Player
	Position int `json:"position"`
}
