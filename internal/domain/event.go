package domain

const (
	EventNameSessionUpdated     = "session.updated"
	EventNameSessionFinished    = "session.finished"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionUpdated struct {
	Session Session
}

func (EventSessionUpdated) Name() string { return EventNameSessionUpdated }

type EventSessionFinished struct {
	Session Session
	Result  SessionResult
}

func (EventSessionFinished) Name() string { return EventNameSessionFinished }

type EventLeaderboardUpdated struct {
	Entries []LeaderboardEntry
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
