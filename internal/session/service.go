package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/id"
	"github.com/victornm/quizroom/internal/score"
	"github.com/victornm/quizroom/internal/telemetry"
)

const maxCreateAttempts = 3

// Store persists sessions. UpdateSession must apply fn atomically with respect to other updates of
// the same session and may call fn more than once.
type Store interface {
	CreateSession(ctx context.Context, ss *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	UpdateSession(ctx context.Context, id string, fn func(ss *domain.Session) error) (*domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]string, error)
}

type Config struct {
	Store    Store
	EventBus *event.Bus
	// EnforceAdmin rejects admin operations whose caller does not present the session's admin ID.
	EnforceAdmin bool
	Now          func() time.Time
}

// Service is the session state machine: waiting → playing ⇄ scoreboard → finished.
//
// Mutations of one session are serialized by an in-process lock and by the store's optimistic
// transaction, so concurrent answers never overwrite each other.
type Service struct {
	store        Store
	eb           *event.Bus
	locks        *keyLock
	validate     *validator.Validate
	enforceAdmin bool
	now          func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		store:        c.Store,
		eb:           c.EventBus,
		locks:        newKeyLock(),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		enforceAdmin: c.EnforceAdmin,
		now:          func() time.Time { return now().UTC().Round(0) },
	}
}

// CreateSession creates a new session in the waiting state, with a fresh admin ID.
func (s *Service) CreateSession(ctx context.Context) (*domain.Session, error) {
	adminID, err := id.Player()
	if err != nil {
		return nil, errors.Internal(err)
	}

	for range maxCreateAttempts {
		sessionID, err := id.Session()
		if err != nil {
			return nil, errors.Internal(err)
		}

		now := s.now()
		ss := &domain.Session{
			SessionID:    sessionID,
			AdminID:      adminID,
			Status:       domain.StatusWaiting,
			Players:      []domain.Player{},
			Rounds:       []domain.Round{},
			CurrentRound: 0,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		err = s.store.CreateSession(ctx, ss)
		if errors.Is(err, errors.CodeConflict) {
			slog.WarnContext(ctx, "session: id collision, retrying", "session_id", sessionID)
			continue
		}
		if err != nil {
			return nil, err
		}

		slog.InfoContext(ctx, "session: created", "session_id", sessionID)
		return ss, nil
	}

	return nil, errors.New(errors.CodeInternal, errors.WithMessagef("could not allocate a session id"))
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Service) ListSessions(ctx context.Context) ([]string, error) {
	return s.store.ListSessions(ctx)
}

type JoinRequest struct {
	SessionID string
	Username  string
	Avatar    domain.Avatar
}

// Join adds a player to a waiting session.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*domain.Player, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, errors.InvalidArgument("username is required")
	}

	playerID, err := id.Player()
	if err != nil {
		return nil, errors.Internal(err)
	}

	var p domain.Player
	_, err = s.mutate(ctx, req.SessionID, func(ss *domain.Session, now time.Time) error {
		if ss.Status != domain.StatusWaiting {
			return errors.InvalidState("session has already started: session=%s status=%s", ss.SessionID, ss.Status)
		}

		p = domain.Player{
			ID:       playerID,
			Username: username,
			Avatar:   req.Avatar,
			Score:    0,
			IsAdmin:  false,
			JoinedAt: now,
		}
		ss.Players = append(ss.Players, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &p, nil
}

type ConfigureRoundsRequest struct {
	SessionID string
	AdminID   string
	Rounds    []domain.Round
}

// ConfigureRounds replaces all rounds of a waiting session.
func (s *Service) ConfigureRounds(ctx context.Context, req ConfigureRoundsRequest) (*domain.Session, error) {
	rounds, err := s.validateRounds(req.Rounds)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, req.SessionID, func(ss *domain.Session, _ time.Time) error {
		if err := s.authorize(ss, req.AdminID); err != nil {
			return err
		}
		return configureRounds(ss, rounds)
	})
}

func (s *Service) validateRounds(rounds []domain.Round) ([]domain.Round, error) {
	out := make([]domain.Round, 0, len(rounds))

	for i, r := range rounds {
		if err := s.validate.Struct(r); err != nil {
			return nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("round %d: %s", i, describeValidation(err)),
				errors.WithCause(err),
			)
		}

		if r.RoundNumber != i {
			return nil, errors.InvalidArgument("round %d: roundNumber %d does not match its position", i, r.RoundNumber)
		}

		if !slices.Contains(r.Options, r.CorrectAnswer) {
			return nil, errors.InvalidArgument("round %d: correctAnswer %q is not one of the options", i, r.CorrectAnswer)
		}

		r.Options = slices.Clone(r.Options)
		r.Answers = []domain.Answer{}
		r.StartedAt, r.EndedAt = nil, nil
		out = append(out, r)
	}

	return out, nil
}

func describeValidation(err error) string {
	var fields validator.ValidationErrors
	if !stderrors.As(err, &fields) || len(fields) == 0 {
		return err.Error()
	}

	f := fields[0]
	if f.Param() != "" {
		return fmt.Sprintf("%s must satisfy %s=%s", f.Field(), f.Tag(), f.Param())
	}
	return fmt.Sprintf("%s must satisfy %s", f.Field(), f.Tag())
}

type StartRequest struct {
	SessionID string
	AdminID   string
}

// Start moves a waiting session with at least one round and one player to its first round.
func (s *Service) Start(ctx context.Context, req StartRequest) (*domain.Session, error) {
	return s.mutate(ctx, req.SessionID, func(ss *domain.Session, now time.Time) error {
		if err := s.authorize(ss, req.AdminID); err != nil {
			return err
		}
		return start(ss, now)
	})
}

type SubmitAnswerRequest struct {
	SessionID   string
	PlayerID    string
	RoundNumber int
	Answer      string
	// TimeRemaining is reported by the client, in seconds.
	TimeRemaining float64
}

type SubmitAnswerResponse struct {
	Points     int
	IsCorrect  bool
	TotalScore int
}

// SubmitAnswer records a player's answer to a round and credits its points. Only the first answer
// of a player in a round counts, later ones fail with a conflict and change nothing.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	// Once accepted, an answer is written even if the client goes away.
	ctx = context.WithoutCancel(ctx)

	var resp SubmitAnswerResponse
	_, err := s.mutate(ctx, req.SessionID, func(ss *domain.Session, now time.Time) error {
		r, ok := ss.Round(req.RoundNumber)
		if !ok {
			return errors.NotFound("round not found: session=%s round=%d", ss.SessionID, req.RoundNumber)
		}

		p, ok := ss.Player(req.PlayerID)
		if !ok {
			return errors.NotFound("player not found: session=%s player=%s", ss.SessionID, req.PlayerID)
		}

		if !ss.InPlay() {
			return errors.InvalidState("session is not being played: status=%s", ss.Status)
		}

		if r.Answered(req.PlayerID) {
			return errors.New(errors.CodeConflict,
				errors.WithMessagef("answer is already submitted: session=%s player=%s round=%d", ss.SessionID, req.PlayerID, req.RoundNumber),
			)
		}

		isCorrect := req.Answer == r.CorrectAnswer
		points := score.Points(isCorrect, req.TimeRemaining, r.TimeLimit)

		r.Answers = append(r.Answers, domain.Answer{
			PlayerID:   req.PlayerID,
			Answer:     req.Answer,
			AnsweredAt: now,
			Points:     points,
		})
		p.Score += points

		resp = SubmitAnswerResponse{
			Points:     points,
			IsCorrect:  isCorrect,
			TotalScore: p.Score,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.AnswerSubmitted(resp.IsCorrect)
	return &resp, nil
}

type AdvanceRoundRequest struct {
	SessionID string
	AdminID   string
	// ExpectedRound, when set, must match the current round. It guards against advancing twice on
	// a stale view.
	ExpectedRound *int
}

// AdvanceRound moves to the next round, or finishes the session after the last one.
func (s *Service) AdvanceRound(ctx context.Context, req AdvanceRoundRequest) (*domain.Session, error) {
	ss, err := s.mutate(ctx, req.SessionID, func(ss *domain.Session, now time.Time) error {
		if err := s.authorize(ss, req.AdminID); err != nil {
			return err
		}
		return advanceRound(ss, now, req.ExpectedRound)
	})
	if err != nil {
		return nil, err
	}

	if ss.Status == domain.StatusFinished {
		s.publishFinished(ctx, ss)
	}

	return ss, nil
}

type ShowScoreboardRequest struct {
	SessionID string
	AdminID   string
}

// ShowScoreboard pauses play on the current round to show scores.
func (s *Service) ShowScoreboard(ctx context.Context, req ShowScoreboardRequest) (*domain.Session, error) {
	return s.mutate(ctx, req.SessionID, func(ss *domain.Session, now time.Time) error {
		if err := s.authorize(ss, req.AdminID); err != nil {
			return err
		}
		return showScoreboard(ss, now)
	})
}

type FinishRequest struct {
	SessionID string
	AdminID   string
}

// Finish ends a session that is being played before its last round.
func (s *Service) Finish(ctx context.Context, req FinishRequest) (*domain.Session, error) {
	ss, err := s.mutate(ctx, req.SessionID, func(ss *domain.Session, now time.Time) error {
		if err := s.authorize(ss, req.AdminID); err != nil {
			return err
		}
		return finish(ss, now)
	})
	if err != nil {
		return nil, err
	}

	s.publishFinished(ctx, ss)
	return ss, nil
}

type DeleteRequest struct {
	SessionID string
	AdminID   string
}

func (s *Service) DeleteSession(ctx context.Context, req DeleteRequest) error {
	unlock := s.locks.Lock(req.SessionID)
	defer unlock()

	ss, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if err := s.authorize(ss, req.AdminID); err != nil {
		return err
	}

	return s.store.DeleteSession(ctx, req.SessionID)
}

// PatchRequest is a partial update of a session. Nil fields are left untouched.
type PatchRequest struct {
	SessionID    string
	AdminID      string
	Rounds       []domain.Round
	Status       *domain.Status
	CurrentRound *int
}

// Patch translates a partial update into state machine transitions, applied together in one
// write so a rejected patch changes nothing:
//   - rounds replaces the rounds (waiting only)
//   - status=playing starts a waiting session at round 0, or advances when currentRound is the
//     next round
//   - status=scoreboard shows the scoreboard
//   - status=finished finishes the session
func (s *Service) Patch(ctx context.Context, req PatchRequest) (*domain.Session, error) {
	if req.Status == nil {
		if req.CurrentRound != nil {
			return nil, errors.InvalidArgument("currentRound can only be changed together with status %s", domain.StatusPlaying)
		}
		if req.Rounds == nil {
			return nil, errors.InvalidArgument("nothing to update")
		}
	}

	var rounds []domain.Round
	if req.Rounds != nil {
		var err error
		if rounds, err = s.validateRounds(req.Rounds); err != nil {
			return nil, err
		}
	}

	var finished bool
	ss, err := s.mutate(ctx, req.SessionID, func(ss *domain.Session, now time.Time) error {
		if err := s.authorize(ss, req.AdminID); err != nil {
			return err
		}

		if req.Rounds != nil {
			if err := configureRounds(ss, rounds); err != nil {
				return err
			}
		}

		if req.Status == nil {
			return nil
		}

		if err := patchStatus(ss, now, *req.Status, req.CurrentRound); err != nil {
			return err
		}
		// A finished session rejects every transition, so reaching it means this patch finished it.
		finished = ss.Status == domain.StatusFinished
		return nil
	})
	if err != nil {
		return nil, err
	}

	if finished {
		s.publishFinished(ctx, ss)
	}

	return ss, nil
}

func patchStatus(ss *domain.Session, now time.Time, status domain.Status, currentRound *int) error {
	switch status {
	case domain.StatusPlaying:
		if ss.Status == domain.StatusWaiting {
			if currentRound != nil && *currentRound != 0 {
				return errors.InvalidArgument("a session starts at round 0, not %d", *currentRound)
			}
			return start(ss, now)
		}
		if currentRound == nil {
			return errors.InvalidState("session has already started: status=%s", ss.Status)
		}
		expected := *currentRound - 1
		return advanceRound(ss, now, &expected)

	case domain.StatusScoreboard:
		return showScoreboard(ss, now)

	case domain.StatusFinished:
		return finish(ss, now)

	case domain.StatusWaiting:
		return errors.InvalidState("a session can never go back to %s", domain.StatusWaiting)

	default:
		return errors.InvalidArgument("unknown status %q", status)
	}
}

// mutate applies fn to the session under the session lock and advances its watermark. fn may run
// more than once if the store retries, so it must only touch ss.
func (s *Service) mutate(ctx context.Context, sessionID string, fn func(ss *domain.Session, now time.Time) error) (*domain.Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	ss, err := s.store.UpdateSession(ctx, sessionID, func(ss *domain.Session) error {
		now := s.now()
		if err := fn(ss, now); err != nil {
			return err
		}
		ss.Touch(now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventSessionUpdated{Session: *ss})
	return ss, nil
}

func (s *Service) authorize(ss *domain.Session, adminID string) error {
	if s.enforceAdmin && adminID != ss.AdminID {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("admin privileges required: session=%s", ss.SessionID),
		)
	}
	return nil
}

func (s *Service) publishFinished(ctx context.Context, ss *domain.Session) {
	res := score.Result(ss, ss.UpdatedAt)

	slog.InfoContext(ctx, "session: finished",
		"session_id", ss.SessionID,
		"players", len(ss.Players),
		"rounds", len(ss.Rounds),
	)

	s.eb.Publish(ctx, domain.EventSessionFinished{
		Session: *ss,
		Result:  res,
	})
}

func openRound(ss *domain.Session, now time.Time) {
	if r, ok := ss.Round(ss.CurrentRound); ok && r.StartedAt == nil {
		r.StartedAt = &now
	}
}

func closeRound(ss *domain.Session, now time.Time) {
	if r, ok := ss.Round(ss.CurrentRound); ok && r.EndedAt == nil {
		r.EndedAt = &now
	}
}

// The transitions below check and apply a single state change. They run inside mutate.

func configureRounds(ss *domain.Session, rounds []domain.Round) error {
	if ss.Status != domain.StatusWaiting {
		return errors.InvalidState("rounds can only be configured before the game starts: status=%s", ss.Status)
	}

	ss.Rounds = slices.Clone(rounds)
	return nil
}

func start(ss *domain.Session, now time.Time) error {
	if ss.Status != domain.StatusWaiting {
		return errors.InvalidState("session has already started: status=%s", ss.Status)
	}
	if len(ss.Rounds) == 0 {
		return errors.New(errors.CodeInvalidPrecondition, errors.WithMessagef("cannot start a session without rounds"))
	}
	if len(ss.Players) == 0 {
		return errors.New(errors.CodeInvalidPrecondition, errors.WithMessagef("cannot start a session without players"))
	}

	ss.Status = domain.StatusPlaying
	ss.CurrentRound = 0
	openRound(ss, now)
	return nil
}

func advanceRound(ss *domain.Session, now time.Time, expected *int) error {
	if !ss.InPlay() {
		return errors.InvalidState("cannot advance round: status=%s", ss.Status)
	}
	if expected != nil && *expected != ss.CurrentRound {
		return errors.InvalidState("cannot advance round: current round is %d, not %d", ss.CurrentRound, *expected)
	}

	closeRound(ss, now)

	if ss.CurrentRound+1 >= len(ss.Rounds) {
		ss.Status = domain.StatusFinished
		return nil
	}

	ss.CurrentRound++
	ss.Status = domain.StatusPlaying
	openRound(ss, now)
	return nil
}

func showScoreboard(ss *domain.Session, now time.Time) error {
	if !ss.InPlay() {
		return errors.InvalidState("cannot show scoreboard: status=%s", ss.Status)
	}

	ss.Status = domain.StatusScoreboard
	closeRound(ss, now)
	return nil
}

func finish(ss *domain.Session, now time.Time) error {
	if !ss.InPlay() {
		return errors.InvalidState("cannot finish session: status=%s", ss.Status)
	}

	closeRound(ss, now)
	ss.Status = domain.StatusFinished
	return nil
}
