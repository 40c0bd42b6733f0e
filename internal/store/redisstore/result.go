package redisstore

import (
	"context"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

// AppendResult records a finished session. Results are never overwritten: a second result for
// the same session fails with a conflict.
func (s *Store) AppendResult(ctx context.Context, r *domain.SessionResult) error {
	err := s.setJSONNX(ctx, s.resultKey(r.SessionID), r, 0)
	if errors.Is(err, errors.CodeConflict) {
		return errors.New(errors.CodeConflict,
			errors.WithMessagef("result already recorded: session=%s", r.SessionID),
			errors.WithCause(err),
		)
	}

	return err
}

func (s *Store) GetResult(ctx context.Context, sessionID string) (*domain.SessionResult, error) {
	var r domain.SessionResult
	ok, err := s.getJSON(ctx, s.resultKey(sessionID), &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("result not found: session=%s", sessionID)
	}

	return &r, nil
}
