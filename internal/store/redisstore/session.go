package redisstore

import (
	"context"
	"slices"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

// CreateSession stores a new session. It fails with a conflict if the ID is already taken.
func (s *Store) CreateSession(ctx context.Context, ss *domain.Session) error {
	if err := s.setJSONNX(ctx, s.sessionKey(ss.SessionID), ss, s.sessionTTL); err != nil {
		return err
	}

	if err := s.redis.SAdd(ctx, s.sessionsKey(), ss.SessionID).Err(); err != nil {
		return errors.StoreFailure(err, "index session %s", ss.SessionID)
	}

	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var ss domain.Session
	ok, err := s.getJSON(ctx, s.sessionKey(id), &ss)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("session not found: %s", id)
	}

	return &ss, nil
}

// UpdateSession atomically reads the session, applies fn and writes the result back.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(ss *domain.Session) error) (*domain.Session, error) {
	return update(ctx, s, "session", s.sessionKey(id), s.sessionTTL, func(ss *domain.Session, exists bool) error {
		if !exists {
			return errors.NotFound("session not found: %s", id)
		}
		return fn(ss)
	})
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	n, err := s.redis.Del(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return errors.StoreFailure(err, "delete session %s", id)
	}

	if err := s.redis.SRem(ctx, s.sessionsKey(), id).Err(); err != nil {
		return errors.StoreFailure(err, "unindex session %s", id)
	}

	if n == 0 {
		return errors.NotFound("session not found: %s", id)
	}

	return nil
}

// ListSessions returns the IDs of all known sessions, sorted. Expired sessions are pruned from the
// index lazily by callers that observe NotFound.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, errors.StoreFailure(err, "list sessions")
	}

	slices.Sort(ids)
	return ids, nil
}
