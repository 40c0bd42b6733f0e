// Package redisstore persists sessions, results, player stats and the leaderboard as JSON
// documents in Redis.
//
// The store enforces no game rules. Every read-modify-write runs inside an optimistic
// WATCH/MULTI/EXEC transaction so concurrent writers never overwrite each other's changes.
package redisstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/telemetry"
)

const maxTxAttempts = 16

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	// SessionTTL expires idle sessions, refreshed on every write. Zero keeps them forever.
	SessionTTL time.Duration
}

type Store struct {
	redis      redis.UniversalClient
	prefix     string
	sessionTTL time.Duration
}

func New(c Config) *Store {
	return &Store{
		redis:      c.Redis,
		prefix:     c.Prefix,
		sessionTTL: c.SessionTTL,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return errors.StoreFailure(err, "redis unavailable")
	}
	return nil
}

func (s *Store) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *Store) sessionsKey() string {
	return fmt.Sprintf("%s:sessions", s.prefix)
}

func (s *Store) resultKey(sessionID string) string {
	return fmt.Sprintf("%s:result:%s", s.prefix, sessionID)
}

func (s *Store) playerStatsKey(username string) string {
	return fmt.Sprintf("%s:stats:player:%s", s.prefix, username)
}

func (s *Store) leaderboardKey() string {
	return fmt.Sprintf("%s:stats:leaderboard", s.prefix)
}

// getJSON decodes the document at key into v. It reports false when the key does not exist.
func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	b, err := s.redis.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.StoreFailure(err, "read %s", key)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return false, errors.StoreFailure(err, "decode %s", key)
	}

	return true, nil
}

// setJSONNX writes v at key only if the key does not exist yet.
func (s *Store) setJSONNX(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	ok, err := s.redis.SetNX(ctx, key, b, ttl).Result()
	if err != nil {
		return errors.StoreFailure(err, "write %s", key)
	}
	if !ok {
		return errors.New(errors.CodeConflict, errors.WithMessagef("%s already exists", key))
	}

	return nil
}

// update applies fn to the document at key inside an optimistic transaction and returns the
// written value. fn is told whether the key existed; returning an error aborts without writing.
// fn may run several times when the key is modified concurrently.
func update[T any](ctx context.Context, s *Store, kind, key string, ttl time.Duration, fn func(v *T, exists bool) error) (*T, error) {
	var out *T

	txf := func(tx *redis.Tx) error {
		v := new(T)
		exists := true

		b, err := tx.Get(ctx, key).Bytes()
		switch {
		case stderrors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(b, v); err != nil {
				return errors.StoreFailure(err, "decode %s", key)
			}
		}

		if err := fn(v, exists); err != nil {
			return err
		}

		nb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, nb, ttl)
			return nil
		})
		if err != nil {
			return err
		}

		out = v
		return nil
	}

	for range maxTxAttempts {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}

		if stderrors.Is(err, redis.TxFailedErr) {
			telemetry.StoreTxRetried(kind)
			continue
		}

		var e *errors.Error
		if stderrors.As(err, &e) {
			return nil, e
		}

		return nil, errors.StoreFailure(err, "update %s", key)
	}

	return nil, errors.StoreFailure(redis.TxFailedErr, "update %s: too many concurrent writers", key)
}
