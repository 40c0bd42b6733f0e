package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizroom/internal/domain"
)

const (
	maxConcurrent = 100

	// publishedTTL bounds how long the last published watermark of a session is remembered.
	publishedTTL = 24 * time.Hour
)

// publishSessionScript publishes ARGV[2] on channel ARGV[1] only if the watermark ARGV[3] is newer
// than the last one published, then remembers it in KEYS[1]. Handlers run concurrently, so without
// it a subscriber could receive an older snapshot after a newer one.
var publishSessionScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
if last and last >= ARGV[3] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
redis.call('PUBLISH', ARGV[1], ARGV[2])
return 1
`)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	// PlayerResult is the final standing sent to each player of a finished session.
	PlayerResult struct {
		SessionID   string              `json:"sessionId"`
		TotalRounds int                 `json:"totalRounds"`
		Result      domain.PlayerResult `json:"result"`
	}
)

// PublishSessionUpdated broadcasts the new session snapshot on the session channel. Snapshots
// older than the last one broadcast are dropped.
func (a *API) PublishSessionUpdated(ctx context.Context, e domain.EventSessionUpdated) error {
	b, err := marshalNotification(e.Name(), e.Session)
	if err != nil {
		return err
	}

	id := e.Session.SessionID
	// Fixed width so that watermarks compare as strings.
	watermark := fmt.Sprintf("%020d", e.Session.UpdatedAt.UnixNano())

	published, err := publishSessionScript.Run(ctx, a.redis,
		[]string{a.publishedKey(id)},
		a.sessionChannel(id), b, watermark, publishedTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", e.Name(), err)
	}

	if published == 0 {
		slog.DebugContext(ctx, "pubsub: stale session snapshot dropped",
			"session_id", id,
			"updated_at", e.Session.UpdatedAt,
		)
	}

	return nil
}

// PublishSessionFinished sends every player its own final result.
func (a *API) PublishSessionFinished(ctx context.Context, e domain.EventSessionFinished) error {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, p := range e.Result.Players {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.playerChannel(p.PlayerID), e.Name(), PlayerResult{
				SessionID:   e.Result.SessionID,
				TotalRounds: e.Result.TotalRounds,
				Result:      p,
			})
		})
	}

	return eg.Wait()
}

func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	return a.publishNotification(ctx, a.leaderboardChannel(), e.Name(), e.Entries)
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	b, err := marshalNotification(event, data)
	if err != nil {
		return err
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func marshalNotification(event string, data any) ([]byte, error) {
	b, err := json.Marshal(Notification{
		Event: event,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return b, nil
}

func (a *API) sessionChannel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", a.prefix, sessionID)
}

func (a *API) publishedKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:published", a.prefix, sessionID)
}

func (a *API) playerChannel(playerID string) string {
	return fmt.Sprintf("%s:player:%s", a.prefix, playerID)
}

func (a *API) leaderboardChannel() string {
	return fmt.Sprintf("%s:leaderboard", a.prefix)
}
