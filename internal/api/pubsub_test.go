package api_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/api"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/session"
)

func TestAPI_PublishNotifications(t *testing.T) {
	env := makeEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ss, err := env.session.CreateSession(ctx)
	require.NoError(t, err)
	_, err = env.session.ConfigureRounds(ctx, session.ConfigureRoundsRequest{
		SessionID: ss.SessionID,
		AdminID:   ss.AdminID,
		Rounds: []domain.Round{{
			Question:      "Pick A",
			Options:       []string{"A", "B"},
			CorrectAnswer: "A",
			TimeLimit:     10,
		}},
	})
	require.NoError(t, err)

	p, err := env.session.Join(ctx, session.JoinRequest{SessionID: ss.SessionID, Username: "alice"})
	require.NoError(t, err)
	env.eb.Stop()

	sub := env.rc.Subscribe(ctx,
		"test:session:"+ss.SessionID,
		"test:player:"+p.ID,
		"test:leaderboard",
	)
	t.Cleanup(func() { sub.Close() })
	for range 3 {
		_, err := sub.Receive(ctx)
		require.NoError(t, err, "should be subscribed")
	}
	in := newInbox(sub.Channel())

	_, err = env.session.Start(ctx, session.StartRequest{SessionID: ss.SessionID, AdminID: ss.AdminID})
	require.NoError(t, err)

	n := in.next(t, "test:session:"+ss.SessionID)
	require.Equal(t, domain.EventNameSessionUpdated, n.Event)

	_, err = env.session.SubmitAnswer(ctx, session.SubmitAnswerRequest{SessionID: ss.SessionID, PlayerID: p.ID, Answer: "A", TimeRemaining: 5})
	require.NoError(t, err)
	in.next(t, "test:session:"+ss.SessionID)

	_, err = env.session.AdvanceRound(ctx, session.AdvanceRoundRequest{SessionID: ss.SessionID, AdminID: ss.AdminID})
	require.NoError(t, err)

	var res struct {
		Event string           `json:"event"`
		Data  api.PlayerResult `json:"data"`
	}
	raw := in.nextRaw(t, "test:player:"+p.ID)
	require.NoError(t, json.Unmarshal([]byte(raw), &res))
	require.Equal(t, domain.EventNameSessionFinished, res.Event)
	require.Equal(t, 150, res.Data.Result.Score)
	require.Equal(t, 1, res.Data.Result.Position)

	n = in.next(t, "test:leaderboard")
	require.Equal(t, domain.EventNameLeaderboardUpdated, n.Event)
}

func TestAPI_PublishSessionUpdated_DropsStale(t *testing.T) {
	env := makeEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := env.rc.Subscribe(ctx, "test:session:s1")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err, "should be subscribed")
	in := newInbox(sub.Channel())

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	publish := func(d time.Duration) {
		err := env.api.PublishSessionUpdated(ctx, domain.EventSessionUpdated{
			Session: domain.Session{SessionID: "s1", UpdatedAt: t0.Add(d)},
		})
		require.NoError(t, err)
	}

	publish(2 * time.Nanosecond)
	publish(time.Nanosecond)
	publish(2 * time.Nanosecond)
	publish(3 * time.Nanosecond)

	for _, want := range []time.Duration{2 * time.Nanosecond, 3 * time.Nanosecond} {
		var n struct {
			Event string         `json:"event"`
			Data  domain.Session `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(in.nextRaw(t, "test:session:s1")), &n))
		require.Equal(t, domain.EventNameSessionUpdated, n.Event)
		require.True(t, t0.Add(want).Equal(n.Data.UpdatedAt), "got updatedAt %s", n.Data.UpdatedAt)
	}

	select {
	case msg := <-in.ch:
		t.Fatalf("unexpected message after the newest snapshot: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

// inbox buffers messages per channel, since handlers publish concurrently.
type inbox struct {
	ch  <-chan *redis.Message
	got map[string][]string
}

func newInbox(ch <-chan *redis.Message) *inbox {
	return &inbox{ch: ch, got: make(map[string][]string)}
}

func (b *inbox) next(t *testing.T, channel string) api.Notification {
	t.Helper()

	var n api.Notification
	require.NoError(t, json.Unmarshal([]byte(b.nextRaw(t, channel)), &n))
	return n
}

func (b *inbox) nextRaw(t *testing.T, channel string) string {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for len(b.got[channel]) == 0 {
		select {
		case msg := <-b.ch:
			b.got[msg.Channel] = append(b.got[msg.Channel], msg.Payload)
		case <-timeout:
			t.Fatalf("no message on %s", channel)
		}
	}

	payload := b.got[channel][0]
	b.got[channel] = b.got[channel][1:]
	return payload
}
