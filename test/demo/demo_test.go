//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/victornm/quizroom/internal/api"
	"github.com/victornm/quizroom/internal/domain"
)

const (
	httpAddr = "http://localhost:8080"
	grpcAddr = "localhost:9090"
	prefix   = "quizroom"
)

func TestQuiz(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		wg    = new(sync.WaitGroup)
		users = []string{"u1", "u2", "u3"}
	)

	// Create new session
	var created api.CreateSessionResponse
	doJSON(t, http.MethodPost, "/session", nil, "", &created)
	admin := created.AdminID
	path := "/session/" + created.SessionID

	rounds := make([]domain.Round, 0, 3)
	for i := range 3 {
		rounds = append(rounds, domain.Round{
			RoundNumber:   i,
			MediaType:     domain.MediaImage,
			MediaURL:      fmt.Sprintf("https://example.com/%d.png", i),
			Question:      fmt.Sprintf("Question %d", i),
			Options:       []string{"A", "B", "C", "D"},
			CorrectAnswer: "A",
			TimeLimit:     20,
		})
	}
	doJSON(t, http.MethodPatch, path, api.PatchSessionRequest{Rounds: rounds}, admin, nil)

	players := make(map[string]string, len(users))
	for _, u := range users {
		var resp api.JoinResponse
		doJSON(t, http.MethodPost, "/player/join", api.JoinRequest{SessionID: created.SessionID, Username: u}, "", &resp)
		players[u] = resp.PlayerID
	}

	// Prepare subscribers
	rc := makeRedis(t)
	subscribe(t, rc, wg, fmt.Sprintf("%s:player:%s", prefix, players["u1"]))
	subscribe(t, rc, wg, fmt.Sprintf("%s:leaderboard", prefix))
	watch(t, ctx, wg, created.SessionID)

	playing := domain.StatusPlaying
	doJSON(t, http.MethodPatch, path, api.PatchSessionRequest{Status: &playing}, admin, nil)

	// For each round, all users will submit answers concurrently
	for i := range rounds {
		t.Logf("Starting round %d", i)

		var eg errgroup.Group
		for n, u := range users {
			eg.Go(func() error {
				round := i
				var resp api.SubmitAnswerResponse
				doJSON(t, http.MethodPost, "/answer", api.SubmitAnswerRequest{
					SessionID:     created.SessionID,
					PlayerID:      players[u],
					RoundNumber:   &round,
					Answer:        "A",
					TimeRemaining: float64(20 - 5*n),
				}, "", &resp)

				t.Logf("User %q answered: points=%d, total_score=%d", u, resp.Points, resp.TotalScore)
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		next := i + 1
		doJSON(t, http.MethodPatch, path, api.PatchSessionRequest{Status: &playing, CurrentRound: &next}, admin, nil)
	}

	time.Sleep(2 * time.Second)

	var lb []domain.LeaderboardEntry
	doJSON(t, http.MethodGet, "/stats/leaderboard?limit=10", nil, "", &lb)
	t.Logf("leaderboard:\n%s", formatLeaderboard(lb))

	cancel()
	wg.Wait()
}

func doJSON(t *testing.T, method, path string, body any, adminID string, out any) {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, httpAddr+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if adminID != "" {
		req.Header.Set(api.AdminIDHeader, adminID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Less(t, resp.StatusCode, 300, "%s %s: %s", method, path, b)

	if out != nil {
		require.NoError(t, json.Unmarshal(b, out))
	}
}

func watch(t *testing.T, ctx context.Context, wg *sync.WaitGroup, sessionID string) {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	stream, err := api.NewSessionFeedClient(conn).Watch(ctx, sessionID)
	require.NoError(t, err)

	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			msg, err := stream.Recv()
			if err != nil {
				t.Logf("watch ended: %v", err)
				return
			}

			f := msg.GetFields()
			t.Logf("session %s: status=%s round=%v", sessionID, f["status"].GetStringValue(), f["currentRound"].GetNumberValue())
			if f["status"].GetStringValue() == string(domain.StatusFinished) {
				return
			}
		}
	}()
}

func subscribe(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Logf("%s: %v", channel, err)
				return
			}

			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			t.Logf("%s: %s %s", channel, n.Event, n.Data)
			return
		}
	}()
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(entries []domain.LeaderboardEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s: %d points, %d%% wins\n", e.Username, e.TotalPoints, e.WinRate)
	}
	return sb.String()
}
