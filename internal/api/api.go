package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/feed"
	"github.com/victornm/quizroom/internal/session"
	"github.com/victornm/quizroom/internal/stats"
)

const (
	AdminIDHeader = "X-Admin-Id"

	defaultPingInterval = 30 * time.Second
)

type Config struct {
	HTTP     gin.IRouter
	GRPC     *grpc.Server
	EventBus *event.Bus
	Session  *session.Service
	Stats    *stats.Service
	Feed     *feed.Hub
	// Redis receives pub/sub notifications. Notifications are disabled when nil.
	Redis        Redis
	PubsubPrefix string
	// PingInterval is the keep-alive period of event streams.
	PingInterval time.Duration
}

type Redis interface {
	redis.Scripter
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	session *session.Service
	stats   *stats.Service
	feed    *feed.Hub

	redis  Redis
	prefix string
	ping   time.Duration
}

func New(c Config) *API {
	a := &API{
		session: c.Session,
		stats:   c.Stats,
		feed:    c.Feed,
		redis:   c.Redis,
		prefix:  c.PubsubPrefix,
		ping:    c.PingInterval,
	}

	if a.ping <= 0 {
		a.ping = defaultPingInterval
	}

	// HTTP APIs
	if c.HTTP != nil {
		a.registerRoutes(c.HTTP)
	}

	// gRPC APIs
	if c.GRPC != nil {
		c.GRPC.RegisterService(&sessionFeedServiceDesc, a)
	}

	// Register event handlers
	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameSessionUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishSessionUpdated(ctx, e.(domain.EventSessionUpdated))
		})
		c.EventBus.Subscribe(domain.EventNameSessionFinished, func(ctx context.Context, e event.Event) error {
			return a.PublishSessionFinished(ctx, e.(domain.EventSessionFinished))
		})
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return a
}

func (a *API) registerRoutes(r gin.IRouter) {
	r.POST("/session", a.createSession)
	r.GET("/session", a.listSessions)
	r.GET("/session/:id", a.getSession)
	r.PATCH("/session/:id", a.patchSession)
	r.DELETE("/session/:id", a.deleteSession)
	r.GET("/session/:id/stream", a.streamSession)

	r.POST("/player/join", a.join)
	r.POST("/answer", a.submitAnswer)

	r.POST("/stats/save", a.saveStats)
	r.GET("/stats/player", a.getPlayerStats)
	r.GET("/stats/leaderboard", a.getLeaderboard)
}

type (
	CreateSessionResponse struct {
		SessionID string `json:"sessionId"`
		AdminID   string `json:"adminId"`
	}

	ListSessionsResponse struct {
		SessionIDs []string `json:"sessionIds"`
	}

	PatchSessionRequest struct {
		Rounds       []domain.Round `json:"rounds"`
		Status       *domain.Status `json:"status"`
		CurrentRound *int           `json:"currentRound"`
	}

	JoinRequest struct {
		SessionID string        `json:"sessionId" binding:"required"`
		Username  string        `json:"username" binding:"required"`
		Avatar    domain.Avatar `json:"avatar"`
	}

	JoinResponse struct {
		PlayerID string        `json:"playerId"`
		Player   domain.Player `json:"player"`
	}

	SubmitAnswerRequest struct {
		SessionID     string  `json:"sessionId" binding:"required"`
		PlayerID      string  `json:"playerId" binding:"required"`
		RoundNumber   *int    `json:"roundNumber" binding:"required,gte=0"`
		Answer        string  `json:"answer" binding:"required"`
		TimeRemaining float64 `json:"timeRemaining"`
	}

	SubmitAnswerResponse struct {
		Points     int  `json:"points"`
		IsCorrect  bool `json:"isCorrect"`
		TotalScore int  `json:"totalScore"`
	}

	SaveStatsRequest struct {
		SessionID   string                `json:"sessionId" binding:"required"`
		Players     []domain.PlayerResult `json:"players" binding:"required,dive"`
		TotalRounds int                   `json:"totalRounds" binding:"required,gt=0"`
	}
)

func (a *API) createSession(c *gin.Context) {
	ss, err := a.session.CreateSession(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: ss.SessionID,
		AdminID:   ss.AdminID,
	})
}

func (a *API) listSessions(c *gin.Context) {
	ids, err := a.session.ListSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ListSessionsResponse{SessionIDs: ids})
}

func (a *API) getSession(c *gin.Context) {
	ss, err := a.session.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ss)
}

func (a *API) patchSession(c *gin.Context) {
	var req PatchSessionRequest
	if !bind(c, &req) {
		return
	}

	ss, err := a.session.Patch(c.Request.Context(), session.PatchRequest{
		SessionID:    c.Param("id"),
		AdminID:      c.GetHeader(AdminIDHeader),
		Rounds:       req.Rounds,
		Status:       req.Status,
		CurrentRound: req.CurrentRound,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ss)
}

func (a *API) deleteSession(c *gin.Context) {
	err := a.session.DeleteSession(c.Request.Context(), session.DeleteRequest{
		SessionID: c.Param("id"),
		AdminID:   c.GetHeader(AdminIDHeader),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) join(c *gin.Context) {
	var req JoinRequest
	if !bind(c, &req) {
		return
	}

	p, err := a.session.Join(c.Request.Context(), session.JoinRequest{
		SessionID: req.SessionID,
		Username:  req.Username,
		Avatar:    req.Avatar,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, JoinResponse{PlayerID: p.ID, Player: *p})
}

func (a *API) submitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if !bind(c, &req) {
		return
	}

	resp, err := a.session.SubmitAnswer(c.Request.Context(), session.SubmitAnswerRequest{
		SessionID:     req.SessionID,
		PlayerID:      req.PlayerID,
		RoundNumber:   *req.RoundNumber,
		Answer:        req.Answer,
		TimeRemaining: req.TimeRemaining,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, SubmitAnswerResponse{
		Points:     resp.Points,
		IsCorrect:  resp.IsCorrect,
		TotalScore: resp.TotalScore,
	})
}

func (a *API) saveStats(c *gin.Context) {
	var req SaveStatsRequest
	if !bind(c, &req) {
		return
	}

	res, err := a.stats.SaveResult(c.Request.Context(), stats.SaveResultRequest{
		SessionID:   req.SessionID,
		Players:     req.Players,
		TotalRounds: req.TotalRounds,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (a *API) getPlayerStats(c *gin.Context) {
	st, err := a.stats.GetPlayerStats(c.Request.Context(), c.Query("username"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

func (a *API) getLeaderboard(c *gin.Context) {
	limit := stats.MaxLeaderboardSize
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(c, errors.InvalidArgument("limit must be an integer: %q", s))
			return
		}
		limit = n
	}

	entries, err := a.stats.GetLeaderboard(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, entries)
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body: %v", err),
			errors.WithCause(err),
		))
		return false
	}

	return true
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)

	if e.HTTPStatusCode() >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
