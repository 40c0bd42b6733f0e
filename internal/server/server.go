package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/quizroom/internal/api"
	"github.com/victornm/quizroom/internal/cache"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/feed"
	"github.com/victornm/quizroom/internal/session"
	"github.com/victornm/quizroom/internal/stats"
	"github.com/victornm/quizroom/internal/store/pgstore"
	"github.com/victornm/quizroom/internal/store/redisstore"
	"github.com/victornm/quizroom/internal/telemetry"
)

type Config struct {
	Log struct {
		Level string
	}

	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Session struct {
		// EnforceAdmin requires the session's admin ID on admin operations.
		EnforceAdmin bool
		TTL          time.Duration
	}

	Feed struct {
		PollInterval   time.Duration
		MaxRetries     uint
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
		PingInterval   time.Duration
	}

	Cache struct {
		Size int
		TTL  time.Duration
	}

	Redis struct {
		Store struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		// Results keeps session results in Postgres instead of Redis when enabled.
		Results struct {
			Enabled bool
			Addr    string
			User    string
			Pass    string
			Name    string
		}
	}
}

func DefaultConfig() Config {
	var c Config

	c.Log.Level = "info"
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090

	c.Session.EnforceAdmin = true
	c.Session.TTL = 24 * time.Hour

	c.Feed.PollInterval = time.Second
	c.Feed.MaxRetries = 5
	c.Feed.InitialBackoff = time.Second
	c.Feed.MaxBackoff = 10 * time.Second
	c.Feed.PingInterval = 30 * time.Second

	c.Cache.Size = 1024
	c.Cache.TTL = 60 * time.Second

	c.Redis.Store.Addrs = []string{"localhost:6379"}
	c.Redis.Store.Prefix = "quizroom"
	c.Redis.Pubsub.Addrs = []string{"localhost:6379"}
	c.Redis.Pubsub.Prefix = "quizroom"

	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			store  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres struct {
			results *pgxpool.Pool
		}
	}

	store struct {
		redis   *redisstore.Store
		results stats.ResultStore
	}

	service struct {
		session *session.Service
		stats   *stats.Service
		feed    *feed.Hub
	}

	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initStore(); err != nil {
		return nil, fmt.Errorf("server: init store: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if s.c.Postgres.Results.Enabled {
		if err := s.initPostgres(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.store, err = connect(s.c.Redis.Store.Addrs, s.c.Redis.Store.Pass)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	r := s.c.Postgres.Results
	s.infra.postgres.results, err = connect(r.Addr, r.User, r.Pass, r.Name)
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}

	return nil
}

func (s *Server) initStore() error {
	s.store.redis = redisstore.New(redisstore.Config{
		Redis:      s.infra.redis.store,
		Prefix:     s.c.Redis.Store.Prefix,
		SessionTTL: s.c.Session.TTL,
	})
	s.store.results = s.store.redis

	if s.infra.postgres.results == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rs := pgstore.NewResultStore(pgstore.Config{DB: s.infra.postgres.results})
	if err := rs.Migrate(ctx); err != nil {
		return fmt.Errorf("postgres results: %w", err)
	}
	s.store.results = rs

	return nil
}

func (s *Server) initService() {
	cc := cache.Config{Size: s.c.Cache.Size, TTL: s.c.Cache.TTL}

	s.service.session = session.NewService(session.Config{
		Store:        s.store.redis,
		EventBus:     s.eb,
		EnforceAdmin: s.c.Session.EnforceAdmin,
	})

	s.service.stats = stats.NewService(stats.Config{
		Store:            s.store.redis,
		Results:          s.store.results,
		EventBus:         s.eb,
		ResultCache:      cache.New[string, *domain.SessionResult](cc),
		LeaderboardCache: cache.New[string, []domain.LeaderboardEntry](cc),
	})

	s.service.feed = feed.NewHub(feed.Config{
		Reader:         s.store.redis,
		PollInterval:   s.c.Feed.PollInterval,
		MaxRetries:     s.c.Feed.MaxRetries,
		InitialBackoff: s.c.Feed.InitialBackoff,
		MaxBackoff:     s.c.Feed.MaxBackoff,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/healthz", s.healthz)
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.GinLogger())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor()...)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	api.New(api.Config{
		HTTP:         e,
		GRPC:         s.grpc,
		EventBus:     s.eb,
		Session:      s.service.session,
		Stats:        s.service.stats,
		Feed:         s.service.feed,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
		PingInterval: s.c.Feed.PingInterval,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.store.redis.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()

	// Streams only end once their subscriptions are closed.
	s.service.feed.Close()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if err := s.infra.redis.store.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis store failed", "error", err)
	}
	if err := s.infra.redis.pubsub.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis pubsub failed", "error", err)
	}
	if s.infra.postgres.results != nil {
		s.infra.postgres.results.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
