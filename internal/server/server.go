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
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/aerotrain/internal/api"
	"github.com/victornm/aerotrain/internal/broker"
	"github.com/victornm/aerotrain/internal/event"
	"github.com/victornm/aerotrain/internal/progress"
	"github.com/victornm/aerotrain/internal/question"
	"github.com/victornm/aerotrain/internal/score"
	"github.com/victornm/aerotrain/internal/telemetry"
	"github.com/victornm/aerotrain/internal/training"
)

const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type PostgresConfig struct {
	Addr string
	User string
	Pass string
	Name string
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Auth struct {
		Secret string
	}

	Redis struct {
		Progress RedisConfig
		Cache    RedisConfig
		Pubsub   RedisConfig
	}

	Postgres struct {
		Catalog PostgresConfig
		Results PostgresConfig
	}

	Mongo struct {
		URI      string
		Database string
	}

	AMQP struct {
		URI      string
		Exchange string
	}

	Progress struct {
		// Driver is one of redis, postgres, mongo or memory.
		Driver string
		TTL    time.Duration
	}

	Training struct {
		PassingThreshold        int
		ExamDurationSeconds     int
		AutosaveIntervalSeconds int
		CatalogCacheTTL         time.Duration
		// CatalogFile serves catalogs from a JSON file when no catalog database is configured.
		CatalogFile string
		Languages   []string
	}
}

// DefaultConfig is overridden by the config file and then by the environment.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Redis.Progress.Prefix = "local"
	c.Redis.Cache.Prefix = "local"
	c.Redis.Pubsub.Prefix = "local:pubsub"
	c.AMQP.Exchange = "training-events"
	c.Progress.Driver = DriverRedis
	c.Progress.TTL = 30 * 24 * time.Hour
	c.Training.PassingThreshold = score.DefaultPassingThreshold
	c.Training.ExamDurationSeconds = 3600
	c.Training.AutosaveIntervalSeconds = 30
	c.Training.CatalogCacheTTL = 10 * time.Minute
	c.Training.Languages = []string{"en"}
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			progress redis.UniversalClient
			cache    redis.UniversalClient
			pubsub   redis.UniversalClient
		}

		postgres struct {
			catalog *pgxpool.Pool
			results *pgxpool.Pool
		}

		mongo *mongo.Client
		amqp  *broker.Connection
	}

	service struct {
		score    *score.Service
		training *training.Service
		broker   *broker.Publisher
	}

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if s.c.Progress.Driver == DriverMongo {
		if err := s.initMongo(); err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
	}

	if s.c.AMQP.URI != "" {
		conn, err := broker.Dial(s.c.AMQP.URI, s.c.AMQP.Exchange)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		s.infra.amqp = conn
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, rc RedisConfig) (redis.UniversalClient, error) {
		if len(rc.Addrs) == 0 {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Password: rc.Pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.progress, err = connect("progress", s.c.Redis.Progress)
	if err != nil {
		return fmt.Errorf("progress: %w", err)
	}

	s.infra.redis.cache, err = connect("cache", s.c.Redis.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(pc PostgresConfig) (*pgxpool.Pool, error) {
		if pc.Addr == "" {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
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

	s.infra.postgres.catalog, err = connect(s.c.Postgres.Catalog)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	s.infra.postgres.results, err = connect(s.c.Postgres.Results)
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}

	return nil
}

func (s *Server) initMongo() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(s.c.Mongo.URI))
	if err != nil {
		return err
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return err
	}

	s.infra.mongo = client
	return nil
}

func (s *Server) initService() error {
	if s.infra.postgres.results != nil {
		s.service.score = score.NewService(score.Config{
			EventBus: s.eb,
			DB:       s.infra.postgres.results,
		})
	}

	if s.infra.amqp != nil {
		s.service.broker = broker.NewPublisher(broker.Config{
			EventBus: s.eb,
			Channel:  s.infra.amqp.Channel(),
			Exchange: s.c.AMQP.Exchange,
		})
	}

	source, err := s.questionSource()
	if err != nil {
		return fmt.Errorf("questions: %w", err)
	}

	backend, err := s.progressBackend()
	if err != nil {
		return fmt.Errorf("progress: %w", err)
	}

	tc := training.Config{
		EventBus:         s.eb,
		Questions:        source,
		Progress:         progress.NewAdapter(progress.Config{Backend: backend}),
		PassingThreshold: s.c.Training.PassingThreshold,
		ExamDuration:     time.Duration(s.c.Training.ExamDurationSeconds) * time.Second,
		AutosaveInterval: time.Duration(s.c.Training.AutosaveIntervalSeconds) * time.Second,
		Languages:        s.c.Training.Languages,
	}
	if s.service.score != nil {
		tc.Results = s.service.score
	}
	s.service.training = training.NewService(tc)

	return nil
}

func (s *Server) questionSource() (question.Source, error) {
	var source question.Source
	switch {
	case s.infra.postgres.catalog != nil:
		source = question.NewStore(question.StoreConfig{DB: s.infra.postgres.catalog})
	case s.c.Training.CatalogFile != "":
		static, err := question.LoadStatic(s.c.Training.CatalogFile)
		if err != nil {
			return nil, err
		}
		source = static
	default:
		return nil, fmt.Errorf("no catalog database or catalog file configured")
	}

	if s.infra.redis.cache != nil {
		source = question.NewCache(question.CacheConfig{
			Source: source,
			Redis:  s.infra.redis.cache,
			Prefix: s.c.Redis.Cache.Prefix,
			TTL:    s.c.Training.CatalogCacheTTL,
		})
	}

	return source, nil
}

func (s *Server) progressBackend() (progress.Backend, error) {
	switch s.c.Progress.Driver {
	case DriverRedis, "":
		if s.infra.redis.progress == nil {
			return nil, fmt.Errorf("driver %s: redis.progress.addrs not set", DriverRedis)
		}
		return progress.NewRedis(progress.RedisConfig{
			Redis:  s.infra.redis.progress,
			Prefix: s.c.Redis.Progress.Prefix,
			TTL:    s.c.Progress.TTL,
		}), nil

	case DriverPostgres:
		if s.infra.postgres.results == nil {
			return nil, fmt.Errorf("driver %s: postgres.results.addr not set", DriverPostgres)
		}
		return progress.NewPostgres(progress.PostgresConfig{DB: s.infra.postgres.results}), nil

	case DriverMongo:
		return progress.NewMongo(progress.MongoConfig{DB: s.infra.mongo.Database(s.c.Mongo.Database)}), nil

	case DriverMemory:
		slog.Warn("server: progress is kept in memory and lost on restart")
		return progress.NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown driver %q", s.c.Progress.Driver)
	}
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor()...)
	healthpb.RegisterHealthServer(s.grpc, health.NewServer())

	ac := api.Config{
		Router:       e,
		EventBus:     s.eb,
		Training:     s.service.training,
		Secret:       []byte(s.c.Auth.Secret),
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
		Languages:    s.c.Training.Languages,
	}
	if s.infra.redis.pubsub != nil {
		ac.Redis = s.infra.redis.pubsub
	}
	api.New(ac)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

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

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// Sessions are saved before the bus stops so their last events are still delivered.
	s.service.training.Shutdown(ctx)
	s.eb.Stop()

	if s.infra.amqp != nil {
		s.infra.amqp.Close()
	}
	if s.infra.mongo != nil {
		if err := s.infra.mongo.Disconnect(ctx); err != nil {
			slog.ErrorContext(ctx, "server: disconnect mongo failed", "error", err)
		}
	}
	for _, db := range []*pgxpool.Pool{s.infra.postgres.catalog, s.infra.postgres.results} {
		if db != nil {
			db.Close()
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
