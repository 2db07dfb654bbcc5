// Package server wires the safety components together and serves them over
// HTTP.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/nirbhaya/internal/archive"
	"github.com/mbd888/nirbhaya/internal/auth"
	"github.com/mbd888/nirbhaya/internal/circuitbreaker"
	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/config"
	"github.com/mbd888/nirbhaya/internal/health"
	"github.com/mbd888/nirbhaya/internal/logging"
	"github.com/mbd888/nirbhaya/internal/metrics"
	"github.com/mbd888/nirbhaya/internal/notify"
	"github.com/mbd888/nirbhaya/internal/radar"
	"github.com/mbd888/nirbhaya/internal/ratelimit"
	"github.com/mbd888/nirbhaya/internal/realtime"
	"github.com/mbd888/nirbhaya/internal/routes"
	"github.com/mbd888/nirbhaya/internal/telemetry"
	"github.com/mbd888/nirbhaya/internal/traces"
	"github.com/mbd888/nirbhaya/internal/trust"
	"github.com/mbd888/nirbhaya/internal/upstream"
	"github.com/mbd888/nirbhaya/internal/zones"
	"github.com/mbd888/nirbhaya/migrations"
)

// apiRequestsPerMinute is the per-client budget across the whole API. Device
// pings are additionally limited per device by the telemetry handler.
const apiRequestsPerMinute = 1200

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *slog.Logger
	version string

	// Backing services, nil when running in memory
	db    *sql.DB
	redis *redis.Client
	kafka *notify.KafkaPublisher

	// Delivery
	realtimeHub *realtime.Hub
	emitter     *notify.Emitter
	archiveQ    *archive.Queue
	sink        archive.Sink

	// Components
	positions  *telemetry.Service
	sweeper    *telemetry.Sweeper
	zoneStore  *zones.Store
	aggregator *zones.Aggregator
	scorer     *routes.Scorer
	ledger     *trust.Ledger
	incidents  *trust.Incidents
	radar      *radar.Engine
	authMgr    *auth.Manager

	health      *health.Registry
	apiLimiter  *ratelimit.Limiter
	pingLimiter *ratelimit.Limiter

	router         *gin.Engine
	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

	// Health state
	running atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock replaces the wall clock (for testing)
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// WithVersion sets the build version reported by / and the tracer.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		clock:      clock.Real(),
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		version:    "dev",
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initBackingServices(ctx); err != nil {
		s.closeBackingServices()
		return nil, err
	}
	s.initDelivery()
	if err := s.initComponents(); err != nil {
		s.closeBackingServices()
		return nil, err
	}
	s.initHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// initBackingServices connects to Postgres and Redis when configured. Every
// backing service is optional; a missing URL selects the in-memory path.
func (s *Server) initBackingServices(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		if s.cfg.MigrateOnStart {
			if err := migrations.Up(ctx, db); err != nil {
				return err
			}
			s.logger.Info("database migrations applied")
		}
	} else {
		s.logger.Info("using in-memory trust ledger and archive (data will not persist)")
	}

	if s.cfg.RedisURL != "" {
		opt, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rdb
		s.logger.Info("using Redis position store", "url", maskDSN(s.cfg.RedisURL))
	} else {
		s.logger.Info("using in-memory position store")
	}

	if brokers := s.cfg.Brokers(); len(brokers) > 0 {
		s.kafka = notify.NewKafkaPublisher(brokers, s.cfg.KafkaTopicPrefix)
		s.logger.Info("kafka event publishing enabled", "brokers", brokers, "topic_prefix", s.cfg.KafkaTopicPrefix)
	}
	return nil
}

// initDelivery builds the event fan-out (WebSocket hub plus Kafka) and the
// archive writer.
func (s *Server) initDelivery() {
	s.realtimeHub = realtime.NewHub(s.logger, s.cfg.CORSOrigins...)

	pubs := notify.Multi{notify.NewHubPublisher(s.realtimeHub)}
	if s.kafka != nil {
		pubs = append(pubs, s.kafka)
	}
	s.emitter = notify.NewEmitter(pubs, 4096, s.clock, s.logger)

	if s.db != nil {
		s.archiveQ = archive.NewQueue(archive.NewPostgresSink(s.db), 4096, s.logger)
		s.sink = s.archiveQ
	} else {
		s.sink = archive.NewMemorySink()
	}
}

func (s *Server) initComponents() error {
	cfg := s.cfg

	// Positions
	var store telemetry.Store
	if s.redis != nil {
		store = telemetry.NewRedisStore(s.redis, s.clock, "nirbhaya")
	} else {
		store = telemetry.NewMemoryStore(s.clock)
	}
	s.positions = telemetry.NewService(store, s.clock, cfg.PositionTTL, s.logger)
	s.sweeper = telemetry.NewSweeper(store, s.clock, cfg.SweepInterval, s.logger)

	// Zones
	s.zoneStore = zones.NewStore(s.clock)
	zcfg := zones.DefaultConfig()
	zcfg.Interval = cfg.AggregationInterval
	zcfg.TTL = cfg.ZoneTTL
	s.aggregator = zones.NewAggregator(s.positions, s.zoneStore, s.emitter, s.clock, zcfg, s.logger)

	// Routes
	deps, err := s.routeDeps()
	if err != nil {
		return err
	}
	rcfg := routes.DefaultConfig()
	rcfg.CacheTTL = cfg.RouteCacheTTL
	rcfg.CrimeTTL = cfg.CrimeCacheTTL
	s.scorer = routes.NewScorer(deps, s.clock, rcfg, s.logger)

	// Trust
	var trustStore trust.Store
	if s.db != nil {
		trustStore = trust.NewPostgresStore(s.db)
	} else {
		trustStore = trust.NewMemoryStore()
	}
	s.ledger = trust.NewLedger(trustStore, s.clock, s.emitter, s.logger)
	s.incidents = trust.NewIncidents(s.ledger, s.sink)

	// Radar
	var seed []byte
	if cfg.AnonymizerSecret != "" {
		seed = []byte(cfg.AnonymizerSecret)
	}
	rdcfg := radar.DefaultConfig()
	rdcfg.RefreshInterval = cfg.RadarRefreshInterval
	rdcfg.MaxSessionDuration = cfg.SOSMaxDuration
	s.radar = radar.NewEngine(radar.Deps{
		Positions: s.positions,
		Keys:      radar.NewKeyRotator(cfg.AnonymizerRotation, seed, s.clock),
		Trust:     s.ledger,
		Sink:      s.sink,
		Publisher: s.emitter,
	}, s.clock, rdcfg, s.logger)

	// Auth
	var devices auth.Store
	if s.db != nil {
		devices = auth.NewPostgresStore(s.db)
	} else {
		devices = auth.NewMemoryStore()
	}
	secret := []byte(cfg.AuthSecret)
	if len(secret) == 0 {
		// tokens do not survive a restart
		secret = make([]byte, auth.MinSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate auth secret: %w", err)
		}
		s.logger.Warn("AUTH_SECRET not set, using an ephemeral signing secret")
	}
	s.authMgr, err = auth.NewManager(devices, auth.Config{
		Secret:      secret,
		TokenTTL:    cfg.AuthTokenTTL,
		OperatorKey: cfg.OperatorAPIKey,
	}, s.clock)
	if err != nil {
		return err
	}

	return nil
}

// routeDeps creates the upstream clients that are configured. Unset
// collaborators stay nil so the scorer treats their factor as neutral.
func (s *Server) routeDeps() (routes.Deps, error) {
	cfg := s.cfg
	deps := routes.Deps{
		Crowd:     s.positions,
		Breaker:   circuitbreaker.NewWithClock(5, 30*time.Second, s.clock),
		Sink:      s.sink,
		Publisher: s.emitter,
	}
	ucfg := func(base string) upstream.Config {
		return upstream.Config{BaseURL: base, APIKey: cfg.UpstreamAPIKey, Timeout: cfg.UpstreamTimeout}
	}

	if cfg.DirectionsURL != "" {
		d, err := upstream.NewDirections(ucfg(cfg.DirectionsURL))
		if err != nil {
			return deps, err
		}
		deps.Directions = d
	}
	if cfg.CrimeURL != "" {
		c, err := upstream.NewCrime(ucfg(cfg.CrimeURL))
		if err != nil {
			return deps, err
		}
		deps.Crime = c
	}
	if cfg.PlacesURL != "" {
		p, err := upstream.NewPlaces(ucfg(cfg.PlacesURL))
		if err != nil {
			return deps, err
		}
		deps.Commercial = p
	}
	if cfg.ImageryURL != "" {
		im, err := upstream.NewImagery(ucfg(cfg.ImageryURL))
		if err != nil {
			return deps, err
		}
		deps.Imagery = im
	}
	if deps.Directions == nil {
		s.logger.Warn("no directions provider configured, /v1/routes/analyze will fail")
	}
	return deps, nil
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry()
	s.health.Register("server", func(context.Context) health.Status {
		if !s.ready.Load() {
			return health.Status{Name: "server", Healthy: false, Detail: "starting or draining"}
		}
		return health.Status{Name: "server", Healthy: true}
	})
	if s.db != nil {
		s.health.Register("postgres", health.Ping("postgres", s.db.PingContext))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	if s.kafka != nil {
		s.health.Register("kafka", health.Ping("kafka", s.kafka.Ping))
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: event delivery, the archive writer,
// the TTL sweeper, zone aggregation and pool sampling. Run calls it; tests
// call it directly when they drive the router without a listener.
func (s *Server) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.emitter.Run(runCtx)
	if s.archiveQ != nil {
		go s.archiveQ.Run(runCtx)
	}
	go s.sweeper.Start(runCtx)
	go s.aggregator.Start(runCtx)
	go metrics.StartPoolStatsCollector(runCtx, metrics.PoolSources{DB: s.db, Redis: s.redis}, 15*time.Second)

	s.ready.Store(true)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing, continuing without it", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.logger.Info("server ready")

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Active SOS sessions are stopped
// without terminal trust effects; queued events and archive records are
// drained before the backing connections close.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if err := s.radar.Shutdown(ctx); err != nil {
		s.logger.Error("radar shutdown incomplete", "error", err)
		errs = append(errs, err)
	} else {
		s.logger.Info("radar sessions stopped")
	}

	s.sweeper.Stop()
	s.aggregator.Stop()
	if s.apiLimiter != nil {
		s.apiLimiter.Stop()
	}
	if s.pingLimiter != nil {
		s.pingLimiter.Stop()
	}

	// Cancel the context for the hub, the emitter and the archive writer,
	// then wait for the last two to drain.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
		s.waitDrained(ctx, "event emitter", s.emitter.Done())
		if s.archiveQ != nil {
			s.waitDrained(ctx, "archive queue", s.archiveQ.Done())
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.closeBackingServices()
	s.running.Store(false)
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) waitDrained(ctx context.Context, name string, done <-chan struct{}) {
	select {
	case <-done:
		s.logger.Info(name + " drained")
	case <-ctx.Done():
		s.logger.Warn(name+" did not drain before deadline", "error", ctx.Err())
	}
}

func (s *Server) closeBackingServices() {
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
