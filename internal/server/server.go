// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/rutaquest/visitguard/internal/admin"
	"github.com/rutaquest/visitguard/internal/auth"
	"github.com/rutaquest/visitguard/internal/challenge"
	"github.com/rutaquest/visitguard/internal/circuitbreaker"
	"github.com/rutaquest/visitguard/internal/config"
	"github.com/rutaquest/visitguard/internal/fingerprint"
	"github.com/rutaquest/visitguard/internal/health"
	"github.com/rutaquest/visitguard/internal/logging"
	"github.com/rutaquest/visitguard/internal/metrics"
	"github.com/rutaquest/visitguard/internal/ratelimit"
	"github.com/rutaquest/visitguard/internal/realtime"
	"github.com/rutaquest/visitguard/internal/rewards"
	"github.com/rutaquest/visitguard/internal/security"
	"github.com/rutaquest/visitguard/internal/sessions"
	"github.com/rutaquest/visitguard/internal/traces"
	"github.com/rutaquest/visitguard/internal/validation"
	"github.com/rutaquest/visitguard/internal/visits"
	"github.com/rutaquest/visitguard/migrations"
)

// Version is reported by /health and traces.
const Version = "0.3.0"

// redisKeyPrefix namespaces every key the server writes to Redis. Stores
// add their own segment after it.
const redisKeyPrefix = "visitguard:"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	verifier       *auth.Verifier
	challenges     *challenge.Service
	challengeTimer *challenge.Timer
	engine         *visits.Engine
	guard          *rewards.Guard
	tracker        *sessions.Tracker
	metricsSvc     *admin.Service
	realtimeHub    *realtime.Hub
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil if not configured
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	traceShutdown  func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDB uses an already-open database instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// stores groups the storage backends chosen at startup.
type stores struct {
	challenges   challenge.Store
	fingerprints fingerprint.Store
	visits       visits.Store
	rewards      rewards.Store
	sessions     sessions.Store
	counter      ratelimit.Counter
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewWithOptions(logging.Options{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		})
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	// Counter store outages cost one timeout before the breaker opens.
	breaker := circuitbreaker.New(5, 10*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})
	counter := ratelimit.NewGuarded(st.counter, breaker, 250*time.Millisecond, cfg.RateLimitFailOpen)

	s.realtimeHub = realtime.NewHub(s.logger, cfg.CORSOrigins...)
	events := realtime.NewEmitter(s.realtimeHub)

	s.verifier = auth.NewVerifier(cfg.JWTSecret)
	s.tracker = sessions.NewTracker(st.sessions, s.logger).WithEvents(events)
	s.challenges = challenge.NewService(st.challenges, cfg.ChallengeTTL, s.logger)
	s.challengeTimer = challenge.NewTimer(st.challenges, s.logger)
	s.engine = visits.NewEngine(st.visits, s.challenges, st.fingerprints, s.tracker, s.logger).
		WithMinConfidence(cfg.MinConfidence).
		WithDefaultProximity(cfg.ProximityMeters).
		WithEvents(events).
		WithLocations(s.tracker)
	s.guard = rewards.NewGuard(st.rewards, st.visits, counter, s.logger).
		WithRateLimit(cfg.AwardRateLimit, cfg.AwardRateWindow).
		WithBanDuration(cfg.BanDuration).
		WithEvents(events)
	s.metricsSvc = admin.NewService(st.visits, s.tracker, st.rewards)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("postgres", health.Postgres(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Redis(s.redis))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStores picks Postgres when a database is configured, Redis for
// challenges and counters when REDIS_URL is set, and memory otherwise.
func (s *Server) openStores(ctx context.Context) (*stores, error) {
	cfg := s.cfg

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}

	if s.db != nil && cfg.AutoMigrate {
		if err := migrations.Up(ctx, s.db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.logger.Info("using Redis for challenges and counters", "addr", redisOpts.Addr)
	}

	st := &stores{}
	if s.db != nil {
		st.fingerprints = fingerprint.NewPostgresStore(s.db)
		st.visits = visits.NewPostgresStore(s.db)
		st.rewards = rewards.NewPostgresStore(s.db)
		st.sessions = sessions.NewPostgresStore(s.db)
		st.challenges = challenge.NewPostgresStore(s.db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		st.fingerprints = fingerprint.NewMemoryStore()
		st.visits = visits.NewMemoryStore()
		st.rewards = rewards.NewMemoryStore()
		st.sessions = sessions.NewMemoryStore()
		st.challenges = challenge.NewMemoryStore()
	}

	if s.redis != nil {
		st.challenges = challenge.NewRedisStore(s.redis, redisKeyPrefix)
		st.counter = ratelimit.NewRedisCounter(s.redis, redisKeyPrefix)
	} else {
		st.counter = ratelimit.NewMemoryCounter()
	}
	return st, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.RequestMaxBytes))

	// Per-IP flood protection; award limits are enforced separately per user.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// userContextMiddleware puts the authenticated user on the request logger.
func userContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := auth.UserID(c); userID != "" {
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.verifier, s.tracker))
	protected.Use(userContextMiddleware())
	protected.Use(sessions.ObserveSessions(s.tracker))
	challenge.NewHandler(s.challenges).RegisterProtectedRoutes(protected)
	visits.NewHandler(s.engine).RegisterProtectedRoutes(protected)
	rewards.NewHandler(s.guard, s.engine.Store()).RegisterProtectedRoutes(protected)
	sessionHandler := sessions.NewHandler(s.tracker)
	sessionHandler.RegisterProtectedRoutes(protected)

	adminGroup := v1.Group("/admin")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	admin.NewHandler(s.metricsSvc).WithLiveFeed(s.realtimeHub).RegisterRoutes(adminGroup)
	sessionHandler.RegisterAdminRoutes(adminGroup)
	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin routes are disabled")
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.challengeTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.challengeTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
