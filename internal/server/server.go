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

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/config"
	"github.com/mbd888/servicedesk/internal/conversations"
	"github.com/mbd888/servicedesk/internal/envelope"
	"github.com/mbd888/servicedesk/internal/health"
	"github.com/mbd888/servicedesk/internal/ledger"
	"github.com/mbd888/servicedesk/internal/logging"
	"github.com/mbd888/servicedesk/internal/metrics"
	"github.com/mbd888/servicedesk/internal/negotiation"
	"github.com/mbd888/servicedesk/internal/payments"
	"github.com/mbd888/servicedesk/internal/presence"
	"github.com/mbd888/servicedesk/internal/ratelimit"
	"github.com/mbd888/servicedesk/internal/realtime"
	"github.com/mbd888/servicedesk/internal/reconciliation"
	"github.com/mbd888/servicedesk/internal/requests"
	"github.com/mbd888/servicedesk/internal/security"
	"github.com/mbd888/servicedesk/internal/syncutil"
	"github.com/mbd888/servicedesk/internal/traces"
	"github.com/mbd888/servicedesk/internal/validation"
	"github.com/mbd888/servicedesk/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	tokens *auth.TokenManager

	requests       *requests.Service
	conversations  *conversations.Service
	offers         *negotiation.Service
	payments       *payments.Service
	ledger         *ledger.Service
	reconciliation *reconciliation.Service
	processor      payments.Processor

	hub          *realtime.Hub
	gateway      *realtime.Gateway
	tracker      presence.Tracker
	paymentTimer *payments.Timer
	reconTimer   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	db             *sql.DB               // nil if using in-memory
	redis          redis.UniversalClient // nil if not configured
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

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

// WithProcessor sets the payment processor (for testing)
func WithProcessor(p payments.Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		tokens:     auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		if err := s.openRedis(ctx); err != nil {
			return nil, err
		}
	}

	s.wireServices()

	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.db = db
	s.health.Register("postgres", health.DB(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) openRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.redis = client
	s.health.Register("redis", health.Redis(client))
	s.logger.Info("using Redis for presence, locks and rate limits", "url", maskDSN(s.cfg.RedisURL))
	return nil
}

// wireServices builds the domain services on the configured storage.
func (s *Server) wireServices() {
	var (
		requestStore  requests.Store
		convStore     conversations.Store
		offerStore    negotiation.Store
		ledgerStore   ledger.Store
		paymentsStore payments.Store
	)
	if s.db != nil {
		requestStore = requests.NewPostgresStore(s.db)
		convStore = conversations.NewPostgresStore(s.db)
		offerStore = negotiation.NewPostgresStore(s.db)
		ledgerStore = ledger.NewPostgresStore(s.db)
		paymentsStore = payments.NewPostgresStore(s.db)
	} else {
		mem := ledger.NewMemoryStore()
		requestStore = requests.NewMemoryStore()
		convStore = conversations.NewMemoryStore()
		offerStore = negotiation.NewMemoryStore()
		ledgerStore = mem
		paymentsStore = payments.NewMemoryStore(mem)
	}

	// Per-process locks always; Redis locks on top when replicas share state.
	locker := syncutil.Chain(
		syncutil.NewContextShardedMutex(),
		syncutil.NewRedisLocker(s.redis, "servicedesk:lock:", 30*time.Second),
	)

	s.requests = requests.NewService(requestStore, s.logger).
		WithRefundPolicy(requests.RefundPolicy{Window: s.cfg.RefundWindow})
	s.conversations = conversations.NewService(convStore, s.requests, s.logger)
	s.requests.WithConversations(s.conversations)
	s.offers = negotiation.NewService(offerStore, s.requests, s.logger)
	s.ledger = ledger.NewService(ledgerStore, s.logger).WithLocker(locker)

	if s.processor == nil {
		s.processor = s.newProcessor()
	}
	s.payments = payments.NewService(paymentsStore, s.processor, s.offers, s.requests,
		payments.SettingsFromConfig(s.cfg), s.logger).WithLocker(locker)
	s.requests.WithPayments(s.payments)
	s.offers.WithPayments(s.payments)

	s.paymentTimer = payments.NewTimer(s.payments, s.logger)
	s.health.Register("payment_sweeper", health.Running("payment_sweeper", s.paymentTimer.Running))

	s.reconciliation = reconciliation.NewService(s.ledger, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciliation, 0, s.logger)

	if s.redis != nil {
		s.tracker = presence.NewRedisTracker(s.redis, s.cfg.PresenceTTL)
	} else {
		s.tracker = presence.NewMemoryTracker(s.cfg.PresenceTTL)
	}

	s.hub = realtime.NewHub(s.logger)
	s.gateway = realtime.NewGateway(s.hub, s.tokens, s.conversations, s.offers, s.requests, s.tracker, s.logger).
		WithAllowedOrigins(s.cfg.CORSOrigins)
}

// newProcessor returns the Stripe client wrapped in retries and a circuit
// breaker, or an in-process fake outside production when no key is set.
func (s *Server) newProcessor() payments.Processor {
	if s.cfg.StripeSecretKey == "" {
		s.logger.Warn("STRIPE_SECRET_KEY not set, using fake payment processor")
		fake := payments.NewFakeProcessor()
		fake.AutoSucceed(true)
		return fake
	}
	return payments.NewResilientProcessor(payments.NewStripeProcessor(payments.StripeConfig{
		SecretKey:           s.cfg.StripeSecretKey,
		EphemeralKeyVersion: s.cfg.StripeEphemeralKeyVersion,
	}))
}

// maskDSN hides the password in a connection URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		envelope.Failure(c, http.StatusInternalServerError, "internal_error", "An unexpected error occurred", nil)
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.redis != nil {
		s.router.Use(ratelimit.Middleware(ratelimit.NewRedisLimiter(s.redis, s.cfg.RateLimitRPM)))
	} else {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(ratelimit.Middleware(s.rateLimiter))
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware(s.tokens))
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

		// Log level based on status code
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
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

	// The gateway and the webhook authenticate on their own.
	s.gateway.RegisterRoutes(v1)
	paymentsHandler := payments.NewHandler(s.payments, s.cfg.StripeWebhookSecret)
	paymentsHandler.RegisterWebhookRoutes(v1)

	authed := v1.Group("", auth.RequireAuth())
	customer := v1.Group("", auth.RequireRole(auth.RoleCustomer))
	responder := v1.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleFreelancer))
	freelancer := v1.Group("", auth.RequireRole(auth.RoleFreelancer))
	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))

	requestsHandler := requests.NewHandler(s.requests)
	requestsHandler.RegisterCustomerRoutes(customer)
	requestsHandler.RegisterSharedRoutes(authed)
	requestsHandler.RegisterResponderRoutes(responder)
	requestsHandler.RegisterAdminRoutes(admin)

	convHandler := conversations.NewHandler(s.conversations)
	convHandler.RegisterResponderRoutes(responder)
	convHandler.RegisterRoutes(authed)

	offersHandler := negotiation.NewHandler(s.offers)
	offersHandler.RegisterRoutes(authed)
	offersHandler.RegisterResponderRoutes(responder)
	offersHandler.RegisterCustomerRoutes(customer)

	paymentsHandler.RegisterCustomerRoutes(customer)

	ledgerHandler := ledger.NewHandler(s.ledger)
	ledgerHandler.RegisterFreelancerRoutes(freelancer)
	ledgerHandler.RegisterAdminRoutes(admin)

	reconciliation.NewHandler(s.reconciliation).RegisterAdminRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		envelope.Failure(c, http.StatusNotFound, "not_found", "Route not found", nil)
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  map[string]any  `json:"realtime"`
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
		Version:   "0.1.0",
		Checks:    checks,
		Realtime:  s.hub.Stats(),
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
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.paymentTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)
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
	defer signal.Stop(sigChan)

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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stops the hub (closing every websocket) and the timers.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.hub.Shutdown()
	s.paymentTimer.Stop()
	s.reconTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
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

// Tokens returns the token manager, for issuing test and dev tokens.
func (s *Server) Tokens() *auth.TokenManager {
	return s.tokens
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
