// Package server sets up the HTTP server with all routes
package server

import (
	"context"
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

	"github.com/mbd888/fraudshield/internal/circuitbreaker"
	"github.com/mbd888/fraudshield/internal/config"
	"github.com/mbd888/fraudshield/internal/decision"
	"github.com/mbd888/fraudshield/internal/geo"
	"github.com/mbd888/fraudshield/internal/health"
	"github.com/mbd888/fraudshield/internal/idgen"
	"github.com/mbd888/fraudshield/internal/ingest"
	"github.com/mbd888/fraudshield/internal/logging"
	"github.com/mbd888/fraudshield/internal/metrics"
	"github.com/mbd888/fraudshield/internal/mlscore"
	"github.com/mbd888/fraudshield/internal/pipeline"
	"github.com/mbd888/fraudshield/internal/ratelimit"
	"github.com/mbd888/fraudshield/internal/realtime"
	"github.com/mbd888/fraudshield/internal/reporting"
	"github.com/mbd888/fraudshield/internal/retry"
	"github.com/mbd888/fraudshield/internal/rules"
	"github.com/mbd888/fraudshield/internal/security"
	"github.com/mbd888/fraudshield/internal/traces"
	"github.com/mbd888/fraudshield/internal/transactions"
	"github.com/mbd888/fraudshield/internal/validation"
	"github.com/mbd888/fraudshield/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	transactions  transactions.Store
	reports       reporting.Store
	directory     reporting.Directory
	resolver      geo.Resolver
	predictor     mlscore.Predictor
	notifier      reporting.Notifier
	engine        *rules.Engine
	reconciler    *decision.Reconciler
	reporting     *reporting.Service
	orchestrator  *pipeline.Orchestrator
	realtimeHub   *realtime.Hub
	producer      *ingest.Producer
	consumer      *ingest.Consumer
	healthChecks  *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithGeoResolver replaces the IP geolocation client.
func WithGeoResolver(r geo.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// WithPredictor replaces the ML model client.
func WithPredictor(p mlscore.Predictor) Option {
	return func(s *Server) {
		s.predictor = p
	}
}

// WithNotifier replaces the SMS gateway.
func WithNotifier(n reporting.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, cfg.LogFormat),
		healthChecks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.setupStorage(); err != nil {
		return nil, err
	}
	s.setupUpstreams()
	s.setupServices()
	if err := s.setupIngest(); err != nil {
		return nil, err
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

// setupStorage picks Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) setupStorage() error {
	if s.cfg.DatabaseURL == "" {
		s.transactions = transactions.NewMemoryStore()
		s.reports = reporting.NewMemoryStore()
		s.directory = reporting.NewMemoryDirectory()
		s.logger.Info("using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err = retry.Do(ctx, retry.Startup, db.PingContext, func(attempt int, err error) {
		s.logger.Warn("database not reachable, retrying", "attempt", attempt, "error", err)
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.transactions = transactions.NewPostgresStore(db)
	s.reports = reporting.NewPostgresStore(db)
	s.directory = reporting.NewPostgresDirectory(db)
	s.healthChecks.Register("database", health.Database(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupUpstreams builds the clients for the ML model, geolocation and SMS
// gateway unless an option already supplied them.
func (s *Server) setupUpstreams() {
	if s.resolver == nil {
		if s.cfg.GeoLookupURL != "" {
			s.resolver = geo.NewClient(s.cfg.GeoLookupURL, s.cfg.GeoTimeout, s.logger)
		} else {
			s.resolver = geo.Static{}
			s.logger.Info("GEO_LOOKUP_URL is empty, regions resolve to Unknown")
		}
	}

	if s.predictor == nil {
		breaker := circuitbreaker.New("ml", s.cfg.BreakerThreshold, s.cfg.BreakerCooldown)
		s.predictor = mlscore.NewClient(s.cfg.MLPredictURL, s.cfg.MLTimeout, breaker)
		s.healthChecks.Register("ml", health.Breaker(breaker))
	}

	if s.notifier == nil {
		if s.cfg.NotifyURL != "" {
			breaker := circuitbreaker.New("sms", s.cfg.BreakerThreshold, s.cfg.BreakerCooldown)
			s.notifier = reporting.NewSMSGateway(s.cfg.NotifyURL, s.cfg.NotifySecret, s.cfg.NotifyFrom, s.cfg.NotifyTimeout, breaker)
			s.healthChecks.Register("sms", health.Breaker(breaker))
		} else {
			s.notifier = reporting.NewLogNotifier(s.logger)
			s.logger.Warn("NOTIFY_URL not set, payer alerts will only be logged")
		}
	}
}

func (s *Server) setupServices() {
	s.engine = rules.NewEngine(s.transactions, rules.Config{
		Threshold: s.cfg.RuleThreshold,
		Window: transactions.Window{
			Velocity:          s.cfg.VelocityWindow,
			Failure:           s.cfg.FailureWindow,
			HistoryLimit:      s.cfg.HistoryLimit,
			KnownFraudIPLimit: s.cfg.KnownFraudIPLimit,
		},
		HighRiskCountries:    s.cfg.HighRiskCountries,
		HighRiskPaymentModes: s.cfg.HighRiskPaymentModes,
		HighRiskChannels:     s.cfg.HighRiskChannels,
	}, s.logger)

	s.reconciler = decision.NewReconciler(s.transactions, s.logger)

	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(s.cfg.CORSOrigins)

	s.reporting = reporting.NewService(
		s.reports,
		s.transactions,
		s.reconciler,
		s.directory,
		s.notifier,
		reporting.Config{
			ReportingEntityID: s.cfg.ReportingEntityID,
			NotifyTimeout:     s.cfg.NotifyTimeout,
		},
		s.logger,
	)
	s.reporting.OnReport(s.realtimeHub.BroadcastReport)

	s.orchestrator = pipeline.NewOrchestrator(
		s.transactions,
		s.resolver,
		s.engine,
		s.predictor,
		s.reconciler,
		s.logger,
	).WithReporter(s.reporting).WithListener(s.realtimeHub.BroadcastAssessment)
}

func (s *Server) setupIngest() error {
	if !s.cfg.KafkaEnabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	onRetry := func(attempt int, err error) {
		s.logger.Warn("kafka not reachable, retrying", "attempt", attempt, "error", err)
	}

	var producer *ingest.Producer
	err := retry.Do(ctx, retry.Startup, func(context.Context) error {
		p, err := ingest.NewProducer(s.cfg.KafkaBrokers, s.cfg.KafkaTopic, s.resolver, s.logger)
		producer = p
		return err
	}, onRetry)
	if err != nil {
		return err
	}

	var consumer *ingest.Consumer
	err = retry.Do(ctx, retry.Startup, func(context.Context) error {
		c, err := ingest.NewConsumer(s.cfg.KafkaBrokers, s.cfg.KafkaGroupID, s.cfg.KafkaTopic, s.orchestrator, s.logger)
		consumer = c
		return err
	}, onRetry)
	if err != nil {
		_ = producer.Close()
		return err
	}
	s.producer = producer
	s.consumer = consumer
	return nil
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
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	api := s.router.Group("/api")
	pipeline.NewHandler(s.orchestrator).RegisterRoutes(api)
	rules.NewHandler(s.engine).RegisterRoutes(api)
	decision.NewHandler(s.reconciler, s.reporting, s.engine.Threshold()).RegisterRoutes(api)
	reporting.NewHandler(s.reporting).RegisterRoutes(api)
	transactions.NewHandler(s.transactions, s.cfg.RuleThreshold).RegisterRoutes(api)
	api.GET("/realtime/stats", s.realtimeStatsHandler)
	if s.producer != nil {
		ingest.NewHandler(s.producer).RegisterRoutes(api)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "Route not found",
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.realtimeHub.Stats()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Error("failed to initialise tracing, continuing without it", "error", err)
	} else {
		s.traceShutdown = shutdownTracing
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.rateLimiter.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.consumer != nil {
		s.consumer.Start(runCtx)
		s.logger.Info("kafka ingestion started", "topic", s.cfg.KafkaTopic)
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

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first so no new assessments start.
	if s.consumer != nil {
		if err := s.consumer.Close(ctx); err != nil {
			s.logger.Error("kafka consumer close error", "error", err)
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logger.Error("kafka producer close error", "error", err)
		}
	}

	// Let detached payer notifications finish.
	notified := make(chan struct{})
	go func() {
		s.reporting.Wait()
		close(notified)
	}()
	select {
	case <-notified:
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for pending notifications")
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
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
