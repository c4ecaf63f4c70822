// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/agriconnect/settlement/internal/config"
	"github.com/agriconnect/settlement/internal/dispute"
	"github.com/agriconnect/settlement/internal/escrow"
	"github.com/agriconnect/settlement/internal/fx"
	"github.com/agriconnect/settlement/internal/gateway"
	"github.com/agriconnect/settlement/internal/health"
	"github.com/agriconnect/settlement/internal/ledger"
	"github.com/agriconnect/settlement/internal/logging"
	"github.com/agriconnect/settlement/internal/metrics"
	"github.com/agriconnect/settlement/internal/notify"
	"github.com/agriconnect/settlement/internal/settlement"
	"github.com/agriconnect/settlement/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	ledger          *ledger.Ledger
	escrowService   *escrow.Service
	disputeService  *dispute.Service
	gatewayAdapter  *gateway.Adapter
	engine          *settlement.Engine
	reconcileTimer  *settlement.Timer
	notifier        *notify.Dispatcher
	rates           fx.RateProvider
	healthChecks    *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithRateProvider sets a custom exchange rate provider (for testing)
func WithRateProvider(p fx.RateProvider) Option {
	return func(s *Server) {
		s.rates = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	// Apply options first (may set rates/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		escrowStore  escrow.Store
		disputeStore dispute.Store
		txStore      gateway.TxStore
		receiptStore gateway.ReceiptStore
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		s.healthChecks.Register("database", health.DBChecker(db))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.ledger = ledger.New(ledgerStore)

		escrowPG := escrow.NewPostgresStore(db)
		if err := escrowPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = escrowPG

		disputePG := dispute.NewPostgresStore(db)
		if err := disputePG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate dispute store", "error", err)
		}
		disputeStore = disputePG

		txPG := gateway.NewPostgresTxStore(db)
		if err := txPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate transaction store", "error", err)
		}
		txStore = txPG

		receiptPG := gateway.NewPostgresReceiptStore(db)
		if err := receiptPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate receipt store", "error", err)
		}
		receiptStore = receiptPG
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.ledger = ledger.New(ledger.NewMemoryStore())
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		txStore = gateway.NewMemoryTxStore()
		receiptStore = gateway.NewMemoryReceiptStore()
	}

	// Notification dispatch (disabled when NOTIFY_URL is unset)
	s.notifier = notify.NewDispatcher(cfg.NotifyURL, cfg.NotifySecret, s.logger)

	// Escrow holds all balances in the base currency
	s.escrowService = escrow.NewService(escrowStore, s.ledger, cfg.BaseCurrency).
		WithAutoReleaseDays(cfg.AutoReleaseDays).
		WithNotifier(s.notifier).
		WithLogger(s.logger)
	s.logger.Info("escrow enabled", "currency", cfg.BaseCurrency)

	// Disputes freeze escrow releases until resolved
	s.disputeService = dispute.NewService(disputeStore, s.escrowService).
		WithNotifier(s.notifier).
		WithLogger(s.logger)
	s.escrowService.WithFreezeChecker(s.disputeService)

	// Exchange rates: live service when configured, fail-closed otherwise
	if s.rates == nil {
		if cfg.RatesURL != "" {
			s.rates = fx.NewCachedProvider(
				fx.NewHTTPProvider(cfg.RatesURL, cfg.RatesTimeout, s.logger),
				cfg.RatesCacheTTL,
			)
			s.logger.Info("exchange rates enabled", "url", cfg.RatesURL)
		} else {
			// Same-currency conversions still work; cross-currency webhooks
			// are deferred until a rate source is configured.
			s.rates = fx.NewStaticProvider()
			s.logger.Warn("no RATES_URL configured, cross-currency payments will be deferred")
		}
	}

	// Gateway webhook ingestion funds escrows
	s.gatewayAdapter = gateway.NewAdapter(
		cfg.Gateways, txStore, receiptStore, s.escrowService, s.rates, cfg.BaseCurrency,
	).WithLogger(s.logger)
	s.logger.Info("payment gateways enabled", "count", len(cfg.Gateways))

	// Settlement engine drives milestone payouts and reconciliation
	s.engine = settlement.NewEngine(s.escrowService, s.ledger).
		WithWebhookRetrier(s.gatewayAdapter).
		WithLogger(s.logger)
	s.reconcileTimer = settlement.NewTimer(s.engine, cfg.ReconcileInterval, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Escrow accounts: open, inspect, confirm milestones, manual release/refund
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)

	// Gateway webhooks and transaction lookups
	gateway.NewHandler(s.gatewayAdapter).RegisterRoutes(v1)

	// Settlement: milestone payout and on-demand reconciliation
	settlement.NewHandler(s.engine).RegisterRoutes(v1)

	// Disputes: open, resolve, list
	dispute.NewHandler(s.disputeService).RegisterRoutes(v1)
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
	healthy, checks := s.healthChecks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	gateways := make([]string, 0, len(s.cfg.Gateways))
	for name := range s.cfg.Gateways {
		gateways = append(gateways, name)
	}

	c.JSON(http.StatusOK, gin.H{
		"name":        "AgriConnect Settlement",
		"description": "Escrow and payment settlement for agricultural trade",
		"version":     "0.1.0",
		"currency":    s.cfg.BaseCurrency,
		"gateways":    gateways,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start reconciliation timer
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciliation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Close database connection pool
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

// Engine returns the settlement engine for testing
func (s *Server) Engine() *settlement.Engine {
	return s.engine
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
