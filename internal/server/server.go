// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/fairhold/fairhold/internal/audit"
	"github.com/fairhold/fairhold/internal/auth"
	"github.com/fairhold/fairhold/internal/config"
	"github.com/fairhold/fairhold/internal/health"
	"github.com/fairhold/fairhold/internal/idgen"
	"github.com/fairhold/fairhold/internal/logging"
	"github.com/fairhold/fairhold/internal/metrics"
	"github.com/fairhold/fairhold/internal/notify"
	"github.com/fairhold/fairhold/internal/payment"
	"github.com/fairhold/fairhold/internal/ratelimit"
	"github.com/fairhold/fairhold/internal/realtime"
	"github.com/fairhold/fairhold/internal/reconciliation"
	"github.com/fairhold/fairhold/internal/security"
	"github.com/fairhold/fairhold/internal/transaction"
	"github.com/fairhold/fairhold/internal/validation"
	"github.com/fairhold/fairhold/internal/wallet"
	"github.com/fairhold/fairhold/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	authMgr       *auth.Manager
	ledger        *wallet.Ledger
	transactions  *transaction.Service
	reconciler    *payment.Reconciler
	recorder      *audit.Recorder
	monitor       *audit.Monitor
	notifier      *notify.Dispatcher
	webhookStore  webhooks.Store
	emitter       *webhooks.Emitter
	realtimeHub   *realtime.Hub
	sweeper       *reconciliation.Timer
	healthChecks  *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	testProviders []payment.Provider
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
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

// WithProviders overrides the payment providers (for testing)
func WithProviders(providers ...payment.Provider) Option {
	return func(s *Server) {
		s.testProviders = providers
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/providers)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		txnStore    transaction.Store
		walletStore wallet.Store
		payStore    payment.Store
		auditStore  audit.Store
		notifyStore notify.Store
		authStore   auth.Store
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

		txnStore = transaction.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		payStore = payment.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)

		pgAuth := auth.NewPostgresStore(db)
		if err := pgAuth.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		authStore = pgAuth
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		txnStore = transaction.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		payStore = payment.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Wallet ledger (balances, escrow holds, withdrawals)
	s.ledger = wallet.New(walletStore, cfg.Currency)

	// Audit trail and anomaly monitor
	s.recorder = audit.NewRecorder(auditStore, s.logger)
	s.monitor = audit.NewMonitor(txnStore, payStore, s.recorder, s.logger)

	// Realtime hub for WebSocket streaming; notifications publish to it
	s.realtimeHub = realtime.NewHub(s.logger)
	s.notifier = notify.NewDispatcher(notifyStore, s.logger).WithPublisher(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

	// Outbound webhooks for user-registered subscriptions
	s.emitter = webhooks.NewEmitter(webhooks.NewDispatcher(s.webhookStore), s.logger)
	s.ledger.WithHooks(s.emitter)

	// Payment gateways
	providers := s.testProviders
	if providers == nil {
		if cfg.StripeSecretKey != "" {
			providers = append(providers, payment.NewStripeProvider(
				cfg.StripeSecretKey,
				cfg.StripeWebhookSecret,
				cfg.CheckoutSuccessURL,
				cfg.CheckoutCancelURL,
			))
			s.logger.Info("stripe gateway enabled")
		}
		if cfg.PaystackSecretKey != "" {
			providers = append(providers, payment.NewPaystackProvider(cfg.PaystackSecretKey, cfg.PaystackBaseURL))
			s.logger.Info("paystack gateway enabled")
		}
	}
	registry := payment.NewRegistry(providers...)
	if len(providers) == 0 {
		s.logger.Warn("no payment gateways configured, only wallet funding available")
	}

	gatewayTimeout := time.Duration(cfg.GatewayTimeoutSecs) * time.Second
	s.reconciler = payment.NewReconciler(payStore, registry, cfg.Currency, gatewayTimeout).
		WithAudit(s.recorder).
		WithHooks(s.emitter).
		WithLogger(s.logger)

	// Escrow transaction state machine
	s.transactions = transaction.NewService(txnStore, s.ledger, cfg.Currency).
		WithPayments(s.reconciler).
		WithNotifier(s.notifier).
		WithAudit(s.recorder).
		WithAnomalyChecker(s.monitor).
		WithHooks(s.emitter)

	// Webhook outcomes settle transactions through the same state machine
	s.reconciler.WithApplier(s.transactions)

	// Periodic sweeps: re-verify stale pending payments, retry stuck
	// escrow releases
	sweepRunner := reconciliation.NewRunner(payStore, s.reconciler, txnStore, s.transactions, s.logger)
	s.sweeper = reconciliation.NewTimer(sweepRunner, 5*time.Minute, s.logger)

	// Health checks
	s.healthChecks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

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

	// WebSocket for real-time updates. The connection is bound to the
	// authenticated user; unauthenticated upgrades are rejected.
	s.router.GET("/ws", auth.Middleware(s.authMgr), func(c *gin.Context) {
		userID := auth.GetAuthenticatedUser(c)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required to open a realtime connection",
			})
			return
		}
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, userID)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	// PUBLIC ROUTES (no auth required)
	v1.GET("/platform", s.platformHandler)

	// REGISTRATION (public but returns API key)
	v1.POST("/users", s.registerUserWithAPIKey)

	// AUTH INFO (public)
	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// PAYMENT WEBHOOKS (authenticated by gateway signature, not API key)
	paymentHandler := payment.NewHandler(s.reconciler, s.logger)
	paymentHandler.RegisterWebhookRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		// Escrow transactions
		transaction.NewHandler(s.transactions).RegisterRoutes(protected)

		// Wallet, history, withdrawals
		wallet.NewHandler(s.ledger, s.logger).RegisterRoutes(protected)

		// Payment lookups and gateway callback verification
		paymentHandler.RegisterRoutes(protected)

		// Notifications
		notify.NewHandler(s.notifier).RegisterRoutes(protected)

		// Webhook subscription management. Destination URLs get the SSRF
		// guard so subscribers cannot point deliveries at internal hosts.
		webhooks.NewHandler(s.webhookStore).
			WithURLCheck(security.ValidateEndpointURL).
			RegisterRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentUser)
	}

	// ADMIN ROUTES (require admin role)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		transaction.NewHandler(s.transactions).RegisterAdminRoutes(admin)
		wallet.NewHandler(s.ledger, s.logger).RegisterAdminRoutes(admin)
		audit.NewHandler(s.recorder).RegisterAdminRoutes(admin)
	}
}

// registerUserWithAPIKey handles POST /v1/users
// Registration opens the user's wallet and returns their API key
func (s *Server) registerUserWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	// Parse request
	var req struct {
		Email string `json:"email" binding:"required"`
		Name  string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidEmail("email", req.Email),
		validation.MaxLength("name", req.Name, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req.Name = validation.SanitizeString(req.Name, 200)

	// Admin keys are only issued when the caller presents the admin secret
	role := auth.RoleUser
	if secret := c.GetHeader("X-Admin-Secret"); secret != "" {
		if s.cfg.AdminSecret == "" ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		role = auth.RoleAdmin
	}

	userID := idgen.WithPrefix("usr_")

	// Open the user's wallet
	w, err := s.ledger.Open(ctx, userID)
	if err != nil {
		s.logger.Error("failed to open wallet", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register user",
		})
		return
	}

	// Generate API key for the new user
	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, userID, role, "Primary key")
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		// User wallet was created but key generation failed
		// Still return success but note the issue
		c.JSON(http.StatusCreated, gin.H{
			"userId":  userID,
			"wallet":  w,
			"warning": "User registered but API key generation failed. Contact support.",
		})
		return
	}

	s.logger.Info("user registered with API key",
		"user_id", userID,
		"role", role,
		"keyId", keyInfo.ID,
	)

	// Return user and API key
	c.JSON(http.StatusCreated, gin.H{
		"userId":  userID,
		"email":   req.Email,
		"name":    req.Name,
		"wallet":  w,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
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

	healthy, statuses := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
	c.JSON(http.StatusOK, gin.H{
		"name":        "Fairhold",
		"description": "Escrow-backed payments for marketplace transactions",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// platformHandler returns platform info including fee policy and gateways
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":     "Fairhold",
			"version":  "0.1.0",
			"currency": s.cfg.Currency,
			"gateways": s.reconciler.Gateways(),
		},
		"instructions": gin.H{
			"register": "POST /v1/users with email. An API key and wallet are created for you.",
			"escrow":   "POST /v1/transactions as buyer, then POST /v1/transactions/{id}/fund",
			"withdraw": "POST /v1/wallet/withdrawals with bank details",
		},
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

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start reconciliation sweeps
	go s.sweeper.Start(runCtx)

	// Sample DB pool stats into Prometheus
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

	// Cancel the context for all background goroutines (hub, sweeps, collectors)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
