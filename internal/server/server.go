// Package server wires the agent together and exposes its ops surface.
package server

import (
	"context"
	"database/sql"
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

	"github.com/zinlatt/presenced/internal/barrier"
	"github.com/zinlatt/presenced/internal/bus"
	"github.com/zinlatt/presenced/internal/config"
	"github.com/zinlatt/presenced/internal/connectivity"
	"github.com/zinlatt/presenced/internal/geo"
	"github.com/zinlatt/presenced/internal/health"
	"github.com/zinlatt/presenced/internal/idgen"
	"github.com/zinlatt/presenced/internal/ledger"
	"github.com/zinlatt/presenced/internal/logging"
	"github.com/zinlatt/presenced/internal/metrics"
	"github.com/zinlatt/presenced/internal/remote"
	"github.com/zinlatt/presenced/internal/stream"
	"github.com/zinlatt/presenced/internal/syncer"
	"github.com/zinlatt/presenced/internal/verify"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the agent's moving parts.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB // nil if using in-memory
	ledger   *ledger.Ledger
	sessions ledger.SessionStore
	remote   *remote.Client

	scheduler    *syncer.Scheduler
	syncTimer    *syncer.Timer
	reconciler   *barrier.Reconciler
	barrierTimer *barrier.Timer
	monitor      *connectivity.Monitor

	events   *bus.Bus
	fanout   *bus.Fanout
	unsubFan func()
	hub      *stream.Hub

	pipeline *verify.Pipeline
	recorder *verify.Recorder
	det      verify.Detector
	rec      verify.Recognizer
	live     verify.LivenessChecker

	checks  *health.Registry
	router  *gin.Engine
	httpSrv *http.Server

	cancelRunCtx context.CancelFunc

	activeSession atomic.Value // string
	ready         atomic.Bool
	healthy       atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDetection injects the face model boundaries. Without them the frame
// ingest endpoint is disabled.
func WithDetection(det verify.Detector, rec verify.Recognizer, live verify.LivenessChecker) Option {
	return func(s *Server) {
		s.det = det
		s.rec = rec
		s.live = live
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	s.activeSession.Store("")

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise. A
	// field device without a database still works; it just loses pending
	// work on restart.
	var barrierStore barrier.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		store := ledger.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.ledger = ledger.New(store)
		s.sessions = ledger.NewPostgresSessionStore(db)
		barrierStore = barrier.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (pending work will not survive restart)")
		s.ledger = ledger.New(ledger.NewMemoryStore())
		s.sessions = ledger.NewMemorySessionStore()
		barrierStore = barrier.NewMemoryStore()
	}

	// Remote authority client.
	s.remote = remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteToken)

	// Event bus, external notifiers, websocket hub.
	s.events = bus.New(64, s.logger)
	s.hub = stream.NewHub(s.logger)
	notifiers := []bus.Notifier{bus.NewLogNotifier(s.logger), s.hub}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, bus.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret))
		s.logger.Info("webhook notifier enabled")
	}
	s.fanout = bus.NewFanout(s.logger, notifiers...)

	// Sync scheduler and notification barrier.
	s.scheduler = syncer.New(s.ledger, s.remote, cfg.DeviceID, s.logger)
	s.syncTimer = syncer.NewTimer(s.scheduler, cfg.SyncInterval, s.logger)
	s.reconciler = barrier.New(barrierStore, s.sessions, s.ledger, s.remote, s.events, cfg.OrgID, s.logger)
	s.barrierTimer = barrier.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Newly synced attendance can complete a session's barrier; reconcile
	// right after instead of waiting out the interval.
	s.syncTimer.OnPass(func(res syncer.Result) {
		if res.Synced > 0 {
			s.barrierTimer.Wake()
		}
		if res.Failed > 0 {
			s.events.Publish(bus.Event{
				Kind:    bus.KindError,
				Message: fmt.Sprintf("sync pass left %d records pending", res.Failed),
			})
		}
	})

	// Connectivity watcher wakes both loops on reconnect.
	s.monitor = connectivity.New(s.remote, cfg.ConnectivityPoll, s.logger, s.syncTimer, s.barrierTimer)

	// Verification pipeline, if the model boundaries were provided.
	if s.det != nil && s.rec != nil && s.live != nil {
		s.recorder = verify.NewRecorder(s.ledger, func() string {
			id, _ := s.activeSession.Load().(string)
			return id
		})
		s.pipeline = verify.NewPipeline(verify.Config{
			SampleEvery:    cfg.SampleEvery,
			MatchThreshold: cfg.MatchThreshold,
			Fence: geo.Geofence{
				Center:  geo.Point{Lat: cfg.GeofenceLat, Lng: cfg.GeofenceLng},
				RadiusM: cfg.GeofenceRadiusM,
			},
		}, s.det, s.rec, s.live, s.recorder, s.logger)
		s.logger.Info("verification pipeline enabled",
			"sample_every", cfg.SampleEvery, "match_threshold", cfg.MatchThreshold)
	} else {
		s.logger.Warn("verification pipeline disabled, no detection models wired")
	}

	s.checks = health.NewRegistry()
	s.checks.Register("ledger", func(ctx context.Context) health.Status {
		if _, err := s.ledger.Query(ctx, ledger.Filter{PendingOnly: true}); err != nil {
			return health.Status{Name: "ledger", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "ledger", Healthy: true}
	})
	// An offline remote degrades the device, it never fails the probe.
	s.checks.RegisterDegradable("remote", func(ctx context.Context) health.Status {
		if !s.monitor.Online() {
			return health.Status{Name: "remote", Healthy: false, Detail: "offline"}
		}
		return health.Status{Name: "remote", Healthy: true}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

	s.router.Use(metrics.Middleware())
	s.router.Use(s.deviceContextMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) deviceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.WithDeviceID(c.Request.Context(), s.cfg.DeviceID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream for dashboards.
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	// Ledger inspection.
	v1.GET("/ledger/pending", s.pendingHandler)
	v1.GET("/ledger/status", s.ledgerStatusHandler)

	// Session lifecycle.
	v1.GET("/sessions", s.listSessionsHandler)
	v1.POST("/sessions", s.startSessionHandler)
	v1.POST("/sessions/:id/end", s.endSessionHandler)

	// Frame ingest from the camera process.
	v1.POST("/frames", s.ingestFrameHandler)

	// Manual triggers for operators.
	v1.POST("/sync", s.triggerSyncHandler)
	v1.POST("/reconcile", s.triggerReconcileHandler)

	// Stream stats.
	v1.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and all background loops, blocking until a
// shutdown signal or a fatal server error.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"device_id", s.cfg.DeviceID,
			"org_id", s.cfg.OrgID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	events, unsub := s.events.Subscribe()
	s.unsubFan = unsub
	go s.fanout.Run(runCtx, events)

	go s.syncTimer.Start(runCtx)
	go s.barrierTimer.Start(runCtx)
	go s.monitor.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("agent ready")
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

// Shutdown gracefully stops the server and background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.syncTimer.Stop()
	s.barrierTimer.Stop()
	s.monitor.Stop()
	if s.unsubFan != nil {
		s.unsubFan()
	}

	// Let an in-flight frame finish so an accepted verdict lands in the
	// ledger before we stop.
	if s.pipeline != nil {
		s.pipeline.Wait()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("agent stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// newSessionID mints an identifier for locally started sessions.
func newSessionID() string {
	return idgen.WithPrefix("ses_")
}
