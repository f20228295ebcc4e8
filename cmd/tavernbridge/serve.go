package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echograph/tavernbridge/api/handlers"
	"github.com/echograph/tavernbridge/internal/activity"
	"github.com/echograph/tavernbridge/internal/config"
	"github.com/echograph/tavernbridge/internal/db"
	"github.com/echograph/tavernbridge/internal/health"
	"github.com/echograph/tavernbridge/internal/host"
	"github.com/echograph/tavernbridge/internal/logging"
	"github.com/echograph/tavernbridge/internal/model"
	"github.com/echograph/tavernbridge/internal/repository"
	"github.com/echograph/tavernbridge/internal/router"
	"github.com/echograph/tavernbridge/internal/session"
	"github.com/echograph/tavernbridge/internal/trace"
	"github.com/echograph/tavernbridge/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		console    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge: health probing, session orchestration and the host HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, console)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", getEnv("TAVERN_CONFIG", "tavernbridge.yaml"), "path to config file")
	cmd.Flags().BoolVar(&console, "console", false, "human-readable log output")
	return cmd
}

func runServe(parent context.Context, configPath string, console bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.DebugMode, console)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Bridge.Listen,
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting bridge API", zap.String("listen", cfg.Bridge.Listen), zap.String("backend", cfg.APIBaseURL))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge API: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down bridge...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// app holds the wired components of a running bridge.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	database *sql.DB

	backend    *health.Backend
	prober     *health.Prober
	supervisor *ws.Supervisor
	orch       *session.Orchestrator
	router     *router.Router
	feed       *activity.Feed
	hostCtx    *host.FileContext
	recorder   *trace.Recorder
	engine     *gin.Engine

	cancel context.CancelFunc
	done   chan struct{}
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	sessionRepo := repository.NewSessionRepository(database)
	activityRepo := repository.NewActivityRepository(database)

	hostCtx, err := host.NewFileContext(cfg.Host.CharacterFile, cfg.Host.ChatFile, logger.Named("host"))
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		hostCtx:  hostCtx,
		feed:     activity.NewFeed(activity.DefaultCapacity, activityRepo, logger),
		backend:  health.NewBackend(cfg.APIBaseURL, nil),
		done:     make(chan struct{}),
	}
	a.feed.SetNotifications(cfg.ShowNotifications)
	a.prober = health.NewProber(a.backend, cfg.Health, logger.Named("health"))

	channel := ws.NewChannel(cfg.Timeouts.Default, logger.Named("rpc"))
	a.supervisor = ws.NewSupervisor(ws.SupervisorConfig{
		BaseURL:        cfg.APIBaseURL,
		DefaultTimeout: cfg.Timeouts.Default,
	}, channel, a.prober, logger.Named("ws"))

	if cfg.DebugMode {
		rec, err := trace.NewRecorder(cfg.Storage.TraceDir, logger)
		if err != nil {
			logger.Warn("Wire tracing disabled", zap.Error(err))
		} else {
			a.recorder = rec
			a.supervisor.SetTracer(rec)
		}
	}

	a.supervisor.Observe(func(sessionID string, state ws.ConnState, err error) {
		if state == ws.StateDisconnected && err != nil {
			a.feed.Report(model.ActivityWarning, sessionID, "Backend connection lost")
		}
	})
	a.prober.OnProbe(func(ok bool, _ health.Status, err error) {
		if !ok {
			logger.Debug("Backend probe failed", zap.Error(err))
		}
	})

	a.orch = session.NewOrchestrator(hostCtx, a.supervisor, session.Options{
		Timeouts:         cfg.Timeouts,
		SlidingWindow:    cfg.SlidingWindow,
		IncludeWorldInfo: cfg.MemoryEnhancement.EnableWorldBookIntegration,
		Ledger:           sessionRepo,
		Reporter:         a.feed,
		Resetter:         a.backend,
		Logger:           logger.Named("session"),
	})
	a.router = router.New(a.orch, a.supervisor, hostCtx, router.Options{
		Config:   cfg,
		Reporter: a.feed,
		Logger:   logger.Named("router"),
	})
	channel.SetPushHandler(a.router.HandlePush)

	a.engine = newEngine(logger,
		handlers.NewSessionHandler(a.orch, a.supervisor, a.prober, sessionRepo, a.backend),
		handlers.NewEventHandler(a.router, a.supervisor, a.feed),
	)
	return a, nil
}

// Start runs the health prober and the host file watcher, and initializes a
// session for the current character once the backend answers.
func (a *app) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	go func() {
		defer close(a.done)

		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			err := a.hostCtx.Watch(ctx, func(kind host.ChangeKind) {
				a.router.OnChatChanged(ctx)
			})
			if err != nil {
				a.logger.Warn("Host file watcher stopped", zap.Error(err))
			}
		}()

		if a.cfg.Enabled && a.cfg.AutoInitialize {
			go func() {
				if _, err := a.prober.Probe(ctx); err != nil {
					a.logger.Info("Backend not reachable yet; session will initialize on first event", zap.Error(err))
					return
				}
				a.orch.InitializeSession(ctx, "startup", false)
			}()
		}

		a.prober.Run(ctx)
		<-watchDone
	}()
}

// Close stops background work and releases resources.
func (a *app) Close() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.router.Close()
	a.supervisor.Close()
	if a.recorder != nil {
		a.recorder.Close()
	}
	a.database.Close()
}

func newEngine(logger *zap.Logger, sessions *handlers.SessionHandler, events *handlers.EventHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger.Named("http")))

	// Enable CORS so the chat host's browser extension can reach the bridge.
	r.Use(corsMiddleware())

	r.GET("/health", sessions.Health)

	api := r.Group("/api")
	{
		sessions.RegisterRoutes(api)
		events.RegisterRoutes(api)
	}
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// corsMiddleware returns a CORS middleware for the local chat host.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
