package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/activity"
	"github.com/foremanhq/foreman/internal/api"
	"github.com/foremanhq/foreman/internal/common/clock"
	"github.com/foremanhq/foreman/internal/common/config"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/runner"
	"github.com/foremanhq/foreman/internal/session"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/internal/task"
	"github.com/foremanhq/foreman/internal/tmux"
	"github.com/foremanhq/foreman/internal/verifier"
	"github.com/foremanhq/foreman/internal/watchdog"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Foreman...")

	ctx := context.Background()
	clk := clock.New()

	// 3. Open the store
	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store opened", zap.String("path", cfg.Database.Path))

	// 4. Seed verifier settings on first boot
	if err := st.SeedVerifierSettings(ctx, v1.VerifierSettings{
		Enabled:   cfg.Verifier.Enabled,
		APIURL:    cfg.Verifier.APIURL,
		APIKey:    cfg.Verifier.APIKey,
		Model:     cfg.Verifier.Model,
		MaxTokens: cfg.Verifier.MaxTokens,
	}); err != nil {
		log.Fatal("Failed to seed verifier settings", zap.Error(err))
	}

	// 5. Create the event bus, mirrored to NATS when configured
	eventBus := bus.NewMemoryBus(log)
	defer eventBus.Close()

	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(eventBus, bus.NATSMirrorConfig{
			URL:           cfg.NATS.URL,
			ClientID:      cfg.NATS.ClientID,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer mirror.Close()
		log.Info("Mirroring events to NATS", zap.String("url", cfg.NATS.URL))
	}

	// 6. Probe the terminal multiplexer
	terminal, err := tmux.NewClient(tmux.Config{
		Binary:        cfg.Tmux.Binary,
		SessionPrefix: cfg.Tmux.SessionPrefix,
		Cols:          cfg.Tmux.Cols,
		Rows:          cfg.Tmux.Rows,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tmux", zap.Error(err))
	}

	// 7. Session manager
	sessions := session.NewManager(st, terminal, log)

	// 8. Activity detector
	detector := activity.NewDetector(terminal, clk, activity.Config{
		ActiveIdleThreshold: time.Duration(cfg.Activity.ActiveIdleThreshold) * time.Second,
		WaitingThreshold:    time.Duration(cfg.Activity.WaitingThreshold) * time.Second,
	})

	// 9. Verifier, reading its settings from the store
	verif := verifier.New(st, clk, log)

	// 10. Runners
	deps := runner.Deps{
		Terminal: terminal,
		Detector: detector,
		Verifier: verif,
		Sessions: sessions,
		Bus:      eventBus,
		Clock:    clk,
		Logger:   log,
		Config: runner.Config{
			PollInterval:         cfg.Runner.PollIntervalDuration(),
			StatusUpdateInterval: cfg.Runner.StatusUpdateIntervalDuration(),
			IterationTimeout:     cfg.Runner.IterationTimeoutDuration(),
			IdleWaitTimeout:      cfg.Runner.IdleWaitTimeoutDuration(),
			ProgressHeartbeat:    cfg.Runner.ProgressHeartbeatDuration(),
		},
	}
	registry := runner.NewRegistry(
		runner.NewIterativeRunner(deps),
		runner.NewSingleShotRunner(deps),
		runner.NewManualRunner(deps),
	)

	// 11. Task service, subscribed to the bus
	tasks, err := task.NewService(st, registry, eventBus, clk, log)
	if err != nil {
		log.Fatal("Failed to create task service", zap.Error(err))
	}
	defer tasks.Close()

	// 12. Watchdog
	dog := watchdog.New(tasks, sessions, terminal, detector, clk, watchdog.Config{
		Interval:          cfg.Watchdog.IntervalDuration(),
		StaleWarning:      time.Duration(cfg.Watchdog.StaleWarning) * time.Second,
		StaleStuck:        time.Duration(cfg.Watchdog.StaleStuck) * time.Second,
		StaleCritical:     time.Duration(cfg.Watchdog.StaleCritical) * time.Second,
		AbsoluteRuntime:   time.Duration(cfg.Watchdog.AbsoluteRuntime) * time.Second,
		QueueBlock:        time.Duration(cfg.Watchdog.QueueBlock) * time.Second,
		MaxHealthFailures: cfg.Watchdog.MaxHealthFailures,
	}, log)
	dog.Start()

	// 13. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.CORS())

	stream, err := api.NewStream(eventBus, log)
	if err != nil {
		log.Fatal("Failed to create event stream", zap.Error(err))
	}

	handler := api.NewHandler(sessions, tasks, st, verif, log)
	api.SetupRoutes(router.Group("/api/v1"), handler, stream, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 14. Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Foreman...")

	// 16. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	dog.Stop()
	stream.Close()

	log.Info("Foreman stopped")
}
