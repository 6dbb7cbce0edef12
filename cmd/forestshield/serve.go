package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/forestshield/forestshield/internal/api"
	"github.com/forestshield/forestshield/internal/config"
	"github.com/forestshield/forestshield/internal/consolidator"
	"github.com/forestshield/forestshield/internal/coordinator"
	"github.com/forestshield/forestshield/internal/logging"
	"github.com/forestshield/forestshield/internal/mlm"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/notifications"
	"github.com/forestshield/forestshield/internal/objectstore"
	"github.com/forestshield/forestshield/internal/orchestrator"
	"github.com/forestshield/forestshield/internal/scheduler"
	"github.com/forestshield/forestshield/internal/statestore"
	"github.com/forestshield/forestshield/internal/websocket"
	"github.com/forestshield/forestshield/internal/workers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ForestShield server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

// dailyExpression is the schedule restored for ACTIVE regions at startup.
const dailyExpression = "0 6 * * *"

func runServer() {
	// Baseline logger for early startup; re-initialized from config below.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "forestshield"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "forestshield"})

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		log.Fatal().Err(err).Str("path", cfg.DataPath).Msg("Failed to create data directory")
	}

	state, err := statestore.NewStore(cfg.StateDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
	}
	defer state.Close()

	publicURL := "http://localhost" + cfg.ListenAddr
	objects, err := objectstore.NewFSStore(cfg.ObjectStoreRoot, publicURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open object store")
	}

	replicaID, _ := os.Hostname()
	if replicaID == "" {
		replicaID = uuid.NewString()
	}
	coord, err := coordinator.NewRedis(cfg.RedisURL, replicaID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to coordinator")
	}

	invoker := workers.NewHTTPInvoker(cfg.WorkerBaseURL, 0)
	manager := mlm.NewManager(state, objects, invoker, mlm.Config{KCandidates: cfg.KCandidates})

	hub := websocket.NewHub(coord)
	go hub.Run()
	defer hub.Close()

	notif := notifications.NewManager(invoker, hub, cfg.NotifyCooldown)
	for i, u := range cfg.WebhookURLs {
		notif.AddWebhook(notifications.WebhookConfig{Name: "webhook-" + uuid.NewString()[:8], URL: u})
		log.Info().Int("index", i).Msg("Webhook loaded from configuration")
	}

	cons := consolidator.New(state, manager, notif, cfg.ConfidenceWeights)
	engine := orchestrator.NewEngine(state, objects, invoker, manager, cons, orchestrator.Config{
		MaxParallelImages: cfg.MaxParallelImages,
		RunTimeout:        cfg.RunTimeout,
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
	})

	sched := scheduler.New(coord, state, engine, scheduler.Config{
		Workers:   cfg.SchedulerWorkers,
		QueueCap:  cfg.SchedulerQueueCap,
		ClaimTTL:  cfg.ClaimTTL,
		Retention: cfg.JobRetention,
	})
	sched.Start()
	defer sched.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Runs stranded by a previous process resume from their checkpoints.
	if resumed, err := engine.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Run recovery failed")
	} else if resumed > 0 {
		log.Info().Int("runs", resumed).Msg("Resumed in-progress analysis runs")
	}

	restoreSchedules(ctx, state, sched)
	go watchConfig(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(state, objects, engine, sched, manager, hub, notif, coord).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("ForestShield server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown incomplete")
	}
}

// restoreSchedules re-registers the recurring job for every ACTIVE region.
// Schedules are not persisted separately; region status is the source of truth.
func restoreSchedules(ctx context.Context, state *statestore.Store, sched *scheduler.Scheduler) {
	regions, err := state.ListRegions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list regions for schedule restore")
		return
	}
	restored := 0
	for _, region := range regions {
		if region.Status != models.RegionStatusActive {
			continue
		}
		if err := sched.StartJob(ctx, region.ID, dailyExpression, orchestrator.Params{}, false); err != nil {
			log.Warn().Err(err).Str("region", region.ID).Msg("Failed to restore schedule")
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Info().Int("regions", restored).Msg("Restored region schedules")
	}
}

func watchConfig(ctx context.Context) {
	watcher, err := config.NewWatcher(".env", func(cfg *config.Config) {
		logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "forestshield"})
	})
	if err != nil {
		log.Debug().Err(err).Msg("Config watcher unavailable")
		return
	}
	watcher.Run(ctx)
}
