package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/forestshield/forestshield/internal/config"
	"github.com/forestshield/forestshield/internal/consolidator"
	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/logging"
	"github.com/forestshield/forestshield/internal/mlm"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/notifications"
	"github.com/forestshield/forestshield/internal/objectstore"
	"github.com/forestshield/forestshield/internal/orchestrator"
	"github.com/forestshield/forestshield/internal/statestore"
	"github.com/forestshield/forestshield/internal/workers"
)

var (
	analyzeRegionID  string
	analyzeStartDate string
	analyzeEndDate   string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run a one-shot analysis for a region and print the result",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runAnalyze())
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeRegionID, "region", "", "region ID to analyze (required)")
	analyzeCmd.Flags().StringVar(&analyzeStartDate, "start", "", "window start (YYYY-MM-DD)")
	analyzeCmd.Flags().StringVar(&analyzeEndDate, "end", "", "window end (YYYY-MM-DD)")
	analyzeCmd.MarkFlagRequired("region")
}

func runAnalyze() int {
	logging.Init(logging.Config{Format: "console", Level: "info", Component: "forestshield"})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return fserr.ExitCode(err)
	}

	state, err := statestore.NewStore(cfg.StateDBPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open state store")
		return fserr.ExitCode(err)
	}
	defer state.Close()

	objects, err := objectstore.NewFSStore(cfg.ObjectStoreRoot, "http://localhost"+cfg.ListenAddr)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open object store")
		return fserr.ExitCode(err)
	}

	invoker := workers.NewHTTPInvoker(cfg.WorkerBaseURL, 0)
	manager := mlm.NewManager(state, objects, invoker, mlm.Config{KCandidates: cfg.KCandidates})
	notif := notifications.NewManager(invoker, nil, cfg.NotifyCooldown)
	for _, u := range cfg.WebhookURLs {
		notif.AddWebhook(notifications.WebhookConfig{Name: "webhook", URL: u})
	}
	cons := consolidator.New(state, manager, notif, cfg.ConfidenceWeights)
	engine := orchestrator.NewEngine(state, objects, invoker, manager, cons, orchestrator.Config{
		MaxParallelImages: cfg.MaxParallelImages,
		RunTimeout:        cfg.RunTimeout,
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
	})

	run, err := engine.Run(context.Background(), analyzeRegionID, orchestrator.Params{
		StartDate: analyzeStartDate,
		EndDate:   analyzeEndDate,
	})
	if err != nil {
		log.Error().Err(err).Str("region", analyzeRegionID).Msg("Analysis failed")
		return fserr.ExitCode(err)
	}

	out, _ := json.MarshalIndent(run, "", "  ")
	fmt.Println(string(out))

	switch run.Status {
	case models.RunSucceeded, models.RunNoImagesFound:
		return 0
	case models.RunTimedOut:
		return 3
	}
	return 1
}
