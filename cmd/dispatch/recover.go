package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/driftline/dispatch/internal/campaign"
	"github.com/driftline/dispatch/internal/queue"
	"github.com/driftline/dispatch/internal/store"
)

var recoverUserID string

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recovery commands",
}

var recoverCampaignCmd = &cobra.Command{
	Use:   "campaign <campaign_id>",
	Short: "Re-enqueue failed recipients of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecoverCampaign,
}

var recoverScheduledCmd = &cobra.Command{
	Use:   "scheduled",
	Short: "Re-plant trigger jobs for scheduled campaigns",
	RunE:  runRecoverScheduled,
}

func init() {
	recoverCampaignCmd.Flags().StringVar(&recoverUserID, "user", "", "Owning account id")
	recoverCampaignCmd.MarkFlagRequired("user")

	recoverCmd.AddCommand(recoverCampaignCmd, recoverScheduledCmd)
	rootCmd.AddCommand(recoverCmd)
}

// openCampaignService wires just enough of the application for offline
// recovery: the relational store, the job queue and the fan-out service.
func openCampaignService() (*campaign.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage, err := queue.NewStorage(queue.StorageConfig{
		Path:        cfg.Queue.Path,
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryDelay:  cfg.Queue.RetryDelay,
		Lease:       cfg.Queue.LeaseDuration,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open job queue: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := campaign.New(
		store.NewCampaignRepository(db),
		store.NewContactRepository(db),
		store.NewQueueRecordRepository(db),
		store.NewUserRepository(db),
		store.NewSuppressionRepository(db),
		store.NewEventRepository(db),
		storage,
		campaign.Config{
			BaseURL: cfg.Tracking.BaseURL,
			Spread:  cfg.Campaign.SpreadWindow,
		},
		logger,
	)

	cleanup := func() {
		storage.Close()
		db.Close()
	}
	return svc, cleanup, nil
}

func runRecoverCampaign(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := openCampaignService()
	if err != nil {
		return err
	}
	defer cleanup()

	recovered, err := svc.RecoverCampaignEmails(context.Background(), recoverUserID, args[0])
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	fmt.Printf("Recovered %d recipients\n", recovered)
	return nil
}

func runRecoverScheduled(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := openCampaignService()
	if err != nil {
		return err
	}
	defer cleanup()

	recovered, err := svc.RecoverScheduledCampaigns(context.Background())
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	fmt.Printf("Recovered %d scheduled campaigns\n", recovered)
	return nil
}
