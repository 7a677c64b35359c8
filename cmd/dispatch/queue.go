package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/driftline/dispatch/internal/queue"
)

var queueDeadLimit int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Job queue management commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job queue statistics",
	RunE:  runQueueStats,
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead jobs",
	RunE:  runQueueDead,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Requeue a dead job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

func init() {
	queueDeadCmd.Flags().IntVar(&queueDeadLimit, "limit", 50, "Maximum number of jobs to show")

	queueCmd.AddCommand(queueStatsCmd, queueDeadCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueueStorage() (*queue.Storage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewStorage(queue.StorageConfig{Path: cfg.Queue.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open job queue: %w", err)
	}
	return storage, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats()
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}

	fmt.Printf("Queue statistics:\n")
	fmt.Printf("  Pending: %d\n", stats.Pending)
	fmt.Printf("  Delayed: %d\n", stats.Delayed)
	fmt.Printf("  Active:  %d\n", stats.Active)
	fmt.Printf("  Done:    %d\n", stats.Done)
	fmt.Printf("  Dead:    %d\n", stats.Dead)
	fmt.Printf("  Total:   %d\n", stats.Total)

	return nil
}

func runQueueDead(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	jobs, err := storage.ListDead(queueDeadLimit)
	if err != nil {
		return fmt.Errorf("failed to list dead jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No dead jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tUPDATED\tLAST ERROR")
	fmt.Fprintln(w, "--\t----\t--------\t-------\t----------")
	for _, job := range jobs {
		errMsg := job.LastError
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID,
			job.Type,
			job.Attempts,
			job.MaxAttempts,
			job.UpdatedAt.Format("2006-01-02 15:04"),
			errMsg,
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d dead jobs\n", len(jobs))

	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if err := storage.RetryDead(id); err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	fmt.Printf("Job %s requeued\n", id)
	return nil
}
