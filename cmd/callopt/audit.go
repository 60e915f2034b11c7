package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pario-ai/callopt/pkg/audit"
	"github.com/pario-ai/callopt/pkg/config"
	"github.com/pario-ai/callopt/pkg/logging"
	"github.com/pario-ai/callopt/pkg/models"
	"github.com/spf13/cobra"
)

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the optimization audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(configPath),
		newAuditShowCmd(configPath),
		newAuditStatsCmd(configPath),
		newAuditCleanupCmd(configPath),
	)
	return cmd
}

func newAuditSearchCmd(configPath *string) *cobra.Command {
	var (
		model    string
		taskType string
		outcome  string
		since    string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				Model:    model,
				TaskType: taskType,
				Outcome:  outcome,
				Limit:    limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&taskType, "task", "", "filter by task type")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (hit, generated, planned, error)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newAuditShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a single audit entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Query(context.Background(), models.AuditQueryOpts{
				ID:    args[0],
				Limit: 1,
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No entry found for that ID.")
				return nil
			}

			e := entries[0]
			fmt.Printf("ID:            %s\n", e.ID)
			fmt.Printf("Task type:     %s\n", e.TaskType)
			fmt.Printf("Model:         %s (%s)\n", e.Model, e.Tier)
			fmt.Printf("Outcome:       %s\n", e.Outcome)
			fmt.Printf("Cache key:     %s\n", e.CacheKey)
			fmt.Printf("Length:        %s -> %s (compressed: %t)\n",
				humanize.Comma(int64(e.OriginalLength)), humanize.Comma(int64(e.PromptLength)), e.Compressed)
			fmt.Printf("Est. cost:     %d cents\n", e.EstimatedCostCents)
			fmt.Printf("Est. latency:  %dms\n", e.EstimatedLatencyMillis)
			fmt.Printf("Latency:       %dms\n", e.LatencyMillis)
			fmt.Printf("Time:          %s (%s)\n", e.CreatedAt.Format(time.RFC3339), humanize.Time(e.CreatedAt))
			if e.Error != "" {
				fmt.Printf("Error:         %s\n", e.Error)
			}
			return nil
		},
	}
}

func newAuditStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit log statistics by model and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %s audit entries.\n", humanize.Comma(deleted))
			return nil
		},
	}
}

// openAuditLogger opens the audit database whether or not recording is
// enabled, so past entries stay queryable.
func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	l, err := audit.New(auditConfig(cfg), logging.Discard())
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.OptimizationLog) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-18s %-22s %-10s %10s %8s %-20s\n",
		"ID", "TASK", "MODEL", "OUTCOME", "LENGTH", "LATENCY", "TIME")
	b.WriteString(strings.Repeat("-", 130) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-36s %-18s %-22s %-10s %10s %6dms %-20s\n",
			e.ID, e.TaskType, e.Model, e.Outcome,
			humanize.Comma(int64(e.PromptLength)), e.LatencyMillis,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-12s %8s %8s %12s\n", "MODEL", "DAY", "COUNT", "HITS", "EST. CENTS")
	b.WriteString(strings.Repeat("-", 69) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-25s %-12s %8d %8d %12s\n",
			s.Model, s.Day, s.Count, s.Hits, humanize.Comma(s.EstimatedCostCents))
	}
	return b.String()
}
