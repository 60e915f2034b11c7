package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pario-ai/callopt/pkg/router"
	"github.com/spf13/cobra"
)

func newRouteCmd(configPath *string) *cobra.Command {
	var (
		taskType   string
		length     int
		complexity string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show which model a task would be routed to",
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := router.ParseTier(complexity)
			if err != nil {
				return err
			}
			if length < 0 {
				return fmt.Errorf("--length must not be negative")
			}

			rt, err := newApp(*configPath, os.Stderr, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			sel, err := rt.opt.Router().SelectModel(taskType, length, tier)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(sel)
			}
			fmt.Print(formatSelection(sel))
			return nil
		},
	}

	cmd.Flags().StringVarP(&taskType, "task", "t", "general", "task type")
	cmd.Flags().IntVarP(&length, "length", "n", 0, "input length in characters")
	cmd.Flags().StringVar(&complexity, "complexity", "", "tier hint (simple, medium, complex)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func formatSelection(sel router.Selection) string {
	return fmt.Sprintf("Model:         %s\nTier:          %s\nTask type:     %s\nInput length:  %s\nEst. cost:     %s cents\nEst. latency:  %dms\n",
		sel.Model, sel.Tier, sel.TaskType,
		humanize.Comma(int64(sel.InputLength)),
		humanize.Comma(int64(sel.EstimatedCostCents)),
		sel.EstimatedLatencyMillis)
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
