package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pario-ai/callopt/pkg/optimizer"
	"github.com/pario-ai/callopt/pkg/router"
	"github.com/spf13/cobra"
)

func newEstimateCmd(configPath *string) *cobra.Command {
	var (
		taskType   string
		complexity string
		maxContext int
		noCompress bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "estimate [file]",
		Short: "Plan a call without running it",
		Long:  "Estimate runs a prompt through compression and routing and prints the planned call. The prompt is read from file, or stdin when no file or \"-\" is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := router.ParseTier(complexity)
			if err != nil {
				return err
			}

			rt, err := newApp(*configPath, os.Stderr, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			input, err := readInput(args)
			if err != nil {
				return err
			}

			opts := []optimizer.CallOption{
				optimizer.WithTaskType(taskType),
				optimizer.WithComplexity(tier),
			}
			switch {
			case noCompress:
				opts = append(opts, optimizer.WithoutCompression())
			case maxContext > 0:
				opts = append(opts, optimizer.WithCompression(maxContext))
			}

			out, err := rt.opt.Optimize(context.Background(), optimizer.TextPrompt(strings.TrimSpace(input)), nil, nil, opts...)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out)
			}
			fmt.Print(formatPlan(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&taskType, "task", "t", optimizer.DefaultTaskType, "task type")
	cmd.Flags().StringVar(&complexity, "complexity", "", "tier hint (simple, medium, complex)")
	cmd.Flags().IntVar(&maxContext, "max-context", 0, "compression budget (defaults to config)")
	cmd.Flags().BoolVar(&noCompress, "no-compress", false, "send the prompt uncompressed")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func formatPlan(out *optimizer.Outcome) string {
	var b strings.Builder
	b.WriteString(formatSelection(out.Selection))
	fmt.Fprintf(&b, "Original:      %s characters\n", humanize.Comma(int64(out.OriginalLength)))
	fmt.Fprintf(&b, "Compressed:    %t\n", out.Compressed)
	fmt.Fprintf(&b, "Cache key:     %s\n", out.CacheKey)
	if out.Compressed {
		fmt.Fprintf(&b, "\n--- Prompt ---\n%s\n", out.Prompt.String())
	}
	return b.String()
}
