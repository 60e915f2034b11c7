package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pario-ai/callopt/pkg/compress"
	"github.com/spf13/cobra"
)

func newCompressCmd(configPath *string) *cobra.Command {
	var (
		target     int
		structured bool
	)

	cmd := &cobra.Command{
		Use:   "compress [file]",
		Short: "Compress a prompt to fit a context budget",
		Long:  "Compress reads a prompt from file, or stdin when no file or \"-\" is given, and prints the compressed form.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(*configPath, os.Stderr, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			input, err := readInput(args)
			if err != nil {
				return err
			}
			if target <= 0 {
				target = rt.cfg.Compression.MaxContextLength
			}

			c := rt.opt.Compressor()
			if structured {
				var payload map[string]any
				if err := json.Unmarshal([]byte(input), &payload); err != nil {
					return fmt.Errorf("parse JSON payload: %w", err)
				}
				out, err := c.Fields(payload, target)
				if err != nil {
					return err
				}
				before, _ := compress.Size(payload)
				after, _ := compress.Size(out)
				fmt.Fprintf(os.Stderr, "%d -> %d bytes\n", before, after)
				return writeJSON(out)
			}

			out := c.Text(input, target)
			fmt.Fprintf(os.Stderr, "%d -> %d characters\n", compress.Length(input), compress.Length(out))
			fmt.Println(out)
			return nil
		},
	}

	cmd.Flags().IntVar(&target, "target", 0, "maximum length (defaults to compression.max_context_length)")
	cmd.Flags().BoolVar(&structured, "json", false, "treat input as a JSON object payload")
	return cmd
}
