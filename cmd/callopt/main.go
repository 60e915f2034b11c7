package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "callopt",
		Short:         "callopt: cache, route and compress AI calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults plus CALLOPT_ environment when empty)")

	root.AddCommand(
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
		newRouteCmd(&configPath),
		newCompressCmd(&configPath),
		newEstimateCmd(&configPath),
		newAuditCmd(&configPath),
		newConfigCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
