// Kestrel - Background anomaly scoring for bank transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "kestrelctl",
		Short:        "Kestrel - inspect model bundles and score transactions",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(bundleCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
