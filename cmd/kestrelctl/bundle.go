package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/model"
)

func bundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Work with serialized pipeline bundles",
	}
	cmd.AddCommand(bundleInspectCmd())
	return cmd
}

func bundleInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [path]",
		Short: "Validate a bundle and print its summary",
		Long: `Load a bundle exactly as the scorer would, validating it against the
artifact schema, and print:
- encoder vocabulary sizes
- scaler kind
- forest size and offset
- risk thresholds`,
		Args: cobra.ExactArgs(1),
		RunE: runBundleInspect,
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func runBundleInspect(cmd *cobra.Command, args []string) error {
	b, err := model.LoadBundle(args[0])
	if err != nil {
		return fmt.Errorf("load bundle: %w", err)
	}
	s := b.Summary()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Println("Bundle")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("  Path:       %s\n", args[0])
	fmt.Printf("  Version:    %s\n", valueOrDefault(s.Version, "(unset)"))
	fmt.Printf("  Trained at: %s\n", valueOrDefault(s.TrainedAt, "(unset)"))

	fmt.Println("\nFeatures:")
	fmt.Printf("  Merchant classes:  %d\n", s.MerchantClasses)
	fmt.Printf("  Channel classes:   %d\n", s.ChannelClasses)
	fmt.Printf("  Merchants w/stats: %d\n", s.MerchantsWithStd)

	fmt.Println("\nModel:")
	fmt.Printf("  Scaler:      %s\n", s.Scaler)
	fmt.Printf("  Trees:       %d\n", s.Trees)
	fmt.Printf("  Max samples: %d\n", s.MaxSamples)
	fmt.Printf("  Offset:      %.6f\n", s.Offset)

	fmt.Println("\nRisk tiers:")
	fmt.Printf("  low    <  %.3f\n", s.Thresholds.LowRiskMax)
	fmt.Printf("  high   >= %.3f\n", s.Thresholds.HighRiskMin)
	return nil
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
