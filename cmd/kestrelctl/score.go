package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

var featureNames = [features.NumFeatures]string{
	features.Amount:          "amount",
	features.LogAmount:       "log_amount",
	features.DayOfWeek:       "day_of_week",
	features.DayOfMonth:      "day_of_month",
	features.Month:           "month",
	features.HourOfDay:       "hour_of_day",
	features.Weekend:         "is_weekend",
	features.MerchantClass:   "merchant_encoded",
	features.ChannelClass:    "channel_encoded",
	features.PendingFlag:     "is_pending",
	features.AmountZScore:    "amount_zscore",
	features.AbsAmountZScore: "abs_amount_zscore",
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score one transaction locally against a bundle",
		Long: `Run one transaction through feature extraction, scaling, the isolation
forest and risk tiering without a server or database. Omitted flags are
treated as missing values, exactly as a NULL column would be.`,
		Args: cobra.NoArgs,
		RunE: runScore,
	}

	cmd.Flags().StringP("model", "m", "./fraud_model.json", "Path to the pipeline bundle")
	cmd.Flags().Float64P("amount", "a", 0, "Transaction amount")
	cmd.Flags().String("merchant", "", "Merchant name")
	cmd.Flags().String("channel", "", "Payment channel (online, in_store, other)")
	cmd.Flags().String("date", "", "Transaction date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().Bool("pending", false, "Transaction is pending")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")

	return cmd
}

func runScore(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("model")
	b, err := model.LoadBundle(path)
	if err != nil {
		return fmt.Errorf("load bundle: %w", err)
	}
	pipeline := scoring.NewPipeline(b, nil)

	row := domain.ScoringRow{}
	row.Pending, _ = cmd.Flags().GetBool("pending")
	if cmd.Flags().Changed("amount") {
		amount, _ := cmd.Flags().GetFloat64("amount")
		row.Amount = &amount
	}
	row.MerchantName = optionalString(cmd, "merchant")
	row.PaymentChannel = optionalString(cmd, "channel")
	row.Date = optionalString(cmd, "date")

	exp := pipeline.Explain(row)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(exp)
	}

	fmt.Printf("Fraud score: %.4f\n", exp.Result.FraudScore)
	fmt.Printf("Suspected:   %v\n", exp.Result.IsFraudSuspected)
	fmt.Printf("Risk tier:   %s\n", exp.Result.RiskTier)
	fmt.Println("\nFeatures:")
	for i, name := range featureNames {
		fmt.Printf("  %-18s %12.4f  (scaled %8.4f)\n", name, exp.Features[i], exp.Scaled[i])
	}
	return nil
}

// optionalString returns nil for flags the user did not set.
func optionalString(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}
