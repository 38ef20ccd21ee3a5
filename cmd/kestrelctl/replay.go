package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
)

// labelledTx is one replay row: a transaction plus its ground-truth label.
type labelledTx struct {
	Request api.TransactionRequest
	IsFraud bool
}

// replayMetrics is the confusion matrix of a replay run.
type replayMetrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64
	Errors         int64
	LatencyMs      int64
}

func (m *replayMetrics) record(predicted, actual bool) {
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

func (m *replayMetrics) total() int64 {
	return m.TruePositives + m.FalsePositives + m.TrueNegatives + m.FalseNegatives
}

func (m *replayMetrics) precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

func (m *replayMetrics) recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

func (m *replayMetrics) f1() float64 {
	p, r := m.precision(), m.recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [csv]",
		Short: "Replay labelled transactions through a running server",
		Long: `Send every row of a labelled CSV to POST /scoring/preview and compare
the server's suspicion flag with the label.

Recognised columns (case-insensitive): amount, merchant_name, payment_channel,
date, pending, is_fraud. Only is_fraud is required; empty cells are sent as
missing values.`,
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}

	cmd.Flags().StringP("url", "u", "http://localhost:8080", "Kestrel base URL")
	cmd.Flags().String("user", "replay", "User ID sent in X-User-ID")
	cmd.Flags().IntP("limit", "n", 0, "Maximum rows to replay (0 = all)")
	cmd.Flags().IntP("workers", "w", 10, "Concurrent requests")
	cmd.Flags().BoolP("verbose", "v", false, "Print each result")

	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	userID, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")
	workers, _ := cmd.Flags().GetInt("workers")
	verbose, _ := cmd.Flags().GetBool("verbose")
	if workers < 1 {
		workers = 1
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := readLabelledCSV(f, limit)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d labelled transactions from %s\n", len(rows), args[0])

	client := &http.Client{Timeout: 10 * time.Second}
	if err := checkHealth(client, baseURL); err != nil {
		return fmt.Errorf("kestrel not reachable at %s: %w", baseURL, err)
	}

	start := time.Now()
	m := replay(client, baseURL, userID, rows, workers, verbose)
	printReplayResults(m, time.Since(start))
	return nil
}

// readLabelledCSV parses the replay CSV. Rows with an unparseable amount or
// label are skipped.
func readLabelledCSV(r io.Reader, limit int) ([]labelledTx, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["is_fraud"]; !ok {
		return nil, errors.New("csv has no is_fraud column")
	}

	cell := func(record []string, name string) (string, bool) {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return "", false
		}
		v := strings.TrimSpace(record[i])
		return v, v != ""
	}

	var rows []labelledTx
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		label, _ := cell(record, "is_fraud")
		isFraud, err := strconv.ParseBool(label)
		if err != nil {
			continue
		}

		var req api.TransactionRequest
		if v, ok := cell(record, "amount"); ok {
			amount, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			req.Amount = &amount
		}
		if v, ok := cell(record, "merchant_name"); ok {
			req.MerchantName = &v
		}
		if v, ok := cell(record, "payment_channel"); ok {
			req.PaymentChannel = &v
		}
		if v, ok := cell(record, "date"); ok {
			req.Date = v
		}
		if v, ok := cell(record, "pending"); ok {
			req.Pending, _ = strconv.ParseBool(v)
		}

		rows = append(rows, labelledTx{Request: req, IsFraud: isFraud})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

func replay(client *http.Client, baseURL, userID string, rows []labelledTx, numWorkers int, verbose bool) *replayMetrics {
	m := &replayMetrics{}
	work := make(chan labelledTx, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tx := range work {
				start := time.Now()
				resp, err := preview(client, baseURL, userID, tx.Request)
				atomic.AddInt64(&m.LatencyMs, time.Since(start).Milliseconds())

				if err != nil {
					atomic.AddInt64(&m.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %v\n", err)
					}
					continue
				}

				predicted := resp.Result.IsFraudSuspected
				m.record(predicted, tx.IsFraud)

				if verbose {
					mark := "ok"
					if predicted != tx.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%-4s score=%.4f tier=%-6s fraud=%v\n",
						mark, resp.Result.FraudScore, resp.Result.RiskTier, tx.IsFraud)
				}
			}
		}()
	}

	for _, tx := range rows {
		work <- tx
	}
	close(work)
	wg.Wait()

	return m
}

func preview(client *http.Client, baseURL, userID string, tx api.TransactionRequest) (*api.PreviewResponse, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/scoring/preview", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.UserIDHeader, userID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out api.PreviewResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func printReplayResults(m *replayMetrics, duration time.Duration) {
	fmt.Println()
	fmt.Println("Replay results")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("  Scored:   %d\n", m.total())
	fmt.Printf("  Errors:   %d\n", m.Errors)
	fmt.Printf("  Duration: %s\n", duration.Round(time.Millisecond))
	if n := m.total() + m.Errors; n > 0 {
		fmt.Printf("  Avg latency: %.1fms\n", float64(m.LatencyMs)/float64(n))
	}

	fmt.Println("\nConfusion matrix:")
	fmt.Println("                   Predicted")
	fmt.Println("                   Suspected   Clear")
	fmt.Printf("  Actual fraud     %9d   %5d\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("  Actual clean     %9d   %5d\n", m.FalsePositives, m.TrueNegatives)

	fmt.Println("\nMetrics:")
	fmt.Printf("  Precision: %.4f\n", m.precision())
	fmt.Printf("  Recall:    %.4f\n", m.recall())
	fmt.Printf("  F1:        %.4f\n", m.f1())
}
