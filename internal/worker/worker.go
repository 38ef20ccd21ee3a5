// Package worker connects the event bus to the scoring scheduler: it consumes
// ingested-transaction batches and publishes scoring outcomes.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Enqueuer schedules transaction IDs for background scoring.
type Enqueuer interface {
	Enqueue(ids []any) (bool, error)
}

// Worker subscribes to TopicTransactionsIngested and hands each batch to the
// scoring scheduler.
type Worker struct {
	bus       domain.EventBus
	scheduler Enqueuer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Namespaces to consume. Empty means "default".
	Namespaces []string
}

// NewWorker creates an ingest consumer.
func NewWorker(bus domain.EventBus, scheduler Enqueuer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		scheduler: scheduler,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to every configured namespace. A namespace that fails to
// subscribe is logged and skipped; Start fails only if none succeed.
func (w *Worker) Start(cfg Config) error {
	namespaces := cfg.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{"default"}
	}

	started := 0
	for _, ns := range namespaces {
		sub, err := w.bus.Subscribe(w.ctx, ns, domain.TopicTransactionsIngested, w.handleIngested)
		if err != nil {
			slog.Error("failed to start ingest consumer",
				"namespace", ns,
				"error", err,
			)
			continue
		}

		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
		started++

		slog.Info("ingest consumer started",
			"namespace", ns,
			"topic", domain.TopicTransactionsIngested,
		)
	}

	if started == 0 {
		return fmt.Errorf("no ingest consumer could subscribe")
	}
	return nil
}

// handleIngested decodes an IngestedBatch and enqueues its IDs. A malformed
// batch is rejected whole.
func (w *Worker) handleIngested(ctx context.Context, msg *domain.Message) error {
	var batch domain.IngestedBatch
	dec := json.NewDecoder(bytes.NewReader(msg.Payload))
	dec.UseNumber()
	if err := dec.Decode(&batch); err != nil {
		slog.Error("failed to parse ingested batch",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	scheduled, err := w.scheduler.Enqueue(batch.IDs)
	if err != nil {
		slog.Error("rejected ingested batch",
			"message_id", msg.ID,
			"source", batch.Source,
			"error", err,
		)
		return err
	}

	slog.Debug("ingested batch received",
		"message_id", msg.ID,
		"namespace", msg.Namespace,
		"source", batch.Source,
		"tx_count", len(batch.IDs),
		"scheduled", scheduled,
	)
	return nil
}

// Stop unsubscribes from every topic.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("ingest consumer stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
