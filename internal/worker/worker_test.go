package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type recordingEnqueuer struct {
	mu      sync.Mutex
	batches [][]any
	got     chan struct{}
}

func newRecordingEnqueuer() *recordingEnqueuer {
	return &recordingEnqueuer{got: make(chan struct{}, 10)}
}

func (r *recordingEnqueuer) Enqueue(ids []any) (bool, error) {
	if _, err := domain.ParseTxIDs(ids); err != nil {
		r.got <- struct{}{}
		return false, err
	}
	r.mu.Lock()
	r.batches = append(r.batches, ids)
	r.mu.Unlock()
	r.got <- struct{}{}
	return len(ids) > 0, nil
}

func (r *recordingEnqueuer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for enqueue")
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newRecordingEnqueuer())

		if err := w.Start(Config{Namespaces: []string{"ns-1", "ns-2"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTransactionsIngested {
			t.Errorf("unexpected topic %s", stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("EnqueuesIngestedBatch", func(t *testing.T) {
		enq := newRecordingEnqueuer()
		w := NewWorker(eventBus, enq)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload := []byte(`{"ids":[7,"8",7],"source":"sync"}`)
		if err := eventBus.Publish(ctx, "default", domain.TopicTransactionsIngested, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		enq.wait(t)

		enq.mu.Lock()
		defer enq.mu.Unlock()
		if len(enq.batches) != 1 {
			t.Fatalf("expected 1 batch, got %d", len(enq.batches))
		}
		if len(enq.batches[0]) != 3 {
			t.Errorf("expected raw IDs passed through, got %v", enq.batches[0])
		}
	})

	t.Run("RejectsBadBatch", func(t *testing.T) {
		enq := newRecordingEnqueuer()
		w := NewWorker(eventBus, enq)

		err := w.handleIngested(ctx, &domain.Message{ID: "m1", Payload: []byte(`{"ids":["x"]}`)})
		if !errors.Is(err, domain.ErrInvalidID) {
			t.Errorf("expected ErrInvalidID, got %v", err)
		}

		if err := w.handleIngested(ctx, &domain.Message{ID: "m2", Payload: []byte(`not json`)}); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("KeepsLargeIDs", func(t *testing.T) {
		enq := newRecordingEnqueuer()
		w := NewWorker(eventBus, enq)

		payload := []byte(`{"ids":[9007199254740993]}`)
		if err := w.handleIngested(ctx, &domain.Message{ID: "m3", Payload: payload}); err != nil {
			t.Fatalf("handleIngested failed: %v", err)
		}

		enq.mu.Lock()
		defer enq.mu.Unlock()
		ids, err := domain.ParseTxIDs(enq.batches[0])
		if err != nil || ids[0] != 9007199254740993 {
			t.Errorf("expected 9007199254740993, got %v, %v", ids, err)
		}
	})

	t.Run("StartFailsWithoutSubscriptions", func(t *testing.T) {
		closed := bus.NewChannelBus(10)
		closed.Close()

		w := NewWorker(closed, newRecordingEnqueuer())
		if err := w.Start(Config{}); err == nil {
			t.Error("expected error when no namespace subscribes")
		}
	})
}

func collect(t *testing.T, eventBus domain.EventBus, topic string) (*[]domain.ScoredEvent, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	events := []domain.ScoredEvent{}
	_, err := eventBus.Subscribe(context.Background(), "default", topic, func(ctx context.Context, msg *domain.Message) error {
		var evt domain.ScoredEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			return err
		}
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return &events, &mu
}

func TestPublisher(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	engine, _ := rules.NewEngine(2)
	engine.ReloadRules(domain.DefaultAlertRules())

	lru := cache.NewLRUCache(10)
	ctx := context.Background()

	for _, user := range []string{"user-a", "user-b"} {
		lru.SetRollup(ctx, user, &domain.RiskRollup{ByAccount: map[string]domain.AccountRisks{}}, time.Minute)
	}

	scoredEvents, scoredMu := collect(t, eventBus, domain.TopicTransactionScored)
	alertEvents, alertMu := collect(t, eventBus, domain.TopicRiskAlert)

	p := NewPublisher(eventBus, "", engine, lru)
	p.ScoringCompleted(ctx, "unit-1", []domain.ScoredTransaction{
		{
			Row:    domain.ScoringRow{ID: 1, UserID: "user-a"},
			Result: domain.ScoringResult{TransactionID: 1, FraudScore: 0.38, RiskTier: domain.RiskLow},
		},
		{
			Row:    domain.ScoringRow{ID: 2, UserID: "user-a"},
			Result: domain.ScoringResult{TransactionID: 2, FraudScore: 0.69, IsFraudSuspected: true, RiskTier: domain.RiskHigh},
		},
	})

	time.Sleep(50 * time.Millisecond)

	scoredMu.Lock()
	if len(*scoredEvents) != 2 {
		t.Errorf("expected 2 scored events, got %d", len(*scoredEvents))
	} else if (*scoredEvents)[0].UnitID != "unit-1" || (*scoredEvents)[0].TransactionID != 1 {
		t.Errorf("unexpected first event %+v", (*scoredEvents)[0])
	}
	scoredMu.Unlock()

	alertMu.Lock()
	if len(*alertEvents) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(*alertEvents))
	}
	alert := (*alertEvents)[0]
	alertMu.Unlock()
	if alert.TransactionID != 2 || len(alert.Rules) != 1 || alert.Rules[0] != "high-risk-suspected" {
		t.Errorf("unexpected alert %+v", alert)
	}

	if r, _ := lru.GetRollup(ctx, "user-a"); r != nil {
		t.Error("expected user-a rollup invalidated")
	}
	if r, _ := lru.GetRollup(ctx, "user-b"); r == nil {
		t.Error("expected user-b rollup untouched")
	}
}

func TestPublisherWithoutBus(t *testing.T) {
	lru := cache.NewLRUCache(10)
	ctx := context.Background()
	lru.SetRollup(ctx, "user-a", &domain.RiskRollup{}, time.Minute)

	p := NewPublisher(nil, "default", nil, lru)
	p.ScoringCompleted(ctx, "unit-2", []domain.ScoredTransaction{
		{Row: domain.ScoringRow{ID: 1, UserID: "user-a"}},
	})

	if r, _ := lru.GetRollup(ctx, "user-a"); r != nil {
		t.Error("expected rollup invalidated without a bus")
	}
}
