package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Publisher fans committed scoring units out to the event bus and drops the
// cached risk rollup of every affected user.
type Publisher struct {
	bus       domain.EventBus
	namespace string
	engine    *rules.Engine
	cache     domain.Cache
}

// NewPublisher creates a publisher. engine and c may be nil.
func NewPublisher(bus domain.EventBus, namespace string, engine *rules.Engine, c domain.Cache) *Publisher {
	if namespace == "" {
		namespace = "default"
	}
	return &Publisher{
		bus:       bus,
		namespace: namespace,
		engine:    engine,
		cache:     c,
	}
}

// ScoringCompleted publishes one ScoredEvent per row to TopicTransactionScored
// and, when any alert rule matches, to TopicRiskAlert. Failures are logged;
// scoring has already committed.
func (p *Publisher) ScoringCompleted(ctx context.Context, unitID string, scored []domain.ScoredTransaction) {
	users := make(map[string]struct{})
	alerts := 0

	for _, st := range scored {
		users[st.Row.UserID] = struct{}{}

		evt := domain.ScoredEvent{
			TransactionID:    st.Row.ID,
			UserID:           st.Row.UserID,
			FraudScore:       st.Result.FraudScore,
			IsFraudSuspected: st.Result.IsFraudSuspected,
			RiskTier:         st.Result.RiskTier,
			UnitID:           unitID,
		}
		if p.engine != nil {
			evt.Rules = rules.MatchedIDs(p.engine.Evaluate(ctx, st))
		}

		if p.bus == nil {
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			slog.Error("failed to marshal scored event", "tx_id", st.Row.ID, "error", err)
			continue
		}

		if err := p.bus.Publish(ctx, p.namespace, domain.TopicTransactionScored, payload); err != nil {
			slog.Error("failed to publish scored event",
				"tx_id", st.Row.ID,
				"unit_id", unitID,
				"error", err,
			)
		}

		if len(evt.Rules) > 0 {
			alerts++
			if err := p.bus.Publish(ctx, p.namespace, domain.TopicRiskAlert, payload); err != nil {
				slog.Error("failed to publish risk alert",
					"tx_id", st.Row.ID,
					"unit_id", unitID,
					"error", err,
				)
			}
		}
	}

	if p.cache != nil {
		for userID := range users {
			if userID == "" {
				continue
			}
			if err := cache.InvalidateRollup(ctx, p.cache, userID); err != nil {
				slog.Warn("failed to invalidate risk rollup",
					"user_id", userID,
					"error", err,
				)
			}
		}
	}

	slog.Debug("scoring results published",
		"unit_id", unitID,
		"tx_count", len(scored),
		"alert_count", alerts,
	)
}
