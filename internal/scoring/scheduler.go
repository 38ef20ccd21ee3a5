package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-scoring")

// Notifier is told about every unit that committed.
type Notifier interface {
	ScoringCompleted(ctx context.Context, unitID string, scored []domain.ScoredTransaction)
}

// Config holds scheduler dependencies.
type Config struct {
	// Enabled turns EnqueueIDs into a no-op when false.
	Enabled bool

	Store    domain.ScoringStore
	Loader   *Loader
	Notifier Notifier

	// Spawn starts a background unit. Nil runs it on a new goroutine.
	Spawn func(fn func())
}

// Scheduler accepts transaction IDs and scores them in background units.
// Each qualifying EnqueueIDs call gets its own unit; IDs are deduplicated
// within a call only.
type Scheduler struct {
	enabled  bool
	store    domain.ScoringStore
	loader   *Loader
	notifier Notifier
	spawn    func(fn func())

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config) *Scheduler {
	spawn := cfg.Spawn
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	return &Scheduler{
		enabled:  cfg.Enabled,
		store:    cfg.Store,
		loader:   cfg.Loader,
		notifier: cfg.Notifier,
		spawn:    spawn,
	}
}

// Enabled reports whether EnqueueIDs schedules work.
func (s *Scheduler) Enabled() bool {
	return s.enabled
}

// Loader returns the pipeline loader shared by all units.
func (s *Scheduler) Loader() *Loader {
	return s.loader
}

// InFlight returns the number of units scheduled and not yet finished.
func (s *Scheduler) InFlight() int64 {
	return s.inFlight.Load()
}

// Enqueue parses loosely typed IDs and schedules them.
func (s *Scheduler) Enqueue(values []any) (bool, error) {
	ids, err := domain.ParseTxIDs(values)
	if err != nil {
		return false, err
	}
	return s.EnqueueIDs(ids...), nil
}

// EnqueueIDs schedules one background unit for the distinct IDs and returns
// immediately. It reports whether a unit was scheduled.
func (s *Scheduler) EnqueueIDs(ids ...int64) bool {
	if !s.enabled || len(ids) == 0 {
		return false
	}

	batch := domain.DistinctTxIDs(ids)

	s.wg.Add(1)
	s.inFlight.Add(1)
	s.spawn(func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		_ = s.Run(context.Background(), batch)
	})
	return true
}

// Wait blocks until all scheduled units have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run executes one scoring unit synchronously. Errors are logged and returned;
// a unit's failure leaves the rows' fraud fields untouched.
func (s *Scheduler) Run(ctx context.Context, ids []int64) error {
	unitID := uuid.New().String()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "scoring.unit",
		trace.WithAttributes(
			attribute.String("unit_id", unitID),
			attribute.Int("tx_count", len(ids)),
		),
	)
	defer span.End()

	scored, err := s.run(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("scoring unit failed",
			"unit_id", unitID,
			"tx_count", len(ids),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return err
	}

	if s.notifier != nil {
		s.notifier.ScoringCompleted(ctx, unitID, scored)
	}

	suspected := 0
	for _, st := range scored {
		if st.Result.IsFraudSuspected {
			suspected++
		}
	}
	span.SetAttributes(attribute.Int("scored_count", len(scored)))

	slog.Info("scoring unit completed",
		"unit_id", unitID,
		"tx_count", len(ids),
		"scored_count", len(scored),
		"suspected_count", suspected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Scheduler) run(ctx context.Context, ids []int64) ([]domain.ScoredTransaction, error) {
	predictor, err := s.loader.Get()
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}

	sess, err := s.store.BeginScoring(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin scoring session: %w", err)
	}
	done := false
	defer func() {
		if !done {
			if rbErr := sess.Rollback(); rbErr != nil {
				slog.Warn("scoring session rollback failed", "error", rbErr)
			}
		}
	}()

	rows, err := sess.FetchRows(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}

	results := predictRows(predictor, rows)
	scored := make([]domain.ScoredTransaction, 0, len(rows))
	for i, row := range rows {
		results[i].TransactionID = row.ID
		scored = append(scored, domain.ScoredTransaction{Row: row, Result: results[i]})
	}

	if _, err := sess.PersistResults(ctx, results); err != nil {
		return nil, fmt.Errorf("persist results: %w", err)
	}
	done = true
	if err := sess.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return scored, nil
}

// predictRows scores rows in order, in one batch when the predictor supports it.
func predictRows(p Predictor, rows []domain.ScoringRow) []domain.ScoringResult {
	if bp, ok := p.(BatchPredictor); ok {
		if out := bp.PredictBatch(rows); len(out) == len(rows) {
			if out == nil {
				out = []domain.ScoringResult{}
			}
			return out
		}
		slog.Warn("batch prediction size mismatch, scoring rows one by one", "rows", len(rows))
	}

	out := make([]domain.ScoringResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, p.Predict(row))
	}
	return out
}
