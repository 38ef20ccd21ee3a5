package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
)

const bundlePath = "../model/testdata/bundle.json"

func ptr[T any](v T) *T { return &v }

// fakeStore records every session it hands out.
type fakeStore struct {
	mu       sync.Mutex
	rows     map[int64]domain.ScoringRow
	sessions []*fakeSession
	beginErr error
	fetchErr error
}

func newFakeStore(rows ...domain.ScoringRow) *fakeStore {
	s := &fakeStore{rows: make(map[int64]domain.ScoringRow)}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return s
}

func (s *fakeStore) BeginScoring(_ context.Context) (domain.ScoringSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	sess := &fakeSession{store: s}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

type fakeSession struct {
	store      *fakeStore
	fetched    [][]int64
	persisted  [][]domain.ScoringResult
	committed  bool
	rolledBack bool
}

func (f *fakeSession) FetchRows(_ context.Context, ids []int64) ([]domain.ScoringRow, error) {
	if f.store.fetchErr != nil {
		return nil, f.store.fetchErr
	}
	f.fetched = append(f.fetched, ids)
	var out []domain.ScoringRow
	for _, id := range ids {
		if r, ok := f.store.rows[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSession) PersistResults(_ context.Context, results []domain.ScoringResult) (bool, error) {
	f.persisted = append(f.persisted, results)
	return len(results) > 0, nil
}

func (f *fakeSession) Commit() error   { f.committed = true; return nil }
func (f *fakeSession) Rollback() error { f.rolledBack = true; return nil }

// stubPredictor flags amounts over 100; medium below 1000, high above.
type stubPredictor struct{}

func (stubPredictor) Predict(row domain.ScoringRow) domain.ScoringResult {
	amount := 0.0
	if row.Amount != nil {
		amount = *row.Amount
	}
	r := domain.ScoringResult{TransactionID: row.ID, FraudScore: amount / 1000, RiskTier: domain.RiskLow}
	if amount > 100 {
		r.IsFraudSuspected = true
		r.RiskTier = domain.RiskMedium
		if amount > 1000 {
			r.RiskTier = domain.RiskHigh
		}
	}
	return r
}

func stubLoader() *Loader {
	return NewLoader("stub", func(string) (Predictor, error) { return stubPredictor{}, nil })
}

// spawnRecorder captures units instead of running them.
type spawnRecorder struct {
	mu    sync.Mutex
	units []func()
}

func (r *spawnRecorder) spawn(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, fn)
}

func (r *spawnRecorder) runAll() {
	r.mu.Lock()
	units := r.units
	r.units = nil
	r.mu.Unlock()
	for _, fn := range units {
		fn()
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	units []string
	rows  []domain.ScoredTransaction
}

func (n *recordingNotifier) ScoringCompleted(_ context.Context, unitID string, scored []domain.ScoredTransaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.units = append(n.units, unitID)
	n.rows = append(n.rows, scored...)
}

func scenarioRows() []domain.ScoringRow {
	return []domain.ScoringRow{
		{ID: 1, UserID: "u1", Amount: ptr(15.0), PaymentChannel: ptr("online"), Pending: false, Date: ptr("2025-01-02"), MerchantName: ptr("Uber")},
		{ID: 2, UserID: "u1", Amount: ptr(250.0), PaymentChannel: ptr("in_store"), Pending: true, Date: ptr("2025-01-03"), MerchantName: ptr("Electronics")},
	}
}

func TestEnqueueDedupWithinCall(t *testing.T) {
	store := newFakeStore(scenarioRows()...)
	rec := &spawnRecorder{}
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: stubLoader(), Spawn: rec.spawn})

	scheduled, err := s.Enqueue([]any{1, "2", 2, 1})
	require.NoError(t, err)
	assert.True(t, scheduled)
	require.Len(t, rec.units, 1)

	rec.runAll()
	s.Wait()

	require.Len(t, store.sessions, 1)
	assert.Equal(t, [][]int64{{1, 2}}, store.sessions[0].fetched)
}

func TestEnqueueNoCrossCallDedup(t *testing.T) {
	store := newFakeStore(scenarioRows()...)
	rec := &spawnRecorder{}
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: stubLoader(), Spawn: rec.spawn})

	s.EnqueueIDs(1, 2)
	s.EnqueueIDs(2, 1)
	assert.Len(t, rec.units, 2)
	assert.EqualValues(t, 2, s.InFlight())

	rec.runAll()
	s.Wait()
	assert.Len(t, store.sessions, 2)
	assert.EqualValues(t, 0, s.InFlight())
}

func TestEnqueueNoOps(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		rec := &spawnRecorder{}
		s := NewScheduler(Config{Enabled: false, Store: newFakeStore(), Loader: stubLoader(), Spawn: rec.spawn})
		assert.False(t, s.EnqueueIDs(1, 2, 3))
		assert.Empty(t, rec.units)
	})

	t.Run("Empty", func(t *testing.T) {
		rec := &spawnRecorder{}
		s := NewScheduler(Config{Enabled: true, Store: newFakeStore(), Loader: stubLoader(), Spawn: rec.spawn})
		assert.False(t, s.EnqueueIDs())
		ok, err := s.Enqueue(nil)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, rec.units)
	})

	t.Run("BadID", func(t *testing.T) {
		rec := &spawnRecorder{}
		s := NewScheduler(Config{Enabled: true, Store: newFakeStore(), Loader: stubLoader(), Spawn: rec.spawn})
		_, err := s.Enqueue([]any{1, "abc"})
		assert.ErrorIs(t, err, domain.ErrInvalidID)
		assert.Empty(t, rec.units)
	})
}

func TestEnqueueReturnsBeforeUnitRuns(t *testing.T) {
	store := newFakeStore(scenarioRows()...)
	release := make(chan struct{})
	loader := NewLoader("stub", func(string) (Predictor, error) {
		<-release
		return stubPredictor{}, nil
	})
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: loader})

	assert.True(t, s.EnqueueIDs(1))
	assert.Empty(t, store.sessions, "unit must not have reached the store yet")

	close(release)
	s.Wait()
	assert.Len(t, store.sessions, 1)
}

func TestEndToEndScenario(t *testing.T) {
	store := newFakeStore(scenarioRows()...)
	notifier := &recordingNotifier{}
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: stubLoader(), Notifier: notifier})

	require.NoError(t, s.Run(context.Background(), []int64{1, 2}))

	require.Len(t, store.sessions, 1)
	sess := store.sessions[0]
	require.Len(t, sess.persisted, 1, "exactly one persist call")

	got := sess.persisted[0]
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].TransactionID)
	assert.False(t, got[0].IsFraudSuspected)
	assert.Equal(t, domain.RiskLow, got[0].RiskTier)
	assert.Equal(t, int64(2), got[1].TransactionID)
	assert.True(t, got[1].IsFraudSuspected)
	assert.Equal(t, domain.RiskMedium, got[1].RiskTier)

	assert.True(t, sess.committed)
	assert.False(t, sess.rolledBack)

	require.Len(t, notifier.units, 1)
	require.Len(t, notifier.rows, 2)
	assert.Equal(t, "u1", notifier.rows[1].Row.UserID)
}

func TestEndToEndWithBundle(t *testing.T) {
	store := newFakeStore(scenarioRows()...)
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: NewLoader(bundlePath, nil)})

	require.NoError(t, s.Run(context.Background(), []int64{2, 1}))

	got := store.sessions[0].persisted[0]
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].TransactionID, "fetch order is kept")
	assert.True(t, got[0].IsFraudSuspected)
	assert.Equal(t, domain.RiskMedium, got[0].RiskTier)
	assert.False(t, got[1].IsFraudSuspected)
	assert.Equal(t, domain.RiskLow, got[1].RiskTier)
}

func TestEmptyFetchStillPersists(t *testing.T) {
	store := newFakeStore()
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: stubLoader()})

	require.NoError(t, s.Run(context.Background(), []int64{404, 405}))

	sess := store.sessions[0]
	require.Len(t, sess.persisted, 1)
	assert.NotNil(t, sess.persisted[0])
	assert.Empty(t, sess.persisted[0])
	assert.True(t, sess.committed)
}

func TestLazySingleLoad(t *testing.T) {
	calls := 0
	loader := NewLoader(bundlePath, func(path string) (Predictor, error) {
		calls++
		return LoadPipeline(path)
	})
	store := newFakeStore(scenarioRows()...)
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: loader})

	require.NoError(t, s.Run(context.Background(), []int64{1}))
	require.NoError(t, s.Run(context.Background(), []int64{2}))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, loader.Loads())
	assert.True(t, loader.Loaded())
}

func TestConcurrentFirstLoadCoalesces(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	loader := NewLoader("stub", func(string) (Predictor, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return stubPredictor{}, nil
	})

	var wg sync.WaitGroup
	got := make([]Predictor, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := loader.Get()
			assert.NoError(t, err)
			got[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	for _, p := range got {
		assert.Equal(t, stubPredictor{}, p)
	}
}

func TestLoadFailureIsNotCached(t *testing.T) {
	fail := true
	loader := NewLoader("stub", func(string) (Predictor, error) {
		if fail {
			return nil, errors.New("artifact missing")
		}
		return stubPredictor{}, nil
	})
	store := newFakeStore(scenarioRows()...)
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: loader})

	err := s.Run(context.Background(), []int64{1})
	require.Error(t, err)
	assert.Empty(t, store.sessions, "no session is opened without a pipeline")

	fail = false
	require.NoError(t, s.Run(context.Background(), []int64{1}))
	assert.Equal(t, 2, loader.Loads())
}

func TestLoadFailureDoesNotReachCaller(t *testing.T) {
	loader := NewLoader("/nonexistent/bundle.json", nil)
	s := NewScheduler(Config{Enabled: true, Store: newFakeStore(), Loader: loader})

	assert.True(t, s.EnqueueIDs(1))
	s.Wait()
	assert.False(t, loader.Loaded())
}

// batchStub scores through PredictBatch only.
type batchStub struct {
	stubPredictor
	batches [][]int64
}

func (b *batchStub) Predict(domain.ScoringRow) domain.ScoringResult {
	panic("unit should score in one batch")
}

func (b *batchStub) PredictBatch(rows []domain.ScoringRow) []domain.ScoringResult {
	ids := make([]int64, 0, len(rows))
	out := make([]domain.ScoringResult, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		out = append(out, b.stubPredictor.Predict(row))
	}
	b.batches = append(b.batches, ids)
	return out
}

func TestUnitScoresInOneBatch(t *testing.T) {
	store := newFakeStore(scenarioRows()...)
	predictor := &batchStub{}
	loader := NewLoader("stub", func(string) (Predictor, error) { return predictor, nil })
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: loader})

	require.NoError(t, s.Run(context.Background(), []int64{2, 1}))

	require.Equal(t, [][]int64{{2, 1}}, predictor.batches)
	got := store.sessions[0].persisted[0]
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].TransactionID)
	assert.True(t, got[0].IsFraudSuspected)
	assert.Equal(t, int64(1), got[1].TransactionID)
}

func TestFetchErrorRollsBack(t *testing.T) {
	store := newFakeStore()
	store.fetchErr = errors.New("db down")
	notifier := &recordingNotifier{}
	s := NewScheduler(Config{Enabled: true, Store: store, Loader: stubLoader(), Notifier: notifier})

	err := s.Run(context.Background(), []int64{1})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.fetchErr)

	sess := store.sessions[0]
	assert.True(t, sess.rolledBack)
	assert.False(t, sess.committed)
	assert.Empty(t, sess.persisted)
	assert.Empty(t, notifier.units)
}

func TestPipelineDeterministic(t *testing.T) {
	b, err := model.LoadBundle(bundlePath)
	require.NoError(t, err)
	now := func() time.Time { return time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC) }
	p := NewPipeline(b, now)

	rows := scenarioRows()
	rows = append(rows, domain.ScoringRow{ID: 3, Amount: ptr(5000.0), MerchantName: ptr("Somewhere New")})

	for _, row := range rows {
		first := p.Explain(row)
		second := p.Explain(row)
		assert.Equal(t, first, second)
		assert.Len(t, first.Features, features.NumFeatures)
	}

	batch := p.PredictBatch(rows)
	require.Len(t, batch, len(rows))
	for i, row := range rows {
		assert.Equal(t, p.Predict(row), batch[i])
	}
	assert.Equal(t, domain.RiskHigh, batch[2].RiskTier)
	assert.True(t, batch[2].IsFraudSuspected)

	assert.Empty(t, p.PredictBatch(nil))
}
