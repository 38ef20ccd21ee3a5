// Package scoring turns stored transactions into fraud scores in the
// background: a lazily loaded pipeline plus a fire-and-forget scheduler.
package scoring

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// Predictor scores a single transaction row.
type Predictor interface {
	Predict(row domain.ScoringRow) domain.ScoringResult
}

// BatchPredictor scores a unit's rows in one pass. Results are in row order.
type BatchPredictor interface {
	PredictBatch(rows []domain.ScoringRow) []domain.ScoringResult
}

// Explanation is a scored row together with its intermediate vectors.
type Explanation struct {
	Result   domain.ScoringResult `json:"result"`
	Features features.Vector      `json:"features"`
	Scaled   features.Vector      `json:"scaled"`
}

// Pipeline chains feature extraction, scaling, anomaly scoring and tiering
// over one immutable bundle. It is safe for concurrent use.
type Pipeline struct {
	bundle    *model.Bundle
	extractor *features.Extractor
	scorer    model.AnomalyScorer
}

// NewPipeline builds a pipeline over a loaded bundle. now is the clock used for
// transactions without a usable date; nil means time.Now in UTC.
func NewPipeline(b *model.Bundle, now func() time.Time) *Pipeline {
	return &Pipeline{
		bundle:    b,
		extractor: features.NewExtractor(b.State, now),
		scorer:    b.Forest,
	}
}

// LoadPipeline is the default LoadFunc: it reads the bundle at path.
func LoadPipeline(path string) (Predictor, error) {
	b, err := model.LoadBundle(path)
	if err != nil {
		return nil, err
	}
	return NewPipeline(b, nil), nil
}

// Bundle returns the underlying bundle.
func (p *Pipeline) Bundle() *model.Bundle {
	return p.bundle
}

// Predict scores one row.
func (p *Pipeline) Predict(row domain.ScoringRow) domain.ScoringResult {
	return p.Explain(row).Result
}

// Explain scores one row and keeps the raw and scaled feature vectors.
func (p *Pipeline) Explain(row domain.ScoringRow) Explanation {
	v := p.extractor.Extract(inputOf(row))
	x := p.bundle.Scaler.TransformOne(v)
	return Explanation{
		Result:   p.result(row.ID, x),
		Features: v,
		Scaled:   x,
	}
}

// PredictBatch scores rows in order.
func (p *Pipeline) PredictBatch(rows []domain.ScoringRow) []domain.ScoringResult {
	raw := make([]features.Vector, 0, len(rows))
	for _, row := range rows {
		raw = append(raw, p.extractor.Extract(inputOf(row)))
	}

	scaled := p.bundle.Scaler.Transform(raw)
	out := make([]domain.ScoringResult, 0, len(rows))
	for i, x := range scaled {
		out = append(out, p.result(rows[i].ID, x))
	}
	return out
}

func (p *Pipeline) result(id int64, x features.Vector) domain.ScoringResult {
	score, outlier := p.scorer.Score(x)
	return domain.ScoringResult{
		TransactionID:    id,
		FraudScore:       score,
		IsFraudSuspected: outlier,
		RiskTier:         risk.Tier(score, p.bundle.Thresholds),
	}
}

func inputOf(row domain.ScoringRow) features.Input {
	return features.Input{
		Amount:         row.Amount,
		Date:           row.Date,
		MerchantName:   row.MerchantName,
		PaymentChannel: row.PaymentChannel,
		Pending:        row.Pending,
	}
}

// String describes the pipeline for logs.
func (p *Pipeline) String() string {
	s := p.bundle.Summary()
	return fmt.Sprintf("pipeline(version=%s trees=%d merchants=%d)", s.Version, s.Trees, s.MerchantClasses)
}
