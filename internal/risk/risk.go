// Package risk buckets continuous fraud scores into discrete tiers.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvertedThresholds is returned when high_risk_min does not exceed low_risk_max.
var ErrInvertedThresholds = errors.New("inverted risk thresholds")

// Thresholds are the fitted tier boundaries carried by the pipeline bundle.
type Thresholds struct {
	LowRiskMax  float64 `json:"low_risk_max"`
	HighRiskMin float64 `json:"high_risk_min"`
}

// Validate rejects non-finite or inverted thresholds.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.LowRiskMax) || math.IsNaN(t.HighRiskMin) ||
		math.IsInf(t.LowRiskMax, 0) || math.IsInf(t.HighRiskMin, 0) {
		return fmt.Errorf("%w: thresholds must be finite", ErrInvertedThresholds)
	}
	if t.HighRiskMin <= t.LowRiskMax {
		return fmt.Errorf("%w: high_risk_min %.4f <= low_risk_max %.4f",
			ErrInvertedThresholds, t.HighRiskMin, t.LowRiskMax)
	}
	return nil
}

// Tier maps a score to its tier. The high boundary is checked first, so Tier
// is total even for thresholds that fail Validate.
func Tier(score float64, t Thresholds) domain.RiskTier {
	switch {
	case score >= t.HighRiskMin:
		return domain.RiskHigh
	case score >= t.LowRiskMax:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
