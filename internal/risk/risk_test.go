package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestTier(t *testing.T) {
	th := Thresholds{LowRiskMax: 0.45, HighRiskMin: 0.6}

	tests := []struct {
		name  string
		score float64
		want  domain.RiskTier
	}{
		{"well below", 0.1, domain.RiskLow},
		{"just below low max", math.Nextafter(0.45, 0), domain.RiskLow},
		{"exactly low max", 0.45, domain.RiskMedium},
		{"between", 0.5, domain.RiskMedium},
		{"just below high min", math.Nextafter(0.6, 0), domain.RiskMedium},
		{"exactly high min", 0.6, domain.RiskHigh},
		{"above", 0.9, domain.RiskHigh},
		{"negative", -1, domain.RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tier(tt.score, th))
		})
	}
}

func TestTierInvertedStaysTotal(t *testing.T) {
	th := Thresholds{LowRiskMax: 0.7, HighRiskMin: 0.5}

	assert.Equal(t, domain.RiskLow, Tier(0.4, th))
	assert.Equal(t, domain.RiskHigh, Tier(0.6, th))
	assert.Equal(t, domain.RiskHigh, Tier(0.8, th))
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, Thresholds{LowRiskMax: 0.45, HighRiskMin: 0.6}.Validate())
	assert.ErrorIs(t, Thresholds{LowRiskMax: 0.6, HighRiskMin: 0.6}.Validate(), ErrInvertedThresholds)
	assert.ErrorIs(t, Thresholds{LowRiskMax: 0.7, HighRiskMin: 0.5}.Validate(), ErrInvertedThresholds)
	assert.ErrorIs(t, Thresholds{LowRiskMax: math.NaN(), HighRiskMin: 0.5}.Validate(), ErrInvertedThresholds)
}
