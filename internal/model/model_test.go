package model

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/risk"
)

const fixture = "testdata/bundle.json"

func loadFixture(t *testing.T) *Bundle {
	t.Helper()
	b, err := LoadBundle(fixture)
	require.NoError(t, err)
	return b
}

// mutateFixture decodes the fixture, applies fn and returns the re-encoded JSON.
func mutateFixture(t *testing.T, fn func(m map[string]any)) []byte {
	t.Helper()
	data, err := os.ReadFile(fixture)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	fn(m)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	return out
}

func featureState(m map[string]any) map[string]any {
	return m["feature_state"].(map[string]any)
}

func forest(m map[string]any) map[string]any {
	return m["models"].(map[string]any)["isolation_forest"].(map[string]any)
}

func TestLoadBundle(t *testing.T) {
	b := loadFixture(t)

	assert.Equal(t, "test-2025.01", b.Version)
	assert.Equal(t, []string{"Amazon", "Electronics", "Uber", "Unknown"}, b.State.MerchantEncoder.Classes())
	assert.Equal(t, 3, b.State.ChannelEncoder.Len())
	assert.Equal(t, risk.Thresholds{LowRiskMax: 0.45, HighRiskMin: 0.6}, b.Thresholds)
	assert.Equal(t, ScalerStandard, b.Scaler.Kind)
	assert.Len(t, b.Forest.Trees, 2)
	assert.Equal(t, -0.5, b.Forest.Offset)

	s := b.Summary()
	assert.Equal(t, 4, s.MerchantClasses)
	assert.Equal(t, 3, s.MerchantsWithStd)
	assert.Equal(t, 2, s.Trees)
}

func TestLoadBundleMissingFile(t *testing.T) {
	_, err := LoadBundle(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDecodeBundleRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
		is     error
	}{
		{
			name:   "missing models",
			mutate: func(m map[string]any) { delete(m, "models") },
		},
		{
			name: "short scaler row",
			mutate: func(m map[string]any) {
				featureState(m)["scaler"].(map[string]any)["scale"] = []any{1, 1, 1}
			},
		},
		{
			name: "unknown scaler kind",
			mutate: func(m map[string]any) {
				featureState(m)["scaler"].(map[string]any)["kind"] = "robust"
			},
		},
		{
			name: "inverted thresholds",
			mutate: func(m map[string]any) {
				featureState(m)["risk_thresholds"] = map[string]any{"low_risk_max": 0.7, "high_risk_min": 0.5}
			},
			is: risk.ErrInvertedThresholds,
		},
		{
			name: "equal thresholds",
			mutate: func(m map[string]any) {
				featureState(m)["risk_thresholds"] = map[string]any{"low_risk_max": 0.5, "high_risk_min": 0.5}
			},
			is: risk.ErrInvertedThresholds,
		},
		{
			name: "merchant encoder without Unknown",
			mutate: func(m map[string]any) {
				featureState(m)["merchant_encoder"] = map[string]any{"classes": []any{"Uber"}}
			},
			is: features.ErrInvalidState,
		},
		{
			name: "channel encoder without online",
			mutate: func(m map[string]any) {
				featureState(m)["channel_encoder"] = map[string]any{"classes": []any{"in_store"}}
			},
			is: features.ErrInvalidState,
		},
		{
			name: "duplicate classes",
			mutate: func(m map[string]any) {
				featureState(m)["channel_encoder"] = map[string]any{"classes": []any{"online", "online"}}
			},
		},
		{
			name: "backward child",
			mutate: func(m map[string]any) {
				tree := forest(m)["trees"].([]any)[0].(map[string]any)
				tree["nodes"].([]any)[1].(map[string]any)["left"] = 0
			},
		},
		{
			name: "feature out of range",
			mutate: func(m map[string]any) {
				tree := forest(m)["trees"].([]any)[1].(map[string]any)
				tree["nodes"].([]any)[0].(map[string]any)["feature"] = 2
			},
		},
		{
			name: "estimator count mismatch",
			mutate: func(m map[string]any) {
				forest(m)["n_estimators"] = 3
			},
		},
		{
			name: "max samples too small",
			mutate: func(m map[string]any) {
				forest(m)["max_samples"] = 1
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBundle(mutateFixture(t, tt.mutate))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidBundle)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestDecodeBundleDefaults(t *testing.T) {
	data := mutateFixture(t, func(m map[string]any) {
		delete(forest(m), "offset")
		delete(forest(m), "n_estimators")
		delete(featureState(m), "global_amount_mean")
		delete(featureState(m), "global_amount_std")
	})

	b, err := DecodeBundle(data)
	require.NoError(t, err)
	assert.Equal(t, DefaultOffset, b.Forest.Offset)
	assert.Equal(t, 2, b.Forest.NEstimators)
	assert.Nil(t, b.State.GlobalMean)
	assert.Nil(t, b.State.GlobalStd)
}

func TestDecodeBundleGarbage(t *testing.T) {
	_, err := DecodeBundle([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestScaler(t *testing.T) {
	t.Run("Standard", func(t *testing.T) {
		mean := make([]float64, features.NumFeatures)
		scale := make([]float64, features.NumFeatures)
		for i := range scale {
			mean[i] = 1
			scale[i] = 2
		}
		scale[3] = 0

		s, err := NewStandardScaler(mean, scale)
		require.NoError(t, err)

		var v features.Vector
		for i := range v {
			v[i] = 5
		}
		out := s.TransformOne(v)
		assert.Equal(t, 2.0, out[0])
		assert.Equal(t, 4.0, out[3], "zero scale passes through centered")
	})

	t.Run("MinMax", func(t *testing.T) {
		min := make([]float64, features.NumFeatures)
		scale := make([]float64, features.NumFeatures)
		for i := range scale {
			min[i] = -1
			scale[i] = 0.5
		}
		s, err := NewMinMaxScaler(min, scale)
		require.NoError(t, err)

		var v features.Vector
		v[0] = 4
		out := s.TransformOne(v)
		assert.Equal(t, 1.0, out[0])
		assert.Equal(t, -1.0, out[1])
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		b := loadFixture(t)
		out := b.Scaler.Transform(nil)
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})

	t.Run("Batch", func(t *testing.T) {
		b := loadFixture(t)
		var a, c features.Vector
		a[features.Amount] = 150
		c[features.Amount] = 400
		out := b.Scaler.Transform([]features.Vector{a, c})
		require.Len(t, out, 2)
		assert.Equal(t, 1.5, out[0][features.Amount])
		assert.Equal(t, 4.0, out[1][features.Amount])
	})

	t.Run("WrongWidth", func(t *testing.T) {
		_, err := NewStandardScaler([]float64{1}, []float64{1})
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 2*(math.Log(255)+eulerGamma)-2*255.0/256.0, averagePathLength(256), 1e-12)
}

func TestForestScore(t *testing.T) {
	b := loadFixture(t)
	norm := 2 * averagePathLength(4)
	expected := func(depth float64) float64 { return math.Pow(2, -depth/norm) }

	tests := []struct {
		name    string
		amount  float64
		z       float64
		depth   float64
		outlier bool
		tier    string
	}{
		{"typical", 0.5, 0.2, (2 + 1) + (1 + averagePathLength(3)), false, "low"},
		{"large z", 0.5, 2.0, 2 + (1 + averagePathLength(3)), false, "medium"},
		{"mid amount", 2.5, 0, 1 + (1 + averagePathLength(3)), true, "medium"},
		{"extreme amount", 4.0, 0, 1 + 1, true, "high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var x features.Vector
			x[features.Amount] = tt.amount
			x[features.AmountZScore] = tt.z

			score, outlier := b.Forest.Score(x)
			assert.InDelta(t, expected(tt.depth), score, 1e-12)
			assert.Equal(t, tt.outlier, outlier)
			assert.Equal(t, tt.tier, string(risk.Tier(score, b.Thresholds)))

			again, _ := b.Forest.Score(x)
			assert.Equal(t, score, again)
		})
	}
}

func TestForestScoreMonotonicInDepth(t *testing.T) {
	b := loadFixture(t)
	var shallow, deep features.Vector
	shallow[features.Amount] = 10
	deep[features.Amount] = 0.1

	s1, _ := b.Forest.Score(shallow)
	s2, _ := b.Forest.Score(deep)
	assert.Greater(t, s1, s2, "easily isolated points score higher")
}

var _ AnomalyScorer = (*IsolationForest)(nil)
