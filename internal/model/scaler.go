package model

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/features"
)

// ScalerKind identifies the fitted linear transform.
type ScalerKind string

const (
	// ScalerStandard computes (x - mean) / scale.
	ScalerStandard ScalerKind = "standard"

	// ScalerMinMax computes x*scale + min.
	ScalerMinMax ScalerKind = "minmax"
)

// Scaler applies a fitted per-column linear transform to feature vectors.
type Scaler struct {
	Kind   ScalerKind
	offset features.Vector
	scale  features.Vector
}

// NewStandardScaler builds a standard scaler. Zero scales are treated as 1 so
// constant training columns pass through centered.
func NewStandardScaler(mean, scale []float64) (*Scaler, error) {
	s := &Scaler{Kind: ScalerStandard}
	if err := fill(&s.offset, mean, "mean"); err != nil {
		return nil, err
	}
	if err := fill(&s.scale, scale, "scale"); err != nil {
		return nil, err
	}
	for i, v := range s.scale {
		if v == 0 {
			s.scale[i] = 1
		}
	}
	return s, nil
}

// NewMinMaxScaler builds a min-max scaler from fitted min_ and scale_ columns.
func NewMinMaxScaler(min, scale []float64) (*Scaler, error) {
	s := &Scaler{Kind: ScalerMinMax}
	if err := fill(&s.offset, min, "min"); err != nil {
		return nil, err
	}
	if err := fill(&s.scale, scale, "scale"); err != nil {
		return nil, err
	}
	return s, nil
}

func fill(dst *features.Vector, src []float64, name string) error {
	if len(src) != features.NumFeatures {
		return fmt.Errorf("%w: scaler %s has %d columns, want %d",
			ErrInvalidBundle, name, len(src), features.NumFeatures)
	}
	copy(dst[:], src)
	return nil
}

// TransformOne scales a single vector.
func (s *Scaler) TransformOne(v features.Vector) features.Vector {
	var out features.Vector
	for i, x := range v {
		switch s.Kind {
		case ScalerMinMax:
			out[i] = x*s.scale[i] + s.offset[i]
		default:
			out[i] = (x - s.offset[i]) / s.scale[i]
		}
	}
	return out
}

// Transform scales a batch of row vectors. Zero rows yield an empty,
// non-nil batch.
func (s *Scaler) Transform(rows []features.Vector) []features.Vector {
	out := make([]features.Vector, 0, len(rows))
	for _, v := range rows {
		out = append(out, s.TransformOne(v))
	}
	return out
}
