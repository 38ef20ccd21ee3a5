// Package model loads the persisted scoring bundle and evaluates its fitted
// scaler and isolation forest.
package model

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// ErrInvalidBundle is returned when a bundle cannot be decoded or fails validation.
var ErrInvalidBundle = errors.New("invalid pipeline bundle")

//go:embed bundle.schema.json
var bundleSchema []byte

const schemaURL = "kestrel-bundle.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(bundleSchema)); err != nil {
			schemaErr = fmt.Errorf("add bundle schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// AnomalyScorer scores a scaled feature vector. Higher scores are more
// anomalous; the bool reports the model's outlier decision.
type AnomalyScorer interface {
	Score(x features.Vector) (float64, bool)
}

// Bundle is the immutable fitted state needed to score a transaction.
type Bundle struct {
	Version    string
	TrainedAt  string
	State      *features.State
	Scaler     *Scaler
	Thresholds risk.Thresholds
	Forest     *IsolationForest
}

type bundleFile struct {
	Version      string           `json:"version"`
	TrainedAt    string           `json:"trained_at"`
	FeatureState featureStateFile `json:"feature_state"`
	Models       struct {
		IsolationForest forestFile `json:"isolation_forest"`
	} `json:"models"`
}

type featureStateFile struct {
	MerchantEncoder  encoderFile        `json:"merchant_encoder"`
	ChannelEncoder   encoderFile        `json:"channel_encoder"`
	MerchantMean     map[string]float64 `json:"merchant_mean"`
	MerchantStd      map[string]float64 `json:"merchant_std"`
	GlobalAmountMean *float64           `json:"global_amount_mean"`
	GlobalAmountStd  *float64           `json:"global_amount_std"`
	Scaler           scalerFile         `json:"scaler"`
	RiskThresholds   risk.Thresholds    `json:"risk_thresholds"`
}

type encoderFile struct {
	Classes []string `json:"classes"`
}

type scalerFile struct {
	Kind  ScalerKind `json:"kind"`
	Mean  []float64  `json:"mean"`
	Min   []float64  `json:"min"`
	Scale []float64  `json:"scale"`
}

type forestFile struct {
	NEstimators int      `json:"n_estimators"`
	MaxSamples  int      `json:"max_samples"`
	Offset      *float64 `json:"offset"`
	Trees       []Tree   `json:"trees"`
}

// LoadBundle reads and validates the bundle at path.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	b, err := DecodeBundle(data)
	if err != nil {
		return nil, fmt.Errorf("load bundle %s: %w", path, err)
	}
	return b, nil
}

// DecodeBundle validates raw bundle JSON against the bundle schema and builds
// the fitted components.
func DecodeBundle(data []byte) (*Bundle, error) {
	sch, err := schema()
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	var f bundleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	state, err := f.FeatureState.build()
	if err != nil {
		return nil, err
	}

	scaler, err := f.FeatureState.Scaler.build()
	if err != nil {
		return nil, err
	}

	th := f.FeatureState.RiskThresholds
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}

	forest := &IsolationForest{
		NEstimators: f.Models.IsolationForest.NEstimators,
		MaxSamples:  f.Models.IsolationForest.MaxSamples,
		Offset:      DefaultOffset,
		Trees:       f.Models.IsolationForest.Trees,
	}
	if off := f.Models.IsolationForest.Offset; off != nil {
		forest.Offset = *off
	}
	if err := forest.Init(); err != nil {
		return nil, err
	}

	return &Bundle{
		Version:    f.Version,
		TrainedAt:  f.TrainedAt,
		State:      state,
		Scaler:     scaler,
		Thresholds: th,
		Forest:     forest,
	}, nil
}

func (fs featureStateFile) build() (*features.State, error) {
	merchants, err := features.NewLabelEncoder(fs.MerchantEncoder.Classes)
	if err != nil {
		return nil, fmt.Errorf("%w: merchant encoder: %v", ErrInvalidBundle, err)
	}
	channels, err := features.NewLabelEncoder(fs.ChannelEncoder.Classes)
	if err != nil {
		return nil, fmt.Errorf("%w: channel encoder: %v", ErrInvalidBundle, err)
	}

	state := &features.State{
		MerchantEncoder: merchants,
		ChannelEncoder:  channels,
		MerchantMean:    fs.MerchantMean,
		MerchantStd:     fs.MerchantStd,
		GlobalMean:      fs.GlobalAmountMean,
		GlobalStd:       fs.GlobalAmountStd,
	}
	if state.MerchantMean == nil {
		state.MerchantMean = map[string]float64{}
	}
	if state.MerchantStd == nil {
		state.MerchantStd = map[string]float64{}
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	return state, nil
}

func (sf scalerFile) build() (*Scaler, error) {
	switch sf.Kind {
	case ScalerStandard:
		return NewStandardScaler(sf.Mean, sf.Scale)
	case ScalerMinMax:
		return NewMinMaxScaler(sf.Min, sf.Scale)
	default:
		return nil, fmt.Errorf("%w: unknown scaler kind %q", ErrInvalidBundle, sf.Kind)
	}
}

// Summary describes a loaded bundle for operators.
type Summary struct {
	Version          string          `json:"version,omitempty"`
	TrainedAt        string          `json:"trainedAt,omitempty"`
	MerchantClasses  int             `json:"merchantClasses"`
	ChannelClasses   int             `json:"channelClasses"`
	MerchantsWithStd int             `json:"merchantsWithStats"`
	Scaler           ScalerKind      `json:"scaler"`
	Trees            int             `json:"trees"`
	MaxSamples       int             `json:"maxSamples"`
	Offset           float64         `json:"offset"`
	Thresholds       risk.Thresholds `json:"thresholds"`
}

// Summary returns counts and settings of the bundle.
func (b *Bundle) Summary() Summary {
	return Summary{
		Version:          b.Version,
		TrainedAt:        b.TrainedAt,
		MerchantClasses:  b.State.MerchantEncoder.Len(),
		ChannelClasses:   b.State.ChannelEncoder.Len(),
		MerchantsWithStd: len(b.State.MerchantMean),
		Scaler:           b.Scaler.Kind,
		Trees:            len(b.Forest.Trees),
		MaxSamples:       b.Forest.MaxSamples,
		Offset:           b.Forest.Offset,
		Thresholds:       b.Thresholds,
	}
}
