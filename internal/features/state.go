package features

import (
	"errors"
	"fmt"
)

const (
	// UnknownMerchant is the reserved merchant class for missing or unseen merchants.
	UnknownMerchant = "Unknown"

	// DefaultChannel is the reserved payment channel for missing or unseen channels.
	DefaultChannel = "online"
)

// ErrInvalidState is returned when fitted feature state is unusable.
var ErrInvalidState = errors.New("invalid feature state")

// State is the fitted, read-only input of the extractor.
type State struct {
	MerchantEncoder *LabelEncoder
	ChannelEncoder  *LabelEncoder

	MerchantMean map[string]float64
	MerchantStd  map[string]float64

	// GlobalMean and GlobalStd are optional; nil falls back to the
	// transaction amount and 1.0 respectively.
	GlobalMean *float64
	GlobalStd  *float64
}

// Validate checks that the reserved sentinel classes were fitted.
func (s *State) Validate() error {
	if s.MerchantEncoder == nil || s.ChannelEncoder == nil {
		return fmt.Errorf("%w: merchant and channel encoders are required", ErrInvalidState)
	}
	if !s.MerchantEncoder.Has(UnknownMerchant) {
		return fmt.Errorf("%w: merchant encoder has no %q class", ErrInvalidState, UnknownMerchant)
	}
	if !s.ChannelEncoder.Has(DefaultChannel) {
		return fmt.Errorf("%w: channel encoder has no %q class", ErrInvalidState, DefaultChannel)
	}
	return nil
}
