// Package features turns raw transactions into the fixed-order numeric vectors
// the anomaly model was fitted on.
package features

import (
	"math"
	"strings"
	"time"
)

// NumFeatures is the width of every feature vector.
const NumFeatures = 12

// Vector is one transaction's features. The index order is fixed; the scaler
// and the model were fitted against exactly this layout.
type Vector [NumFeatures]float64

// Feature indices.
const (
	Amount = iota
	LogAmount
	DayOfWeek
	DayOfMonth
	Month
	HourOfDay
	Weekend
	MerchantClass
	ChannelClass
	PendingFlag
	AmountZScore
	AbsAmountZScore
)

const (
	zScoreClip   = 5.0
	zScoreEps    = 1e-6
	defaultHour  = 12
	weekendStart = 5
)

// Input is the raw transaction seen by the extractor. Nil pointers are missing values.
type Input struct {
	Amount         *float64
	Date           *string
	MerchantName   *string
	PaymentChannel *string
	Pending        bool
}

// Extractor builds feature vectors from a fitted State.
type Extractor struct {
	state *State
	now   func() time.Time
}

// NewExtractor creates an extractor. A nil clock uses time.Now in UTC.
func NewExtractor(state *State, now func() time.Time) *Extractor {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Extractor{state: state, now: now}
}

// Extract converts one transaction into a Vector. It never fails: missing or
// unknown inputs are replaced by the values the model was trained to expect.
func (e *Extractor) Extract(in Input) Vector {
	var v Vector

	amount := 0.0
	if in.Amount != nil && !math.IsNaN(*in.Amount) {
		amount = *in.Amount
	}
	v[Amount] = amount
	v[LogAmount] = math.Log1p(math.Max(amount, 0))

	ts, hasTime := e.parseDate(in.Date)
	dow := mondayFirst(ts.Weekday())
	v[DayOfWeek] = float64(dow)
	v[DayOfMonth] = float64(ts.Day())
	v[Month] = float64(ts.Month())
	if hasTime {
		v[HourOfDay] = float64(ts.Hour())
	} else {
		v[HourOfDay] = defaultHour
	}
	if dow >= weekendStart {
		v[Weekend] = 1
	}

	merchant := valueOr(in.MerchantName, UnknownMerchant)
	channel := valueOr(in.PaymentChannel, DefaultChannel)

	merchantIdx, merchant := e.state.MerchantEncoder.EncodeOr(merchant, UnknownMerchant)
	channelIdx, _ := e.state.ChannelEncoder.EncodeOr(channel, DefaultChannel)
	v[MerchantClass] = float64(merchantIdx)
	v[ChannelClass] = float64(channelIdx)

	if in.Pending {
		v[PendingFlag] = 1
	}

	z := e.zScore(amount, merchant)
	v[AmountZScore] = z
	v[AbsAmountZScore] = math.Abs(z)

	return v
}

// zScore measures amount against the merchant's history, falling back to
// global statistics for merchants without history. Clipped to ±5.
func (e *Extractor) zScore(amount float64, merchant string) float64 {
	var mean, std float64
	if m, ok := e.state.MerchantMean[merchant]; ok {
		mean = m
		std = e.state.MerchantStd[merchant]
	} else {
		mean = amount
		if e.state.GlobalMean != nil {
			mean = *e.state.GlobalMean
		}
		std = 1.0
		if e.state.GlobalStd != nil {
			std = *e.state.GlobalStd
		}
	}

	denom := 1.0
	if std > 0 {
		denom = std
	}
	z := (amount - mean) / (denom + zScoreEps)
	if math.IsNaN(z) {
		return 0
	}
	return math.Max(-zScoreClip, math.Min(zScoreClip, z))
}

var dateLayouts = []struct {
	layout  string
	hasTime bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02 15:04:05Z07:00", true},
	{"2006-01-02T15:04", true},
	{"2006-01-02", false},
}

// parseDate returns the transaction time and whether it carried a time of day.
// Missing or unparseable dates fall back to the extractor clock.
func (e *Extractor) parseDate(raw *string) (time.Time, bool) {
	if raw != nil {
		s := strings.TrimSpace(*raw)
		for _, l := range dateLayouts {
			if t, err := time.Parse(l.layout, s); err == nil {
				return t, l.hasTime
			}
		}
	}
	return e.now(), true
}

// mondayFirst maps time.Weekday (Sunday=0) to Monday=0 .. Sunday=6.
func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func valueOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
