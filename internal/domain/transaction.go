package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidID is returned when a transaction ID cannot be parsed.
	ErrInvalidID = errors.New("invalid transaction id")

	// ErrInvalidReviewStatus is returned for review statuses outside the known set.
	ErrInvalidReviewStatus = errors.New("invalid review status")
)

// DateLayout is the storage layout of the transaction posting date.
const DateLayout = "2006-01-02"

// Transaction is a stored bank transaction together with its fraud fields.
type Transaction struct {
	ID        int64  `json:"id"`
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`

	Name           string  `json:"name,omitempty"`
	MerchantName   *string `json:"merchantName,omitempty"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency,omitempty"`
	Date           string  `json:"date"`
	PaymentChannel *string `json:"paymentChannel,omitempty"`
	Pending        bool    `json:"pending"`
	Removed        bool    `json:"removed"`

	// Fraud fields written by the scoring scheduler.
	FraudScore       *float64 `json:"fraudScore,omitempty"`
	IsFraudSuspected bool     `json:"isFraudSuspected"`
	RiskLevel        *string  `json:"riskLevel,omitempty"`

	// Review fields written by a human reviewer.
	ReviewStatus ReviewStatus `json:"reviewStatus"`
	ReviewedAt   *time.Time   `json:"reviewedAt,omitempty"`
	ReviewedBy   string       `json:"reviewedBy,omitempty"`
	ReviewNote   string       `json:"reviewNote,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ScoringRow is the projection of a transaction read by the scoring pipeline.
// Nil pointers mark values missing in storage.
type ScoringRow struct {
	ID             int64
	UserID         string
	Amount         *float64
	PaymentChannel *string
	Pending        bool
	Date           *string
	MerchantName   *string
}

// ScoringResult is the per-transaction outcome written back by a scoring unit.
type ScoringResult struct {
	TransactionID    int64    `json:"transactionId"`
	FraudScore       float64  `json:"fraudScore"`
	IsFraudSuspected bool     `json:"isFraudSuspected"`
	RiskTier         RiskTier `json:"riskTier"`
}

// ScoredTransaction pairs a scoring result with the row it was computed from.
type ScoredTransaction struct {
	Row    ScoringRow
	Result ScoringResult
}

// RiskTier is the coarse bucket of a fraud score.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// ReviewStatus is the human review state of a transaction.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewFraud    ReviewStatus = "fraud"
	ReviewNotFraud ReviewStatus = "not_fraud"
	ReviewIgnored  ReviewStatus = "ignored"
)

// ParseReviewStatus validates a review status string.
func ParseReviewStatus(s string) (ReviewStatus, error) {
	switch st := ReviewStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case ReviewPending, ReviewFraud, ReviewNotFraud, ReviewIgnored:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReviewStatus, s)
	}
}

// RiskRollup summarises suspected transactions still awaiting review.
type RiskRollup struct {
	Risks     RiskCounts              `json:"risks"`
	ByAccount map[string]AccountRisks `json:"byAccount"`
}

// RiskCounts holds pending counts per tier.
type RiskCounts struct {
	PendingTotal  int `json:"pendingTotal"`
	PendingHigh   int `json:"pendingHigh"`
	PendingMedium int `json:"pendingMedium"`
	PendingLow    int `json:"pendingLow"`
}

// AccountRisks holds pending counts for one account.
type AccountRisks struct {
	PendingTotal int `json:"pendingTotal"`
	PendingHigh  int `json:"pendingHigh"`
}

// ParseTxIDs converts loosely typed IDs (JSON numbers, numeric strings, ints)
// into transaction IDs. Duplicates are kept; callers deduplicate.
func ParseTxIDs(values []any) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := parseTxID(v)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DistinctTxIDs drops repeated IDs, keeping first-seen order.
func DistinctTxIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func parseTxID(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		id, err := strconv.ParseInt(string(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidID, t)
		}
		return id, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidID, t)
		}
		return int64(t), nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, t)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidID, v)
	}
}
