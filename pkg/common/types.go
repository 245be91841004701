package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Backend identifies one of the two payment processors.
type Backend string

const (
	BackendPrimary   Backend = "primary"
	BackendSecondary Backend = "secondary"
)

// Other returns the opposite backend.
func (b Backend) Other() Backend {
	if b == BackendPrimary {
		return BackendSecondary
	}
	return BackendPrimary
}

func (b Backend) Valid() bool {
	return b == BackendPrimary || b == BackendSecondary
}

// PaymentRequest is the shape accepted at the ingress endpoint.
type PaymentRequest struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
}

// PaymentJob is the payload of a single-payment queue job. Amounts are
// integer cents end to end; decimal only exists at the HTTP edges.
type PaymentJob struct {
	CorrelationID    string  `json:"correlationId"`
	AmountInCents    int64   `json:"amountInCents"`
	RequestedAt      string  `json:"requestedAt"`
	RetryCount       int     `json:"retryCount"`
	PreferredBackend Backend `json:"preferredBackend"`
}

// BatchJob is the payload of a bulk queue job synthesized by the
// aggregator out of pending single jobs.
type BatchJob struct {
	BatchID          string       `json:"batchId"`
	Payments         []PaymentJob `json:"payments"`
	PreferredBackend Backend      `json:"preferredBackend"`
	RetryCount       int          `json:"retryCount"`
}

// DecimalToCents converts a decimal amount into integer cents, rounding
// half up at two places.
func DecimalToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// CentsToDecimal converts integer cents back into decimal units.
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Priority tiers keep large payments from starving behind a backlog of
// small ones. Lower value dispatches first.
const (
	PriorityLarge  = 0
	PriorityMedium = 1
	PrioritySmall  = 2
)

func PriorityFor(amountInCents int64) int {
	switch {
	case amountInCents >= 100_000:
		return PriorityLarge
	case amountInCents >= 10_000:
		return PriorityMedium
	default:
		return PrioritySmall
	}
}

// RequestedAtTime parses the job timestamp, falling back to now so a
// malformed job never settles with a zero time.
func (p PaymentJob) RequestedAtTime() time.Time {
	t, err := time.Parse(time.RFC3339Nano, p.RequestedAt)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
