package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
)

// Record is one payment as the ledger knows it. Processor stays empty
// until a backend accepts the payment, and transitions exactly once.
type Record struct {
	CorrelationID string         `json:"correlationId"`
	AmountInCents int64          `json:"amountInCents"`
	RequestedAt   time.Time      `json:"requestedAt"`
	Processor     common.Backend `json:"processor,omitempty"`
}

func (r Record) Settled() bool {
	return r.Processor != ""
}

// Summary aggregates settled payments for one backend.
type Summary struct {
	Count       int64
	TotalAmount int64
}

// Store is the idempotent ledger contract. Create-if-absent must be an
// atomic conditional write at the storage layer; concurrent duplicate
// deliveries may race it and exactly one may win.
type Store interface {
	// CreateIfAbsent returns the existing record unchanged when the
	// correlation id is already known.
	CreateIfAbsent(ctx context.Context, correlationID string, amountInCents int64, requestedAt time.Time) (Record, error)
	Get(ctx context.Context, correlationID string) (Record, bool, error)
	// SetProcessor reports true iff the unset->set transition happened.
	// Re-assigning the same backend is an idempotent no-op (false, nil);
	// the assignment never moves backward or to another backend.
	SetProcessor(ctx context.Context, correlationID string, backend common.Backend) (bool, error)
	Summarize(ctx context.Context, backend common.Backend, from, to *time.Time) (Summary, error)
	// BulkCreate persists records that already carry their processor
	// (the bulk success path). Existing records are left untouched.
	BulkCreate(ctx context.Context, records []Record) error
	Purge(ctx context.Context) error
}

var ErrNotFound = errors.New("payment not found")

// NewStore selects the backing implementation once at startup.
func NewStore(cfg common.Config, deps Deps) (Store, error) {
	switch cfg.LedgerBackend {
	case "redis":
		if deps.Redis == nil {
			return nil, errors.New("redis ledger selected but no redis client provided")
		}
		return NewRedisStore(deps.Redis), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres ledger selected but POSTGRES_DSN is empty")
		}
		return NewPostgresStore(cfg.PostgresDSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}
