package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/breaker"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/health"
)

// ErrCircuitOpen reports that a backend's breaker refused the call. It is
// a retryable failure like any transport error; the engine routes around
// it instead of treating it as terminal.
var ErrCircuitOpen = errors.New("circuit open")

// ErrNotAttempted marks bulk members that were never sent because an
// earlier chunk failed.
var ErrNotAttempted = errors.New("not attempted: earlier chunk failed")

type wireRequest struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
	RequestedAt   string          `json:"requestedAt"`
}

type wireHealth struct {
	Failing         bool  `json:"failing"`
	MinResponseTime int64 `json:"minResponseTime"`
}

// FailedPayment is one bulk member that did not settle.
type FailedPayment struct {
	CorrelationID string
	Reason        string
}

// BulkResult accounts for every member of a batch: processed, failed, or
// failed-not-attempted. Nothing is silently dropped.
type BulkResult struct {
	BatchID        string
	ProcessedCount int
	Failed         []FailedPayment
}

// Gateway performs the actual network calls against both payment
// processors and normalizes transport failures into plain errors.
type Gateway struct {
	baseURLs   map[common.Backend]string
	breakers   *breaker.Store
	httpClient *http.Client
	chunkSize  int
}

type Options struct {
	PrimaryURL   string
	SecondaryURL string
	ChunkSize    int
	Breakers     *breaker.Store
}

func New(opts Options) *Gateway {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}

	return &Gateway{
		baseURLs: map[common.Backend]string{
			common.BackendPrimary:   opts.PrimaryURL,
			common.BackendSecondary: opts.SecondaryURL,
		},
		breakers:  opts.Breakers,
		chunkSize: chunkSize,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     120 * time.Second,
				MaxConnsPerHost:     50,
				DialContext: (&net.Dialer{
					Timeout:   2 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

// Submit posts one payment to the given backend. Amounts cross the wire
// in decimal units; cents only exist inside the pipeline.
func (g *Gateway) Submit(ctx context.Context, backend common.Backend, job common.PaymentJob) error {
	if g.breakers != nil && !g.breakers.Allow(backend) {
		return fmt.Errorf("%s: %w", backend, ErrCircuitOpen)
	}

	body := wireRequest{
		CorrelationID: job.CorrelationID,
		Amount:        common.CentsToDecimal(job.AmountInCents),
		RequestedAt:   job.RequestedAt,
	}
	jsonBody, _ := json.Marshal(body)

	url := g.baseURLs[backend] + "/payments"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", backend, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		g.recordFailure(backend)
		return fmt.Errorf("calling %s: %w", backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.recordFailure(backend)
		return fmt.Errorf("backend %s returned %s", backend, resp.Status)
	}

	g.recordSuccess(backend)
	return nil
}

// ProbeHealth performs the raw, uncached health call. The monitor is the
// only caller; going through it directly under load would trip the
// endpoint's rate limit.
func (g *Gateway) ProbeHealth(ctx context.Context, backend common.Backend) (health.Verdict, error) {
	url := g.baseURLs[backend] + "/payments/service-health"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return health.Verdict{}, fmt.Errorf("building health request for %s: %w", backend, err)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return health.Verdict{}, fmt.Errorf("health call to %s: %w", backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return health.Verdict{}, fmt.Errorf("health endpoint of %s returned %s", backend, resp.Status)
	}

	var wire wireHealth
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return health.Verdict{}, fmt.Errorf("decoding health response of %s: %w", backend, err)
	}

	return health.Verdict{
		Backend:         backend,
		Failing:         wire.Failing,
		MinResponseTime: time.Duration(wire.MinResponseTime) * time.Millisecond,
		ObservedAt:      time.Now().UTC(),
	}, nil
}

// SubmitBulk sends a batch in fixed-size chunks with intra-chunk
// concurrency. Once any member of a chunk fails no later chunk starts;
// the remainder is reported failed-not-attempted so a mid-batch-failing
// backend gets backpressure instead of a pile-on.
func (g *Gateway) SubmitBulk(
	ctx context.Context,
	backend common.Backend,
	batchID string,
	payments []common.PaymentJob,
) BulkResult {
	result := BulkResult{BatchID: batchID}

	chunks := chunk(payments, g.chunkSize)
	chunkIndex := 0

	for ; chunkIndex < len(chunks); chunkIndex++ {
		current := chunks[chunkIndex]

		type outcome struct {
			job common.PaymentJob
			err error
		}
		outcomes := make([]outcome, len(current))

		var wg sync.WaitGroup
		for i, job := range current {
			wg.Add(1)
			go func(i int, job common.PaymentJob) {
				defer wg.Done()
				outcomes[i] = outcome{job: job, err: g.Submit(ctx, backend, job)}
			}(i, job)
		}
		wg.Wait()

		failed := false
		for _, o := range outcomes {
			if o.err == nil {
				result.ProcessedCount++
				continue
			}
			failed = true
			result.Failed = append(result.Failed, FailedPayment{
				CorrelationID: o.job.CorrelationID,
				Reason:        o.err.Error(),
			})
		}

		if failed {
			chunkIndex++
			break
		}
	}

	for ; chunkIndex < len(chunks); chunkIndex++ {
		for _, job := range chunks[chunkIndex] {
			result.Failed = append(result.Failed, FailedPayment{
				CorrelationID: job.CorrelationID,
				Reason:        ErrNotAttempted.Error(),
			})
		}
	}

	return result
}

func (g *Gateway) recordFailure(backend common.Backend) {
	if g.breakers != nil {
		g.breakers.RecordFailure(backend)
	}
}

func (g *Gateway) recordSuccess(backend common.Backend) {
	if g.breakers != nil {
		g.breakers.RecordSuccess(backend)
	}
}

func chunk(payments []common.PaymentJob, size int) [][]common.PaymentJob {
	var chunks [][]common.PaymentJob
	for start := 0; start < len(payments); start += size {
		end := start + size
		if end > len(payments) {
			end = len(payments)
		}
		chunks = append(chunks, payments[start:end])
	}
	return chunks
}
