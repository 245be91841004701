package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/gateway"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/health"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/ledger"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/queue"
)

const (
	bulkMaxAttempts    = 2
	bulkRetryBaseDelay = 300 * time.Millisecond
)

// Gateway is the slice of the processor gateway the engine needs.
type Gateway interface {
	Submit(ctx context.Context, backend common.Backend, job common.PaymentJob) error
	SubmitBulk(ctx context.Context, backend common.Backend, batchID string, payments []common.PaymentJob) gateway.BulkResult
}

// HealthMonitor answers health questions, cached.
type HealthMonitor interface {
	QuickCheck(ctx context.Context, backend common.Backend) bool
	Check(ctx context.Context, backend common.Backend) health.Verdict
}

// Enqueuer is the slice of the job queue the engine needs to hand work
// back after a failed attempt.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (string, error)
}

// Engine decides which backend each unit of work goes to, performs the
// attempt through the gateway and keeps the ledger consistent with what
// was actually sent where.
type Engine struct {
	ledger  ledger.Store
	gateway Gateway
	health  HealthMonitor
	queue   Enqueuer

	maxAttempts            int
	bulkSameBackendRetries int
	alternateOnBulkFailure bool
	defaultBackend         common.Backend
}

func New(store ledger.Store, gw Gateway, hm HealthMonitor, q Enqueuer, cfg common.Config) *Engine {
	return &Engine{
		ledger:                 store,
		gateway:                gw,
		health:                 hm,
		queue:                  q,
		maxAttempts:            cfg.MaxAttempts,
		bulkSameBackendRetries: cfg.BulkSameBackendRetries,
		alternateOnBulkFailure: cfg.AlternateOnBulkFailure,
		defaultBackend:         common.BackendPrimary,
	}
}

// EnqueuePayment is the ingress entrypoint: it stamps the request,
// converts to cents and durably enqueues a single-payment job. The
// correlation id doubles as the dedup key so at most one job per payment
// is ever queued.
func (e *Engine) EnqueuePayment(ctx context.Context, req common.PaymentRequest) error {
	job := common.PaymentJob{
		CorrelationID:    req.CorrelationID,
		AmountInCents:    common.DecimalToCents(req.Amount),
		RequestedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		PreferredBackend: e.defaultBackend,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding payment %s: %w", req.CorrelationID, err)
	}

	_, err = e.queue.Enqueue(ctx, common.PaymentsQueue, payload, queue.Options{
		Priority:    common.PriorityFor(job.AmountInCents),
		MaxAttempts: e.maxAttempts,
		DedupKey:    req.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("enqueueing payment %s: %w", req.CorrelationID, err)
	}
	return nil
}

// HandlePayment is the singles-queue worker handler.
func (e *Engine) HandlePayment(ctx context.Context, qjob *queue.Job) error {
	var job common.PaymentJob
	if err := json.Unmarshal(qjob.Payload, &job); err != nil {
		// Undecodable payloads would fail forever; report and consume.
		log.Printf("discarding undecodable payment job %s: %v", qjob.ID, err)
		return nil
	}

	record, err := e.ledger.CreateIfAbsent(ctx, job.CorrelationID, job.AmountInCents, job.RequestedAtTime())
	if err != nil {
		return err
	}
	if record.Settled() {
		// Stale duplicate; the settled assignment must never move.
		return nil
	}

	chosen := e.chooseBackend(ctx, job.PreferredBackend)

	if err := e.gateway.Submit(ctx, chosen, job); err != nil {
		return e.handleSubmitFailure(ctx, qjob, job, chosen, err)
	}

	// A failed write here must not be mistaken for settlement: propagate
	// and let the queue retry; the ledger guard makes the redo a no-op
	// submit-wise only after the write eventually lands.
	if _, err := e.ledger.SetProcessor(ctx, job.CorrelationID, chosen); err != nil {
		return err
	}
	return nil
}

func (e *Engine) chooseBackend(ctx context.Context, preferred common.Backend) common.Backend {
	if !preferred.Valid() {
		preferred = e.defaultBackend
	}
	if e.health.QuickCheck(ctx, preferred) {
		return preferred
	}

	other := preferred.Other()
	if e.health.QuickCheck(ctx, other) {
		return other
	}

	// Fail-open at the decision level: with both backends looking
	// unhealthy the configured default is still attempted.
	log.Printf("WARN: both backends look unhealthy, attempting %s", e.defaultBackend)
	return e.defaultBackend
}

// handleSubmitFailure turns one failed attempt into either a queue-level
// re-raise (naive backoff) or, once those are spent, an explicit
// re-enqueue preferring the other backend with a health-aware delay.
func (e *Engine) handleSubmitFailure(
	ctx context.Context,
	qjob *queue.Job,
	job common.PaymentJob,
	attempted common.Backend,
	cause error,
) error {
	if !qjob.LastAttempt() {
		return cause
	}

	other := attempted.Other()
	verdict := e.health.Check(ctx, other)

	var delay time.Duration
	if verdict.Failing {
		delay = verdict.MinResponseTime
	}

	retry := job
	retry.PreferredBackend = other
	retry.RetryCount = job.RetryCount + 1

	payload, err := json.Marshal(retry)
	if err != nil {
		return fmt.Errorf("encoding failover for %s: %w", job.CorrelationID, err)
	}

	_, err = e.queue.Enqueue(ctx, common.PaymentsQueue, payload, queue.Options{
		Priority:    common.PriorityFor(job.AmountInCents),
		Delay:       delay,
		MaxAttempts: e.maxAttempts,
		DedupKey:    job.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("re-enqueueing %s toward %s: %w", job.CorrelationID, other, err)
	}

	log.Printf(
		"payment %s failed on %s (%v); handed to %s with %s delay",
		job.CorrelationID, attempted, cause, other, delay,
	)
	return nil
}

// HandleBatch is the bulk-queue worker handler. Every member of the
// batch ends in exactly one of ledger success or re-queued failure.
func (e *Engine) HandleBatch(ctx context.Context, qjob *queue.Job) error {
	var batch common.BatchJob
	if err := json.Unmarshal(qjob.Payload, &batch); err != nil {
		log.Printf("discarding undecodable batch job %s: %v", qjob.ID, err)
		return nil
	}

	preferred := batch.PreferredBackend
	if !preferred.Valid() {
		preferred = e.defaultBackend
	}

	// One probe for the whole batch.
	actual := preferred
	if e.health.Check(ctx, preferred).Failing {
		actual = preferred.Other()
	}

	result := e.gateway.SubmitBulk(ctx, actual, batch.BatchID, batch.Payments)

	failedIDs := make(map[string]bool, len(result.Failed))
	for _, failed := range result.Failed {
		failedIDs[failed.CorrelationID] = true
	}

	records := make([]ledger.Record, 0, len(batch.Payments))
	var failedJobs []common.PaymentJob
	for _, payment := range batch.Payments {
		if failedIDs[payment.CorrelationID] {
			failedJobs = append(failedJobs, payment)
			continue
		}
		records = append(records, ledger.Record{
			CorrelationID: payment.CorrelationID,
			AmountInCents: payment.AmountInCents,
			RequestedAt:   payment.RequestedAtTime(),
			Processor:     actual,
		})
	}

	if len(records) > 0 {
		if err := e.ledger.BulkCreate(ctx, records); err != nil {
			return fmt.Errorf("recording batch %s: %w", batch.BatchID, err)
		}
	}

	if len(failedJobs) > 0 {
		if err := e.requeueFailedBatch(ctx, failedJobs, actual, batch.RetryCount); err != nil {
			return err
		}
	}

	log.Printf(
		"batch %s on %s: %d settled, %d re-queued",
		batch.BatchID, actual, len(records), len(failedJobs),
	)
	return nil
}

func (e *Engine) requeueFailedBatch(
	ctx context.Context,
	payments []common.PaymentJob,
	current common.Backend,
	retryCount int,
) error {
	target, delay, nextRetryCount := e.nextBatchTarget(current, retryCount)

	retry := common.BatchJob{
		BatchID:          "retry-batch-" + uuid.NewString(),
		Payments:         payments,
		PreferredBackend: target,
		RetryCount:       nextRetryCount,
	}
	payload, err := json.Marshal(retry)
	if err != nil {
		return fmt.Errorf("encoding retry batch: %w", err)
	}

	_, err = e.queue.Enqueue(ctx, common.BulkPaymentsQueue, payload, queue.Options{
		Delay:       delay,
		MaxAttempts: bulkMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("re-enqueueing retry batch toward %s: %w", target, err)
	}
	return nil
}

// nextBatchTarget applies the bulk failure policy: stick with the
// primary for a bounded run of linearly-delayed retries, then switch;
// the alternate flag flips this to always switching immediately.
func (e *Engine) nextBatchTarget(current common.Backend, retryCount int) (common.Backend, time.Duration, int) {
	if e.alternateOnBulkFailure {
		return current.Other(), bulkRetryBaseDelay, 0
	}

	if current == common.BackendPrimary {
		if retryCount < e.bulkSameBackendRetries {
			return common.BackendPrimary, bulkRetryBaseDelay * time.Duration(retryCount+1), retryCount + 1
		}
		return common.BackendSecondary, 0, 0
	}
	return common.BackendPrimary, bulkRetryBaseDelay, 0
}
