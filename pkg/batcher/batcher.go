package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/queue"
)

const bulkJobMaxAttempts = 2

// Queue is the slice of the job queue the aggregator needs: atomically
// lifting pending singles out and putting one bulk job back in.
type Queue interface {
	DrainPending(ctx context.Context, queueName string, limit int) ([]queue.DrainedJob, error)
	Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (string, error)
}

// Batcher periodically drains bounded numbers of pending single-payment
// jobs and lifts them into one bulk job before any worker dispatches
// them.
type Batcher struct {
	queue             Queue
	batchSize         int
	interval          time.Duration
	singleMaxAttempts int

	aggregating int32
}

func New(q Queue, cfg common.Config) *Batcher {
	return &Batcher{
		queue:             q,
		batchSize:         cfg.BatchSize,
		interval:          cfg.BatchInterval,
		singleMaxAttempts: cfg.MaxAttempts,
	}
}

// Run ticks until the context is done. Overlapping fires are discarded
// by the reentrancy guard so no payment can be drained twice.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	log.Printf("batch aggregator running every %s, batch size %d", b.interval, b.batchSize)

	for {
		select {
		case <-ctx.Done():
			log.Println("batch aggregator stopping")
			return
		case <-ticker.C:
			if _, err := b.Aggregate(ctx); err != nil {
				log.Printf("batch aggregation failed: %v", err)
			}
		}
	}
}

// Aggregate performs one IDLE -> AGGREGATING -> IDLE cycle and returns
// how many singles were lifted. Zero with nil error means either an
// empty queue or a discarded overlapping fire.
func (b *Batcher) Aggregate(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&b.aggregating, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&b.aggregating, 0)

	drained, err := b.queue.DrainPending(ctx, common.PaymentsQueue, b.batchSize)
	if err != nil {
		return 0, fmt.Errorf("draining singles: %w", err)
	}
	if len(drained) == 0 {
		return 0, nil
	}

	payments := make([]common.PaymentJob, 0, len(drained))
	for _, d := range drained {
		var job common.PaymentJob
		if err := json.Unmarshal(d.Payload, &job); err != nil {
			log.Printf("dropping undecodable drained job %s: %v", d.ID, err)
			continue
		}
		payments = append(payments, job)
	}
	if len(payments) == 0 {
		return 0, nil
	}

	batch := common.BatchJob{
		BatchID:          "batch-" + uuid.NewString(),
		Payments:         payments,
		PreferredBackend: common.BackendPrimary,
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		b.restore(ctx, payments)
		return 0, fmt.Errorf("encoding batch %s: %w", batch.BatchID, err)
	}

	if _, err := b.queue.Enqueue(ctx, common.BulkPaymentsQueue, payload, queue.Options{
		MaxAttempts: bulkJobMaxAttempts,
	}); err != nil {
		b.restore(ctx, payments)
		return 0, fmt.Errorf("enqueueing batch %s: %w", batch.BatchID, err)
	}

	return len(payments), nil
}

// restore puts drained payments back on the singles queue after a failed
// lift. The drain already removed them from Redis, so losing them here
// would lose the payments outright.
func (b *Batcher) restore(ctx context.Context, payments []common.PaymentJob) {
	var failed error
	for _, job := range payments {
		payload, err := json.Marshal(job)
		if err != nil {
			failed = errors.Join(failed, fmt.Errorf("re-encoding payment %s: %w", job.CorrelationID, err))
			continue
		}
		_, err = b.queue.Enqueue(ctx, common.PaymentsQueue, payload, queue.Options{
			Priority:    common.PriorityFor(job.AmountInCents),
			MaxAttempts: b.singleMaxAttempts,
			DedupKey:    job.CorrelationID,
		})
		if err != nil {
			failed = errors.Join(failed, fmt.Errorf("restoring payment %s: %w", job.CorrelationID, err))
		}
	}
	if failed != nil {
		log.Printf("ALERT: restoring drained payments failed, manual recovery needed: %v", failed)
	}
}
