package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/queue"
)

type enqueued struct {
	payload []byte
	opts    queue.Options
}

type fakeQueue struct {
	mu sync.Mutex

	pending  []queue.DrainedJob
	drainErr error

	enqueued   map[string][]enqueued
	enqueueErr map[string]error

	drainStarted chan struct{} // closed on first DrainPending entry
	drainGate    chan struct{} // when set, DrainPending blocks until closed
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		enqueued:   make(map[string][]enqueued),
		enqueueErr: make(map[string]error),
	}
}

func (f *fakeQueue) DrainPending(ctx context.Context, queueName string, limit int) ([]queue.DrainedJob, error) {
	if f.drainStarted != nil {
		f.mu.Lock()
		select {
		case <-f.drainStarted:
		default:
			close(f.drainStarted)
		}
		f.mu.Unlock()
	}
	if f.drainGate != nil {
		<-f.drainGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.drainErr != nil {
		return nil, f.drainErr
	}
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	drained := f.pending[:limit]
	f.pending = f.pending[limit:]
	return drained, nil
}

func (f *fakeQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enqueueErr[queueName]; err != nil {
		return "", err
	}
	f.enqueued[queueName] = append(f.enqueued[queueName], enqueued{payload: payload, opts: opts})
	return "job-1", nil
}

func (f *fakeQueue) bulkJobs() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enqueued[common.BulkPaymentsQueue]
}

func (f *fakeQueue) singleJobs() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enqueued[common.PaymentsQueue]
}

func testBatcher(q Queue, batchSize int) *Batcher {
	return New(q, common.Config{
		BatchSize:     batchSize,
		BatchInterval: time.Second,
		MaxAttempts:   3,
	})
}

func pendingJobs(t *testing.T, n int) []queue.DrainedJob {
	t.Helper()
	jobs := make([]queue.DrainedJob, n)
	for i := range jobs {
		payload, err := json.Marshal(common.PaymentJob{
			CorrelationID: fmt.Sprintf("p%d", i),
			AmountInCents: 1000,
			RequestedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			t.Fatal(err)
		}
		jobs[i] = queue.DrainedJob{ID: fmt.Sprintf("j%d", i), Payload: payload}
	}
	return jobs
}

func TestAggregate_LiftsPendingIntoOneBatch(t *testing.T) {
	q := newFakeQueue()
	q.pending = pendingJobs(t, 3)
	b := testBatcher(q, 50)

	n, err := b.Aggregate(context.Background())
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	if n != 3 {
		t.Errorf("lifted %d, want 3", n)
	}

	bulk := q.bulkJobs()
	if len(bulk) != 1 {
		t.Fatalf("enqueued %d bulk jobs, want 1", len(bulk))
	}
	var batch common.BatchJob
	if err := json.Unmarshal(bulk[0].payload, &batch); err != nil {
		t.Fatalf("decoding batch: %v", err)
	}
	if !strings.HasPrefix(batch.BatchID, "batch-") {
		t.Errorf("batch id = %q", batch.BatchID)
	}
	if len(batch.Payments) != 3 {
		t.Errorf("batch carries %d payments, want 3", len(batch.Payments))
	}
	if batch.PreferredBackend != common.BackendPrimary {
		t.Errorf("preferred = %s", batch.PreferredBackend)
	}
}

func TestAggregate_RespectsBatchSize(t *testing.T) {
	q := newFakeQueue()
	q.pending = pendingJobs(t, 10)
	b := testBatcher(q, 4)

	n, err := b.Aggregate(context.Background())
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	if n != 4 {
		t.Errorf("lifted %d, want the batch size", n)
	}
	if len(q.pending) != 6 {
		t.Errorf("%d jobs left pending, want 6", len(q.pending))
	}
}

func TestAggregate_EmptyQueueIsIdle(t *testing.T) {
	q := newFakeQueue()
	b := testBatcher(q, 50)

	n, err := b.Aggregate(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("got (%d, %v), want an idle cycle", n, err)
	}
	if len(q.bulkJobs()) != 0 {
		t.Error("no bulk job should exist for an empty drain")
	}
}

func TestAggregate_DrainErrorPropagates(t *testing.T) {
	q := newFakeQueue()
	q.drainErr = errors.New("redis down")
	b := testBatcher(q, 50)

	if _, err := b.Aggregate(context.Background()); err == nil {
		t.Fatal("expected the drain error")
	}
}

func TestAggregate_SkipsUndecodable(t *testing.T) {
	q := newFakeQueue()
	q.pending = pendingJobs(t, 2)
	q.pending = append(q.pending, queue.DrainedJob{ID: "bad", Payload: []byte("{not json")})
	b := testBatcher(q, 50)

	n, err := b.Aggregate(context.Background())
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	if n != 2 {
		t.Errorf("lifted %d, want the 2 decodable jobs", n)
	}
}

func TestAggregate_EnqueueFailureRestoresSingles(t *testing.T) {
	q := newFakeQueue()
	q.pending = pendingJobs(t, 3)
	q.enqueueErr[common.BulkPaymentsQueue] = errors.New("redis hiccup")
	b := testBatcher(q, 50)

	_, err := b.Aggregate(context.Background())
	if err == nil {
		t.Fatal("expected the enqueue failure to surface")
	}

	// The drain already removed the singles; every one of them must be
	// back on the singles queue, not lost.
	restored := q.singleJobs()
	if len(restored) != 3 {
		t.Fatalf("restored %d singles, want 3", len(restored))
	}

	seen := map[string]bool{}
	for _, r := range restored {
		var job common.PaymentJob
		if err := json.Unmarshal(r.payload, &job); err != nil {
			t.Fatalf("decoding restored payload: %v", err)
		}
		seen[job.CorrelationID] = true

		if r.opts.DedupKey != job.CorrelationID {
			t.Errorf("restored %s dedup key = %q", job.CorrelationID, r.opts.DedupKey)
		}
		if r.opts.MaxAttempts != 3 {
			t.Errorf("restored %s maxAttempts = %d, want 3", job.CorrelationID, r.opts.MaxAttempts)
		}
		if r.opts.Priority != common.PriorityFor(job.AmountInCents) {
			t.Errorf("restored %s priority = %d", job.CorrelationID, r.opts.Priority)
		}
	}
	for _, id := range []string{"p0", "p1", "p2"} {
		if !seen[id] {
			t.Errorf("%s was not restored", id)
		}
	}
}

func TestAggregate_OverlappingFireIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	q := newFakeQueue()
	q.pending = pendingJobs(t, 2)
	q.drainGate = gate
	q.drainStarted = started
	b := testBatcher(q, 50)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Aggregate(context.Background())
	}()

	// Wait until the first cycle is inside DrainPending, then fire again.
	<-started
	n, err := b.Aggregate(context.Background())
	if err != nil || n != 0 {
		t.Errorf("overlapping fire got (%d, %v), want a silent discard", n, err)
	}

	close(gate)
	<-done

	if len(q.bulkJobs()) != 1 {
		t.Errorf("enqueued %d bulk jobs, want exactly 1", len(q.bulkJobs()))
	}
}
