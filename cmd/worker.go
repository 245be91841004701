package cmd

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/batcher"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/engine"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/queue"
)

// Worker composes the processing half of the service: the queue worker
// pools running the engine's handlers plus the batch aggregator.
type Worker struct {
	queue   *queue.Queue
	engine  *engine.Engine
	batcher *batcher.Batcher
	cfg     common.Config
}

func NewWorker(q *queue.Queue, eng *engine.Engine, b *batcher.Batcher, cfg common.Config) *Worker {
	return &Worker{
		queue:   q,
		engine:  eng,
		batcher: b,
		cfg:     cfg,
	}
}

// Run registers the handlers and blocks until the context is done and
// every worker goroutine has finished.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.RegisterWorker(
		common.PaymentsQueue,
		w.engine.HandlePayment,
		w.cfg.QueueConcurrency,
	); err != nil {
		return fmt.Errorf("registering payments worker: %w", err)
	}

	// Fewer bulk workers: each job carries many payments.
	if err := w.queue.RegisterWorker(
		common.BulkPaymentsQueue,
		w.engine.HandleBatch,
		w.cfg.BulkConcurrency,
	); err != nil {
		return fmt.Errorf("registering bulk worker: %w", err)
	}

	log.Printf(
		"worker starting: %d payment handlers, %d bulk handlers",
		w.cfg.QueueConcurrency, w.cfg.BulkConcurrency,
	)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.queue.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.batcher.Run(ctx)
	}()

	<-ctx.Done()
	log.Println("worker received shutdown signal, waiting for handlers...")
	wg.Wait()
	log.Println("worker finished")
	return nil
}
