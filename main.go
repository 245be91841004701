package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joaoulian/rinha-de-backend-2025/cmd"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/batcher"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/breaker"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/engine"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/gateway"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/health"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/ledger"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/queue"
)

const breakerTimeout = 800 * time.Millisecond

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := common.LoadConfig()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	store, err := ledger.NewStore(cfg, ledger.Deps{Redis: rdb})
	if err != nil {
		log.Fatalf("building ledger store: %v", err)
	}

	breakers := breaker.NewStore(breakerTimeout)
	gw := gateway.New(gateway.Options{
		PrimaryURL:   cfg.ProcessorPrimaryURL,
		SecondaryURL: cfg.ProcessorSecondaryURL,
		ChunkSize:    cfg.BulkChunkSize,
		Breakers:     breakers,
	})
	monitor := health.NewMonitor(gw, cfg.HealthCacheTTL)
	jobQueue := queue.New(rdb)
	eng := engine.New(store, gw, monitor, jobQueue, cfg)
	aggregator := batcher.New(jobQueue, cfg)

	httpServer := cmd.NewHttpServer(cfg, eng, store, jobQueue, breakers)
	worker := cmd.NewWorker(jobQueue, eng, aggregator, cfg)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Run(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server stopped with error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil {
			log.Printf("worker stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("shutdown signal received, starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	} else {
		log.Println("HTTP server shut down cleanly.")
	}

	wg.Wait()

	log.Println("closing Redis client...")
	if err := rdb.Close(); err != nil {
		log.Printf("closing Redis connection: %v", err)
	}

	log.Println("shutdown complete.")
}
