package cmd

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/breaker"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/engine"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/ledger"
	"github.com/joaoulian/rinha-de-backend-2025/pkg/queue"
)

type SummaryEntry struct {
	TotalRequests int64   `json:"totalRequests"`
	TotalAmount   float64 `json:"totalAmount"`
}

type SummaryResponse struct {
	Primary   SummaryEntry `json:"primary"`
	Secondary SummaryEntry `json:"secondary"`
}

type HttpServer struct {
	port     string
	app      *fiber.App
	engine   *engine.Engine
	ledger   ledger.Store
	queue    *queue.Queue
	breakers *breaker.Store
}

func NewHttpServer(
	cfg common.Config,
	eng *engine.Engine,
	store ledger.Store,
	q *queue.Queue,
	breakers *breaker.Store,
) *HttpServer {
	app := fiber.New(fiber.Config{
		IdleTimeout: 5 * time.Second,
	})

	s := &HttpServer{
		port:     ":" + cfg.Port,
		app:      app,
		engine:   eng,
		ledger:   store,
		queue:    q,
		breakers: breakers,
	}

	s.registerRoutes()

	return s
}

func (s *HttpServer) Run() error {
	log.Println("starting HTTP server on " + s.port)
	return s.app.Listen(s.port)
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	log.Println("shutting down HTTP server...")
	return s.app.ShutdownWithContext(ctx)
}

func (s *HttpServer) registerRoutes() {
	s.app.Get("/", s.handleStatus)
	s.app.Post("/payments", s.handlePayments)
	s.app.Get("/payments-summary", s.handleGetSummary)
	s.app.Post("/purge-payments", s.handlePurgeAllData)
}

func (s *HttpServer) handleStatus(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":   "ok",
		"circuits": s.breakers.Statuses(),
	})
}

// handlePayments accepts a payment and answers once it is durably
// enqueued. Settlement happens asynchronously; a 200 here is not a
// settlement receipt.
func (s *HttpServer) handlePayments(c fiber.Ctx) error {
	var req common.PaymentRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.CorrelationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "correlationId is required"})
	}
	if req.Amount.IsNegative() || req.Amount.IsZero() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be positive"})
	}

	if err := s.engine.EnqueuePayment(c.Context(), req); err != nil {
		log.Printf("enqueueing payment %s failed: %v", req.CorrelationID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to enqueue"})
	}

	return c.Status(fiber.StatusOK).SendString("")
}

// handleGetSummary reports settled payments only; in-flight jobs are
// invisible here until a backend accepts them.
func (s *HttpServer) handleGetSummary(c fiber.Ctx) error {
	from, to, err := parseTimeRange(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	primary, err := s.ledger.Summarize(c.Context(), common.BackendPrimary, from, to)
	if err != nil {
		log.Printf("summarizing primary failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to summarize"})
	}
	secondary, err := s.ledger.Summarize(c.Context(), common.BackendSecondary, from, to)
	if err != nil {
		log.Printf("summarizing secondary failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to summarize"})
	}

	return c.Status(fiber.StatusOK).JSON(SummaryResponse{
		Primary:   toEntry(primary),
		Secondary: toEntry(secondary),
	})
}

func (s *HttpServer) handlePurgeAllData(c fiber.Ctx) error {
	ctx := c.Context()

	if err := s.ledger.Purge(ctx); err != nil {
		log.Printf("purging ledger failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to purge ledger"})
	}
	for _, name := range []string{common.PaymentsQueue, common.BulkPaymentsQueue} {
		if err := s.queue.Purge(ctx, name); err != nil {
			log.Printf("purging queue %s failed: %v", name, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to purge queues"})
		}
	}

	log.Println("all payment data purged")
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "all payment data purged"})
}

func toEntry(summary ledger.Summary) SummaryEntry {
	amount, _ := common.CentsToDecimal(summary.TotalAmount).Float64()
	return SummaryEntry{
		TotalRequests: summary.Count,
		TotalAmount:   amount,
	}
}

func parseTimeRange(c fiber.Ctx) (*time.Time, *time.Time, error) {
	var from, to *time.Time

	if fromStr := c.Query("from"); fromStr != "" {
		t, err := time.Parse(time.RFC3339Nano, fromStr)
		if err != nil {
			return nil, nil, fiber.NewError(fiber.StatusBadRequest, "invalid 'from' timestamp")
		}
		from = &t
	}
	if toStr := c.Query("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339Nano, toStr)
		if err != nil {
			return nil, nil, fiber.NewError(fiber.StatusBadRequest, "invalid 'to' timestamp")
		}
		to = &t
	}

	return from, to, nil
}
