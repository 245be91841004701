package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
)

type postgresStore struct {
	db *sql.DB
}

// NewPostgresStore builds the relational ledger. The payments table is
// created on startup so a fresh database works without a migration step.
func NewPostgresStore(dsn string) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			correlation_id  TEXT PRIMARY KEY,
			amount_in_cents BIGINT NOT NULL,
			requested_at    TIMESTAMPTZ NOT NULL,
			processor       TEXT
		)`)
	if err != nil {
		return nil, fmt.Errorf("creating payments table: %w", err)
	}

	return &postgresStore{db: db}, nil
}

func (s *postgresStore) CreateIfAbsent(
	ctx context.Context,
	correlationID string,
	amountInCents int64,
	requestedAt time.Time,
) (Record, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (correlation_id, amount_in_cents, requested_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (correlation_id) DO NOTHING`,
		correlationID, amountInCents, requestedAt.UTC(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("creating payment %s: %w", correlationID, err)
	}

	record, ok, err := s.Get(ctx, correlationID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("payment %s: %w", correlationID, ErrNotFound)
	}
	return record, nil
}

func (s *postgresStore) Get(ctx context.Context, correlationID string) (Record, bool, error) {
	var (
		record    Record
		processor sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT correlation_id, amount_in_cents, requested_at, processor
		FROM payments WHERE correlation_id = $1`,
		correlationID,
	).Scan(&record.CorrelationID, &record.AmountInCents, &record.RequestedAt, &processor)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("fetching payment %s: %w", correlationID, err)
	}

	if processor.Valid {
		record.Processor = common.Backend(processor.String)
	}
	return record, true, nil
}

func (s *postgresStore) SetProcessor(
	ctx context.Context,
	correlationID string,
	backend common.Backend,
) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET processor = $2
		WHERE correlation_id = $1 AND processor IS NULL`,
		correlationID, string(backend),
	)
	if err != nil {
		return false, fmt.Errorf("assigning processor for %s: %w", correlationID, err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assigning processor for %s: %w", correlationID, err)
	}
	if updated > 0 {
		return true, nil
	}

	// No transition; distinguish already-settled from unknown.
	_, ok, err := s.Get(ctx, correlationID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("payment %s: %w", correlationID, ErrNotFound)
	}
	return false, nil
}

func (s *postgresStore) Summarize(
	ctx context.Context,
	backend common.Backend,
	from, to *time.Time,
) (Summary, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(amount_in_cents), 0)
		FROM payments WHERE processor = $1`
	args := []any{string(backend)}

	if from != nil {
		args = append(args, from.UTC())
		query += fmt.Sprintf(" AND requested_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, to.UTC())
		query += fmt.Sprintf(" AND requested_at <= $%d", len(args))
	}

	var summary Summary
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&summary.Count, &summary.TotalAmount)
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing %s: %w", backend, err)
	}
	return summary, nil
}

func (s *postgresStore) BulkCreate(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting bulk create: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO payments (correlation_id, amount_in_cents, requested_at, processor)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (correlation_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing bulk create: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		_, err := stmt.ExecContext(
			ctx,
			record.CorrelationID,
			record.AmountInCents,
			record.RequestedAt.UTC(),
			string(record.Processor),
		)
		if err != nil {
			return fmt.Errorf("bulk-creating payment %s: %w", record.CorrelationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bulk create: %w", err)
	}
	return nil
}

func (s *postgresStore) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE payments`); err != nil {
		return fmt.Errorf("purging ledger: %w", err)
	}
	return nil
}
