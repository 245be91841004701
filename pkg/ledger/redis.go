package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
)

// Deps carries the clients the store implementations may need.
type Deps struct {
	Redis *redis.Client
}

const (
	paymentKeyPrefix = "payment:"
	ledgerKeyPrefix  = "ledger:"
)

// setProcessorScript does the read-check-write transition atomically:
// it refuses to move an assignment backward or sideways and indexes the
// settled payment into the backend's sorted set in the same step.
var setProcessorScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return -1
end
local rec = cjson.decode(raw)
if rec.processor and rec.processor ~= "" then
  if rec.processor == ARGV[1] then
    return 0
  end
  return -2
end
rec.processor = ARGV[1]
redis.call("SET", KEYS[1], cjson.encode(rec))
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// createSettledScript persists an already-settled record unless the
// correlation id is known, keeping bulk accounting duplicate-safe.
var createSettledScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 1 then
  redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
  return 1
end
return 0
`)

type redisStore struct {
	db *redis.Client
}

// NewRedisStore builds the sorted-set backed ledger: one JSON record per
// payment plus a per-backend index scored by requestedAt.
func NewRedisStore(db *redis.Client) Store {
	return &redisStore{db: db}
}

func (s *redisStore) CreateIfAbsent(
	ctx context.Context,
	correlationID string,
	amountInCents int64,
	requestedAt time.Time,
) (Record, error) {
	record := Record{
		CorrelationID: correlationID,
		AmountInCents: amountInCents,
		RequestedAt:   requestedAt.UTC(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return Record{}, fmt.Errorf("encoding payment %s: %w", correlationID, err)
	}

	created, err := s.db.SetNX(ctx, paymentKey(correlationID), raw, 0).Result()
	if err != nil {
		return Record{}, fmt.Errorf("creating payment %s: %w", correlationID, err)
	}
	if created {
		return record, nil
	}

	existing, ok, err := s.Get(ctx, correlationID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		// Lost a race with a purge; surface it rather than invent a record.
		return Record{}, fmt.Errorf("payment %s: %w", correlationID, ErrNotFound)
	}
	return existing, nil
}

func (s *redisStore) Get(ctx context.Context, correlationID string) (Record, bool, error) {
	raw, err := s.db.Get(ctx, paymentKey(correlationID)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("fetching payment %s: %w", correlationID, err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, false, fmt.Errorf("decoding payment %s: %w", correlationID, err)
	}
	return record, true, nil
}

func (s *redisStore) SetProcessor(
	ctx context.Context,
	correlationID string,
	backend common.Backend,
) (bool, error) {
	record, ok, err := s.Get(ctx, correlationID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("payment %s: %w", correlationID, ErrNotFound)
	}

	member, err := json.Marshal(indexMember{
		CorrelationID: correlationID,
		AmountInCents: record.AmountInCents,
	})
	if err != nil {
		return false, fmt.Errorf("encoding index member for %s: %w", correlationID, err)
	}

	res, err := setProcessorScript.Run(
		ctx,
		s.db,
		[]string{paymentKey(correlationID), ledgerKey(backend)},
		string(backend),
		record.RequestedAt.UnixMilli(),
		member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("assigning processor for %s: %w", correlationID, err)
	}

	switch res {
	case 1:
		return true, nil
	case 0, -2:
		// Already settled; -2 means on the other backend. Either way the
		// assignment stays put.
		return false, nil
	default:
		return false, fmt.Errorf("payment %s: %w", correlationID, ErrNotFound)
	}
}

func (s *redisStore) Summarize(
	ctx context.Context,
	backend common.Backend,
	from, to *time.Time,
) (Summary, error) {
	min, max := "-inf", "+inf"
	if from != nil {
		min = strconv.FormatInt(from.UnixMilli(), 10)
	}
	if to != nil {
		max = strconv.FormatInt(to.UnixMilli(), 10)
	}

	members, err := s.db.ZRangeByScore(ctx, ledgerKey(backend), &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing %s: %w", backend, err)
	}

	var summary Summary
	for _, raw := range members {
		var m indexMember
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		summary.Count++
		summary.TotalAmount += m.AmountInCents
	}
	return summary, nil
}

func (s *redisStore) BulkCreate(ctx context.Context, records []Record) error {
	for _, record := range records {
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encoding payment %s: %w", record.CorrelationID, err)
		}
		member, err := json.Marshal(indexMember{
			CorrelationID: record.CorrelationID,
			AmountInCents: record.AmountInCents,
		})
		if err != nil {
			return fmt.Errorf("encoding index member for %s: %w", record.CorrelationID, err)
		}

		err = createSettledScript.Run(
			ctx,
			s.db,
			[]string{paymentKey(record.CorrelationID), ledgerKey(record.Processor)},
			raw,
			record.RequestedAt.UnixMilli(),
			member,
		).Err()
		if err != nil {
			return fmt.Errorf("bulk-creating payment %s: %w", record.CorrelationID, err)
		}
	}
	return nil
}

func (s *redisStore) Purge(ctx context.Context) error {
	iter := s.db.Scan(ctx, 0, paymentKeyPrefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning payment keys: %w", err)
	}

	pipe := s.db.Pipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, ledgerKey(common.BackendPrimary), ledgerKey(common.BackendSecondary))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("purging ledger: %w", err)
	}
	return nil
}

type indexMember struct {
	CorrelationID string `json:"correlationId"`
	AmountInCents int64  `json:"amountInCents"`
}

func paymentKey(correlationID string) string {
	return paymentKeyPrefix + correlationID
}

func ledgerKey(backend common.Backend) string {
	return ledgerKeyPrefix + string(backend)
}
