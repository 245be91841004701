package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
)

func TestMemoryStore_CreateIfAbsentIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	requestedAt := time.Now().UTC()

	first, err := store.CreateIfAbsent(ctx, "abc", 1050, requestedAt)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	// Second create with a different amount must not touch the record.
	second, err := store.CreateIfAbsent(ctx, "abc", 9999, requestedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	if second.AmountInCents != first.AmountInCents {
		t.Errorf("duplicate create changed the amount: %d -> %d", first.AmountInCents, second.AmountInCents)
	}
	if !second.RequestedAt.Equal(first.RequestedAt) {
		t.Error("duplicate create changed requestedAt")
	}
}

func TestMemoryStore_SetProcessorExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.CreateIfAbsent(ctx, "abc", 1050, time.Now()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	changed, err := store.SetProcessor(ctx, "abc", common.BackendPrimary)
	if err != nil {
		t.Fatalf("first assignment failed: %v", err)
	}
	if !changed {
		t.Fatal("expected the first assignment to transition")
	}

	changed, err = store.SetProcessor(ctx, "abc", common.BackendPrimary)
	if err != nil {
		t.Fatalf("idempotent re-assignment errored: %v", err)
	}
	if changed {
		t.Error("re-assigning the same backend must not count as a transition")
	}

	changed, err = store.SetProcessor(ctx, "abc", common.BackendSecondary)
	if err != nil {
		t.Fatalf("cross-backend re-assignment errored: %v", err)
	}
	if changed {
		t.Error("assignment must never move to another backend")
	}

	record, ok, err := store.Get(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("fetching record: ok=%v err=%v", ok, err)
	}
	if record.Processor != common.BackendPrimary {
		t.Errorf("processor moved to %s", record.Processor)
	}
}

func TestMemoryStore_SetProcessorUnknownPayment(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.SetProcessor(context.Background(), "nope", common.BackendPrimary)
	if err == nil {
		t.Fatal("expected an error for an unknown correlation id")
	}
}

func TestMemoryStore_Summarize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-2 * time.Hour)
	future := now.Add(2 * time.Hour)

	seed := []struct {
		id          string
		cents       int64
		requestedAt time.Time
		backend     common.Backend
	}{
		{"p1", 1000, past, common.BackendPrimary},
		{"p2", 2000, now, common.BackendPrimary},
		{"s1", 500, future, common.BackendSecondary},
	}
	for _, p := range seed {
		if _, err := store.CreateIfAbsent(ctx, p.id, p.cents, p.requestedAt); err != nil {
			t.Fatalf("seeding %s: %v", p.id, err)
		}
		if _, err := store.SetProcessor(ctx, p.id, p.backend); err != nil {
			t.Fatalf("settling %s: %v", p.id, err)
		}
	}
	// Unsettled payments are invisible to summaries.
	if _, err := store.CreateIfAbsent(ctx, "pending", 777, now); err != nil {
		t.Fatalf("seeding pending: %v", err)
	}

	all, err := store.Summarize(ctx, common.BackendPrimary, nil, nil)
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if all.Count != 2 || all.TotalAmount != 3000 {
		t.Errorf("primary summary = {%d, %d}, want {2, 3000}", all.Count, all.TotalAmount)
	}

	from := past.Add(time.Hour)
	windowed, err := store.Summarize(ctx, common.BackendPrimary, &from, &future)
	if err != nil {
		t.Fatalf("windowed summarize failed: %v", err)
	}
	if windowed.Count != 1 || windowed.TotalAmount != 2000 {
		t.Errorf("windowed summary = {%d, %d}, want {1, 2000}", windowed.Count, windowed.TotalAmount)
	}

	secondary, err := store.Summarize(ctx, common.BackendSecondary, nil, nil)
	if err != nil {
		t.Fatalf("secondary summarize failed: %v", err)
	}
	if secondary.Count != 1 || secondary.TotalAmount != 500 {
		t.Errorf("secondary summary = {%d, %d}, want {1, 500}", secondary.Count, secondary.TotalAmount)
	}
}

func TestMemoryStore_BulkCreateSkipsExisting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.CreateIfAbsent(ctx, "dup", 100, now); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if _, err := store.SetProcessor(ctx, "dup", common.BackendPrimary); err != nil {
		t.Fatalf("settling: %v", err)
	}

	err := store.BulkCreate(ctx, []Record{
		{CorrelationID: "dup", AmountInCents: 999, RequestedAt: now, Processor: common.BackendSecondary},
		{CorrelationID: "new", AmountInCents: 200, RequestedAt: now, Processor: common.BackendSecondary},
	})
	if err != nil {
		t.Fatalf("bulk create failed: %v", err)
	}

	dup, _, _ := store.Get(ctx, "dup")
	if dup.Processor != common.BackendPrimary || dup.AmountInCents != 100 {
		t.Error("bulk create overwrote an existing record")
	}

	created, ok, _ := store.Get(ctx, "new")
	if !ok || created.Processor != common.BackendSecondary {
		t.Error("bulk create did not persist the new settled record")
	}
}

func TestMemoryStore_Purge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.CreateIfAbsent(ctx, "abc", 100, time.Now()); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if err := store.Purge(ctx); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	_, ok, err := store.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("get after purge: %v", err)
	}
	if ok {
		t.Error("expected an empty ledger after purge")
	}
}

func TestMemoryStore_ConcurrentCreates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	done := make(chan bool, 2)
	for _i := 0; _i < 2; _i++ {
		go func() {
			for _i := 0; _i < 100; _i++ {
				store.CreateIfAbsent(ctx, "same-id", 100, time.Now())
			}
			done <- true
		}()
	}
	<-done
	<-done

	summaryBefore, _ := store.Summarize(ctx, common.BackendPrimary, nil, nil)
	if summaryBefore.Count != 0 {
		t.Error("unsettled duplicates leaked into the summary")
	}

	if _, err := store.SetProcessor(ctx, "same-id", common.BackendPrimary); err != nil {
		t.Fatalf("settling: %v", err)
	}
	summary, _ := store.Summarize(ctx, common.BackendPrimary, nil, nil)
	if summary.Count != 1 {
		t.Errorf("expected exactly one record after concurrent duplicate creates, got %d", summary.Count)
	}
}
