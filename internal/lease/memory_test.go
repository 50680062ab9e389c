package lease

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLockerExclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	first, err := locker.TryAcquire(ctx, "ingest:a", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("expected first acquire to succeed, got %v %v", first, err)
	}

	second, err := locker.TryAcquire(ctx, "ingest:a", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != nil {
		t.Fatal("expected held key to be refused")
	}

	other, _ := locker.TryAcquire(ctx, "ingest:b", time.Minute)
	if other == nil {
		t.Fatal("expected a different key to be available")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	again, _ := locker.TryAcquire(ctx, "ingest:a", time.Minute)
	if again == nil {
		t.Fatal("expected key to be available after release")
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }

	stale, _ := locker.TryAcquire(ctx, "k", time.Minute)
	if stale == nil {
		t.Fatal("expected acquire to succeed")
	}

	now = now.Add(2 * time.Minute)
	fresh, _ := locker.TryAcquire(ctx, "k", time.Minute)
	if fresh == nil {
		t.Fatal("expected expired lease to be taken over")
	}

	// Releasing the stale lease must not free the new holder's key
	stale.Release(ctx)
	if l, _ := locker.TryAcquire(ctx, "k", time.Minute); l != nil {
		t.Fatal("stale release removed the new holder's lease")
	}
}

func TestMemoryLeaseExtend(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }

	held, _ := locker.TryAcquire(ctx, "k", time.Minute)

	now = now.Add(50 * time.Second)
	if ok, err := held.Extend(ctx, time.Minute); err != nil || !ok {
		t.Fatalf("expected extend to succeed, got %v %v", ok, err)
	}

	now = now.Add(50 * time.Second)
	if l, _ := locker.TryAcquire(ctx, "k", time.Minute); l != nil {
		t.Fatal("extended lease was taken over")
	}

	now = now.Add(time.Minute)
	if l, _ := locker.TryAcquire(ctx, "k", time.Minute); l == nil {
		t.Fatal("expected expired lease to be taken over")
	}
	if ok, _ := held.Extend(ctx, time.Minute); ok {
		t.Fatal("expected extend to fail after takeover")
	}
}

func TestKeepRenewsLease(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	held, _ := locker.TryAcquire(ctx, "ingest:a", 30*time.Millisecond)
	kept, cancel := Keep(ctx, held, 30*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	if l, _ := locker.TryAcquire(ctx, "ingest:a", time.Minute); l != nil {
		t.Fatal("kept lease expired")
	}
	if kept.Err() != nil {
		t.Fatalf("kept context cancelled: %v", kept.Err())
	}

	cancel()
	time.Sleep(60 * time.Millisecond)
	if l, _ := locker.TryAcquire(ctx, "ingest:a", time.Minute); l == nil {
		t.Fatal("expected lease to lapse once no longer kept")
	}
}

func TestKeepCancelsWhenLeaseLost(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	held, _ := locker.TryAcquire(ctx, "ingest:a", 30*time.Millisecond)
	kept, cancel := Keep(ctx, held, 30*time.Millisecond)
	defer cancel()

	locker.mu.Lock()
	locker.held["ingest:a"] = memoryEntry{token: "other", expires: time.Now().Add(time.Minute)}
	locker.mu.Unlock()

	select {
	case <-kept.Done():
	case <-time.After(time.Second):
		t.Fatal("expected context to be cancelled after the lease was taken")
	}
}
