package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyStore struct {
	Store
	failures int
	calls    int
	err      error
}

func (s *flakyStore) Save(ctx context.Context, rec SessionRecord) error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return s.Store.Save(ctx, rec)
}

func TestRetryingStoreRetriesTransientFailures(t *testing.T) {
	inner := &flakyStore{Store: NewMemoryStore(), failures: 2, err: errors.New("database is locked")}
	store := NewRetryingStore(inner, quietLogger(), 3, time.Millisecond)

	if err := store.Save(context.Background(), testRecord("ws_1", "s1", 1, "hi")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryingStoreGivesUp(t *testing.T) {
	boom := errors.New("disk full")
	inner := &flakyStore{Store: NewMemoryStore(), failures: 10, err: boom}
	store := NewRetryingStore(inner, quietLogger(), 3, time.Millisecond)

	if err := store.Save(context.Background(), testRecord("ws_1", "s1", 1, "hi")); !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryingStoreDoesNotRetryFinalErrors(t *testing.T) {
	inner := &flakyStore{Store: NewMemoryStore(), failures: 10, err: ErrStaleWrite}
	store := NewRetryingStore(inner, quietLogger(), 3, time.Millisecond)

	if err := store.Save(context.Background(), testRecord("ws_1", "s1", 1, "hi")); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("stale write must not be retried, got %d attempts", inner.calls)
	}

	if err := store.Update(context.Background(), "ws_1", "missing", SessionPatch{Version: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
