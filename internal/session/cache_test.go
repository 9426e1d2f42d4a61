package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

// manualTimers collects scheduled callbacks; fire runs the ones still armed.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (m *manualTimers) afterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer := &manualTimer{delay: d, fn: fn}
	m.timers = append(m.timers, timer)
	return timer
}

func (m *manualTimers) fire() {
	m.mu.Lock()
	pending := m.timers
	m.timers = nil
	m.mu.Unlock()
	for _, timer := range pending {
		if !timer.stopped {
			timer.stopped = true
			timer.fn()
		}
	}
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type failingStore struct {
	Store
	err error
}

func (s failingStore) Get(context.Context, string, string) (SessionRecord, error) {
	return SessionRecord{}, s.err
}

func TestCacheGetOrHydrate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Save(ctx, testRecord("ws_1", "s1", 1, "hello")); err != nil {
		t.Fatalf("save: %v", err)
	}

	cache := NewCache(store, quietLogger())
	if _, ok := cache.Get("ws_1", "s1"); ok {
		t.Fatalf("expected empty cache")
	}

	rec, err := cache.GetOrHydrate(ctx, "ws_1", "s1")
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if rec.History[0].Content != "hello" {
		t.Fatalf("unexpected hydrated record: %+v", rec)
	}
	if _, ok := cache.Get("ws_1", "s1"); !ok {
		t.Fatalf("expected hydrated record to be cached")
	}

	if _, err := cache.GetOrHydrate(ctx, "ws_1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("not-found must not insert, cache len=%d", cache.Len())
	}
}

func TestCacheHydrationErrorIsDistinct(t *testing.T) {
	boom := errors.New("connection refused")
	cache := NewCache(failingStore{Store: NewMemoryStore(), err: boom}, quietLogger())

	_, err := cache.GetOrHydrate(context.Background(), "ws_1", "s1")
	var hydrationErr *HydrationError
	if !errors.As(err, &hydrationErr) {
		t.Fatalf("expected *HydrationError, got %T %v", err, err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("store failure must not look like not-found")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error")
	}
}

func TestCacheMutateRequiresEntry(t *testing.T) {
	cache := NewCache(NewMemoryStore(), quietLogger())

	err := cache.Mutate("ws_1", "s1", func(*SessionRecord) error { return nil })
	if !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected ErrNotCached, got %v", err)
	}

	cache.Put("ws_1", "s1", testRecord("ws_1", "s1", 1, "hi"))
	err = cache.Mutate("ws_1", "s1", func(rec *SessionRecord) error {
		rec.Status = protocol.StatusPending
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	rec, _ := cache.Get("ws_1", "s1")
	if rec.Status != protocol.StatusPending {
		t.Fatalf("expected mutated status, got %s", rec.Status)
	}

	failure := errors.New("rejected")
	err = cache.Mutate("ws_1", "s1", func(rec *SessionRecord) error {
		rec.Status = protocol.StatusClosed
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	rec, _ = cache.Get("ws_1", "s1")
	if rec.Status != protocol.StatusPending {
		t.Fatalf("failed mutate must leave entry untouched, got %s", rec.Status)
	}
}

func TestCacheEvictAfter(t *testing.T) {
	timers := &manualTimers{}
	cache := NewCache(NewMemoryStore(), quietLogger(), WithTimerFunc(timers.afterFunc))
	cache.Put("ws_1", "s1", testRecord("ws_1", "s1", 1, "hi"))

	cache.EvictAfter("ws_1", "s1", time.Minute)
	if _, ok := cache.Get("ws_1", "s1"); !ok {
		t.Fatalf("entry must survive until the delay elapses")
	}
	if len(timers.timers) != 1 || timers.timers[0].delay != time.Minute {
		t.Fatalf("expected one timer for 1m, got %+v", timers.timers)
	}

	timers.fire()
	if _, ok := cache.Get("ws_1", "s1"); ok {
		t.Fatalf("expected entry to be evicted")
	}
}

func TestCacheWriteCancelsEviction(t *testing.T) {
	timers := &manualTimers{}
	cache := NewCache(NewMemoryStore(), quietLogger(), WithTimerFunc(timers.afterFunc))

	cache.Put("ws_1", "s1", testRecord("ws_1", "s1", 1, "hi"))
	cache.EvictAfter("ws_1", "s1", time.Minute)
	cache.Put("ws_1", "s1", testRecord("ws_1", "s1", 2, "hi", "again"))
	timers.fire()
	if _, ok := cache.Get("ws_1", "s1"); !ok {
		t.Fatalf("put must cancel pending eviction")
	}

	cache.EvictAfter("ws_1", "s1", time.Minute)
	if err := cache.Mutate("ws_1", "s1", func(*SessionRecord) error { return nil }); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	timers.fire()
	if _, ok := cache.Get("ws_1", "s1"); !ok {
		t.Fatalf("mutate must cancel pending eviction")
	}

	// reads leave the timer armed
	cache.EvictAfter("ws_1", "s1", time.Minute)
	_, _ = cache.Get("ws_1", "s1")
	timers.fire()
	if _, ok := cache.Get("ws_1", "s1"); ok {
		t.Fatalf("get must not cancel eviction")
	}
}

func TestCacheStaleTimerDoesNotEvictFreshEntry(t *testing.T) {
	timers := &manualTimers{}
	cache := NewCache(NewMemoryStore(), quietLogger(), WithTimerFunc(timers.afterFunc))
	cache.Put("ws_1", "s1", testRecord("ws_1", "s1", 1, "hi"))
	cache.EvictAfter("ws_1", "s1", time.Minute)

	// simulate a timer that already fired and is waiting on the lock
	stale := timers.timers[0]
	cache.Put("ws_1", "s1", testRecord("ws_1", "s1", 2, "hi", "there"))
	stale.fn()

	if _, ok := cache.Get("ws_1", "s1"); !ok {
		t.Fatalf("stale timer evicted a fresh entry")
	}
}

func TestCacheHydratedClosedSessionIsScheduledForEviction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := testRecord("ws_1", "s1", 3, "bye")
	ended := rec.CreatedAt.Add(time.Hour)
	rec.Status = protocol.StatusClosed
	rec.EndedAt = &ended
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	timers := &manualTimers{}
	cache := NewCache(store, quietLogger(), WithTimerFunc(timers.afterFunc), WithEvictionDelay(30*time.Second))
	if _, err := cache.GetOrHydrate(ctx, "ws_1", "s1"); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if len(timers.timers) != 1 || timers.timers[0].delay != 30*time.Second {
		t.Fatalf("expected closed session to be scheduled for eviction")
	}
	timers.fire()
	if cache.Len() != 0 {
		t.Fatalf("expected closed session to be evicted")
	}
}

func TestCacheActiveSessions(t *testing.T) {
	cache := NewCache(NewMemoryStore(), quietLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	statuses := map[string]protocol.Status{
		"s_bot":     protocol.StatusBot,
		"s_pending": protocol.StatusPending,
		"s_active":  protocol.StatusInProgress,
		"s_closed":  protocol.StatusClosed,
	}
	offset := 0
	for id, status := range statuses {
		rec := testRecord("ws_1", id, 1, "x")
		rec.Status = status
		rec.UpdatedAt = base.Add(time.Duration(offset) * time.Minute)
		offset++
		cache.Put("ws_1", id, rec)
	}
	other := testRecord("ws_2", "s_other", 1, "x")
	other.Status = protocol.StatusPending
	cache.Put("ws_2", "s_other", other)

	active := cache.ActiveSessions("ws_1")
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}
	for _, rec := range active {
		if rec.SessionID != "s_pending" && rec.SessionID != "s_active" {
			t.Fatalf("unexpected active session %s", rec.SessionID)
		}
	}
	if active[0].UpdatedAt.Before(active[1].UpdatedAt) {
		t.Fatalf("expected most recent first")
	}
}

func TestCacheRemoveAndSnapshot(t *testing.T) {
	timers := &manualTimers{}
	cache := NewCache(NewMemoryStore(), quietLogger(), WithTimerFunc(timers.afterFunc))
	cache.Put("ws_1", "s1", testRecord("ws_1", "s1", 1, "a"))
	cache.Put("ws_2", "s2", testRecord("ws_2", "s2", 1, "b"))

	if got := len(cache.Snapshot()); got != 2 {
		t.Fatalf("expected 2 records in snapshot, got %d", got)
	}

	cache.EvictAfter("ws_1", "s1", time.Minute)
	cache.Remove("ws_1", "s1")
	if _, ok := cache.Get("ws_1", "s1"); ok {
		t.Fatalf("expected entry to be removed")
	}
	if !timers.timers[0].stopped {
		t.Fatalf("remove must cancel the pending eviction")
	}
	cache.Remove("ws_1", "missing")
	if cache.Len() != 1 {
		t.Fatalf("expected one entry left, got %d", cache.Len())
	}
}
