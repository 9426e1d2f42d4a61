package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/subscribers"
)

type fakeSubscriber struct {
	name      string
	failUntil int
	failWith  error

	mu    sync.Mutex
	calls int
	ch    chan protocol.LifecycleEvent
}

func (f *fakeSubscriber) Name() string {
	return f.name
}

func (f *fakeSubscriber) Handle(_ context.Context, event protocol.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		if f.failWith != nil {
			return f.failWith
		}
		return errors.New("forced failure")
	}
	if f.ch != nil {
		f.ch <- event
	}
	return nil
}

func (f *fakeSubscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 2, ch: make(chan protocol.LifecycleEvent, 1)}
	d := New(testLogger(), []subscribers.Subscriber{sub}, WithRetry(3, 10*time.Millisecond))
	event := protocol.LifecycleEvent{EventID: "evt_1", Type: protocol.LifecycleHandoffRequested}

	d.Dispatch(context.Background(), event)

	select {
	case got := <-sub.ch:
		if got.EventID != event.EventID {
			t.Fatalf("unexpected event id: %s", got.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherStopsAfterRetries(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 10, ch: make(chan protocol.LifecycleEvent, 1)}
	d := New(testLogger(), []subscribers.Subscriber{sub}, WithRetry(3, 10*time.Millisecond))

	d.Dispatch(context.Background(), protocol.LifecycleEvent{EventID: "evt_2"})
	d.Wait()

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	select {
	case <-sub.ch:
		t.Fatalf("did not expect successful dispatch")
	default:
	}
}

func TestDispatcherFansOutIndependently(t *testing.T) {
	failing := &fakeSubscriber{name: "failing", failUntil: 10}
	ok := &fakeSubscriber{name: "ok", ch: make(chan protocol.LifecycleEvent, 1)}
	d := New(testLogger(), []subscribers.Subscriber{failing, ok}, WithRetry(2, time.Millisecond))

	d.Dispatch(context.Background(), protocol.LifecycleEvent{EventID: "evt_3"})
	d.Wait()

	if ok.Calls() != 1 {
		t.Fatalf("expected healthy subscriber to be called once, got %d", ok.Calls())
	}
	if failing.Calls() != 2 {
		t.Fatalf("expected failing subscriber to be retried twice, got %d", failing.Calls())
	}
}

func TestHandoffRequestsGetTwiceTheAttempts(t *testing.T) {
	sub := &fakeSubscriber{name: "notifier", failUntil: 100}
	d := New(testLogger(), []subscribers.Subscriber{sub}, WithRetry(2, 0))

	d.Dispatch(context.Background(), protocol.LifecycleEvent{EventID: "evt_4", Type: protocol.LifecycleHandoffRequested})
	d.Wait()
	if calls := sub.Calls(); calls != 4 {
		t.Fatalf("expected 4 attempts for a handoff request, got %d", calls)
	}

	other := &fakeSubscriber{name: "notifier", failUntil: 100}
	d = New(testLogger(), []subscribers.Subscriber{other}, WithRetry(2, 0))
	d.Dispatch(context.Background(), protocol.LifecycleEvent{EventID: "evt_5", Type: protocol.LifecycleSessionClosed})
	d.Wait()
	if calls := other.Calls(); calls != 2 {
		t.Fatalf("expected 2 attempts for a close, got %d", calls)
	}
}

func TestTypePolicyOverridesDefault(t *testing.T) {
	sub := &fakeSubscriber{name: "notifier", failUntil: 100}
	d := New(testLogger(), []subscribers.Subscriber{sub},
		WithRetry(5, 0),
		WithTypePolicy(protocol.LifecycleHandoffRequested, RetryPolicy{Attempts: 1}),
		WithTypePolicy(protocol.LifecycleSessionClaimed, RetryPolicy{}),
	)

	d.Dispatch(context.Background(), protocol.LifecycleEvent{EventID: "evt_6", Type: protocol.LifecycleHandoffRequested})
	d.Dispatch(context.Background(), protocol.LifecycleEvent{EventID: "evt_7", Type: protocol.LifecycleSessionClaimed})
	d.Wait()

	if calls := sub.Calls(); calls != 2 {
		t.Fatalf("expected one attempt per event, got %d", calls)
	}
	if got := d.PolicyFor(protocol.LifecycleSessionTransferred).Attempts; got != 5 {
		t.Fatalf("expected default attempts for transfers, got %d", got)
	}
}

func TestRejectedDeliveryIsNotRetried(t *testing.T) {
	rejected := fmt.Errorf("webhook status=400: %w", subscribers.ErrRejected)
	sub := &fakeSubscriber{name: "notifier", failUntil: 100, failWith: rejected}
	d := New(testLogger(), []subscribers.Subscriber{sub}, WithRetry(3, time.Millisecond))

	d.Dispatch(context.Background(), protocol.LifecycleEvent{EventID: "evt_8", Type: protocol.LifecycleHandoffRequested})
	d.Wait()

	if calls := sub.Calls(); calls != 1 {
		t.Fatalf("expected a rejected delivery to stop after 1 attempt, got %d", calls)
	}
}

func TestRetryPolicyBackoffDoublesUpToCap(t *testing.T) {
	policy := RetryPolicy{Attempts: 6, Backoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond}.normalized()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}
	for i, w := range want {
		if got := policy.wait(i + 1); got != w {
			t.Fatalf("attempt %d: expected wait %s, got %s", i+1, w, got)
		}
	}

	flat := RetryPolicy{Attempts: 2, Backoff: 50 * time.Millisecond}.normalized()
	if got := flat.wait(3); got != 50*time.Millisecond {
		t.Fatalf("expected uncapped policy to stay flat, got %s", got)
	}
}
