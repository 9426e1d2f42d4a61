package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/subscribers"
)

// RetryPolicy bounds how hard one lifecycle event is pushed at a subscriber.
// The wait doubles after each failed attempt up to MaxBackoff.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (p RetryPolicy) wait(attempt int) time.Duration {
	wait := p.Backoff
	for i := 1; i < attempt && wait < p.MaxBackoff; i++ {
		wait *= 2
	}
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	return wait
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// Dispatcher fans lifecycle events out to subscribers. Each subscriber is
// retried independently and never blocks the session worker that emitted
// the event.
type Dispatcher struct {
	logger   logrus.FieldLogger
	subs     []subscribers.Subscriber
	policy   RetryPolicy
	perType  map[protocol.LifecycleType]RetryPolicy
	inFlight sync.WaitGroup
}

type Option func(*Dispatcher)

// WithRetry sets the default policy. The wait between attempts starts at
// backoff and is capped at sixteen times it.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.policy.Attempts = attempts
		}
		if backoff >= 0 {
			d.policy.Backoff = backoff
			d.policy.MaxBackoff = 16 * backoff
		}
	}
}

// WithTypePolicy overrides the policy for one lifecycle type.
func WithTypePolicy(eventType protocol.LifecycleType, policy RetryPolicy) Option {
	return func(d *Dispatcher) {
		d.perType[eventType] = policy.normalized()
	}
}

// New builds a dispatcher. Unless overridden, handoff.requested keeps twice
// the default attempts since it is the event that pages a human.
func New(logger logrus.FieldLogger, subs []subscribers.Subscriber, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:  logger,
		subs:    subs,
		policy:  RetryPolicy{Attempts: 3, Backoff: 150 * time.Millisecond, MaxBackoff: 2400 * time.Millisecond},
		perType: make(map[protocol.LifecycleType]RetryPolicy),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.policy = d.policy.normalized()
	if _, ok := d.perType[protocol.LifecycleHandoffRequested]; !ok {
		paging := d.policy
		paging.Attempts *= 2
		d.perType[protocol.LifecycleHandoffRequested] = paging
	}
	return d
}

// PolicyFor reports the retry policy applied to a lifecycle type.
func (d *Dispatcher) PolicyFor(eventType protocol.LifecycleType) RetryPolicy {
	if p, ok := d.perType[eventType]; ok {
		return p.normalized()
	}
	return d.policy
}

func (d *Dispatcher) Dispatch(ctx context.Context, event protocol.LifecycleEvent) {
	policy := d.PolicyFor(event.Type)
	for _, sub := range d.subs {
		s := sub
		d.inFlight.Add(1)
		go func() {
			defer d.inFlight.Done()
			d.deliver(ctx, s, event, policy)
		}()
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.inFlight.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub subscribers.Subscriber, event protocol.LifecycleEvent, policy RetryPolicy) {
	log := d.logger.WithFields(logrus.Fields{
		"subscriber":   sub.Name(),
		"event_id":     event.EventID,
		"type":         event.Type,
		"workspace_id": event.WorkspaceID,
		"session_id":   event.SessionID,
	})
	for attempt := 1; ; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}
		if errors.Is(err, subscribers.ErrRejected) {
			log.WithError(err).Error("lifecycle event rejected; not retrying")
			return
		}
		if attempt >= policy.Attempts {
			log.WithError(err).WithField("attempts", attempt).Error("lifecycle delivery abandoned")
			return
		}

		wait := policy.wait(attempt)
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": wait,
		}).Warn("lifecycle delivery failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
