package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/handoff"
	"crabstack.local/projects/crab-handoff/internal/metrics"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/session"
)

const ClosedByTimeout = "timeout"

var ErrAlreadyStarted = errors.New("sweeper already started")

// Closer runs an event through the router and waits for its outcome.
type Closer interface {
	HandleWait(ctx context.Context, connID string, event protocol.Inbound) error
}

// Sweeper periodically closes handed-off sessions nobody has touched for the
// idle timeout and drops idle bot sessions from the cache.
type Sweeper struct {
	logger      logrus.FieldLogger
	cache       *session.Cache
	closer      Closer
	metrics     *metrics.Metrics
	idleTimeout time.Duration
	interval    time.Duration

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	now           func() time.Time
	tickerFactory func(interval time.Duration) ticker
}

func New(logger logrus.FieldLogger, cache *session.Cache, closer Closer, m *metrics.Metrics, idleTimeout, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		logger:      logger,
		cache:       cache,
		closer:      closer,
		metrics:     m,
		idleTimeout: idleTimeout,
		interval:    interval,
		now: func() time.Time {
			return time.Now().UTC()
		},
		tickerFactory: func(interval time.Duration) ticker {
			return newRealTicker(interval)
		},
	}
}

// Start launches the sweep loop. A zero idle timeout disables sweeping.
// Start and Stop must be called from the same goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.running {
		return ErrAlreadyStarted
	}
	if s.idleTimeout <= 0 {
		s.logger.Info("idle sweeper disabled")
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.tickerFactory(s.interval), s.stopCh, s.doneCh)
	return nil
}

func (s *Sweeper) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context, t ticker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.Chan():
			s.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over the cache and returns how many sessions it closed.
// Each close re-checks idleness inside the session's queue, so activity that
// lands between the snapshot and the close keeps the session open.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.idleTimeout)
	closed := 0
	for _, rec := range s.cache.Snapshot() {
		if rec.LastActive().After(cutoff) {
			continue
		}
		logger := s.logger.WithFields(logrus.Fields{
			"workspace_id": rec.WorkspaceID,
			"session_id":   rec.SessionID,
			"status":       rec.Status,
		})
		switch {
		case rec.Active():
			err := s.closer.HandleWait(ctx, "", protocol.CloseChat{
				WorkspaceID: rec.WorkspaceID,
				SessionID:   rec.SessionID,
				ClosedBy:    ClosedByTimeout,
				IdleBefore:  cutoff,
			})
			switch {
			case err == nil:
			case errors.Is(err, handoff.ErrClosed):
				// a concurrent close already won
				continue
			case errors.Is(err, handoff.ErrStillActive):
				logger.Debug("session became active before idle close")
				continue
			default:
				logger.WithError(err).Warn("idle close failed")
				continue
			}
			closed++
			s.metrics.SessionSwept()
			logger.Info("closed idle session")
		case rec.Status == protocol.StatusBot:
			s.cache.Remove(rec.WorkspaceID, rec.SessionID)
			logger.Debug("dropped idle bot session from cache")
		}
	}
	return closed
}

type ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func newRealTicker(interval time.Duration) *realTicker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}
