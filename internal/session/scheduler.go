package session

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrSessionQueueFull = errors.New("session queue full")

type Job func(context.Context)

// Scheduler runs jobs one at a time per key, in enqueue order. Different keys
// run concurrently. A worker exits once its queue drains and is recreated on
// the next enqueue.
type Scheduler struct {
	logger    logrus.FieldLogger
	queueSize int

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	ch chan Job
}

func NewScheduler(logger logrus.FieldLogger, queueSize int) *Scheduler {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Scheduler{
		logger:    logger,
		queueSize: queueSize,
		workers:   make(map[string]*worker),
	}
}

func SessionQueueKey(workspaceID, sessionID string) string {
	return sessionKey(workspaceID, sessionID)
}

func (s *Scheduler) Enqueue(key string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[key]
	if !ok {
		w = &worker{ch: make(chan Job, s.queueSize)}
		s.workers[key] = w
		s.wg.Add(1)
		go s.run(key, w)
	}

	select {
	case w.ch <- job:
		return nil
	default:
		s.logger.WithField("key", key).Warn("session queue full")
		return ErrSessionQueueFull
	}
}

// Wait blocks until every worker has drained and exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Scheduler) run(key string, w *worker) {
	defer s.wg.Done()
	for {
		select {
		case job := <-w.ch:
			s.execute(key, job)
		default:
			s.mu.Lock()
			if len(w.ch) > 0 {
				s.mu.Unlock()
				continue
			}
			delete(s.workers, key)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) execute(key string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"key":   key,
				"panic": r,
			}).Error("session job panicked")
		}
	}()
	job(context.Background())
}
