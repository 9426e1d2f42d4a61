package session

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryingStore retries transient write failures against the wrapped store.
// Not-found and stale-write results are final and returned immediately.
type RetryingStore struct {
	Store
	logger       logrus.FieldLogger
	retryCount   int
	retryBackoff time.Duration
}

func NewRetryingStore(store Store, logger logrus.FieldLogger, retryCount int, retryBackoff time.Duration) *RetryingStore {
	if retryCount <= 0 {
		retryCount = 3
	}
	if retryBackoff < 0 {
		retryBackoff = 0
	}
	return &RetryingStore{
		Store:        store,
		logger:       logger,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
	}
}

func (s *RetryingStore) Save(ctx context.Context, rec SessionRecord) error {
	return s.retry(ctx, "save", rec.WorkspaceID, rec.SessionID, func() error {
		return s.Store.Save(ctx, rec)
	})
}

func (s *RetryingStore) Update(ctx context.Context, workspaceID, sessionID string, patch SessionPatch) error {
	return s.retry(ctx, "update", workspaceID, sessionID, func() error {
		return s.Store.Update(ctx, workspaceID, sessionID, patch)
	})
}

func (s *RetryingStore) retry(ctx context.Context, op, workspaceID, sessionID string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.retryCount; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleWrite) {
			return err
		}

		s.logger.WithFields(logrus.Fields{
			"op":           op,
			"workspace_id": workspaceID,
			"session_id":   sessionID,
			"attempt":      attempt,
		}).WithError(err).Warn("session store write failed")
		if attempt == s.retryCount {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryBackoff):
		}
	}
	return err
}
