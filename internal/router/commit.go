package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/handoff"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/session"
)

var (
	ErrTargetUnavailable = errors.New("target agent not available")
	// ErrAgentOnly rejects agent events sent over a user connection.
	ErrAgentOnly = errors.New("only agent connections can send this event")
)

// PersistenceError reports a transition that could not be written to the
// durable store. The cached record is left as it was before the event.
type PersistenceError struct {
	Op          string
	WorkspaceID string
	SessionID   string
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s session %s/%s: %v", e.Op, e.WorkspaceID, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// commit writes the transition to the durable store and only then to the
// cache. Closing an existing session writes a partial update.
func (r *Router) commit(ctx context.Context, t handoff.Transition) error {
	if !t.Changed {
		return nil
	}
	rec := t.Next
	op := "save"
	var err error
	if t.Has(handoff.EffectClosed) && !t.Created {
		op = "update"
		status := rec.Status
		err = r.store.Update(ctx, rec.WorkspaceID, rec.SessionID, session.SessionPatch{
			Version:   rec.Version,
			Status:    &status,
			EndedAt:   rec.EndedAt,
			UpdatedAt: rec.UpdatedAt,
		})
		if errors.Is(err, session.ErrNotFound) {
			op = "save"
			err = r.store.Save(ctx, rec)
		}
	} else {
		err = r.store.Save(ctx, rec)
	}
	if err != nil {
		r.metrics.StoreFailure(op)
		if errors.Is(err, session.ErrStaleWrite) {
			// another writer is ahead of us; reload from the store next time
			r.cache.Remove(rec.WorkspaceID, rec.SessionID)
		}
		return &PersistenceError{Op: op, WorkspaceID: rec.WorkspaceID, SessionID: rec.SessionID, Err: err}
	}

	r.cache.Put(rec.WorkspaceID, rec.SessionID, rec)
	r.metrics.Transition(string(rec.Status))
	return nil
}

// reject reports a failed event back to the connection that sent it and
// returns err for the caller.
func (r *Router) reject(from origin, sessionID string, err error) error {
	fields := logrus.Fields{
		"event":         from.event,
		"session_id":    sessionID,
		"connection_id": from.connID,
	}
	var (
		persistErr   *PersistenceError
		hydrationErr *session.HydrationError
	)
	switch {
	case errors.As(err, &persistErr), errors.As(err, &hydrationErr):
		r.logger.WithFields(fields).WithError(err).Error("session event failed")
	default:
		r.logger.WithFields(fields).WithError(err).Info("session event rejected")
	}
	r.fail(from.connID, from.event, sessionID, err)
	return err
}

func (r *Router) fail(connID string, event protocol.EventName, sessionID string, err error) {
	if connID == "" {
		return
	}
	msg := FailureMessage(err)
	var out protocol.Outbound
	switch event {
	case protocol.EventAgentJoined:
		out = protocol.AssignmentFailure(sessionID, msg)
	case protocol.EventTransferChat:
		out = protocol.TransferFailed(sessionID, msg)
	default:
		out = protocol.Error(event, sessionID, msg)
	}
	r.registry.SendTo(connID, out)
}

// FailureMessage is the text reported to a client for a failed event.
func FailureMessage(err error) string {
	var (
		persistErr   *PersistenceError
		hydrationErr *session.HydrationError
	)
	switch {
	case errors.As(err, &persistErr):
		return "could not save session, try again"
	case errors.As(err, &hydrationErr):
		return "session temporarily unavailable"
	case errors.Is(err, ErrTargetUnavailable):
		return ErrTargetUnavailable.Error()
	case errors.Is(err, ErrAgentOnly):
		return ErrAgentOnly.Error()
	default:
		return handoff.FailureMessage(err)
	}
}
