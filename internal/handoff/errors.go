package handoff

import (
	"errors"

	"crabstack.local/projects/crab-handoff/internal/session"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("session claimed by another agent")
	ErrClosed            = errors.New("session closed")
	ErrNotOwner          = errors.New("agent does not own session")
	ErrEmptyHistory      = errors.New("session has no history")
	ErrSelfTransfer      = errors.New("target agent already owns session")
	ErrStillActive       = errors.New("session active since idle check")
)

// ConflictMessage is shown to an agent that lost a claim race.
const ConflictMessage = "Chat no disponible."

// FailureMessage maps a transition or lookup error to the text sent back to
// the triggering connection.
func FailureMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return ConflictMessage
	case errors.Is(err, ErrClosed):
		return "session closed"
	case errors.Is(err, session.ErrNotFound):
		return "session not found"
	case errors.Is(err, ErrNotOwner):
		return "agent does not own this session"
	case errors.Is(err, ErrEmptyHistory):
		return "session has no history to transfer"
	case errors.Is(err, ErrSelfTransfer):
		return "target agent already owns this session"
	case errors.Is(err, ErrStillActive):
		return "session is active"
	case errors.Is(err, ErrInvalidTransition):
		return "action not allowed in current session state"
	case errors.Is(err, session.ErrSessionQueueFull):
		return "session busy, try again"
	default:
		return "internal error"
	}
}
