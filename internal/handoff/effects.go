package handoff

import (
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/session"
)

type EffectKind int

const (
	// EffectInvokeResponder asks the router to call the bot responder with
	// the appended user message.
	EffectInvokeResponder EffectKind = iota + 1
	EffectBotReplied
	EffectStatusChanged
	EffectHandoffRequested
	EffectClaimed
	EffectRejoined
	EffectMessageAppended
	EffectTransferred
	EffectClosed
)

func (k EffectKind) String() string {
	switch k {
	case EffectInvokeResponder:
		return "invoke_responder"
	case EffectBotReplied:
		return "bot_replied"
	case EffectStatusChanged:
		return "status_changed"
	case EffectHandoffRequested:
		return "handoff_requested"
	case EffectClaimed:
		return "claimed"
	case EffectRejoined:
		return "rejoined"
	case EffectMessageAppended:
		return "message_appended"
	case EffectTransferred:
		return "transferred"
	case EffectClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Effect is one side effect the router must carry out after the transition
// is committed. Effects are ordered; the router performs them in sequence.
type Effect struct {
	Kind    EffectKind
	Status  protocol.Status
	Message *protocol.Message

	// EffectHandoffRequested
	Reason string

	// EffectTransferred
	Transfer        *protocol.TransferInfo
	PreviousAgentID string

	// EffectClosed
	ClosedBy string
}

// Transition is the outcome of applying an event to a session. Next is the
// record to persist and cache. When Changed is false the record is left as
// is and nothing needs to be written.
type Transition struct {
	Next    session.SessionRecord
	Created bool
	Changed bool
	Effects []Effect
}

func (t Transition) Has(kind EffectKind) bool {
	for _, e := range t.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
