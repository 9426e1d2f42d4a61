package protocol

import "time"

type LifecycleType string

const (
	LifecycleHandoffRequested   LifecycleType = "handoff.requested"
	LifecycleSessionClaimed     LifecycleType = "session.claimed"
	LifecycleSessionTransferred LifecycleType = "session.transferred"
	LifecycleSessionClosed      LifecycleType = "session.closed"
)

// LifecycleEvent is the notification fanned out to subscribers when a
// session changes hands. It is not sent over the realtime socket.
type LifecycleEvent struct {
	EventID        string        `json:"event_id"`
	Type           LifecycleType `json:"type"`
	OccurredAt     time.Time     `json:"occurred_at"`
	WorkspaceID    string        `json:"workspace_id"`
	SessionID      string        `json:"session_id"`
	Channel        Channel       `json:"channel"`
	UserIdentifier string        `json:"user_identifier,omitempty"`
	Status         Status        `json:"status"`
	AgentID        string        `json:"agent_id,omitempty"`
	AgentName      string        `json:"agent_name,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Transfer       *TransferInfo `json:"transfer,omitempty"`
	ClosedBy       string        `json:"closed_by,omitempty"`
	ContactName    string        `json:"contact_name,omitempty"`
	ContactEmail   string        `json:"contact_email,omitempty"`
}
