package session

import (
	"time"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

type SessionRecord struct {
	WorkspaceID       string                     `json:"workspaceId"`
	SessionID         string                     `json:"sessionId"`
	Status            protocol.Status            `json:"status"`
	Channel           protocol.Channel           `json:"channel"`
	UserIdentifier    string                     `json:"userIdentifier"`
	History           []protocol.Message         `json:"history"`
	AssignedAgentID   string                     `json:"assignedAgentId,omitempty"`
	AssignedAgentName string                     `json:"assignedAgentName,omitempty"`
	TransferInfo      *protocol.TransferInfo     `json:"transferInfo,omitempty"`
	ConversationState protocol.ConversationState `json:"conversationState,omitempty"`
	ContactName       string                     `json:"contactName,omitempty"`
	ContactEmail      string                     `json:"contactEmail,omitempty"`
	Language          string                     `json:"language,omitempty"`
	// Version increases by one for every committed transition and guards
	// durable writes against stale overwrites.
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

func (r SessionRecord) Clone() SessionRecord {
	out := r
	out.History = protocol.CloneHistory(r.History)
	if r.TransferInfo != nil {
		info := *r.TransferInfo
		out.TransferInfo = &info
	}
	if r.EndedAt != nil {
		ended := *r.EndedAt
		out.EndedAt = &ended
	}
	return out
}

func (r SessionRecord) Active() bool {
	return r.Status == protocol.StatusPending || r.Status == protocol.StatusInProgress
}

// LastActive is the time of the last transition that counted as activity.
func (r SessionRecord) LastActive() time.Time {
	if r.LastActivityAt.IsZero() {
		return r.UpdatedAt
	}
	return r.LastActivityAt
}

func (r SessionRecord) LastMessage() *protocol.Message {
	if len(r.History) == 0 {
		return nil
	}
	msg := r.History[len(r.History)-1]
	return &msg
}

func (r SessionRecord) Summary() protocol.SessionSummary {
	return protocol.SessionSummary{
		SessionID:       r.SessionID,
		Status:          r.Status,
		Channel:         r.Channel,
		UserIdentifier:  r.UserIdentifier,
		AssignedAgentID: r.AssignedAgentID,
		LastMessage:     r.LastMessage(),
		UpdatedAt:       r.UpdatedAt,
	}
}

// SessionPatch carries the partial fields written by Store.Update. Nil fields
// are left untouched. Version is the version the record moves to.
type SessionPatch struct {
	Version         int64
	Status          *protocol.Status
	AssignedAgentID *string
	EndedAt         *time.Time
	UpdatedAt       time.Time
}
