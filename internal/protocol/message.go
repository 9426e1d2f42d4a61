package protocol

import "time"

// MetadataTypeTransfer marks the system message appended by a transfer.
const MetadataTypeTransfer = "transfer"

type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	AgentName string         `json:"agentName,omitempty"`
	AvatarURL string         `json:"avatarUrl,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type TransferInfo struct {
	TransferredBy    string    `json:"transferredBy"`
	TransferredFrom  string    `json:"transferredFrom"`
	TransferredTo    string    `json:"transferredTo"`
	TransferredAt    time.Time `json:"transferredAt"`
	TargetAgentName  string    `json:"targetAgentName,omitempty"`
	TargetAgentEmail string    `json:"targetAgentEmail,omitempty"`
}

// BotConfig is the per-workspace display configuration handed to an agent
// when it takes a session.
type BotConfig struct {
	Name           string `json:"name,omitempty"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	PrimaryColor   string `json:"primaryColor,omitempty"`
	WelcomeMessage string `json:"welcomeMessage,omitempty"`
}

// SessionSummary is the dashboard's view of a live session.
type SessionSummary struct {
	SessionID       string    `json:"sessionId"`
	Status          Status    `json:"status"`
	Channel         Channel   `json:"channel"`
	UserIdentifier  string    `json:"userIdentifier"`
	AssignedAgentID string    `json:"assignedAgentId,omitempty"`
	LastMessage     *Message  `json:"lastMessage,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func CloneHistory(history []Message) []Message {
	if history == nil {
		return nil
	}
	out := make([]Message, len(history))
	for i, msg := range history {
		out[i] = msg
		if msg.Metadata != nil {
			meta := make(map[string]any, len(msg.Metadata))
			for k, v := range msg.Metadata {
				meta[k] = v
			}
			out[i].Metadata = meta
		}
	}
	return out
}
