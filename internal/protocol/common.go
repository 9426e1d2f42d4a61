package protocol

import "fmt"

type Status string

const (
	StatusBot        Status = "bot"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusBot, StatusPending, StatusInProgress, StatusClosed:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleAgent, RoleSystem:
		return true
	default:
		return false
	}
}

// Channel is the origin of a conversation. Realtime channels receive replies
// over the session room; the rest go through a channel sender.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelWhatsApp:
		return true
	default:
		return false
	}
}

func (c Channel) Realtime() bool {
	return c == ChannelWeb
}

func ParseChannel(raw string) (Channel, error) {
	if raw == "" {
		return ChannelWeb, nil
	}
	c := Channel(raw)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", raw)
	}
	return c, nil
}

type ConversationState string

const (
	ConversationCollectingName  ConversationState = "collecting_name"
	ConversationCollectingEmail ConversationState = "collecting_email"
	ConversationChatting        ConversationState = "chatting"
)

type ConnectionRole string

const (
	ConnectionRoleAgent ConnectionRole = "agent"
	ConnectionRoleUser  ConnectionRole = "user"
)

func ParseConnectionRole(raw string) (ConnectionRole, error) {
	switch ConnectionRole(raw) {
	case ConnectionRoleAgent, ConnectionRoleUser:
		return ConnectionRole(raw), nil
	default:
		return "", fmt.Errorf("unknown connection role %q", raw)
	}
}
