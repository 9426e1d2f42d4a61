package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type EventName string

const (
	EventJoinSession        EventName = "join_session"
	EventUserMessage        EventName = "user_message"
	EventJoinAgentDashboard EventName = "join_agent_dashboard"
	EventAgentJoined        EventName = "agent_joined"
	EventAgentMessage       EventName = "agent_message"
	EventTransferChat       EventName = "transfer_chat"
	EventCloseChat          EventName = "close_chat"
	EventNewHandoffRequest  EventName = "new_handoff_request"
)

var ErrUnknownEvent = errors.New("unknown event")

type ValidationError struct {
	Event EventName
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s is required", e.Event, e.Field)
}

// Envelope is the wire frame for every realtime event in both directions.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Inbound interface {
	EventName() EventName
	Validate() error
}

// SessionEvent is an inbound event bound to a single session. Events of this
// kind are serialized per session by the router.
type SessionEvent interface {
	Inbound
	SessionKey() (workspaceID, sessionID string)
}

type JoinSession struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	SessionID   string `json:"sessionId"`
}

func (JoinSession) EventName() EventName { return EventJoinSession }

func (e JoinSession) Validate() error {
	return require(EventJoinSession, "sessionId", e.SessionID)
}

type UserMessage struct {
	WorkspaceID    string `json:"workspaceId"`
	SessionID      string `json:"sessionId"`
	Message        string `json:"message"`
	Channel        string `json:"channel,omitempty"`
	UserIdentifier string `json:"userIdentifier,omitempty"`
	Language       string `json:"language,omitempty"`
}

func (UserMessage) EventName() EventName { return EventUserMessage }

func (e UserMessage) Validate() error {
	if err := require(EventUserMessage, "workspaceId", e.WorkspaceID); err != nil {
		return err
	}
	if err := require(EventUserMessage, "sessionId", e.SessionID); err != nil {
		return err
	}
	if err := require(EventUserMessage, "message", e.Message); err != nil {
		return err
	}
	if _, err := ParseChannel(e.Channel); err != nil {
		return &ValidationError{Event: EventUserMessage, Field: "channel"}
	}
	return nil
}

func (e UserMessage) SessionKey() (string, string) { return e.WorkspaceID, e.SessionID }

type JoinAgentDashboard struct {
	WorkspaceID string `json:"workspaceId"`
	AgentID     string `json:"agentId,omitempty"`
	AgentName   string `json:"agentName,omitempty"`
}

func (JoinAgentDashboard) EventName() EventName { return EventJoinAgentDashboard }

func (e JoinAgentDashboard) Validate() error {
	return require(EventJoinAgentDashboard, "workspaceId", e.WorkspaceID)
}

type AgentJoined struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	AgentID     string `json:"agentId"`
	AgentName   string `json:"agentName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (AgentJoined) EventName() EventName { return EventAgentJoined }

func (e AgentJoined) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"workspaceId", e.WorkspaceID},
		{"sessionId", e.SessionID},
		{"agentId", e.AgentID},
	} {
		if err := require(EventAgentJoined, f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

func (e AgentJoined) SessionKey() (string, string) { return e.WorkspaceID, e.SessionID }

type AgentMessage struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	Message     string `json:"message"`
	AgentID     string `json:"agentId,omitempty"`
	AgentName   string `json:"agentName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (AgentMessage) EventName() EventName { return EventAgentMessage }

func (e AgentMessage) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"workspaceId", e.WorkspaceID},
		{"sessionId", e.SessionID},
		{"message", e.Message},
	} {
		if err := require(EventAgentMessage, f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

func (e AgentMessage) SessionKey() (string, string) { return e.WorkspaceID, e.SessionID }

type TransferChat struct {
	WorkspaceID      string `json:"workspaceId"`
	SessionID        string `json:"sessionId"`
	TargetAgentID    string `json:"targetAgentId"`
	TargetAgentEmail string `json:"targetAgentEmail,omitempty"`
	TargetAgentName  string `json:"targetAgentName,omitempty"`
	AgentID          string `json:"agentId,omitempty"`
	AgentName        string `json:"agentName,omitempty"`
}

func (TransferChat) EventName() EventName { return EventTransferChat }

func (e TransferChat) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"workspaceId", e.WorkspaceID},
		{"sessionId", e.SessionID},
		{"targetAgentId", e.TargetAgentID},
	} {
		if err := require(EventTransferChat, f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

func (e TransferChat) SessionKey() (string, string) { return e.WorkspaceID, e.SessionID }

type CloseChat struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	// ClosedBy is "agent" for socket-originated closes and "timeout" for the
	// idle sweeper.
	ClosedBy string `json:"closedBy,omitempty"`
	// IdleBefore is set by the idle sweeper only; it never comes off the wire.
	IdleBefore time.Time `json:"-"`
}

func (CloseChat) EventName() EventName { return EventCloseChat }

func (e CloseChat) Validate() error {
	if err := require(EventCloseChat, "workspaceId", e.WorkspaceID); err != nil {
		return err
	}
	return require(EventCloseChat, "sessionId", e.SessionID)
}

func (e CloseChat) SessionKey() (string, string) { return e.WorkspaceID, e.SessionID }

type HandoffRequestData struct {
	SessionID      string `json:"sessionId"`
	Channel        string `json:"channel,omitempty"`
	UserIdentifier string `json:"userIdentifier,omitempty"`
	Message        string `json:"message,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type NewHandoffRequest struct {
	WorkspaceID string             `json:"workspaceId"`
	RequestData HandoffRequestData `json:"requestData"`
}

func (NewHandoffRequest) EventName() EventName { return EventNewHandoffRequest }

func (e NewHandoffRequest) Validate() error {
	if err := require(EventNewHandoffRequest, "workspaceId", e.WorkspaceID); err != nil {
		return err
	}
	if err := require(EventNewHandoffRequest, "requestData.sessionId", e.RequestData.SessionID); err != nil {
		return err
	}
	if _, err := ParseChannel(e.RequestData.Channel); err != nil {
		return &ValidationError{Event: EventNewHandoffRequest, Field: "requestData.channel"}
	}
	return nil
}

func (e NewHandoffRequest) SessionKey() (string, string) {
	return e.WorkspaceID, e.RequestData.SessionID
}

// DecodeInbound parses one wire frame into its typed event and validates it.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return DecodeEnvelope(env)
}

func DecodeEnvelope(env Envelope) (Inbound, error) {
	var (
		event Inbound
		err   error
	)
	switch env.Event {
	case EventJoinSession:
		event, err = decodeStrict[JoinSession](env.Data)
	case EventUserMessage:
		event, err = decodeStrict[UserMessage](env.Data)
	case EventJoinAgentDashboard:
		event, err = decodeStrict[JoinAgentDashboard](env.Data)
	case EventAgentJoined:
		event, err = decodeStrict[AgentJoined](env.Data)
	case EventAgentMessage:
		event, err = decodeStrict[AgentMessage](env.Data)
	case EventTransferChat:
		event, err = decodeStrict[TransferChat](env.Data)
	case EventCloseChat:
		event, err = decodeStrict[CloseChat](env.Data)
	case EventNewHandoffRequest:
		event, err = decodeStrict[NewHandoffRequest](env.Data)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func decodeStrict[T Inbound](data json.RawMessage) (Inbound, error) {
	var out T
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing content")
	}
	return out, nil
}

func require(event EventName, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Event: event, Field: field}
	}
	return nil
}
