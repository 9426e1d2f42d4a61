package protocol

import "encoding/json"

const (
	OutStatusChange             EventName = "status_change"
	OutAgentMessage             EventName = "agent_message"
	OutNewChatRequest           EventName = "new_chat_request"
	OutChatTaken                EventName = "chat_taken"
	OutChatClosed               EventName = "chat_closed"
	OutIncomingUserMessage      EventName = "incoming_user_message"
	OutAgentMessageSent         EventName = "agent_message_sent"
	OutPersonalTransferReceived EventName = "personal_transfer_received"
	OutAssignmentSuccess        EventName = "assignment_success"
	OutAssignmentFailure        EventName = "assignment_failure"
	OutTransferSuccess          EventName = "transfer_success"
	OutTransferFailed           EventName = "transfer_failed"
	OutDashboardSnapshot        EventName = "dashboard_snapshot"
	OutError                    EventName = "error"
)

// Outbound is a typed event on its way to one or more connections.
type Outbound struct {
	Event EventName
	Data  any
}

func (o Outbound) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(o.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: o.Event, Data: data})
}

type StatusChangePayload struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
}

type NewChatRequestPayload struct {
	SessionID      string    `json:"sessionId"`
	Channel        Channel   `json:"channel"`
	UserIdentifier string    `json:"userIdentifier"`
	Message        string    `json:"message,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	History        []Message `json:"history"`
}

type SessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionMessagePayload struct {
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}

type PersonalTransferPayload struct {
	SessionID       string       `json:"sessionId"`
	InitialMessage  *Message     `json:"initialMessage,omitempty"`
	FullHistory     []Message    `json:"fullHistory"`
	TransferInfo    TransferInfo `json:"transferInfo"`
	TransferredFrom string       `json:"transferredFrom"`
}

type AssignmentSuccessPayload struct {
	SessionID string    `json:"sessionId"`
	Status    Status    `json:"status"`
	History   []Message `json:"history"`
	BotConfig BotConfig `json:"botConfig"`
}

type FailurePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type ErrorPayload struct {
	Event     EventName `json:"event"`
	SessionID string    `json:"sessionId,omitempty"`
	Message   string    `json:"message"`
}

type DashboardSnapshotPayload struct {
	WorkspaceID string           `json:"workspaceId"`
	Sessions    []SessionSummary `json:"sessions"`
}

func StatusChange(sessionID string, status Status) Outbound {
	return Outbound{Event: OutStatusChange, Data: StatusChangePayload{SessionID: sessionID, Status: status}}
}

func AgentMessageOut(msg Message) Outbound {
	return Outbound{Event: OutAgentMessage, Data: msg}
}

func NewChatRequest(p NewChatRequestPayload) Outbound {
	return Outbound{Event: OutNewChatRequest, Data: p}
}

func ChatTaken(sessionID string) Outbound {
	return Outbound{Event: OutChatTaken, Data: SessionRefPayload{SessionID: sessionID}}
}

func ChatClosed(sessionID string) Outbound {
	return Outbound{Event: OutChatClosed, Data: SessionRefPayload{SessionID: sessionID}}
}

func IncomingUserMessage(sessionID string, msg Message) Outbound {
	return Outbound{Event: OutIncomingUserMessage, Data: SessionMessagePayload{SessionID: sessionID, Message: msg}}
}

func AgentMessageSent(sessionID string, msg Message) Outbound {
	return Outbound{Event: OutAgentMessageSent, Data: SessionMessagePayload{SessionID: sessionID, Message: msg}}
}

func PersonalTransferReceived(p PersonalTransferPayload) Outbound {
	return Outbound{Event: OutPersonalTransferReceived, Data: p}
}

func AssignmentSuccess(p AssignmentSuccessPayload) Outbound {
	return Outbound{Event: OutAssignmentSuccess, Data: p}
}

func AssignmentFailure(sessionID, message string) Outbound {
	return Outbound{Event: OutAssignmentFailure, Data: FailurePayload{SessionID: sessionID, Message: message}}
}

func TransferSuccess(sessionID, message string) Outbound {
	return Outbound{Event: OutTransferSuccess, Data: FailurePayload{SessionID: sessionID, Message: message}}
}

func TransferFailed(sessionID, message string) Outbound {
	return Outbound{Event: OutTransferFailed, Data: FailurePayload{SessionID: sessionID, Message: message}}
}

func DashboardSnapshot(workspaceID string, sessions []SessionSummary) Outbound {
	if sessions == nil {
		sessions = []SessionSummary{}
	}
	return Outbound{Event: OutDashboardSnapshot, Data: DashboardSnapshotPayload{WorkspaceID: workspaceID, Sessions: sessions}}
}

func Error(event EventName, sessionID, message string) Outbound {
	return Outbound{Event: OutError, Data: ErrorPayload{Event: event, SessionID: sessionID, Message: message}}
}
