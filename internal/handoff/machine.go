package handoff

import (
	"fmt"
	"strings"
	"time"

	"crabstack.local/projects/crab-handoff/internal/ids"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/session"
)

// Machine computes session transitions. It never touches the cache, the
// store or any connection; every method works on a copy of the record it is
// given and reports what changed.
type Machine struct {
	now      func() time.Time
	newID    func(prefix string, at time.Time) string
	prompts  IntakePrompts
	language string
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithIDFunc(fn func(prefix string, at time.Time) string) Option {
	return func(m *Machine) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func WithIntakePrompts(p IntakePrompts) Option {
	return func(m *Machine) {
		m.prompts = p.withDefaults()
	}
}

// WithDefaultLanguage sets the language of sessions whose first event does
// not name one.
func WithDefaultLanguage(language string) Option {
	return func(m *Machine) {
		m.language = strings.TrimSpace(language)
	}
}

func New(opts ...Option) *Machine {
	m := &Machine{
		now:     func() time.Time { return time.Now().UTC() },
		newID:   ids.Message,
		prompts: DefaultIntakePrompts(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

type UserMessageInput struct {
	WorkspaceID    string
	SessionID      string
	Content        string
	Channel        protocol.Channel
	UserIdentifier string
	Language       string
}

// UserMessage appends an end-user message. A nil record starts a new
// bot-owned session with the message as its first history entry.
func (m *Machine) UserMessage(rec *session.SessionRecord, in UserMessageInput) (Transition, error) {
	now := m.now()
	created := rec == nil
	var next session.SessionRecord
	if created {
		next = m.newSession(in.WorkspaceID, in.SessionID, in.Channel, in.UserIdentifier, in.Language, now)
	} else {
		if rec.Status == protocol.StatusClosed {
			return Transition{}, ErrClosed
		}
		next = rec.Clone()
		if next.Language == "" && in.Language != "" {
			next.Language = in.Language
		}
	}

	msg := m.message(protocol.RoleUser, in.Content, now)
	next.History = append(next.History, msg)
	touch(&next, now)

	t := Transition{Next: next, Created: created, Changed: true}
	if next.Status != protocol.StatusBot {
		t.Effects = append(t.Effects, Effect{Kind: EffectMessageAppended, Message: &msg})
		return t, nil
	}

	if reply, ok := m.intake(&t.Next, created, in.Content, now); ok {
		t.Effects = append(t.Effects, Effect{Kind: EffectBotReplied, Message: &reply})
		return t, nil
	}
	t.Effects = append(t.Effects, Effect{Kind: EffectInvokeResponder, Message: &msg})
	return t, nil
}

// BotReply appends an assistant message produced by the responder.
func (m *Machine) BotReply(rec session.SessionRecord, content string) (Transition, error) {
	if rec.Status == protocol.StatusClosed {
		return Transition{}, ErrClosed
	}
	if rec.Status != protocol.StatusBot {
		return Transition{}, fmt.Errorf("%w: bot reply in status %s", ErrInvalidTransition, rec.Status)
	}
	now := m.now()
	next := rec.Clone()
	msg := m.message(protocol.RoleAssistant, content, now)
	next.History = append(next.History, msg)
	touch(&next, now)
	return Transition{
		Next:    next,
		Changed: true,
		Effects: []Effect{{Kind: EffectBotReplied, Message: &msg}},
	}, nil
}

type HandoffInput struct {
	WorkspaceID    string
	SessionID      string
	Channel        protocol.Channel
	UserIdentifier string
	Message        string
	Reason         string
}

// RequestHandoff moves a bot session to pending. It appends nothing to an
// existing history. A nil record creates the session directly in pending,
// keeping the triggering message as its first entry.
func (m *Machine) RequestHandoff(rec *session.SessionRecord, in HandoffInput) (Transition, error) {
	now := m.now()
	created := rec == nil
	var next session.SessionRecord
	if created {
		next = m.newSession(in.WorkspaceID, in.SessionID, in.Channel, in.UserIdentifier, "", now)
		if strings.TrimSpace(in.Message) != "" {
			next.History = append(next.History, m.message(protocol.RoleUser, in.Message, now))
		}
	} else {
		switch rec.Status {
		case protocol.StatusBot:
		case protocol.StatusClosed:
			return Transition{}, ErrClosed
		default:
			return Transition{}, fmt.Errorf("%w: handoff requested in status %s", ErrInvalidTransition, rec.Status)
		}
		next = rec.Clone()
	}

	next.Status = protocol.StatusPending
	next.ConversationState = protocol.ConversationChatting
	touch(&next, now)
	return Transition{
		Next:    next,
		Created: created,
		Changed: true,
		Effects: []Effect{
			{Kind: EffectStatusChanged, Status: protocol.StatusPending},
			{Kind: EffectHandoffRequested, Reason: in.Reason},
		},
	}, nil
}

type ClaimInput struct {
	AgentID   string
	AgentName string
	AvatarURL string
}

// Claim gives a pending session to the agent. Claiming an in-progress session
// the agent already owns is an idempotent re-join.
func (m *Machine) Claim(rec session.SessionRecord, in ClaimInput) (Transition, error) {
	switch rec.Status {
	case protocol.StatusClosed:
		return Transition{}, ErrClosed
	case protocol.StatusBot:
		return Transition{}, fmt.Errorf("%w: no handoff requested", ErrInvalidTransition)
	case protocol.StatusInProgress:
		if rec.AssignedAgentID != in.AgentID {
			return Transition{}, ErrConflict
		}
		return Transition{
			Next:    rec.Clone(),
			Effects: []Effect{{Kind: EffectRejoined}},
		}, nil
	case protocol.StatusPending:
		if rec.AssignedAgentID != "" && rec.AssignedAgentID != in.AgentID {
			return Transition{}, ErrConflict
		}
	default:
		return Transition{}, fmt.Errorf("%w: status %s", ErrInvalidTransition, rec.Status)
	}

	now := m.now()
	next := rec.Clone()
	next.Status = protocol.StatusInProgress
	next.AssignedAgentID = in.AgentID
	next.AssignedAgentName = in.AgentName

	var effects []Effect
	effects = append(effects, Effect{Kind: EffectStatusChanged, Status: protocol.StatusInProgress})
	if !claimedBefore(rec) {
		joined := m.message(protocol.RoleSystem, joinedText(in.AgentName), now)
		joined.AgentName = in.AgentName
		joined.AvatarURL = in.AvatarURL
		next.History = append(next.History, joined)
		effects = append(effects, Effect{Kind: EffectMessageAppended, Message: &joined})
	}
	effects = append(effects, Effect{Kind: EffectClaimed})
	touch(&next, now)
	return Transition{Next: next, Changed: true, Effects: effects}, nil
}

type AgentMessageInput struct {
	AgentID   string
	AgentName string
	AvatarURL string
	Content   string
}

func (m *Machine) AgentMessage(rec session.SessionRecord, in AgentMessageInput) (Transition, error) {
	switch rec.Status {
	case protocol.StatusInProgress:
	case protocol.StatusClosed:
		return Transition{}, ErrClosed
	default:
		return Transition{}, fmt.Errorf("%w: agent message in status %s", ErrInvalidTransition, rec.Status)
	}
	if in.AgentID == "" || in.AgentID != rec.AssignedAgentID {
		return Transition{}, ErrNotOwner
	}

	now := m.now()
	next := rec.Clone()
	msg := m.message(protocol.RoleAgent, in.Content, now)
	msg.AgentName = firstNonEmpty(in.AgentName, rec.AssignedAgentName)
	msg.AvatarURL = in.AvatarURL
	next.History = append(next.History, msg)
	touch(&next, now)
	return Transition{
		Next:    next,
		Changed: true,
		Effects: []Effect{{Kind: EffectMessageAppended, Message: &msg}},
	}, nil
}

type TransferInput struct {
	// FromAgentID is the requesting agent and must be the current owner.
	FromAgentID      string
	FromAgentName    string
	TargetAgentID    string
	TargetAgentName  string
	TargetAgentEmail string
}

// Transfer hands an in-progress session to another agent. The session stays
// in_progress with the target as owner; the target accepts by joining it.
func (m *Machine) Transfer(rec session.SessionRecord, in TransferInput) (Transition, error) {
	switch rec.Status {
	case protocol.StatusInProgress:
	case protocol.StatusClosed:
		return Transition{}, ErrClosed
	default:
		return Transition{}, fmt.Errorf("%w: transfer in status %s", ErrInvalidTransition, rec.Status)
	}
	if in.FromAgentID == "" || in.FromAgentID != rec.AssignedAgentID {
		return Transition{}, ErrNotOwner
	}
	if len(rec.History) == 0 {
		return Transition{}, ErrEmptyHistory
	}
	if in.TargetAgentID == rec.AssignedAgentID {
		return Transition{}, ErrSelfTransfer
	}

	now := m.now()
	from := rec.AssignedAgentID
	fromName := firstNonEmpty(in.FromAgentName, rec.AssignedAgentName, from)
	targetName := firstNonEmpty(in.TargetAgentName, in.TargetAgentID)
	info := protocol.TransferInfo{
		TransferredBy:    fromName,
		TransferredFrom:  from,
		TransferredTo:    in.TargetAgentID,
		TransferredAt:    now,
		TargetAgentName:  in.TargetAgentName,
		TargetAgentEmail: in.TargetAgentEmail,
	}

	next := rec.Clone()
	msg := m.message(protocol.RoleSystem, fmt.Sprintf("Chat transferido de %s a %s", fromName, targetName), now)
	msg.Metadata = map[string]any{
		"type":            protocol.MetadataTypeTransfer,
		"transferredFrom": from,
		"transferredTo":   in.TargetAgentID,
		"targetAgentName": in.TargetAgentName,
	}
	next.History = append(next.History, msg)
	next.AssignedAgentID = in.TargetAgentID
	next.AssignedAgentName = in.TargetAgentName
	next.TransferInfo = &info
	touch(&next, now)

	return Transition{
		Next:    next,
		Changed: true,
		Effects: []Effect{
			{Kind: EffectMessageAppended, Message: &msg},
			{Kind: EffectTransferred, Transfer: &info, PreviousAgentID: from},
		},
	}, nil
}

type CloseInput struct {
	ClosedBy string
	// AgentID is the closing agent. An in-progress session is only closed by
	// its owner unless System is set.
	AgentID string
	System  bool
	// IdleBefore makes the close conditional: it fails with ErrStillActive
	// when the session saw activity after this instant.
	IdleBefore time.Time
}

// Close ends a pending or in-progress session.
func (m *Machine) Close(rec session.SessionRecord, in CloseInput) (Transition, error) {
	switch rec.Status {
	case protocol.StatusPending, protocol.StatusInProgress:
	case protocol.StatusClosed:
		return Transition{}, ErrClosed
	default:
		return Transition{}, fmt.Errorf("%w: close in status %s", ErrInvalidTransition, rec.Status)
	}
	if rec.Status == protocol.StatusInProgress && !in.System && in.AgentID != rec.AssignedAgentID {
		return Transition{}, ErrNotOwner
	}
	if !in.IdleBefore.IsZero() && rec.LastActive().After(in.IdleBefore) {
		return Transition{}, ErrStillActive
	}

	now := m.now()
	next := rec.Clone()
	next.Status = protocol.StatusClosed
	next.EndedAt = &now
	next.UpdatedAt = now
	next.Version++
	return Transition{
		Next:    next,
		Changed: true,
		Effects: []Effect{
			{Kind: EffectStatusChanged, Status: protocol.StatusClosed},
			{Kind: EffectClosed, ClosedBy: firstNonEmpty(in.ClosedBy, "agent")},
		},
	}, nil
}

func (m *Machine) newSession(workspaceID, sessionID string, channel protocol.Channel, userIdentifier, language string, now time.Time) session.SessionRecord {
	if channel == "" {
		channel = protocol.ChannelWeb
	}
	if userIdentifier == "" {
		userIdentifier = sessionID
	}
	state := protocol.ConversationChatting
	if channel == protocol.ChannelWhatsApp {
		state = protocol.ConversationCollectingName
	}
	return session.SessionRecord{
		WorkspaceID:       workspaceID,
		SessionID:         sessionID,
		Status:            protocol.StatusBot,
		Channel:           channel,
		UserIdentifier:    userIdentifier,
		History:           []protocol.Message{},
		ConversationState: state,
		Language:          firstNonEmpty(language, m.language),
		CreatedAt:         now,
	}
}

func (m *Machine) message(role protocol.Role, content string, at time.Time) protocol.Message {
	return protocol.Message{
		ID:        m.newID(string(role), at),
		Role:      role,
		Content:   content,
		Timestamp: at,
	}
}

func touch(rec *session.SessionRecord, now time.Time) {
	rec.Version++
	rec.UpdatedAt = now
	rec.LastActivityAt = now
}

func claimedBefore(rec session.SessionRecord) bool {
	if rec.TransferInfo != nil {
		return true
	}
	for _, msg := range rec.History {
		if msg.Role == protocol.RoleAgent {
			return true
		}
	}
	return false
}

func joinedText(agentName string) string {
	if strings.TrimSpace(agentName) == "" {
		return "Un agente se ha unido al chat"
	}
	return fmt.Sprintf("%s se ha unido al chat", agentName)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
