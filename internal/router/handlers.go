package router

import (
	"context"

	"crabstack.local/projects/crab-handoff/internal/handoff"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/registry"
)

// origin is the connection an event came from plus anything the router
// resolved for it before the transition ran.
type origin struct {
	connID string
	event  protocol.EventName
	target registry.Conn
}

func (r *Router) userMessage(ctx context.Context, connID string, ev protocol.UserMessage) error {
	from := origin{connID: connID, event: ev.EventName()}
	rec, err := r.load(ctx, ev.WorkspaceID, ev.SessionID)
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	channel, _ := protocol.ParseChannel(ev.Channel)
	t, err := r.machine.UserMessage(rec, handoff.UserMessageInput{
		WorkspaceID:    ev.WorkspaceID,
		SessionID:      ev.SessionID,
		Content:        ev.Message,
		Channel:        channel,
		UserIdentifier: ev.UserIdentifier,
		Language:       ev.Language,
	})
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	if err := r.commit(ctx, t); err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	if connID != "" {
		// the sender follows its own conversation; bridge calls have no connection
		_ = r.registry.JoinSession(connID, ev.WorkspaceID, ev.SessionID)
	}
	r.apply(ctx, from, t)
	return nil
}

func (r *Router) handoffRequest(ctx context.Context, connID string, ev protocol.NewHandoffRequest) error {
	data := ev.RequestData
	from := origin{connID: connID, event: ev.EventName()}
	rec, err := r.load(ctx, ev.WorkspaceID, data.SessionID)
	if err != nil {
		return r.reject(from, data.SessionID, err)
	}
	channel, _ := protocol.ParseChannel(data.Channel)
	t, err := r.machine.RequestHandoff(rec, handoff.HandoffInput{
		WorkspaceID:    ev.WorkspaceID,
		SessionID:      data.SessionID,
		Channel:        channel,
		UserIdentifier: data.UserIdentifier,
		Message:        data.Message,
		Reason:         data.Reason,
	})
	if err != nil {
		return r.reject(from, data.SessionID, err)
	}
	if err := r.commit(ctx, t); err != nil {
		return r.reject(from, data.SessionID, err)
	}
	r.apply(ctx, from, t)
	return nil
}

func (r *Router) agentJoined(ctx context.Context, connID string, ev protocol.AgentJoined) error {
	from := origin{connID: connID, event: ev.EventName()}
	rec, err := r.mustLoad(ctx, ev.WorkspaceID, ev.SessionID)
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	agentID, agentName := r.agentFor(connID, ev.AgentID, ev.AgentName)
	t, err := r.machine.Claim(rec, handoff.ClaimInput{
		AgentID:   agentID,
		AgentName: agentName,
		AvatarURL: ev.AvatarURL,
	})
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	if err := r.commit(ctx, t); err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	if connID != "" {
		_ = r.registry.JoinSession(connID, ev.WorkspaceID, ev.SessionID)
	}
	r.apply(ctx, from, t)
	return nil
}

func (r *Router) agentMessage(ctx context.Context, connID string, ev protocol.AgentMessage) error {
	from := origin{connID: connID, event: ev.EventName()}
	rec, err := r.mustLoad(ctx, ev.WorkspaceID, ev.SessionID)
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	agentID, agentName := r.agentFor(connID, ev.AgentID, ev.AgentName)
	t, err := r.machine.AgentMessage(rec, handoff.AgentMessageInput{
		AgentID:   agentID,
		AgentName: agentName,
		AvatarURL: ev.AvatarURL,
		Content:   ev.Message,
	})
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	if err := r.commit(ctx, t); err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	r.apply(ctx, from, t)
	return nil
}

func (r *Router) transferChat(ctx context.Context, connID string, ev protocol.TransferChat) error {
	from := origin{connID: connID, event: ev.EventName()}
	rec, err := r.mustLoad(ctx, ev.WorkspaceID, ev.SessionID)
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	agentID, agentName := r.agentFor(connID, ev.AgentID, ev.AgentName)

	target, online := r.registry.FindAgentConnection(ev.WorkspaceID, ev.TargetAgentID)
	targetName := ev.TargetAgentName
	if online && targetName == "" {
		if info, ok := r.registry.Info(target.ID()); ok {
			targetName = info.AgentName
		}
	}

	t, err := r.machine.Transfer(rec, handoff.TransferInput{
		FromAgentID:      agentID,
		FromAgentName:    agentName,
		TargetAgentID:    ev.TargetAgentID,
		TargetAgentName:  targetName,
		TargetAgentEmail: ev.TargetAgentEmail,
	})
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	if !online {
		return r.reject(from, ev.SessionID, ErrTargetUnavailable)
	}
	if err := r.commit(ctx, t); err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	from.target = target
	r.apply(ctx, from, t)
	return nil
}

func (r *Router) closeChat(ctx context.Context, connID string, ev protocol.CloseChat) error {
	from := origin{connID: connID, event: ev.EventName()}
	rec, err := r.mustLoad(ctx, ev.WorkspaceID, ev.SessionID)
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	in := handoff.CloseInput{
		ClosedBy:   ev.ClosedBy,
		System:     connID == "",
		IdleBefore: ev.IdleBefore,
	}
	if !in.System {
		in.ClosedBy = "agent"
		in.AgentID, _ = r.agentFor(connID, "", "")
	}
	t, err := r.machine.Close(rec, in)
	if err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	if err := r.commit(ctx, t); err != nil {
		return r.reject(from, ev.SessionID, err)
	}
	r.apply(ctx, from, t)
	return nil
}
