package router

import (
	"context"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/channels"
	"crabstack.local/projects/crab-handoff/internal/handoff"
	"crabstack.local/projects/crab-handoff/internal/ids"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/responder"
	"crabstack.local/projects/crab-handoff/internal/session"
)

func defaultEventID() string {
	return ids.New()
}

// apply performs a committed transition's effects in order.
func (r *Router) apply(ctx context.Context, from origin, t handoff.Transition) {
	rec := t.Next
	for _, effect := range t.Effects {
		switch effect.Kind {
		case handoff.EffectInvokeResponder:
			r.respond(ctx, from, rec, effect.Message)
		case handoff.EffectBotReplied:
			r.deliverToUser(ctx, rec, *effect.Message)
		case handoff.EffectStatusChanged:
			r.registry.SendToSession(rec.WorkspaceID, rec.SessionID, protocol.StatusChange(rec.SessionID, effect.Status))
		case handoff.EffectHandoffRequested:
			r.registry.SendToDashboard(rec.WorkspaceID, protocol.NewChatRequest(protocol.NewChatRequestPayload{
				SessionID:      rec.SessionID,
				Channel:        rec.Channel,
				UserIdentifier: rec.UserIdentifier,
				Message:        lastUserContent(rec.History),
				Reason:         effect.Reason,
				History:        rec.History,
			}))
			r.notify(ctx, protocol.LifecycleHandoffRequested, rec, func(ev *protocol.LifecycleEvent) {
				ev.Reason = effect.Reason
			})
		case handoff.EffectMessageAppended:
			r.messageAppended(ctx, from, rec, *effect.Message)
		case handoff.EffectClaimed, handoff.EffectRejoined:
			if from.connID != "" {
				r.registry.SendTo(from.connID, protocol.AssignmentSuccess(protocol.AssignmentSuccessPayload{
					SessionID: rec.SessionID,
					Status:    rec.Status,
					History:   rec.History,
					BotConfig: r.botConfig(rec.WorkspaceID),
				}))
			}
			if effect.Kind == handoff.EffectClaimed {
				r.registry.SendToDashboard(rec.WorkspaceID, protocol.ChatTaken(rec.SessionID), from.connID)
				r.notify(ctx, protocol.LifecycleSessionClaimed, rec, nil)
			}
		case handoff.EffectTransferred:
			r.transferred(ctx, from, rec, effect)
		case handoff.EffectClosed:
			r.registry.SendToDashboard(rec.WorkspaceID, protocol.ChatClosed(rec.SessionID))
			r.cache.EvictAfter(rec.WorkspaceID, rec.SessionID, r.evictionDelay)
			r.notify(ctx, protocol.LifecycleSessionClosed, rec, func(ev *protocol.LifecycleEvent) {
				ev.ClosedBy = effect.ClosedBy
			})
		}
	}
}

func (r *Router) messageAppended(ctx context.Context, from origin, rec session.SessionRecord, msg protocol.Message) {
	switch msg.Role {
	case protocol.RoleUser:
		out := protocol.IncomingUserMessage(rec.SessionID, msg)
		r.registry.SendToSession(rec.WorkspaceID, rec.SessionID, out, from.connID)
		// agents already in the room got it above
		exclude := append(r.registry.SessionMembers(rec.WorkspaceID, rec.SessionID), from.connID)
		r.registry.SendToDashboard(rec.WorkspaceID, out, exclude...)
	case protocol.RoleAgent:
		if rec.Channel.Realtime() {
			r.registry.SendToSession(rec.WorkspaceID, rec.SessionID, protocol.AgentMessageOut(msg), from.connID)
		} else {
			r.sendToChannel(ctx, rec, msg)
		}
		r.registry.SendToDashboard(rec.WorkspaceID, protocol.AgentMessageSent(rec.SessionID, msg), from.connID)
	default:
		r.deliverToUser(ctx, rec, msg)
	}
}

func (r *Router) transferred(ctx context.Context, from origin, rec session.SessionRecord, effect handoff.Effect) {
	info := *effect.Transfer
	if from.target != nil {
		var initial *protocol.Message
		if len(rec.History) > 0 {
			first := rec.History[0]
			initial = &first
		}
		r.registry.SendTo(from.target.ID(), protocol.PersonalTransferReceived(protocol.PersonalTransferPayload{
			SessionID:       rec.SessionID,
			InitialMessage:  initial,
			FullHistory:     rec.History,
			TransferInfo:    info,
			TransferredFrom: info.TransferredBy,
		}))
	}
	if from.connID != "" {
		r.registry.SendTo(from.connID, protocol.TransferSuccess(rec.SessionID, "chat transferred"))
		r.registry.LeaveSession(from.connID, rec.WorkspaceID, rec.SessionID)
	}
	r.notify(ctx, protocol.LifecycleSessionTransferred, rec, func(ev *protocol.LifecycleEvent) {
		ev.Transfer = &info
	})
}

// respond asks the responder about a user message on a bot-owned session and
// commits its answer as a follow-up transition.
func (r *Router) respond(ctx context.Context, from origin, rec session.SessionRecord, msg *protocol.Message) {
	if r.responder == nil || msg == nil {
		return
	}
	logger := r.logger.WithFields(logrus.Fields{
		"workspace_id": rec.WorkspaceID,
		"session_id":   rec.SessionID,
	})
	reply, err := r.responder.GenerateReply(ctx, responder.Request{
		WorkspaceID: rec.WorkspaceID,
		SessionID:   rec.SessionID,
		Text:        msg.Content,
		Language:    rec.Language,
		History:     rec.History,
	})
	if err != nil {
		logger.WithError(err).Warn("responder failed")
		return
	}

	var t handoff.Transition
	switch {
	case reply.Handoff:
		t, err = r.machine.RequestHandoff(&rec, handoff.HandoffInput{
			WorkspaceID: rec.WorkspaceID,
			SessionID:   rec.SessionID,
			Reason:      reply.Reason,
		})
	case reply.Text != "":
		t, err = r.machine.BotReply(rec, reply.Text)
	default:
		return
	}
	if err != nil {
		logger.WithError(err).Warn("responder outcome not applied")
		return
	}
	if err := r.commit(ctx, t); err != nil {
		r.reject(from, rec.SessionID, err)
		return
	}
	r.apply(ctx, from, t)
}

// deliverToUser shows a bot or system message to the end user: over the
// session room for realtime channels, through the channel sender otherwise.
func (r *Router) deliverToUser(ctx context.Context, rec session.SessionRecord, msg protocol.Message) {
	if rec.Channel.Realtime() {
		r.registry.SendToSession(rec.WorkspaceID, rec.SessionID, protocol.AgentMessageOut(msg))
		return
	}
	r.sendToChannel(ctx, rec, msg)
}

func (r *Router) sendToChannel(ctx context.Context, rec session.SessionRecord, msg protocol.Message) {
	if r.sender == nil {
		r.logger.WithFields(logrus.Fields{
			"session_id": rec.SessionID,
			"channel":    rec.Channel,
		}).Warn("no channel sender configured, message not delivered")
		r.metrics.DeliveryFailure(string(rec.Channel))
		return
	}
	err := r.sender.Send(ctx, channels.Message{
		WorkspaceID:    rec.WorkspaceID,
		Channel:        rec.Channel,
		UserIdentifier: rec.UserIdentifier,
		Text:           msg.Content,
	})
	if err != nil {
		r.metrics.DeliveryFailure(string(rec.Channel))
		r.logger.WithFields(logrus.Fields{
			"workspace_id": rec.WorkspaceID,
			"session_id":   rec.SessionID,
			"channel":      rec.Channel,
			"message_id":   msg.ID,
		}).WithError(err).Warn("channel delivery failed")
	}
}

func (r *Router) notify(ctx context.Context, typ protocol.LifecycleType, rec session.SessionRecord, fill func(*protocol.LifecycleEvent)) {
	if r.notifier == nil {
		return
	}
	ev := protocol.LifecycleEvent{
		EventID:        r.newEventID(),
		Type:           typ,
		OccurredAt:     r.now(),
		WorkspaceID:    rec.WorkspaceID,
		SessionID:      rec.SessionID,
		Channel:        rec.Channel,
		UserIdentifier: rec.UserIdentifier,
		Status:         rec.Status,
		AgentID:        rec.AssignedAgentID,
		AgentName:      rec.AssignedAgentName,
		ContactName:    rec.ContactName,
		ContactEmail:   rec.ContactEmail,
	}
	if fill != nil {
		fill(&ev)
	}
	r.notifier.Dispatch(context.WithoutCancel(ctx), ev)
}

func lastUserContent(history []protocol.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == protocol.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
