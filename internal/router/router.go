package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/channels"
	"crabstack.local/projects/crab-handoff/internal/handoff"
	"crabstack.local/projects/crab-handoff/internal/metrics"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/registry"
	"crabstack.local/projects/crab-handoff/internal/responder"
	"crabstack.local/projects/crab-handoff/internal/session"
)

// Notifier receives lifecycle events. dispatch.Dispatcher implements it.
type Notifier interface {
	Dispatch(ctx context.Context, event protocol.LifecycleEvent)
}

type BotConfigFunc func(workspaceID string) protocol.BotConfig

// Router is the only caller of the state machine. It validates inbound
// events, serializes them per session, persists each transition before
// committing it to the cache and then delivers the outbound events.
type Router struct {
	logger    logrus.FieldLogger
	cache     *session.Cache
	store     session.Store
	registry  *registry.Registry
	machine   *handoff.Machine
	scheduler *session.Scheduler

	responder     responder.Responder
	sender        channels.Sender
	notifier      Notifier
	botConfig     BotConfigFunc
	metrics       *metrics.Metrics
	evictionDelay time.Duration
	queueSize     int
	newEventID    func() string
	now           func() time.Time
}

type Option func(*Router)

func WithResponder(r responder.Responder) Option {
	return func(rt *Router) { rt.responder = r }
}

func WithSender(s channels.Sender) Option {
	return func(rt *Router) { rt.sender = s }
}

func WithNotifier(n Notifier) Option {
	return func(rt *Router) { rt.notifier = n }
}

func WithBotConfig(fn BotConfigFunc) Option {
	return func(rt *Router) {
		if fn != nil {
			rt.botConfig = fn
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

func WithEvictionDelay(d time.Duration) Option {
	return func(rt *Router) {
		if d > 0 {
			rt.evictionDelay = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(rt *Router) { rt.queueSize = n }
}

func WithEventIDFunc(fn func() string) Option {
	return func(rt *Router) {
		if fn != nil {
			rt.newEventID = fn
		}
	}
}

func New(logger logrus.FieldLogger, cache *session.Cache, store session.Store, reg *registry.Registry, machine *handoff.Machine, opts ...Option) *Router {
	r := &Router{
		logger:        logger,
		cache:         cache,
		store:         store,
		registry:      reg,
		machine:       machine,
		botConfig:     func(string) protocol.BotConfig { return protocol.BotConfig{} },
		evictionDelay: cache.EvictionDelay(),
		queueSize:     256,
		newEventID:    defaultEventID,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.scheduler = session.NewScheduler(logger, r.queueSize)
	return r
}

// Handle accepts one inbound event from a connection. Session events are
// queued behind earlier events for the same session and processed
// asynchronously; failures are reported to the connection, not returned.
// The returned error only reports events that could not be accepted.
func (r *Router) Handle(ctx context.Context, connID string, event protocol.Inbound) error {
	_, err := r.submit(ctx, connID, event)
	return err
}

// HandleWait is Handle that waits for the event to be fully processed and
// returns the processing outcome. Used by the HTTP bridge and the sweeper.
func (r *Router) HandleWait(ctx context.Context, connID string, event protocol.Inbound) error {
	done, err := r.submit(ctx, connID, event)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect forgets a connection. Session ownership is never touched.
func (r *Router) Disconnect(connID string) {
	r.registry.OnDisconnect(connID)
}

// Wait blocks until all queued session work has drained.
func (r *Router) Wait() {
	r.scheduler.Wait()
}

func (r *Router) submit(ctx context.Context, connID string, event protocol.Inbound) (<-chan error, error) {
	if event == nil {
		return nil, protocol.ErrUnknownEvent
	}
	name := event.EventName()
	if err := event.Validate(); err != nil {
		r.metrics.InboundEvent(string(name), "invalid")
		r.logger.WithFields(logrus.Fields{
			"event":         name,
			"connection_id": connID,
		}).WithError(err).Debug("dropping invalid event")
		return nil, err
	}
	if err := r.authorize(connID, name); err != nil {
		r.metrics.InboundEvent(string(name), "forbidden")
		r.fail(connID, name, sessionIDOf(event), err)
		return nil, err
	}

	switch ev := event.(type) {
	case protocol.JoinAgentDashboard:
		err := r.joinDashboard(connID, ev)
		r.metrics.InboundEvent(string(name), resultLabel(err))
		return closedWith(err), err
	case protocol.JoinSession:
		err := r.joinSession(connID, ev)
		r.metrics.InboundEvent(string(name), resultLabel(err))
		return closedWith(err), err
	case protocol.SessionEvent:
		workspaceID, sessionID := ev.SessionKey()
		done := make(chan error, 1)
		err := r.scheduler.Enqueue(session.SessionQueueKey(workspaceID, sessionID), func(jobCtx context.Context) {
			defer func() {
				if p := recover(); p != nil {
					done <- fmt.Errorf("handle %s: panic: %v", name, p)
					panic(p)
				}
			}()
			started := time.Now()
			err := r.process(jobCtx, connID, ev)
			r.metrics.ObserveEvent(string(name), started)
			r.metrics.InboundEvent(string(name), resultLabel(err))
			done <- err
		})
		if err != nil {
			r.metrics.InboundEvent(string(name), "queue_full")
			r.fail(connID, name, sessionID, err)
			return nil, err
		}
		return done, nil
	default:
		return nil, fmt.Errorf("%w %q", protocol.ErrUnknownEvent, name)
	}
}

// authorize rejects agent events from connections that did not open with the
// agent role. Bridge and sweeper calls carry no connection.
func (r *Router) authorize(connID string, name protocol.EventName) error {
	if connID == "" || !agentOnly(name) {
		return nil
	}
	info, ok := r.registry.Info(connID)
	if !ok || info.Role != protocol.ConnectionRoleAgent {
		return ErrAgentOnly
	}
	return nil
}

func agentOnly(name protocol.EventName) bool {
	switch name {
	case protocol.EventJoinAgentDashboard, protocol.EventAgentJoined, protocol.EventAgentMessage,
		protocol.EventTransferChat, protocol.EventCloseChat:
		return true
	default:
		return false
	}
}

func sessionIDOf(event protocol.Inbound) string {
	if ev, ok := event.(protocol.SessionEvent); ok {
		_, sessionID := ev.SessionKey()
		return sessionID
	}
	return ""
}

func (r *Router) process(ctx context.Context, connID string, event protocol.SessionEvent) error {
	switch ev := event.(type) {
	case protocol.UserMessage:
		return r.userMessage(ctx, connID, ev)
	case protocol.NewHandoffRequest:
		return r.handoffRequest(ctx, connID, ev)
	case protocol.AgentJoined:
		return r.agentJoined(ctx, connID, ev)
	case protocol.AgentMessage:
		return r.agentMessage(ctx, connID, ev)
	case protocol.TransferChat:
		return r.transferChat(ctx, connID, ev)
	case protocol.CloseChat:
		return r.closeChat(ctx, connID, ev)
	default:
		return fmt.Errorf("%w %q", protocol.ErrUnknownEvent, event.EventName())
	}
}

func (r *Router) joinDashboard(connID string, ev protocol.JoinAgentDashboard) error {
	if ev.AgentID != "" {
		if err := r.registry.RegisterAgent(connID, ev.WorkspaceID, ev.AgentID, ev.AgentName); err != nil {
			return err
		}
	}
	if err := r.registry.JoinDashboard(connID, ev.WorkspaceID); err != nil {
		return err
	}
	active := r.cache.ActiveSessions(ev.WorkspaceID)
	summaries := make([]protocol.SessionSummary, 0, len(active))
	for _, rec := range active {
		summaries = append(summaries, rec.Summary())
	}
	r.registry.SendTo(connID, protocol.DashboardSnapshot(ev.WorkspaceID, summaries))
	return nil
}

func (r *Router) joinSession(connID string, ev protocol.JoinSession) error {
	workspaceID := ev.WorkspaceID
	if workspaceID == "" {
		if info, ok := r.registry.Info(connID); ok {
			workspaceID = info.WorkspaceID
		}
	}
	if workspaceID == "" {
		return &protocol.ValidationError{Event: protocol.EventJoinSession, Field: "workspaceId"}
	}
	return r.registry.JoinSession(connID, workspaceID, ev.SessionID)
}

// load returns the session or nil when neither the cache nor the store knows
// it. Store failures are returned as errors, never as a missing session.
func (r *Router) load(ctx context.Context, workspaceID, sessionID string) (*session.SessionRecord, error) {
	rec, err := r.cache.GetOrHydrate(ctx, workspaceID, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Router) mustLoad(ctx context.Context, workspaceID, sessionID string) (session.SessionRecord, error) {
	rec, err := r.load(ctx, workspaceID, sessionID)
	if err != nil {
		return session.SessionRecord{}, err
	}
	if rec == nil {
		return session.SessionRecord{}, session.ErrNotFound
	}
	return *rec, nil
}

// agentFor resolves the acting agent. A connection bound to an agent id acts
// only as that agent; an unbound one uses the id in the payload. It returns
// "" when neither names one, which never matches an owner.
func (r *Router) agentFor(connID, agentID, agentName string) (string, string) {
	info, ok := r.registry.Info(connID)
	if !ok || info.AgentID == "" {
		return agentID, agentName
	}
	if agentID != info.AgentID || agentName == "" {
		agentName = info.AgentName
	}
	return info.AgentID, agentName
}

func closedWith(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, handoff.ErrConflict):
		return "conflict"
	case errors.Is(err, session.ErrNotFound):
		return "not_found"
	case errors.Is(err, handoff.ErrClosed), errors.Is(err, handoff.ErrInvalidTransition),
		errors.Is(err, handoff.ErrNotOwner), errors.Is(err, handoff.ErrEmptyHistory),
		errors.Is(err, handoff.ErrSelfTransfer), errors.Is(err, handoff.ErrStillActive),
		errors.Is(err, ErrTargetUnavailable):
		return "rejected"
	case errors.Is(err, ErrAgentOnly):
		return "forbidden"
	default:
		var pe *PersistenceError
		if errors.As(err, &pe) {
			return "persist_failed"
		}
		return "error"
	}
}
