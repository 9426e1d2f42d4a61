package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/metrics"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/router"
	"crabstack.local/projects/crab-handoff/internal/session"
)

const (
	maxFrameBytes int64 = 64 << 10
	writeTimeout        = 10 * time.Second
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("connection dropped: outbound buffer full")
)

// handleWS upgrades a realtime connection. Query parameters pick the role
// (user or agent), the workspace, and optionally the agent identity.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	rawRole := strings.TrimSpace(q.Get("role"))
	if rawRole == "" {
		rawRole = string(protocol.ConnectionRoleUser)
	}
	role, err := protocol.ParseConnectionRole(rawRole)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	workspaceID := strings.TrimSpace(q.Get("workspaceId"))
	if workspaceID == "" {
		http.Error(w, "workspaceId is required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	c := newWSConn(s.newConnID(), ws, s.connBuffer, s.metrics)
	if !s.conns.add(c) {
		c.shutdown()
		return
	}
	logger := s.logger.WithFields(logrus.Fields{
		"connection_id": c.id,
		"role":          role,
		"workspace_id":  workspaceID,
	})
	s.registry.Register(c, role, workspaceID)
	if agentID := strings.TrimSpace(q.Get("agentId")); role == protocol.ConnectionRoleAgent && agentID != "" {
		_ = s.registry.RegisterAgent(c.id, workspaceID, agentID, strings.TrimSpace(q.Get("agentName")))
	}
	s.metrics.ConnectionOpened(string(role))
	logger.Debug("connection opened")

	go c.writeLoop(logger)
	defer func() {
		c.shutdown()
		s.router.Disconnect(c.id)
		s.metrics.ConnectionClosed(string(role))
		s.conns.remove(c)
		logger.Debug("connection closed")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("read failed")
			}
			return
		}
		s.receive(r, c, data)
	}
}

func (s *server) receive(r *http.Request, c *wsConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = c.Send(protocol.Error("", "", "invalid json"))
		return
	}
	event, err := protocol.DecodeEnvelope(env)
	if err != nil {
		_ = c.Send(protocol.Error(env.Event, "", err.Error()))
		return
	}
	err = s.router.Handle(r.Context(), c.id, event)
	// queue-full and role failures were already reported by the router
	if err == nil || errors.Is(err, session.ErrSessionQueueFull) || errors.Is(err, router.ErrAgentOnly) {
		return
	}
	sessionID := ""
	if ev, ok := event.(protocol.SessionEvent); ok {
		_, sessionID = ev.SessionKey()
	} else if ev, ok := event.(protocol.JoinSession); ok {
		sessionID = ev.SessionID
	}
	_ = c.Send(protocol.Error(event.EventName(), sessionID, errorText(err)))
}

// wsConn queues outbound events for a single writer goroutine. Send never
// blocks: when the queue is full the connection is closed and the read loop
// unregisters it.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	out     chan protocol.Outbound
	metrics *metrics.Metrics

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(id string, ws *websocket.Conn, buffer int, m *metrics.Metrics) *wsConn {
	return &wsConn{
		id:      id,
		ws:      ws,
		out:     make(chan protocol.Outbound, buffer),
		metrics: m,
		closed:  make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(out protocol.Outbound) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- out:
		return nil
	case <-c.closed:
		return errConnClosed
	default:
		c.metrics.SlowConnectionDropped()
		c.shutdown()
		return errSlowConsumer
	}
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop(logger logrus.FieldLogger) {
	for {
		select {
		case <-c.closed:
			return
		case out := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.shutdown()
				return
			}
			if err := c.ws.WriteJSON(out); err != nil {
				logger.WithError(err).Debug("write failed")
				c.shutdown()
				return
			}
		}
	}
}
