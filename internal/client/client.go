package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

const ioTimeout = 10 * time.Second

// Config selects the server and the identity a connection presents.
type Config struct {
	ServerURL   string
	Role        protocol.ConnectionRole
	WorkspaceID string
	AgentID     string
	AgentName   string
}

func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil || u.Host == "" {
		return fmt.Errorf("server url %q is invalid", c.ServerURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server url %q must be http(s) or ws(s)", c.ServerURL)
	}
	if _, err := protocol.ParseConnectionRole(string(c.Role)); err != nil {
		return err
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	return nil
}

// wsURL turns the server base url into the realtime endpoint with the
// connection's identity in the query string.
func (c Config) wsURL() string {
	u, _ := url.Parse(strings.TrimSpace(c.ServerURL))
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	q := url.Values{}
	q.Set("role", string(c.Role))
	q.Set("workspaceId", c.WorkspaceID)
	if c.AgentID != "" {
		q.Set("agentId", c.AgentID)
	}
	if c.AgentName != "" {
		q.Set("agentName", c.AgentName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Client is a realtime connection to the handoff server. Incoming frames are
// delivered on Events until the connection closes.
type Client struct {
	cfg Config

	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	events chan protocol.Envelope
	errs   chan error
	done   chan struct{}
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		events: make(chan protocol.Envelope, 64),
		errs:   make(chan error, 16),
		done:   make(chan struct{}),
	}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: ioTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial handoff websocket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop()
	return nil
}

func (c *Client) Events() <-chan protocol.Envelope {
	return c.events
}

func (c *Client) Errors() <-chan error {
	return c.errs
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// JoinDashboard subscribes the connection to the workspace's agent
// dashboard. The server answers with a dashboard_snapshot.
func (c *Client) JoinDashboard(ctx context.Context) error {
	return c.Send(ctx, protocol.JoinAgentDashboard{
		WorkspaceID: c.cfg.WorkspaceID,
		AgentID:     c.cfg.AgentID,
		AgentName:   c.cfg.AgentName,
	})
}

func (c *Client) Send(ctx context.Context, event protocol.Inbound) error {
	if err := event.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.EventName(), err)
	}

	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()
	if conn == nil || closed {
		return fmt.Errorf("client is not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(ioTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(protocol.Envelope{Event: event.EventName(), Data: data}); err != nil {
		return fmt.Errorf("write %s: %w", event.EventName(), err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
		_ = conn.Close()
	}
	close(c.done)
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		c.mu.RLock()
		conn := c.conn
		closed := c.closed
		c.mu.RUnlock()
		if conn == nil || closed {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.pushErr(fmt.Errorf("read websocket message: %w", err))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.pushErr(fmt.Errorf("decode event: %w", err))
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) pushErr(err error) {
	select {
	case c.errs <- err:
	default:
	}
}
