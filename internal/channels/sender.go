package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

var ErrNoSender = errors.New("no sender for channel")

// Config is the per-workspace account used to reach users on a channel.
type Config struct {
	AccountID string `yaml:"account_id" json:"account_id,omitempty"`
	Token     string `yaml:"token" json:"-"`
}

type Message struct {
	WorkspaceID    string
	Channel        protocol.Channel
	UserIdentifier string
	Text           string
	Config         Config
}

// Sender delivers a message to a user on a non-realtime channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mux routes each message to the sender registered for its channel.
type Mux struct {
	senders map[protocol.Channel]Sender
	configs func(workspaceID string, channel protocol.Channel) Config
}

func NewMux(configs func(workspaceID string, channel protocol.Channel) Config) *Mux {
	return &Mux{
		senders: make(map[protocol.Channel]Sender),
		configs: configs,
	}
}

func (m *Mux) Register(channel protocol.Channel, sender Sender) {
	m.senders[channel] = sender
}

func (m *Mux) Send(ctx context.Context, msg Message) error {
	sender, ok := m.senders[msg.Channel]
	if !ok {
		return fmt.Errorf("%w %q", ErrNoSender, msg.Channel)
	}
	if m.configs != nil && msg.Config == (Config{}) {
		msg.Config = m.configs(msg.WorkspaceID, msg.Channel)
	}
	return sender.Send(ctx, msg)
}

// HTTPSender posts messages to a WhatsApp-style messaging gateway. Each
// workspace gets its own token bucket so one busy tenant cannot exhaust the
// gateway quota of the others.
type HTTPSender struct {
	url        string
	token      string
	httpClient *http.Client
	logger     logrus.FieldLogger

	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type HTTPOption func(*HTTPSender)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSender) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(s *HTTPSender) {
		if perSecond > 0 {
			s.rate = rate.Limit(perSecond)
		}
		if burst > 0 {
			s.burst = burst
		}
	}
}

func NewHTTPSender(url, token string, logger logrus.FieldLogger, opts ...HTTPOption) *HTTPSender {
	s := &HTTPSender{
		url:        strings.TrimSpace(url),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		rate:       rate.Limit(20),
		burst:      20,
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type outboundPayload struct {
	WorkspaceID string `json:"workspace_id"`
	AccountID   string `json:"account_id,omitempty"`
	Channel     string `json:"channel"`
	To          string `json:"to"`
	Text        string `json:"text"`
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.UserIdentifier) == "" {
		return fmt.Errorf("send %s message: user identifier is required", msg.Channel)
	}
	if err := s.limiter(msg.WorkspaceID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(outboundPayload{
		WorkspaceID: msg.WorkspaceID,
		AccountID:   msg.Config.AccountID,
		Channel:     string(msg.Channel),
		To:          msg.UserIdentifier,
		Text:        msg.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal channel message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build channel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token := s.token
	if msg.Config.Token != "" {
		token = msg.Config.Token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post channel message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("channel gateway status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(errBody)))
}

func (s *HTTPSender) limiter(workspaceID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[workspaceID]
	if !ok {
		lim = rate.NewLimiter(s.rate, s.burst)
		s.limiters[workspaceID] = lim
	}
	return lim
}
