package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/subscribers"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 1 << 20
)

type Option func(*Subscriber)

// Subscriber posts lifecycle events as JSON to an external notifier, such as
// the service that emails agents about new handoff requests.
type Subscriber struct {
	name       string
	URL        string
	httpClient *http.Client
	logger     logrus.FieldLogger
	filter     func(protocol.LifecycleType) bool
	headers    http.Header
}

func New(name string, url string, logger logrus.FieldLogger, opts ...Option) *Subscriber {
	sub := &Subscriber{
		name:       strings.TrimSpace(name),
		URL:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     logger,
		headers:    make(http.Header),
	}
	if sub.name == "" {
		sub.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	return sub
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Subscriber) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithTypes forwards only the listed lifecycle types. An empty list forwards
// everything.
func WithTypes(types ...protocol.LifecycleType) Option {
	return func(s *Subscriber) {
		if len(types) == 0 {
			s.filter = nil
			return
		}
		allowed := make(map[protocol.LifecycleType]struct{}, len(types))
		for _, t := range types {
			allowed[t] = struct{}{}
		}
		s.filter = func(t protocol.LifecycleType) bool {
			_, ok := allowed[t]
			return ok
		}
	}
}

func WithBearerToken(token string) Option {
	return func(s *Subscriber) {
		if strings.TrimSpace(token) != "" {
			s.headers.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
	}
}

func (s *Subscriber) Name() string {
	return s.name
}

// Handle posts one lifecycle event. Receivers deduplicate on the
// Idempotency-Key header since a retried delivery reuses the event id.
func (s *Subscriber) Handle(ctx context.Context, event protocol.LifecycleEvent) error {
	if s.filter != nil && !s.filter(event.Type) {
		return nil
	}

	req, err := s.newRequest(ctx, event)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		s.logger.WithFields(logrus.Fields{
			"subscriber":   s.name,
			"type":         event.Type,
			"event_id":     event.EventID,
			"workspace_id": event.WorkspaceID,
			"session_id":   event.SessionID,
		}).Debug("webhook delivered")
		return nil
	}
	return statusError(resp)
}

func (s *Subscriber) newRequest(ctx context.Context, event protocol.LifecycleEvent) (*http.Request, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.EventID)
	req.Header.Set("X-Handoff-Event", string(event.Type))
	req.Header.Set("X-Handoff-Workspace", event.WorkspaceID)
	return req, nil
}

// statusError reads a bounded slice of the response body into the error.
// Client errors other than 408 and 429 wrap subscribers.ErrRejected: the
// receiver will refuse the same payload again.
func statusError(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodyBytes+1)
	errorBody, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("webhook status=%d read body: %w", resp.StatusCode, err)
	}
	truncated := ""
	if len(errorBody) > maxErrorBodyBytes {
		errorBody = errorBody[:maxErrorBodyBytes]
		truncated = " (truncated)"
	}
	err = fmt.Errorf("webhook status=%d body=%q%s", resp.StatusCode, string(errorBody), truncated)
	if rejected(resp.StatusCode) {
		return fmt.Errorf("%w: %w", subscribers.ErrRejected, err)
	}
	return err
}

func rejected(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}
