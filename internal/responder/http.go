package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// HTTPResponder asks a remote answer engine for a reply. The engine receives
// the Request as JSON and answers with a Reply.
type HTTPResponder struct {
	url        string
	token      string
	httpClient *http.Client
}

type HTTPOption func(*HTTPResponder)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPResponder) {
		if client != nil {
			r.httpClient = client
		}
	}
}

func WithToken(token string) HTTPOption {
	return func(r *HTTPResponder) {
		r.token = strings.TrimSpace(token)
	}
}

func NewHTTPResponder(url string, opts ...HTTPOption) *HTTPResponder {
	r := &HTTPResponder{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *HTTPResponder) GenerateReply(ctx context.Context, req Request) (Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal responder request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("build responder request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("post responder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Reply{}, fmt.Errorf("responder status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var reply Reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("decode responder reply: %w", err)
	}
	return reply, nil
}
