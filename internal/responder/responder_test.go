package responder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResponder struct {
	reply Reply
	err   error
	calls int
}

func (s *stubResponder) GenerateReply(context.Context, Request) (Reply, error) {
	s.calls++
	return s.reply, s.err
}

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestKeywordResponderDetectsHandoff(t *testing.T) {
	next := &stubResponder{reply: Reply{Text: "hi"}}
	r := NewKeywordResponder(testLogger(), nil, next, "")

	testcases := []struct {
		name    string
		text    string
		handoff bool
	}{
		{name: "english", text: "I need a HUMAN please", handoff: true},
		{name: "spanish-accent", text: "quiero hablar con un agénte", handoff: true},
		{name: "punctuation", text: "persona!", handoff: true},
		{name: "substring-only", text: "the agency called", handoff: false},
		{name: "plain", text: "what are your hours?", handoff: false},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			reply, err := r.GenerateReply(context.Background(), Request{Text: tc.text})
			require.NoError(t, err)
			assert.Equal(t, tc.handoff, reply.Handoff)
			if !tc.handoff {
				assert.Equal(t, "hi", reply.Text)
			}
		})
	}
}

func TestKeywordResponderFallback(t *testing.T) {
	r := NewKeywordResponder(testLogger(), []string{"operator"}, nil, "fallback text")
	reply, err := r.GenerateReply(context.Background(), Request{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "fallback text", reply.Text)

	failing := &stubResponder{err: errors.New("engine down")}
	r = NewKeywordResponder(testLogger(), []string{"operator"}, failing, "fallback text")
	reply, err = r.GenerateReply(context.Background(), Request{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "fallback text", reply.Text)
	assert.Equal(t, 1, failing.calls)

	empty := &stubResponder{}
	r = NewKeywordResponder(testLogger(), []string{"operator"}, empty, "fallback text")
	reply, err = r.GenerateReply(context.Background(), Request{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "fallback text", reply.Text)
}

func TestHTTPResponder(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Reply{Handoff: true, Reason: "intent"})
	}))
	defer server.Close()

	r := NewHTTPResponder(server.URL, WithToken("tok"))
	reply, err := r.GenerateReply(context.Background(), Request{WorkspaceID: "ws_1", SessionID: "s1", Text: "help", Language: "es"})
	require.NoError(t, err)
	assert.True(t, reply.Handoff)
	assert.Equal(t, "intent", reply.Reason)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "es", got.Language)
}

func TestHTTPResponderNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPResponder(server.URL).GenerateReply(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}
