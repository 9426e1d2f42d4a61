package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/config"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/session"
)

// isolate points the config loader at an empty home and working directory
// and a sqlite file under t.TempDir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv(config.EnvConfigFile, "")
	os.Unsetenv(config.EnvConfigFile)
	originalWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("get cwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(originalWD) })
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	dsn := filepath.Join(dir, "data", "handoff.db")
	t.Setenv(config.EnvDBDriver, "sqlite")
	t.Setenv(config.EnvDBDSN, dsn)
	return dsn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd("test")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommandLayout(t *testing.T) {
	root := newRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Fatalf("unexpected version %q", root.Version)
	}
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "session", "migrate", "watch"} {
		if !names[want] {
			t.Fatalf("expected subcommand %q", want)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("expected --config persistent flag")
	}
}

func TestMigrateAndShowSession(t *testing.T) {
	dsn := isolate(t)

	out, err := run(t, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "migrated sqlite store") {
		t.Fatalf("unexpected migrate output %q", out)
	}

	store, err := session.NewGormStore("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := session.SessionRecord{
		WorkspaceID:     "ws_1",
		SessionID:       "s1",
		Status:          protocol.StatusInProgress,
		Channel:         protocol.ChannelWeb,
		UserIdentifier:  "u1",
		AssignedAgentID: "a1",
		History: []protocol.Message{
			{ID: "user-1", Role: protocol.RoleUser, Content: "hola", Timestamp: at},
		},
		Version:   3,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err = run(t, "session", "show", "ws_1", "s1")
	if err != nil {
		t.Fatalf("session show: %v", err)
	}
	var got session.SessionRecord
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if got.AssignedAgentID != "a1" || got.Version != 3 || len(got.History) != 1 {
		t.Fatalf("unexpected session %+v", got)
	}

	if _, err := run(t, "session", "show", "ws_1", "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestInvalidConfigFailsBeforeRunning(t *testing.T) {
	isolate(t)
	t.Setenv(config.EnvDBDriver, "mysql")

	_, err := run(t, "migrate")
	if err == nil || !strings.Contains(err.Error(), config.EnvDBDriver) {
		t.Fatalf("expected invalid driver error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("debug", "json", &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("unexpected level %s", logger.GetLevel())
	}
	logger.WithField("session_id", "s1").Debug("hello")
	if !strings.Contains(buf.String(), `"session_id":"s1"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}

	if _, err := newLogger("loud", "text", &buf); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestWebhookSubscriberName(t *testing.T) {
	if got := webhookSubscriberName(0, "https://hooks.example/notify"); got != "hooks.example" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := webhookSubscriberName(1, "::bad"); got != "webhook-2" {
		t.Fatalf("unexpected fallback name %q", got)
	}
}

type fakeDashboard struct {
	events chan protocol.Envelope
	errs   chan error
	done   chan struct{}
	joined bool
}

func (f *fakeDashboard) Connect(context.Context) error { return nil }
func (f *fakeDashboard) JoinDashboard(context.Context) error {
	f.joined = true
	return nil
}
func (f *fakeDashboard) Events() <-chan protocol.Envelope { return f.events }
func (f *fakeDashboard) Errors() <-chan error             { return f.errs }
func (f *fakeDashboard) Done() <-chan struct{}            { return f.done }
func (f *fakeDashboard) Close() error                     { return nil }

func TestWatchPrintsEventsUntilServerHangsUp(t *testing.T) {
	f := &fakeDashboard{
		events: make(chan protocol.Envelope, 2),
		errs:   make(chan error),
		done:   make(chan struct{}),
	}
	f.events <- protocol.Envelope{Event: protocol.OutChatTaken, Data: []byte(`{"sessionId":"s1"}`)}

	var buf bytes.Buffer
	errCh := make(chan error, 1)
	go func() { errCh <- watch(context.Background(), f, &buf) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.events) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.done)

	if err := <-errCh; err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !f.joined {
		t.Fatalf("expected dashboard join")
	}
	if got := buf.String(); got != "chat_taken {\"sessionId\":\"s1\"}\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestLocalServerURL(t *testing.T) {
	if got := localServerURL(":8090"); got != "http://localhost:8090" {
		t.Fatalf("unexpected url %q", got)
	}
	if got := localServerURL("10.0.0.2:80"); got != "http://10.0.0.2:80" {
		t.Fatalf("unexpected url %q", got)
	}
}
