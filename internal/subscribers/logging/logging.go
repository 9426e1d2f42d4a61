package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

type Subscriber struct {
	logger logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Subscriber {
	return &Subscriber{logger: logger}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, event protocol.LifecycleEvent) error {
	fields := logrus.Fields{
		"event_id":     event.EventID,
		"type":         event.Type,
		"workspace_id": event.WorkspaceID,
		"session_id":   event.SessionID,
		"channel":      event.Channel,
		"status":       event.Status,
	}
	if event.AgentID != "" {
		fields["agent_id"] = event.AgentID
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	if event.ClosedBy != "" {
		fields["closed_by"] = event.ClosedBy
	}
	if event.Transfer != nil {
		fields["transferred_from"] = event.Transfer.TransferredFrom
		fields["transferred_to"] = event.Transfer.TransferredTo
	}
	s.logger.WithFields(fields).Info("session lifecycle")
	return nil
}
