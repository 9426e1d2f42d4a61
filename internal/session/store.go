package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrStaleWrite = errors.New("stale write")
)

// Store is the durable session record store. Save is an idempotent upsert
// keyed by (workspace, session) that refuses to move a record backwards.
type Store interface {
	Get(ctx context.Context, workspaceID, sessionID string) (SessionRecord, error)
	Save(ctx context.Context, rec SessionRecord) error
	Update(ctx context.Context, workspaceID, sessionID string, patch SessionPatch) error
	Close() error
}

func sessionKey(workspaceID, sessionID string) string {
	return workspaceID + ":" + sessionID
}

func validateSessionKeyFields(workspaceID, sessionID string) error {
	if strings.TrimSpace(workspaceID) == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

func applyPatch(rec SessionRecord, patch SessionPatch) SessionRecord {
	out := rec.Clone()
	out.Version = patch.Version
	if patch.Status != nil {
		out.Status = *patch.Status
	}
	if patch.AssignedAgentID != nil {
		out.AssignedAgentID = *patch.AssignedAgentID
	}
	if patch.EndedAt != nil {
		ended := *patch.EndedAt
		out.EndedAt = &ended
	}
	if !patch.UpdatedAt.IsZero() {
		out.UpdatedAt = patch.UpdatedAt
	}
	return out
}
