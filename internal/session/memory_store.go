package session

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]SessionRecord),
	}
}

func (s *MemoryStore) Get(_ context.Context, workspaceID, sessionID string) (SessionRecord, error) {
	if err := validateSessionKeyFields(workspaceID, sessionID); err != nil {
		return SessionRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[sessionKey(workspaceID, sessionID)]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, rec SessionRecord) error {
	if err := validateSessionKeyFields(rec.WorkspaceID, rec.SessionID); err != nil {
		return err
	}
	key := sessionKey(rec.WorkspaceID, rec.SessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	if existing, ok := s.sessions[key]; ok && existing.Version > rec.Version {
		return ErrStaleWrite
	}
	s.sessions[key] = rec.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, workspaceID, sessionID string, patch SessionPatch) error {
	if err := validateSessionKeyFields(workspaceID, sessionID); err != nil {
		return err
	}
	key := sessionKey(workspaceID, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	existing, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	if existing.Version > patch.Version {
		return ErrStaleWrite
	}
	s.sessions[key] = applyPatch(existing, patch)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
