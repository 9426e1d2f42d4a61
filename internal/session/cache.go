package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultEvictionDelay = 60 * time.Second

var ErrNotCached = errors.New("session not cached")

// HydrationError reports a durable store failure while loading a cache miss.
// It is never returned for a session that simply does not exist.
type HydrationError struct {
	WorkspaceID string
	SessionID   string
	Err         error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydrate session %s/%s: %v", e.WorkspaceID, e.SessionID, e.Err)
}

func (e *HydrationError) Unwrap() error {
	return e.Err
}

type Timer interface {
	Stop() bool
}

// TimerFunc schedules fn after d. time.AfterFunc satisfies it once wrapped.
type TimerFunc func(d time.Duration, fn func()) Timer

func realTimer(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type CacheOption func(*Cache)

func WithEvictionDelay(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.evictionDelay = d
		}
	}
}

func WithTimerFunc(fn TimerFunc) CacheOption {
	return func(c *Cache) {
		if fn != nil {
			c.afterFunc = fn
		}
	}
}

// Cache holds live sessions keyed by workspace then session id. It hydrates
// misses from the durable store. A write to a key cancels its pending
// eviction; reads do not.
type Cache struct {
	store         Store
	logger        logrus.FieldLogger
	evictionDelay time.Duration
	afterFunc     TimerFunc

	mu         sync.Mutex
	workspaces map[string]map[string]*cacheEntry
}

type cacheEntry struct {
	rec   SessionRecord
	timer Timer
	// gen is bumped whenever a pending eviction is cancelled so a timer that
	// already fired cannot remove a fresher entry.
	gen uint64
}

func NewCache(store Store, logger logrus.FieldLogger, opts ...CacheOption) *Cache {
	c := &Cache{
		store:         store,
		logger:        logger,
		evictionDelay: DefaultEvictionDelay,
		afterFunc:     realTimer,
		workspaces:    make(map[string]map[string]*cacheEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Cache) EvictionDelay() time.Duration {
	return c.evictionDelay
}

func (c *Cache) Get(workspaceID, sessionID string) (SessionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(workspaceID, sessionID)
	if !ok {
		return SessionRecord{}, false
	}
	return entry.rec.Clone(), true
}

// GetOrHydrate returns the cached record, loading it from the store on a miss.
// A store miss yields ErrNotFound; any other store failure a *HydrationError.
func (c *Cache) GetOrHydrate(ctx context.Context, workspaceID, sessionID string) (SessionRecord, error) {
	if rec, ok := c.Get(workspaceID, sessionID); ok {
		return rec, nil
	}

	rec, err := c.store.Get(ctx, workspaceID, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, &HydrationError{WorkspaceID: workspaceID, SessionID: sessionID, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entryLocked(workspaceID, sessionID); ok {
		return entry.rec.Clone(), nil
	}
	entry := &cacheEntry{rec: rec.Clone()}
	c.setLocked(workspaceID, sessionID, entry)
	if !rec.Active() && rec.EndedAt != nil {
		// hydrated for a trailing read only
		c.scheduleLocked(workspaceID, sessionID, entry, c.evictionDelay)
	}
	return rec, nil
}

func (c *Cache) Put(workspaceID, sessionID string, rec SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entryLocked(workspaceID, sessionID); ok {
		c.cancelLocked(entry)
		entry.rec = rec.Clone()
		return
	}
	c.setLocked(workspaceID, sessionID, &cacheEntry{rec: rec.Clone()})
}

// Mutate applies fn to the cached record in place. The record must already
// be cached; callers hydrate first.
func (c *Cache) Mutate(workspaceID, sessionID string, fn func(*SessionRecord) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(workspaceID, sessionID)
	if !ok {
		return ErrNotCached
	}
	next := entry.rec.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	c.cancelLocked(entry)
	entry.rec = next
	return nil
}

func (c *Cache) EvictAfter(workspaceID, sessionID string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(workspaceID, sessionID)
	if !ok {
		return
	}
	c.cancelLocked(entry)
	c.scheduleLocked(workspaceID, sessionID, entry, delay)
}

// ActiveSessions lists the workspace's pending and in-progress sessions,
// most recently updated first.
func (c *Cache) ActiveSessions(workspaceID string) []SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessions := c.workspaces[workspaceID]
	out := make([]SessionRecord, 0, len(sessions))
	for _, entry := range sessions {
		if entry.rec.Active() {
			out = append(out, entry.rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Snapshot returns every cached record across workspaces.
func (c *Cache) Snapshot() []SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SessionRecord
	for _, sessions := range c.workspaces {
		for _, entry := range sessions {
			out = append(out, entry.rec.Clone())
		}
	}
	return out
}

// Remove drops an entry immediately, cancelling any pending eviction.
func (c *Cache) Remove(workspaceID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(workspaceID, sessionID)
	if !ok {
		return
	}
	c.cancelLocked(entry)
	delete(c.workspaces[workspaceID], sessionID)
	if len(c.workspaces[workspaceID]) == 0 {
		delete(c.workspaces, workspaceID)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sessions := range c.workspaces {
		n += len(sessions)
	}
	return n
}

func (c *Cache) entryLocked(workspaceID, sessionID string) (*cacheEntry, bool) {
	sessions, ok := c.workspaces[workspaceID]
	if !ok {
		return nil, false
	}
	entry, ok := sessions[sessionID]
	return entry, ok
}

func (c *Cache) setLocked(workspaceID, sessionID string, entry *cacheEntry) {
	sessions, ok := c.workspaces[workspaceID]
	if !ok {
		sessions = make(map[string]*cacheEntry)
		c.workspaces[workspaceID] = sessions
	}
	sessions[sessionID] = entry
}

func (c *Cache) cancelLocked(entry *cacheEntry) {
	if entry.timer == nil {
		return
	}
	entry.timer.Stop()
	entry.timer = nil
	entry.gen++
}

func (c *Cache) scheduleLocked(workspaceID, sessionID string, entry *cacheEntry, delay time.Duration) {
	gen := entry.gen
	entry.timer = c.afterFunc(delay, func() {
		c.evict(workspaceID, sessionID, entry, gen)
	})
}

func (c *Cache) evict(workspaceID, sessionID string, entry *cacheEntry, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.entryLocked(workspaceID, sessionID)
	if !ok || current != entry || current.gen != gen {
		return
	}
	delete(c.workspaces[workspaceID], sessionID)
	if len(c.workspaces[workspaceID]) == 0 {
		delete(c.workspaces, workspaceID)
	}
	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"workspace_id": workspaceID,
			"session_id":   sessionID,
		}).Debug("session evicted from cache")
	}
}
