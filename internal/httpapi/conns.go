package httpapi

import (
	"context"
	"net/http"
	"sync"
)

// Server is the HTTP listener plus the websockets it has hijacked.
// http.Server.Shutdown leaves hijacked connections open, so Shutdown here
// also closes every websocket and waits for its read loop to disconnect it
// from the router.
type Server struct {
	*http.Server
	conns *connSet
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)
	if cerr := s.conns.closeAll(ctx); err == nil {
		err = cerr
	}
	return err
}

// OpenConnections reports websockets whose read loop is still running.
func (s *Server) OpenConnections() int {
	return s.conns.count()
}

type connSet struct {
	mu      sync.Mutex
	conns   map[string]*wsConn
	closing bool
	active  sync.WaitGroup
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[string]*wsConn)}
}

// add tracks c until remove. It refuses once closeAll has started.
func (s *connSet) add(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.id] = c
	s.active.Add(1)
	return true
}

func (s *connSet) remove(c *wsConn) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if ok {
		s.active.Done()
	}
}

func (s *connSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *connSet) closeAll(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
