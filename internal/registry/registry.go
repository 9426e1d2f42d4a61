package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Conn is a live connection that can receive outbound events. Send must not
// block on the network; transports queue and drop slow consumers themselves.
type Conn interface {
	ID() string
	Send(protocol.Outbound) error
}

type ConnInfo struct {
	ID          string
	Role        protocol.ConnectionRole
	WorkspaceID string
	AgentID     string
	AgentName   string
	Dashboard   bool
	Sessions    []string
}

type roomKey struct {
	workspaceID string
	sessionID   string
}

type agentKey struct {
	workspaceID string
	agentID     string
}

type entry struct {
	conn  Conn
	info  ConnInfo
	rooms map[roomKey]struct{}
	seq   uint64
}

// Registry tracks which connections exist, which rooms they sit in and which
// agent they belong to. It never touches session state.
type Registry struct {
	logger logrus.FieldLogger

	mu         sync.RWMutex
	seq        uint64
	conns      map[string]*entry
	dashboards map[string]map[string]struct{}
	rooms      map[roomKey]map[string]struct{}
	agents     map[agentKey]map[string]struct{}
}

func New(logger logrus.FieldLogger) *Registry {
	return &Registry{
		logger:     logger,
		conns:      make(map[string]*entry),
		dashboards: make(map[string]map[string]struct{}),
		rooms:      make(map[roomKey]map[string]struct{}),
		agents:     make(map[agentKey]map[string]struct{}),
	}
}

// Register adds a connection with its role and workspace scope.
func (r *Registry) Register(conn Conn, role protocol.ConnectionRole, workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.conns[conn.ID()] = &entry{
		conn:  conn,
		info:  ConnInfo{ID: conn.ID(), Role: role, WorkspaceID: workspaceID},
		rooms: make(map[roomKey]struct{}),
		seq:   r.seq,
	}
}

// RegisterAgent binds an agent identity to the connection so transfers can
// find it.
func (r *Registry) RegisterAgent(connID, workspaceID, agentID, agentName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if e.info.AgentID != "" {
		r.removeAgentLocked(e)
	}
	e.info.WorkspaceID = workspaceID
	if agentName != "" {
		e.info.AgentName = agentName
	}
	if agentID == "" {
		return nil
	}
	e.info.AgentID = agentID
	r.seq++
	e.seq = r.seq
	key := agentKey{workspaceID: workspaceID, agentID: agentID}
	set, ok := r.agents[key]
	if !ok {
		set = make(map[string]struct{})
		r.agents[key] = set
	}
	set[connID] = struct{}{}
	return nil
}

func (r *Registry) JoinDashboard(connID, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if e.info.Dashboard && e.info.WorkspaceID != workspaceID {
		delete(r.dashboards[e.info.WorkspaceID], connID)
	}
	e.info.WorkspaceID = workspaceID
	e.info.Dashboard = true
	set, ok := r.dashboards[workspaceID]
	if !ok {
		set = make(map[string]struct{})
		r.dashboards[workspaceID] = set
	}
	set[connID] = struct{}{}
	return nil
}

func (r *Registry) JoinSession(connID, workspaceID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	key := roomKey{workspaceID: workspaceID, sessionID: sessionID}
	set, ok := r.rooms[key]
	if !ok {
		set = make(map[string]struct{})
		r.rooms[key] = set
	}
	set[connID] = struct{}{}
	e.rooms[key] = struct{}{}
	return nil
}

func (r *Registry) LeaveSession(connID, workspaceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := roomKey{workspaceID: workspaceID, sessionID: sessionID}
	if e, ok := r.conns[connID]; ok {
		delete(e.rooms, key)
	}
	r.leaveRoomLocked(connID, key)
}

// FindAgentConnection returns the agent's most recently registered
// connection in the workspace.
func (r *Registry) FindAgentConnection(workspaceID, agentID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *entry
	for connID := range r.agents[agentKey{workspaceID: workspaceID, agentID: agentID}] {
		e, ok := r.conns[connID]
		if !ok {
			continue
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	return best.conn, true
}

// OnDisconnect drops every membership the connection had. Session ownership
// is untouched.
func (r *Registry) OnDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	for key := range e.rooms {
		r.leaveRoomLocked(connID, key)
	}
	if e.info.Dashboard {
		if set := r.dashboards[e.info.WorkspaceID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.dashboards, e.info.WorkspaceID)
			}
		}
	}
	if e.info.AgentID != "" {
		r.removeAgentLocked(e)
	}
	delete(r.conns, connID)
}

func (r *Registry) Info(connID string) (ConnInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return ConnInfo{}, false
	}
	info := e.info
	info.Sessions = make([]string, 0, len(e.rooms))
	for key := range e.rooms {
		info.Sessions = append(info.Sessions, key.sessionID)
	}
	sort.Strings(info.Sessions)
	return info, true
}

func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) SessionMembers(workspaceID, sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.rooms[roomKey{workspaceID: workspaceID, sessionID: sessionID}])
}

func (r *Registry) DashboardMembers(workspaceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.dashboards[workspaceID])
}

// SendTo delivers to a single connection.
func (r *Registry) SendTo(connID string, out protocol.Outbound) bool {
	r.mu.RLock()
	e, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.send(e.conn, out)
}

// SendToSession delivers to every connection in the session room except the
// excluded ids. It returns how many connections accepted the event.
func (r *Registry) SendToSession(workspaceID, sessionID string, out protocol.Outbound, exclude ...string) int {
	r.mu.RLock()
	targets := r.collectLocked(r.rooms[roomKey{workspaceID: workspaceID, sessionID: sessionID}], exclude)
	r.mu.RUnlock()
	return r.sendAll(targets, out)
}

func (r *Registry) SendToDashboard(workspaceID string, out protocol.Outbound, exclude ...string) int {
	r.mu.RLock()
	targets := r.collectLocked(r.dashboards[workspaceID], exclude)
	r.mu.RUnlock()
	return r.sendAll(targets, out)
}

func (r *Registry) collectLocked(set map[string]struct{}, exclude []string) []Conn {
	targets := make([]Conn, 0, len(set))
	for _, connID := range sortedIDs(set) {
		if contains(exclude, connID) {
			continue
		}
		if e, ok := r.conns[connID]; ok {
			targets = append(targets, e.conn)
		}
	}
	return targets
}

func (r *Registry) sendAll(targets []Conn, out protocol.Outbound) int {
	delivered := 0
	for _, conn := range targets {
		if r.send(conn, out) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) send(conn Conn, out protocol.Outbound) bool {
	if err := conn.Send(out); err != nil {
		r.logger.WithFields(logrus.Fields{
			"connection_id": conn.ID(),
			"event":         out.Event,
		}).WithError(err).Warn("outbound delivery failed")
		return false
	}
	return true
}

func (r *Registry) leaveRoomLocked(connID string, key roomKey) {
	set, ok := r.rooms[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.rooms, key)
	}
}

func (r *Registry) removeAgentLocked(e *entry) {
	key := agentKey{workspaceID: e.info.WorkspaceID, agentID: e.info.AgentID}
	if set, ok := r.agents[key]; ok {
		delete(set, e.info.ID)
		if len(set) == 0 {
			delete(r.agents, key)
		}
	}
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func contains(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}
