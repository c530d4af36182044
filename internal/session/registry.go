// Package session tracks live connections and the world each one is bound to.
package session

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"loreline/internal/domain"
	"loreline/internal/protocol"
)

var (
	ErrAlreadyDM          = errors.New("world already has a DM")
	ErrInvalidRole        = errors.New("invalid role")
	ErrPCRequired         = errors.New("player role requires a pc_id")
	ErrAlreadyJoined      = errors.New("connection already joined a world")
	ErrNotJoined          = errors.New("connection has not joined a world")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrDMNotConnected     = errors.New("dm not connected")
	ErrUserNotConnected   = errors.New("user not connected")
	ErrPlayerNotConnected = errors.New("player not connected")
)

// Sender delivers encoded frames to one connection. Send must not block.
type Sender interface {
	Send(frame []byte) error
}

// Recorder receives a copy of every message routed through the registry.
type Recorder interface {
	Record(worldID, kind string, payload any)
}

// Conn is a snapshot of one connection's binding.
type Conn struct {
	ID      string
	UserID  string
	WorldID string
	Role    domain.Role
	PcID    string
}

type conn struct {
	Conn
	sender Sender
}

type world struct {
	mu    sync.Mutex
	conns map[string]*conn
	dm    string
}

// Registry owns every connection and its world binding.
type Registry struct {
	Logger   *log.Logger
	Recorder Recorder

	mu     sync.RWMutex
	conns  map[string]*conn
	worlds map[string]*world
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		Logger: logger,
		conns:  map[string]*conn{},
		worlds: map[string]*world{},
	}
}

func (r *Registry) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf("session: "+format, args...)
		return
	}
	log.Printf("session: "+format, args...)
}

// Register adds an unbound connection.
func (r *Registry) Register(connID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &conn{Conn: Conn{ID: connID}, sender: sender}
}

// JoinResult describes the world after a successful join.
type JoinResult struct {
	WorldCreated bool
	Users        []protocol.ConnectedUser
}

// Join binds a connection to a world. A second DM is refused.
func (r *Registry) Join(connID, worldID string, role domain.Role, userID, pcID string) (JoinResult, error) {
	if !role.Valid() {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	if role == domain.RolePlayer && pcID == "" {
		return JoinResult{}, ErrPCRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return JoinResult{}, ErrUnknownConnection
	}
	if c.WorldID != "" {
		return JoinResult{}, ErrAlreadyJoined
	}
	w, exists := r.worlds[worldID]
	if !exists {
		w = &world{conns: map[string]*conn{}}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if role == domain.RoleDM && w.dm != "" {
		return JoinResult{}, ErrAlreadyDM
	}
	if !exists {
		r.worlds[worldID] = w
	}
	c.WorldID = worldID
	c.Role = role
	c.UserID = userID
	if role == domain.RolePlayer {
		c.PcID = pcID
	}
	w.conns[connID] = c
	if role == domain.RoleDM {
		w.dm = connID
	}
	return JoinResult{WorldCreated: !exists, Users: w.users()}, nil
}

// LeaveResult reports what a departing connection was bound to.
type LeaveResult struct {
	Conn       Conn
	WorldEmpty bool
}

// Leave unbinds and forgets a connection. Repeated calls report ok=false.
func (r *Registry) Leave(connID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(r.conns, connID)
	res := LeaveResult{Conn: c.Conn}
	if c.WorldID == "" {
		return res, true
	}
	w := r.worlds[c.WorldID]
	if w == nil {
		return res, true
	}
	w.mu.Lock()
	delete(w.conns, connID)
	if w.dm == connID {
		w.dm = ""
	}
	empty := len(w.conns) == 0
	w.mu.Unlock()
	if empty {
		delete(r.worlds, c.WorldID)
	}
	res.WorldEmpty = empty
	return res, true
}

// Unbind detaches a connection from its world but keeps it registered.
func (r *Registry) Unbind(connID string) (LeaveResult, error) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return LeaveResult{}, ErrUnknownConnection
	}
	if c.WorldID == "" {
		r.mu.Unlock()
		return LeaveResult{}, ErrNotJoined
	}
	sender := c.sender
	id := c.ID
	r.mu.Unlock()
	res, _ := r.Leave(connID)
	r.Register(id, sender)
	return res, nil
}

// Lookup returns the binding for a connection.
func (r *Registry) Lookup(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return Conn{}, false
	}
	return c.Conn, true
}

func (r *Registry) HasDM(worldID string) bool {
	w := r.world(worldID)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dm != ""
}

// FindPlayerForPC returns the user currently playing pcID.
func (r *Registry) FindPlayerForPC(worldID, pcID string) (string, bool) {
	w := r.world(worldID)
	if w == nil {
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.conns {
		if c.Role == domain.RolePlayer && c.PcID == pcID {
			return c.UserID, true
		}
	}
	return "", false
}

// Users lists the connections bound to a world.
func (r *Registry) Users(worldID string) []protocol.ConnectedUser {
	w := r.world(worldID)
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.users()
}

// Worlds lists worlds with at least one connection.
func (r *Registry) Worlds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.worlds))
	for id := range r.worlds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) world(worldID string) *world {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.worlds[worldID]
}

func (w *world) users() []protocol.ConnectedUser {
	out := make([]protocol.ConnectedUser, 0, len(w.conns))
	for _, c := range w.conns {
		out = append(out, protocol.ConnectedUser{UserID: c.UserID, Role: string(c.Role), PcID: c.PcID})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Role < out[j].Role
	})
	return out
}
