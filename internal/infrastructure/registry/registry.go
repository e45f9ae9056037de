package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

var (
	ErrUnknownConnection     = errors.New("registry: unknown connection")
	ErrDuplicateRegistration = errors.New("registry: transport already registered")
)

// Transport is the write side of a live client connection. Implementations
// must be comparable (pointer types) since they key the reverse index.
type Transport interface {
	Send(frame []byte) error
	Close(code int, reason string) error
}

type Metadata struct {
	RemoteAddr    string
	UserAgent     string
	EncryptionKey *[32]byte
}

// Connection is a snapshot of a registered connection. Mutating it has no
// effect on the registry.
type Connection struct {
	ID             string
	UserID         string
	EstablishedAt  time.Time
	LastActivityAt time.Time
	Transport      Transport
	EncryptionKey  *[32]byte
	Rooms          []string
	RemoteAddr     string
	UserAgent      string
}

type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}

type entry struct {
	conn  Connection
	rooms mapset.Set[string]
}

func (e *entry) snapshot() Connection {
	c := e.conn
	c.Rooms = e.rooms.ToSlice()
	sort.Strings(c.Rooms)
	return c
}

type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry tracks live connections, the per-user index and room
// membership. Every method takes the one registry-wide lock.
type Registry struct {
	mu          sync.RWMutex
	now         func() time.Time
	conns       map[string]*entry
	byTransport map[Transport]string
	users       map[string]mapset.Set[string]
	rooms       map[string]mapset.Set[string]
}

func New(opts ...Option) *Registry {
	r := &Registry{
		now:         time.Now,
		conns:       map[string]*entry{},
		byTransport: map[Transport]string{},
		users:       map[string]mapset.Set[string]{},
		rooms:       map[string]mapset.Set[string]{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds t for userID. It also returns how many connections the user
// has including this one, counted under the same lock.
func (r *Registry) Register(t Transport, userID string, md Metadata) (Connection, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTransport[t]; exists {
		return Connection{}, 0, ErrDuplicateRegistration
	}

	now := r.now()
	e := &entry{
		conn: Connection{
			ID:             uuid.NewString(),
			UserID:         userID,
			EstablishedAt:  now,
			LastActivityAt: now,
			Transport:      t,
			EncryptionKey:  md.EncryptionKey,
			RemoteAddr:     md.RemoteAddr,
			UserAgent:      md.UserAgent,
		},
		rooms: mapset.NewThreadUnsafeSet[string](),
	}

	r.conns[e.conn.ID] = e
	r.byTransport[t] = e.conn.ID

	ids, ok := r.users[userID]
	if !ok {
		ids = mapset.NewThreadUnsafeSet[string]()
		r.users[userID] = ids
	}
	ids.Add(e.conn.ID)

	return e.snapshot(), ids.Cardinality(), nil
}

// Unregister removes the connection from every index and reports how many
// connections its user still has. It returns false when the connection was
// already gone.
func (r *Registry) Unregister(connID string) (Connection, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return Connection{}, 0, false
	}
	snap := e.snapshot()

	delete(r.conns, connID)
	delete(r.byTransport, e.conn.Transport)

	remaining := 0
	if ids, ok := r.users[e.conn.UserID]; ok {
		ids.Remove(connID)
		remaining = ids.Cardinality()
		if remaining == 0 {
			delete(r.users, e.conn.UserID)
		}
	}

	for _, roomID := range e.rooms.ToSlice() {
		r.leaveLocked(connID, roomID)
	}

	return snap, remaining, true
}

func (r *Registry) JoinRoom(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = mapset.NewThreadUnsafeSet[string]()
		r.rooms[roomID] = members
	}
	members.Add(connID)
	e.rooms.Add(roomID)

	return nil
}

func (r *Registry) LeaveRoom(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	e.rooms.Remove(roomID)
	r.leaveLocked(connID, roomID)

	return nil
}

func (r *Registry) leaveLocked(connID, roomID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	members.Remove(connID)
	if members.IsEmpty() {
		delete(r.rooms, roomID)
	}
}

func (r *Registry) Get(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return e.snapshot(), true
}

// ConnectionsForUser returns the user's live connections, oldest first.
func (r *Registry) ConnectionsForUser(userID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.users[userID]
	if !ok {
		return nil
	}
	return r.collectLocked(ids)
}

func (r *Registry) ConnectionsInRoom(roomID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return r.collectLocked(members)
}

func (r *Registry) All() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.snapshot())
	}
	sortByAge(out)
	return out
}

func (r *Registry) collectLocked(ids mapset.Set[string]) []Connection {
	out := make([]Connection, 0, ids.Cardinality())
	for _, id := range ids.ToSlice() {
		if e, ok := r.conns[id]; ok {
			out = append(out, e.snapshot())
		}
	}
	sortByAge(out)
	return out
}

// UserIDs lists users with at least one live connection.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users))
	for userID := range r.users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Touch records activity on a connection.
func (r *Registry) Touch(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	e.conn.LastActivityAt = r.now()
	return true
}

// SweepIdle returns connections idle for strictly longer than maxIdle. It
// does not close or unregister them.
func (r *Registry) SweepIdle(maxIdle time.Duration) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var idle []Connection
	for _, e := range r.conns {
		if now.Sub(e.conn.LastActivityAt) > maxIdle {
			idle = append(idle, e.snapshot())
		}
	}
	sortByAge(idle)
	return idle
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Connections: len(r.conns),
		Users:       len(r.users),
		Rooms:       len(r.rooms),
	}
}

func (r *Registry) Connections() int { return r.Stats().Connections }
func (r *Registry) Users() int       { return r.Stats().Users }
func (r *Registry) Rooms() int       { return r.Stats().Rooms }

func sortByAge(conns []Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].EstablishedAt.Equal(conns[j].EstablishedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].EstablishedAt.Before(conns[j].EstablishedAt)
	})
}
