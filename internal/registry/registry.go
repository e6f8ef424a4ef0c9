// Package registry tracks every live signaling connection and its role.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a connection id is not currently registered.
var ErrNotFound = errors.New("connection not found")

// Role classifies a connection within the deployment's single logical room.
type Role string

const (
	RoleUnassigned Role = "unassigned"
	RolePublisher  Role = "publisher"
	RoleViewer     Role = "viewer"
)

// Sink is the outbound side of a connection. Enqueue must not block; it
// reports false when the frame was dropped.
type Sink interface {
	Enqueue(data []byte) bool
}

// Conn is a registry-owned snapshot of a live signaling connection. The
// registry hands out value copies taken under its lock, so callers may read
// fields freely without racing a concurrent SetRole. The master record never
// leaves the registry.
type Conn struct {
	ID        string
	Role      Role
	Username  string
	Country   string
	CreatedAt time.Time

	sink Sink
}

// Send enqueues a frame on the connection's outbound sink.
func (c Conn) Send(data []byte) bool {
	return c.sink.Enqueue(data)
}

// Change describes a registry mutation delivered to the change listener.
type Change struct {
	ID     string
	Role   Role
	Closed bool
}

// Registry owns the set of live connections. A single mutex linearizes all
// mutations; the change listener is invoked after the lock is released so it
// may call back into the registry.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*Conn
	onChange func(Change)
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		log:   log.With().Str("component", "registry").Logger(),
	}
}

// OnChange installs the listener notified after every role change and
// unregistration. Must be called before the registry is shared.
func (r *Registry) OnChange(fn func(Change)) {
	r.onChange = fn
}

// Register creates a connection with a fresh id and the unassigned role,
// returning a copy of the new record.
func (r *Registry) Register(sink Sink) Conn {
	conn := &Conn{
		ID:        uuid.New().String(),
		Role:      RoleUnassigned,
		CreatedAt: time.Now(),
		sink:      sink,
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	r.log.Debug().Str("conn_id", conn.ID).Msg("connection registered")
	return *conn
}

// SetRole assigns a role and metadata to a live connection and notifies the
// change listener.
func (r *Registry) SetRole(id string, role Role, username, country string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	conn.Role = role
	if username != "" {
		conn.Username = username
	}
	if country != "" {
		conn.Country = country
	}
	r.mu.Unlock()

	r.notify(Change{ID: id, Role: role})
	return nil
}

// Unregister removes a connection. It is idempotent: removing an unknown id
// is a no-op and reports existed=false. The connection's last role is
// returned so callers can react to a publisher teardown.
func (r *Registry) Unregister(id string) (Role, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return RoleUnassigned, false
	}
	role := conn.Role
	delete(r.conns, id)
	r.mu.Unlock()

	r.log.Debug().Str("conn_id", id).Str("role", string(role)).Msg("connection unregistered")
	r.notify(Change{ID: id, Role: role, Closed: true})
	return role, true
}

// Get returns a copy of the connection for id.
func (r *Registry) Get(id string) (Conn, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return Conn{}, false
	}
	copied := *conn
	r.mu.Unlock()
	return copied, true
}

// ListByRole returns a copy of every connection currently holding role.
func (r *Registry) ListByRole(role Role) []Conn {
	r.mu.Lock()
	var out []Conn
	for _, conn := range r.conns {
		if conn.Role == role {
			out = append(out, *conn)
		}
	}
	r.mu.Unlock()
	return out
}

// All returns a copy of every live connection regardless of role.
func (r *Registry) All() []Conn {
	r.mu.Lock()
	out := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, *conn)
	}
	r.mu.Unlock()
	return out
}

func (r *Registry) notify(ch Change) {
	if r.onChange != nil {
		r.onChange(ch)
	}
}
