// Package rooms maintains the publisher and viewer rooms as a derived view
// over connection roles, and provides group send primitives.
package rooms

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mossy-p/stream-relay/internal/protocol"
	"github.com/mossy-p/stream-relay/internal/registry"
)

// ErrRoomOccupied is returned when a second distinct connection tries to
// claim the publisher slot.
var ErrRoomOccupied = errors.New("publisher room occupied")

// Rooms derives membership from registry roles. Join operations take the
// rooms mutex so the occupancy check and the role assignment are atomic.
type Rooms struct {
	mu  sync.Mutex
	reg *registry.Registry
	log zerolog.Logger
}

func New(reg *registry.Registry, log zerolog.Logger) *Rooms {
	r := &Rooms{
		reg: reg,
		log: log.With().Str("component", "rooms").Logger(),
	}
	reg.OnChange(r.handleChange)
	return r
}

// JoinPublisher claims the publisher slot for id. A repeated claim by the
// current publisher is a no-op; a claim while a different publisher is live
// fails with ErrRoomOccupied and leaves the existing publisher in place.
func (r *Rooms) JoinPublisher(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.reg.ListByRole(registry.RolePublisher) {
		if conn.ID == id {
			return nil
		}
		r.log.Warn().Str("conn_id", id).Str("publisher_id", conn.ID).
			Msg("rejected second publisher, room occupied")
		return ErrRoomOccupied
	}

	return r.reg.SetRole(id, registry.RolePublisher, "", "")
}

// JoinViewer places id in the viewer room with its display metadata.
func (r *Rooms) JoinViewer(id, username, country string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.SetRole(id, registry.RoleViewer, username, country)
}

// Leave returns id to the unassigned role. Unknown ids are a no-op.
func (r *Rooms) Leave(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reg.SetRole(id, registry.RoleUnassigned, "", ""); err != nil {
		r.log.Debug().Str("conn_id", id).Msg("leave for unknown connection")
	}
}

// Publisher returns the current publisher connection, if any.
func (r *Rooms) Publisher() (registry.Conn, bool) {
	pubs := r.reg.ListByRole(registry.RolePublisher)
	if len(pubs) == 0 {
		return registry.Conn{}, false
	}
	return pubs[0], true
}

// SendTo delivers one event to a single connection. A vanished target is an
// expected condition reported as registry.ErrNotFound; the caller decides
// whether that matters.
func (r *Rooms) SendTo(id, event string, data any) error {
	conn, ok := r.reg.Get(id)
	if !ok {
		return fmt.Errorf("send %s to %s: %w", event, id, registry.ErrNotFound)
	}
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if !conn.Send(raw) {
		r.log.Warn().Str("conn_id", id).Str("event", event).Msg("send buffer full, frame dropped")
	}
	return nil
}

// BroadcastViewers sends one event to every member of the viewer room,
// best-effort. Per-member failures are logged and do not stop the fanout.
func (r *Rooms) BroadcastViewers(event string, data any) {
	r.fanout(r.reg.ListByRole(registry.RoleViewer), event, data)
}

// BroadcastAll sends one event to every live connection, including the
// publisher and any not-yet-joined connections.
func (r *Rooms) BroadcastAll(event string, data any) {
	r.fanout(r.reg.All(), event, data)
}

// Snapshot materializes the current viewer-room view.
func (r *Rooms) Snapshot() protocol.ViewersUpdate {
	viewers := r.reg.ListByRole(registry.RoleViewer)
	update := protocol.ViewersUpdate{
		Count:   len(viewers),
		Viewers: make([]protocol.ViewerInfo, 0, len(viewers)),
	}
	for _, v := range viewers {
		update.Viewers = append(update.Viewers, protocol.ViewerInfo{
			Username: v.Username,
			Country:  v.Country,
		})
	}
	return update
}

func (r *Rooms) fanout(conns []registry.Conn, event string, data any) {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("failed to marshal broadcast payload")
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("failed to marshal broadcast frame")
		return
	}
	for _, conn := range conns {
		if !conn.Send(raw) {
			r.log.Warn().Str("conn_id", conn.ID).Str("event", event).
				Msg("send buffer full, frame dropped")
		}
	}
}

// handleChange runs after every registry mutation; membership may have
// shifted, so the viewer snapshot is recomputed and broadcast to everyone.
func (r *Rooms) handleChange(registry.Change) {
	r.BroadcastAll(protocol.EventViewersUpdate, r.Snapshot())
}
