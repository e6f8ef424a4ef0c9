// Package signaling is the session-setup protocol handler: it accepts
// signaling connections, dispatches their events, and relays opaque
// offer/answer/candidate envelopes to their named targets.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/stream-relay/config"
	"github.com/mossy-p/stream-relay/internal/auth"
	"github.com/mossy-p/stream-relay/internal/chat"
	"github.com/mossy-p/stream-relay/internal/geo"
	"github.com/mossy-p/stream-relay/internal/presence"
	"github.com/mossy-p/stream-relay/internal/protocol"
	"github.com/mossy-p/stream-relay/internal/registry"
	"github.com/mossy-p/stream-relay/internal/rooms"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

// Server wires the registry, rooms, chat log and scheduler behind one
// websocket endpoint.
type Server struct {
	cfg       *config.Config
	reg       *registry.Registry
	rooms     *rooms.Rooms
	chat      *chat.Log
	scheduler *chat.Scheduler
	geo       *geo.Resolver
	mirror    *presence.Mirror
	log       zerolog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewServer(
	cfg *config.Config,
	reg *registry.Registry,
	rms *rooms.Rooms,
	chatLog *chat.Log,
	scheduler *chat.Scheduler,
	geoResolver *geo.Resolver,
	mirror *presence.Mirror,
	log zerolog.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		reg:       reg,
		rooms:     rms,
		chat:      chatLog,
		scheduler: scheduler,
		geo:       geoResolver,
		mirror:    mirror,
		log:       log.With().Str("component", "signaling").Logger(),
		clients:   make(map[*Client]struct{}),
	}
}

// HandleWS upgrades the request and runs the connection's event loop. A
// valid publisher token in the "token" query parameter grants stream:start
// privileges; its absence still allows viewing.
func (s *Server) HandleWS(c *gin.Context) {
	canPublish := false
	username := ""
	if token := c.Query("token"); token != "" {
		name, err := auth.VerifyPublisherToken(s.cfg.JWT.Secret, token)
		if err != nil {
			s.log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("rejected publisher token")
		} else {
			canPublish = true
			username = name
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := newClient(conn, c.ClientIP(), s.log)
	client.canPublish = canPublish
	client.username = username

	regConn := s.reg.Register(client)
	client.log = s.log.With().Str("conn_id", regConn.ID).Logger()

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	s.log.Info().Str("conn_id", regConn.ID).Str("client_ip", c.ClientIP()).
		Bool("can_publish", canPublish).Msg("client connected")

	go client.writePump()
	go func() {
		defer s.teardown(client, regConn.ID)
		client.readPump(func(frame []byte) {
			s.dispatch(client, regConn.ID, frame)
		})
	}()
}

// Close tears down every live connection. Used on shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// teardown synchronously releases everything the connection held: the
// registry entry (which triggers the membership broadcast), the publisher
// slot, and the presence mirror entry.
func (s *Server) teardown(client *Client, id string) {
	client.close()

	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()

	role, existed := s.reg.Unregister(id)
	if !existed {
		return
	}

	ctx := context.Background()
	switch role {
	case registry.RolePublisher:
		s.log.Info().Str("conn_id", id).Msg("publisher disconnected, ending stream")
		s.scheduler.Stop()
		s.mirror.SetLive(ctx, "")
		s.rooms.BroadcastViewers(protocol.EventStreamEnded, nil)
	case registry.RoleViewer:
		s.mirror.ViewerLeft(ctx, id)
	}

	s.log.Info().Str("conn_id", id).Str("role", string(role)).Msg("client disconnected")
}

// dispatch routes one inbound frame. Each event handler runs to completion;
// a panic is isolated to this connection's handler so one bad frame cannot
// take down the process.
func (s *Server) dispatch(client *Client, id string, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("conn_id", id).
				Msg("recovered from event handler panic")
		}
	}()

	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		s.log.Debug().Err(err).Str("conn_id", id).Msg("failed to parse frame")
		return
	}

	switch env.Event {
	case protocol.EventViewerJoin:
		s.handleViewerJoin(client, id, env.Data)
	case protocol.EventStreamStart:
		s.handleStreamStart(client, id)
	case protocol.EventStreamEnd:
		s.handleStreamEnd(id)
	case protocol.EventOffer:
		s.handleOffer(id, env.Data)
	case protocol.EventAnswer:
		s.handleAnswer(id, env.Data)
	case protocol.EventICECandidate:
		s.handleCandidate(id, env.Data)
	case protocol.EventChatMessage:
		s.handleChatMessage(id, env.Data)
	case protocol.EventChatHistory:
		s.handleChatHistory(id)
	default:
		s.log.Debug().Str("event", env.Event).Str("conn_id", id).Msg("unknown event")
	}
}

func (s *Server) handleViewerJoin(client *Client, id string, data json.RawMessage) {
	username, err := decodeUsername(data)
	if err != nil {
		s.sendError(id, protocol.ErrCodeBadRequest, "username is required")
		return
	}

	country := s.geo.Country(client.remoteAddr)
	if err := s.rooms.JoinViewer(id, username, country); err != nil {
		s.log.Warn().Err(err).Str("conn_id", id).Msg("viewer join failed")
		return
	}
	s.mirror.ViewerJoined(context.Background(), id)

	s.log.Info().Str("conn_id", id).Str("username", username).Str("country", country).
		Msg("viewer joined")

	// A viewer arriving mid-stream is told immediately.
	if pub, ok := s.rooms.Publisher(); ok {
		s.relayTo(id, protocol.EventStreamAvailable, protocol.StreamAvailable{StreamerID: pub.ID})
	}
}

func (s *Server) handleStreamStart(client *Client, id string) {
	if !client.canPublish {
		s.sendError(id, protocol.ErrCodeUnauthorized, "publisher token required")
		return
	}

	if err := s.rooms.JoinPublisher(id); err != nil {
		if errors.Is(err, rooms.ErrRoomOccupied) {
			s.sendError(id, protocol.ErrCodeRoomOccupied, "another publisher is already live")
			return
		}
		s.log.Warn().Err(err).Str("conn_id", id).Msg("publisher join failed")
		return
	}

	s.log.Info().Str("conn_id", id).Str("username", client.username).Msg("stream started")
	s.rooms.BroadcastViewers(protocol.EventStreamAvailable, protocol.StreamAvailable{StreamerID: id})
	s.scheduler.Start()
	s.mirror.SetLive(context.Background(), id)
}

func (s *Server) handleStreamEnd(id string) {
	pub, ok := s.rooms.Publisher()
	if !ok || pub.ID != id {
		s.log.Debug().Str("conn_id", id).Msg("stream:end from non-publisher ignored")
		return
	}

	s.rooms.Leave(id)
	s.scheduler.Stop()
	s.mirror.SetLive(context.Background(), "")
	s.rooms.BroadcastViewers(protocol.EventStreamEnded, nil)
	s.log.Info().Str("conn_id", id).Msg("stream ended")
}

// handleOffer forwards a viewer's session description to the publisher it
// names. The offer blob is relayed untouched.
func (s *Server) handleOffer(id string, data json.RawMessage) {
	var offer protocol.Offer
	if err := json.Unmarshal(data, &offer); err != nil {
		s.log.Debug().Err(err).Str("conn_id", id).Msg("malformed offer")
		return
	}
	s.relayTo(offer.StreamerID, protocol.EventOffer, protocol.Offer{
		Offer:    offer.Offer,
		ViewerID: id,
	})
}

func (s *Server) handleAnswer(id string, data json.RawMessage) {
	var answer protocol.Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		s.log.Debug().Err(err).Str("conn_id", id).Msg("malformed answer")
		return
	}
	s.relayTo(answer.ViewerID, protocol.EventAnswer, protocol.Answer{Answer: answer.Answer})
}

func (s *Server) handleCandidate(id string, data json.RawMessage) {
	var cand protocol.ICECandidate
	if err := json.Unmarshal(data, &cand); err != nil {
		s.log.Debug().Err(err).Str("conn_id", id).Msg("malformed candidate")
		return
	}
	s.relayTo(cand.TargetID, protocol.EventICECandidate, protocol.ICECandidate{Candidate: cand.Candidate})
}

func (s *Server) handleChatMessage(id string, data json.RawMessage) {
	var entry chat.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.log.Debug().Err(err).Str("conn_id", id).Msg("malformed chat message")
		return
	}

	entry.Message = strings.TrimSpace(entry.Message)
	if entry.Message == "" || entry.Username == "" {
		return
	}
	entry.Message = truncateMessage(entry.Message, s.cfg.Chat.MaxMessageLen)

	// The server is the authority on timestamps and ids.
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	entry.IsSynthetic = false
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	s.chat.Append(entry)
}

func (s *Server) handleChatHistory(id string) {
	s.relayTo(id, protocol.EventChatHistory, s.chat.History())
}

// relayTo is a fire-and-forget targeted send. A vanished target is an
// expected condition: logged, dropped, and never an error to the caller.
func (s *Server) relayTo(targetID, event string, data any) {
	if targetID == "" {
		s.log.Debug().Str("event", event).Msg("relay without target dropped")
		return
	}
	if err := s.rooms.SendTo(targetID, event, data); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.log.Debug().Str("target_id", targetID).Str("event", event).
				Msg("relay target gone, dropped")
			return
		}
		s.log.Warn().Err(err).Str("target_id", targetID).Str("event", event).Msg("relay failed")
	}
}

func (s *Server) sendError(id, code, message string) {
	s.relayTo(id, protocol.EventError, protocol.Error{Code: code, Message: message})
}

// decodeUsername accepts both the object form {"username":"x"} and the bare
// string form "x" that older clients send.
func decodeUsername(data json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(data, &name); err == nil && name != "" {
		return name, nil
	}
	var join protocol.ViewerJoin
	if err := json.Unmarshal(data, &join); err != nil {
		return "", err
	}
	if join.Username == "" {
		return "", errors.New("empty username")
	}
	return join.Username, nil
}

// truncateMessage caps s at max bytes without splitting a multi-byte
// rune at the cut point. max <= 0 disables the cap.
func truncateMessage(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
