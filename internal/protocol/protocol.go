package protocol

import "encoding/json"

// Event names carried on the signaling socket.
const (
	// client -> server
	EventViewerJoin  = "viewer:join"
	EventStreamStart = "stream:start"
	EventStreamEnd   = "stream:end"
	EventChatHistory = "chat:history"

	// server -> client
	EventStreamAvailable = "stream-available"
	EventStreamEnded     = "stream-ended"
	EventViewersUpdate   = "viewers:update"
	EventError           = "error"

	// relayed in both directions
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventChatMessage  = "chat:message"
)

// Envelope is the frame exchanged on the signaling socket. Data is left
// opaque until the event name selects a payload type.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope. Marshal errors are reported to
// the caller so a bad payload never produces a half-built frame.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// ViewerJoin is the payload of a viewer:join event.
type ViewerJoin struct {
	Username string `json:"username"`
}

// Offer carries a session description from a viewer to the publisher. The
// offer blob is never inspected by the server.
type Offer struct {
	Offer      json.RawMessage `json:"offer"`
	StreamerID string          `json:"streamerId,omitempty"`
	ViewerID   string          `json:"viewerId,omitempty"`
}

// Answer carries a session description from the publisher back to a viewer.
type Answer struct {
	Answer   json.RawMessage `json:"answer"`
	ViewerID string          `json:"viewerId,omitempty"`
}

// ICECandidate carries a connectivity candidate to either side.
type ICECandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	TargetID  string          `json:"targetId,omitempty"`
}

// StreamAvailable announces a live publisher to viewers.
type StreamAvailable struct {
	StreamerID string `json:"streamerId"`
}

// ViewerInfo is one entry of a viewers:update snapshot.
type ViewerInfo struct {
	Username string `json:"username"`
	Country  string `json:"country"`
}

// ViewersUpdate is the materialized viewer snapshot broadcast on every
// membership change.
type ViewersUpdate struct {
	Count   int          `json:"count"`
	Viewers []ViewerInfo `json:"viewers"`
}

// Error is a structured rejection sent to the originating connection only.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for client-facing rejections.
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeRoomOccupied = "ROOM_OCCUPIED"
)
