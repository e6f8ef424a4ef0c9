// Package chat holds the bounded chat history and the synthetic-activity
// scheduler that keeps the room visually active while a stream is live.
package chat

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mossy-p/stream-relay/internal/protocol"
)

// Entry is one immutable chat message. Synthetic entries carry the
// isSynthetic flag so clients can render them distinctly.
type Entry struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	Reaction    string `json:"reaction,omitempty"`
	ProfilePic  string `json:"profilePic,omitempty"`
	IsSynthetic bool   `json:"isSynthetic,omitempty"`
}

// Broadcaster fans an event out to every live connection.
type Broadcaster interface {
	BroadcastAll(event string, data any)
}

// Log is a fixed-capacity FIFO ring of chat entries. When full, Append
// evicts the oldest entry. Every accepted entry is broadcast to all
// connections, including the sender, so each client's view derives solely
// from server broadcasts.
type Log struct {
	mu    sync.Mutex
	buf   []Entry
	head  int
	count int
	bc    Broadcaster
	log   zerolog.Logger
}

func NewLog(capacity int, bc Broadcaster, log zerolog.Logger) *Log {
	return &Log{
		buf: make([]Entry, capacity),
		bc:  bc,
		log: log.With().Str("component", "chat").Logger(),
	}
}

// Append inserts an entry and broadcasts it. An entry whose id matches one
// still retained in the window is dropped as a retransmission; the window
// and its order are left unchanged and false is returned.
func (l *Log) Append(e Entry) bool {
	l.mu.Lock()
	for i := 0; i < l.count; i++ {
		if l.buf[(l.head+i)%len(l.buf)].ID == e.ID {
			l.mu.Unlock()
			l.log.Debug().Str("entry_id", e.ID).Msg("duplicate chat entry ignored")
			return false
		}
	}

	idx := (l.head + l.count) % len(l.buf)
	l.buf[idx] = e
	if l.count == len(l.buf) {
		l.head = (l.head + 1) % len(l.buf)
	} else {
		l.count++
	}
	l.mu.Unlock()

	l.bc.BroadcastAll(protocol.EventChatMessage, e)
	return true
}

// History returns the retained window, oldest first.
func (l *Log) History() []Entry {
	l.mu.Lock()
	out := make([]Entry, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	l.mu.Unlock()
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	n := l.count
	l.mu.Unlock()
	return n
}
