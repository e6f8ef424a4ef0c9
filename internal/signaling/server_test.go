package signaling

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/stream-relay/config"
	"github.com/mossy-p/stream-relay/internal/auth"
	"github.com/mossy-p/stream-relay/internal/chat"
	"github.com/mossy-p/stream-relay/internal/geo"
	"github.com/mossy-p/stream-relay/internal/presence"
	"github.com/mossy-p/stream-relay/internal/protocol"
	"github.com/mossy-p/stream-relay/internal/registry"
	"github.com/mossy-p/stream-relay/internal/rooms"
)

const testSecret = "test-secret"

type fixture struct {
	srv    *httptest.Server
	server *Server
	chat   *chat.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zerolog.Nop()

	cfg := &config.Config{
		JWT:  config.JWTConfig{Secret: testSecret, TTL: time.Hour},
		Chat: config.ChatConfig{Capacity: 100, MaxMessageLen: 500},
		Bot: config.BotConfig{
			// Keep the scheduler quiet for the duration of any test.
			FirstDelay:  time.Hour,
			MinInterval: time.Hour,
			MaxInterval: 2 * time.Hour,
		},
	}

	reg := registry.New(log)
	rms := rooms.New(reg, log)
	chatLog := chat.NewLog(cfg.Chat.Capacity, rms, log)
	scheduler := chat.NewScheduler(chatLog, cfg.Bot, log)
	geoResolver, err := geo.Open("", log)
	require.NoError(t, err)
	mirror, err := presence.Connect(context.Background(), config.RedisConfig{}, log)
	require.NoError(t, err)

	server := NewServer(cfg, reg, rms, chatLog, scheduler, geoResolver, mirror, log)

	router := gin.New()
	router.GET("/ws", server.HandleWS)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		scheduler.Stop()
		server.Close()
		srv.Close()
	})

	return &fixture{srv: srv, server: server, chat: chatLog}
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) dialPublisher(t *testing.T) *websocket.Conn {
	t.Helper()
	token, err := auth.IssuePublisherToken(testSecret, "admin", time.Hour)
	require.NoError(t, err)
	return f.dial(t, token)
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// waitFor reads frames until one carries the wanted event, skipping
// interleaved broadcasts such as viewers:update.
func waitFor(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for {
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %q", event)
		if env.Event == event {
			return env
		}
		require.False(t, time.Now().After(deadline), "timed out waiting for %q", event)
	}
}

func TestViewerJoinAndEmptyHistory(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "")

	send(t, alice, protocol.EventViewerJoin, protocol.ViewerJoin{Username: "alice"})

	env := waitFor(t, alice, protocol.EventViewersUpdate)
	var update protocol.ViewersUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	assert.Equal(t, 1, update.Count)
	require.Len(t, update.Viewers, 1)
	assert.Equal(t, "alice", update.Viewers[0].Username)
	assert.Equal(t, geo.UnknownCountry, update.Viewers[0].Country)

	send(t, alice, protocol.EventChatHistory, nil)
	env = waitFor(t, alice, protocol.EventChatHistory)
	var history []chat.Entry
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Empty(t, history)
}

func TestViewerJoinBareStringForm(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "")

	send(t, alice, protocol.EventViewerJoin, "alice")

	env := waitFor(t, alice, protocol.EventViewersUpdate)
	var update protocol.ViewersUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	assert.Equal(t, 1, update.Count)
}

func TestOfferAnswerRelay(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "")
	pub := f.dialPublisher(t)

	send(t, alice, protocol.EventViewerJoin, protocol.ViewerJoin{Username: "alice"})
	waitFor(t, alice, protocol.EventViewersUpdate)

	send(t, pub, protocol.EventStreamStart, nil)

	env := waitFor(t, alice, protocol.EventStreamAvailable)
	var avail protocol.StreamAvailable
	require.NoError(t, json.Unmarshal(env.Data, &avail))
	require.NotEmpty(t, avail.StreamerID)

	// alice -> publisher: the offer blob must arrive untouched.
	offerBlob := json.RawMessage(`{"type":"offer","sdp":"v=0 alice"}`)
	send(t, alice, protocol.EventOffer, protocol.Offer{Offer: offerBlob, StreamerID: avail.StreamerID})

	env = waitFor(t, pub, protocol.EventOffer)
	var relayed protocol.Offer
	require.NoError(t, json.Unmarshal(env.Data, &relayed))
	assert.JSONEq(t, string(offerBlob), string(relayed.Offer))
	require.NotEmpty(t, relayed.ViewerID)

	// publisher -> alice: answer goes back to the named viewer.
	answerBlob := json.RawMessage(`{"type":"answer","sdp":"v=0 pub"}`)
	send(t, pub, protocol.EventAnswer, protocol.Answer{Answer: answerBlob, ViewerID: relayed.ViewerID})

	env = waitFor(t, alice, protocol.EventAnswer)
	var answer protocol.Answer
	require.NoError(t, json.Unmarshal(env.Data, &answer))
	assert.JSONEq(t, string(answerBlob), string(answer.Answer))

	// Candidates flow to their named target in either direction.
	candBlob := json.RawMessage(`{"candidate":"candidate:1 1 UDP 123 10.0.0.1 5000 typ host"}`)
	send(t, pub, protocol.EventICECandidate, protocol.ICECandidate{Candidate: candBlob, TargetID: relayed.ViewerID})

	env = waitFor(t, alice, protocol.EventICECandidate)
	var cand protocol.ICECandidate
	require.NoError(t, json.Unmarshal(env.Data, &cand))
	assert.JSONEq(t, string(candBlob), string(cand.Candidate))
}

func TestViewerJoiningMidStreamIsToldImmediately(t *testing.T) {
	f := newFixture(t)
	pub := f.dialPublisher(t)
	send(t, pub, protocol.EventStreamStart, nil)

	// Give the publisher role assignment time to land before joining.
	require.Eventually(t, func() bool {
		_, ok := f.server.rooms.Publisher()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	alice := f.dial(t, "")
	send(t, alice, protocol.EventViewerJoin, protocol.ViewerJoin{Username: "alice"})

	env := waitFor(t, alice, protocol.EventStreamAvailable)
	var avail protocol.StreamAvailable
	require.NoError(t, json.Unmarshal(env.Data, &avail))
	assert.NotEmpty(t, avail.StreamerID)
}

func TestStreamStartWithoutTokenRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")

	send(t, conn, protocol.EventStreamStart, nil)

	env := waitFor(t, conn, protocol.EventError)
	var perr protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &perr))
	assert.Equal(t, protocol.ErrCodeUnauthorized, perr.Code)
}

func TestSecondPublisherRejected(t *testing.T) {
	f := newFixture(t)
	first := f.dialPublisher(t)
	second := f.dialPublisher(t)

	send(t, first, protocol.EventStreamStart, nil)
	require.Eventually(t, func() bool {
		_, ok := f.server.rooms.Publisher()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	send(t, second, protocol.EventStreamStart, nil)

	env := waitFor(t, second, protocol.EventError)
	var perr protocol.Error
	require.NoError(t, json.Unmarshal(env.Data, &perr))
	assert.Equal(t, protocol.ErrCodeRoomOccupied, perr.Code)

	// The first publisher keeps the slot.
	_, ok := f.server.rooms.Publisher()
	require.True(t, ok)
	assert.Len(t, f.server.reg.ListByRole(registry.RolePublisher), 1)
}

func TestPublisherDisconnectEndsStreamOnce(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "")
	pub := f.dialPublisher(t)

	send(t, alice, protocol.EventViewerJoin, protocol.ViewerJoin{Username: "alice"})
	send(t, pub, protocol.EventStreamStart, nil)
	waitFor(t, alice, protocol.EventStreamAvailable)

	pub.Close()

	waitFor(t, alice, protocol.EventStreamEnded)

	// The publisher room is empty and no second stream-ended arrives.
	require.Eventually(t, func() bool {
		_, ok := f.server.rooms.Publisher()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	alice.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		var env protocol.Envelope
		if err := alice.ReadJSON(&env); err != nil {
			break // timeout: nothing further
		}
		assert.NotEqual(t, protocol.EventStreamEnded, env.Event, "duplicate stream-ended")
	}
}

func TestChatMessageEchoedToSenderAndStamped(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "")
	bob := f.dial(t, "")

	send(t, alice, protocol.EventViewerJoin, protocol.ViewerJoin{Username: "alice"})
	send(t, bob, protocol.EventViewerJoin, protocol.ViewerJoin{Username: "bob"})
	waitFor(t, alice, protocol.EventViewersUpdate)
	waitFor(t, bob, protocol.EventViewersUpdate)

	send(t, alice, protocol.EventChatMessage, chat.Entry{Username: "alice", Message: "hello"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := waitFor(t, conn, protocol.EventChatMessage)
		var entry chat.Entry
		require.NoError(t, json.Unmarshal(env.Data, &entry))
		assert.Equal(t, "alice", entry.Username)
		assert.Equal(t, "hello", entry.Message)
		assert.NotEmpty(t, entry.ID)
		assert.NotEmpty(t, entry.Timestamp)
		assert.False(t, entry.IsSynthetic)
	}
}

func TestTruncateMessageKeepsRunesWhole(t *testing.T) {
	// "héllo" is 6 bytes; cutting at 2 lands mid-rune and must back off.
	assert.Equal(t, "h", truncateMessage("héllo", 2))
	assert.Equal(t, "hé", truncateMessage("héllo", 3))

	// A 4-byte emoji straddling the cap is dropped whole.
	assert.Equal(t, "hi", truncateMessage("hi\U0001F600", 4))
	assert.Equal(t, "hi\U0001F600", truncateMessage("hi\U0001F600", 6))

	assert.Equal(t, "hello", truncateMessage("hello", 5))
	assert.Equal(t, "hello", truncateMessage("hello", 0))
	assert.Equal(t, "", truncateMessage("\U0001F600", 3))
}

func TestLongChatMessageCutAtRuneBoundary(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "")
	send(t, alice, protocol.EventViewerJoin, protocol.ViewerJoin{Username: "alice"})
	waitFor(t, alice, protocol.EventViewersUpdate)

	// Pad so an emoji straddles the byte cap exactly.
	msg := strings.Repeat("a", f.server.cfg.Chat.MaxMessageLen-2) + "\U0001F600"
	send(t, alice, protocol.EventChatMessage, chat.Entry{Username: "alice", Message: msg})

	env := waitFor(t, alice, protocol.EventChatMessage)
	var entry chat.Entry
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	assert.Equal(t, strings.Repeat("a", f.server.cfg.Chat.MaxMessageLen-2), entry.Message)
	assert.True(t, utf8.ValidString(entry.Message))
}

func TestRelayToVanishedTargetIsSilent(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "")
	send(t, alice, protocol.EventViewerJoin, protocol.ViewerJoin{Username: "alice"})
	waitFor(t, alice, protocol.EventViewersUpdate)

	send(t, alice, protocol.EventOffer, protocol.Offer{
		Offer:      json.RawMessage(`{"sdp":"x"}`),
		StreamerID: "no-such-connection",
	})

	// No error frame comes back; the connection stays healthy.
	send(t, alice, protocol.EventChatHistory, nil)
	env := waitFor(t, alice, protocol.EventChatHistory)
	assert.Equal(t, protocol.EventChatHistory, env.Event)
}

func TestStreamEndNotifiesViewers(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "")
	pub := f.dialPublisher(t)

	send(t, alice, protocol.EventViewerJoin, protocol.ViewerJoin{Username: "alice"})
	send(t, pub, protocol.EventStreamStart, nil)
	waitFor(t, alice, protocol.EventStreamAvailable)

	send(t, pub, protocol.EventStreamEnd, nil)

	waitFor(t, alice, protocol.EventStreamEnded)
	require.Eventually(t, func() bool {
		_, ok := f.server.rooms.Publisher()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
