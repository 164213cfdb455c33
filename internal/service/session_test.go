package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"taskpulse/internal/model"
	"taskpulse/internal/repository"
	"taskpulse/pkg/wire"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type fakeMessageRepo struct {
	mu         sync.Mutex
	channelErr error
	directErr  error
	channel    []model.ChannelMessage
	direct     []model.DirectMessage
}

func (f *fakeMessageRepo) CreateChannelMessage(ctx context.Context, msg *model.ChannelMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelErr != nil {
		return f.channelErr
	}
	msg.ID = int64(len(f.channel) + 1)
	f.channel = append(f.channel, *msg)
	return nil
}

func (f *fakeMessageRepo) CreateDirectMessage(ctx context.Context, msg *model.DirectMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.directErr != nil {
		return f.directErr
	}
	msg.ID = int64(len(f.direct) + 1)
	f.direct = append(f.direct, *msg)
	return nil
}

func (f *fakeMessageRepo) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channel)
}

func (f *fakeMessageRepo) RecentChannelMessages(ctx context.Context, channelID string, limit int) ([]model.ChannelMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel, nil
}

func (f *fakeMessageRepo) RecentDirectMessages(ctx context.Context, conversationID string, limit int) ([]model.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.direct, nil
}

func (f *fakeMessageRepo) WithTx(tx *gorm.DB) repository.MessageInterface { return f }

type sessionHarness struct {
	hub      *Hub
	messages *fakeMessageRepo
	pending  *fakePendingRepo
	server   *httptest.Server
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		hub:      NewHub(&mockObserver{}),
		messages: &fakeMessageRepo{},
		pending:  newFakePendingRepo(),
	}
	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		user := UserInfo{UserID: r.URL.Query().Get("user"), Name: r.URL.Query().Get("user")}
		s := NewSession(conn, h.hub, h.messages, h.pending, &mockObserver{},
			SessionConfig{Heartbeat: time.Second, AuthTimeout: time.Second}, user)
		go s.Run(context.Background())
	}))
	t.Cleanup(h.server.Close)
	return h
}

// dial connects as userID and completes the handshake through auth_success
// and welcome.
func (h *sessionHarness) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	auth, _ := json.Marshal(wire.AuthFrame{Type: wire.KindAuth, UserID: userID, Username: userID})
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	if kind := readKind(t, conn); kind != wire.KindAuthSuccess {
		t.Fatalf("first frame kind = %q, want auth_success", kind)
	}
	if kind := readKind(t, conn); kind != wire.KindWelcome {
		t.Fatalf("second frame kind = %q, want welcome", kind)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("frame not an object: %v", err)
	}
	return fields
}

func readKind(t *testing.T, conn *websocket.Conn) wire.Kind {
	t.Helper()
	fields := readFrame(t, conn)
	var kind wire.Kind
	json.Unmarshal(fields["type"], &kind)
	return kind
}

func TestSessionRejectsMismatchedAuthFrame(t *testing.T) {
	h := newSessionHarness(t)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?user=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	auth, _ := json.Marshal(wire.AuthFrame{Type: wire.KindAuth, UserID: "mallory", Username: "mallory"})
	conn.WriteMessage(websocket.TextMessage, auth)

	fields := readFrame(t, conn)
	var errType string
	json.Unmarshal(fields["errorType"], &errType)
	if errType != "auth_failed" {
		t.Fatalf("errorType = %q, want auth_failed", errType)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection should be closed after auth mismatch")
	}
}

func TestSessionChannelMessagePersistsAndBroadcasts(t *testing.T) {
	h := newSessionHarness(t)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	frame, _ := json.Marshal(map[string]any{
		"type": wire.KindChannelMessage, "channelId": "ch-1", "content": "ship it",
	})
	if err := alice.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, conn := range []*websocket.Conn{bob, alice} {
		fields := readFrame(t, conn)
		var kind wire.Kind
		json.Unmarshal(fields["type"], &kind)
		if kind != wire.KindNewChannelMessage {
			t.Fatalf("kind = %q, want new_channel_message", kind)
		}
		var msg model.ChannelMessage
		json.Unmarshal(fields["message"], &msg)
		if msg.SenderID != "alice" || msg.Content != "ship it" {
			t.Fatalf("broadcast message = %+v", msg)
		}
	}
	if got := h.messages.channelCount(); got != 1 {
		t.Fatalf("persisted channel messages = %d, want 1", got)
	}
}

func TestSessionPersistFailureSendsDatabaseError(t *testing.T) {
	h := newSessionHarness(t)
	h.messages.channelErr = errors.New("mysql is down")
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	frame, _ := json.Marshal(map[string]any{
		"type": wire.KindChannelMessage, "channelId": "ch-1", "content": "lost",
	})
	alice.WriteMessage(websocket.TextMessage, frame)

	fields := readFrame(t, alice)
	var kind wire.Kind
	var errType string
	json.Unmarshal(fields["type"], &kind)
	json.Unmarshal(fields["errorType"], &errType)
	if kind != wire.KindError || errType != wire.ErrorTypeDatabase {
		t.Fatalf("got kind=%q errorType=%q, want error/database_error", kind, errType)
	}

	// peers must see nothing
	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Fatal("failed persist must not be broadcast")
	}
}

func TestSessionDirectMessageRoutesAndAcks(t *testing.T) {
	h := newSessionHarness(t)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	frame, _ := json.Marshal(map[string]any{
		"type": wire.KindDirectMessage, "recipientId": "bob", "content": "psst",
	})
	alice.WriteMessage(websocket.TextMessage, frame)

	wantConv := ConversationKey("alice", "bob")

	got := readFrame(t, bob)
	var kind wire.Kind
	var conv string
	json.Unmarshal(got["type"], &kind)
	json.Unmarshal(got["conversationId"], &conv)
	if kind != wire.KindNewDirectMessage || conv != wantConv {
		t.Fatalf("recipient got kind=%q conv=%q, want new_direct_message/%s", kind, conv, wantConv)
	}

	ack := readFrame(t, alice)
	json.Unmarshal(ack["type"], &kind)
	if kind != wire.KindDirectMessageSent {
		t.Fatalf("sender ack kind = %q, want direct_message_sent", kind)
	}
	if len(h.pending.snapshot()) != 0 {
		t.Fatal("online recipient must not produce a pending delivery")
	}
}

func TestSessionDirectMessageToOfflineUserQueuesDelivery(t *testing.T) {
	h := newSessionHarness(t)
	alice := h.dial(t, "alice")

	frame, _ := json.Marshal(map[string]any{
		"type": wire.KindDirectMessage, "recipientId": "ghost", "content": "anyone there",
	})
	alice.WriteMessage(websocket.TextMessage, frame)

	ack := readFrame(t, alice)
	var kind wire.Kind
	json.Unmarshal(ack["type"], &kind)
	if kind != wire.KindDirectMessageSent {
		t.Fatalf("sender ack kind = %q, want direct_message_sent", kind)
	}
	rows := h.pending.snapshot()
	if len(rows) != 1 {
		t.Fatalf("pending deliveries = %d, want 1", len(rows))
	}
	if rows[0].RecipientID != "ghost" {
		t.Fatalf("pending recipient = %q, want ghost", rows[0].RecipientID)
	}
	if !strings.Contains(rows[0].Frame, string(wire.KindNewDirectMessage)) {
		t.Fatalf("stored frame = %s", rows[0].Frame)
	}
}

func TestSessionTypingFanOut(t *testing.T) {
	h := newSessionHarness(t)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	frame, _ := json.Marshal(map[string]any{
		"type": wire.KindTyping, "channelId": "ch-1",
	})
	alice.WriteMessage(websocket.TextMessage, frame)

	got := readFrame(t, bob)
	var kind wire.Kind
	var userID string
	json.Unmarshal(got["type"], &kind)
	json.Unmarshal(got["userId"], &userID)
	if kind != wire.KindTyping || userID != "alice" {
		t.Fatalf("got kind=%q userId=%q, want typing_indicator/alice", kind, userID)
	}

	// sender excluded from its own typing broadcast
	alice.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Fatal("sender should not receive its own typing indicator")
	}
}

func TestConversationKeyIsOrderIndependent(t *testing.T) {
	if ConversationKey("alice", "bob") != ConversationKey("bob", "alice") {
		t.Fatal("conversation key must not depend on speaker order")
	}
	if ConversationKey("alice", "bob") != "alice|bob" {
		t.Fatalf("key = %q", ConversationKey("alice", "bob"))
	}
}
