package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"taskpulse/internal/metrics"
	"taskpulse/internal/model"
	"taskpulse/internal/repository"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/wire"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const persistTimeout = 3 * time.Second

// SessionConfig carries per-connection tunables from the gateway config.
type SessionConfig struct {
	Heartbeat       time.Duration
	AuthTimeout     time.Duration
	SendBufferSize  int
	FramesPerSecond int
	FrameBurst      int
}

// Session owns one upgraded websocket: it enforces the auth handshake, rate
// limits inbound frames, persists and routes chat messages, and runs the
// write pump feeding frames from the hub back to the socket.
type Session struct {
	conn     *websocket.Conn
	hub      *Hub
	messages repository.MessageInterface
	pending  repository.PendingInterface
	observer metrics.HubObserver
	cfg      SessionConfig
	user     UserInfo

	client  *Client
	limiter *rate.Limiter
}

func NewSession(conn *websocket.Conn, hub *Hub, messages repository.MessageInterface,
	pending repository.PendingInterface, observer metrics.HubObserver,
	cfg SessionConfig, user UserInfo) *Session {

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 128
	}
	if cfg.FramesPerSecond <= 0 {
		cfg.FramesPerSecond = 25
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = cfg.FramesPerSecond * 2
	}
	return &Session{
		conn:     conn,
		hub:      hub,
		messages: messages,
		pending:  pending,
		observer: observer,
		cfg:      cfg,
		user:     user,
		limiter:  rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), cfg.FrameBurst),
	}
}

// inboundFrame is the superset of fields client frames carry.
type inboundFrame struct {
	Type           wire.Kind `json:"type"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	ChannelID      string    `json:"channelId"`
	RecipientID    string    `json:"recipientId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	ClientTime     time.Time `json:"clientTime"`
}

// Run blocks until the connection drops. The first frame must be the auth
// frame and must match the JWT identity presented at upgrade.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	if !s.handshake() {
		return
	}

	s.client = &Client{
		UserID:   s.user.UserID,
		Username: s.user.Name,
		Send:     make(chan []byte, s.cfg.SendBufferSize),
	}
	s.hub.Register(s.client)
	defer s.hub.Unregister(s.client)

	s.sendFrame(map[string]any{"type": wire.KindAuthSuccess, "userId": s.user.UserID})
	s.sendFrame(map[string]any{"type": wire.KindWelcome, "message": "connected"})

	go s.writePump()
	s.readLoop(ctx)
}

func (s *Session) handshake() bool {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		logger.Warn("connection dropped before auth", zap.Error(err))
		return false
	}
	var auth wire.AuthFrame
	if err := json.Unmarshal(raw, &auth); err != nil || auth.Type != wire.KindAuth {
		s.writeErrorNow("auth_required", "first frame must be auth")
		return false
	}
	if auth.UserID != s.user.UserID {
		logger.Warn("auth frame identity mismatch",
			zap.String("claimed", auth.UserID),
			zap.String("token", s.user.UserID))
		s.writeErrorNow("auth_failed", "identity does not match token")
		return false
	}
	return true
}

func (s *Session) readLoop(ctx context.Context) {
	pongWait := s.cfg.Heartbeat * 2
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			logger.Debug("session closed", zap.String("user", s.user.UserID), zap.Error(err))
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !s.limiter.Allow() {
			// typing storms and runaway clients; drop on the floor
			logger.Warn("inbound frame rate limited", zap.String("user", s.user.UserID))
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Warn("malformed inbound frame", zap.String("user", s.user.UserID), zap.Error(err))
			continue
		}

		switch frame.Type {
		case wire.KindChannelMessage:
			s.handleChannelMessage(ctx, frame)
		case wire.KindDirectMessage:
			s.handleDirectMessage(ctx, frame)
		case wire.KindTyping:
			s.handleTyping(frame)
		case wire.KindAuth:
			// already authenticated; ignore duplicates
		default:
			logger.Debug("ignoring unsupported frame kind",
				zap.String("kind", string(frame.Type)),
				zap.String("user", s.user.UserID))
		}
	}
}

func (s *Session) handleChannelMessage(ctx context.Context, frame inboundFrame) {
	if frame.ChannelID == "" || frame.Content == "" {
		s.sendError("validation", "channel message needs channelId and content")
		return
	}
	msg := &model.ChannelMessage{
		ChannelID:  frame.ChannelID,
		SenderID:   s.user.UserID,
		Content:    frame.Content,
		ClientTime: frame.ClientTime,
	}
	opCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := s.messages.CreateChannelMessage(opCtx, msg); err != nil {
		logger.Error("channel message persist failed", zap.Error(err))
		s.observer.RecordStoreFailure()
		s.sendError(wire.ErrorTypeDatabase, "message could not be stored")
		return
	}

	// everyone gets the authoritative copy, sender included, so optimistic
	// UI entries reconcile against it
	out, _ := json.Marshal(map[string]any{
		"type":      wire.KindNewChannelMessage,
		"channelId": frame.ChannelID,
		"message":   msg,
	})
	s.hub.Broadcast(nil, out)
}

func (s *Session) handleDirectMessage(ctx context.Context, frame inboundFrame) {
	if frame.RecipientID == "" || frame.Content == "" {
		s.sendError("validation", "direct message needs recipientId and content")
		return
	}
	convID := frame.ConversationID
	if convID == "" {
		convID = ConversationKey(s.user.UserID, frame.RecipientID)
	}
	msg := &model.DirectMessage{
		ConversationID: convID,
		SenderID:       s.user.UserID,
		RecipientID:    frame.RecipientID,
		Content:        frame.Content,
		ClientTime:     frame.ClientTime,
	}
	opCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := s.messages.CreateDirectMessage(opCtx, msg); err != nil {
		logger.Error("direct message persist failed", zap.Error(err))
		s.observer.RecordStoreFailure()
		s.sendError(wire.ErrorTypeDatabase, "message could not be stored")
		return
	}

	out, _ := json.Marshal(map[string]any{
		"type":           wire.KindNewDirectMessage,
		"conversationId": convID,
		"message":        msg,
	})
	if s.hub.SendToUser(frame.RecipientID, out) == 0 {
		// recipient offline: hold the frame for the flusher
		pd := &model.PendingDelivery{
			RecipientID: frame.RecipientID,
			Frame:       string(out),
		}
		if err := s.pending.Create(opCtx, pd); err != nil {
			logger.Error("pending delivery enqueue failed", zap.Error(err))
		}
	}

	ack, _ := json.Marshal(map[string]any{
		"type":           wire.KindDirectMessageSent,
		"conversationId": convID,
		"message":        msg,
	})
	s.sendRaw(ack)
}

func (s *Session) handleTyping(frame inboundFrame) {
	out, _ := json.Marshal(map[string]any{
		"type":           wire.KindTyping,
		"channelId":      frame.ChannelID,
		"conversationId": frame.ConversationID,
		"userId":         s.user.UserID,
	})
	if frame.RecipientID != "" {
		s.hub.SendToUser(frame.RecipientID, out)
		return
	}
	s.hub.Broadcast(s.client, out)
}

// ConversationKey is the stable pair key for a direct conversation,
// independent of who speaks first.
func ConversationKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

func (s *Session) sendFrame(fields map[string]any) {
	out, err := json.Marshal(fields)
	if err != nil {
		logger.Error("frame marshal failed", zap.Error(err))
		return
	}
	s.sendRaw(out)
}

func (s *Session) sendRaw(frame []byte) {
	select {
	case s.client.Send <- frame:
	default:
		logger.Warn("own send buffer full, dropping frame", zap.String("user", s.user.UserID))
	}
}

func (s *Session) sendError(errorType, message string) {
	s.sendFrame(map[string]any{
		"type":      wire.KindError,
		"errorType": errorType,
		"message":   message,
	})
}

// writeErrorNow writes directly, for failures before the write pump exists.
func (s *Session) writeErrorNow(errorType, message string) {
	out, _ := json.Marshal(wire.ErrorFrame{Type: wire.KindError, ErrorType: errorType, Message: message})
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.TextMessage, out)
}

// writePump drains the client's send channel onto the socket and keeps the
// connection alive with pings. Exits when the channel closes (unregister) or
// a write fails, which closes the conn and unblocks the read loop.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.client.Send:
			if !ok {
				s.conn.SetWriteDeadline(time.Now().Add(time.Second))
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("write pump error", zap.String("user", s.user.UserID), zap.Error(err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
