package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates frames on the realtime channel. Every frame is a flat
// JSON object carrying a "type" field plus kind-specific payload fields.
type Kind string

const (
	// Client -> server
	KindAuth           Kind = "auth"
	KindChannelMessage Kind = "channel_message"
	KindDirectMessage  Kind = "direct_message"
	KindTyping         Kind = "typing_indicator"

	// Server -> client
	KindAuthSuccess          Kind = "auth_success"
	KindWelcome              Kind = "welcome"
	KindNewDirectMessage     Kind = "new_direct_message"
	KindDirectMessageSent    Kind = "direct_message_sent"
	KindDirectMessageUpdated Kind = "direct_message_updated"
	KindNewChannelMessage    Kind = "new_channel_message"
	KindMessageUpdated       Kind = "message_updated"
	KindChannelUpdated       Kind = "channel_updated"
	KindChannelMemberAdded   Kind = "channel_member_added"
	KindChannelMemberRemoved Kind = "channel_member_removed"
	KindError                Kind = "error"
)

// ErrorTypeDatabase marks an error frame caused by the data store behind the
// gateway being unreachable, as opposed to a request-level failure.
const ErrorTypeDatabase = "database_error"

var ErrNotObject = errors.New("payload is not a JSON object")

// AuthFrame is sent by the client immediately after the transport opens.
type AuthFrame struct {
	Type     Kind   `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ErrorFrame is sent by the gateway when it cannot serve a request.
type ErrorFrame struct {
	Type      Kind   `json:"type"`
	ErrorType string `json:"errorType,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Encode merges kind into payload, producing the flat object the channel
// carries. A nil payload encodes to just the type field.
func Encode(kind Kind, payload json.RawMessage) ([]byte, error) {
	obj := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
	}
	t, _ := json.Marshal(string(kind))
	obj["type"] = t
	return json.Marshal(obj)
}

// Stamp annotates an outbound chat payload with the optimistic flag and the
// client-side composition time, returning the rewritten payload.
func Stamp(payload json.RawMessage, at time.Time) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
	}
	obj["optimistic"], _ = json.Marshal(true)
	obj["clientTime"], _ = json.Marshal(at.UTC().Format(time.RFC3339Nano))
	return json.Marshal(obj)
}

// MessageOp distinguishes what happened to a chat message.
type MessageOp int

const (
	OpNew MessageOp = iota
	OpAck
	OpUpdated
)

// Event is the closed union of frames the client consumes. Exactly one
// concrete type exists per recognized wire kind, plus Unknown for
// forward compatibility.
type Event interface {
	EventKind() Kind
}

type AuthSuccess struct {
	UserID string
}

type Welcome struct {
	Message string
}

// DirectMessageEvent covers new_direct_message, direct_message_sent and
// direct_message_updated, distinguished by Op.
type DirectMessageEvent struct {
	Op             MessageOp
	ConversationID string
	Message        json.RawMessage
}

// ChannelMessageEvent covers new_channel_message and message_updated.
type ChannelMessageEvent struct {
	Op        MessageOp
	ChannelID string
	Message   json.RawMessage
}

type ChannelUpdated struct {
	ChannelID string
}

type ChannelMemberChange struct {
	ChannelID string
	UserID    string
	Removed   bool
}

type TypingIndicator struct {
	ChannelID      string
	ConversationID string
	UserID         string
}

type ServerError struct {
	ErrorType string
	Message   string
}

type Unknown struct {
	Type Kind
	Raw  json.RawMessage
}

func (AuthSuccess) EventKind() Kind { return KindAuthSuccess }
func (Welcome) EventKind() Kind     { return KindWelcome }
func (e DirectMessageEvent) EventKind() Kind {
	switch e.Op {
	case OpAck:
		return KindDirectMessageSent
	case OpUpdated:
		return KindDirectMessageUpdated
	default:
		return KindNewDirectMessage
	}
}
func (e ChannelMessageEvent) EventKind() Kind {
	if e.Op == OpUpdated {
		return KindMessageUpdated
	}
	return KindNewChannelMessage
}
func (ChannelUpdated) EventKind() Kind { return KindChannelUpdated }
func (e ChannelMemberChange) EventKind() Kind {
	if e.Removed {
		return KindChannelMemberRemoved
	}
	return KindChannelMemberAdded
}
func (TypingIndicator) EventKind() Kind { return KindTyping }
func (ServerError) EventKind() Kind     { return KindError }
func (u Unknown) EventKind() Kind       { return u.Type }

// envelope holds the superset of inbound fields; Decode narrows it into the
// matching Event variant.
type envelope struct {
	Type           Kind            `json:"type"`
	UserID         string          `json:"userId"`
	ChannelID      string          `json:"channelId"`
	ConversationID string          `json:"conversationId"`
	Message        json.RawMessage `json:"message"`
	ErrorType      string          `json:"errorType"`
}

// Decode parses a raw inbound frame into its Event variant. Frames whose type
// is not recognized come back as Unknown; malformed JSON is an error.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("frame missing type")
	}

	switch env.Type {
	case KindAuthSuccess:
		return AuthSuccess{UserID: env.UserID}, nil
	case KindWelcome:
		var text string
		if len(env.Message) > 0 {
			// welcome carries a plain string in the message field
			_ = json.Unmarshal(env.Message, &text)
		}
		return Welcome{Message: text}, nil
	case KindNewDirectMessage:
		return DirectMessageEvent{Op: OpNew, ConversationID: env.ConversationID, Message: env.Message}, nil
	case KindDirectMessageSent:
		return DirectMessageEvent{Op: OpAck, ConversationID: env.ConversationID, Message: env.Message}, nil
	case KindDirectMessageUpdated:
		return DirectMessageEvent{Op: OpUpdated, ConversationID: env.ConversationID, Message: env.Message}, nil
	case KindNewChannelMessage:
		return ChannelMessageEvent{Op: OpNew, ChannelID: env.ChannelID, Message: env.Message}, nil
	case KindMessageUpdated:
		return ChannelMessageEvent{Op: OpUpdated, ChannelID: env.ChannelID, Message: env.Message}, nil
	case KindChannelUpdated:
		return ChannelUpdated{ChannelID: env.ChannelID}, nil
	case KindChannelMemberAdded:
		return ChannelMemberChange{ChannelID: env.ChannelID, UserID: env.UserID}, nil
	case KindChannelMemberRemoved:
		return ChannelMemberChange{ChannelID: env.ChannelID, UserID: env.UserID, Removed: true}, nil
	case KindTyping:
		return TypingIndicator{ChannelID: env.ChannelID, ConversationID: env.ConversationID, UserID: env.UserID}, nil
	case KindError:
		return decodeError(raw)
	default:
		return Unknown{Type: env.Type, Raw: append([]byte(nil), raw...)}, nil
	}
}

func decodeError(raw []byte) (Event, error) {
	var f ErrorFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed error frame: %w", err)
	}
	return ServerError{ErrorType: f.ErrorType, Message: f.Message}, nil
}
