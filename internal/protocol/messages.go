// Package protocol defines the realtime event names and payloads exchanged
// with the conversation service. Every frame is a JSON envelope carrying the
// event name under "type" and the payload under "data". Payloads are either
// JSON objects or, for room join/leave requests, a bare conversation id
// string.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeAuthenticate         = "authenticate"
	TypeJoinConversation     = "join_conversation"
	TypeLeaveConversation    = "leave_conversation"
	TypeTypingStart          = "typing_start"
	TypeTypingStop           = "typing_stop"
	TypeMarkAsRead           = "mark_as_read"
	TypeRequestHumanTakeover = "request_human_takeover"
	TypeAssignConversation   = "assign_conversation"
)

// Server -> Client events.
const (
	TypeAuthenticated        = "authenticated"
	TypeAuthenticationError  = "authentication_error"
	TypeJoinedConversation   = "joined_conversation"
	TypeLeftConversation     = "left_conversation"
	TypeUserTyping           = "user_typing"
	TypeNewMessage           = "new_message"
	TypeConversationUpdated  = "conversation_updated"
	TypeConversationsUpdated = "conversations_updated"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the on-the-wire frame. Data is kept raw so that consumers can
// decode it into the payload struct they expect.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It rejects frames
// without an event name and copies the payload bytes so the envelope does not
// alias the caller's read buffer.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.Data = nil
	if len(partial.Data) > 0 {
		e.Data = make(json.RawMessage, len(partial.Data))
		copy(e.Data, partial.Data)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// AuthenticatePayload is the application-level handshake sent right after
// the transport connects.
type AuthenticatePayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// TypingPayload signals local typing start or stop for a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

// MarkAsReadPayload is a read receipt for a single message.
type MarkAsReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// TakeoverPayload asks the backend to hand a conversation from the bot to a
// human agent.
type TakeoverPayload struct {
	ConversationID string `json:"conversationId"`
}

// AssignPayload assigns a conversation to an agent.
type AssignPayload struct {
	ConversationID string `json:"conversationId"`
	AssignedTo     string `json:"assignedTo"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// AuthenticationErrorPayload carries the reason the server declined the
// credential.
type AuthenticationErrorPayload struct {
	Message string `json:"message"`
}

// RoomAckPayload acknowledges a join or leave.
type RoomAckPayload struct {
	ConversationID string `json:"conversationId"`
}

// UserTypingPayload relays a remote participant's typing state.
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ConversationEventPayload is the common shape of new_message and
// conversation_updated. Only the conversation id is relied upon; the rest of
// the push payload is not authoritative.
type ConversationEventPayload struct {
	ConversationID string `json:"conversationId"`
}

// ConversationsUpdatedPayload signals that the list for a connection changed.
type ConversationsUpdatedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// Encode builds a frame for the given event. A nil payload produces an
// envelope without data.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", msgType, err)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses a raw frame into its envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	return env, nil
}

// DecodeData decodes an envelope payload into v.
func DecodeData(msgType string, data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("protocol: %q frame has no data", msgType)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", msgType, err)
	}
	return nil
}

// ConversationID extracts a conversation id from a payload that is either a
// bare JSON string or an object with a "conversationId" field. It returns an
// empty string when neither form is present.
func ConversationID(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id
	}
	var obj ConversationEventPayload
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj.ConversationID
	}
	return ""
}
