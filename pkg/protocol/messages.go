package protocol

import (
	"encoding/json"
	"fmt"

	apperr "github.com/LingByte/CareCall/pkg/errors"
)

// MessageType tags a signaling message on the wire.
type MessageType string

const (
	MessageTypeOffer       MessageType = "offer"
	MessageTypeAnswer      MessageType = "answer"
	MessageTypeICE         MessageType = "ice"
	MessageTypeBye         MessageType = "bye"
	MessageTypeHeartbeat   MessageType = "heartbeat"
	MessageTypeRenegotiate MessageType = "renegotiate"
)

// Known reports whether t is a type this build understands.
func (t MessageType) Known() bool {
	switch t {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICE, MessageTypeBye,
		MessageTypeHeartbeat, MessageTypeRenegotiate:
		return true
	}
	return false
}

// Message is one signaling transmission.
type Message struct {
	Seq     uint64          `json:"seq"`
	Type    MessageType     `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SDPMessage is the payload of offer and answer messages
type SDPMessage struct {
	SDP        string `json:"sdp"`
	ICERestart bool   `json:"iceRestart,omitempty"`
}

// ICECandidateMessage represents an ICE candidate message
type ICECandidateMessage struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ByeMessage carries the reason the sender left.
type ByeMessage struct {
	Reason string `json:"reason"`
}

// RenegotiateMessage asks the initiator for an ICE restart offer.
type RenegotiateMessage struct {
	Reason string `json:"reason,omitempty"`
}

// Encode marshals m for transmission.
func Encode(m *Message) ([]byte, error) {
	if m == nil || m.Type == "" {
		return nil, apperr.NewAppError(apperr.ErrCodeInvalidMessage, "message type is required")
	}
	return json.Marshal(m)
}

// Decode parses one wire message. Unknown types decode fine; callers skip them.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperr.WrapError(apperr.ErrCodeInvalidMessage, fmt.Errorf("malformed signaling message: %w", err))
	}
	if m.Type == "" {
		return nil, apperr.NewAppError(apperr.ErrCodeInvalidMessage, "message type is required")
	}
	return &m, nil
}

// NewMessage builds a message with payload marshalled to JSON. Seq and From
// are stamped by the channel.
func NewMessage(t MessageType, payload interface{}) (*Message, error) {
	m := &Message{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return apperr.NewAppErrorf(apperr.ErrCodeInvalidMessage, "%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return apperr.WrapError(apperr.ErrCodeInvalidMessage, fmt.Errorf("bad %s payload: %w", m.Type, err))
	}
	return nil
}
