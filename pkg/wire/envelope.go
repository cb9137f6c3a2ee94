// Package wire defines the JSON event protocol spoken between clients and
// the relay: a typed envelope, a closed set of event kinds, and boundary
// validation for inbound frames.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies an event type on the wire. The set of kinds is closed:
// decoding rejects anything outside it so dispatch never switches on raw
// strings.
type Kind string

const (
	// Handshake and liveness.
	KindHello   Kind = "hello"
	KindHelloOK Kind = "hello_ok"
	KindPing    Kind = "ping"
	KindPong    Kind = "pong"

	// Request/response machinery.
	KindAck   Kind = "ack"
	KindError Kind = "error"

	// Call signaling.
	KindInitiateCall  Kind = "initiate_call"
	KindCallInitiated Kind = "call_initiated"
	KindAcceptCall    Kind = "accept_call"
	KindCallAccepted  Kind = "call_accepted"
	KindRejectCall    Kind = "reject_call"
	KindCallRejected  Kind = "call_rejected"
	KindEndCall       Kind = "end_call"
	KindCallEnded     Kind = "call_ended"

	// Chat.
	KindSendMessage      Kind = "send_message"
	KindMessageReceived  Kind = "message_received"
	KindMessageDelivered Kind = "message_delivered"
	KindMessageRead      Kind = "message_read"
	KindUserTyping       Kind = "user_typing"
	KindUserStopped      Kind = "user_stopped_typing"

	// Presence.
	KindPresenceUpdate      Kind = "presence_update"
	KindPresenceSubscribe   Kind = "presence_subscribe"
	KindPresenceUnsubscribe Kind = "presence_unsubscribe"

	// Help marketplace.
	KindHelpRequest Kind = "help_request"
)

var knownKinds = map[Kind]struct{}{
	KindHello:               {},
	KindHelloOK:             {},
	KindPing:                {},
	KindPong:                {},
	KindAck:                 {},
	KindError:               {},
	KindInitiateCall:        {},
	KindCallInitiated:       {},
	KindAcceptCall:          {},
	KindCallAccepted:        {},
	KindRejectCall:          {},
	KindCallRejected:        {},
	KindEndCall:             {},
	KindCallEnded:           {},
	KindSendMessage:         {},
	KindMessageReceived:     {},
	KindMessageDelivered:    {},
	KindMessageRead:         {},
	KindUserTyping:          {},
	KindUserStopped:         {},
	KindPresenceUpdate:      {},
	KindPresenceSubscribe:   {},
	KindPresenceUnsubscribe: {},
	KindHelpRequest:         {},
}

// Known reports whether k is part of the protocol.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// ErrUnknownKind is returned when a frame names an event kind outside the
// protocol. Receivers log and drop such frames without closing the
// connection.
var ErrUnknownKind = errors.New("unknown event kind")

// Envelope is the outer frame of every protocol event.
type Envelope struct {
	Event         Kind            `json:"event"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(kind Kind, correlationID string, payload any) (Envelope, error) {
	env := Envelope{Event: kind, CorrelationID: correlationID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode parses a raw frame into an envelope, rejecting unknown kinds.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, errors.New("envelope missing event")
	}
	if !env.Event.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Event)
	}
	return &env, nil
}

// Encode serializes the envelope for the transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the payload into the struct matching the
// envelope's kind and returns it. The switch is exhaustive over the
// protocol; kinds without a payload return nil.
func (e *Envelope) DecodePayload() (any, error) {
	switch e.Event {
	case KindHello:
		return decodeAs[Hello](e)
	case KindHelloOK:
		return decodeAs[HelloOK](e)
	case KindPing, KindPong:
		return decodeAs[Heartbeat](e)
	case KindAck:
		return decodeAs[Ack](e)
	case KindError:
		return decodeAs[ProtocolError](e)
	case KindInitiateCall:
		return decodeAs[InitiateCall](e)
	case KindCallInitiated:
		return decodeAs[CallInitiated](e)
	case KindAcceptCall:
		return decodeAs[AcceptCall](e)
	case KindCallAccepted:
		return decodeAs[CallAccepted](e)
	case KindRejectCall:
		return decodeAs[RejectCall](e)
	case KindCallRejected:
		return decodeAs[CallRejected](e)
	case KindEndCall:
		return decodeAs[EndCall](e)
	case KindCallEnded:
		return decodeAs[CallEnded](e)
	case KindSendMessage, KindMessageReceived:
		return decodeAs[ChatMessage](e)
	case KindMessageDelivered, KindMessageRead:
		return decodeAs[Receipt](e)
	case KindUserTyping, KindUserStopped:
		return decodeAs[Typing](e)
	case KindPresenceUpdate:
		return decodeAs[PresenceUpdate](e)
	case KindPresenceSubscribe, KindPresenceUnsubscribe:
		return decodeAs[PresenceSubscription](e)
	case KindHelpRequest:
		return decodeAs[HelpRequest](e)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Event)
	}
}

func decodeAs[T any](e *Envelope) (*T, error) {
	var v T
	if len(e.Payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return &v, nil
}
