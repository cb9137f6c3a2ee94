package wire

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound frames are schema-checked at the relay boundary before dispatch,
// on top of the typed decode. The schemas live here so client tests can
// assert that what they emit passes the same gate.

type schemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[Kind]*jsonschema.Schema
}

var inboundSchemas schemaRegistry

func initInboundSchemas() error {
	inboundSchemas.once.Do(func() {
		env, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			inboundSchemas.initErr = err
			return
		}
		inboundSchemas.envelope = env

		payloads := map[Kind]string{
			KindHello:               helloSchema,
			KindInitiateCall:        initiateCallSchema,
			KindAcceptCall:          callRefSchema,
			KindRejectCall:          rejectCallSchema,
			KindEndCall:             callRefSchema,
			KindSendMessage:         sendMessageSchema,
			KindMessageDelivered:    receiptSchema,
			KindMessageRead:         receiptSchema,
			KindUserTyping:          typingSchema,
			KindUserStopped:         typingSchema,
			KindPresenceUpdate:      presenceUpdateSchema,
			KindPresenceSubscribe:   presenceSubscriptionSchema,
			KindPresenceUnsubscribe: presenceSubscriptionSchema,
			KindHelpRequest:         helpRequestSchema,
		}

		inboundSchemas.payloads = make(map[Kind]*jsonschema.Schema, len(payloads))
		for kind, src := range payloads {
			compiled, err := jsonschema.CompileString("payload_"+string(kind), src)
			if err != nil {
				inboundSchemas.initErr = err
				return
			}
			inboundSchemas.payloads[kind] = compiled
		}
	})
	return inboundSchemas.initErr
}

// ValidateInbound checks a raw client frame against the envelope schema and
// the payload schema for its kind, if one is registered. env must be the
// already-decoded envelope for the same bytes.
func ValidateInbound(raw []byte, env *Envelope) error {
	if err := initInboundSchemas(); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("missing envelope")
	}

	var frame any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	if err := inboundSchemas.envelope.Validate(frame); err != nil {
		return err
	}

	if schema := inboundSchemas.payloads[env.Event]; schema != nil {
		var payload any
		if len(env.Payload) == 0 {
			payload = map[string]any{}
		} else if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		if err := schema.Validate(payload); err != nil {
			return err
		}
	}
	return nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": { "type": "string", "minLength": 1 },
    "correlationId": { "type": "string" },
    "payload": {}
  },
  "additionalProperties": true
}`

const helloSchema = `{
  "type": "object",
  "required": ["identity", "token", "client"],
  "properties": {
    "identity": { "type": "string", "minLength": 1 },
    "token": { "type": "string", "minLength": 1 },
    "client": {
      "type": "object",
      "required": ["name", "version"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": true
    },
    "resume": {
      "type": "object",
      "properties": {
        "lastSeq": {
          "type": "object",
          "additionalProperties": { "type": "integer", "minimum": 0 }
        }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const initiateCallSchema = `{
  "type": "object",
  "required": ["receiverId", "media"],
  "properties": {
    "receiverId": { "type": "string", "minLength": 1 },
    "media": { "enum": ["audio", "video"] }
  },
  "additionalProperties": true
}`

const callRefSchema = `{
  "type": "object",
  "required": ["callId"],
  "properties": {
    "callId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const rejectCallSchema = `{
  "type": "object",
  "required": ["callId"],
  "properties": {
    "callId": { "type": "string", "minLength": 1 },
    "reason": { "type": "string" }
  },
  "additionalProperties": true
}`

const sendMessageSchema = `{
  "type": "object",
  "required": ["messageId", "threadId", "content", "type", "seq"],
  "properties": {
    "messageId": { "type": "string", "minLength": 1 },
    "threadId": { "type": "string", "minLength": 1 },
    "receiverId": { "type": "string" },
    "content": { "type": "string", "minLength": 1 },
    "type": { "enum": ["text", "system", "help_request"] },
    "priority": { "enum": ["low", "normal", "high", "urgent"] },
    "seq": { "type": "integer", "minimum": 1 },
    "sentAt": { "type": "string" }
  },
  "additionalProperties": true
}`

const receiptSchema = `{
  "type": "object",
  "required": ["messageId", "threadId"],
  "properties": {
    "messageId": { "type": "string", "minLength": 1 },
    "threadId": { "type": "string", "minLength": 1 },
    "to": { "type": "string" },
    "by": { "type": "string" }
  },
  "additionalProperties": true
}`

const typingSchema = `{
  "type": "object",
  "required": ["threadId"],
  "properties": {
    "threadId": { "type": "string", "minLength": 1 },
    "receiverId": { "type": "string" }
  },
  "additionalProperties": true
}`

const presenceUpdateSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": { "enum": ["online", "away", "busy", "offline"] },
    "customStatus": { "type": "string", "maxLength": 256 }
  },
  "additionalProperties": true
}`

const presenceSubscriptionSchema = `{
  "type": "object",
  "properties": {
    "identities": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "room": { "type": "string" }
  },
  "additionalProperties": true
}`

const helpRequestSchema = `{
  "type": "object",
  "required": ["targetId", "subject"],
  "properties": {
    "targetId": { "type": "string", "minLength": 1 },
    "subject": { "type": "string", "minLength": 1 },
    "message": { "type": "string" },
    "urgency": { "enum": ["low", "normal", "high", "urgent"] }
  },
  "additionalProperties": true
}`
