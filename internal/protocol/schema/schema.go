package schema

import (
	"fmt"

	"github.com/danmuck/regsync/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgHello       uint32 = 1
	MsgHelloAck    uint32 = 2
	MsgSyncStart   uint32 = 10
	MsgSyncContent uint32 = 11
	MsgSyncEnd     uint32 = 12
	MsgPing        uint32 = 20
)

// Field IDs.
const (
	FieldPeerID          uint16 = 1
	FieldProtocolVersion uint16 = 2
	FieldRole            uint16 = 3
	FieldTimestampMS     uint16 = 4

	FieldStatus  uint16 = 100
	FieldCode    uint16 = 101
	FieldMessage uint16 = 102

	FieldPath    uint16 = 200
	FieldEntryID uint16 = 201
	FieldTag     uint16 = 202
	FieldPayload uint16 = 203
	FieldCount   uint16 = 204
)

// MessageName is used in logs.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgHello:
		return "hello"
	case MsgHelloAck:
		return "hello.ack"
	case MsgSyncStart:
		return "sync.start"
	case MsgSyncContent:
		return "sync.content"
	case MsgSyncEnd:
		return "sync.end"
	case MsgPing:
		return "ping"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello: {
		{FieldPeerID, tlv.TypeString},
		{FieldProtocolVersion, tlv.TypeString},
		{FieldRole, tlv.TypeString},
	},
	MsgHelloAck: {
		{FieldStatus, tlv.TypeString},
		{FieldCode, tlv.TypeU32},
		{FieldPeerID, tlv.TypeString},
		{FieldProtocolVersion, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgSyncStart: {
		{FieldPath, tlv.TypeString},
	},
	MsgSyncContent: {
		{FieldPath, tlv.TypeString},
		{FieldEntryID, tlv.TypeString},
		{FieldTag, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgSyncEnd: {
		{FieldPath, tlv.TypeString},
	},
	MsgPing: {
		{FieldTimestampMS, tlv.TypeU64},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema: missing required field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: field type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
