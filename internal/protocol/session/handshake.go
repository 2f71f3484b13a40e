package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/danmuck/regsync/internal/protocol/schema"
	"github.com/danmuck/regsync/internal/protocol/tlv"
)

const (
	// ProtocolVersion is advertised in Hello and HelloAck.
	ProtocolVersion = "1.0.0"
	// compatibleVersions is the range of peer versions this build accepts.
	compatibleVersions = "^1"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	AckCodeOK                  uint32 = 0
	AckCodeIncompatibleVersion uint32 = 1001
	AckCodeDuplicatePeer       uint32 = 1002
	AckCodeIdentityMismatch    uint32 = 1003
)

var (
	ErrInvalidHello        = errors.New("session: invalid hello")
	ErrInvalidHelloAck     = errors.New("session: invalid hello ack")
	ErrIncompatibleVersion = errors.New("session: incompatible protocol version")
)

var versionRange = mustConstraint(compatibleVersions)

func mustConstraint(raw string) *semver.Constraints {
	c, err := semver.NewConstraint(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// CheckVersion accepts peer versions inside the compatible range.
func CheckVersion(remote string) error {
	v, err := semver.NewVersion(strings.TrimSpace(remote))
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatibleVersion, remote, err)
	}
	if !versionRange.Check(v) {
		return fmt.Errorf("%w: %s not in %s", ErrIncompatibleVersion, v, compatibleVersions)
	}
	return nil
}

// Hello is the first message on every link, sent by the dialing side.
type Hello struct {
	PeerID  string
	Version string
	Role    string
}

func (Hello) MessageType() uint32 { return schema.MsgHello }

func (h Hello) Validate() error {
	if strings.TrimSpace(h.PeerID) == "" {
		return fmt.Errorf("%w: missing peer_id", ErrInvalidHello)
	}
	if strings.TrimSpace(h.Version) == "" {
		return fmt.Errorf("%w: missing protocol_version", ErrInvalidHello)
	}
	if strings.TrimSpace(h.Role) == "" {
		return fmt.Errorf("%w: missing role", ErrInvalidHello)
	}
	return nil
}

func (h Hello) fields() ([]tlv.Field, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return []tlv.Field{
		tlv.String(schema.FieldPeerID, h.PeerID),
		tlv.String(schema.FieldProtocolVersion, h.Version),
		tlv.String(schema.FieldRole, h.Role),
	}, nil
}

func decodeHello(fields []tlv.Field) (Hello, error) {
	var h Hello
	var err error
	if h.PeerID, err = tlv.GetString(fields, schema.FieldPeerID); err != nil {
		return Hello{}, err
	}
	if h.Version, err = tlv.GetString(fields, schema.FieldProtocolVersion); err != nil {
		return Hello{}, err
	}
	if h.Role, err = tlv.GetString(fields, schema.FieldRole); err != nil {
		return Hello{}, err
	}
	return h, h.Validate()
}

// HelloAck answers a Hello. A rejected ack is followed by the listener closing the link.
type HelloAck struct {
	Status      string
	Code        uint32
	Message     string
	PeerID      string
	Version     string
	TimestampMS uint64
}

func (HelloAck) MessageType() uint32 { return schema.MsgHelloAck }

func (a HelloAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.PeerID) == "" {
		return fmt.Errorf("%w: missing peer_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

func (a HelloAck) fields() ([]tlv.Field, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldStatus, a.Status),
		tlv.U32(schema.FieldCode, a.Code),
		tlv.String(schema.FieldPeerID, a.PeerID),
		tlv.String(schema.FieldProtocolVersion, a.Version),
		tlv.U64(schema.FieldTimestampMS, a.TimestampMS),
	}
	if a.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, a.Message))
	}
	return fields, nil
}

func decodeHelloAck(fields []tlv.Field) (HelloAck, error) {
	var a HelloAck
	var err error
	if a.Status, err = tlv.GetString(fields, schema.FieldStatus); err != nil {
		return HelloAck{}, err
	}
	if a.Code, err = tlv.GetU32(fields, schema.FieldCode); err != nil {
		return HelloAck{}, err
	}
	if a.Message, err = tlv.GetString(fields, schema.FieldMessage); err != nil {
		return HelloAck{}, err
	}
	if a.PeerID, err = tlv.GetString(fields, schema.FieldPeerID); err != nil {
		return HelloAck{}, err
	}
	if a.Version, err = tlv.GetString(fields, schema.FieldProtocolVersion); err != nil {
		return HelloAck{}, err
	}
	if a.TimestampMS, err = tlv.GetU64(fields, schema.FieldTimestampMS); err != nil {
		return HelloAck{}, err
	}
	return a, a.Validate()
}
