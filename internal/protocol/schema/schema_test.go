package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/regsync/internal/protocol/tlv"
	"github.com/danmuck/regsync/internal/testutil/testlog"
)

func contentFields() []tlv.Field {
	return []tlv.Field{
		tlv.String(FieldPath, "items/blades"),
		tlv.String(FieldEntryID, "tools:iron"),
		tlv.String(FieldTag, "tools:blade"),
		tlv.Bytes(FieldPayload, []byte{0x81}),
	}
}

func TestValidateContentRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgSyncContent, contentFields()); err != nil {
		t.Fatalf("validate content: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(contentFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgSyncContent, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldPath, "items/blades")}
	err := Validate(MsgSyncContent, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldEntryID || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := contentFields()
	fields[3] = tlv.String(FieldPayload, "not bytes")
	err := Validate(MsgSyncContent, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldPayload || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(999, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
	if MessageName(999) != "unknown(999)" || MessageName(MsgSyncEnd) != "sync.end" {
		t.Fatalf("message names wrong")
	}
}
