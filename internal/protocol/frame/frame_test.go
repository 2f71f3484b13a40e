package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/regsync/internal/protocol/tlv"
	"github.com/danmuck/regsync/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, "items/blades")})
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 11, Flags: FlagCompressed},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.MessageType != 11 || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if !out.Has(FlagCompressed) || out.Has(FlagIsError) {
		t.Fatalf("flags mismatch: %#x", out.Header.Flags)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
	if _, err := ReadFrame(&buf, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at frame boundary, got %v", err)
	}
}

func TestMarshalMatchesWriteFrame(t *testing.T) {
	testlog.Start(t)
	in := Frame{Header: Header{MessageID: 7, MessageType: 1}, Payload: []byte("abc")}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	b, err := Marshal(in, DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(b, buf.Bytes()) {
		t.Fatalf("marshal output differs from WriteFrame")
	}
}

func TestReadFrameSkipsExtension(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen + 4, MessageID: 1, MessageType: 1, PayloadLen: 2}
	raw := append(EncodeHeader(h), 0xDE, 0xAD, 0xBE, 0xEF, 'o', 'k')
	out, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(out.Payload) != "ok" {
		t.Fatalf("payload=%q", out.Payload)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsHeaders(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		h    Header
		want error
	}{
		{name: "magic", h: Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen}, want: ErrBadMagic},
		{name: "version", h: Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen}, want: ErrUnsupportedVersion},
		{name: "header len", h: Header{Magic: Magic, Version: Version, HeaderLen: 8}, want: ErrHeaderLenTooSmall},
		{name: "payload", h: Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 1 << 40}, want: ErrPayloadTooLarge},
		{name: "extension", h: Header{Magic: Magic, Version: Version, HeaderLen: 0xFFFF}, want: ErrExtensionTooLarge},
	}
	for _, tc := range cases {
		_, err := ReadFrame(bytes.NewReader(EncodeHeader(tc.h)), DefaultLimits())
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestWriteFrameEnforcesLimit(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 2}
	err := WriteFrame(io.Discard, Frame{Payload: []byte("abc")}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
