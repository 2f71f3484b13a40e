package session

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/regsync/internal/ident"
	"github.com/danmuck/regsync/internal/protocol/frame"
	"github.com/danmuck/regsync/internal/protocol/schema"
	"github.com/danmuck/regsync/internal/protocol/tlv"
	"github.com/klauspost/compress/zstd"
)

// MaxPathLen bounds registry paths carried in sync messages.
const MaxPathLen = 50

var (
	ErrEmptyPath       = errors.New("session: empty registry path")
	ErrPathTooLong     = errors.New("session: registry path too long")
	ErrInvalidContent  = errors.New("session: invalid sync content")
	ErrUnknownMessage  = errors.New("session: unknown message type")
	ErrDecompressLimit = errors.New("session: decompressed payload exceeds limit")
)

// Message is any value that travels in one frame.
type Message interface {
	MessageType() uint32
	fields() ([]tlv.Field, error)
}

// SyncMessage is one of Start, Content or End.
type SyncMessage interface {
	Message
	SyncPath() string
}

// Start opens a sync session for Path on the receiver.
type Start struct {
	Path string
}

// Content carries one entry in wire form. Tag selects the wire codec.
type Content struct {
	Path    string
	ID      ident.ID
	Tag     ident.ID
	Payload []byte
}

// End closes the sync session for Path and triggers the receiver's commit.
type End struct {
	Path string
}

func (Start) MessageType() uint32   { return schema.MsgSyncStart }
func (Content) MessageType() uint32 { return schema.MsgSyncContent }
func (End) MessageType() uint32     { return schema.MsgSyncEnd }

func (m Start) SyncPath() string   { return m.Path }
func (m Content) SyncPath() string { return m.Path }
func (m End) SyncPath() string     { return m.Path }

// ValidatePath enforces the sync path bounds.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrEmptyPath
	}
	if len(path) > MaxPathLen {
		return fmt.Errorf("%w: %d > %d bytes", ErrPathTooLong, len(path), MaxPathLen)
	}
	return nil
}

func (m Start) fields() ([]tlv.Field, error) {
	if err := ValidatePath(m.Path); err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.String(schema.FieldPath, m.Path)}, nil
}

func (m End) fields() ([]tlv.Field, error) {
	if err := ValidatePath(m.Path); err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.String(schema.FieldPath, m.Path)}, nil
}

func (m Content) fields() ([]tlv.Field, error) {
	if err := ValidatePath(m.Path); err != nil {
		return nil, err
	}
	if err := m.ID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrInvalidContent, err)
	}
	if err := m.Tag.Validate(); err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrInvalidContent, err)
	}
	return []tlv.Field{
		tlv.String(schema.FieldPath, m.Path),
		tlv.String(schema.FieldEntryID, m.ID.String()),
		tlv.String(schema.FieldTag, m.Tag.String()),
		tlv.Bytes(schema.FieldPayload, m.Payload),
	}, nil
}

// EncodeFrame builds the frame for m. Content payloads at or above
// cfg.CompressThreshold are zstd-compressed and flagged. A frame whose
// payload exceeds cfg.Limits fails with frame.ErrPayloadTooLarge.
func EncodeFrame(messageID uint64, m Message, cfg Config) (frame.Frame, error) {
	fields, err := m.fields()
	if err != nil {
		return frame.Frame{}, err
	}
	var flags uint32
	if c, ok := m.(Content); ok && cfg.CompressThreshold > 0 && len(c.Payload) >= cfg.CompressThreshold {
		packed, err := compress(c.Payload)
		if err != nil {
			return frame.Frame{}, err
		}
		for i := range fields {
			if fields[i].ID == schema.FieldPayload {
				fields[i].Value = packed
			}
		}
		flags |= frame.FlagCompressed
	}
	if ack, ok := m.(HelloAck); ok {
		flags |= frame.FlagIsResponse
		if !ack.Accepted() {
			flags |= frame.FlagIsError
		}
	}
	if p, ok := m.(Ping); ok && p.Reply {
		flags |= frame.FlagIsResponse
	}
	if err := schema.Validate(m.MessageType(), fields); err != nil {
		return frame.Frame{}, err
	}
	payload := tlv.EncodeFields(fields)
	if cfg.Limits.MaxPayloadBytes > 0 {
		if err := cfg.Limits.CheckPayload(uint64(len(payload))); err != nil {
			return frame.Frame{}, err
		}
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: m.MessageType(),
			Flags:       flags,
		},
		Payload: payload,
	}, nil
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(f frame.Frame, cfg Config) (Message, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return nil, err
	}
	switch f.Header.MessageType {
	case schema.MsgHello:
		return decodeHello(fields)
	case schema.MsgHelloAck:
		return decodeHelloAck(fields)
	case schema.MsgSyncStart:
		path, err := decodePath(fields)
		if err != nil {
			return nil, err
		}
		return Start{Path: path}, nil
	case schema.MsgSyncEnd:
		path, err := decodePath(fields)
		if err != nil {
			return nil, err
		}
		return End{Path: path}, nil
	case schema.MsgSyncContent:
		return decodeContent(fields, f.Has(frame.FlagCompressed), cfg)
	case schema.MsgPing:
		ts, err := tlv.GetU64(fields, schema.FieldTimestampMS)
		if err != nil {
			return nil, err
		}
		return Ping{TimestampMS: ts, Reply: f.Has(frame.FlagIsResponse)}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, f.Header.MessageType)
	}
}

func decodePath(fields []tlv.Field) (string, error) {
	path, err := tlv.GetString(fields, schema.FieldPath)
	if err != nil {
		return "", err
	}
	return path, ValidatePath(path)
}

func decodeContent(fields []tlv.Field, compressed bool, cfg Config) (Content, error) {
	path, err := decodePath(fields)
	if err != nil {
		return Content{}, err
	}
	rawID, err := tlv.GetString(fields, schema.FieldEntryID)
	if err != nil {
		return Content{}, err
	}
	rawTag, err := tlv.GetString(fields, schema.FieldTag)
	if err != nil {
		return Content{}, err
	}
	id, err := ident.Parse(rawID)
	if err != nil {
		return Content{}, fmt.Errorf("%w: id: %v", ErrInvalidContent, err)
	}
	tag, err := ident.Parse(rawTag)
	if err != nil {
		return Content{}, fmt.Errorf("%w: tag: %v", ErrInvalidContent, err)
	}
	payload, _ := tlv.GetField(fields, schema.FieldPayload)
	data := payload.Value
	if compressed {
		if data, err = decompress(data, cfg.Limits.MaxPayloadBytes); err != nil {
			return Content{}, err
		}
	}
	return Content{Path: path, ID: id, Tag: tag, Payload: data}, nil
}

// WriteMessage encodes m and writes one frame to w.
func WriteMessage(w io.Writer, messageID uint64, m Message, cfg Config) error {
	f, err := EncodeFrame(messageID, m, cfg)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, cfg.Limits)
}

// ReadMessage reads and decodes one frame from r.
func ReadMessage(r io.Reader, cfg Config) (uint64, Message, error) {
	f, err := frame.ReadFrame(r, cfg.Limits)
	if err != nil {
		return 0, nil, err
	}
	m, err := DecodeFrame(f, cfg)
	if err != nil {
		return f.Header.MessageID, nil, err
	}
	return f.Header.MessageID, m, nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(frame.DefaultLimits().MaxPayloadBytes*4))
	})
	return zstdEnc, zstdDec, zstdErr
}

func compress(b []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

func decompress(b []byte, limit uint64) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	if limit > 0 && uint64(len(out)) > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrDecompressLimit, len(out), limit)
	}
	return out, nil
}
