package session

import (
	"time"

	"github.com/danmuck/regsync/internal/protocol/schema"
	"github.com/danmuck/regsync/internal/protocol/tlv"
)

// Ping keeps an otherwise quiet link inside its peer's idle timeout. A
// receiver answers every Ping with a Reply carrying the same timestamp.
type Ping struct {
	TimestampMS uint64
	Reply       bool
}

func (Ping) MessageType() uint32 { return schema.MsgPing }

func (p Ping) fields() ([]tlv.Field, error) {
	return []tlv.Field{tlv.U64(schema.FieldTimestampMS, p.TimestampMS)}, nil
}

// NewPing stamps a ping with the current time.
func NewPing() Ping {
	return Ping{TimestampMS: uint64(time.Now().UnixMilli())}
}

// Answer is the reply to p.
func (p Ping) Answer() Ping {
	return Ping{TimestampMS: p.TimestampMS, Reply: true}
}

// KeepaliveInterval is how often a link with the given idle timeout pings
// its peer. Zero means the link never pings.
func KeepaliveInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	return idle / 3
}
