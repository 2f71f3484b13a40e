package codec

import (
	"errors"
	"fmt"

	"github.com/danmuck/regsync/internal/ident"
)

var (
	// ErrConfig marks a table that cannot back a registry, e.g. one with no registrations.
	ErrConfig = errors.New("codec: invalid configuration")
	// ErrDuplicateRegistration is returned when a tag, or a second default, is registered twice.
	ErrDuplicateRegistration = errors.New("codec: duplicate registration")
	// ErrDecode is the sentinel wrapped by every DecodeError.
	ErrDecode       = errors.New("codec: decode failed")
	ErrEmptyPayload = errors.New("codec: empty payload")
	ErrMissingTag   = errors.New("codec: payload does not declare a type")
	ErrUnknownTag   = errors.New("codec: unregistered type")
	// ErrConsistency is the sentinel wrapped by every ConsistencyError.
	ErrConsistency = errors.New("codec: consistency violation")
)

// DecodeError reports one entry that could not be read. It never aborts a batch.
type DecodeError struct {
	Table string
	Tag   ident.ID
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Tag.IsZero() {
		return fmt.Sprintf("codec: %s: decode: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("codec: %s: decode type=%s: %v", e.Table, e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// ConsistencyError reports a constructed value whose tag the table does not know.
// It is a programming error and is kept apart from DecodeError.
type ConsistencyError struct {
	Table  string
	Tag    ident.ID
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("codec: %s: type=%s: %s", e.Table, e.Tag, e.Reason)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrConsistency
}

func decodeErr(table string, tag ident.ID, err error) error {
	return &DecodeError{Table: table, Tag: tag, Err: err}
}
