// Package ident owns registry entry identifiers.
//
// An identifier is a namespace and a path joined by a colon, for example
// "tools:blades/iron". Both halves are lowercase; the path may contain '/'.
package ident

import (
	"errors"
	"fmt"
	"strings"
)

const separator = ':'

var (
	ErrEmptyID          = errors.New("ident: empty identifier")
	ErrMissingNamespace = errors.New("ident: missing namespace")
	ErrInvalidNamespace = errors.New("ident: invalid namespace")
	ErrInvalidPath      = errors.New("ident: invalid path")
)

// Empty is the identifier used by empty holders.
var Empty = ID{Namespace: "regsync", Path: "empty"}

// ID is one entry identifier.
type ID struct {
	Namespace string
	Path      string
}

// New validates and builds an identifier from its parts.
func New(namespace, path string) (ID, error) {
	id := ID{Namespace: strings.TrimSpace(namespace), Path: strings.TrimSpace(path)}
	if err := id.Validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Parse reads the "namespace:path" form.
func Parse(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ID{}, ErrEmptyID
	}
	i := strings.IndexByte(raw, separator)
	if i < 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrMissingNamespace, raw)
	}
	return New(raw[:i], raw[i+1:])
}

// MustParse is Parse for identifiers known at compile time.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return id.Namespace + string(separator) + id.Path
}

func (id ID) IsZero() bool {
	return id.Namespace == "" && id.Path == ""
}

// Validate checks both halves against the identifier alphabet.
func (id ID) Validate() error {
	if id.IsZero() {
		return ErrEmptyID
	}
	if !validSegment(id.Namespace, false) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, id.Namespace)
	}
	if !validSegment(id.Path, true) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, id.Path)
	}
	return nil
}

// Less orders identifiers by namespace, then path.
func (id ID) Less(other ID) bool {
	if id.Namespace != other.Namespace {
		return id.Namespace < other.Namespace
	}
	return id.Path < other.Path
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts the empty string as the zero identifier.
func (id *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func validSegment(s string, allowSlash bool) bool {
	if s == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_' || (allowSlash && c == '/')
		if !(isLower || isDigit || isSep) {
			return false
		}
		if c == '/' && (i == 0 || i == len(s)-1 || lastSep) {
			return false
		}
		lastSep = c == '/'
	}
	return true
}
