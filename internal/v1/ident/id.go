// Package ident provides the opaque identifiers used for rooms, users and
// checked-auth tickets.
package ident

import (
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

// EncodedLen is the length of the textual form of an ID.
const EncodedLen = 22 // base64url of 16 bytes, unpadded

// ErrInvalidID is returned when a textual ID cannot be decoded.
var ErrInvalidID = errors.New("invalid identifier")

// ID is an opaque 16-byte process-unique identifier. Its textual form is
// URL-safe and fixed-length, suitable for cookies, paths and wire packets.
type ID [16]byte

// Nil is the zero ID.
var Nil ID

// New returns a new random ID backed by a v4 UUID (122 bits of entropy).
func New() ID {
	return ID(uuid.New())
}

// String returns the fixed-length URL-safe textual form.
func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// IsNil reports whether the ID is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Parse decodes the textual form produced by String.
func Parse(s string) (ID, error) {
	if len(s) != EncodedLen {
		return Nil, ErrInvalidID
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return Nil, ErrInvalidID
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// MarshalText implements encoding.TextMarshaler so IDs embed cleanly in JSON
// claims and payloads.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
