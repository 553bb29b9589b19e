package domain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLength is the size of identities and ledger object ids
const AddressLength = 32

// Identity is a participant address
type Identity [AddressLength]byte

// ObjectID names an object on the ledger
type ObjectID [AddressLength]byte

// ParseIdentity parses a 0x-prefixed (or bare) hex address. Short forms are left-padded with zeros.
func ParseIdentity(s string) (Identity, error) {
	raw, err := parseAddress(s)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	return Identity(raw), nil
}

// ParseObjectID parses a 0x-prefixed (or bare) hex object id
func ParseObjectID(s string) (ObjectID, error) {
	raw, err := parseAddress(s)
	if err != nil {
		return ObjectID{}, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return ObjectID(raw), nil
}

func parseAddress(s string) ([AddressLength]byte, error) {
	var out [AddressLength]byte
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return out, fmt.Errorf("empty address")
	}
	if len(s) > 2*AddressLength {
		return out, fmt.Errorf("address longer than %d bytes", AddressLength)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[AddressLength-len(decoded):], decoded)
	return out, nil
}

func (i Identity) String() string { return "0x" + hex.EncodeToString(i[:]) }

// Compare orders identities byte-wise
func (i Identity) Compare(other Identity) int { return bytes.Compare(i[:], other[:]) }

func (i Identity) IsZero() bool { return i == Identity{} }

func (i Identity) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func (o ObjectID) String() string { return "0x" + hex.EncodeToString(o[:]) }

func (o ObjectID) IsZero() bool { return o == ObjectID{} }

func (o ObjectID) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *ObjectID) UnmarshalText(text []byte) error {
	parsed, err := ParseObjectID(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
