// Package contentid mints and checks content addresses for blobs stored on
// self-hosted endpoints: CIDv1 with the raw codec over a BLAKE2b-256 multihash.
package contentid

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
)

// HashCode is the multihash code for BLAKE2b-256
const HashCode = multihash.BLAKE2B_MIN + 31

// Compute returns the content id of data
func Compute(data []byte) (string, error) {
	sum := blake2b.Sum256(data)
	mh, err := multihash.Encode(sum[:], HashCode)
	if err != nil {
		return "", fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// Validate checks that id is a raw CIDv1 over a BLAKE2b-256 digest
func Validate(id string) error {
	_, err := digest(id)
	return err
}

// Verify reports whether data hashes to id
func Verify(id string, data []byte) error {
	want, err := digest(id)
	if err != nil {
		return err
	}
	sum := blake2b.Sum256(data)
	if !bytes.Equal(want, sum[:]) {
		return fmt.Errorf("content does not match id %s", id)
	}
	return nil
}

func digest(id string) ([]byte, error) {
	c, err := cid.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("invalid content id %q: %w", id, err)
	}
	if c.Version() != 1 || c.Type() != cid.Raw {
		return nil, fmt.Errorf("content id %q is not a raw CIDv1", id)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("content id %q: %w", id, err)
	}
	if decoded.Code != HashCode || len(decoded.Digest) != blake2b.Size256 {
		return nil, fmt.Errorf("content id %q: unsupported hash %s", id, multihash.Codes[decoded.Code])
	}
	return decoded.Digest, nil
}
