package domain

import "encoding/hex"

// HashLength is the size of a plaintext hash
const HashLength = 32

// PlaintextHash is the digest of a message body taken before encryption.
// It doubles as the access-control policy id of the ciphertext.
type PlaintextHash [HashLength]byte

func (h PlaintextHash) String() string { return hex.EncodeToString(h[:]) }

func (h PlaintextHash) IsZero() bool { return h == PlaintextHash{} }

// ParsePlaintextHash decodes a hex digest
func ParsePlaintextHash(s string) (PlaintextHash, error) {
	var h PlaintextHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(raw) != HashLength {
		return h, ErrInvalidLength
	}
	copy(h[:], raw)
	return h, nil
}

// BlobReference points at stored ciphertext. ContentID is derived from the stored bytes.
type BlobReference struct {
	ContentID string `json:"content_id"`
	SizeBytes int64  `json:"size_bytes"`
	TTLEpochs int    `json:"ttl_epochs"`
}

// MessageEnvelope is an authoritative message record observed on the ledger. Never mutated locally.
type MessageEnvelope struct {
	ID               string        `json:"id"`
	Scope            ObjectID      `json:"scope"`
	Sender           Identity      `json:"sender"`
	Recipient        Identity      `json:"recipient"`
	Blob             BlobReference `json:"blob"`
	PlaintextHash    PlaintextHash `json:"plaintext_hash"`
	EncryptedSidecar []byte        `json:"encrypted_sidecar,omitempty"`
	CreatedAtSeconds int64         `json:"created_at_seconds"`
	ReadFlag         bool          `json:"read_flag"`
}

// OptimisticEnvelope is the local placeholder for a message being sent.
// Blob is nil until the upload completes.
type OptimisticEnvelope struct {
	TempID           string         `json:"temp_id"`
	Scope            ObjectID       `json:"scope"`
	Sender           Identity       `json:"sender"`
	Recipient        Identity       `json:"recipient"`
	Blob             *BlobReference `json:"blob,omitempty"`
	PlaintextHash    PlaintextHash  `json:"plaintext_hash"`
	CreatedAtSeconds int64          `json:"created_at_seconds"`
}

// DecryptRole selects the authorization predicate used at decrypt time
type DecryptRole int

const (
	RoleSender DecryptRole = iota + 1
	RoleRecipient
)

func (r DecryptRole) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleRecipient:
		return "recipient"
	default:
		return "unknown"
	}
}

// RoleFor returns the role self plays for an envelope sent by sender
func RoleFor(self, sender Identity) DecryptRole {
	if self == sender {
		return RoleSender
	}
	return RoleRecipient
}
