package domain

import (
	"context"
	"errors"
)

// Errors collaborators return to signal semantic outcomes
var (
	ErrNotFound          = errors.New("not found")
	ErrBlobNotFound      = errors.New("blob not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrSignatureDeclined = errors.New("signature declined")
	ErrAccessDenied      = errors.New("access denied")
	ErrSessionInvalid    = errors.New("session invalid")
	ErrCorruptCiphertext = errors.New("corrupt ciphertext")
	ErrInvalidLength     = errors.New("invalid length")
)

// StructuredValue is a decoded ledger object or table entry
type StructuredValue map[string]any

// Operation is a state-changing call submitted to the ledger
type Operation struct {
	Function  string         `json:"function"`
	Sender    Identity       `json:"sender"`
	Arguments map[string]any `json:"arguments"`
}

// Event is an event emitted by a confirmed operation
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Fields      StructuredValue `json:"fields"`
	TimestampMs int64           `json:"timestamp_ms"`
}

// EventQuery selects events of one type whose fields match Filter. The result holds the newest
// Limit matches strictly older than the event with id Before, oldest first. An empty Before
// starts at the head and a Limit <= 0 returns every match.
type EventQuery struct {
	Type   string
	Filter map[string]string
	Before string
	Limit  int
}

// Confirmation is the result of a submitted operation
type Confirmation struct {
	ID     string  `json:"id"`
	Events []Event `json:"events"`
}

// Ledger is the eventually-consistent ledger the runtime reads from and submits to.
// Implementations return ErrNotFound for missing objects and table entries.
type Ledger interface {
	SubmitAndWait(ctx context.Context, op Operation) (*Confirmation, error)
	QueryEvents(ctx context.Context, q EventQuery) ([]Event, error)
	ReadObject(ctx context.Context, id ObjectID) (StructuredValue, error)
	ReadKeyedTableEntry(ctx context.Context, tableID ObjectID, key []byte) (StructuredValue, error)
}

// Signer asks the identity owner to sign a message. Returns ErrSignatureDeclined when the user refuses.
type Signer interface {
	Sign(ctx context.Context, identity Identity, message []byte) ([]byte, error)
}

// ThresholdClient talks to the key server committee.
// Decrypt returns ErrAccessDenied when the policy rejects the proof, ErrSessionInvalid
// when the session certificate is rejected and ErrCorruptCiphertext for undecodable input.
type ThresholdClient interface {
	Encrypt(ctx context.Context, namespace, policyID []byte, threshold int, plaintext []byte) (ciphertext, recoveryKey []byte, err error)
	Decrypt(ctx context.Context, ciphertext []byte, session *SessionToken, proof []byte) ([]byte, error)
}

// BlobWriter stores bytes and returns their content address
type BlobWriter interface {
	Name() string
	Put(ctx context.Context, data []byte, epochs int) (BlobReference, error)
}

// BlobReader fetches bytes by content address. Returns ErrBlobNotFound for a clean miss.
type BlobReader interface {
	Name() string
	Get(ctx context.Context, contentID string) ([]byte, error)
}

// SessionStore persists one serialized session record per identity. Load returns ErrNotFound when empty.
type SessionStore interface {
	Load(ctx context.Context, owner Identity) ([]byte, error)
	Save(ctx context.Context, owner Identity, record []byte) error
	Delete(ctx context.Context, owner Identity) error
	Clear(ctx context.Context) error
}
