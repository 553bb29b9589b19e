package domain

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"
)

// SessionToken is a user-signed, time-boxed credential that lets the holder request
// decryption keys without a fresh signature per message.
type SessionToken struct {
	Owner      Identity
	ServiceID  string
	CreatedAt  time.Time
	TTLMinutes int
	Signature  []byte

	key ed25519.PrivateKey
}

// NewSessionToken builds an unsigned token around a fresh session keypair
func NewSessionToken(owner Identity, serviceID string, createdAt time.Time, ttlMinutes int, key ed25519.PrivateKey) *SessionToken {
	return &SessionToken{
		Owner:      owner,
		ServiceID:  serviceID,
		CreatedAt:  createdAt.Truncate(time.Millisecond),
		TTLMinutes: ttlMinutes,
		key:        key,
	}
}

// PublicKey returns the session verification key
func (t *SessionToken) PublicKey() ed25519.PublicKey {
	return t.key.Public().(ed25519.PublicKey)
}

// SignRequest signs a key request with the session key
func (t *SessionToken) SignRequest(message []byte) []byte {
	return ed25519.Sign(t.key, message)
}

// ExpiresAt is the instant the token stops being valid
func (t *SessionToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(time.Duration(t.TTLMinutes) * time.Minute)
}

// IsExpired reports whether now is at or past expiry
func (t *SessionToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// Signed reports whether the owner signature is present
func (t *SessionToken) Signed() bool {
	return len(t.Signature) > 0
}

// Challenge is the message the owner signs to authorize the session key
func (t *SessionToken) Challenge() []byte {
	return challengeMessage(t.ServiceID, t.TTLMinutes, t.CreatedAt, t.PublicKey())
}

// SessionCertificate is the public part of a token presented to key servers
type SessionCertificate struct {
	Owner            Identity `json:"owner"`
	ServiceID        string   `json:"service_id"`
	CreatedAtMs      int64    `json:"created_at_ms"`
	TTLMinutes       int      `json:"ttl_minutes"`
	SessionPublicKey []byte   `json:"session_public_key"`
	Signature        []byte   `json:"signature"`
}

// Certificate returns the public certificate for this token
func (t *SessionToken) Certificate() SessionCertificate {
	return SessionCertificate{
		Owner:            t.Owner,
		ServiceID:        t.ServiceID,
		CreatedAtMs:      t.CreatedAt.UnixMilli(),
		TTLMinutes:       t.TTLMinutes,
		SessionPublicKey: t.PublicKey(),
		Signature:        t.Signature,
	}
}

// ChallengeFromCertificate rebuilds the signed challenge from a certificate
func ChallengeFromCertificate(c SessionCertificate) []byte {
	return challengeMessage(c.ServiceID, c.TTLMinutes, time.UnixMilli(c.CreatedAtMs), c.SessionPublicKey)
}

func challengeMessage(serviceID string, ttlMinutes int, createdAt time.Time, sessionKey []byte) []byte {
	return []byte(fmt.Sprintf(
		"Accessing keys of service %s for %d mins from %s, session key %s",
		serviceID,
		ttlMinutes,
		createdAt.UTC().Format(time.RFC3339Nano),
		base64.StdEncoding.EncodeToString(sessionKey),
	))
}

// ExportedSession is the persisted form of a token
type ExportedSession struct {
	Owner       Identity `json:"owner"`
	ServiceID   string   `json:"service_id"`
	CreatedAtMs int64    `json:"created_at_ms"`
	TTLMinutes  int      `json:"ttl_minutes"`
	Signature   []byte   `json:"signature"`
	SessionSeed []byte   `json:"session_seed"`
}

// Export returns the persisted form of a signed token
func (t *SessionToken) Export() ExportedSession {
	return ExportedSession{
		Owner:       t.Owner,
		ServiceID:   t.ServiceID,
		CreatedAtMs: t.CreatedAt.UnixMilli(),
		TTLMinutes:  t.TTLMinutes,
		Signature:   t.Signature,
		SessionSeed: t.key.Seed(),
	}
}

// ImportSession rebuilds a token from its persisted form
func ImportSession(e ExportedSession) (*SessionToken, error) {
	if len(e.SessionSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("session seed: %w", ErrInvalidLength)
	}
	if len(e.Signature) == 0 {
		return nil, fmt.Errorf("session is not signed")
	}
	if e.TTLMinutes <= 0 {
		return nil, fmt.Errorf("session ttl %d is not positive", e.TTLMinutes)
	}
	token := NewSessionToken(e.Owner, e.ServiceID, time.UnixMilli(e.CreatedAtMs), e.TTLMinutes, ed25519.NewKeyFromSeed(e.SessionSeed))
	token.Signature = e.Signature
	return token, nil
}
