// Package devkms is a development key server committee. Message keys are split t-of-n
// across servers; a server releases its share only for a valid session whose proof the
// ledger approves.
package devkms

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"suimessenger/internal/domain"
)

const (
	envelopeVersion = 1
	shareInfo       = "suimessenger/devkms/share"
)

// Approver dry-runs an authorization proof for caller against the ledger
type Approver interface {
	Approve(ctx context.Context, namespace, policyID, proof []byte, caller domain.Identity) error
}

// Server is one committee member
type Server struct {
	ID     domain.ObjectID
	Name   string
	master []byte
	down   atomic.Bool
}

// Committee implements domain.ThresholdClient over in-process servers
type Committee struct {
	servers   []*Server
	approver  Approver
	serviceID string
	now       func() time.Time
}

var _ domain.ThresholdClient = (*Committee)(nil)

// NewCommittee creates n servers with fresh master secrets
func NewCommittee(n int, approver Approver, serviceID string) (*Committee, error) {
	if n < 1 {
		return nil, errors.New("committee needs at least one server")
	}
	if approver == nil {
		return nil, errors.New("approver is required")
	}
	c := &Committee{approver: approver, serviceID: serviceID, now: time.Now}
	for i := 0; i < n; i++ {
		master := make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return nil, err
		}
		name := fmt.Sprintf("devkms-%d", i+1)
		c.servers = append(c.servers, &Server{
			ID:     blake2b.Sum256(append([]byte("keyserver:"), master...)),
			Name:   name,
			master: master,
		})
	}
	return c, nil
}

// Servers returns the committee members in order
func (c *Committee) Servers() []*Server { return c.servers }

// IDs returns the server object ids
func (c *Committee) IDs() []domain.ObjectID {
	ids := make([]domain.ObjectID, len(c.servers))
	for i, s := range c.servers {
		ids[i] = s.ID
	}
	return ids
}

// SetDown marks server i unreachable
func (c *Committee) SetDown(i int, down bool) { c.servers[i].down.Store(down) }

// Object returns the ledger record describing the server
func (s *Server) Object() domain.StructuredValue {
	pub := ed25519.NewKeyFromSeed(s.master).Public().(ed25519.PublicKey)
	return domain.StructuredValue{
		"name":   s.Name,
		"url":    "inproc://" + s.Name,
		"pk":     "0x" + hex.EncodeToString(pub),
		"weight": 1,
	}
}

type sealedShare struct {
	Server domain.ObjectID `json:"server"`
	Index  byte            `json:"index"`
	Nonce  []byte          `json:"nonce"`
	Data   []byte          `json:"data"`
}

type envelope struct {
	Version   int           `json:"version"`
	Namespace []byte        `json:"namespace"`
	PolicyID  []byte        `json:"policy_id"`
	Threshold int           `json:"threshold"`
	Shares    []sealedShare `json:"shares"`
	Nonce     []byte        `json:"nonce"`
	Body      []byte        `json:"body"`
}

// Encrypt seals plaintext under a fresh data key split across the committee.
// The recovery key is the data key itself.
func (c *Committee) Encrypt(ctx context.Context, namespace, policyID []byte, threshold int, plaintext []byte) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, err
	}
	shares, err := split(dek, threshold, len(c.servers))
	if err != nil {
		return nil, nil, err
	}

	env := envelope{
		Version:   envelopeVersion,
		Namespace: namespace,
		PolicyID:  policyID,
		Threshold: threshold,
	}
	for i, s := range c.servers {
		nonce, data, err := seal(s.kek(namespace, policyID), shares[i].y, shareAAD(namespace, policyID, shares[i].x))
		if err != nil {
			return nil, nil, err
		}
		env.Shares = append(env.Shares, sealedShare{Server: s.ID, Index: shares[i].x, Nonce: nonce, Data: data})
	}
	if env.Nonce, env.Body, err = seal(dek, plaintext, bodyAAD(namespace, policyID)); err != nil {
		return nil, nil, err
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, nil, err
	}
	return out, dek, nil
}

// Decrypt collects threshold shares from servers that approve proof for the session owner
func (c *Committee) Decrypt(ctx context.Context, ciphertext []byte, session *domain.SessionToken, proof []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(ciphertext, &env); err != nil || env.Version != envelopeVersion || env.Threshold < 1 {
		return nil, fmt.Errorf("%w: unreadable envelope", domain.ErrCorruptCiphertext)
	}
	if session == nil {
		return nil, domain.ErrSessionInvalid
	}
	cert := session.Certificate()
	request := requestMessage(proof, env.Namespace, env.PolicyID)
	requestSig := session.SignRequest(request)

	var (
		collected   []share
		unavailable int
	)
	for _, s := range c.servers {
		if len(collected) == env.Threshold {
			break
		}
		sealed, ok := env.shareFor(s.ID)
		if !ok {
			continue
		}
		sh, err := s.release(ctx, c, env, sealed, cert, request, requestSig, proof)
		switch {
		case err == nil:
			collected = append(collected, sh)
		case errors.Is(err, domain.ErrAccessDenied), errors.Is(err, domain.ErrSessionInvalid), errors.Is(err, domain.ErrCorruptCiphertext):
			return nil, err
		default:
			unavailable++
		}
	}
	if len(collected) < env.Threshold {
		return nil, fmt.Errorf("only %d of %d key shares available (%d servers unreachable)", len(collected), env.Threshold, unavailable)
	}

	dek, err := combine(collected)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptCiphertext, err)
	}
	plaintext, err := open(dek, env.Nonce, env.Body, bodyAAD(env.Namespace, env.PolicyID))
	if err != nil {
		return nil, fmt.Errorf("%w: body does not open", domain.ErrCorruptCiphertext)
	}
	return plaintext, nil
}

// release is the server side of a key request
func (s *Server) release(ctx context.Context, c *Committee, env envelope, sealed sealedShare, cert domain.SessionCertificate, request, requestSig, proof []byte) (share, error) {
	if s.down.Load() {
		return share{}, fmt.Errorf("%s unreachable", s.Name)
	}
	if err := ctx.Err(); err != nil {
		return share{}, err
	}
	if err := c.verifyCertificate(cert); err != nil {
		return share{}, err
	}
	if !ed25519.Verify(cert.SessionPublicKey, request, requestSig) {
		return share{}, fmt.Errorf("%w: request not signed by session key", domain.ErrSessionInvalid)
	}
	if err := c.approver.Approve(ctx, env.Namespace, env.PolicyID, proof, cert.Owner); err != nil {
		return share{}, err
	}
	y, err := open(s.kek(env.Namespace, env.PolicyID), sealed.Nonce, sealed.Data, shareAAD(env.Namespace, env.PolicyID, sealed.Index))
	if err != nil {
		return share{}, fmt.Errorf("%w: share does not open", domain.ErrCorruptCiphertext)
	}
	return share{x: sealed.Index, y: y}, nil
}

func (c *Committee) verifyCertificate(cert domain.SessionCertificate) error {
	switch {
	case len(cert.Signature) == 0:
		return fmt.Errorf("%w: unsigned", domain.ErrSessionInvalid)
	case cert.ServiceID != c.serviceID:
		return fmt.Errorf("%w: issued for another service", domain.ErrSessionInvalid)
	case len(cert.SessionPublicKey) != ed25519.PublicKeySize:
		return fmt.Errorf("%w: bad session key", domain.ErrSessionInvalid)
	}
	expires := time.UnixMilli(cert.CreatedAtMs).Add(time.Duration(cert.TTLMinutes) * time.Minute)
	if !c.now().Before(expires) {
		return fmt.Errorf("%w: expired", domain.ErrSessionInvalid)
	}
	if !VerifyWalletSignature(cert.Owner, domain.ChallengeFromCertificate(cert), cert.Signature) {
		return fmt.Errorf("%w: owner signature does not verify", domain.ErrSessionInvalid)
	}
	return nil
}

func (e envelope) shareFor(id domain.ObjectID) (sealedShare, bool) {
	for _, s := range e.Shares {
		if s.Server == id {
			return s, true
		}
	}
	return sealedShare{}, false
}

func (s *Server) kek(namespace, policyID []byte) []byte {
	salt := append(append([]byte(nil), namespace...), policyID...)
	r := hkdf.New(sha256.New, s.master, salt, []byte(shareInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		panic(err)
	}
	return key
}

func requestMessage(proof, namespace, policyID []byte) []byte {
	sum := blake2b.Sum256(append(append(append([]byte(nil), proof...), namespace...), policyID...))
	return sum[:]
}

func shareAAD(namespace, policyID []byte, index byte) []byte {
	return append(bodyAAD(namespace, policyID), index)
}

func bodyAAD(namespace, policyID []byte) []byte {
	return append(append([]byte(nil), namespace...), policyID...)
}

func seal(key, plaintext, aad []byte) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("bad nonce")
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
