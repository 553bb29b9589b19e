package devkms

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"suimessenger/internal/domain"
)

// WalletSignatureLength is an ed25519 signature followed by the signer's public key
const WalletSignatureLength = ed25519.SignatureSize + ed25519.PublicKeySize

// Wallet is a development signer holding one ed25519 identity key
type Wallet struct {
	key     ed25519.PrivateKey
	decline atomic.Bool
}

var _ domain.Signer = (*Wallet)(nil)

// NewWallet generates a fresh wallet
func NewWallet() (*Wallet, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Wallet{key: key}, nil
}

// WalletFromSeed rebuilds a wallet from a 32-byte seed
func WalletFromSeed(seed []byte) (*Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, domain.ErrInvalidLength
	}
	return &Wallet{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// IdentityFor derives the address of an ed25519 public key
func IdentityFor(pub ed25519.PublicKey) domain.Identity {
	return blake2b.Sum256(pub)
}

// Identity returns the wallet address
func (w *Wallet) Identity() domain.Identity {
	return IdentityFor(w.key.Public().(ed25519.PublicKey))
}

// Seed returns the private seed
func (w *Wallet) Seed() []byte { return w.key.Seed() }

// SetDecline makes subsequent Sign calls fail as if the user refused
func (w *Wallet) SetDecline(decline bool) { w.decline.Store(decline) }

// Sign signs message as identity. The signature carries the public key so verifiers
// can check it against the address.
func (w *Wallet) Sign(ctx context.Context, identity domain.Identity, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.decline.Load() {
		return nil, domain.ErrSignatureDeclined
	}
	if identity != w.Identity() {
		return nil, domain.ErrSignatureDeclined
	}
	sig := ed25519.Sign(w.key, message)
	return append(sig, w.key.Public().(ed25519.PublicKey)...), nil
}

// VerifyWalletSignature checks a Wallet signature over message by owner
func VerifyWalletSignature(owner domain.Identity, message, sig []byte) bool {
	if len(sig) != WalletSignatureLength {
		return false
	}
	pub := ed25519.PublicKey(sig[ed25519.SignatureSize:])
	if IdentityFor(pub) != owner {
		return false
	}
	return ed25519.Verify(pub, message, sig[:ed25519.SignatureSize])
}
