package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"suimessenger/internal/domain"
	"suimessenger/internal/ledger"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
)

// KeyServerSource reads committee metadata from the ledger
type KeyServerSource interface {
	KeyServers(ctx context.Context, ids []domain.ObjectID) ([]ledger.KeyServerInfo, error)
}

// Config holds the encryption policy settings
type Config struct {
	PackageID    string
	Threshold    int
	KeyServerIDs []domain.ObjectID
}

// Engine hashes, encrypts and decrypts message bodies against the key server committee
type Engine struct {
	client  domain.ThresholdClient
	servers KeyServerSource
	cfg     Config
	now     func() time.Time
}

// NewEngine creates a new crypto engine
func NewEngine(client domain.ThresholdClient, servers KeyServerSource, cfg Config) (*Engine, error) {
	if client == nil {
		return nil, apperrors.ValidationError("threshold client is required")
	}
	if cfg.Threshold < 1 {
		return nil, apperrors.ValidationError("threshold must be at least 1")
	}
	if n := len(cfg.KeyServerIDs); n > 0 && cfg.Threshold > n {
		return nil, apperrors.ValidationError(fmt.Sprintf("threshold %d exceeds committee size %d", cfg.Threshold, n))
	}
	return &Engine{
		client:  client,
		servers: servers,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// Hash returns the BLAKE2b-256 digest of plaintext
func Hash(plaintext []byte) domain.PlaintextHash {
	return blake2b.Sum256(plaintext)
}

// Hash returns the BLAKE2b-256 digest of plaintext
func (e *Engine) Hash(plaintext []byte) domain.PlaintextHash {
	return Hash(plaintext)
}

// VerifyCommittee reads the configured key servers and checks the threshold is reachable
func (e *Engine) VerifyCommittee(ctx context.Context) ([]ledger.KeyServerInfo, error) {
	if e.servers == nil || len(e.cfg.KeyServerIDs) == 0 {
		return nil, apperrors.ValidationError("no key servers configured")
	}
	servers, err := e.servers.KeyServers(ctx, e.cfg.KeyServerIDs)
	if err != nil {
		return nil, apperrors.EncryptionFailedError(err)
	}
	weight := 0
	for _, s := range servers {
		weight += s.Weight
	}
	if weight < e.cfg.Threshold {
		return nil, apperrors.ValidationError(fmt.Sprintf("committee weight %d below threshold %d", weight, e.cfg.Threshold))
	}
	logger.Info("Key server committee verified",
		zap.Int("servers", len(servers)),
		zap.Int("threshold", e.cfg.Threshold),
	)
	return servers, nil
}

// Encrypt encrypts plaintext under the scope namespace with plaintextHash as policy id.
// It never returns unencrypted output.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, scope domain.ConversationScope, plaintextHash domain.PlaintextHash) ([]byte, []byte, error) {
	if !scope.Registered() {
		return nil, nil, apperrors.ValidationError("scope is not registered")
	}
	if Hash(plaintext) != plaintextHash {
		return nil, nil, apperrors.ValidationError("plaintext hash does not match plaintext")
	}

	ciphertext, recoveryKey, err := e.client.Encrypt(ctx, scope.Namespace(), plaintextHash[:], e.cfg.Threshold, plaintext)
	if err != nil {
		metrics.CryptoOperationsTotal.WithLabelValues("encrypt", "error").Inc()
		logger.FromContext(ctx).Warn("Threshold encryption failed", zap.Error(err))
		return nil, nil, apperrors.EncryptionFailedError(err)
	}
	if len(ciphertext) == 0 {
		metrics.CryptoOperationsTotal.WithLabelValues("encrypt", "error").Inc()
		return nil, nil, apperrors.EncryptionFailedError(errors.New("empty ciphertext"))
	}

	metrics.CryptoOperationsTotal.WithLabelValues("encrypt", "success").Inc()
	return ciphertext, recoveryKey, nil
}

// Decrypt exchanges an authorization proof for role plus the session for the plaintext.
// Failures are classified so callers can tell "retry later" from "never".
func (e *Engine) Decrypt(ctx context.Context, ciphertext []byte, plaintextHash domain.PlaintextHash, scope domain.ConversationScope, session *domain.SessionToken, role domain.DecryptRole) ([]byte, error) {
	if session == nil || !session.Signed() || session.IsExpired(e.now()) {
		metrics.CryptoOperationsTotal.WithLabelValues("decrypt", string(apperrors.DecryptSessionInvalid)).Inc()
		return nil, apperrors.DecryptionFailedError(apperrors.DecryptSessionInvalid, apperrors.SessionExpiredError())
	}

	proof, err := BuildProof(e.cfg.PackageID, role, scope, plaintextHash, session.Owner)
	if err != nil {
		return nil, err
	}

	plaintext, err := e.client.Decrypt(ctx, ciphertext, session, proof)
	if err != nil {
		reason := classifyDecryptError(err)
		metrics.CryptoOperationsTotal.WithLabelValues("decrypt", string(reason)).Inc()
		logger.FromContext(ctx).Debug("Threshold decryption failed",
			zap.String("reason", string(reason)),
			zap.String("role", role.String()),
			zap.Error(err),
		)
		return nil, apperrors.DecryptionFailedError(reason, err)
	}

	if Hash(plaintext) != plaintextHash {
		metrics.CryptoOperationsTotal.WithLabelValues("decrypt", string(apperrors.DecryptCorrupt)).Inc()
		return nil, apperrors.DecryptionFailedError(apperrors.DecryptCorrupt, errors.New("plaintext does not match its hash"))
	}

	metrics.CryptoOperationsTotal.WithLabelValues("decrypt", "success").Inc()
	return plaintext, nil
}

func classifyDecryptError(err error) apperrors.DecryptFailure {
	switch {
	case errors.Is(err, domain.ErrAccessDenied):
		return apperrors.DecryptAccessDenied
	case errors.Is(err, domain.ErrSessionInvalid):
		return apperrors.DecryptSessionInvalid
	case errors.Is(err, domain.ErrCorruptCiphertext):
		return apperrors.DecryptCorrupt
	default:
		return apperrors.DecryptUnavailable
	}
}
