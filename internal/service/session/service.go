package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"suimessenger/internal/domain"
	"suimessenger/pkg/audit"
	pkgctx "suimessenger/pkg/context"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
)

// TTL bounds in minutes
const (
	MinTTLMinutes = 1
	MaxTTLMinutes = 30
)

// State is the lifecycle state of the session for one identity
type State string

const (
	StateAbsent      State = "absent"
	StatePending     State = "pending"
	StateActive      State = "active"
	StateExpired     State = "expired"
	StateInvalidated State = "invalidated"
)

// Manager creates, persists and restores decryption sessions.
// Locks are held only around map access, never across signing or store I/O.
type Manager struct {
	store     domain.SessionStore
	serviceID string
	now       func() time.Time
	keygen    func() (ed25519.PrivateKey, error)
	audit     *audit.Logger

	mu          sync.Mutex
	tokens      map[domain.Identity]*domain.SessionToken
	pending     map[domain.Identity]bool
	invalidated map[domain.Identity]bool
}

// NewManager creates a new session manager bound to serviceID
func NewManager(store domain.SessionStore, serviceID string) *Manager {
	return &Manager{
		store:     store,
		serviceID: serviceID,
		now:       time.Now,
		keygen: func() (ed25519.PrivateKey, error) {
			_, key, err := ed25519.GenerateKey(rand.Reader)
			return key, err
		},
		tokens:      make(map[domain.Identity]*domain.SessionToken),
		pending:     make(map[domain.Identity]bool),
		invalidated: make(map[domain.Identity]bool),
	}
}

// WithAudit records session lifecycle events through a
func (m *Manager) WithAudit(a *audit.Logger) *Manager {
	m.audit = a
	return m
}

// ValidateTTL checks a TTL preference. Zero means no preference has been chosen yet.
func ValidateTTL(ttlMinutes int) error {
	if ttlMinutes == 0 {
		return apperrors.ValidationError("session duration has not been chosen")
	}
	if ttlMinutes < MinTTLMinutes || ttlMinutes > MaxTTLMinutes {
		return apperrors.ValidationError(fmt.Sprintf("session duration must be between %d and %d minutes", MinTTLMinutes, MaxTTLMinutes))
	}
	return nil
}

// Restore loads the persisted token for identity. It returns nil when the record is absent,
// unreadable, expired or owned by another identity; such records are purged.
func (m *Manager) Restore(ctx context.Context, identity domain.Identity) (*domain.SessionToken, error) {
	log := logger.FromContext(ctx).With(logger.Short("identity", identity[:]))

	record, err := m.store.Load(ctx, identity)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	token, reason := m.decode(identity, record)
	if token == nil {
		log.Info("Discarding persisted session", zap.String("reason", reason))
		m.record(ctx, identity, audit.EventSessionDiscard, false, "", reason)
		if err := m.store.Delete(ctx, identity); err != nil {
			log.Warn("Failed to purge persisted session", zap.Error(err))
		}
		if reason == "expired" {
			m.transition(StateExpired)
		}
		return nil, nil
	}

	m.mu.Lock()
	m.tokens[identity] = token
	delete(m.invalidated, identity)
	m.mu.Unlock()

	m.transition(StateActive)
	m.record(ctx, identity, audit.EventSessionRestore, true, "", "")
	log.Debug("Session restored", zap.Time("expires_at", token.ExpiresAt()))
	return token, nil
}

func (m *Manager) decode(identity domain.Identity, record []byte) (*domain.SessionToken, string) {
	var exported domain.ExportedSession
	if err := json.Unmarshal(record, &exported); err != nil {
		return nil, "unparseable"
	}
	token, err := domain.ImportSession(exported)
	if err != nil {
		return nil, "invalid"
	}
	if token.Owner != identity || token.ServiceID != m.serviceID {
		return nil, "foreign"
	}
	if token.IsExpired(m.now()) {
		return nil, "expired"
	}
	return token, ""
}

// Create asks signer to authorize a fresh session key for identity.
// A second call for the same identity while one is awaiting its signature is rejected.
func (m *Manager) Create(ctx context.Context, identity domain.Identity, ttlMinutes int, signer domain.Signer) (*domain.SessionToken, error) {
	if identity.IsZero() {
		return nil, apperrors.ValidationError("identity is required")
	}
	if err := ValidateTTL(ttlMinutes); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, apperrors.ValidationError("signer is required")
	}

	m.mu.Lock()
	if m.pending[identity] {
		m.mu.Unlock()
		return nil, apperrors.SessionPendingError()
	}
	m.pending[identity] = true
	m.mu.Unlock()
	m.transition(StatePending)

	defer func() {
		m.mu.Lock()
		delete(m.pending, identity)
		m.mu.Unlock()
	}()

	key, err := m.keygen()
	if err != nil {
		return nil, apperrors.SessionCreateFailedError(err)
	}
	token := domain.NewSessionToken(identity, m.serviceID, m.now(), ttlMinutes, key)

	signCtx, cancel := pkgctx.WithSignTimeout(ctx)
	defer cancel()

	signature, err := signer.Sign(signCtx, identity, token.Challenge())
	if err != nil {
		if errors.Is(err, domain.ErrSignatureDeclined) {
			m.transition("rejected")
			m.record(ctx, identity, audit.EventSessionRejected, false, string(apperrors.ErrCodeSessionRejected), "")
			logger.FromContext(ctx).Info("Session signature declined", logger.Short("identity", identity[:]))
			return nil, apperrors.SessionRejectedError(err)
		}
		m.transition("failed")
		return nil, apperrors.SessionCreateFailedError(err)
	}
	if len(signature) == 0 {
		m.transition("failed")
		return nil, apperrors.SessionCreateFailedError(errors.New("signer returned an empty signature"))
	}
	token.Signature = signature

	m.mu.Lock()
	m.tokens[identity] = token
	delete(m.invalidated, identity)
	m.mu.Unlock()

	m.transition(StateActive)
	m.record(ctx, identity, audit.EventSessionCreate, true, "", fmt.Sprintf("ttl_minutes=%d", ttlMinutes))
	logger.FromContext(ctx).Info("Session created",
		logger.Short("identity", identity[:]),
		zap.Int("ttl_minutes", ttlMinutes),
	)
	return token, nil
}

// Persist writes the token to the session store. The session private key is stored as its seed.
func (m *Manager) Persist(ctx context.Context, token *domain.SessionToken) error {
	if token == nil || !token.Signed() {
		return apperrors.ValidationError("only signed sessions can be persisted")
	}
	record, err := json.Marshal(token.Export())
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Save(ctx, token.Owner, record); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Invalidate ends the session for identity, locally and in the store. The ledger is not touched.
func (m *Manager) Invalidate(ctx context.Context, identity domain.Identity) error {
	m.mu.Lock()
	delete(m.tokens, identity)
	m.invalidated[identity] = true
	m.mu.Unlock()

	m.transition(StateInvalidated)
	if err := m.store.Delete(ctx, identity); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.record(ctx, identity, audit.EventSessionInvalidate, false, string(apperrors.ErrCodeInternal), err.Error())
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.record(ctx, identity, audit.EventSessionInvalidate, true, "", "")
	return nil
}

// Clear drops every in-memory token and deletes every persisted session
func (m *Manager) Clear(ctx context.Context) error {
	m.Forget()
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	m.record(ctx, domain.Identity{}, audit.EventSessionsCleared, true, "", "")
	return nil
}

// Active returns a live token for identity, restoring it from the store when needed.
// It returns SessionExpired when no usable session exists.
func (m *Manager) Active(ctx context.Context, identity domain.Identity) (*domain.SessionToken, error) {
	m.mu.Lock()
	token, ok := m.tokens[identity]
	if ok && token.IsExpired(m.now()) {
		delete(m.tokens, identity)
		m.mu.Unlock()
		m.transition(StateExpired)
		if err := m.store.Delete(ctx, identity); err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.FromContext(ctx).Warn("Failed to purge expired session", zap.Error(err))
		}
		return nil, apperrors.SessionExpiredError()
	}
	m.mu.Unlock()
	if ok {
		return token, nil
	}

	token, err := m.Restore(ctx, identity)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, apperrors.SessionExpiredError()
	}
	return token, nil
}

// State reports the lifecycle state for identity
func (m *Manager) State(identity domain.Identity) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending[identity] {
		return StatePending
	}
	if token, ok := m.tokens[identity]; ok {
		if token.IsExpired(m.now()) {
			return StateExpired
		}
		return StateActive
	}
	if m.invalidated[identity] {
		return StateInvalidated
	}
	return StateAbsent
}

// Forget drops every in-memory token without touching the store. Used on identity change.
func (m *Manager) Forget() {
	m.mu.Lock()
	m.tokens = make(map[domain.Identity]*domain.SessionToken)
	m.invalidated = make(map[domain.Identity]bool)
	m.mu.Unlock()
}

func (m *Manager) record(ctx context.Context, identity domain.Identity, event audit.EventType, success bool, code, details string) {
	e := &audit.Event{
		EventType: event,
		ServiceID: m.serviceID,
		Success:   success,
		ErrorCode: code,
		Details:   details,
	}
	if !identity.IsZero() {
		e.Identity = identity.String()
	}
	m.audit.Log(ctx, e)
}

func (m *Manager) transition(state State) {
	metrics.SessionTransitionsTotal.WithLabelValues(string(state)).Inc()
}
