package scope

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"suimessenger/internal/domain"
	"suimessenger/internal/ledger"
	pkgctx "suimessenger/pkg/context"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
)

// LookupKeyLength is the size of a derived registry key
const LookupKeyLength = 2 * domain.AddressLength

// TableReader reads keyed registry entries
type TableReader interface {
	TableEntry(ctx context.Context, tableID domain.ObjectID, key []byte) (ledger.TableEntry, error)
}

// Submitter submits state-changing operations to the ledger
type Submitter interface {
	SubmitAndWait(ctx context.Context, op domain.Operation) (*domain.Confirmation, error)
}

// Directory persists resolved scopes across restarts. Registrations are permanent, so a
// directory hit never needs revalidating against the ledger.
type Directory interface {
	GetScope(ctx context.Context, lookupKey []byte) (domain.ObjectID, bool, error)
	SetScope(ctx context.Context, lookupKey []byte, id domain.ObjectID) error
}

// Canonical orders a pair of identities smaller-first
func Canonical(a, b domain.Identity) [2]domain.Identity {
	if a.Compare(b) <= 0 {
		return [2]domain.Identity{a, b}
	}
	return [2]domain.Identity{b, a}
}

// DeriveLookupKey returns the registry key for the unordered pair {a, b}
func DeriveLookupKey(a, b domain.Identity) []byte {
	pair := Canonical(a, b)
	key := make([]byte, 0, LookupKeyLength)
	key = append(key, pair[0][:]...)
	return append(key, pair[1][:]...)
}

// Resolver finds or registers the conversation scope shared by two identities
type Resolver struct {
	tables   TableReader
	ledger   Submitter
	registry domain.ObjectID
	dir      Directory

	group singleflight.Group

	mu     sync.RWMutex
	scopes map[string]domain.ConversationScope
}

// NewResolver creates a new scope resolver over the registry table
func NewResolver(tables TableReader, submitter Submitter, registry domain.ObjectID) *Resolver {
	return &Resolver{
		tables:   tables,
		ledger:   submitter,
		registry: registry,
		scopes:   make(map[string]domain.ConversationScope),
	}
}

// WithDirectory attaches a persistent directory consulted before the ledger
func (r *Resolver) WithDirectory(dir Directory) *Resolver {
	r.dir = dir
	return r
}

// Lookup reads the registry entry for the pair. found is false only when the registry
// has no entry; transport and decode failures are ScopeLookupFailed.
func (r *Resolver) Lookup(ctx context.Context, a, b domain.Identity) (domain.ConversationScope, bool, error) {
	if err := validatePair(a, b); err != nil {
		return domain.ConversationScope{}, false, err
	}

	key := DeriveLookupKey(a, b)
	if s, ok := r.cached(key); ok {
		return s, true, nil
	}
	if id, ok := r.fromDirectory(ctx, key); ok {
		metrics.ScopeResolutionsTotal.WithLabelValues("directory").Inc()
		return r.remember(a, b, key, id), true, nil
	}

	ledgerCtx, cancel := pkgctx.WithLedgerTimeout(ctx)
	defer cancel()

	entry, err := r.tables.TableEntry(ledgerCtx, r.registry, key)
	if err != nil {
		metrics.ScopeResolutionsTotal.WithLabelValues("error").Inc()
		return domain.ConversationScope{}, false, apperrors.ScopeLookupFailedError(err)
	}

	objectID, err := decodeEntry(entry)
	if err != nil {
		metrics.ScopeResolutionsTotal.WithLabelValues("error").Inc()
		logger.FromContext(ctx).Warn("Registry entry could not be decoded",
			zap.String("lookup_key", hex.EncodeToString(key)),
			zap.String("kind", entry.Kind.String()),
			zap.Error(err),
		)
		return domain.ConversationScope{}, false, apperrors.ScopeLookupFailedError(err)
	}
	if objectID.IsZero() {
		metrics.ScopeResolutionsTotal.WithLabelValues("missing").Inc()
		return domain.ConversationScope{}, false, nil
	}

	metrics.ScopeResolutionsTotal.WithLabelValues("found").Inc()
	r.toDirectory(ctx, key, objectID)
	return r.remember(a, b, key, objectID), true, nil
}

// CreateIfMissing returns the registered scope for the pair, registering it on behalf of self
// when absent. A concurrent registration by the peer counts as success.
func (r *Resolver) CreateIfMissing(ctx context.Context, self, peer domain.Identity) (domain.ConversationScope, error) {
	s, found, err := r.Lookup(ctx, self, peer)
	if err != nil {
		return domain.ConversationScope{}, err
	}
	if found {
		return s, nil
	}

	key := DeriveLookupKey(self, peer)
	v, err, _ := r.group.Do(hex.EncodeToString(key), func() (any, error) {
		return r.create(ctx, self, peer, key)
	})
	if err != nil {
		return domain.ConversationScope{}, err
	}
	return v.(domain.ConversationScope), nil
}

func (r *Resolver) create(ctx context.Context, self, peer domain.Identity, key []byte) (domain.ConversationScope, error) {
	pair := Canonical(self, peer)
	op := domain.Operation{
		Function: ledger.FnCreateConversation,
		Sender:   self,
		Arguments: map[string]any{
			"registry":      r.registry.String(),
			"participant_a": pair[0].String(),
			"participant_b": pair[1].String(),
			"lookup_key":    hex.EncodeToString(key),
		},
	}

	ledgerCtx, cancel := pkgctx.WithLedgerTimeout(ctx)
	defer cancel()

	conf, err := r.ledger.SubmitAndWait(ledgerCtx, op)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			metrics.ScopeResolutionsTotal.WithLabelValues("raced").Inc()
			logger.FromContext(ctx).Info("Conversation registered concurrently, re-reading registry",
				logger.Short("peer", peer[:]),
			)
			s, found, err := r.Lookup(ctx, self, peer)
			if err != nil {
				return domain.ConversationScope{}, err
			}
			if !found {
				return domain.ConversationScope{}, apperrors.ScopeLookupFailedError(errors.New("registry entry not yet visible"))
			}
			return s, nil
		}
		metrics.ScopeResolutionsTotal.WithLabelValues("error").Inc()
		return domain.ConversationScope{}, apperrors.LedgerError(err)
	}

	objectID, err := ledger.MapCreatedScope(conf)
	if err != nil {
		metrics.ScopeResolutionsTotal.WithLabelValues("error").Inc()
		return domain.ConversationScope{}, apperrors.LedgerError(err)
	}

	metrics.ScopeResolutionsTotal.WithLabelValues("created").Inc()
	logger.FromContext(ctx).Info("Conversation registered",
		zap.String("conversation_id", objectID.String()),
		logger.Short("peer", peer[:]),
	)
	r.toDirectory(ctx, key, objectID)
	return r.remember(self, peer, key, objectID), nil
}

// Reset drops every cached scope
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.scopes = make(map[string]domain.ConversationScope)
	r.mu.Unlock()
}

func (r *Resolver) cached(key []byte) (domain.ConversationScope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scopes[string(key)]
	return s, ok
}

// fromDirectory treats directory failures as misses; the ledger stays authoritative
func (r *Resolver) fromDirectory(ctx context.Context, key []byte) (domain.ObjectID, bool) {
	if r.dir == nil {
		return domain.ObjectID{}, false
	}
	id, ok, err := r.dir.GetScope(ctx, key)
	if err != nil {
		logger.FromContext(ctx).Warn("Scope directory read failed", zap.Error(err))
		return domain.ObjectID{}, false
	}
	return id, ok && !id.IsZero()
}

func (r *Resolver) toDirectory(ctx context.Context, key []byte, id domain.ObjectID) {
	if r.dir == nil {
		return
	}
	if err := r.dir.SetScope(ctx, key, id); err != nil {
		logger.FromContext(ctx).Warn("Scope directory write failed", zap.Error(err))
	}
}

// remember is idempotent: a duplicate hit for the same key keeps the first value
func (r *Resolver) remember(a, b domain.Identity, key []byte, objectID domain.ObjectID) domain.ConversationScope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scopes[string(key)]; ok {
		return s
	}
	s := domain.ConversationScope{
		Participants: Canonical(a, b),
		LookupKey:    key,
		ObjectID:     objectID,
	}
	r.scopes[string(key)] = s
	return s
}

func validatePair(a, b domain.Identity) error {
	if a.IsZero() || b.IsZero() {
		return apperrors.ValidationError("both identities are required")
	}
	if a == b {
		return apperrors.ValidationError("a conversation needs two distinct identities")
	}
	return nil
}

// decodeEntry tries the structured form first and falls back to the raw bytes.
// A zero id with nil error means the registry has no entry.
func decodeEntry(entry ledger.TableEntry) (domain.ObjectID, error) {
	switch entry.Kind {
	case ledger.EntryNotFound:
		return domain.ObjectID{}, nil
	case ledger.EntryStructured:
		id, structErr := decodeStructured(entry.Value)
		if structErr == nil {
			return id, nil
		}
		if entry.Raw == nil {
			return domain.ObjectID{}, structErr
		}
		id, rawErr := decodeRaw(entry.Raw)
		if rawErr != nil {
			return domain.ObjectID{}, fmt.Errorf("structured: %v; raw: %w", structErr, rawErr)
		}
		return id, nil
	case ledger.EntryRaw:
		return decodeRaw(entry.Raw)
	default:
		return domain.ObjectID{}, fmt.Errorf("unknown entry kind %d", entry.Kind)
	}
}

// decodeStructured reads the value field of a dynamic field entry. The value is either
// an address string or a wrapped object with an id.
func decodeStructured(fields domain.StructuredValue) (domain.ObjectID, error) {
	switch v := fields["value"].(type) {
	case string:
		return domain.ParseObjectID(strings.TrimSpace(v))
	case map[string]any:
		return decodeWrapped(v)
	case domain.StructuredValue:
		return decodeStructured(v)
	case nil:
		return domain.ObjectID{}, errors.New("structured value missing")
	default:
		return domain.ObjectID{}, fmt.Errorf("unexpected structured value %T", v)
	}
}

// decodeWrapped reads the id of a wrapped object. The id may sit under nested fields or
// inside a UID object.
func decodeWrapped(obj map[string]any) (domain.ObjectID, error) {
	switch id := obj["id"].(type) {
	case string:
		return domain.ParseObjectID(id)
	case map[string]any:
		return decodeWrapped(id)
	}
	if inner, ok := obj["fields"].(map[string]any); ok {
		if _, ok := inner["value"]; ok {
			return decodeStructured(inner)
		}
		return decodeWrapped(inner)
	}
	return domain.ObjectID{}, errors.New("structured value has no id")
}

// decodeRaw reads the trailing object id of the serialized entry
func decodeRaw(raw []byte) (domain.ObjectID, error) {
	var id domain.ObjectID
	if len(raw) < len(id) {
		return id, fmt.Errorf("raw entry of %d bytes: %w", len(raw), domain.ErrInvalidLength)
	}
	copy(id[:], raw[len(raw)-len(id):])
	if id.IsZero() {
		return id, errors.New("raw entry carries a zero id")
	}
	return id, nil
}
