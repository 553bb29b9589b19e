// Package memledger is an in-memory ledger for development and tests. It hosts the
// conversation registry, records message events and evaluates approval predicates.
package memledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"suimessenger/internal/domain"
	"suimessenger/internal/ledger"
	"suimessenger/internal/service/crypto"
)

// Config configures the ledger
type Config struct {
	PackageID  string
	RegistryID domain.ObjectID
	// RawEntries makes registry reads return only the serialized form
	RawEntries bool
}

type conversation struct {
	participants [2]domain.Identity
	lookupKey    []byte
}

type message struct {
	sender    domain.Identity
	recipient domain.Identity
}

// Ledger implements domain.Ledger in memory. Operations take effect atomically and are
// visible to reads as soon as SubmitAndWait returns.
type Ledger struct {
	cfg Config
	now func() time.Time

	mu            sync.RWMutex
	conversations map[domain.ObjectID]conversation
	registry      map[string]domain.ObjectID
	objects       map[domain.ObjectID]domain.StructuredValue
	messages      map[domain.ObjectID]map[string][]message
	events        []domain.Event
}

var _ domain.Ledger = (*Ledger)(nil)

// New creates an empty ledger
func New(cfg Config) *Ledger {
	if cfg.PackageID == "" {
		cfg.PackageID = "0x1"
	}
	if cfg.RegistryID.IsZero() {
		cfg.RegistryID = deriveID("registry", []byte(cfg.PackageID))
	}
	return &Ledger{
		cfg:           cfg,
		now:           time.Now,
		conversations: make(map[domain.ObjectID]conversation),
		registry:      make(map[string]domain.ObjectID),
		objects:       make(map[domain.ObjectID]domain.StructuredValue),
		messages:      make(map[domain.ObjectID]map[string][]message),
	}
}

// PackageID returns the package the approval predicates live in
func (l *Ledger) PackageID() string { return l.cfg.PackageID }

// RegistryID returns the conversation registry table id
func (l *Ledger) RegistryID() domain.ObjectID { return l.cfg.RegistryID }

// SetRawEntries switches registry reads between both encodings and raw only
func (l *Ledger) SetRawEntries(raw bool) {
	l.mu.Lock()
	l.cfg.RawEntries = raw
	l.mu.Unlock()
}

// PutObject stores an arbitrary object, such as a key server record
func (l *Ledger) PutObject(id domain.ObjectID, fields domain.StructuredValue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.objects[id] = domain.StructuredValue{
		"objectId": id.String(),
		"content":  map[string]any{"fields": map[string]any(fields)},
	}
}

// SubmitAndWait executes op and returns its confirmation
func (l *Ledger) SubmitAndWait(ctx context.Context, op domain.Operation) (*domain.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if op.Sender.IsZero() {
		return nil, errors.New("operation has no sender")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	txID := uuid.New().String()
	var (
		events []domain.Event
		err    error
	)
	switch op.Function {
	case ledger.FnCreateConversation:
		events, err = l.createConversation(txID, op)
	case ledger.FnSendMessage:
		events, err = l.sendMessage(txID, op)
	default:
		err = fmt.Errorf("unknown function %q", op.Function)
	}
	if err != nil {
		return nil, err
	}
	l.events = append(l.events, events...)
	return &domain.Confirmation{ID: txID, Events: events}, nil
}

func (l *Ledger) createConversation(txID string, op domain.Operation) ([]domain.Event, error) {
	args := op.Arguments
	registry, err := objectArg(args, "registry")
	if err != nil {
		return nil, err
	}
	if registry != l.cfg.RegistryID {
		return nil, fmt.Errorf("unknown registry %s", registry)
	}
	a, err := identityArg(args, "participant_a")
	if err != nil {
		return nil, err
	}
	b, err := identityArg(args, "participant_b")
	if err != nil {
		return nil, err
	}
	if a.Compare(b) >= 0 {
		return nil, errors.New("participants must be distinct and ordered")
	}
	if op.Sender != a && op.Sender != b {
		return nil, errors.New("sender is not a participant")
	}
	key, err := hex.DecodeString(fmt.Sprint(args["lookup_key"]))
	if err != nil {
		return nil, fmt.Errorf("lookup_key: %w", err)
	}
	if !bytes.Equal(key, append(append([]byte(nil), a[:]...), b[:]...)) {
		return nil, errors.New("lookup_key does not match participants")
	}
	if _, ok := l.registry[string(key)]; ok {
		return nil, domain.ErrAlreadyExists
	}

	id := deriveID("conversation", key)
	l.registry[string(key)] = id
	l.conversations[id] = conversation{participants: [2]domain.Identity{a, b}, lookupKey: key}
	l.objects[id] = domain.StructuredValue{
		"objectId": id.String(),
		"content": map[string]any{"fields": map[string]any{
			"participant_a": a.String(),
			"participant_b": b.String(),
		}},
	}

	return []domain.Event{l.event(txID, 0, ledger.EventConversationCreated, domain.StructuredValue{
		"conversation_id": id.String(),
		"participant_a":   a.String(),
		"participant_b":   b.String(),
		"creator":         op.Sender.String(),
	})}, nil
}

func (l *Ledger) sendMessage(txID string, op domain.Operation) ([]domain.Event, error) {
	args := op.Arguments
	scope, err := objectArg(args, "conversation_id")
	if err != nil {
		return nil, err
	}
	conv, ok := l.conversations[scope]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", scope, domain.ErrNotFound)
	}
	recipient, err := identityArg(args, "recipient")
	if err != nil {
		return nil, err
	}
	if !conv.includes(op.Sender) || !conv.includes(recipient) || op.Sender == recipient {
		return nil, errors.New("sender and recipient must be the two participants")
	}
	blobID, _ := args["blob_id"].(string)
	if blobID == "" {
		return nil, errors.New("blob_id is required")
	}
	policy, _ := args["plaintext_hash"].(string)
	if _, err := domain.ParsePlaintextHash(policy); err != nil {
		return nil, fmt.Errorf("plaintext_hash: %w", err)
	}

	fields := domain.StructuredValue{
		"conversation_id": scope.String(),
		"sender":          op.Sender.String(),
		"recipient":       recipient.String(),
		"blob_id":         blobID,
		"plaintext_hash":  policy,
		"created_at":      l.now().Unix(),
		"read":            false,
	}
	for _, k := range []string{"blob_size", "ttl_epochs"} {
		if v, ok := args[k]; ok {
			n, err := ledger.Int64(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = n
		}
	}
	if v, ok := args["sidecar"]; ok && v != nil {
		fields["sidecar"] = v
	}

	if l.messages[scope] == nil {
		l.messages[scope] = make(map[string][]message)
	}
	l.messages[scope][policy] = append(l.messages[scope][policy], message{sender: op.Sender, recipient: recipient})

	return []domain.Event{l.event(txID, 0, ledger.EventMessageSent, fields)}, nil
}

func (l *Ledger) event(txID string, seq int, name string, fields domain.StructuredValue) domain.Event {
	return domain.Event{
		ID:          fmt.Sprintf("%s:%d", txID, seq),
		Type:        fmt.Sprintf("%s::%s::%s", l.cfg.PackageID, crypto.ProofModule, name),
		Fields:      fields,
		TimestampMs: l.now().UnixMilli(),
	}
}

// QueryEvents returns one page of matching events, oldest first. An unknown Before cursor
// returns domain.ErrNotFound.
func (l *Ledger) QueryEvents(ctx context.Context, q domain.EventQuery) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	end := len(l.events)
	if q.Before != "" {
		end = -1
		for i, ev := range l.events {
			if ev.ID == q.Before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, domain.ErrNotFound
		}
	}

	var out []domain.Event
	for _, ev := range l.events[:end] {
		if !ledger.IsEventType(ev.Type, q.Type) || !matches(ev.Fields, q.Filter) {
			continue
		}
		out = append(out, ev)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return append([]domain.Event(nil), out...), nil
}

// ReadObject returns a stored object or domain.ErrNotFound
func (l *Ledger) ReadObject(ctx context.Context, id domain.ObjectID) (domain.StructuredValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	obj, ok := l.objects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return obj, nil
}

// ReadKeyedTableEntry reads a registry entry. Both encodings are returned unless RawEntries is set.
func (l *Ledger) ReadKeyedTableEntry(ctx context.Context, tableID domain.ObjectID, key []byte) (domain.StructuredValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if tableID != l.cfg.RegistryID {
		return nil, domain.ErrNotFound
	}
	id, ok := l.registry[string(key)]
	if !ok {
		return nil, domain.ErrNotFound
	}

	serialized := append(append([]byte(nil), key...), id[:]...)
	value := domain.StructuredValue{
		"bcs": map[string]any{"bcsBytes": base64.StdEncoding.EncodeToString(serialized)},
	}
	if !l.cfg.RawEntries {
		value["content"] = map[string]any{"fields": map[string]any{
			"name":  hex.EncodeToString(key),
			"value": id.String(),
		}}
	}
	return value, nil
}

func (c conversation) includes(id domain.Identity) bool {
	return c.participants[0] == id || c.participants[1] == id
}

func matches(fields domain.StructuredValue, filter map[string]string) bool {
	for k, want := range filter {
		if fmt.Sprint(fields[k]) != want {
			return false
		}
	}
	return true
}

func deriveID(tag string, data []byte) domain.ObjectID {
	return blake2b.Sum256(append([]byte(tag+":"), data...))
}

func objectArg(args map[string]any, key string) (domain.ObjectID, error) {
	raw, ok := args[key].(string)
	if !ok {
		return domain.ObjectID{}, fmt.Errorf("%s is required", key)
	}
	return domain.ParseObjectID(raw)
}

func identityArg(args map[string]any, key string) (domain.Identity, error) {
	raw, ok := args[key].(string)
	if !ok {
		return domain.Identity{}, fmt.Errorf("%s is required", key)
	}
	return domain.ParseIdentity(raw)
}
