package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"suimessenger/internal/domain"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
	"suimessenger/pkg/pagination"
)

// DefaultConcurrency bounds parallel decrypt-on-demand work
const DefaultConcurrency = 4

// Config holds timeline settings
type Config struct {
	WindowSize  int
	WindowStep  int
	Concurrency int
}

// Decryptor fetches and decrypts the ciphertext behind an entry
type Decryptor func(ctx context.Context, entry domain.TimelineEntry) ([]byte, error)

// Row is a timeline entry annotated with local state for rendering
type Row struct {
	domain.TimelineEntry
	Status    Status
	Plaintext []byte
	Err       error
	Read      bool
}

// Timeline holds one conversation: authoritative envelopes, the optimistic set, read ids and the window.
// Authoritative envelopes are never mutated.
type Timeline struct {
	cache *DecryptionCache
	cfg   Config
	now   func() time.Time

	mu            sync.Mutex
	authoritative []domain.MessageEnvelope
	seen          map[string]struct{}
	confirmed     map[string]struct{}
	optimistic    []domain.OptimisticEnvelope
	local         map[string][]byte
	lastLocal     int64
	read          map[string]struct{}
	window        int
}

// NewTimeline creates an empty timeline sharing the given decryption cache
func NewTimeline(cache *DecryptionCache, cfg Config) *Timeline {
	if cache == nil {
		cache = NewDecryptionCache()
	}
	cfg.WindowSize = pagination.ClampLimit(cfg.WindowSize)
	if cfg.WindowStep < pagination.MinLimit {
		cfg.WindowStep = cfg.WindowSize
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	t := &Timeline{
		cache: cache,
		cfg:   cfg,
		now:   time.Now,
	}
	t.resetLocked()
	return t
}

func (t *Timeline) resetLocked() {
	t.authoritative = nil
	t.seen = make(map[string]struct{})
	t.confirmed = make(map[string]struct{})
	t.optimistic = nil
	t.local = make(map[string][]byte)
	t.read = make(map[string]struct{})
	t.window = t.cfg.WindowSize
}

// Ingest adds authoritative envelopes in arrival order and retires optimistic entries they confirm.
// Envelopes already seen are ignored. It returns the number of new envelopes.
func (t *Timeline) Ingest(envs ...domain.MessageEnvelope) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, env := range envs {
		if _, ok := t.seen[env.ID]; ok {
			continue
		}
		t.seen[env.ID] = struct{}{}
		t.confirmed[env.Blob.ContentID] = struct{}{}
		t.authoritative = append(t.authoritative, env)
		added++
	}
	if added > 0 {
		t.retireLocked()
	}
	return added
}

func (t *Timeline) retireLocked() {
	kept := t.optimistic[:0]
	for _, env := range t.optimistic {
		if env.Blob != nil {
			if _, ok := t.confirmed[env.Blob.ContentID]; ok {
				delete(t.local, env.TempID)
				continue
			}
		}
		kept = append(kept, env)
	}
	t.optimistic = kept
}

// AddOptimistic creates a placeholder for a message being sent. Local creation
// timestamps strictly increase.
func (t *Timeline) AddOptimistic(scope domain.ObjectID, sender, recipient domain.Identity, hash domain.PlaintextHash) domain.OptimisticEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	created := t.now().Unix()
	if created <= t.lastLocal {
		created = t.lastLocal + 1
	}
	t.lastLocal = created

	env := domain.OptimisticEnvelope{
		TempID:           uuid.New().String(),
		Scope:            scope,
		Sender:           sender,
		Recipient:        recipient,
		PlaintextHash:    hash,
		CreatedAtSeconds: created,
	}
	t.optimistic = append(t.optimistic, env)
	return env
}

// AttachBlob records the resolved scope and the uploaded blob on a placeholder. A seeded
// plaintext moves into the decryption cache under the entry the ledger will confirm.
// It reports false if the placeholder is gone.
func (t *Timeline) AttachBlob(tempID string, scope domain.ObjectID, ref domain.BlobReference) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.optimistic {
		if t.optimistic[i].TempID == tempID {
			blob := ref
			t.optimistic[i].Scope = scope
			t.optimistic[i].Blob = &blob
			if pt, ok := t.local[tempID]; ok {
				t.cache.StorePlaintext(domain.EntryFromOptimistic(t.optimistic[i]), pt)
			}
			t.retireLocked()
			return true
		}
	}
	return false
}

// Discard drops a placeholder after a failed or cancelled send
func (t *Timeline) Discard(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.optimistic {
		if t.optimistic[i].TempID == tempID {
			t.optimistic = append(t.optimistic[:i], t.optimistic[i+1:]...)
			delete(t.local, tempID)
			return true
		}
	}
	return false
}

// Optimistic returns a copy of the speculative set
func (t *Timeline) Optimistic() []domain.OptimisticEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.OptimisticEnvelope(nil), t.optimistic...)
}

// Entries returns the full merged timeline
func (t *Timeline) Entries() []domain.TimelineEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Merge(t.authoritative, t.optimistic)
}

// Window returns the current window size
func (t *Timeline) Window() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.window
}

// GrowWindow extends the window by one step after a scroll to the top
func (t *Timeline) GrowWindow() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := len(Merge(t.authoritative, t.optimistic))
	t.window = pagination.Grow(t.window, t.cfg.WindowStep, total)
	return t.window
}

// WindowCoversAll reports whether the window reaches the oldest entry held
func (t *Timeline) WindowCoversAll() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.window >= len(Merge(t.authoritative, t.optimistic))
}

// Visible returns the rows inside the window
func (t *Timeline) Visible() []Row {
	t.mu.Lock()
	entries := Paginate(Merge(t.authoritative, t.optimistic), t.window)
	rows := make([]Row, len(entries))
	local := make(map[string][]byte)
	for i, e := range entries {
		_, read := t.read[e.ID]
		rows[i] = Row{TimelineEntry: e, Read: read || e.ReadFlag}
		if pt, ok := t.local[e.ID]; ok && e.Optimistic {
			local[e.ID] = pt
		}
	}
	t.mu.Unlock()

	for i := range rows {
		rows[i].Status, rows[i].Plaintext, rows[i].Err = t.cache.status(rows[i].TimelineEntry)
		if rows[i].Status == StatusPending {
			rows[i].Plaintext = local[rows[i].ID]
		}
	}
	return rows
}

// MarkRead records envelope ids whose read acknowledgement has been confirmed
func (t *Timeline) MarkRead(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.read[id] = struct{}{}
	}
}

// IsRead reports whether id was acknowledged or arrived already read
func (t *Timeline) IsRead(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.read[id]; ok {
		return true
	}
	for _, env := range t.authoritative {
		if env.ID == id {
			return env.ReadFlag
		}
	}
	return false
}

// Unread returns ids of authoritative envelopes addressed to self that are not read yet
func (t *Timeline) Unread(self domain.Identity) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for _, env := range t.authoritative {
		if env.Recipient != self || env.ReadFlag {
			continue
		}
		if _, ok := t.read[env.ID]; !ok {
			ids = append(ids, env.ID)
		}
	}
	return ids
}

// Retry clears a transient decryption failure for entry id so the next pass re-runs it
func (t *Timeline) Retry(id string) bool {
	for _, e := range t.Entries() {
		if e.ID == id && e.ContentID() != "" {
			return t.cache.ClearRetryable(e)
		}
	}
	return false
}

// SeedPlaintext keeps the plaintext of a local placeholder. Pending rows show it, and once
// the blob is attached the confirmed entry never needs decrypting.
func (t *Timeline) SeedPlaintext(tempID string, plaintext []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, env := range t.optimistic {
		if env.TempID == tempID {
			t.local[tempID] = append([]byte(nil), plaintext...)
			if env.Blob != nil {
				t.cache.StorePlaintext(domain.EntryFromOptimistic(env), plaintext)
			}
			return true
		}
	}
	return false
}

// DecryptVisible runs decrypt once for every windowed entry that has a blob and no cached
// outcome. Entries in flight or with a recorded outcome are skipped. It returns the number started.
func (t *Timeline) DecryptVisible(ctx context.Context, decrypt Decryptor) int {
	entries := Paginate(t.Entries(), t.Window())

	g := new(errgroup.Group)
	g.SetLimit(t.cfg.Concurrency)

	started := 0
	for _, entry := range entries {
		if entry.ContentID() == "" {
			continue
		}
		gen, ok := t.cache.begin(entry)
		if !ok {
			continue
		}
		started++

		entry := entry
		g.Go(func() error {
			plaintext, err := decrypt(ctx, entry)
			t.cache.finish(gen, entry, plaintext, err)
			switch {
			case err == nil:
				metrics.ReconcilerDecryptTotal.WithLabelValues("ok").Inc()
			case apperrors.IsRetryable(err):
				metrics.ReconcilerDecryptTotal.WithLabelValues("transient").Inc()
				logger.FromContext(ctx).Debug("Decrypt failed, retry available",
					zap.String("entry_id", entry.ID),
					zap.Error(err),
				)
			default:
				metrics.ReconcilerDecryptTotal.WithLabelValues("permanent").Inc()
				logger.FromContext(ctx).Info("Decrypt failed permanently",
					zap.String("entry_id", entry.ID),
					zap.String("code", string(apperrors.CodeOf(err))),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return started
}

// Reset drops every envelope, placeholder, read marker and the window
func (t *Timeline) Reset() {
	t.mu.Lock()
	t.resetLocked()
	t.lastLocal = 0
	t.mu.Unlock()
}
