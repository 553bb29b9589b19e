package reconcile

import (
	"sync"

	"suimessenger/internal/domain"
	apperrors "suimessenger/pkg/errors"
)

// Status is the decryption state of one timeline entry
type Status string

const (
	StatusLocked     Status = "locked"     // no plaintext yet, nothing attempted
	StatusPending    Status = "pending"    // upload in progress, nothing to decrypt
	StatusDecrypting Status = "decrypting" // in flight
	StatusDecrypted  Status = "decrypted"
	StatusRetryable  Status = "retryable" // transient failure, waits for Retry
	StatusFailed     Status = "failed"    // permanent failure
)

type failure struct {
	err       error
	permanent bool
}

// entryKey identifies one decryptable message. Hashes and content ids are public,
// so an entry only reuses a result recorded for the same scope, sender, blob and hash.
type entryKey struct {
	scope     domain.ObjectID
	sender    domain.Identity
	contentID string
	hash      domain.PlaintextHash
}

func keyOf(entry domain.TimelineEntry) entryKey {
	return entryKey{
		scope:     entry.Scope,
		sender:    entry.Sender,
		contentID: entry.ContentID(),
		hash:      entry.PlaintextHash,
	}
}

// DecryptionCache maps timeline entries to plaintext or failure markers.
// It is process-wide for the active identity and must be reset on identity change.
type DecryptionCache struct {
	mu        sync.Mutex
	plaintext map[entryKey][]byte
	failures  map[entryKey]failure
	inflight  map[entryKey]struct{}
	gen       uint64
}

// NewDecryptionCache creates an empty cache
func NewDecryptionCache() *DecryptionCache {
	return &DecryptionCache{
		plaintext: make(map[entryKey][]byte),
		failures:  make(map[entryKey]failure),
		inflight:  make(map[entryKey]struct{}),
	}
}

// Plaintext returns the cached plaintext for entry
func (c *DecryptionCache) Plaintext(entry domain.TimelineEntry) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt, ok := c.plaintext[keyOf(entry)]
	return pt, ok
}

// StorePlaintext records a decrypted or locally sent plaintext for an entry with a blob.
// Re-storing is a no-op.
func (c *DecryptionCache) StorePlaintext(entry domain.TimelineEntry, plaintext []byte) {
	key := keyOf(entry)
	if key.contentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.plaintext[key]; ok {
		return
	}
	c.plaintext[key] = append([]byte(nil), plaintext...)
}

// begin claims entry for decryption. It reports false when the entry is in flight,
// decrypted or has a recorded failure.
func (c *DecryptionCache) begin(entry domain.TimelineEntry) (uint64, bool) {
	key := keyOf(entry)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.plaintext[key]; ok {
		return 0, false
	}
	if _, ok := c.failures[key]; ok {
		return 0, false
	}
	if _, ok := c.inflight[key]; ok {
		return 0, false
	}
	c.inflight[key] = struct{}{}
	return c.gen, true
}

// finish releases entry and records the outcome. Results claimed before a Reset are dropped.
func (c *DecryptionCache) finish(gen uint64, entry domain.TimelineEntry, plaintext []byte, err error) {
	key := keyOf(entry)
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	delete(c.inflight, key)
	if err != nil {
		c.failures[key] = failure{err: err, permanent: !apperrors.IsRetryable(err)}
		return
	}
	if _, ok := c.plaintext[key]; !ok {
		c.plaintext[key] = plaintext
	}
}

// status reports the state of the entry without claiming it
func (c *DecryptionCache) status(entry domain.TimelineEntry) (Status, []byte, error) {
	key := keyOf(entry)
	if key.contentID == "" {
		return StatusPending, nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pt, ok := c.plaintext[key]; ok {
		return StatusDecrypted, pt, nil
	}
	if _, ok := c.inflight[key]; ok {
		return StatusDecrypting, nil, nil
	}
	if f, ok := c.failures[key]; ok {
		if f.permanent {
			return StatusFailed, nil, f.err
		}
		return StatusRetryable, nil, f.err
	}
	return StatusLocked, nil, nil
}

// ClearRetryable drops a transient failure for entry. Permanent failures stay.
func (c *DecryptionCache) ClearRetryable(entry domain.TimelineEntry) bool {
	key := keyOf(entry)
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.failures[key]
	if !ok || f.permanent {
		return false
	}
	delete(c.failures, key)
	return true
}

// ClearSessionFailures drops failures caused by an invalid session so a new session can retry them
func (c *DecryptionCache) ClearSessionFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, f := range c.failures {
		if reason, ok := apperrors.DecryptReason(f.err); ok && reason == apperrors.DecryptSessionInvalid {
			delete(c.failures, key)
			n++
		}
	}
	return n
}

// Reset empties the cache and starts a new generation
func (c *DecryptionCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.plaintext = make(map[entryKey][]byte)
	c.failures = make(map[entryKey]failure)
	c.inflight = make(map[entryKey]struct{})
}
