package context

import (
	"context"
	"time"
)

// Per-call timeouts. Nothing in the runtime uses a global deadline.
const (
	// UploadTimeout bounds a single write to the primary storage endpoint
	UploadTimeout = 2 * time.Minute

	// ProbeTimeout bounds a single read endpoint probe
	ProbeTimeout = 10 * time.Second

	// LedgerTimeout bounds one submit-and-wait or query against the ledger
	LedgerTimeout = 30 * time.Second

	// SignTimeout bounds the interactive signing prompt
	SignTimeout = 5 * time.Minute
)

// WithLedgerTimeout creates a context for one ledger call
func WithLedgerTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, LedgerTimeout)
}

// WithSignTimeout creates a context for the signing prompt
func WithSignTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, SignTimeout)
}

// WithTimeout creates a context with a custom timeout, falling back to def when timeout is zero
func WithTimeout(parent context.Context, timeout, def time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = def
	}
	return context.WithTimeout(parent, timeout)
}
