// Package constants defines application-wide constants for timeouts and limits.
package constants

import "time"

// Server-related constants
const (
	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// ReadHeaderTimeout bounds how long a client may take to send request headers
	ReadHeaderTimeout = 10 * time.Second

	// RateLimitWindow is the window of the upload rate limiter
	RateLimitWindow = time.Minute
)

// Client-related constants
const (
	// DemoSessionTTLMinutes is the session duration used by the demo command
	DemoSessionTTLMinutes = 10

	// AuditLogRetention is how long session audit events are kept
	AuditLogRetention = 30 * 24 * time.Hour

	// AuditLookbackDays bounds how many daily audit buckets a history query scans
	AuditLookbackDays = 30
)
