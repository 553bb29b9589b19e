package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Runtime metrics for the content store, crypto engine, session manager and send pipeline
var (
	ContentStoreRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_store_requests_total",
		Help: "Total number of storage endpoint requests",
	}, []string{"op", "endpoint", "result"}) // result: success, not_found, error, timeout, skipped

	ContentStoreCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_store_cache_total",
		Help: "Blob cache lookups and writes",
	}, []string{"result"}) // hit, miss, store, skip_large

	CryptoOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crypto_operations_total",
		Help: "Total number of threshold encrypt/decrypt operations",
	}, []string{"op", "result"})

	SendPipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "send_pipeline_stage_duration_seconds",
		Help:    "Time spent in each send pipeline stage",
		Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
	}, []string{"stage"}) // scope, hash, encrypt, upload, submit

	SendOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "send_outcomes_total",
		Help: "Total number of sends by outcome",
	}, []string{"outcome"}) // sent, failed, cancelled

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_transitions_total",
		Help: "Session state transitions",
	}, []string{"state"})

	ReconcilerDecryptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_decrypt_total",
		Help: "Decrypt-on-demand results",
	}, []string{"result"}) // ok, transient, permanent

	ScopeResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scope_resolutions_total",
		Help: "Scope lookups and creations",
	}, []string{"result"}) // found, missing, created, raced, error
)
