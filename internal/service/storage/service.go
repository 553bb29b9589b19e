package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"suimessenger/internal/domain"
	"suimessenger/pkg/cache"
	pkgctx "suimessenger/pkg/context"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
	"suimessenger/pkg/resilience"
)

// DefaultMaxCacheableBytes is the largest payload written through to the blob cache
const DefaultMaxCacheableBytes = 500_000

// Config holds content store settings
type Config struct {
	UploadTimeout     time.Duration
	ProbeTimeout      time.Duration
	MaxCacheableBytes int
	RetentionEpochs   int
	Breaker           resilience.Config
}

type readEndpoint struct {
	reader  domain.BlobReader
	breaker *resilience.Breaker
}

// Service stores and retrieves opaque blobs by content address over redundant endpoints
type Service struct {
	writer  domain.BlobWriter
	readers []readEndpoint
	cache   cache.BlobCache
	cfg     Config
}

// NewService creates a new content store. Readers are tried in the given order.
func NewService(writer domain.BlobWriter, readers []domain.BlobReader, blobCache cache.BlobCache, cfg Config) (*Service, error) {
	if writer == nil {
		return nil, apperrors.ValidationError("a write endpoint is required")
	}
	if len(readers) == 0 {
		return nil, apperrors.ValidationError("at least one read endpoint is required")
	}
	if blobCache == nil {
		blobCache = cache.NewMemoryCache(cache.DefaultMaxEntries)
	}
	if cfg.MaxCacheableBytes == 0 {
		cfg.MaxCacheableBytes = DefaultMaxCacheableBytes
	}
	if cfg.RetentionEpochs <= 0 {
		cfg.RetentionEpochs = 1
	}

	endpoints := make([]readEndpoint, 0, len(readers))
	for _, r := range readers {
		endpoints = append(endpoints, readEndpoint{
			reader:  r,
			breaker: resilience.NewBreaker(r.Name(), cfg.Breaker),
		})
	}

	return &Service{
		writer:  writer,
		readers: endpoints,
		cache:   blobCache,
		cfg:     cfg,
	}, nil
}

// Put uploads data to the write endpoint. Payloads up to MaxCacheableBytes are written through to the cache.
func (s *Service) Put(ctx context.Context, data []byte, retentionEpochs int) (domain.BlobReference, error) {
	if retentionEpochs <= 0 {
		retentionEpochs = s.cfg.RetentionEpochs
	}

	uploadCtx, cancel := pkgctx.WithTimeout(ctx, s.cfg.UploadTimeout, pkgctx.UploadTimeout)
	defer cancel()

	start := time.Now()
	ref, err := s.writer.Put(uploadCtx, data, retentionEpochs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(uploadCtx.Err(), context.DeadlineExceeded) {
			metrics.ContentStoreRequestsTotal.WithLabelValues("put", s.writer.Name(), "timeout").Inc()
			logger.FromContext(ctx).Warn("Upload timed out",
				zap.String("endpoint", s.writer.Name()),
				zap.Int("bytes", len(data)),
				zap.Duration("elapsed", time.Since(start)),
			)
			return domain.BlobReference{}, apperrors.UploadTimeoutError(err)
		}
		metrics.ContentStoreRequestsTotal.WithLabelValues("put", s.writer.Name(), "error").Inc()
		return domain.BlobReference{}, apperrors.UploadFailedError(err)
	}
	if ref.ContentID == "" {
		metrics.ContentStoreRequestsTotal.WithLabelValues("put", s.writer.Name(), "error").Inc()
		return domain.BlobReference{}, apperrors.UploadFailedError(errors.New("endpoint returned no content id"))
	}
	if ref.SizeBytes == 0 {
		ref.SizeBytes = int64(len(data))
	}
	if ref.TTLEpochs == 0 {
		ref.TTLEpochs = retentionEpochs
	}

	metrics.ContentStoreRequestsTotal.WithLabelValues("put", s.writer.Name(), "success").Inc()
	logger.FromContext(ctx).Debug("Blob uploaded",
		zap.String("content_id", ref.ContentID),
		zap.Int64("bytes", ref.SizeBytes),
	)

	s.writeThrough(ctx, ref.ContentID, data)
	return ref, nil
}

// Get returns the blob from cache or from the first read endpoint that has it.
// Endpoints are probed strictly in order. A clean miss everywhere is ContentNotFound;
// any endpoint error turns the outcome into ContentUnavailable.
func (s *Service) Get(ctx context.Context, contentID string) ([]byte, error) {
	if contentID == "" {
		return nil, apperrors.ValidationError("content id is required")
	}

	data, ok, err := s.cache.Get(ctx, contentID)
	if err != nil {
		logger.FromContext(ctx).Warn("Blob cache read failed", zap.String("content_id", contentID), zap.Error(err))
	}
	if ok {
		metrics.ContentStoreCacheTotal.WithLabelValues("hit").Inc()
		return data, nil
	}
	metrics.ContentStoreCacheTotal.WithLabelValues("miss").Inc()

	var lastErr error
	for _, ep := range s.readers {
		if ctx.Err() != nil {
			return nil, apperrors.ContentUnavailableError(contentID, ctx.Err())
		}

		data, err := s.probe(ctx, ep, contentID)
		switch {
		case err == nil:
			metrics.ContentStoreRequestsTotal.WithLabelValues("get", ep.reader.Name(), "success").Inc()
			s.writeThrough(ctx, contentID, data)
			return data, nil
		case errors.Is(err, domain.ErrBlobNotFound):
			metrics.ContentStoreRequestsTotal.WithLabelValues("get", ep.reader.Name(), "not_found").Inc()
		case errors.Is(err, resilience.ErrCircuitOpen):
			metrics.ContentStoreRequestsTotal.WithLabelValues("get", ep.reader.Name(), "skipped").Inc()
			lastErr = fmt.Errorf("%s: %w", ep.reader.Name(), err)
		default:
			metrics.ContentStoreRequestsTotal.WithLabelValues("get", ep.reader.Name(), "error").Inc()
			logger.FromContext(ctx).Warn("Read endpoint failed, falling back",
				zap.String("endpoint", ep.reader.Name()),
				zap.String("content_id", contentID),
				zap.Error(err),
			)
			lastErr = fmt.Errorf("%s: %w", ep.reader.Name(), err)
		}
	}

	if lastErr != nil {
		return nil, apperrors.ContentUnavailableError(contentID, lastErr)
	}
	return nil, apperrors.ContentNotFoundError(contentID)
}

// ClearCache drops every cached blob
func (s *Service) ClearCache(ctx context.Context) error {
	return s.cache.Clear(ctx)
}

func (s *Service) probe(ctx context.Context, ep readEndpoint, contentID string) ([]byte, error) {
	probeCtx, cancel := pkgctx.WithTimeout(ctx, s.cfg.ProbeTimeout, pkgctx.ProbeTimeout)
	defer cancel()

	var data []byte
	err := ep.breaker.Do(probeCtx, func(ctx context.Context) error {
		var err error
		data, err = ep.reader.Get(ctx, contentID)
		return err
	}, func(err error) bool {
		return errors.Is(err, domain.ErrBlobNotFound)
	})
	return data, err
}

func (s *Service) writeThrough(ctx context.Context, contentID string, data []byte) {
	if len(data) > s.cfg.MaxCacheableBytes {
		metrics.ContentStoreCacheTotal.WithLabelValues("skip_large").Inc()
		return
	}
	if err := s.cache.Set(ctx, contentID, data); err != nil {
		logger.FromContext(ctx).Warn("Blob cache write failed", zap.String("content_id", contentID), zap.Error(err))
		return
	}
	metrics.ContentStoreCacheTotal.WithLabelValues("store").Inc()
}
