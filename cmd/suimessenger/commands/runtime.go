package commands

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"suimessenger/internal/domain"
	"suimessenger/internal/repository/file"
	"suimessenger/internal/repository/minio"
	redisRepo "suimessenger/internal/repository/redis"
	"suimessenger/internal/repository/walrus"
	"suimessenger/internal/service/scope"
	"suimessenger/internal/service/session"
	"suimessenger/internal/service/storage"
	"suimessenger/pkg/audit"
	"suimessenger/pkg/cache"
	"suimessenger/pkg/config"
	"suimessenger/pkg/database"
)

// runtime builds configured backends on first use and closes what it opened
type runtime struct {
	cfg   *config.Config
	redis *database.RedisDB
}

func newRuntime(cfg *config.Config) *runtime {
	return &runtime{cfg: cfg}
}

func (r *runtime) Close() error {
	if r.redis != nil {
		return r.redis.Close()
	}
	return nil
}

func (r *runtime) redisClient(ctx context.Context) (*goredis.Client, error) {
	if r.redis == nil {
		db, err := database.NewRedisDB(ctx, &database.RedisConfig{
			Addr:     r.cfg.Redis.Addr,
			Password: r.cfg.Redis.Password,
			DB:       r.cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		r.redis = db
	}
	return r.redis.Client, nil
}

func (r *runtime) blobCache(ctx context.Context) (cache.BlobCache, error) {
	if r.cfg.Cache.Backend != "redis" {
		return cache.NewMemoryCache(r.cfg.Cache.MaxEntries), nil
	}
	client, err := r.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return cache.NewRedisCache(client, r.cfg.Cache.KeyPrefix, 0), nil
}

// endpoints returns the write endpoint and the ordered read endpoints. An enabled MinIO bucket
// takes writes and is read first; aggregators follow as fallbacks.
func (r *runtime) endpoints(ctx context.Context) (domain.BlobWriter, []domain.BlobReader, error) {
	httpClient := &http.Client{}

	var (
		writer  domain.BlobWriter
		readers []domain.BlobReader
	)
	if r.cfg.MinIO.Enabled {
		repo, err := minio.NewBlobRepository(minio.Options{
			Endpoint:  r.cfg.MinIO.Endpoint,
			AccessKey: r.cfg.MinIO.AccessKey,
			SecretKey: r.cfg.MinIO.SecretKey,
			UseSSL:    r.cfg.MinIO.UseSSL,
			Bucket:    r.cfg.MinIO.Bucket,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := repo.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		writer = repo
		readers = append(readers, repo)
	} else {
		publisher, err := walrus.NewClient("publisher", r.cfg.Storage.PublisherURL, httpClient)
		if err != nil {
			return nil, nil, err
		}
		writer = publisher
	}

	for i, u := range r.cfg.Storage.AggregatorURLs {
		agg, err := walrus.NewClient(fmt.Sprintf("aggregator-%d", i+1), u, httpClient)
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, agg)
	}
	return writer, readers, nil
}

func (r *runtime) storageConfig() storage.Config {
	return storage.Config{
		UploadTimeout:     r.cfg.Storage.UploadTimeout,
		ProbeTimeout:      r.cfg.Storage.ProbeTimeout,
		MaxCacheableBytes: r.cfg.Storage.MaxCacheableBytes,
		RetentionEpochs:   r.cfg.Storage.RetentionEpochs,
	}
}

func (r *runtime) contentStore(ctx context.Context) (*storage.Service, error) {
	writer, readers, err := r.endpoints(ctx)
	if err != nil {
		return nil, err
	}
	blobCache, err := r.blobCache(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewService(writer, readers, blobCache, r.storageConfig())
}

func (r *runtime) sessionStore(ctx context.Context) (domain.SessionStore, error) {
	if r.cfg.Session.Backend != "redis" {
		return file.NewSessionStore(r.cfg.Session.Dir), nil
	}
	client, err := r.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return redisRepo.NewSessionRepository(client, "", time.Duration(session.MaxTTLMinutes)*time.Minute), nil
}

func (r *runtime) scopeDirectory(ctx context.Context) (scope.Directory, error) {
	if r.cfg.Session.Backend != "redis" {
		return file.NewScopeDirectory(filepath.Join(r.cfg.Session.Dir, "scopes.json")), nil
	}
	client, err := r.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return redisRepo.NewDirectoryRepository(client), nil
}

// auditSinks logs session events and, with the redis session backend, keeps them in Redis
func (r *runtime) auditSinks(ctx context.Context) (*audit.Logger, *audit.RedisSink, error) {
	if r.cfg.Session.Backend != "redis" {
		return audit.NewLogger(audit.LogSink{}), nil, nil
	}
	client, err := r.redisClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	sink := audit.NewRedisSink(client, 0)
	return audit.NewLogger(audit.LogSink{}, sink), sink, nil
}

func (r *runtime) sessionManager(ctx context.Context) (*session.Manager, error) {
	store, err := r.sessionStore(ctx)
	if err != nil {
		return nil, err
	}
	auditLog, _, err := r.auditSinks(ctx)
	if err != nil {
		return nil, err
	}
	return session.NewManager(store, r.cfg.Ledger.ServiceID).WithAudit(auditLog), nil
}
