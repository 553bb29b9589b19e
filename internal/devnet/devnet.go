// Package devnet wires an in-process ledger and key server committee to the runtime so
// several parties can exchange messages without external services.
package devnet

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"suimessenger/internal/domain"
	"suimessenger/internal/ledger"
	"suimessenger/internal/repository/devkms"
	"suimessenger/internal/repository/memledger"
	"suimessenger/internal/service/crypto"
	"suimessenger/internal/service/messenger"
	"suimessenger/internal/service/scope"
	"suimessenger/internal/service/session"
	"suimessenger/internal/service/storage"
	"suimessenger/pkg/audit"
	"suimessenger/pkg/cache"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/logger"
)

// Config holds network settings
type Config struct {
	ServiceID string
	PackageID string
	Servers   int
	Threshold int
	Storage   storage.Config
	Messenger messenger.Config
}

// Network is a ledger, a committee and a blob backend shared by every party
type Network struct {
	Ledger    *memledger.Ledger
	Committee *devkms.Committee
	Crypto    *crypto.Engine

	reads   *ledger.ReadAdapter
	writer  domain.BlobWriter
	readers []domain.BlobReader
	cfg     Config
}

// New creates a network storing blobs through writer and readers
func New(ctx context.Context, cfg Config, writer domain.BlobWriter, readers ...domain.BlobReader) (*Network, error) {
	if cfg.ServiceID == "" {
		cfg.ServiceID = "suimessenger-dev"
	}
	if cfg.Servers <= 0 {
		cfg.Servers = 3
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = cfg.Servers/2 + 1
	}
	if len(readers) == 0 {
		if r, ok := writer.(domain.BlobReader); ok {
			readers = []domain.BlobReader{r}
		}
	}

	l := memledger.New(memledger.Config{PackageID: cfg.PackageID})
	committee, err := devkms.NewCommittee(cfg.Servers, l, cfg.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create committee: %w", err)
	}
	for _, s := range committee.Servers() {
		l.PutObject(s.ID, s.Object())
	}

	reads := ledger.NewReadAdapter(l)
	engine, err := crypto.NewEngine(committee, reads, crypto.Config{
		PackageID:    l.PackageID(),
		Threshold:    cfg.Threshold,
		KeyServerIDs: committee.IDs(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := engine.VerifyCommittee(ctx); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("Development network ready",
		zap.String("package_id", l.PackageID()),
		zap.String("registry_id", l.RegistryID().String()),
		zap.Int("servers", cfg.Servers),
		zap.Int("threshold", cfg.Threshold),
	)

	return &Network{
		Ledger:    l,
		Committee: committee,
		Crypto:    engine,
		reads:     reads,
		writer:    writer,
		readers:   readers,
		cfg:       cfg,
	}, nil
}

// JoinOptions selects the per-party stores. Sessions is required; a nil Cache falls back
// to an in-memory one, a nil Directory or Audit disables it.
type JoinOptions struct {
	Sessions  domain.SessionStore
	Directory scope.Directory
	Cache     cache.BlobCache
	Audit     *audit.Logger
}

// Party is one identity running its own runtime against the network
type Party struct {
	Wallet    *devkms.Wallet
	Sessions  *session.Manager
	Scopes    *scope.Resolver
	Content   *storage.Service
	Messenger *messenger.Service
}

// Join builds a runtime for wallet and makes its identity active
func (n *Network) Join(ctx context.Context, wallet *devkms.Wallet, opts JoinOptions) (*Party, error) {
	if opts.Sessions == nil {
		return nil, apperrors.ValidationError("a session store is required")
	}
	content, err := storage.NewService(n.writer, n.readers, opts.Cache, n.cfg.Storage)
	if err != nil {
		return nil, err
	}

	resolver := scope.NewResolver(n.reads, n.Ledger, n.Ledger.RegistryID())
	if opts.Directory != nil {
		resolver.WithDirectory(opts.Directory)
	}
	sessions := session.NewManager(opts.Sessions, n.cfg.ServiceID).WithAudit(opts.Audit)
	svc := messenger.NewService(resolver, n.Crypto, content, sessions, n.reads, n.Ledger, n.cfg.Messenger)
	if err := svc.SwitchIdentity(ctx, wallet.Identity()); err != nil {
		return nil, err
	}

	return &Party{
		Wallet:    wallet,
		Sessions:  sessions,
		Scopes:    resolver,
		Content:   content,
		Messenger: svc,
	}, nil
}

// Identity returns the party's identity
func (p *Party) Identity() domain.Identity { return p.Wallet.Identity() }

// OpenSession signs a new session with the party's wallet and persists it
func (p *Party) OpenSession(ctx context.Context, ttlMinutes int) (*domain.SessionToken, error) {
	token, err := p.Sessions.Create(ctx, p.Identity(), ttlMinutes, p.Wallet)
	if err != nil {
		return nil, err
	}
	if err := p.Sessions.Persist(ctx, token); err != nil {
		return nil, err
	}
	p.Messenger.SessionRenewed()
	return token, nil
}
