package messenger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"suimessenger/internal/domain"
	"suimessenger/internal/ledger"
	"suimessenger/internal/service/reconcile"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
	"suimessenger/pkg/pagination"
)

// ScopeResolver finds or registers the scope shared with a peer
type ScopeResolver interface {
	Lookup(ctx context.Context, a, b domain.Identity) (domain.ConversationScope, bool, error)
	CreateIfMissing(ctx context.Context, self, peer domain.Identity) (domain.ConversationScope, error)
	Reset()
}

// CryptoEngine hashes and threshold-encrypts message bodies
type CryptoEngine interface {
	Hash(plaintext []byte) domain.PlaintextHash
	Encrypt(ctx context.Context, plaintext []byte, scope domain.ConversationScope, hash domain.PlaintextHash) ([]byte, []byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, hash domain.PlaintextHash, scope domain.ConversationScope, session *domain.SessionToken, role domain.DecryptRole) ([]byte, error)
}

// ContentStore stores ciphertext blobs
type ContentStore interface {
	Put(ctx context.Context, data []byte, retentionEpochs int) (domain.BlobReference, error)
	Get(ctx context.Context, contentID string) ([]byte, error)
	ClearCache(ctx context.Context) error
}

// SessionProvider supplies the decryption session for an identity
type SessionProvider interface {
	Active(ctx context.Context, identity domain.Identity) (*domain.SessionToken, error)
	Forget()
}

// EventSource queries ledger events one page at a time
type EventSource interface {
	Events(ctx context.Context, q domain.EventQuery) ([]domain.Event, error)
}

// Submitter submits state-changing operations to the ledger
type Submitter interface {
	SubmitAndWait(ctx context.Context, op domain.Operation) (*domain.Confirmation, error)
}

// Config holds pipeline settings
type Config struct {
	RetentionEpochs int
	PollLimit       int
	Timeline        reconcile.Config
}

// Service runs the send and receive pipelines for the active identity
type Service struct {
	scopes    ScopeResolver
	crypto    CryptoEngine
	content   ContentStore
	sessions  SessionProvider
	events    EventSource
	submitter Submitter
	cache     *reconcile.DecryptionCache
	cfg       Config

	mu        sync.Mutex
	self      domain.Identity
	timelines map[domain.Identity]*reconcile.Timeline
	histories map[domain.Identity]history
	inflight  map[string]*SendHandle
}

// history records which event ids bound the fetched part of one conversation
type history struct {
	newest   string
	oldest   string
	complete bool
}

// NewService creates a new messenger service
func NewService(
	scopes ScopeResolver,
	crypto CryptoEngine,
	content ContentStore,
	sessions SessionProvider,
	events EventSource,
	submitter Submitter,
	cfg Config,
) *Service {
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = pagination.MaxLimit
	}
	return &Service{
		scopes:    scopes,
		crypto:    crypto,
		content:   content,
		sessions:  sessions,
		events:    events,
		submitter: submitter,
		cache:     reconcile.NewDecryptionCache(),
		cfg:       cfg,
		timelines: make(map[domain.Identity]*reconcile.Timeline),
		histories: make(map[domain.Identity]history),
		inflight:  make(map[string]*SendHandle),
	}
}

// Self returns the active identity
func (s *Service) Self() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// SwitchIdentity makes identity the active one. Sessions, timelines, scopes, the decryption
// cache and the blob cache are dropped wholesale.
func (s *Service) SwitchIdentity(ctx context.Context, identity domain.Identity) error {
	if identity.IsZero() {
		return apperrors.ValidationError("identity is required")
	}

	s.mu.Lock()
	previous := s.self
	s.self = identity
	timelines := s.timelines
	s.timelines = make(map[domain.Identity]*reconcile.Timeline)
	s.histories = make(map[domain.Identity]history)
	for _, h := range s.inflight {
		h.Cancel()
	}
	s.mu.Unlock()

	for _, tl := range timelines {
		tl.Reset()
	}
	s.sessions.Forget()
	s.cache.Reset()
	s.scopes.Reset()

	if err := s.content.ClearCache(ctx); err != nil {
		logger.FromContext(ctx).Warn("Failed to clear blob cache on identity switch", zap.Error(err))
	}
	if previous != identity {
		logger.FromContext(ctx).Info("Active identity switched", logger.Short("identity", identity[:]))
	}
	return nil
}

// Timeline returns the timeline of the conversation with peer, creating it on first use
func (s *Service) Timeline(peer domain.Identity) *reconcile.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[peer]
	if !ok {
		tl = reconcile.NewTimeline(s.cache, s.cfg.Timeline)
		s.timelines[peer] = tl
	}
	return tl
}

func (s *Service) track(h *SendHandle) {
	s.mu.Lock()
	s.inflight[h.tempID] = h
	s.mu.Unlock()
}

func (s *Service) untrack(h *SendHandle) {
	s.mu.Lock()
	delete(s.inflight, h.tempID)
	s.mu.Unlock()
}

// PollOutput is the result of one receive pass
type PollOutput struct {
	Scope           domain.ConversationScope
	Rows            []reconcile.Row
	NewEnvelopes    int
	Decrypted       int
	SessionRequired bool
}

// Poll fetches new message events for the conversation with peer, folds them into the timeline
// and decrypts what entered the visible window. Once the window covers every fetched entry the
// next older page of history is fetched as well.
func (s *Service) Poll(ctx context.Context, peer domain.Identity) (*PollOutput, error) {
	self := s.Self()
	if self.IsZero() {
		return nil, apperrors.ValidationError("no active identity")
	}
	tl := s.Timeline(peer)
	out := &PollOutput{}

	scope, found, err := s.scopes.Lookup(ctx, self, peer)
	if err != nil {
		return nil, err
	}
	if !found {
		out.Rows = tl.Visible()
		return out, nil
	}
	out.Scope = scope

	hist := s.historyOf(peer)
	added, err := s.fetchNewer(ctx, tl, scope, &hist)
	s.storeHistory(self, peer, hist)
	if err != nil {
		return nil, err
	}
	older, err := s.fetchOlder(ctx, tl, scope, &hist)
	s.storeHistory(self, peer, hist)
	if err != nil {
		return nil, err
	}
	out.NewEnvelopes = added + older

	session, err := s.sessions.Active(ctx, self)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrCodeSessionExpired) {
			logger.FromContext(ctx).Warn("Session unavailable", zap.Error(err))
		}
		out.SessionRequired = true
		out.Rows = tl.Visible()
		return out, nil
	}

	out.Decrypted = tl.DecryptVisible(ctx, s.decryptor(self, scope, session))
	out.Rows = tl.Visible()
	return out, nil
}

func (s *Service) historyOf(peer domain.Identity) history {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.histories[peer]
}

func (s *Service) storeHistory(self, peer domain.Identity, h history) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self == self {
		s.histories[peer] = h
	}
}

func (s *Service) eventQuery(scope domain.ConversationScope) domain.EventQuery {
	return domain.EventQuery{
		Type:   ledger.EventMessageSent,
		Filter: map[string]string{"conversation_id": scope.ObjectID.String()},
		Limit:  s.cfg.PollLimit,
	}
}

// fetchNewer ingests the head of the conversation. When a full page does not reach the newest
// event seen before, it keeps paging back until the gap is closed.
func (s *Service) fetchNewer(ctx context.Context, tl *reconcile.Timeline, scope domain.ConversationScope, hist *history) (int, error) {
	q := s.eventQuery(scope)
	added := 0
	head := ""
	for {
		events, err := s.events.Events(ctx, q)
		if err != nil {
			return added, apperrors.LedgerError(err)
		}
		added += tl.Ingest(s.mapEnvelopes(ctx, scope, events)...)
		if len(events) == 0 {
			break
		}
		if head == "" {
			head = events[len(events)-1].ID
		}
		if hist.oldest == "" {
			hist.oldest = events[0].ID
			hist.complete = len(events) < q.Limit
			break
		}
		if len(events) < q.Limit || containsEvent(events, hist.newest) {
			break
		}
		q.Before = events[0].ID
	}
	if head != "" {
		hist.newest = head
	}
	return added, nil
}

// fetchOlder ingests the page before the oldest fetched event once the window reaches the end
// of the timeline
func (s *Service) fetchOlder(ctx context.Context, tl *reconcile.Timeline, scope domain.ConversationScope, hist *history) (int, error) {
	if hist.complete || hist.oldest == "" || !tl.WindowCoversAll() {
		return 0, nil
	}
	q := s.eventQuery(scope)
	q.Before = hist.oldest
	events, err := s.events.Events(ctx, q)
	if err != nil {
		return 0, apperrors.LedgerError(err)
	}
	if len(events) > 0 {
		hist.oldest = events[0].ID
	}
	hist.complete = len(events) < q.Limit
	return tl.Ingest(s.mapEnvelopes(ctx, scope, events)...), nil
}

func containsEvent(events []domain.Event, id string) bool {
	for _, ev := range events {
		if ev.ID == id {
			return true
		}
	}
	return false
}

func (s *Service) mapEnvelopes(ctx context.Context, scope domain.ConversationScope, events []domain.Event) []domain.MessageEnvelope {
	envs := make([]domain.MessageEnvelope, 0, len(events))
	for _, ev := range events {
		env, err := ledger.MapMessageEvent(ev)
		if err != nil {
			logger.FromContext(ctx).Warn("Skipping malformed message event", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if env.Scope != scope.ObjectID || !scope.Includes(env.Sender) || !scope.Includes(env.Recipient) {
			continue
		}
		envs = append(envs, env)
	}
	return envs
}

func (s *Service) decryptor(self domain.Identity, scope domain.ConversationScope, session *domain.SessionToken) reconcile.Decryptor {
	return func(ctx context.Context, entry domain.TimelineEntry) ([]byte, error) {
		ciphertext, err := s.content.Get(ctx, entry.ContentID())
		if err != nil {
			return nil, err
		}
		return s.crypto.Decrypt(ctx, ciphertext, entry.PlaintextHash, scope, session, domain.RoleFor(self, entry.Sender))
	}
}

// AcknowledgeRead records read acknowledgements confirmed for envelopes from peer
func (s *Service) AcknowledgeRead(peer domain.Identity, ids ...string) {
	s.Timeline(peer).MarkRead(ids...)
}

// Retry clears a transient failure of one entry; the next Poll decrypts it again
func (s *Service) Retry(peer domain.Identity, id string) bool {
	return s.Timeline(peer).Retry(id)
}

// SessionRenewed lets entries that failed on an invalid session be decrypted again
func (s *Service) SessionRenewed() {
	s.cache.ClearSessionFailures()
}

// SendMessageInput contains message data
type SendMessageInput struct {
	Recipient domain.Identity
	Text      string
	Sidecar   []byte
}

// SendResult describes a message recorded on the ledger
type SendResult struct {
	TempID         string
	Scope          domain.ConversationScope
	Blob           domain.BlobReference
	PlaintextHash  domain.PlaintextHash
	ConfirmationID string
}

// Send adds an optimistic entry and starts the send pipeline in the background.
// The plaintext is cached so the sender never decrypts its own message. The pipeline
// keeps ctx values but not its cancellation; stop it with SendHandle.Cancel.
func (s *Service) Send(ctx context.Context, input *SendMessageInput) (*SendHandle, error) {
	self := s.Self()
	if self.IsZero() {
		return nil, apperrors.ValidationError("no active identity")
	}
	if input == nil || input.Text == "" {
		return nil, apperrors.ValidationError("message text is required")
	}
	if input.Recipient.IsZero() || input.Recipient == self {
		return nil, apperrors.ValidationError("recipient must be another identity")
	}

	plaintext := []byte(input.Text)
	start := time.Now()
	hash := s.crypto.Hash(plaintext)
	metrics.SendPipelineStageDuration.WithLabelValues("hash").Observe(time.Since(start).Seconds())

	tl := s.Timeline(input.Recipient)
	opt := tl.AddOptimistic(domain.ObjectID{}, self, input.Recipient, hash)
	tl.SeedPlaintext(opt.TempID, plaintext)

	h := newSendHandle(opt.TempID)
	p := &pipeline{
		svc:       s,
		handle:    h,
		timeline:  tl,
		self:      self,
		peer:      input.Recipient,
		plaintext: plaintext,
		hash:      hash,
		sidecar:   input.Sidecar,
	}
	s.track(h)
	go p.run(logger.WithOperationID(context.WithoutCancel(ctx), opt.TempID))
	return h, nil
}
