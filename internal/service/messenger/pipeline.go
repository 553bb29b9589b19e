package messenger

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"suimessenger/internal/domain"
	"suimessenger/internal/ledger"
	"suimessenger/internal/service/reconcile"
	pkgctx "suimessenger/pkg/context"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
)

// SendHandle tracks one message through the send pipeline
type SendHandle struct {
	tempID    string
	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once

	result *SendResult
	err    error
}

func newSendHandle(tempID string) *SendHandle {
	return &SendHandle{tempID: tempID, done: make(chan struct{})}
}

// TempID returns the id of the optimistic entry
func (h *SendHandle) TempID() string { return h.tempID }

// Cancel asks the pipeline to stop at the next stage boundary. An upload already
// finished stays stored but the message is never submitted.
func (h *SendHandle) Cancel() { h.cancelled.Store(true) }

// Done is closed when the pipeline finishes
func (h *SendHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the pipeline finishes or ctx ends
func (h *SendHandle) Wait(ctx context.Context) (*SendResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *SendHandle) finish(result *SendResult, err error) {
	h.once.Do(func() {
		h.result, h.err = result, err
		close(h.done)
	})
}

type pipeline struct {
	svc      *Service
	handle   *SendHandle
	timeline *reconcile.Timeline

	self      domain.Identity
	peer      domain.Identity
	plaintext []byte
	hash      domain.PlaintextHash
	sidecar   []byte
}

func (p *pipeline) stopped(ctx context.Context) bool {
	return p.handle.cancelled.Load() || ctx.Err() != nil
}

func (p *pipeline) run(ctx context.Context) {
	log := logger.FromContext(ctx)
	defer p.svc.untrack(p.handle)

	result, err := p.execute(ctx)
	if err != nil {
		p.timeline.Discard(p.handle.tempID)
		if apperrors.Is(err, apperrors.ErrCodeSendCancelled) {
			metrics.SendOutcomesTotal.WithLabelValues("cancelled").Inc()
			log.Info("Send cancelled")
		} else {
			metrics.SendOutcomesTotal.WithLabelValues("failed").Inc()
			log.Warn("Send failed",
				zap.String("code", string(apperrors.CodeOf(err))),
				zap.Bool("retryable", apperrors.IsRetryable(err)),
				zap.Error(err),
			)
		}
		p.handle.finish(nil, err)
		return
	}

	metrics.SendOutcomesTotal.WithLabelValues("sent").Inc()
	log.Info("Message sent",
		zap.String("content_id", result.Blob.ContentID),
		zap.String("confirmation_id", result.ConfirmationID),
	)
	p.handle.finish(result, nil)
}

func (p *pipeline) execute(ctx context.Context) (*SendResult, error) {
	result := &SendResult{TempID: p.handle.tempID, PlaintextHash: p.hash}

	if p.stopped(ctx) {
		return nil, apperrors.SendCancelledError()
	}
	start := time.Now()
	scope, err := p.svc.scopes.CreateIfMissing(ctx, p.self, p.peer)
	metrics.SendPipelineStageDuration.WithLabelValues("scope").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	result.Scope = scope

	if p.stopped(ctx) {
		return nil, apperrors.SendCancelledError()
	}
	start = time.Now()
	ciphertext, _, err := p.svc.crypto.Encrypt(ctx, p.plaintext, scope, p.hash)
	metrics.SendPipelineStageDuration.WithLabelValues("encrypt").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if p.stopped(ctx) {
		return nil, apperrors.SendCancelledError()
	}
	start = time.Now()
	ref, err := p.svc.content.Put(ctx, ciphertext, p.svc.cfg.RetentionEpochs)
	metrics.SendPipelineStageDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	result.Blob = ref
	p.timeline.AttachBlob(p.handle.tempID, scope.ObjectID, ref)

	if p.stopped(ctx) {
		logger.FromContext(ctx).Debug("Cancelled after upload, blob left in place", zap.String("content_id", ref.ContentID))
		return nil, apperrors.SendCancelledError()
	}
	start = time.Now()
	conf, err := p.submit(ctx, scope, ref)
	metrics.SendPipelineStageDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, apperrors.LedgerError(err)
	}
	result.ConfirmationID = conf.ID

	p.ingestConfirmation(ctx, scope, conf)
	return result, nil
}

func (p *pipeline) submit(ctx context.Context, scope domain.ConversationScope, ref domain.BlobReference) (*domain.Confirmation, error) {
	args := map[string]any{
		"conversation_id": scope.ObjectID.String(),
		"recipient":       p.peer.String(),
		"blob_id":         ref.ContentID,
		"blob_size":       ref.SizeBytes,
		"ttl_epochs":      ref.TTLEpochs,
		"plaintext_hash":  p.hash.String(),
	}
	if len(p.sidecar) > 0 {
		args["sidecar"] = base64.StdEncoding.EncodeToString(p.sidecar)
	}

	ledgerCtx, cancel := pkgctx.WithLedgerTimeout(ctx)
	defer cancel()

	return p.svc.submitter.SubmitAndWait(ledgerCtx, domain.Operation{
		Function:  ledger.FnSendMessage,
		Sender:    p.self,
		Arguments: args,
	})
}

// ingestConfirmation folds the emitted MessageSent event in right away, retiring the optimistic entry
func (p *pipeline) ingestConfirmation(ctx context.Context, scope domain.ConversationScope, conf *domain.Confirmation) {
	var events []domain.Event
	for _, ev := range conf.Events {
		if ledger.IsEventType(ev.Type, ledger.EventMessageSent) {
			events = append(events, ev)
		}
	}
	if len(events) > 0 {
		p.timeline.Ingest(p.svc.mapEnvelopes(ctx, scope, events)...)
	}
}
