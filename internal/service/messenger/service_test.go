package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"suimessenger/internal/domain"
	"suimessenger/internal/ledger"
	"suimessenger/internal/service/reconcile"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/pagination"
)

// Mocks
type MockScopeResolver struct {
	mock.Mock
}

func (m *MockScopeResolver) Lookup(ctx context.Context, a, b domain.Identity) (domain.ConversationScope, bool, error) {
	args := m.Called(ctx, a, b)
	return args.Get(0).(domain.ConversationScope), args.Bool(1), args.Error(2)
}

func (m *MockScopeResolver) CreateIfMissing(ctx context.Context, self, peer domain.Identity) (domain.ConversationScope, error) {
	args := m.Called(ctx, self, peer)
	return args.Get(0).(domain.ConversationScope), args.Error(1)
}

func (m *MockScopeResolver) Reset() { m.Called() }

type MockCryptoEngine struct {
	mock.Mock
}

func (m *MockCryptoEngine) Hash(plaintext []byte) domain.PlaintextHash {
	args := m.Called(plaintext)
	return args.Get(0).(domain.PlaintextHash)
}

func (m *MockCryptoEngine) Encrypt(ctx context.Context, plaintext []byte, scope domain.ConversationScope, hash domain.PlaintextHash) ([]byte, []byte, error) {
	args := m.Called(ctx, plaintext, scope, hash)
	var ct, rk []byte
	if v := args.Get(0); v != nil {
		ct = v.([]byte)
	}
	if v := args.Get(1); v != nil {
		rk = v.([]byte)
	}
	return ct, rk, args.Error(2)
}

func (m *MockCryptoEngine) Decrypt(ctx context.Context, ciphertext []byte, hash domain.PlaintextHash, scope domain.ConversationScope, session *domain.SessionToken, role domain.DecryptRole) ([]byte, error) {
	args := m.Called(ctx, ciphertext, hash, scope, session, role)
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockContentStore struct {
	mock.Mock
}

func (m *MockContentStore) Put(ctx context.Context, data []byte, retentionEpochs int) (domain.BlobReference, error) {
	args := m.Called(ctx, data, retentionEpochs)
	return args.Get(0).(domain.BlobReference), args.Error(1)
}

func (m *MockContentStore) Get(ctx context.Context, contentID string) ([]byte, error) {
	args := m.Called(ctx, contentID)
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockContentStore) ClearCache(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockSessionProvider struct {
	mock.Mock
}

func (m *MockSessionProvider) Active(ctx context.Context, identity domain.Identity) (*domain.SessionToken, error) {
	args := m.Called(ctx, identity)
	if v := args.Get(0); v != nil {
		return v.(*domain.SessionToken), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionProvider) Forget() { m.Called() }

type MockEventSource struct {
	mock.Mock
}

func (m *MockEventSource) Events(ctx context.Context, q domain.EventQuery) ([]domain.Event, error) {
	args := m.Called(ctx, q)
	if v := args.Get(0); v != nil {
		return v.([]domain.Event), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) SubmitAndWait(ctx context.Context, op domain.Operation) (*domain.Confirmation, error) {
	args := m.Called(ctx, op)
	if v := args.Get(0); v != nil {
		return v.(*domain.Confirmation), args.Error(1)
	}
	return nil, args.Error(1)
}

type mocks struct {
	scopes    *MockScopeResolver
	crypto    *MockCryptoEngine
	content   *MockContentStore
	sessions  *MockSessionProvider
	events    *MockEventSource
	submitter *MockSubmitter
}

var (
	alice = domain.Identity{0x0a}
	bob   = domain.Identity{0x0b}
	scope = domain.ConversationScope{
		Participants: [2]domain.Identity{alice, bob},
		ObjectID:     domain.ObjectID{0xc0},
	}
	hash = domain.PlaintextHash{0x11}
)

func newTestService(t *testing.T) (*Service, *mocks) {
	t.Helper()
	m := &mocks{
		scopes:    new(MockScopeResolver),
		crypto:    new(MockCryptoEngine),
		content:   new(MockContentStore),
		sessions:  new(MockSessionProvider),
		events:    new(MockEventSource),
		submitter: new(MockSubmitter),
	}
	svc := NewService(m.scopes, m.crypto, m.content, m.sessions, m.events, m.submitter, Config{RetentionEpochs: 1})

	m.sessions.On("Forget").Return()
	m.scopes.On("Reset").Return()
	m.content.On("ClearCache", mock.Anything).Return(nil)
	require.NoError(t, svc.SwitchIdentity(context.Background(), alice))
	return svc, m
}

func messageEvent(id string, conv domain.ObjectID, sender, recipient domain.Identity, blobID string, createdAt int64) domain.Event {
	return hashedEvent(id, conv, sender, recipient, blobID, createdAt, hash)
}

func hashedEvent(id string, conv domain.ObjectID, sender, recipient domain.Identity, blobID string, createdAt int64, h domain.PlaintextHash) domain.Event {
	return domain.Event{
		ID:   id,
		Type: "0xpkg::messenger::" + ledger.EventMessageSent,
		Fields: domain.StructuredValue{
			"conversation_id": conv.String(),
			"sender":          sender.String(),
			"recipient":       recipient.String(),
			"blob_id":         blobID,
			"blob_size":       int64(10),
			"ttl_epochs":      int64(1),
			"plaintext_hash":  h.String(),
			"created_at":      createdAt,
		},
	}
}

func TestSend_Validation(t *testing.T) {
	ctx := context.Background()
	empty := NewService(nil, nil, nil, nil, nil, nil, Config{})
	_, err := empty.Send(ctx, &SendMessageInput{Recipient: bob, Text: "hi"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation), "no active identity")

	svc, m := newTestService(t)
	cases := []*SendMessageInput{
		nil,
		{Recipient: bob, Text: ""},
		{Recipient: alice, Text: "to myself"},
		{Recipient: domain.Identity{}, Text: "nobody"},
	}
	for _, in := range cases {
		_, err := svc.Send(ctx, in)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	}
	m.crypto.AssertNotCalled(t, "Hash", mock.Anything)
	assert.Empty(t, svc.Timeline(bob).Optimistic())
}

func TestSend_HappyPathConfirmsAndRetiresPlaceholder(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()
	ref := domain.BlobReference{ContentID: "blob-1", SizeBytes: 10, TTLEpochs: 1}

	m.crypto.On("Hash", []byte("hello")).Return(hash)
	m.scopes.On("CreateIfMissing", mock.Anything, alice, bob).Return(scope, nil)
	m.crypto.On("Encrypt", mock.Anything, []byte("hello"), scope, hash).Return([]byte("ct"), []byte("rk"), nil)
	m.content.On("Put", mock.Anything, []byte("ct"), 1).Return(ref, nil)
	m.submitter.On("SubmitAndWait", mock.Anything, mock.MatchedBy(func(op domain.Operation) bool {
		_, hasRecovery := op.Arguments["recovery_key"]
		return op.Function == ledger.FnSendMessage &&
			op.Sender == alice &&
			op.Arguments["blob_id"] == "blob-1" &&
			op.Arguments["plaintext_hash"] == hash.String() &&
			!hasRecovery
	})).Return(&domain.Confirmation{
		ID:     "tx-1",
		Events: []domain.Event{messageEvent("tx-1:0", scope.ObjectID, alice, bob, "blob-1", time.Now().Unix())},
	}, nil)

	h, err := svc.Send(ctx, &SendMessageInput{Recipient: bob, Text: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.TempID())

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.ConfirmationID)
	assert.Equal(t, ref, res.Blob)

	tl := svc.Timeline(bob)
	assert.Empty(t, tl.Optimistic())
	rows := tl.Visible()
	require.Len(t, rows, 1)
	assert.Equal(t, "tx-1:0", rows[0].ID)
	assert.Equal(t, reconcile.StatusDecrypted, rows[0].Status)
	assert.Equal(t, "hello", string(rows[0].Plaintext))
	m.crypto.AssertNotCalled(t, "Decrypt", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSend_FailureDiscardsPlaceholder(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	m.crypto.On("Hash", mock.Anything).Return(hash)
	m.scopes.On("CreateIfMissing", mock.Anything, alice, bob).Return(scope, nil)
	m.crypto.On("Encrypt", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, nil, apperrors.EncryptionFailedError(errors.New("committee down")))

	h, err := svc.Send(ctx, &SendMessageInput{Recipient: bob, Text: "hello"})
	require.NoError(t, err)
	_, err = h.Wait(ctx)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeEncryptionFailed))
	assert.Empty(t, svc.Timeline(bob).Optimistic())
	m.content.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)
}

func TestSend_SubmitFailureIsLedgerError(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	m.crypto.On("Hash", mock.Anything).Return(hash)
	m.scopes.On("CreateIfMissing", mock.Anything, alice, bob).Return(scope, nil)
	m.crypto.On("Encrypt", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]byte("ct"), []byte("rk"), nil)
	m.content.On("Put", mock.Anything, mock.Anything, mock.Anything).Return(domain.BlobReference{ContentID: "blob-1"}, nil)
	m.submitter.On("SubmitAndWait", mock.Anything, mock.Anything).Return(nil, errors.New("gas exhausted"))

	h, err := svc.Send(ctx, &SendMessageInput{Recipient: bob, Text: "hello"})
	require.NoError(t, err)
	_, err = h.Wait(ctx)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLedger))
	assert.Empty(t, svc.Timeline(bob).Optimistic())
}

func TestSend_CancelAfterUploadLeavesBlobUnsubmitted(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()
	uploading := make(chan struct{})
	release := make(chan struct{})

	m.crypto.On("Hash", mock.Anything).Return(hash)
	m.scopes.On("CreateIfMissing", mock.Anything, alice, bob).Return(scope, nil)
	m.crypto.On("Encrypt", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]byte("ct"), []byte("rk"), nil)
	m.content.On("Put", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(uploading)
			<-release
		}).
		Return(domain.BlobReference{ContentID: "blob-1"}, nil)

	h, err := svc.Send(ctx, &SendMessageInput{Recipient: bob, Text: "hello"})
	require.NoError(t, err)

	<-uploading
	h.Cancel()
	close(release)

	_, err = h.Wait(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeSendCancelled))
	m.content.AssertNumberOfCalls(t, "Put", 1)
	m.submitter.AssertNotCalled(t, "SubmitAndWait", mock.Anything, mock.Anything)
	assert.Empty(t, svc.Timeline(bob).Optimistic())
}

func TestSend_OutlivesCallerContext(t *testing.T) {
	svc, m := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	encrypting := make(chan struct{})
	release := make(chan struct{})

	m.crypto.On("Hash", mock.Anything).Return(hash)
	m.scopes.On("CreateIfMissing", mock.Anything, alice, bob).Return(scope, nil)
	m.crypto.On("Encrypt", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(encrypting)
			<-release
		}).
		Return([]byte("ct"), []byte("rk"), nil)
	m.content.On("Put", mock.Anything, mock.Anything, mock.Anything).Return(domain.BlobReference{ContentID: "blob-1"}, nil)
	m.submitter.On("SubmitAndWait", mock.Anything, mock.Anything).Return(&domain.Confirmation{ID: "tx-1"}, nil)

	h, err := svc.Send(ctx, &SendMessageInput{Recipient: bob, Text: "hello"})
	require.NoError(t, err)
	<-encrypting
	cancel()
	close(release)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.ConfirmationID)
	m.submitter.AssertNumberOfCalls(t, "SubmitAndWait", 1)
}

func TestSwitchIdentity_CancelsInFlightSendsAndDropsState(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()
	encrypting := make(chan struct{})
	release := make(chan struct{})

	m.crypto.On("Hash", mock.Anything).Return(hash)
	m.scopes.On("CreateIfMissing", mock.Anything, alice, bob).Return(scope, nil)
	m.crypto.On("Encrypt", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(encrypting)
			<-release
		}).
		Return([]byte("ct"), []byte("rk"), nil)

	h, err := svc.Send(ctx, &SendMessageInput{Recipient: bob, Text: "hello"})
	require.NoError(t, err)
	old := svc.Timeline(bob)
	<-encrypting

	require.NoError(t, svc.SwitchIdentity(ctx, bob))
	close(release)

	_, err = h.Wait(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeSendCancelled))
	m.content.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)

	assert.Equal(t, bob, svc.Self())
	assert.NotSame(t, old, svc.Timeline(alice))
	assert.Empty(t, old.Entries())
	m.sessions.AssertNumberOfCalls(t, "Forget", 2)
	m.scopes.AssertNumberOfCalls(t, "Reset", 2)
	m.content.AssertNumberOfCalls(t, "ClearCache", 2)

	assert.True(t, apperrors.Is(svc.SwitchIdentity(ctx, domain.Identity{}), apperrors.ErrCodeValidation))
}

func TestPoll_NoConversationYet(t *testing.T) {
	svc, m := newTestService(t)
	m.scopes.On("Lookup", mock.Anything, alice, bob).Return(domain.ConversationScope{}, false, nil)

	out, err := svc.Poll(context.Background(), bob)
	require.NoError(t, err)
	assert.Empty(t, out.Rows)
	m.events.AssertNotCalled(t, "Events", mock.Anything, mock.Anything)
}

func TestPoll_LookupAndEventFailures(t *testing.T) {
	svc, m := newTestService(t)
	m.scopes.On("Lookup", mock.Anything, alice, bob).Return(domain.ConversationScope{}, false, apperrors.ScopeLookupFailedError(errors.New("rpc"))).Once()

	_, err := svc.Poll(context.Background(), bob)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeScopeLookupFailed))

	m.scopes.On("Lookup", mock.Anything, alice, bob).Return(scope, true, nil)
	m.events.On("Events", mock.Anything, mock.MatchedBy(func(q domain.EventQuery) bool {
		return q.Type == ledger.EventMessageSent
	})).Return(nil, errors.New("rpc"))
	_, err = svc.Poll(context.Background(), bob)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLedger))
}

func TestPoll_WithoutSessionLeavesEntriesLocked(t *testing.T) {
	svc, m := newTestService(t)
	m.scopes.On("Lookup", mock.Anything, alice, bob).Return(scope, true, nil)
	m.events.On("Events", mock.Anything, domain.EventQuery{
		Type:   ledger.EventMessageSent,
		Filter: map[string]string{"conversation_id": scope.ObjectID.String()},
		Limit:  pagination.MaxLimit,
	}).
		Return([]domain.Event{
			messageEvent("e1", scope.ObjectID, bob, alice, "blob-1", 100),
			messageEvent("e2", domain.ObjectID{0x99}, bob, alice, "blob-x", 101),
			messageEvent("e3", scope.ObjectID, bob, domain.Identity{0x0c}, "blob-y", 102),
			{ID: "bad", Type: ledger.EventMessageSent, Fields: domain.StructuredValue{}},
		}, nil)
	m.sessions.On("Active", mock.Anything, alice).Return(nil, apperrors.SessionExpiredError())

	out, err := svc.Poll(context.Background(), bob)
	require.NoError(t, err)

	assert.True(t, out.SessionRequired)
	assert.Equal(t, 1, out.NewEnvelopes)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "e1", out.Rows[0].ID)
	assert.Equal(t, reconcile.StatusLocked, out.Rows[0].Status)
	m.crypto.AssertNotCalled(t, "Decrypt", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPoll_DecryptsWithRolePerEnvelope(t *testing.T) {
	svc, m := newTestService(t)
	session := &domain.SessionToken{Owner: alice}
	inHash, outHash := domain.PlaintextHash{0x21}, domain.PlaintextHash{0x22}
	m.scopes.On("Lookup", mock.Anything, alice, bob).Return(scope, true, nil)
	m.events.On("Events", mock.Anything, mock.Anything).
		Return([]domain.Event{
			hashedEvent("in", scope.ObjectID, bob, alice, "blob-in", 100, inHash),
			hashedEvent("out", scope.ObjectID, alice, bob, "blob-out", 101, outHash),
		}, nil)
	m.sessions.On("Active", mock.Anything, alice).Return(session, nil)
	m.content.On("Get", mock.Anything, "blob-in").Return([]byte("ct-in"), nil)
	m.content.On("Get", mock.Anything, "blob-out").Return([]byte("ct-out"), nil)
	m.crypto.On("Decrypt", mock.Anything, []byte("ct-in"), inHash, scope, session, domain.RoleRecipient).Return([]byte("from bob"), nil).Once()
	m.crypto.On("Decrypt", mock.Anything, []byte("ct-out"), outHash, scope, session, domain.RoleSender).
		Return(nil, apperrors.DecryptionFailedError(apperrors.DecryptUnavailable, errors.New("timeout"))).Once()

	out, err := svc.Poll(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Decrypted)
	require.Len(t, out.Rows, 2)
	// newest first
	assert.Equal(t, reconcile.StatusRetryable, out.Rows[0].Status)
	assert.Equal(t, reconcile.StatusDecrypted, out.Rows[1].Status)
	assert.Equal(t, "from bob", string(out.Rows[1].Plaintext))

	// second pass neither re-fetches nor re-decrypts
	_, err = svc.Poll(context.Background(), bob)
	require.NoError(t, err)
	m.crypto.AssertNumberOfCalls(t, "Decrypt", 2)
	m.events.AssertNumberOfCalls(t, "Events", 2)
	m.crypto.AssertExpectations(t)
}

func TestAcknowledgeRead(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Timeline(bob).Ingest(domain.MessageEnvelope{ID: "e1", Sender: bob, Recipient: alice, Blob: domain.BlobReference{ContentID: "b"}})

	assert.Equal(t, []string{"e1"}, svc.Timeline(bob).Unread(alice))
	svc.AcknowledgeRead(bob, "e1")
	assert.Empty(t, svc.Timeline(bob).Unread(alice))
}

// pagedEvents serves a fixed conversation history the way the ledger pages it
type pagedEvents struct {
	mu     sync.Mutex
	events []domain.Event
	calls  int
}

func (p *pagedEvents) add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		seq := len(p.events)
		p.events = append(p.events, messageEvent(fmt.Sprintf("ev-%03d", seq), scope.ObjectID, bob, alice, fmt.Sprintf("blob-%03d", seq), int64(1000+seq)))
	}
}

func (p *pagedEvents) Events(_ context.Context, q domain.EventQuery) ([]domain.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	end := len(p.events)
	if q.Before != "" {
		end = -1
		for i, ev := range p.events {
			if ev.ID == q.Before {
				end = i
			}
		}
		if end < 0 {
			return nil, domain.ErrNotFound
		}
	}
	start := 0
	if q.Limit > 0 && end-q.Limit > 0 {
		start = end - q.Limit
	}
	return append([]domain.Event(nil), p.events[start:end]...), nil
}

func newPagedService(t *testing.T, events *pagedEvents) *Service {
	t.Helper()
	scopes := new(MockScopeResolver)
	sessions := new(MockSessionProvider)
	content := new(MockContentStore)
	scopes.On("Reset").Return()
	scopes.On("Lookup", mock.Anything, alice, bob).Return(scope, true, nil)
	sessions.On("Forget").Return()
	sessions.On("Active", mock.Anything, alice).Return(nil, apperrors.SessionExpiredError())
	content.On("ClearCache", mock.Anything).Return(nil)

	svc := NewService(scopes, new(MockCryptoEngine), content, sessions, events, new(MockSubmitter), Config{
		PollLimit: 5,
		Timeline:  reconcile.Config{WindowSize: 5, WindowStep: 5},
	})
	require.NoError(t, svc.SwitchIdentity(context.Background(), alice))
	return svc
}

func TestPoll_PagesOlderHistoryAsWindowGrows(t *testing.T) {
	events := &pagedEvents{}
	events.add(12)
	svc := newPagedService(t, events)
	ctx := context.Background()
	tl := svc.Timeline(bob)

	out, err := svc.Poll(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 10, out.NewEnvelopes, "head page plus one older page")
	assert.Len(t, out.Rows, 5)
	assert.Equal(t, "ev-011", out.Rows[0].ID)

	assert.Equal(t, 10, tl.GrowWindow())
	out, err = svc.Poll(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, out.NewEnvelopes)
	assert.Len(t, tl.Entries(), 12)

	assert.Equal(t, 12, tl.GrowWindow())
	calls := events.calls
	out, err = svc.Poll(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, out.NewEnvelopes)
	require.Len(t, out.Rows, 12)
	assert.Equal(t, "ev-000", out.Rows[11].ID)
	assert.Equal(t, calls+1, events.calls, "complete history is not paged again")
}

func TestPoll_ClosesGapAfterBurstOfNewEvents(t *testing.T) {
	events := &pagedEvents{}
	events.add(3)
	svc := newPagedService(t, events)
	ctx := context.Background()

	out, err := svc.Poll(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 3, out.NewEnvelopes)

	events.add(12)
	out, err = svc.Poll(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 12, out.NewEnvelopes)
	assert.Len(t, svc.Timeline(bob).Entries(), 15)
}
