package scope

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"suimessenger/internal/domain"
	"suimessenger/internal/ledger"
	apperrors "suimessenger/pkg/errors"
)

// Mocks
type MockTableReader struct {
	mock.Mock
}

func (m *MockTableReader) TableEntry(ctx context.Context, tableID domain.ObjectID, key []byte) (ledger.TableEntry, error) {
	args := m.Called(ctx, tableID, key)
	return args.Get(0).(ledger.TableEntry), args.Error(1)
}

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) SubmitAndWait(ctx context.Context, op domain.Operation) (*domain.Confirmation, error) {
	args := m.Called(ctx, op)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Confirmation), args.Error(1)
}

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) GetScope(ctx context.Context, lookupKey []byte) (domain.ObjectID, bool, error) {
	args := m.Called(ctx, lookupKey)
	return args.Get(0).(domain.ObjectID), args.Bool(1), args.Error(2)
}

func (m *MockDirectory) SetScope(ctx context.Context, lookupKey []byte, id domain.ObjectID) error {
	args := m.Called(ctx, lookupKey, id)
	return args.Error(0)
}

var (
	registry = domain.ObjectID{0xee}
	alice    = domain.Identity{0x0a}
	bob      = domain.Identity{0x0b}
	convID   = domain.ObjectID{0xc0, 0xff, 0xee}
)

func structuredEntry(id domain.ObjectID) ledger.TableEntry {
	return ledger.TableEntry{Kind: ledger.EntryStructured, Value: domain.StructuredValue{"value": id.String()}}
}

func createdConfirmation(id domain.ObjectID) *domain.Confirmation {
	return &domain.Confirmation{
		ID: "tx-1",
		Events: []domain.Event{{
			Type:   "0xpkg::messenger::" + ledger.EventConversationCreated,
			Fields: domain.StructuredValue{"conversation_id": id.String()},
		}},
	}
}

func TestDeriveLookupKey_Symmetric(t *testing.T) {
	pairs := [][2]domain.Identity{
		{alice, bob},
		{{0xff}, {0x00, 0x01}},
		{{1, 2, 3}, {1, 2, 4}},
	}
	for _, p := range pairs {
		ab := DeriveLookupKey(p[0], p[1])
		ba := DeriveLookupKey(p[1], p[0])
		assert.Equal(t, ab, ba)
		assert.Len(t, ab, LookupKeyLength)
	}

	key := DeriveLookupKey(bob, alice)
	assert.True(t, bytes.Equal(key[:32], alice[:]))
	assert.True(t, bytes.Equal(key[32:], bob[:]))
}

func TestLookup_NotFoundIsNotAnError(t *testing.T) {
	tables := new(MockTableReader)
	r := NewResolver(tables, new(MockSubmitter), registry)
	tables.On("TableEntry", mock.Anything, registry, DeriveLookupKey(alice, bob)).
		Return(ledger.TableEntry{Kind: ledger.EntryNotFound}, nil)

	_, found, err := r.Lookup(context.Background(), alice, bob)

	assert.NoError(t, err)
	assert.False(t, found)
}

func TestLookup_TransportErrorIsNotAMiss(t *testing.T) {
	tables := new(MockTableReader)
	r := NewResolver(tables, new(MockSubmitter), registry)
	tables.On("TableEntry", mock.Anything, registry, mock.Anything).
		Return(ledger.TableEntry{}, errors.New("connection reset"))

	_, found, err := r.Lookup(context.Background(), alice, bob)

	assert.False(t, found)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeScopeLookupFailed))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestLookup_DecodeOrder(t *testing.T) {
	raw := append(bytes.Repeat([]byte{0x01}, 64), convID[:]...)
	cases := []struct {
		name  string
		entry ledger.TableEntry
	}{
		{"structured string", structuredEntry(convID)},
		{"structured object", ledger.TableEntry{Kind: ledger.EntryStructured, Value: domain.StructuredValue{
			"value": map[string]any{"id": convID.String()},
		}}},
		{"structured object with fields id", ledger.TableEntry{Kind: ledger.EntryStructured, Value: domain.StructuredValue{
			"value": map[string]any{"fields": map[string]any{"id": convID.String()}},
		}}},
		{"structured object with fields value", ledger.TableEntry{Kind: ledger.EntryStructured, Value: domain.StructuredValue{
			"value": map[string]any{"fields": map[string]any{"value": convID.String()}},
		}}},
		{"structured object with uid", ledger.TableEntry{Kind: ledger.EntryStructured, Value: domain.StructuredValue{
			"value": map[string]any{"fields": map[string]any{"id": map[string]any{"id": convID.String()}}},
		}}},
		{"structured falls back to raw", ledger.TableEntry{Kind: ledger.EntryStructured, Value: domain.StructuredValue{"value": 42}, Raw: raw}},
		{"raw only", ledger.TableEntry{Kind: ledger.EntryRaw, Raw: raw}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tables := new(MockTableReader)
			r := NewResolver(tables, new(MockSubmitter), registry)
			tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(tc.entry, nil)

			s, found, err := r.Lookup(context.Background(), bob, alice)

			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, convID, s.ObjectID)
			assert.Equal(t, [2]domain.Identity{alice, bob}, s.Participants)
		})
	}
}

func TestLookup_UndecodableEntryIsLookupFailure(t *testing.T) {
	cases := []ledger.TableEntry{
		{Kind: ledger.EntryStructured, Value: domain.StructuredValue{"other": 1}},
		{Kind: ledger.EntryStructured, Value: domain.StructuredValue{"value": true}, Raw: []byte{1, 2}},
		{Kind: ledger.EntryRaw, Raw: make([]byte, 40)},
	}
	for _, entry := range cases {
		tables := new(MockTableReader)
		r := NewResolver(tables, new(MockSubmitter), registry)
		tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(entry, nil)

		_, found, err := r.Lookup(context.Background(), alice, bob)

		assert.False(t, found)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeScopeLookupFailed), "entry %+v", entry)
	}
}

func TestLookup_ValidatesPair(t *testing.T) {
	r := NewResolver(new(MockTableReader), new(MockSubmitter), registry)

	_, _, err := r.Lookup(context.Background(), alice, alice)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))

	_, _, err = r.Lookup(context.Background(), alice, domain.Identity{})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

func TestLookup_CachesHits(t *testing.T) {
	tables := new(MockTableReader)
	r := NewResolver(tables, new(MockSubmitter), registry)
	tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(structuredEntry(convID), nil).Twice()

	_, _, err := r.Lookup(context.Background(), alice, bob)
	require.NoError(t, err)
	_, _, err = r.Lookup(context.Background(), bob, alice)
	require.NoError(t, err)
	tables.AssertNumberOfCalls(t, "TableEntry", 1)

	r.Reset()
	_, _, err = r.Lookup(context.Background(), alice, bob)
	require.NoError(t, err)
	tables.AssertNumberOfCalls(t, "TableEntry", 2)
}

func TestCreateIfMissing_Registers(t *testing.T) {
	tables := new(MockTableReader)
	submitter := new(MockSubmitter)
	r := NewResolver(tables, submitter, registry)

	tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(ledger.TableEntry{Kind: ledger.EntryNotFound}, nil).Once()
	submitter.On("SubmitAndWait", mock.Anything, mock.MatchedBy(func(op domain.Operation) bool {
		return op.Function == ledger.FnCreateConversation &&
			op.Sender == bob &&
			op.Arguments["participant_a"] == alice.String() &&
			op.Arguments["registry"] == registry.String()
	})).Return(createdConfirmation(convID), nil).Once()

	s, err := r.CreateIfMissing(context.Background(), bob, alice)

	require.NoError(t, err)
	assert.Equal(t, convID, s.ObjectID)
	assert.True(t, s.Registered())

	// cached after creation
	s2, err := r.CreateIfMissing(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, s, s2)
	submitter.AssertExpectations(t)
	tables.AssertExpectations(t)
}

func TestCreateIfMissing_AlreadyExistsRereadsRegistry(t *testing.T) {
	tables := new(MockTableReader)
	submitter := new(MockSubmitter)
	r := NewResolver(tables, submitter, registry)

	tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(ledger.TableEntry{Kind: ledger.EntryNotFound}, nil).Once()
	submitter.On("SubmitAndWait", mock.Anything, mock.Anything).Return(nil, domain.ErrAlreadyExists).Once()
	tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(structuredEntry(convID), nil).Once()

	s, err := r.CreateIfMissing(context.Background(), alice, bob)

	require.NoError(t, err)
	assert.Equal(t, convID, s.ObjectID)
	tables.AssertExpectations(t)
}

func TestCreateIfMissing_AlreadyExistsButNotVisibleYet(t *testing.T) {
	tables := new(MockTableReader)
	submitter := new(MockSubmitter)
	r := NewResolver(tables, submitter, registry)

	tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(ledger.TableEntry{Kind: ledger.EntryNotFound}, nil)
	submitter.On("SubmitAndWait", mock.Anything, mock.Anything).Return(nil, domain.ErrAlreadyExists)

	_, err := r.CreateIfMissing(context.Background(), alice, bob)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeScopeLookupFailed))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestCreateIfMissing_SubmitFailures(t *testing.T) {
	tables := new(MockTableReader)
	submitter := new(MockSubmitter)
	r := NewResolver(tables, submitter, registry)

	tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(ledger.TableEntry{Kind: ledger.EntryNotFound}, nil)
	submitter.On("SubmitAndWait", mock.Anything, mock.Anything).Return(nil, errors.New("gas exhausted")).Once()
	submitter.On("SubmitAndWait", mock.Anything, mock.Anything).Return(&domain.Confirmation{ID: "tx-2"}, nil).Once()

	_, err := r.CreateIfMissing(context.Background(), alice, bob)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLedger))

	_, err = r.CreateIfMissing(context.Background(), alice, bob)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLedger))
}

func TestCreateIfMissing_ConcurrentCallersAgree(t *testing.T) {
	tables := new(MockTableReader)
	submitter := new(MockSubmitter)
	r := NewResolver(tables, submitter, registry)

	release := make(chan struct{})
	tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(ledger.TableEntry{Kind: ledger.EntryNotFound}, nil)
	submitter.On("SubmitAndWait", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(createdConfirmation(convID), nil)

	const callers = 4
	var wg sync.WaitGroup
	results := make([]domain.ConversationScope, callers)
	errs := make([]error, callers)
	started := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			results[i], errs[i] = r.CreateIfMissing(context.Background(), alice, bob)
		}(i)
	}
	for i := 0; i < callers; i++ {
		<-started
	}
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, convID, results[i].ObjectID)
	}
	assert.LessOrEqual(t, len(submitter.Calls), callers)
	assert.GreaterOrEqual(t, len(submitter.Calls), 1)
}

func TestLookup_DirectoryHitSkipsLedger(t *testing.T) {
	tables := new(MockTableReader)
	dir := new(MockDirectory)
	r := NewResolver(tables, new(MockSubmitter), registry).WithDirectory(dir)

	dir.On("GetScope", mock.Anything, DeriveLookupKey(alice, bob)).Return(convID, true, nil).Once()

	s, found, err := r.Lookup(context.Background(), bob, alice)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, convID, s.ObjectID)
	tables.AssertNotCalled(t, "TableEntry", mock.Anything, mock.Anything, mock.Anything)
	dir.AssertExpectations(t)
}

func TestLookup_DirectoryFailureFallsBackToLedger(t *testing.T) {
	tables := new(MockTableReader)
	dir := new(MockDirectory)
	r := NewResolver(tables, new(MockSubmitter), registry).WithDirectory(dir)

	dir.On("GetScope", mock.Anything, mock.Anything).Return(domain.ObjectID{}, false, errors.New("redis down")).Once()
	dir.On("SetScope", mock.Anything, mock.Anything, convID).Return(errors.New("redis down")).Once()
	tables.On("TableEntry", mock.Anything, registry, mock.Anything).Return(structuredEntry(convID), nil).Once()

	s, found, err := r.Lookup(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, convID, s.ObjectID)
	dir.AssertExpectations(t)
}

func TestCreateIfMissing_RecordsInDirectory(t *testing.T) {
	tables := new(MockTableReader)
	submitter := new(MockSubmitter)
	dir := new(MockDirectory)
	r := NewResolver(tables, submitter, registry).WithDirectory(dir)

	key := DeriveLookupKey(alice, bob)
	dir.On("GetScope", mock.Anything, key).Return(domain.ObjectID{}, false, nil).Once()
	tables.On("TableEntry", mock.Anything, registry, key).Return(ledger.TableEntry{Kind: ledger.EntryNotFound}, nil).Once()
	submitter.On("SubmitAndWait", mock.Anything, mock.Anything).Return(createdConfirmation(convID), nil).Once()
	dir.On("SetScope", mock.Anything, key, convID).Return(nil).Once()

	_, err := r.CreateIfMissing(context.Background(), alice, bob)
	require.NoError(t, err)
	dir.AssertExpectations(t)
}
