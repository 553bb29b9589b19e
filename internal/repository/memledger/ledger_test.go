package memledger

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suimessenger/internal/domain"
	"suimessenger/internal/ledger"
	"suimessenger/internal/service/crypto"
)

var (
	alice = domain.Identity{0x0a}
	bob   = domain.Identity{0x0b}
	carol = domain.Identity{0x0c}
)

func lookupKey(a, b domain.Identity) []byte {
	return append(append([]byte(nil), a[:]...), b[:]...)
}

func createOp(l *Ledger, sender domain.Identity) domain.Operation {
	return domain.Operation{
		Function: ledger.FnCreateConversation,
		Sender:   sender,
		Arguments: map[string]any{
			"registry":      l.RegistryID().String(),
			"participant_a": alice.String(),
			"participant_b": bob.String(),
			"lookup_key":    hex.EncodeToString(lookupKey(alice, bob)),
		},
	}
}

func sendOp(scope domain.ObjectID, sender, recipient domain.Identity, hash domain.PlaintextHash) domain.Operation {
	return domain.Operation{
		Function: ledger.FnSendMessage,
		Sender:   sender,
		Arguments: map[string]any{
			"conversation_id": scope.String(),
			"recipient":       recipient.String(),
			"blob_id":         "blob-1",
			"blob_size":       int64(42),
			"ttl_epochs":      1,
			"plaintext_hash":  hash.String(),
		},
	}
}

func register(t *testing.T, l *Ledger) domain.ObjectID {
	t.Helper()
	conf, err := l.SubmitAndWait(context.Background(), createOp(l, alice))
	require.NoError(t, err)
	id, err := ledger.MapCreatedScope(conf)
	require.NoError(t, err)
	return id
}

func TestCreateConversation(t *testing.T) {
	l := New(Config{PackageID: "0xpkg"})
	ctx := context.Background()

	id := register(t, l)
	assert.False(t, id.IsZero())

	_, err := l.SubmitAndWait(ctx, createOp(l, bob))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = l.SubmitAndWait(ctx, createOp(l, carol))
	assert.Error(t, err, "non-participant")

	obj, err := l.ReadObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id.String(), obj["objectId"])
}

func TestReadKeyedTableEntry_Encodings(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	id := register(t, l)
	key := lookupKey(alice, bob)

	value, err := l.ReadKeyedTableEntry(ctx, l.RegistryID(), key)
	require.NoError(t, err)
	entry := ledger.MapTableEntry(value)
	assert.Equal(t, ledger.EntryStructured, entry.Kind)
	assert.Equal(t, id.String(), entry.Value["value"])
	assert.Equal(t, id[:], entry.Raw[len(entry.Raw)-32:])

	l.SetRawEntries(true)
	value, err = l.ReadKeyedTableEntry(ctx, l.RegistryID(), key)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryRaw, ledger.MapTableEntry(value).Kind)

	_, err = l.ReadKeyedTableEntry(ctx, l.RegistryID(), lookupKey(alice, carol))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = l.ReadKeyedTableEntry(ctx, domain.ObjectID{1}, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSendMessage_EventsAndFilter(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	scope := register(t, l)
	hash := crypto.Hash([]byte("hello"))

	conf, err := l.SubmitAndWait(ctx, sendOp(scope, alice, bob, hash))
	require.NoError(t, err)
	require.Len(t, conf.Events, 1)

	env, err := ledger.MapMessageEvent(conf.Events[0])
	require.NoError(t, err)
	assert.Equal(t, alice, env.Sender)
	assert.Equal(t, bob, env.Recipient)
	assert.Equal(t, scope, env.Scope)
	assert.Equal(t, hash, env.PlaintextHash)
	assert.Equal(t, int64(42), env.Blob.SizeBytes)

	_, err = l.SubmitAndWait(ctx, sendOp(scope, bob, alice, hash))
	require.NoError(t, err)

	byScope := map[string]string{"conversation_id": scope.String()}
	events, err := l.QueryEvents(ctx, domain.EventQuery{Type: ledger.EventMessageSent, Filter: byScope})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	latest, err := l.QueryEvents(ctx, domain.EventQuery{Type: ledger.EventMessageSent, Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, events[1].ID, latest[0].ID)

	none, err := l.QueryEvents(ctx, domain.EventQuery{
		Type:   ledger.EventMessageSent,
		Filter: map[string]string{"conversation_id": domain.ObjectID{9}.String()},
	})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryEvents_PagesBackwardsFromCursor(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	scope := register(t, l)

	for i := 0; i < 5; i++ {
		_, err := l.SubmitAndWait(ctx, sendOp(scope, alice, bob, crypto.Hash([]byte{byte(i)})))
		require.NoError(t, err)
	}
	q := domain.EventQuery{
		Type:   ledger.EventMessageSent,
		Filter: map[string]string{"conversation_id": scope.String()},
	}
	all, err := l.QueryEvents(ctx, q)
	require.NoError(t, err)
	require.Len(t, all, 5)

	q.Limit = 2
	head, err := l.QueryEvents(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []domain.Event{all[3], all[4]}, head)

	q.Before = head[0].ID
	older, err := l.QueryEvents(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []domain.Event{all[1], all[2]}, older)

	q.Before = all[0].ID
	oldest, err := l.QueryEvents(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, oldest)

	q.Before = "no-such-event"
	_, err = l.QueryEvents(ctx, q)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSendMessage_Rejects(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	scope := register(t, l)
	hash := crypto.Hash([]byte("x"))

	_, err := l.SubmitAndWait(ctx, sendOp(scope, alice, carol, hash))
	assert.Error(t, err, "recipient outside the conversation")
	_, err = l.SubmitAndWait(ctx, sendOp(scope, alice, alice, hash))
	assert.Error(t, err, "self message")
	_, err = l.SubmitAndWait(ctx, sendOp(domain.ObjectID{7}, alice, bob, hash))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = l.SubmitAndWait(ctx, domain.Operation{Function: "unknown", Sender: alice})
	assert.Error(t, err)
}

func TestApprove(t *testing.T) {
	l := New(Config{PackageID: "0xpkg"})
	ctx := context.Background()
	scopeID := register(t, l)
	scope := domain.ConversationScope{ObjectID: scopeID}
	hash := crypto.Hash([]byte("hello"))

	proof := func(role domain.DecryptRole, caller domain.Identity) []byte {
		p, err := crypto.BuildProof("0xpkg", role, scope, hash, caller)
		require.NoError(t, err)
		return p
	}

	// nothing sent yet
	assert.ErrorIs(t, l.Approve(ctx, scopeID[:], hash[:], proof(domain.RoleRecipient, bob), bob), domain.ErrAccessDenied)

	_, err := l.SubmitAndWait(ctx, sendOp(scopeID, alice, bob, hash))
	require.NoError(t, err)

	assert.NoError(t, l.Approve(ctx, scopeID[:], hash[:], proof(domain.RoleRecipient, bob), bob))
	assert.NoError(t, l.Approve(ctx, scopeID[:], hash[:], proof(domain.RoleSender, alice), alice))

	tests := []struct {
		name      string
		namespace []byte
		policy    []byte
		proof     []byte
		caller    domain.Identity
	}{
		{"wrong role", scopeID[:], hash[:], proof(domain.RoleSender, bob), bob},
		{"outsider", scopeID[:], hash[:], proof(domain.RoleRecipient, carol), carol},
		{"caller mismatch", scopeID[:], hash[:], proof(domain.RoleRecipient, bob), alice},
		{"other namespace", make([]byte, 32), hash[:], proof(domain.RoleRecipient, bob), bob},
		{"other policy", scopeID[:], make([]byte, 32), proof(domain.RoleRecipient, bob), bob},
		{"garbage proof", scopeID[:], hash[:], []byte("nope"), bob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, l.Approve(ctx, tt.namespace, tt.policy, tt.proof, tt.caller), domain.ErrAccessDenied)
		})
	}

	other, err := crypto.BuildProof("0xother", domain.RoleRecipient, scope, hash, bob)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Approve(ctx, scopeID[:], hash[:], other, bob), domain.ErrAccessDenied)
}
