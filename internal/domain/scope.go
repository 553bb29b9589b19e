package domain

import "encoding/hex"

// ConversationScope identifies the conversation between an unordered pair of identities.
// Participants are stored smaller-first. ObjectID is zero until the conversation is registered.
type ConversationScope struct {
	Participants [2]Identity `json:"participants"`
	LookupKey    []byte      `json:"lookup_key"`
	ObjectID     ObjectID    `json:"object_id"`
}

// Registered reports whether the scope is mirrored by a ledger object
func (s ConversationScope) Registered() bool {
	return !s.ObjectID.IsZero()
}

// Namespace is the access-control namespace ciphertexts in this scope are bound to
func (s ConversationScope) Namespace() []byte {
	return append([]byte(nil), s.ObjectID[:]...)
}

// Includes reports whether id is one of the two participants
func (s ConversationScope) Includes(id Identity) bool {
	return s.Participants[0] == id || s.Participants[1] == id
}

// Peer returns the participant that is not self
func (s ConversationScope) Peer(self Identity) Identity {
	if s.Participants[0] == self {
		return s.Participants[1]
	}
	return s.Participants[0]
}

// KeyHex renders the lookup key for logs and map keys
func (s ConversationScope) KeyHex() string {
	return hex.EncodeToString(s.LookupKey)
}
