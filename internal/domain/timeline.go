package domain

// TimelineEntry is one row of a conversation timeline, backed either by an authoritative
// envelope or by a local optimistic placeholder.
type TimelineEntry struct {
	ID               string
	Optimistic       bool
	Scope            ObjectID
	Sender           Identity
	Recipient        Identity
	Blob             *BlobReference
	PlaintextHash    PlaintextHash
	CreatedAtSeconds int64
	ReadFlag         bool
}

// ContentID returns the blob content id, or "" while an optimistic upload is in flight
func (e TimelineEntry) ContentID() string {
	if e.Blob == nil {
		return ""
	}
	return e.Blob.ContentID
}

// EntryFromEnvelope wraps an authoritative envelope
func EntryFromEnvelope(env MessageEnvelope) TimelineEntry {
	blob := env.Blob
	return TimelineEntry{
		ID:               env.ID,
		Scope:            env.Scope,
		Sender:           env.Sender,
		Recipient:        env.Recipient,
		Blob:             &blob,
		PlaintextHash:    env.PlaintextHash,
		CreatedAtSeconds: env.CreatedAtSeconds,
		ReadFlag:         env.ReadFlag,
	}
}

// EntryFromOptimistic wraps a local placeholder
func EntryFromOptimistic(env OptimisticEnvelope) TimelineEntry {
	var blob *BlobReference
	if env.Blob != nil {
		b := *env.Blob
		blob = &b
	}
	return TimelineEntry{
		ID:               env.TempID,
		Optimistic:       true,
		Scope:            env.Scope,
		Sender:           env.Sender,
		Recipient:        env.Recipient,
		Blob:             blob,
		PlaintextHash:    env.PlaintextHash,
		CreatedAtSeconds: env.CreatedAtSeconds,
	}
}
