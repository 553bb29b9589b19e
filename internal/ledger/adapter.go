// Package ledger maps raw ledger responses onto the shapes the runtime consumes.
// All decoding of ledger objects, table entries and events lives here.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"suimessenger/internal/domain"
)

// EntryKind tags how a keyed table entry was encoded
type EntryKind int

const (
	EntryNotFound EntryKind = iota
	EntryStructured
	EntryRaw
)

func (k EntryKind) String() string {
	switch k {
	case EntryStructured:
		return "structured"
	case EntryRaw:
		return "raw"
	default:
		return "not_found"
	}
}

// TableEntry is a keyed table lookup result. A structured entry may also carry Raw bytes
// when the ledger returned both encodings.
type TableEntry struct {
	Kind  EntryKind
	Value domain.StructuredValue
	Raw   []byte
}

// KeyServerInfo describes one member of the key server committee
type KeyServerInfo struct {
	ObjectID  domain.ObjectID
	Name      string
	URL       string
	PublicKey []byte
	Weight    int
}

// ReadAdapter is the single read path from the ledger to the runtime
type ReadAdapter struct {
	ledger domain.Ledger
}

// NewReadAdapter creates a new ReadAdapter
func NewReadAdapter(l domain.Ledger) *ReadAdapter {
	return &ReadAdapter{ledger: l}
}

// TableEntry reads a keyed table entry. A missing entry is reported as EntryNotFound, not as an error.
func (a *ReadAdapter) TableEntry(ctx context.Context, tableID domain.ObjectID, key []byte) (TableEntry, error) {
	value, err := a.ledger.ReadKeyedTableEntry(ctx, tableID, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return TableEntry{Kind: EntryNotFound}, nil
		}
		return TableEntry{}, fmt.Errorf("failed to read table entry: %w", err)
	}
	return MapTableEntry(value), nil
}

// KeyServers reads and maps the committee objects
func (a *ReadAdapter) KeyServers(ctx context.Context, ids []domain.ObjectID) ([]KeyServerInfo, error) {
	servers := make([]KeyServerInfo, 0, len(ids))
	for _, id := range ids {
		value, err := a.ledger.ReadObject(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read key server %s: %w", id, err)
		}
		info, err := MapKeyServer(id, value)
		if err != nil {
			return nil, err
		}
		servers = append(servers, info)
	}
	return servers, nil
}

// Events queries one page of events and returns them unmapped
func (a *ReadAdapter) Events(ctx context.Context, q domain.EventQuery) ([]domain.Event, error) {
	events, err := a.ledger.QueryEvents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s events: %w", q.Type, err)
	}
	return events, nil
}
