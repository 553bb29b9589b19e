// Package reconcile folds optimistic local sends and authoritative ledger envelopes
// into the single ordered timeline presentation code renders.
package reconcile

import (
	"sort"

	"suimessenger/internal/domain"
	"suimessenger/pkg/pagination"
)

// Merge returns the timeline newest first. Ties keep arrival order, authoritative entries
// before optimistic ones. An optimistic entry is dropped once an authoritative envelope
// carries the same content id; envelopes repeated by id appear once.
func Merge(authoritative []domain.MessageEnvelope, optimistic []domain.OptimisticEnvelope) []domain.TimelineEntry {
	confirmed := make(map[string]struct{}, len(authoritative))
	seen := make(map[string]struct{}, len(authoritative))
	timeline := make([]domain.TimelineEntry, 0, len(authoritative)+len(optimistic))

	for _, env := range authoritative {
		if _, dup := seen[env.ID]; dup {
			continue
		}
		seen[env.ID] = struct{}{}
		confirmed[env.Blob.ContentID] = struct{}{}
		timeline = append(timeline, domain.EntryFromEnvelope(env))
	}

	for _, env := range optimistic {
		if env.Blob != nil {
			if _, ok := confirmed[env.Blob.ContentID]; ok {
				continue
			}
		}
		timeline = append(timeline, domain.EntryFromOptimistic(env))
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].CreatedAtSeconds > timeline[j].CreatedAtSeconds
	})
	return timeline
}

// Paginate returns the most recent windowSize entries. Growing windowSize only appends older
// entries; the entries already returned keep their identity and order.
func Paginate(timeline []domain.TimelineEntry, windowSize int) []domain.TimelineEntry {
	return timeline[:pagination.Window(windowSize, len(timeline))]
}
