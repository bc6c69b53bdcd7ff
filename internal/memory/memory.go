// Package memory implements EntityMemory: a per-thread, per-entity-type
// bounded set with dedup-on-write and oldest-first eviction. Grounded on
// the bounded in-memory store pattern in itsneelabh-gomind's
// pkg/memory/implementations.go, adapted to the entity_type -> records
// shape this spec's conversation threads need instead of a generic
// key/value cache.
package memory

import (
	"sort"
	"time"

	"github.com/agentmesh/orchestrator/internal/conversation"
)

// DefaultMaxPerType is the bound New uses when given a non-positive
// maxPerType. The bound limits how many records of a single entity type are
// retained per thread; the oldest (by ExtractedAt) is evicted once the bound
// is exceeded by a new write.
const DefaultMaxPerType = 50

// Store applies extraction results to a thread's entity map in place.
type Store struct {
	maxPerType int
}

func New(maxPerType int) *Store {
	if maxPerType <= 0 {
		maxPerType = DefaultMaxPerType
	}
	return &Store{maxPerType: maxPerType}
}

// Merge folds newly extracted records into entities, keyed by entity type
// then by each record's natural Key. A record with a key already present
// overwrites the prior value in place rather than duplicating it.
func (s *Store) Merge(entities map[string][]conversation.EntityRecord, entityType string, records []conversation.EntityRecord) {
	existing := entities[entityType]
	byKey := make(map[string]int, len(existing))
	for i, r := range existing {
		byKey[r.Key] = i
	}

	now := time.Now()
	for _, rec := range records {
		if rec.ExtractedAt.IsZero() {
			rec.ExtractedAt = now
		}
		if idx, ok := byKey[rec.Key]; ok {
			existing[idx] = rec
			continue
		}
		existing = append(existing, rec)
		byKey[rec.Key] = len(existing) - 1
	}

	if len(existing) > s.maxPerType {
		sort.Slice(existing, func(i, j int) bool {
			return existing[i].ExtractedAt.Before(existing[j].ExtractedAt)
		})
		existing = existing[len(existing)-s.maxPerType:]
	}

	entities[entityType] = existing
}

// ByType returns the records for a given entity type, or nil.
func ByType(entities map[string][]conversation.EntityRecord, entityType string) []conversation.EntityRecord {
	return entities[entityType]
}
