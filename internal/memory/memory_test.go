package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/orchestrator/internal/conversation"
)

func TestMergeDedupesByKey(t *testing.T) {
	s := New(10)
	entities := map[string][]conversation.EntityRecord{}

	s.Merge(entities, "account", []conversation.EntityRecord{
		{Key: "001X", Attributes: map[string]interface{}{"name": "GenePoint"}},
	})
	s.Merge(entities, "account", []conversation.EntityRecord{
		{Key: "001X", Attributes: map[string]interface{}{"name": "GenePoint Updated"}},
	})

	records := ByType(entities, "account")
	assert.Len(t, records, 1)
	assert.Equal(t, "GenePoint Updated", records[0].Attributes["name"])
}

func TestMergeEvictsOldestBeyondBound(t *testing.T) {
	s := New(2)
	entities := map[string][]conversation.EntityRecord{}

	now := time.Now()
	s.Merge(entities, "ticket", []conversation.EntityRecord{
		{Key: "t1", ExtractedAt: now.Add(-3 * time.Hour)},
		{Key: "t2", ExtractedAt: now.Add(-2 * time.Hour)},
	})
	s.Merge(entities, "ticket", []conversation.EntityRecord{
		{Key: "t3", ExtractedAt: now.Add(-1 * time.Hour)},
	})

	records := ByType(entities, "ticket")
	assert.Len(t, records, 2)
	keys := []string{records[0].Key, records[1].Key}
	assert.NotContains(t, keys, "t1")
	assert.Contains(t, keys, "t3")
}

func TestMergeKeepsSeparateEntityTypesIndependent(t *testing.T) {
	s := New(10)
	entities := map[string][]conversation.EntityRecord{}
	s.Merge(entities, "account", []conversation.EntityRecord{{Key: "a1"}})
	s.Merge(entities, "ticket", []conversation.EntityRecord{{Key: "t1"}})

	assert.Len(t, ByType(entities, "account"), 1)
	assert.Len(t, ByType(entities, "ticket"), 1)
}
