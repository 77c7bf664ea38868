package topic

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmq/arcmq/internal/broker"
)

func matchedKeys(entries []Entry[byte]) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	return keys
}

func TestIndexMatchTopic(t *testing.T) {
	idx := NewIndex[byte]()
	require.NoError(t, idx.Add("a/+", "C1", 1))
	require.NoError(t, idx.Add("a/b", "C2", 1))
	require.NoError(t, idx.Add("a/#", "C3", 1))

	tests := []struct {
		name  string
		topic string
		want  []string
	}{
		{name: "one_level_below", topic: "a/b", want: []string{"C1", "C2", "C3"}},
		{name: "two_levels_below", topic: "a/b/c", want: []string{"C3"}},
		{name: "parent_itself", topic: "a", want: []string{}},
		{name: "empty_trailing_level", topic: "a/", want: []string{"C1", "C3"}},
		{name: "unrelated", topic: "b", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchedKeys(idx.MatchTopic(tt.topic)))
		})
	}
}

func TestIndexDeduplicatesKeys(t *testing.T) {
	idx := NewIndex[byte]()
	require.NoError(t, idx.Add("a/#", "C1", 0))
	require.NoError(t, idx.Add("a/+", "C1", 1))
	require.NoError(t, idx.Add("a/b", "C1", 2))

	entries := idx.MatchTopic("a/b")
	require.Len(t, entries, 1)
	assert.Equal(t, "C1", entries[0].Key)
}

func TestIndexAddRejectsInteriorHash(t *testing.T) {
	idx := NewIndex[byte]()
	err := idx.Add("a/#/b", "C1", 0)
	assert.ErrorIs(t, err, broker.ErrInvalidTopicFilter)
	assert.Equal(t, 0, idx.Len())
}

func TestIndexRemovePrunes(t *testing.T) {
	idx := NewIndex[byte]()
	require.NoError(t, idx.Add("a/b/c", "C1", 0))
	require.NoError(t, idx.Add("a/b", "C2", 0))
	assert.Equal(t, 2, idx.Len())

	assert.True(t, idx.Remove("a/b/c", "C1"))
	assert.False(t, idx.Remove("a/b/c", "C1"))
	assert.Equal(t, 1, idx.Len())

	assert.Empty(t, idx.MatchTopic("a/b/c"))
	assert.Len(t, idx.MatchTopic("a/b"), 1)

	assert.True(t, idx.Remove("a/b", "C2"))
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.MatchTopic("a/b"))
}

func TestIndexReplaceValue(t *testing.T) {
	idx := NewIndex[byte]()
	require.NoError(t, idx.Add("a/b", "C1", 0))
	require.NoError(t, idx.Add("a/b", "C1", 2))

	entries := idx.MatchTopic("a/b")
	require.Len(t, entries, 1)
	assert.Equal(t, byte(2), entries[0].Value)
	assert.Equal(t, 1, idx.Len())
}

func TestIndexMatchFilter(t *testing.T) {
	idx := NewIndex[struct{}]()
	for _, topic := range []string{"sensors/t1", "sensors/t2", "sensors/room/t3", "actuators/a1", "$SYS/stats"} {
		require.NoError(t, idx.Add(topic, "retained", struct{}{}))
	}

	tests := []struct {
		name   string
		filter string
		want   []string
	}{
		{name: "hash_subtree", filter: "sensors/#", want: []string{"sensors/room/t3", "sensors/t1", "sensors/t2"}},
		{name: "plus_single_level", filter: "sensors/+", want: []string{"sensors/t1", "sensors/t2"}},
		{name: "exact", filter: "actuators/a1", want: []string{"actuators/a1"}},
		{name: "no_match", filter: "none/#", want: nil},
		{name: "dollar_hidden", filter: "#", want: []string{"actuators/a1", "sensors/room/t3", "sensors/t1", "sensors/t2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idx.MatchFilter(tt.filter)
			sort.Strings(got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndexConcurrentAccess(t *testing.T) {
	idx := NewIndex[int]()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("c%d-%d", worker, j)
				_ = idx.Add("load/+", key, j)
				idx.MatchTopic("load/x")
				if j%2 == 0 {
					idx.Remove("load/+", key)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 800, idx.Len())
	assert.Len(t, idx.MatchTopic("load/x"), 800)
}
