package topic

import (
	"strings"
	"sync"

	"github.com/arcmq/arcmq/internal/broker"
)

// Entry is one (subscriber, options) record returned by a match.
type Entry[V any] struct {
	Key   string
	Value V
}

// Index is a concurrent trie of topic paths carrying per-key data at the
// terminal nodes. Subscription filters and concrete retained topic names
// both live in an Index: MatchTopic walks stored filters against a concrete
// topic, MatchFilter walks a query filter against stored concrete paths.
// Lookups see a consistent snapshot relative to concurrent Add/Remove.
type Index[V any] struct {
	mu   sync.RWMutex
	root *node[V]
	size int
}

type node[V any] struct {
	children map[string]*node[V]
	data     map[string]V
}

func newNode[V any]() *node[V] {
	return &node[V]{children: make(map[string]*node[V])}
}

func NewIndex[V any]() *Index[V] {
	return &Index[V]{root: newNode[V]()}
}

// Add stores (key, value) under path, replacing any previous value for the
// same (path, key). '#' at a non-final level is rejected.
func (x *Index[V]) Add(path, key string, value V) error {
	levels := Split(path)
	for i, level := range levels {
		if level == MultiLevelWildcard && i != len(levels)-1 {
			return broker.ErrInvalidTopicFilter
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	n := x.root
	for _, level := range levels {
		child, ok := n.children[level]
		if !ok {
			child = newNode[V]()
			n.children[level] = child
		}
		n = child
	}
	if n.data == nil {
		n.data = make(map[string]V)
	}
	if _, ok := n.data[key]; !ok {
		x.size++
	}
	n.data[key] = value
	return nil
}

// Remove deletes key under path and prunes branches left empty. It reports
// whether an entry was removed.
func (x *Index[V]) Remove(path, key string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	removed := x.remove(x.root, Split(path), key)
	if removed {
		x.size--
	}
	return removed
}

func (x *Index[V]) remove(n *node[V], levels []string, key string) bool {
	if len(levels) == 0 {
		if _, ok := n.data[key]; !ok {
			return false
		}
		delete(n.data, key)
		return true
	}
	child, ok := n.children[levels[0]]
	if !ok {
		return false
	}
	removed := x.remove(child, levels[1:], key)
	if removed && len(child.children) == 0 && len(child.data) == 0 {
		delete(n.children, levels[0])
	}
	return removed
}

// Get returns the value stored for (path, key) without any wildcard
// expansion.
func (x *Index[V]) Get(path, key string) (V, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	n := x.root
	for _, level := range Split(path) {
		child, ok := n.children[level]
		if !ok {
			var zero V
			return zero, false
		}
		n = child
	}
	v, ok := n.data[key]
	return v, ok
}

// Len returns the number of stored (path, key) entries.
func (x *Index[V]) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.size
}

// MatchTopic returns every (key, value) whose stored filter matches the
// concrete topic name. A key is reported at most once even when several of
// its filters match; the first match encountered wins.
func (x *Index[V]) MatchTopic(name string) []Entry[V] {
	levels := Split(name)

	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Entry[V]
	x.matchTopic(x.root, levels, 0, seen, &out)
	return out
}

func (x *Index[V]) matchTopic(n *node[V], levels []string, depth int, seen map[string]struct{}, out *[]Entry[V]) {
	if len(levels) == 0 {
		emit(n.data, seen, out)
		return
	}

	level := levels[0]
	if child, ok := n.children[level]; ok {
		x.matchTopic(child, levels[1:], depth+1, seen, out)
	}

	// Wildcards never match a leading '$' level.
	if depth == 0 && strings.HasPrefix(level, "$") {
		return
	}
	if child, ok := n.children[SingleLevelWildcard]; ok {
		x.matchTopic(child, levels[1:], depth+1, seen, out)
	}
	if child, ok := n.children[MultiLevelWildcard]; ok {
		emit(child.data, seen, out)
	}
}

func emit[V any](data map[string]V, seen map[string]struct{}, out *[]Entry[V]) {
	for key, value := range data {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		*out = append(*out, Entry[V]{Key: key, Value: value})
	}
}

// MatchFilter enumerates stored concrete paths that the query filter
// subsumes. It is the reverse direction of MatchTopic and serves retained
// replay on subscribe.
func (x *Index[V]) MatchFilter(filter string) []string {
	levels := Split(filter)

	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []string
	x.matchFilter(x.root, levels, nil, 0, &out)
	return out
}

func (x *Index[V]) matchFilter(n *node[V], levels, path []string, depth int, out *[]string) {
	if len(levels) == 0 {
		if len(n.data) > 0 {
			*out = append(*out, Join(path))
		}
		return
	}

	level := levels[0]
	switch level {
	case MultiLevelWildcard:
		for name, child := range n.children {
			if depth == 0 && strings.HasPrefix(name, "$") {
				continue
			}
			x.collect(child, append(path, name), out)
		}
	case SingleLevelWildcard:
		for name, child := range n.children {
			if depth == 0 && strings.HasPrefix(name, "$") {
				continue
			}
			x.matchFilter(child, levels[1:], append(path, name), depth+1, out)
		}
	default:
		if child, ok := n.children[level]; ok {
			x.matchFilter(child, levels[1:], append(path, level), depth+1, out)
		}
	}
}

func (x *Index[V]) collect(n *node[V], path []string, out *[]string) {
	if len(n.data) > 0 {
		*out = append(*out, Join(path))
	}
	for name, child := range n.children {
		x.collect(child, append(path, name), out)
	}
}
