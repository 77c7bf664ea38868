package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/arcmq/arcmq/internal/store"
)

// ConfigStore keeps archive-group definitions in memory.
type ConfigStore struct {
	mu     sync.RWMutex
	groups map[string]store.ArchiveGroupDef
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{groups: make(map[string]store.ArchiveGroupDef)}
}

func (s *ConfigStore) GetArchiveGroups(_ context.Context) ([]store.ArchiveGroupDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.ArchiveGroupDef, 0, len(s.groups))
	for _, def := range s.groups {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *ConfigStore) GetArchiveGroup(_ context.Context, name string) (*store.ArchiveGroupDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.groups[name]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (s *ConfigStore) SaveArchiveGroup(_ context.Context, def store.ArchiveGroupDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups[def.Name] = def
	return nil
}

func (s *ConfigStore) DeleteArchiveGroup(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups, name)
	return nil
}
