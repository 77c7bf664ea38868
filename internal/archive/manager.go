package archive

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/cluster"
	"github.com/arcmq/arcmq/internal/store"
)

// ConfigChangedAddr is broadcast when archive-group definitions change;
// every node reloads its groups on receipt.
const ConfigChangedAddr = "winccoa.archivegroup.config.changed"

// StoreProvider resolves the store-type identifiers carried by archive
// group definitions into live store handles.
type StoreProvider interface {
	MessageStore(kind, group string) (store.MessageStore, error)
	MessageArchive(kind, group string) (store.MessageArchive, error)
}

// Manager owns the set of running archive groups, keeps it in sync with
// the config store, and fans accepted publishes out to every group.
type Manager struct {
	configs  store.ConfigStore
	stores   StoreProvider
	bus      cluster.Bus
	opts     Options
	log      zerolog.Logger

	mu     sync.RWMutex
	groups map[string]*Group
	ctx    context.Context
	sub    cluster.Subscription
}

// NewManager builds an empty manager; Start loads the configured groups.
// bus may be nil when no hot reload is wanted.
func NewManager(configs store.ConfigStore, stores StoreProvider, bus cluster.Bus, opts Options) *Manager {
	return &Manager{
		configs: configs,
		stores:  stores,
		bus:     bus,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "archive_manager").Logger(),
		groups:  make(map[string]*Group),
	}
}

// Start loads every enabled group definition and subscribes to config
// change broadcasts.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx = ctx
	if err := m.Reload(ctx); err != nil {
		return err
	}
	if m.bus != nil {
		sub, err := m.bus.Subscribe(ConfigChangedAddr, func(*cluster.BusMessage) {
			if err := m.Reload(m.ctx); err != nil {
				m.log.Error().Err(err).Msg("archive group reload failed")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe for archive config changes: %w", err)
		}
		m.sub = sub
	}
	return nil
}

// Reload diffs the config store against the running groups: new and
// changed definitions are (re)started, removed ones are stopped.
func (m *Manager) Reload(ctx context.Context) error {
	defs, err := m.configs.GetArchiveGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load archive group definitions: %w", err)
	}

	wanted := make(map[string]store.ArchiveGroupDef, len(defs))
	for _, def := range defs {
		if def.Enabled {
			wanted[def.Name] = def
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for name, g := range m.groups {
		def, keep := wanted[name]
		if keep && defsEqual(g.Definition(), def) {
			delete(wanted, name)
			continue
		}
		if err := g.Stop(ctx); err != nil {
			m.log.Warn().Err(err).Str("group", name).Msg("archive group stop failed during reload")
		}
		delete(m.groups, name)
	}

	for name, def := range wanted {
		g, err := m.buildGroup(def)
		if err != nil {
			m.log.Error().Err(err).Str("group", name).Msg("skipping invalid archive group")
			continue
		}
		g.Start(ctx)
		m.groups[name] = g
		m.log.Info().Str("group", name).Strs("filters", def.Filters).Msg("archive group started")
	}
	return nil
}

func (m *Manager) buildGroup(def store.ArchiveGroupDef) (*Group, error) {
	var lastVal store.MessageStore
	var arch store.MessageArchive
	var err error

	if def.LastValType != "" {
		if lastVal, err = m.stores.MessageStore(def.LastValType, def.Name); err != nil {
			return nil, fmt.Errorf("last-value store %q: %w", def.LastValType, err)
		}
	}
	if def.ArchiveType != "" {
		if arch, err = m.stores.MessageArchive(def.ArchiveType, def.Name); err != nil {
			return nil, fmt.Errorf("archive store %q: %w", def.ArchiveType, err)
		}
	}
	return NewGroup(def, lastVal, arch, m.opts)
}

// Publish fans one message into every group that accepts it. Overflowing
// groups are skipped with a log; archival never fails the publish.
func (m *Manager) Publish(msg broker.Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, g := range m.groups {
		if err := g.Submit(msg); err != nil {
			m.log.Warn().Err(err).Str("group", g.Name()).Str("topic", msg.Topic).Msg("archive group overloaded, message skipped")
		}
	}
}

// Group returns the running group by name, nil when absent.
func (m *Manager) Group(name string) *Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[name]
}

// Groups lists the running group names.
func (m *Manager) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.groups))
	for name := range m.groups {
		out = append(out, name)
	}
	return out
}

// NotifyConfigChanged broadcasts a reload to every node, this one
// included.
func (m *Manager) NotifyConfigChanged(ctx context.Context) error {
	if m.bus == nil {
		return m.Reload(ctx)
	}
	return m.bus.Publish(ctx, ConfigChangedAddr, nil)
}

// Stop shuts down every group and the reload subscription.
func (m *Manager) Stop(ctx context.Context) error {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, g := range m.groups {
		if err := g.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.groups, name)
	}
	return firstErr
}

func defsEqual(a, b store.ArchiveGroupDef) bool {
	if a.Name != b.Name || a.RetainedOnly != b.RetainedOnly || a.PayloadFormat != b.PayloadFormat ||
		a.LastValType != b.LastValType || a.ArchiveType != b.ArchiveType ||
		a.LastValRetention != b.LastValRetention || a.ArchiveRetention != b.ArchiveRetention ||
		a.PurgeInterval != b.PurgeInterval || a.Enabled != b.Enabled ||
		len(a.Filters) != len(b.Filters) {
		return false
	}
	for i := range a.Filters {
		if a.Filters[i] != b.Filters[i] {
			return false
		}
	}
	return true
}
