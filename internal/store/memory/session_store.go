// Package memory holds the in-process store implementations. They back
// single-node deployments without a database and every multi-component
// test in the repo.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
)

// SessionStore keeps sessions, subscriptions, queued messages, and delivery
// links in maps. Iteration works on snapshots taken under the read lock so
// callbacks never observe a row twice.
type SessionStore struct {
	name string

	mu       sync.RWMutex
	sessions map[string]*store.Session
	subs     map[string]map[string]store.Subscription // clientID -> filter -> row
	messages map[string]broker.Message                // uuid -> message row
	links    map[string]map[string]*store.MessageLink // clientID -> uuid -> link
	refs     map[string]int                           // uuid -> live link count
}

func NewSessionStore(name string) *SessionStore {
	if name == "" {
		name = "sessions"
	}
	return &SessionStore{
		name:     name,
		sessions: make(map[string]*store.Session),
		subs:     make(map[string]map[string]store.Subscription),
		messages: make(map[string]broker.Message),
		links:    make(map[string]map[string]*store.MessageLink),
		refs:     make(map[string]int),
	}
}

func (s *SessionStore) Name() string { return s.name }

func (s *SessionStore) GetConnectionStatus() bool { return true }

func (s *SessionStore) IterateOfflineClients(_ context.Context, cb func(clientID string) bool) error {
	for _, sess := range s.snapshotSessions() {
		if !sess.Connected {
			if !cb(sess.ClientID) {
				return nil
			}
		}
	}
	return nil
}

func (s *SessionStore) IterateConnectedClients(_ context.Context, cb func(clientID, nodeID string) bool) error {
	for _, sess := range s.snapshotSessions() {
		if sess.Connected {
			if !cb(sess.ClientID, sess.NodeID) {
				return nil
			}
		}
	}
	return nil
}

func (s *SessionStore) IterateAllSessions(_ context.Context, cb func(store.Session) bool) error {
	for _, sess := range s.snapshotSessions() {
		if !cb(sess) {
			return nil
		}
	}
	return nil
}

func (s *SessionStore) IterateNodeClients(_ context.Context, nodeID string, cb func(clientID string) bool) error {
	for _, sess := range s.snapshotSessions() {
		if sess.NodeID == nodeID {
			if !cb(sess.ClientID) {
				return nil
			}
		}
	}
	return nil
}

func (s *SessionStore) IterateSubscriptions(_ context.Context, cb func(store.Subscription) bool) error {
	s.mu.RLock()
	snapshot := make([]store.Subscription, 0)
	for _, filters := range s.subs {
		for _, sub := range filters {
			snapshot = append(snapshot, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range snapshot {
		if !cb(sub) {
			return nil
		}
	}
	return nil
}

func (s *SessionStore) snapshotSessions() []store.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

func (s *SessionStore) SetClient(_ context.Context, clientID, nodeID string, cleanSession, connected bool, info map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[clientID]
	if !ok {
		sess = &store.Session{ClientID: clientID}
		s.sessions[clientID] = sess
	}
	sess.NodeID = nodeID
	sess.CleanSession = cleanSession
	sess.Connected = connected
	sess.Information = info
	sess.UpdateTime = time.Now().UTC()
	return nil
}

func (s *SessionStore) SetLastWill(_ context.Context, clientID string, will *broker.Message, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[clientID]; ok {
		sess.LastWill = will
		if will == nil {
			delay = 0
		}
		sess.WillDelay = delay
	}
	return nil
}

func (s *SessionStore) SetConnected(_ context.Context, clientID string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[clientID]; ok {
		sess.Connected = connected
		sess.UpdateTime = time.Now().UTC()
	}
	return nil
}

func (s *SessionStore) IsConnected(_ context.Context, clientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[clientID]
	return ok && sess.Connected, nil
}

func (s *SessionStore) IsPresent(_ context.Context, clientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sessions[clientID]
	return ok, nil
}

func (s *SessionStore) AddSubscriptions(_ context.Context, subs []store.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range subs {
		filters, ok := s.subs[sub.ClientID]
		if !ok {
			filters = make(map[string]store.Subscription)
			s.subs[sub.ClientID] = filters
		}
		filters[sub.TopicFilter] = sub
	}
	return nil
}

func (s *SessionStore) DelSubscriptions(_ context.Context, subs []store.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range subs {
		if filters, ok := s.subs[sub.ClientID]; ok {
			delete(filters, sub.TopicFilter)
			if len(filters) == 0 {
				delete(s.subs, sub.ClientID)
			}
		}
	}
	return nil
}

func (s *SessionStore) DelClient(_ context.Context, clientID string, cb func(store.Subscription)) error {
	s.mu.Lock()
	removed := make([]store.Subscription, 0, len(s.subs[clientID]))
	for _, sub := range s.subs[clientID] {
		removed = append(removed, sub)
	}
	delete(s.subs, clientID)
	delete(s.sessions, clientID)
	s.dropClientLinks(clientID)
	s.mu.Unlock()

	if cb != nil {
		for _, sub := range removed {
			cb(sub)
		}
	}
	return nil
}

// dropClientLinks removes every link of one client and unreferenced
// message rows. Caller holds the write lock.
func (s *SessionStore) dropClientLinks(clientID string) {
	for uuid := range s.links[clientID] {
		s.unref(uuid)
	}
	delete(s.links, clientID)
}

func (s *SessionStore) unref(uuid string) {
	s.refs[uuid]--
	if s.refs[uuid] <= 0 {
		delete(s.refs, uuid)
		delete(s.messages, uuid)
	}
}

func (s *SessionStore) EnqueueMessages(_ context.Context, batch []store.Enqueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, enq := range batch {
		msg := enq.Message
		for _, target := range enq.Targets {
			client, ok := s.links[target.ClientID]
			if !ok {
				client = make(map[string]*store.MessageLink)
				s.links[target.ClientID] = client
			}
			if _, dup := client[msg.UUID]; dup {
				continue
			}
			if _, stored := s.messages[msg.UUID]; !stored {
				s.messages[msg.UUID] = msg
			}
			client[msg.UUID] = &store.MessageLink{
				ClientID:   target.ClientID,
				UUID:       msg.UUID,
				Status:     store.StatusPending,
				QoS:        target.QoS,
				Retain:     target.Retain,
				LastChange: now,
				ExpiresAt:  msg.Expiry,
			}
			s.refs[msg.UUID]++
		}
	}
	return nil
}

func (s *SessionStore) DequeueMessages(_ context.Context, clientID string, cb func(broker.Message) bool) error {
	s.mu.RLock()
	uuids := s.queuedUUIDs(clientID)
	msgs := make([]broker.Message, 0, len(uuids))
	for _, uuid := range uuids {
		msgs = append(msgs, s.messages[uuid])
	}
	s.mu.RUnlock()

	for _, msg := range msgs {
		if !cb(msg) {
			return nil
		}
	}
	return nil
}

// queuedUUIDs returns the client's undelivered link uuids in ascending
// order. Caller holds at least the read lock.
func (s *SessionStore) queuedUUIDs(clientID string) []string {
	out := make([]string, 0, len(s.links[clientID]))
	for uuid, link := range s.links[clientID] {
		switch link.Status {
		case store.StatusPending, store.StatusInFlight, store.StatusReleased:
			out = append(out, uuid)
		}
	}
	sort.Strings(out)
	return out
}

func (s *SessionStore) RemoveMessages(_ context.Context, refs []store.LinkRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range refs {
		client, ok := s.links[ref.ClientID]
		if !ok {
			continue
		}
		if _, ok := client[ref.UUID]; !ok {
			continue
		}
		delete(client, ref.UUID)
		if len(client) == 0 {
			delete(s.links, ref.ClientID)
		}
		s.unref(ref.UUID)
	}
	return nil
}

func (s *SessionStore) FetchNextPendingMessage(_ context.Context, clientID string) (*store.PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	uuids := make([]string, 0, len(s.links[clientID]))
	for uuid := range s.links[clientID] {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)

	for _, uuid := range uuids {
		link := s.links[clientID][uuid]
		if link.Status != store.StatusPending {
			continue
		}
		if link.ExpiresAt != nil && !now.Before(*link.ExpiresAt) {
			link.Status = store.StatusExpired
			link.LastChange = now
			continue
		}
		pd := &store.PendingDelivery{Message: s.messages[uuid], Link: *link}
		return pd, nil
	}
	return nil, nil
}

func (s *SessionStore) FetchPendingMessages(_ context.Context, clientID string, limit int) ([]store.PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	uuids := make([]string, 0, len(s.links[clientID]))
	for uuid := range s.links[clientID] {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)

	out := make([]store.PendingDelivery, 0, limit)
	for _, uuid := range uuids {
		if limit > 0 && len(out) >= limit {
			break
		}
		link := s.links[clientID][uuid]
		if link.Status != store.StatusPending {
			continue
		}
		if link.ExpiresAt != nil && !now.Before(*link.ExpiresAt) {
			link.Status = store.StatusExpired
			link.LastChange = now
			continue
		}
		out = append(out, store.PendingDelivery{Message: s.messages[uuid], Link: *link})
	}
	return out, nil
}

func (s *SessionStore) FetchReleasedLinks(_ context.Context, clientID string) ([]store.InFlightLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.InFlightLink
	for uuid, link := range s.links[clientID] {
		if link.Status == store.StatusReleased {
			out = append(out, store.InFlightLink{UUID: uuid, PacketID: link.PacketID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (s *SessionStore) MarkMessageInFlight(_ context.Context, clientID, uuid string, packetID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatus(clientID, uuid, store.StatusInFlight, packetID)
}

func (s *SessionStore) MarkMessagesInFlight(_ context.Context, clientID string, links []store.InFlightLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range links {
		if err := s.setStatus(clientID, l.UUID, store.StatusInFlight, l.PacketID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionStore) MarkMessageReleased(_ context.Context, clientID, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatus(clientID, uuid, store.StatusReleased, 0)
}

func (s *SessionStore) MarkMessageDelivered(_ context.Context, clientID, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatus(clientID, uuid, store.StatusDelivered, 0)
}

// setStatus updates one link; packetID zero keeps the stored value. Caller
// holds the write lock.
func (s *SessionStore) setStatus(clientID, uuid string, status store.LinkStatus, packetID uint16) error {
	link, ok := s.links[clientID][uuid]
	if !ok {
		return nil
	}
	link.Status = status
	link.LastChange = time.Now().UTC()
	if packetID != 0 {
		link.PacketID = packetID
	}
	return nil
}

func (s *SessionStore) ResetInFlightMessages(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, link := range s.links[clientID] {
		if link.Status == store.StatusInFlight {
			link.Status = store.StatusPending
			link.LastChange = now
		}
	}
	return nil
}

func (s *SessionStore) PurgeDeliveredMessages(_ context.Context) (int, error) {
	return s.purgeLinks(func(link *store.MessageLink) bool {
		return link.Status == store.StatusDelivered
	}), nil
}

func (s *SessionStore) PurgeExpiredMessages(_ context.Context) (int, error) {
	now := time.Now().UTC()
	return s.purgeLinks(func(link *store.MessageLink) bool {
		if link.Status == store.StatusExpired {
			return true
		}
		return link.Status == store.StatusPending && link.ExpiresAt != nil && !now.Before(*link.ExpiresAt)
	}), nil
}

func (s *SessionStore) purgeLinks(match func(*store.MessageLink) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for clientID, client := range s.links {
		for uuid, link := range client {
			if match(link) {
				delete(client, uuid)
				s.unref(uuid)
				purged++
			}
		}
		if len(client) == 0 {
			delete(s.links, clientID)
		}
	}
	return purged
}

func (s *SessionStore) PurgeQueuedMessages(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make(map[string]broker.Message)
	s.links = make(map[string]map[string]*store.MessageLink)
	s.refs = make(map[string]int)
	return nil
}

func (s *SessionStore) PurgeSessions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for clientID, sess := range s.sessions {
		if sess.CleanSession && !sess.Connected {
			delete(s.sessions, clientID)
			delete(s.subs, clientID)
			s.dropClientLinks(clientID)
		}
	}
	return nil
}

func (s *SessionStore) CountQueuedMessages(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, client := range s.links {
		n += int64(len(client))
	}
	return n, nil
}

func (s *SessionStore) CountQueuedMessagesForClient(_ context.Context, clientID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.links[clientID])), nil
}
