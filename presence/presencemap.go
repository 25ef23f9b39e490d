package presence

import (
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/logger"
)

type KeyFunc func(p *message.PresenceMessage) string

// MemberKey identifies members by client id and connection id
func MemberKey(p *message.PresenceMessage) string {
	return p.MemberKey()
}

// ClientIDKey identifies members by client id only, used for the members this
// connection entered itself
func ClientIDKey(p *message.PresenceMessage) string {
	return p.ClientID
}

// Map is the set of members present on a channel. Updates may arrive out of
// order; each key only ever moves to a newer message so that every ordering of
// the same updates ends in the same set. Leaves are kept as absent tombstones
// so that a late, older enter cannot resurrect a member that has already left.
// Tombstones written during a sync last until it completes; those written
// outside one expire after TombstoneTTL.
type Map struct {
	logger *logger.Logger
	keyFn  KeyFunc
	now    func() time.Time

	TombstoneTTL time.Duration

	members        map[string]*message.PresenceMessage
	expiries       map[string]time.Time
	residual       sets.String
	syncInProgress bool
	syncWaiters    []func()
}

// DefaultTombstoneTTL covers the window in which the service may still
// redeliver or reorder messages for a member that left
const DefaultTombstoneTTL = 15 * time.Second

func NewMap(keyFn KeyFunc, logger *logger.Logger) *Map {
	return &Map{
		logger:       logger,
		keyFn:        keyFn,
		now:          time.Now,
		TombstoneTTL: DefaultTombstoneTTL,
		members:      make(map[string]*message.PresenceMessage),
		expiries:     make(map[string]time.Time),
	}
}

func (m *Map) Get(key string) (*message.PresenceMessage, bool) {
	member, ok := m.members[key]
	if !ok || member.Action == message.PresenceAbsent {
		return nil, false
	}
	return member, true
}

// List returns present members, optionally filtered, ordered by key
func (m *Map) List(clientID string, connectionID string) []*message.PresenceMessage {
	keys := make([]string, 0, len(m.members))
	for key := range m.members {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := []*message.PresenceMessage{}
	for _, key := range keys {
		member := m.members[key]
		if member.Action == message.PresenceAbsent {
			continue
		}
		if clientID != "" && member.ClientID != clientID {
			continue
		}
		if connectionID != "" && member.ConnectionID != connectionID {
			continue
		}
		out = append(out, member)
	}
	return out
}

func (m *Map) Values() []*message.PresenceMessage {
	return m.List("", "")
}

// Put adds or replaces a member and reports whether the map changed
func (m *Map) Put(item *message.PresenceMessage) bool {
	if item.Action == message.PresenceEnter || item.Action == message.PresenceUpdate {
		item = item.Clone()
		item.Action = message.PresencePresent
	}

	m.pruneTombstones()

	key := m.keyFn(item)
	if m.residual != nil {
		m.residual.Delete(key)
	}

	if existing, ok := m.members[key]; ok && !m.newerThan(item, existing) {
		return false
	}

	m.members[key] = item
	delete(m.expiries, key)
	return true
}

// Remove records a member as absent and reports whether a present member was
// removed
func (m *Map) Remove(item *message.PresenceMessage) bool {
	m.pruneTombstones()

	key := m.keyFn(item)
	if m.residual != nil {
		m.residual.Delete(key)
	}

	existing, ok := m.members[key]
	if ok && !m.newerThan(item, existing) {
		return false
	}

	tombstone := item.Clone()
	tombstone.Action = message.PresenceAbsent
	m.members[key] = tombstone
	if m.syncInProgress {
		delete(m.expiries, key)
	} else {
		m.expiries[key] = m.now().Add(m.TombstoneTTL)
	}

	return ok && existing.Action != message.PresenceAbsent
}

func (m *Map) pruneTombstones() {
	if m.syncInProgress || len(m.expiries) == 0 {
		return
	}

	now := m.now()
	for key, expiry := range m.expiries {
		if now.Before(expiry) {
			continue
		}
		if member, ok := m.members[key]; ok && member.Action == message.PresenceAbsent {
			delete(m.members, key)
		}
		delete(m.expiries, key)
	}
}

// StartSync snapshots the current members. Any of them not mentioned again
// before EndSync is considered to have left.
func (m *Map) StartSync() {
	if m.syncInProgress {
		return
	}

	m.residual = sets.NewString()
	for key, member := range m.members {
		if member.Action != message.PresenceAbsent {
			m.residual.Insert(key)
		}
	}
	m.syncInProgress = true
}

// EndSync drops tombstones and returns the members that were present when the
// sync started and were not seen during it. They have been removed from the map.
func (m *Map) EndSync() []*message.PresenceMessage {
	var departed []*message.PresenceMessage

	if m.syncInProgress {
		for key, member := range m.members {
			if member.Action == message.PresenceAbsent {
				delete(m.members, key)
			}
		}
		m.expiries = make(map[string]time.Time)

		for _, key := range m.residual.List() {
			if member, ok := m.members[key]; ok {
				departed = append(departed, member)
				delete(m.members, key)
			}
		}

		m.residual = nil
		m.syncInProgress = false
	}

	waiters := m.syncWaiters
	m.syncWaiters = nil
	for _, fn := range waiters {
		fn()
	}
	return departed
}

func (m *Map) SyncInProgress() bool {
	return m.syncInProgress
}

// WaitSync calls fn once no sync is in progress
func (m *Map) WaitSync(fn func()) {
	if !m.syncInProgress {
		fn()
		return
	}
	m.syncWaiters = append(m.syncWaiters, fn)
}

// Clear empties the map and abandons any sync in progress. Waiters are
// released since there is nothing left to wait for.
func (m *Map) Clear() {
	m.members = make(map[string]*message.PresenceMessage)
	m.expiries = make(map[string]time.Time)
	m.residual = nil
	m.syncInProgress = false

	waiters := m.syncWaiters
	m.syncWaiters = nil
	for _, fn := range waiters {
		fn()
	}
}

// newerThan orders two messages for the same member. Messages synthesized by
// the service have no reliable serial so they compare by timestamp, with the
// incoming message winning ties. Otherwise the connection's msgSerial and the
// index within that message decide.
func (m *Map) newerThan(item *message.PresenceMessage, existing *message.PresenceMessage) bool {
	if item.IsSynthesized() || existing.IsSynthesized() {
		return item.Timestamp >= existing.Timestamp
	}

	itemSerial, itemIndex, err := item.ParseID()
	if err != nil {
		m.logger.Errorf("comparing presence messages by timestamp: %s", err)
		return item.Timestamp >= existing.Timestamp
	}

	existingSerial, existingIndex, err := existing.ParseID()
	if err != nil {
		m.logger.Errorf("comparing presence messages by timestamp: %s", err)
		return item.Timestamp >= existing.Timestamp
	}

	if itemSerial == existingSerial {
		return itemIndex > existingIndex
	}
	return itemSerial > existingSerial
}
