// Package state holds the shared peer table. Every mutation goes through
// the table's mutex; the session layer, reapers, task engine, and control
// plane all read through it (threaded table-per-mutex design).
package state

import (
	"strings"
	"sync"
	"time"

	"github.com/kizuna-swarm/bridge/internal/identity"
	"github.com/kizuna-swarm/bridge/internal/proto"
)

// Link is the table's handle on a live peer session: a serialised writer
// plus a teardown. Destroying the entry closes the link exactly once.
type Link interface {
	WriteEnvelope(env proto.Envelope) error
	Close()
}

// Peer is a snapshot of one table entry.
type Peer struct {
	PublicKey string          `json:"publicKey"`
	ShortID   string          `json:"shortId"`
	LastSeen  int64           `json:"lastSeen"`
	Manifest  *proto.Manifest `json:"manifest"`
}

type entry struct {
	link     Link
	lastSeen int64
	manifest *proto.Manifest
}

// Event notifies listeners of table changes.
type Event struct {
	Type   string `json:"type"` // "update" | "remove"
	PeerID string `json:"peer_id"`
	Peer   *Peer  `json:"peer,omitempty"`
}

// Table maps full hex public keys to live peer entries. It also keeps the
// monotonically growing set of every peer key ever observed, self included.
type Table struct {
	mu       sync.Mutex
	peers    map[string]*entry
	observed map[string]struct{}

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// New creates an empty table seeded with the local key in the observed set.
func New(selfKey string) *Table {
	t := &Table{
		peers:     make(map[string]*entry),
		observed:  make(map[string]struct{}),
		listeners: make(map[chan Event]struct{}),
	}
	if selfKey != "" {
		t.observed[selfKey] = struct{}{}
	}
	return t
}

// Install adds a live peer. A duplicate connection for the same key
// replaces the old entry, closing its link.
func (t *Table) Install(key string, link Link) {
	t.mu.Lock()
	old := t.peers[key]
	t.peers[key] = &entry{link: link, lastSeen: proto.NowMillis()}
	t.observed[key] = struct{}{}
	t.mu.Unlock()

	if old != nil {
		old.link.Close()
	}
	t.notify(Event{Type: "update", PeerID: key, Peer: t.snapshotOf(key)})
}

// Touch refreshes lastSeen for an inbound frame. LastSeen never moves
// backwards while the entry exists.
func (t *Table) Touch(key string) {
	now := proto.NowMillis()
	t.mu.Lock()
	if e, ok := t.peers[key]; ok && now > e.lastSeen {
		e.lastSeen = now
	}
	t.mu.Unlock()
}

// SetManifest records the peer's advertised capabilities. Duplicate
// handshakes overwrite.
func (t *Table) SetManifest(key string, m proto.Manifest) {
	t.mu.Lock()
	if e, ok := t.peers[key]; ok {
		cp := m
		e.manifest = &cp
	}
	t.mu.Unlock()
	t.notify(Event{Type: "update", PeerID: key, Peer: t.snapshotOf(key)})
}

// Remove destroys the entry: the link is closed (cancelling the session's
// heartbeat and stream) and the key disappears from the live set. The
// observed set is untouched. Safe to call for absent keys.
func (t *Table) Remove(key string) {
	t.mu.Lock()
	e, ok := t.peers[key]
	delete(t.peers, key)
	t.mu.Unlock()

	if !ok {
		return
	}
	e.link.Close()
	t.notify(Event{Type: "remove", PeerID: key})
}

// RemoveLink removes the entry only if it still owns the given link.
// Session close handlers use this so a replaced session tearing down
// cannot evict its successor.
func (t *Table) RemoveLink(key string, link Link) {
	t.mu.Lock()
	e, ok := t.peers[key]
	if !ok || e.link != link {
		t.mu.Unlock()
		return
	}
	delete(t.peers, key)
	t.mu.Unlock()

	e.link.Close()
	t.notify(Event{Type: "remove", PeerID: key})
}

// Write sends an envelope to a live peer.
func (t *Table) Write(key string, env proto.Envelope) error {
	t.mu.Lock()
	e, ok := t.peers[key]
	t.mu.Unlock()
	if !ok {
		return ErrPeerNotFound
	}
	return e.link.WriteEnvelope(env)
}

// Get returns a snapshot of one live entry.
func (t *Table) Get(key string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[key]
	if !ok {
		return Peer{}, false
	}
	return peerOf(key, e), true
}

// Keys lists live peer keys.
func (t *Table) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.peers))
	for k := range t.peers {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot copies every live entry.
func (t *Table) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for k, e := range t.peers {
		out = append(out, peerOf(k, e))
	}
	return out
}

// Len returns the live peer count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// ObservedCount returns the size of the ever-observed set (self included).
func (t *Table) ObservedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observed)
}

// Resolve finds a live peer by short id or case-insensitive agent_id.
func (t *Table) Resolve(target string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.peers {
		if identity.ShortID(k) == target {
			return k, true
		}
		if e.manifest != nil && strings.EqualFold(e.manifest.AgentID, target) {
			return k, true
		}
	}
	return "", false
}

// StaleBefore returns the keys of live peers whose lastSeen is older than
// cutoff (ms). The timeout reaper destroys them via Remove.
func (t *Table) StaleBefore(cutoff int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []string
	for k, e := range t.peers {
		if e.lastSeen < cutoff {
			stale = append(stale, k)
		}
	}
	return stale
}

// Subscribe returns a channel fed table events and a cancel function.
func (t *Table) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	t.listenerMu.Lock()
	t.listeners[ch] = struct{}{}
	t.listenerMu.Unlock()

	cancel := func() {
		t.listenerMu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.listenerMu.Unlock()
	}
	return ch, cancel
}

func (t *Table) notify(evt Event) {
	t.listenerMu.RLock()
	for ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	t.listenerMu.RUnlock()
}

func (t *Table) snapshotOf(key string) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[key]
	if !ok {
		return nil
	}
	p := peerOf(key, e)
	return &p
}

func peerOf(key string, e *entry) Peer {
	p := Peer{
		PublicKey: key,
		ShortID:   identity.ShortID(key),
		LastSeen:  e.lastSeen,
	}
	if e.manifest != nil {
		cp := *e.manifest
		p.Manifest = &cp
	}
	return p
}

// LastSeenWithin is a test/debug helper: true when the peer exists and its
// lastSeen is no older than d.
func (t *Table) LastSeenWithin(key string, d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[key]
	if !ok {
		return false
	}
	return proto.NowMillis()-e.lastSeen <= d.Milliseconds()
}
