// Package bridge wires the node together: it consumes overlay streams
// into sessions, implements the session dispatch against the peer table,
// task engine, and inbox, and runs the background reapers.
package bridge

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kizuna-swarm/bridge/internal/identity"
	"github.com/kizuna-swarm/bridge/internal/inbox"
	"github.com/kizuna-swarm/bridge/internal/overlay"
	"github.com/kizuna-swarm/bridge/internal/proto"
	"github.com/kizuna-swarm/bridge/internal/session"
	"github.com/kizuna-swarm/bridge/internal/state"
	"github.com/kizuna-swarm/bridge/internal/task"
	"github.com/kizuna-swarm/bridge/internal/util"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kizuna:bridge")

const (
	// Reaper cadences and the session liveness cutoff. A peer writes a
	// ping every 2.5 s, so the 10 s cutoff tolerates ~3 missed beats.
	timeoutReapInterval = 5 * time.Second
	peerTimeout         = 10_000 // ms
	entropyReapInterval = 30 * time.Second
	entropyDropChance   = 0.5
	retryReapInterval   = 5 * time.Second

	manifestFileName = "manifest.json"
)

// Node is the running bridge.
type Node struct {
	ID      *identity.Identity
	Table   *state.Table
	Engine  *task.Engine
	Inbox   *inbox.Inbox
	Overlay *overlay.Manager

	dataDir string

	manifestMu sync.Mutex
	manifest   proto.Manifest

	entropy atomic.Bool

	startedAt time.Time

	now func() int64 // injectable clock for tests
}

// New assembles a node. The overlay may be nil in tests; sessions are then
// fed directly through AttachStream.
func New(dataDir string, id *identity.Identity, ov *overlay.Manager) *Node {
	n := &Node{
		ID:        id,
		Table:     state.New(id.PublicKeyHex()),
		Inbox:     inbox.New(inbox.DefaultCap),
		Overlay:   ov,
		dataDir:   dataDir,
		startedAt: time.Now(),
		now:       proto.NowMillis,
		manifest: proto.Manifest{
			Role:    "Agent",
			Skills:  []string{},
			AgentID: "kizuna-" + id.ShortID(),
		},
	}
	n.Engine = task.NewEngine(n.Table, id)
	n.loadManifest()
	return n
}

// Run starts the accept loop, the reapers, and the manifest watcher, and
// blocks until ctx ends.
func (n *Node) Run(ctx context.Context) {
	if n.Overlay != nil {
		go n.acceptLoop(ctx)
	}
	go n.watchManifest(ctx)

	timeout := time.NewTicker(timeoutReapInterval)
	entropy := time.NewTicker(entropyReapInterval)
	retry := time.NewTicker(retryReapInterval)
	defer timeout.Stop()
	defer entropy.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			n.reapTimeouts()
		case <-entropy.C:
			n.reapEntropy()
		case <-retry.C:
			n.Engine.RetryTick()
		}
	}
}

func (n *Node) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-n.Overlay.Conns():
			n.AttachStream(conn)
		}
	}
}

// AttachStream starts a session over one overlay connection.
func (n *Node) AttachStream(conn overlay.Conn) {
	s := session.New(conn.RWC, conn.RemoteKey, n.ID, n)
	s.Start(n.Manifest())
}

// ── session.Handler ───────────────────────────────────────────────────────

func (n *Node) OnReady(s *session.Session, key string) {
	n.Table.Install(key, s)
	log.Infof("peer %s connected", identity.ShortID(key))
}

func (n *Node) OnHandshake(key string, m proto.Manifest) {
	n.Table.SetManifest(key, m)
}

func (n *Node) OnTaskRequest(key string, tr proto.TaskRequest) {
	n.Engine.HandleRequest(key, tr)
	n.Inbox.Push(inbox.Message{
		Sender:        key,
		SenderShortID: identity.ShortID(key),
		Timestamp:     proto.NowMillis(),
		Content:       tr,
	})
}

func (n *Node) OnTaskResponse(key string, tr proto.TaskResponse) {
	if !n.Engine.HandleResponse(tr) {
		log.Debugf("response for unknown task %s from %s", tr.TaskID, identity.ShortID(key))
	}
}

func (n *Node) OnOpaque(key string, content map[string]any, _ proto.Envelope) {
	n.Inbox.Push(inbox.Message{
		Sender:        key,
		SenderShortID: identity.ShortID(key),
		Timestamp:     proto.NowMillis(),
		Content:       content,
	})
}

func (n *Node) OnPing(key string) {
	n.Table.Touch(key)
}

func (n *Node) OnClose(s *session.Session, key string) {
	if key == "" {
		return
	}
	n.Table.RemoveLink(key, s)
	log.Infof("peer %s disconnected", identity.ShortID(key))
}

// ── reapers ───────────────────────────────────────────────────────────────

func (n *Node) reapTimeouts() {
	cutoff := n.now() - peerTimeout
	for _, key := range n.Table.StaleBefore(cutoff) {
		log.Warnf("peer %s timed out, evicting", identity.ShortID(key))
		n.Table.Remove(key)
	}
}

// reapEntropy drops each peer with probability 0.5 when enabled. This is
// fault injection for resilience testing, never on by default.
func (n *Node) reapEntropy() {
	if !n.entropy.Load() {
		return
	}
	for _, key := range n.Table.Keys() {
		if rand.Float64() < entropyDropChance {
			log.Warnf("entropy reaper dropping peer %s", identity.ShortID(key))
			n.Table.Remove(key)
		}
	}
}

// SetEntropy toggles the entropy reaper.
func (n *Node) SetEntropy(enabled bool) { n.entropy.Store(enabled) }

// EntropyEnabled reports the toggle state.
func (n *Node) EntropyEnabled() bool { return n.entropy.Load() }

// ── broadcast & manifest ─────────────────────────────────────────────────

// Broadcast signs the content object and fans it out to every live peer,
// then appends a loopback copy to the local inbox. Loopback is synchronous:
// the copy is visible once Broadcast returns.
func (n *Node) Broadcast(content any) (int, error) {
	env, err := n.ID.SignJSON(content)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, key := range n.Table.Keys() {
		if err := n.Table.Write(key, env); err == nil {
			sent++
		}
	}

	var decoded any
	if err := json.Unmarshal([]byte(env.Content), &decoded); err != nil {
		decoded = env.Content
	}
	n.Inbox.Push(inbox.Message{
		Sender:        n.ID.PublicKeyHex(),
		SenderShortID: n.ID.ShortID(),
		Timestamp:     env.Timestamp,
		Content:       decoded,
	})
	return sent, nil
}

// Manifest returns a copy of the local manifest.
func (n *Node) Manifest() proto.Manifest {
	n.manifestMu.Lock()
	defer n.manifestMu.Unlock()
	return n.manifest
}

// SetManifest replaces the local manifest, persists it, and re-broadcasts
// a signed handshake to every live peer.
func (n *Node) SetManifest(m proto.Manifest) error {
	n.manifestMu.Lock()
	n.manifest = m
	n.manifestMu.Unlock()

	if err := n.saveManifest(m); err != nil {
		log.Warnf("persist manifest: %v", err)
	}
	return n.rebroadcastHandshake()
}

func (n *Node) rebroadcastHandshake() error {
	env, err := n.ID.SignJSON(proto.Handshake{Type: proto.TypeHandshake, Manifest: n.Manifest()})
	if err != nil {
		return err
	}
	for _, key := range n.Table.Keys() {
		if err := n.Table.Write(key, env); err != nil {
			log.Debugf("handshake to %s failed: %v", identity.ShortID(key), err)
		}
	}
	return nil
}

func (n *Node) manifestPath() string { return filepath.Join(n.dataDir, manifestFileName) }

func (n *Node) loadManifest() {
	b, err := os.ReadFile(n.manifestPath())
	if err != nil {
		return
	}
	var m proto.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		log.Warnf("corrupt manifest file: %v", err)
		return
	}
	n.manifestMu.Lock()
	n.manifest = m
	n.manifestMu.Unlock()
}

func (n *Node) saveManifest(m proto.Manifest) error {
	return util.WriteJSONFile(n.manifestPath(), m)
}

// watchManifest hot-reloads manifest.json: editing the file on disk
// re-broadcasts the handshake without restarting the node.
func (n *Node) watchManifest(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("manifest watcher unavailable: %v", err)
		return
	}
	defer w.Close()

	if err := w.Add(n.dataDir); err != nil {
		log.Debugf("watch %s: %v", n.dataDir, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != manifestFileName || !ev.Has(fsnotify.Write) {
				continue
			}
			before := n.Manifest()
			n.loadManifest()
			after := n.Manifest()
			if !manifestEqual(before, after) {
				log.Infof("manifest changed on disk, re-broadcasting handshake")
				_ = n.rebroadcastHandshake()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Debugf("manifest watcher: %v", err)
		}
	}
}

func manifestEqual(a, b proto.Manifest) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// Stats summarises node liveness for the control plane.
type Stats struct {
	Active    int   `json:"active"`
	Known     int   `json:"known"`
	Uptime    int64 `json:"uptime"` // seconds
	StartedAt int64 `json:"startedAt"`
}

// Stats returns current counters.
func (n *Node) Stats() Stats {
	return Stats{
		Active:    n.Table.Len(),
		Known:     n.Table.ObservedCount(),
		Uptime:    int64(time.Since(n.startedAt).Seconds()),
		StartedAt: n.startedAt.UnixMilli(),
	}
}
