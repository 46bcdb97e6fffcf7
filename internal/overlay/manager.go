// Package overlay joins hashed topics and turns discovery into duplex
// peer streams. Discovery is gossipsub presence per topic plus mDNS on
// the LAN; each announce maps a transport peer to its bridge key, and one
// side (the lexicographically smaller peer id) dials the bridge stream.
// Consumers read authenticated streams from Conns() and never see the
// transport underneath.
package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kizuna-swarm/bridge/internal/proto"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("kizuna:overlay")

func init() {
	// Dial failures and backoff errors from libp2p go to stderr by default
	// and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

const (
	announceInterval = 5 * time.Second
	mdnsTag          = "kizuna-mdns"
	overlayKeyFile   = "overlay.key"
)

// ErrDefaultTopic is returned for attempts to leave the default topic.
var ErrDefaultTopic = errors.New("overlay: cannot leave the default topic")

// Conn is one authenticated duplex stream to a peer. RemoteKey is the
// peer's announced bridge public key; it is empty for inbound streams
// whose announce has not arrived yet, in which case the session layer
// adopts the key from the peer's first verified handshake.
type Conn struct {
	RemoteKey string
	RWC       io.ReadWriteCloser
}

// announceMsg is the per-topic presence frame.
type announceMsg struct {
	PeerID    string   `json:"peerId"`
	BridgeKey string   `json:"bridgeKey"`
	Addrs     []string `json:"addrs,omitempty"`
	TS        int64    `json:"ts"`
}

type joinedTopic struct {
	name     string
	hash     string
	private  bool
	joinedAt int64
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	cancel   context.CancelFunc
}

// Manager owns the transport host and the joined-topic registry.
type Manager struct {
	host      host.Host
	ps        *pubsub.PubSub
	bridgeKey string

	ctx context.Context

	mu     sync.Mutex
	topics map[string]*joinedTopic

	// announce cache: transport peer → bridge key.
	keysMu sync.Mutex
	keys   map[peer.ID]string

	// active guards one bridge stream per transport peer.
	activeMu sync.Mutex
	active   map[peer.ID]bool

	conns chan Conn
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads the persistent transport identity, generating an
// Ed25519 key on first run. This is distinct from the bridge identity:
// the transport key authenticates the wire, the bridge key signs frames.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Warnf("corrupt transport key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal transport key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, fmt.Errorf("save transport key: %w", err)
	}
	return priv, nil
}

// New starts the transport host and joins nothing. bridgeKey is the local
// node's full hex public key, announced on every topic.
func New(ctx context.Context, dataDir string, listenPort int, bridgeKey string) (*Manager, error) {
	priv, err := loadOrCreateKey(filepath.Join(dataDir, overlayKeyFile))
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	m := &Manager{
		host:      h,
		ps:        ps,
		bridgeKey: bridgeKey,
		ctx:       ctx,
		topics:    make(map[string]*joinedTopic),
		keys:      make(map[peer.ID]string),
		active:    make(map[peer.ID]bool),
		conns:     make(chan Conn, 16),
	}

	h.SetStreamHandler(protocol.ID(proto.StreamProtoID), m.handleInbound)

	log.Infof("overlay up, transport peer %s", h.ID())
	return m, nil
}

// Conns yields every new authenticated peer stream, inbound and outbound.
func (m *Manager) Conns() <-chan Conn { return m.conns }

// Join subscribes to a topic. Idempotent: joining a joined topic returns
// the existing hash.
func (m *Manager) Join(name, secret string) (string, error) {
	hash := TopicHash(name, secret)

	m.mu.Lock()
	if jt, ok := m.topics[name]; ok {
		m.mu.Unlock()
		return jt.hash, nil
	}
	m.mu.Unlock()

	topic, err := m.ps.Join(proto.TopicPrefix + hash)
	if err != nil {
		return "", fmt.Errorf("join topic %q: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return "", err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	jt := &joinedTopic{
		name:     name,
		hash:     hash,
		private:  secret != "",
		joinedAt: proto.NowMillis(),
		topic:    topic,
		sub:      sub,
		cancel:   cancel,
	}

	m.mu.Lock()
	m.topics[name] = jt
	m.mu.Unlock()

	go m.presenceLoop(ctx, jt)
	go m.announceLoop(ctx, jt)

	log.Infof("joined topic %q (%s…)", name, hash[:8])
	return hash, nil
}

// Leave unsubscribes from a topic. Advisory: established sessions are not
// torn down. The default topic cannot be left.
func (m *Manager) Leave(name string) error {
	if name == proto.DefaultTopic {
		return ErrDefaultTopic
	}

	m.mu.Lock()
	jt, ok := m.topics[name]
	delete(m.topics, name)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("overlay: not joined to %q", name)
	}
	jt.cancel()
	jt.sub.Cancel()
	_ = jt.topic.Close()
	log.Infof("left topic %q", name)
	return nil
}

// Topics lists joined topics.
func (m *Manager) Topics() []TopicInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TopicInfo, 0, len(m.topics))
	for _, jt := range m.topics {
		out = append(out, TopicInfo{
			Name:       jt.name,
			Private:    jt.private,
			JoinedAt:   jt.joinedAt,
			HashPrefix: jt.hash[:8],
		})
	}
	return out
}

// Close shuts the transport down.
func (m *Manager) Close() error {
	return m.host.Close()
}

// announceLoop publishes presence on one topic until its context ends.
func (m *Manager) announceLoop(ctx context.Context, jt *joinedTopic) {
	t := time.NewTicker(announceInterval)
	defer t.Stop()

	m.announce(ctx, jt)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.announce(ctx, jt)
		}
	}
}

func (m *Manager) announce(ctx context.Context, jt *joinedTopic) {
	var addrs []string
	for _, a := range m.host.Addrs() {
		addrs = append(addrs, a.String())
	}
	msg := announceMsg{
		PeerID:    m.host.ID().String(),
		BridgeKey: m.bridgeKey,
		Addrs:     addrs,
		TS:        proto.NowMillis(),
	}
	b, _ := json.Marshal(msg)
	_ = jt.topic.Publish(ctx, b)
}

// presenceLoop consumes announces on one topic and dials newly seen peers.
func (m *Manager) presenceLoop(ctx context.Context, jt *joinedTopic) {
	for {
		psMsg, err := jt.sub.Next(ctx)
		if err != nil {
			return
		}

		var am announceMsg
		if err := json.Unmarshal(psMsg.Data, &am); err != nil {
			continue
		}
		if am.PeerID == "" || am.BridgeKey == "" || am.PeerID == m.host.ID().String() {
			continue
		}

		pid, err := peer.Decode(am.PeerID)
		if err != nil {
			continue
		}

		m.keysMu.Lock()
		m.keys[pid] = am.BridgeKey
		m.keysMu.Unlock()

		m.addPeerAddrs(pid, am.Addrs)

		// Exactly one side dials: the smaller transport peer id.
		if m.host.ID().String() < am.PeerID {
			go m.dial(pid)
		}
	}
}

func (m *Manager) addPeerAddrs(pid peer.ID, addrs []string) {
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, a)
	}
	if len(parsed) > 0 {
		m.host.Peerstore().AddAddrs(pid, parsed, time.Minute)
	}
}

// dial opens the bridge stream to a peer unless one is already active.
func (m *Manager) dial(pid peer.ID) {
	m.activeMu.Lock()
	if m.active[pid] {
		m.activeMu.Unlock()
		return
	}
	m.active[pid] = true
	m.activeMu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	s, err := m.host.NewStream(ctx, pid, protocol.ID(proto.StreamProtoID))
	if err != nil {
		log.Debugf("dial %s failed: %v", pid, err)
		m.clearActive(pid)
		return
	}

	m.emit(pid, s)
}

func (m *Manager) handleInbound(s network.Stream) {
	pid := s.Conn().RemotePeer()

	// Mark active even if a stream already exists (simultaneous dial);
	// the peer table replaces the older session on install.
	m.activeMu.Lock()
	m.active[pid] = true
	m.activeMu.Unlock()

	m.emit(pid, s)
}

// emit hands the stream to the consumer, wrapped so that closing it frees
// the per-peer dial slot.
func (m *Manager) emit(pid peer.ID, s network.Stream) {
	m.keysMu.Lock()
	key := m.keys[pid]
	m.keysMu.Unlock()

	wrapped := &trackedStream{Stream: s, onClose: func() { m.clearActive(pid) }}

	select {
	case m.conns <- Conn{RemoteKey: key, RWC: wrapped}:
	case <-m.ctx.Done():
		_ = s.Close()
	}
}

func (m *Manager) clearActive(pid peer.ID) {
	m.activeMu.Lock()
	delete(m.active, pid)
	m.activeMu.Unlock()
}

// trackedStream frees its dial slot exactly once on close.
type trackedStream struct {
	network.Stream
	once    sync.Once
	onClose func()
}

func (t *trackedStream) Close() error {
	err := t.Stream.Close()
	t.once.Do(t.onClose)
	return err
}
