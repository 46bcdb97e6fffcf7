package bridge

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kizuna-swarm/bridge/internal/identity"
	"github.com/kizuna-swarm/bridge/internal/overlay"
	"github.com/kizuna-swarm/bridge/internal/proto"
	"github.com/kizuna-swarm/bridge/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()
	id, err := identity.LoadOrCreate(dir)
	require.NoError(t, err)
	return New(dir, id, nil)
}

// tcpPair returns two connected stream ends. TCP instead of net.Pipe so the
// synchronous handshake writes on session start cannot deadlock.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	acc := <-ch
	require.NoError(t, acc.err)

	t.Cleanup(func() {
		dialed.Close()
		acc.conn.Close()
	})
	return dialed, acc.conn
}

func TestDefaultManifest(t *testing.T) {
	n := newTestNode(t)
	m := n.Manifest()
	assert.Equal(t, "Agent", m.Role)
	assert.Equal(t, "kizuna-"+n.ID.ShortID(), m.AgentID)
	assert.NotNil(t, m.Skills)
}

func TestSetManifest_Persists(t *testing.T) {
	dir := t.TempDir()
	id, err := identity.LoadOrCreate(dir)
	require.NoError(t, err)

	n := New(dir, id, nil)
	require.NoError(t, n.SetManifest(proto.Manifest{
		Role: "Researcher", Skills: []string{"analysis"}, AgentID: "lab-7",
	}))

	reloaded := New(dir, id, nil)
	assert.Equal(t, "Researcher", reloaded.Manifest().Role)
	assert.Equal(t, "lab-7", reloaded.Manifest().AgentID)
}

func TestBroadcast_LoopbackCopy(t *testing.T) {
	n := newTestNode(t)

	sent, err := n.Broadcast(map[string]any{"type": "note", "message": "hello"})
	require.NoError(t, err)
	assert.Zero(t, sent, "no peers connected")

	msgs := n.Inbox.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, n.ID.PublicKeyHex(), msgs[0].Sender)
	assert.Equal(t, n.ID.ShortID(), msgs[0].SenderShortID)

	content, ok := msgs[0].Content.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", content["message"])
}

func TestStats(t *testing.T) {
	n := newTestNode(t)
	s := n.Stats()
	assert.Zero(t, s.Active)
	assert.Equal(t, 1, s.Known, "self is always observed")
	assert.NotZero(t, s.StartedAt)
}

// idleLink is a peer link that accepts writes and does nothing.
type idleLink struct{}

func (idleLink) WriteEnvelope(proto.Envelope) error { return nil }

func (idleLink) Close() {}

func TestReapTimeouts_EvictsSilentPeers(t *testing.T) {
	n := newTestNode(t)

	keyA := strings.Repeat("aa", 32)
	keyB := strings.Repeat("bb", 32)
	n.Table.Install(keyA, idleLink{})
	time.Sleep(30 * time.Millisecond)
	n.Table.Install(keyB, idleLink{})

	a, ok := n.Table.Get(keyA)
	require.True(t, ok)

	// At exactly the cutoff nothing is stale yet.
	n.now = func() int64 { return a.LastSeen + peerTimeout }
	n.reapTimeouts()
	assert.Equal(t, 2, n.Table.Len())

	// One ms past the cutoff the silent peer goes; the peer seen since
	// stays.
	n.Table.Touch(keyB)
	n.now = func() int64 { return a.LastSeen + peerTimeout + 1 }
	n.reapTimeouts()

	_, ok = n.Table.Get(keyA)
	assert.False(t, ok, "silent peer evicted")
	_, ok = n.Table.Get(keyB)
	assert.True(t, ok, "recently seen peer survives")
}

func TestEntropyToggle(t *testing.T) {
	n := newTestNode(t)
	assert.False(t, n.EntropyEnabled())
	n.SetEntropy(true)
	assert.True(t, n.EntropyEnabled())
}

// Two nodes over a real stream: handshake, manifest exchange, targeted task
// delegation, and the signed response finding its way back.
func TestNodes_DelegateTaskEndToEnd(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	require.NoError(t, b.SetManifest(proto.Manifest{
		Role: "Worker", Skills: []string{"code_review"}, AgentID: "worker-1",
	}))

	connA, connB := tcpPair(t)
	a.AttachStream(overlay.Conn{RemoteKey: b.ID.PublicKeyHex(), RWC: connA})
	b.AttachStream(overlay.Conn{RWC: connB}) // inbound side adopts the key

	require.Eventually(t, func() bool {
		return a.Table.Len() == 1 && b.Table.Len() == 1
	}, 2*time.Second, 10*time.Millisecond, "peers install each other")

	require.Eventually(t, func() bool {
		p, ok := a.Table.Get(b.ID.PublicKeyHex())
		return ok && p.Manifest != nil && p.Manifest.AgentID == "worker-1"
	}, 2*time.Second, 10*time.Millisecond, "manifest arrives via handshake")

	res, err := a.Engine.Submit(task.SubmitRequest{
		Description: "review the patch",
		TaskType:    "code_review",
		Target:      "worker-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Status)

	require.Eventually(t, func() bool {
		_, ok := b.Engine.GetReceived(res.TaskID)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "request reaches the worker")

	// The request also lands in the worker's inbox for the local agent.
	require.Eventually(t, func() bool { return b.Inbox.Len() > 0 }, 2*time.Second, 10*time.Millisecond)

	delivered, err := b.Engine.Respond(res.TaskID, task.StatusCompleted, "looks good", nil)
	require.NoError(t, err)
	assert.True(t, delivered)

	require.Eventually(t, func() bool {
		sent, ok := a.Engine.GetSent(res.TaskID)
		return ok && sent.Status == task.StatusCompleted && sent.Result == "looks good"
	}, 2*time.Second, 10*time.Millisecond, "response lands on the requester")
}
