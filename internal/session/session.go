// Package session runs the per-peer state machine over one duplex stream:
// immediate signed handshake, 2.5 s heartbeat, and a receive loop that
// verifies envelopes and dispatches by inner message type.
package session

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/kizuna-swarm/bridge/internal/identity"
	"github.com/kizuna-swarm/bridge/internal/proto"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kizuna:session")

const (
	// HeartbeatInterval is how often the bare ping frame is written.
	HeartbeatInterval = 2500 * time.Millisecond
)

// Handler receives the dispatched session events. All callbacks run on the
// session's receive goroutine, in receive order.
type Handler interface {
	// OnReady is called once the remote key is known (from the overlay
	// announce, or from the first verified handshake). The session is
	// installed in the peer table here.
	OnReady(s *Session, key string)
	OnHandshake(key string, m proto.Manifest)
	OnTaskRequest(key string, tr proto.TaskRequest)
	OnTaskResponse(key string, tr proto.TaskResponse)
	// OnOpaque handles any other verified inner message (free-form chat).
	OnOpaque(key string, content map[string]any, env proto.Envelope)
	// OnPing fires for heartbeat frames; the handler refreshes lastSeen.
	OnPing(key string)
	// OnClose is called exactly once when the stream ends for any reason.
	OnClose(s *Session, key string)
}

// Signer produces the session's own handshake envelope.
type Signer interface {
	SignJSON(v any) (proto.Envelope, error)
}

// Session owns one peer stream. It satisfies state.Link.
type Session struct {
	rwc io.ReadWriteCloser

	writeMu sync.Mutex // one write in flight per stream

	closeOnce sync.Once
	closed    chan struct{}

	keyMu sync.Mutex
	key   string // remote full hex key; "" until known

	handler Handler
	signer  Signer
}

// New wraps a stream. remoteKey may be empty for inbound connections whose
// overlay announce has not been seen; the key is then adopted from the
// first verified handshake.
func New(rwc io.ReadWriteCloser, remoteKey string, signer Signer, handler Handler) *Session {
	return &Session{
		rwc:     rwc,
		key:     remoteKey,
		signer:  signer,
		handler: handler,
		closed:  make(chan struct{}),
	}
}

// Start writes the local handshake, begins the heartbeat, and spawns the
// receive loop. It returns immediately.
func (s *Session) Start(manifest proto.Manifest) {
	env, err := s.signer.SignJSON(proto.Handshake{Type: proto.TypeHandshake, Manifest: manifest})
	if err != nil {
		log.Errorw("sign handshake", "err", err)
		s.Close()
		return
	}
	if err := s.WriteEnvelope(env); err != nil {
		log.Debugw("handshake write failed", "err", err)
		s.Close()
		return
	}

	if key := s.RemoteKey(); key != "" {
		s.handler.OnReady(s, key)
	}

	go s.heartbeatLoop()
	go s.receiveLoop()
}

// RemoteKey returns the peer's full hex key, or "" if not yet known.
func (s *Session) RemoteKey() string {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return s.key
}

// WriteEnvelope writes one signed frame, newline-terminated. Writes on a
// session are serialised.
func (s *Session) WriteEnvelope(env proto.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.writeFrame(b)
}

func (s *Session) writeFrame(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.rwc.Write(append(b, '\n'))
	return err
}

// Close tears the session down exactly once: the stream is closed, the
// heartbeat stops, and the handler's OnClose fires.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.rwc.Close()
		s.handler.OnClose(s, s.RemoteKey())
	})
}

func (s *Session) heartbeatLoop() {
	ping, _ := json.Marshal(proto.PingFrame{Type: proto.TypePing})
	t := time.NewTicker(HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			if err := s.writeFrame(ping); err != nil {
				// A dead stream: stop the timer and unwind the session.
				s.Close()
				return
			}
		}
	}
}

// receiveLoop parses one JSON frame per line. Malformed frames are dropped
// silently (transport corruption); envelopes failing verification are
// dropped with a warning. The loop never blocks on a silent peer beyond
// the stream read itself — the timeout reaper handles eviction.
func (s *Session) receiveLoop() {
	defer s.Close()

	sc := bufio.NewScanner(s.rwc)
	sc.Buffer(make([]byte, 64*1024), proto.MaxFrameBytes)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame proto.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}

		switch {
		case frame.IsPing():
			if key := s.RemoteKey(); key != "" {
				s.handler.OnPing(key)
			}
		case frame.IsEnvelope():
			s.dispatch(frame.Envelope())
		}
	}
}

func (s *Session) dispatch(env proto.Envelope) {
	if !identity.Verify(env) {
		log.Warnw("dropping envelope with bad signature", "sender", identity.ShortID(env.SenderKey))
		return
	}

	key := s.adoptKey(env.SenderKey)
	if key == "" {
		// Envelope signed by a key that does not match the announced
		// session peer. Self-proving signature, wrong session.
		log.Warnw("envelope sender does not match session peer",
			"sender", identity.ShortID(env.SenderKey), "peer", identity.ShortID(s.RemoteKey()))
		return
	}

	var inner proto.Inner
	if err := json.Unmarshal([]byte(env.Content), &inner); err != nil {
		return
	}

	s.handler.OnPing(key) // any verified frame refreshes lastSeen

	switch inner.Type {
	case proto.TypeHandshake:
		var hs proto.Handshake
		if err := json.Unmarshal([]byte(env.Content), &hs); err != nil {
			return
		}
		s.handler.OnHandshake(key, hs.Manifest)
	case proto.TypeTaskRequest:
		var tr proto.TaskRequest
		if err := json.Unmarshal([]byte(env.Content), &tr); err != nil {
			return
		}
		s.handler.OnTaskRequest(key, tr)
	case proto.TypeTaskResponse:
		var tr proto.TaskResponse
		if err := json.Unmarshal([]byte(env.Content), &tr); err != nil {
			return
		}
		s.handler.OnTaskResponse(key, tr)
	default:
		var content map[string]any
		if err := json.Unmarshal([]byte(env.Content), &content); err != nil {
			return
		}
		s.handler.OnOpaque(key, content, env)
	}
}

// adoptKey resolves the session key against an envelope's sender. The
// first verified envelope fixes the key for an anonymous inbound session;
// later envelopes must match it. Returns "" on mismatch.
func (s *Session) adoptKey(senderKey string) string {
	s.keyMu.Lock()
	if s.key == "" {
		s.key = senderKey
		s.keyMu.Unlock()
		s.handler.OnReady(s, senderKey)
		return senderKey
	}
	key := s.key
	s.keyMu.Unlock()
	if key != senderKey {
		return ""
	}
	return key
}
