// Package events streams live node activity over a WebSocket: every inbox
// message and every peer-table change, as they happen. Agents that poll
// /inbox can subscribe here instead.
package events

import (
	"net/http"

	"github.com/kizuna-swarm/bridge/internal/inbox"
	"github.com/kizuna-swarm/bridge/internal/state"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kizuna:events")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control plane is loopback-only or bearer-authed; origin checks
	// add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedEvent is one frame on the wire.
type feedEvent struct {
	Kind    string         `json:"kind"` // "message" | "peer"
	Message *inbox.Message `json:"message,omitempty"`
	Peer    *state.Event   `json:"peer,omitempty"`
}

// Handler returns the /events WebSocket handler. Each connection gets its
// own subscriptions; slow consumers drop events rather than stall the node.
func Handler(ib *inbox.Inbox, table *state.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		msgs, cancelMsgs := ib.Subscribe()
		defer cancelMsgs()
		peerEvents, cancelPeers := table.Subscribe()
		defer cancelPeers()

		// Reader goroutine: we never expect client frames, but reading is
		// how close and ping/pong get processed.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if err := conn.WriteJSON(feedEvent{Kind: "message", Message: &m}); err != nil {
					return
				}
			case e, ok := <-peerEvents:
				if !ok {
					return
				}
				if err := conn.WriteJSON(feedEvent{Kind: "peer", Peer: &e}); err != nil {
					return
				}
			}
		}
	}
}
