// Package httpapi is the local control plane: the REST surface an agent
// process drives its own bridge through. It binds loopback-only unless an
// API key is configured, in which case every route except /health (and the
// A2A agent card, registered elsewhere) requires a bearer token.
package httpapi

import (
	"net/http"

	"github.com/kizuna-swarm/bridge/internal/bridge"
	"github.com/kizuna-swarm/bridge/internal/events"
	"github.com/kizuna-swarm/bridge/internal/storage"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kizuna:httpapi")

// ServiceName appears in the /health body.
const ServiceName = "kizuna-bridge"

// Server bundles the handlers' dependencies.
type Server struct {
	Node   *bridge.Node
	DB     *storage.DB
	APIKey string
}

// Register mounts every control-plane route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	public := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, h)
	}
	private := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, authed(s.APIKey, h))
	}

	public("GET /health", s.handleHealth)

	private("GET /info", s.handleInfo)
	private("GET /manifest", s.handleGetManifest)
	private("POST /manifest", s.handleSetManifest)
	private("GET /peers", s.handlePeers)
	private("GET /stats", s.handleStats)
	private("GET /inbox", s.handleInbox)
	private("POST /broadcast", s.handleBroadcast)
	private("GET /capabilities/search", s.handleCapabilitySearch)
	private("GET /events", events.Handler(s.Node.Inbox, s.Node.Table))

	private("POST /join", s.handleJoin)
	private("POST /leave", s.handleLeave)
	private("GET /topics", s.handleTopics)

	private("GET /entropy", s.handleGetEntropy)
	private("POST /entropy", s.handleSetEntropy)

	private("GET /memory", s.handleReadMemory)
	private("POST /memory", s.handleAppendMemory)
	private("GET /storage", s.handleListBlobs)
	private("POST /storage", s.handlePutBlob)
	private("GET /storage/{name}", s.handleGetBlob)

	private("POST /task/request", s.handleTaskRequest)
	private("POST /task/respond", s.handleTaskRespond)
	private("GET /task/status/{id}", s.handleTaskStatus)
	private("POST /task/retry/{id}", s.handleTaskRetry)
	private("GET /tasks", s.handleTasks)
	private("GET /tasks/queued", s.handleTasksQueued)
	private("GET /tasks/failed", s.handleTasksFailed)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}
