package httpapi

import (
	"net/http"
	"strings"

	"github.com/kizuna-swarm/bridge/internal/inbox"
	"github.com/kizuna-swarm/bridge/internal/overlay"
	"github.com/kizuna-swarm/bridge/internal/proto"
)

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	var topics []overlay.TopicInfo
	if s.Node.Overlay != nil {
		topics = s.Node.Overlay.Topics()
	}
	writeJSON(w, map[string]any{
		"peerId":   s.Node.ID.PublicKeyHex(),
		"shortId":  s.Node.ID.ShortID(),
		"manifest": s.Node.Manifest(),
		"topics":   topics,
		"stats":    s.Node.Stats(),
	})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Node.Manifest())
}

func (s *Server) handleSetManifest(w http.ResponseWriter, r *http.Request) {
	var m proto.Manifest
	if !readJSON(w, r, &m) {
		return
	}
	if m.Skills == nil {
		m.Skills = []string{}
	}
	if err := s.Node.SetManifest(m); err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "manifest": m})
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := s.Node.Table.Snapshot()
	writeJSON(w, map[string]any{"count": len(peers), "details": peers})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Node.Stats())
}

// handleInbox drains the inbox: reading it empties it.
func (s *Server) handleInbox(w http.ResponseWriter, _ *http.Request) {
	msgs := s.Node.Inbox.Drain()
	if msgs == nil {
		msgs = []inbox.Message{}
	}
	writeJSON(w, map[string]any{"count": len(msgs), "messages": msgs})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content any `json:"content"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Content == nil {
		errorJSON(w, http.StatusBadRequest, "content is required")
		return
	}
	sent, err := s.Node.Broadcast(body.Content)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"status": "sent", "sent_to": sent})
}

// capabilityMatch is one hit from /capabilities/search.
type capabilityMatch struct {
	PeerID  string   `json:"peer_id"`
	AgentID string   `json:"agent_id"`
	Role    string   `json:"role"`
	Skills  []string `json:"skills"`
}

// handleCapabilitySearch filters live peers by ?skill= and/or ?role=, both
// matched as case-insensitive substrings of the peer's manifest fields.
func (s *Server) handleCapabilitySearch(w http.ResponseWriter, r *http.Request) {
	skill := strings.ToLower(r.URL.Query().Get("skill"))
	role := strings.ToLower(r.URL.Query().Get("role"))

	matches := []capabilityMatch{}
	for _, p := range s.Node.Table.Snapshot() {
		if p.Manifest == nil {
			continue
		}
		if role != "" && !strings.Contains(strings.ToLower(p.Manifest.Role), role) {
			continue
		}
		if skill != "" && !hasSkill(p.Manifest.Skills, skill) {
			continue
		}
		matches = append(matches, capabilityMatch{
			PeerID:  p.ShortID,
			AgentID: p.Manifest.AgentID,
			Role:    p.Manifest.Role,
			Skills:  p.Manifest.Skills,
		})
	}
	writeJSON(w, map[string]any{"count": len(matches), "matches": matches})
}

func hasSkill(skills []string, wantLower string) bool {
	for _, s := range skills {
		if strings.Contains(strings.ToLower(s), wantLower) {
			return true
		}
	}
	return false
}

func (s *Server) handleGetEntropy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]bool{"enabled": s.Node.EntropyEnabled()})
}

func (s *Server) handleSetEntropy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	s.Node.SetEntropy(body.Enabled)
	log.Infof("entropy reaper enabled=%v", body.Enabled)
	writeJSON(w, map[string]bool{"enabled": body.Enabled})
}
