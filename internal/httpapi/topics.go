package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kizuna-swarm/bridge/internal/overlay"
)

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if s.Node.Overlay == nil {
		errorJSON(w, http.StatusServiceUnavailable, "overlay not running")
		return
	}
	var body struct {
		Topic  string `json:"topic"`
		Secret string `json:"secret,omitempty"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	body.Topic = strings.TrimSpace(body.Topic)
	if body.Topic == "" {
		errorJSON(w, http.StatusBadRequest, "topic is required")
		return
	}
	hash, err := s.Node.Overlay.Join(body.Topic, body.Secret)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"topic":     body.Topic,
		"topicHash": hash,
		"private":   body.Secret != "",
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if s.Node.Overlay == nil {
		errorJSON(w, http.StatusServiceUnavailable, "overlay not running")
		return
	}
	var body struct {
		Topic string `json:"topic"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.Node.Overlay.Leave(strings.TrimSpace(body.Topic)); err != nil {
		if errors.Is(err, overlay.ErrDefaultTopic) {
			errorJSON(w, http.StatusBadRequest, err.Error())
			return
		}
		errorJSON(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, map[string]any{"left": body.Topic})
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	topics := []overlay.TopicInfo{}
	if s.Node.Overlay != nil {
		topics = s.Node.Overlay.Topics()
	}
	writeJSON(w, map[string]any{"count": len(topics), "topics": topics})
}
