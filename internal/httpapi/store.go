package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/kizuna-swarm/bridge/internal/proto"
)

const defaultMemoryLimit = 100

func (s *Server) handleAppendMemory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		errorJSON(w, http.StatusBadRequest, "content is required")
		return
	}
	length, err := s.DB.AppendMemory(body.Content, proto.NowMillis())
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "length": length})
}

func (s *Server) handleReadMemory(w http.ResponseWriter, r *http.Request) {
	limit := defaultMemoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			errorJSON(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.DB.ReadMemory(limit)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"count": len(entries), "memory": entries})
}

// handlePutBlob stores a named blob; data travels base64-encoded.
func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Data string `json:"data"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		errorJSON(w, http.StatusBadRequest, "name is required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "data must be base64")
		return
	}
	if err := s.DB.PutBlob(body.Name, data, proto.NowMillis()); err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"status": "stored", "name": body.Name, "size": len(data)})
}

func (s *Server) handleListBlobs(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.DB.ListBlobs()
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"count": len(infos), "files": infos})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, ok, err := s.DB.GetBlob(name)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		errorJSON(w, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, map[string]any{
		"name": name,
		"size": len(data),
		"data": base64.StdEncoding.EncodeToString(data),
	})
}
