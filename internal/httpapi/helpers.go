package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kizuna-swarm/bridge/internal/auth"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatusJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorJSON is the uniform error body: {"error": reason}.
func errorJSON(w http.ResponseWriter, status int, reason string) {
	writeStatusJSON(w, status, map[string]string{"error": reason})
}

// readJSON decodes a request body, bounded at 1 MiB.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// authed wraps a handler with bearer auth when an API key is configured.
func authed(apiKey string, h http.HandlerFunc) http.HandlerFunc {
	if apiKey == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.BearerOK(r, apiKey) {
			errorJSON(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		h(w, r)
	}
}
