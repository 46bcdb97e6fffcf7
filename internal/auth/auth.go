// Package auth holds the bearer-token check shared by the control plane
// and the A2A gateway.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerOK checks the Authorization header against the configured key
// with a timing-safe comparison. Both sides are hashed first so the
// comparison length never depends on the supplied token.
func BearerOK(r *http.Request, apiKey string) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	want := sha256.Sum256([]byte(apiKey))
	got := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}
