package overlay

import (
	"crypto/sha256"
	"encoding/hex"
)

// TopicInfo describes one joined topic.
type TopicInfo struct {
	Name       string `json:"name"`
	Private    bool   `json:"private"`
	JoinedAt   int64  `json:"joinedAt"`
	HashPrefix string `json:"hashPrefix"`
}

// TopicHash derives the 32-byte rendezvous key for a topic: SHA-256 of the
// name alone for a public topic, or of "name:secret" for a private one.
func TopicHash(name, secret string) string {
	input := name
	if secret != "" {
		input = name + ":" + secret
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
