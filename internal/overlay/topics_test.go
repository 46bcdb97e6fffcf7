package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicHash(t *testing.T) {
	h := TopicHash("kizuna-default", "")
	assert.Len(t, h, 64)
	assert.Equal(t, h, TopicHash("kizuna-default", ""), "deterministic")
}

func TestTopicHash_SecretChangesRendezvous(t *testing.T) {
	public := TopicHash("research", "")
	private := TopicHash("research", "hunter2")
	otherSecret := TopicHash("research", "hunter3")

	assert.NotEqual(t, public, private)
	assert.NotEqual(t, private, otherSecret)

	// The private hash is over "name:secret", so it differs from a public
	// topic that happens to contain a colon the same way.
	assert.Equal(t, TopicHash("research:hunter2", ""), private)
}
