package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrain_EmptiesBuffer(t *testing.T) {
	in := New(10)
	in.Push(Message{Content: "a"})
	in.Push(Message{Content: "b"})

	msgs := in.Drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Content)
	assert.Equal(t, "b", msgs[1].Content)

	assert.Empty(t, in.Drain())
	assert.Zero(t, in.Len())
}

func TestDrain_NeverNil(t *testing.T) {
	in := New(10)
	assert.NotNil(t, in.Drain())
}

func TestPush_EvictsOldestWhenFull(t *testing.T) {
	in := New(3)
	for _, c := range []string{"a", "b", "c", "d"} {
		in.Push(Message{Content: c})
	}

	msgs := in.Drain()
	require.Len(t, msgs, 3)
	assert.Equal(t, "b", msgs[0].Content)
	assert.Equal(t, "d", msgs[2].Content)
}

func TestSubscribe_ReceivesFutureMessages(t *testing.T) {
	in := New(10)
	ch, cancel := in.Subscribe()
	defer cancel()

	in.Push(Message{Content: "live"})

	select {
	case m := <-ch:
		assert.Equal(t, "live", m.Content)
	default:
		t.Fatal("expected a delivered message")
	}

	// Draining does not affect subscribers.
	in.Drain()
	in.Push(Message{Content: "after"})
	m := <-ch
	assert.Equal(t, "after", m.Content)
}

func TestSubscribe_CancelCloses(t *testing.T) {
	in := New(10)
	ch, cancel := in.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
}
