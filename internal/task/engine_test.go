package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kizuna-swarm/bridge/internal/identity"
	"github.com/kizuna-swarm/bridge/internal/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDir is a scriptable peer directory: peers come and go between ticks.
type fakeDir struct {
	peers map[string]string // target (short id or agent id) → key
	wrote map[string][]proto.Envelope
	fail  map[string]bool // key → writes fail
}

func newFakeDir() *fakeDir {
	return &fakeDir{
		peers: make(map[string]string),
		wrote: make(map[string][]proto.Envelope),
		fail:  make(map[string]bool),
	}
}

func (d *fakeDir) Resolve(target string) (string, bool) {
	k, ok := d.peers[target]
	return k, ok
}

func (d *fakeDir) Keys() []string {
	var keys []string
	for _, k := range d.peers {
		keys = append(keys, k)
	}
	return keys
}

func (d *fakeDir) Write(key string, env proto.Envelope) error {
	if d.fail[key] {
		return errors.New("stream broken")
	}
	d.wrote[key] = append(d.wrote[key], env)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeDir, *int64) {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	dir := newFakeDir()
	e := NewEngine(dir, id)

	clock := proto.NowMillis()
	e.now = func() int64 { return clock }
	return e, dir, &clock
}

func lastRequest(t *testing.T, dir *fakeDir, key string) proto.TaskRequest {
	t.Helper()
	envs := dir.wrote[key]
	require.NotEmpty(t, envs)
	var tr proto.TaskRequest
	require.NoError(t, json.Unmarshal([]byte(envs[len(envs)-1].Content), &tr))
	return tr
}

func TestSubmit_TargetedDelivered(t *testing.T) {
	e, dir, _ := newTestEngine(t)
	dir.peers["11223344"] = "peer-key"

	res, err := e.Submit(SubmitRequest{Description: "review this", Target: "11223344"})
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Status)
	assert.Equal(t, 1, res.SentTo)
	assert.False(t, res.Queued)

	sent, ok := e.GetSent(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, sent.Status)
	assert.Equal(t, 1, sent.AttemptCount)

	tr := lastRequest(t, dir, "peer-key")
	assert.Equal(t, proto.TypeTaskRequest, tr.Type)
	assert.Equal(t, res.TaskID, tr.TaskID)
	assert.Equal(t, "review this", tr.Payload.Description)
	assert.Equal(t, DefaultTaskType, tr.TaskType)
	assert.Equal(t, DefaultPriority, tr.Payload.Priority)
}

func TestSubmit_OfflineTargetQueuesForRetry(t *testing.T) {
	e, _, clock := newTestEngine(t)

	res, err := e.Submit(SubmitRequest{Description: "later", Target: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueuedForRetry, res.Status)
	assert.True(t, res.Queued)
	assert.Equal(t, *clock+Backoff(1), res.NextRetry)

	sent, _ := e.GetSent(res.TaskID)
	assert.Equal(t, 1, sent.AttemptCount, "missed initial delivery counts as attempt 1")
}

func TestSubmit_BroadcastFansOut(t *testing.T) {
	e, dir, _ := newTestEngine(t)
	dir.peers["a"] = "key-a"
	dir.peers["b"] = "key-b"

	res, err := e.Submit(SubmitRequest{Description: "everyone"})
	require.NoError(t, err)
	assert.Equal(t, BroadcastTarget, res.Target)
	assert.Equal(t, "sent", res.Status)
	assert.Equal(t, 2, res.SentTo)
}

func TestSubmit_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var verr *ValidationError

	_, err := e.Submit(SubmitRequest{Description: "   "})
	require.ErrorAs(t, err, &verr)

	_, err = e.Submit(SubmitRequest{Description: "x", TaskType: "sorcery"})
	require.ErrorAs(t, err, &verr)

	_, err = e.Submit(SubmitRequest{Description: "x", Priority: "urgent-ish"})
	require.ErrorAs(t, err, &verr)
}

func TestRetry_DeliversWhenPeerReturns(t *testing.T) {
	e, dir, clock := newTestEngine(t)

	res, err := e.Submit(SubmitRequest{Description: "later", Target: "11223344"})
	require.NoError(t, err)

	// Not due yet: nothing happens.
	e.RetryTick()
	sent, _ := e.GetSent(res.TaskID)
	assert.Equal(t, StatusQueuedForRetry, sent.Status)

	// Peer comes back, clock passes the retry time.
	dir.peers["11223344"] = "peer-key"
	*clock += Backoff(1) + 1
	e.RetryTick()

	sent, _ = e.GetSent(res.TaskID)
	assert.Equal(t, StatusPending, sent.Status)

	// Retried delivery reuses the original task id.
	tr := lastRequest(t, dir, "peer-key")
	assert.Equal(t, res.TaskID, tr.TaskID)
}

func TestRetry_ExhaustionDeadLetters(t *testing.T) {
	e, _, clock := newTestEngine(t)

	res, err := e.Submit(SubmitRequest{Description: "doomed", Target: "nobody"})
	require.NoError(t, err)

	// Each tick past the due time burns one attempt.
	for i := 0; i < MaxAttempts; i++ {
		*clock += Backoff(MaxAttempts) + 1
		e.RetryTick()
	}

	_, ok := e.GetSent(res.TaskID)
	assert.False(t, ok, "exhausted task leaves the sent table")

	dead, ok := e.GetDead(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, dead.Status)
	assert.Equal(t, fmt.Sprintf("Peer offline after %d attempts", MaxAttempts), dead.FailureReason)
}

func TestRetry_DeadlineExceeded(t *testing.T) {
	e, _, clock := newTestEngine(t)

	deadline := *clock + 1000
	res, err := e.Submit(SubmitRequest{Description: "timed", Target: "nobody", Deadline: &deadline})
	require.NoError(t, err)

	*clock += 2000
	e.RetryTick()

	dead, ok := e.GetDead(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, "Deadline exceeded", dead.FailureReason)
}

func TestRetry_TerminalTasksUntouched(t *testing.T) {
	e, dir, clock := newTestEngine(t)
	dir.peers["11223344"] = "peer-key"

	res, err := e.Submit(SubmitRequest{Description: "done deal", Target: "11223344"})
	require.NoError(t, err)

	require.True(t, e.HandleResponse(proto.TaskResponse{
		TaskID: res.TaskID, Status: StatusCompleted, Result: "done",
	}))

	*clock += 120_000
	e.RetryTick()

	sent, ok := e.GetSent(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, sent.Status)
	assert.Equal(t, "done", sent.Result)
	assert.NotZero(t, sent.CompletedAt)
}

// stallDir simulates a peer that accepts the stream but stops draining it:
// every Write blocks until released.
type stallDir struct {
	online  bool
	entered chan struct{}
	release chan struct{}
}

func (d *stallDir) Resolve(string) (string, bool) {
	if !d.online {
		return "", false
	}
	return "peer-key", true
}

func (d *stallDir) Keys() []string {
	if !d.online {
		return nil
	}
	return []string{"peer-key"}
}

func (d *stallDir) Write(string, proto.Envelope) error {
	d.entered <- struct{}{}
	<-d.release
	return nil
}

func TestRetry_SlowPeerWriteDoesNotBlockTable(t *testing.T) {
	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	dir := &stallDir{entered: make(chan struct{}), release: make(chan struct{})}
	e := NewEngine(dir, id)
	clock := proto.NowMillis()
	e.now = func() int64 { return clock }

	res, err := e.Submit(SubmitRequest{Description: "slow", Target: "11223344"})
	require.NoError(t, err)
	require.True(t, res.Queued)

	dir.online = true
	clock += Backoff(1) + 1

	done := make(chan struct{})
	go func() {
		e.RetryTick()
		close(done)
	}()
	<-dir.entered // the reaper is inside the peer write now

	// The sent table must stay readable while that write is in flight.
	got := make(chan SentTask, 1)
	go func() {
		st, _ := e.GetSent(res.TaskID)
		got <- st
	}()
	select {
	case st := <-got:
		assert.Equal(t, StatusQueuedForRetry, st.Status)
	case <-time.After(time.Second):
		t.Fatal("sent table blocked behind an in-flight retry write")
	}

	close(dir.release)
	<-done

	st, ok := e.GetSent(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, st.Status, "delivery applies once the write completes")
}

func TestRequeue_ResetsBudget(t *testing.T) {
	e, dir, clock := newTestEngine(t)

	res, err := e.Submit(SubmitRequest{Description: "second chance", Target: "11223344"})
	require.NoError(t, err)
	for i := 0; i < MaxAttempts; i++ {
		*clock += Backoff(MaxAttempts) + 1
		e.RetryTick()
	}
	_, ok := e.GetDead(res.TaskID)
	require.True(t, ok)

	requeued, err := e.Requeue(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueuedForRetry, requeued.Status)
	assert.Zero(t, requeued.AttemptCount)

	_, ok = e.GetDead(res.TaskID)
	assert.False(t, ok, "requeue removes the dead-letter entry")

	// Due immediately: the next tick with the peer online delivers.
	dir.peers["11223344"] = "peer-key"
	*clock++
	e.RetryTick()
	sent, _ := e.GetSent(res.TaskID)
	assert.Equal(t, StatusPending, sent.Status)

	_, err = e.Requeue("no-such-task")
	assert.ErrorIs(t, err, ErrNotDead)
}

func TestHandleRequest_DeduplicatesByTaskID(t *testing.T) {
	e, _, _ := newTestEngine(t)

	first := e.HandleRequest("sender-key", proto.TaskRequest{
		TaskID: "t1", TaskType: "general",
		Payload: proto.TaskPayload{Description: "original"},
	})
	assert.Equal(t, StatusPending, first.Status)

	dup := e.HandleRequest("sender-key", proto.TaskRequest{
		TaskID: "t1", TaskType: "general",
		Payload: proto.TaskPayload{Description: "retry copy"},
	})
	assert.Equal(t, "original", dup.Payload.Description)
	assert.Len(t, e.ReceivedSnapshot(), 1)
}

func TestRespond_MirrorsToRequester(t *testing.T) {
	e, dir, _ := newTestEngine(t)
	dir.peers["requester"] = "req-key"

	e.HandleRequest("req-key", proto.TaskRequest{
		TaskID: "t1", TaskType: "general",
		Payload: proto.TaskPayload{Description: "work"},
	})

	delivered, err := e.Respond("t1", StatusCompleted, map[string]any{"answer": 42}, nil)
	require.NoError(t, err)
	assert.True(t, delivered)

	envs := dir.wrote["req-key"]
	require.Len(t, envs, 1)
	var tr proto.TaskResponse
	require.NoError(t, json.Unmarshal([]byte(envs[0].Content), &tr))
	assert.Equal(t, proto.TypeTaskResponse, tr.Type)
	assert.Equal(t, "t1", tr.TaskID)
	assert.Equal(t, StatusCompleted, tr.Status)

	got, _ := e.GetReceived("t1")
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotZero(t, got.CompletedAt)
}

func TestRespond_RequesterGoneIsNotRetried(t *testing.T) {
	e, dir, _ := newTestEngine(t)
	dir.fail["req-key"] = true

	e.HandleRequest("req-key", proto.TaskRequest{
		TaskID: "t1", TaskType: "general",
		Payload: proto.TaskPayload{Description: "work"},
	})

	delivered, err := e.Respond("t1", StatusFailed, nil, "could not")
	require.NoError(t, err)
	assert.False(t, delivered)

	// The local transition sticks even though the wire send was lost.
	got, _ := e.GetReceived("t1")
	assert.Equal(t, StatusFailed, got.Status)
}

func TestRespond_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var verr *ValidationError
	_, err := e.Respond("t1", "pending", nil, nil)
	require.ErrorAs(t, err, &verr, "pending is not a response status")

	_, err = e.Respond("missing", StatusCompleted, nil, nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestQueuedSnapshot(t *testing.T) {
	e, dir, _ := newTestEngine(t)
	dir.peers["online"] = "key-online"

	_, err := e.Submit(SubmitRequest{Description: "a", Target: "online"})
	require.NoError(t, err)
	_, err = e.Submit(SubmitRequest{Description: "b", Target: "offline"})
	require.NoError(t, err)

	queued := e.QueuedSnapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, "offline", queued[0].Target)
	assert.Len(t, e.SentSnapshot(), 2)
}
