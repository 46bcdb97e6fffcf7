package task

import (
	"fmt"
	"sync"

	"github.com/kizuna-swarm/bridge/internal/identity"
	"github.com/kizuna-swarm/bridge/internal/proto"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kizuna:task")

// Directory is the peer presence oracle the engine consults: resolve a
// target to a live key, enumerate live peers, and write envelopes.
// The state.Table satisfies it.
type Directory interface {
	Resolve(target string) (string, bool)
	Keys() []string
	Write(key string, env proto.Envelope) error
}

// Signer produces signed envelopes for outbound frames.
type Signer interface {
	SignJSON(v any) (proto.Envelope, error)
	ShortID() string
}

// Engine owns the three task tables. Each table has its own mutex; the
// sent and dead-letter tables are disjoint by construction (promotion
// deletes from sent under sentMu before inserting under deadMu).
type Engine struct {
	dir    Directory
	signer Signer

	sentMu sync.Mutex
	sent   map[string]*SentTask

	recvMu   sync.Mutex
	received map[string]*ReceivedTask

	deadMu sync.Mutex
	dead   map[string]*DeadTask

	now func() int64 // injectable clock for tests
}

// NewEngine creates an engine bound to a peer directory and signer.
func NewEngine(dir Directory, signer Signer) *Engine {
	return &Engine{
		dir:      dir,
		signer:   signer,
		sent:     make(map[string]*SentTask),
		received: make(map[string]*ReceivedTask),
		dead:     make(map[string]*DeadTask),
		now:      proto.NowMillis,
	}
}

// SubmitResult reports the outcome of a submission.
type SubmitResult struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Target    string `json:"target"`
	SentTo    int    `json:"sent_to"`
	Queued    bool   `json:"-"`
	NextRetry int64  `json:"next_retry,omitempty"`
}

// Submit validates the request, signs a task_request envelope, and either
// delivers it to the resolved target, queues it for retry when the target
// is offline, or broadcasts it to every live peer.
func (e *Engine) Submit(req SubmitRequest) (SubmitResult, error) {
	if err := validate(&req); err != nil {
		return SubmitResult{}, err
	}

	taskID := uuid.NewString()
	now := e.now()

	t := &SentTask{
		TaskID:   taskID,
		Target:   req.Target,
		Status:   StatusPending,
		TaskType: req.TaskType,
		Payload: proto.TaskPayload{
			Description: req.Description,
			Context:     req.Context,
			Priority:    req.Priority,
		},
		CreatedAt: now,
		Deadline:  req.Deadline,
		ContextID: req.ContextID,
		A2ASource: req.A2ASource,
	}
	if t.ContextID == "" {
		t.ContextID = taskID
	}

	env, err := e.requestEnvelope(t)
	if err != nil {
		return SubmitResult{}, err
	}

	res := SubmitResult{TaskID: taskID, Target: req.Target}

	if req.Target != BroadcastTarget {
		if key, ok := e.dir.Resolve(req.Target); ok {
			if werr := e.dir.Write(key, env); werr == nil {
				t.AttemptCount = 1
				t.LastAttemptAt = now
				res.Status = "sent"
				res.SentTo = 1
			} else {
				log.Warnw("targeted send failed, queuing for retry", "task", taskID, "target", req.Target, "err", werr)
				e.queueForRetry(t, now)
				res.Status = StatusQueuedForRetry
				res.Queued = true
				res.NextRetry = t.NextRetryTime
			}
		} else {
			e.queueForRetry(t, now)
			res.Status = StatusQueuedForRetry
			res.Queued = true
			res.NextRetry = t.NextRetryTime
		}
	} else {
		sent := 0
		for _, key := range e.dir.Keys() {
			if err := e.dir.Write(key, env); err == nil {
				sent++
			}
		}
		t.AttemptCount = 1
		t.LastAttemptAt = now
		res.Status = "sent"
		res.SentTo = sent
	}

	e.sentMu.Lock()
	e.sent[taskID] = t
	e.sentMu.Unlock()

	log.Infow("task submitted", "task", taskID, "target", req.Target, "status", t.Status)
	return res, nil
}

// queueForRetry marks a freshly submitted task as awaiting its target.
// The missed initial delivery counts as attempt 1.
func (e *Engine) queueForRetry(t *SentTask, now int64) {
	t.Status = StatusQueuedForRetry
	t.AttemptCount = 1
	t.LastAttemptAt = now
	t.NextRetryTime = now + Backoff(t.AttemptCount)
}

// requestEnvelope signs the wire form of a sent task. Re-signing on retry
// reuses the original task_id so receivers can de-duplicate.
func (e *Engine) requestEnvelope(t *SentTask) (proto.Envelope, error) {
	return e.signer.SignJSON(proto.TaskRequest{
		Type:     proto.TypeTaskRequest,
		TaskID:   t.TaskID,
		TaskType: t.TaskType,
		Payload:  t.Payload,
		Deadline: t.Deadline,
		Sender:   e.signer.ShortID(),
	})
}

// HandleRequest installs an inbound task_request in the received table.
// A duplicate task_id (a retry that raced a slow first delivery) leaves
// the existing entry untouched.
func (e *Engine) HandleRequest(fromKey string, tr proto.TaskRequest) ReceivedTask {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()

	if existing, ok := e.received[tr.TaskID]; ok {
		return *existing
	}
	rt := &ReceivedTask{
		TaskID:      tr.TaskID,
		From:        fromKey,
		FromShortID: identity.ShortID(fromKey),
		Status:      StatusPending,
		Payload:     tr.Payload,
		TaskType:    tr.TaskType,
		CreatedAt:   e.now(),
		Deadline:    tr.Deadline,
	}
	e.received[tr.TaskID] = rt
	return *rt
}

// HandleResponse applies an inbound task_response to the matching live
// sent task. Unknown or already-promoted ids are ignored.
func (e *Engine) HandleResponse(tr proto.TaskResponse) bool {
	e.sentMu.Lock()
	defer e.sentMu.Unlock()

	t, ok := e.sent[tr.TaskID]
	if !ok {
		return false
	}
	t.Status = tr.Status
	t.Result = tr.Result
	t.Error = tr.Error
	t.Responder = tr.Responder
	if IsTerminal(tr.Status) {
		t.CompletedAt = e.now()
	}
	return true
}

// Respond lets the local agent transition a received task and mirrors the
// transition to the original requester over the wire. Responses are not
// retried: if the requester is gone the response is lost by design.
func (e *Engine) Respond(taskID, status string, result, errVal any) (bool, error) {
	switch status {
	case StatusAccepted, StatusRejected, StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return false, &ValidationError{fmt.Sprintf("invalid response status %q", status)}
	}

	e.recvMu.Lock()
	rt, ok := e.received[taskID]
	if !ok {
		e.recvMu.Unlock()
		return false, ErrTaskNotFound
	}
	rt.Status = status
	rt.Result = result
	rt.Error = errVal
	if IsTerminal(status) {
		rt.CompletedAt = e.now()
	}
	from := rt.From
	e.recvMu.Unlock()

	env, err := e.signer.SignJSON(proto.TaskResponse{
		Type:      proto.TypeTaskResponse,
		TaskID:    taskID,
		Status:    status,
		Result:    result,
		Error:     errVal,
		Responder: e.signer.ShortID(),
	})
	if err != nil {
		return false, err
	}
	if err := e.dir.Write(from, env); err != nil {
		log.Warnw("requester unreachable, response dropped", "task", taskID, "peer", identity.ShortID(from))
		return false, nil
	}
	return true, nil
}

// RetryTick runs one pass of the retry reaper: deadline enforcement,
// re-delivery of queued tasks whose target came back, and dead-lettering
// of tasks over budget.
func (e *Engine) RetryTick() {
	now := e.now()

	e.sentMu.Lock()
	ids := make([]string, 0, len(e.sent))
	for id := range e.sent {
		ids = append(ids, id)
	}
	e.sentMu.Unlock()

	for _, id := range ids {
		e.retryOne(id, now)
	}
}

func (e *Engine) retryOne(id string, now int64) {
	e.sentMu.Lock()
	t, ok := e.sent[id]
	if !ok || IsTerminal(t.Status) {
		e.sentMu.Unlock()
		return
	}

	if t.Deadline != nil && *t.Deadline < now {
		delete(e.sent, id)
		e.sentMu.Unlock()
		e.deadLetter(t, "Deadline exceeded", now)
		return
	}

	if t.Status != StatusQueuedForRetry || t.NextRetryTime > now {
		e.sentMu.Unlock()
		return
	}
	snapshot := *t
	e.sentMu.Unlock()

	// Deliver outside the lock: a peer draining its stream slowly must not
	// stall every other table user behind the reaper's write.
	delivered := false
	if key, ok := e.dir.Resolve(snapshot.Target); ok {
		env, err := e.requestEnvelope(&snapshot)
		if err == nil && e.dir.Write(key, env) == nil {
			delivered = true
		}
	}

	e.sentMu.Lock()
	t, ok = e.sent[id]
	if !ok || t.Status != StatusQueuedForRetry {
		// Responded to or dead-lettered while the write was in flight.
		e.sentMu.Unlock()
		return
	}

	if delivered {
		t.Status = StatusPending
		t.LastAttemptAt = now
		t.NextRetryTime = 0
		e.sentMu.Unlock()
		log.Infow("retried task delivered", "task", id, "target", t.Target)
		return
	}

	if t.AttemptCount >= MaxAttempts {
		delete(e.sent, id)
		e.sentMu.Unlock()
		e.deadLetter(t, fmt.Sprintf("Peer offline after %d attempts", t.AttemptCount), now)
		return
	}

	t.AttemptCount++
	t.NextRetryTime = now + Backoff(t.AttemptCount)
	e.sentMu.Unlock()
}

// deadLetter inserts a task (already removed from the sent table) into the
// dead-letter store with terminal failed status.
func (e *Engine) deadLetter(t *SentTask, reason string, now int64) {
	t.Status = StatusFailed
	dt := &DeadTask{SentTask: *t, FailureReason: reason, FailedAt: now}

	e.deadMu.Lock()
	e.dead[t.TaskID] = dt
	e.deadMu.Unlock()

	log.Warnw("task dead-lettered", "task", t.TaskID, "reason", reason)
}

// Requeue promotes a dead-lettered task back into the sent table with a
// reset retry budget, due immediately.
func (e *Engine) Requeue(taskID string) (SentTask, error) {
	e.deadMu.Lock()
	dt, ok := e.dead[taskID]
	if !ok {
		e.deadMu.Unlock()
		return SentTask{}, ErrNotDead
	}
	delete(e.dead, taskID)
	e.deadMu.Unlock()

	t := dt.SentTask
	t.Status = StatusQueuedForRetry
	t.AttemptCount = 0
	t.NextRetryTime = e.now()
	t.Result = nil
	t.Error = nil

	e.sentMu.Lock()
	e.sent[taskID] = &t
	e.sentMu.Unlock()

	log.Infow("task requeued from dead-letter", "task", taskID)
	return t, nil
}

// GetSent returns a copy of one sent task.
func (e *Engine) GetSent(taskID string) (SentTask, bool) {
	e.sentMu.Lock()
	defer e.sentMu.Unlock()
	t, ok := e.sent[taskID]
	if !ok {
		return SentTask{}, false
	}
	return *t, true
}

// GetReceived returns a copy of one received task.
func (e *Engine) GetReceived(taskID string) (ReceivedTask, bool) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	t, ok := e.received[taskID]
	if !ok {
		return ReceivedTask{}, false
	}
	return *t, true
}

// GetDead returns a copy of one dead-lettered task.
func (e *Engine) GetDead(taskID string) (DeadTask, bool) {
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	t, ok := e.dead[taskID]
	if !ok {
		return DeadTask{}, false
	}
	return *t, true
}

// SentSnapshot copies the sent table.
func (e *Engine) SentSnapshot() []SentTask {
	e.sentMu.Lock()
	defer e.sentMu.Unlock()
	out := make([]SentTask, 0, len(e.sent))
	for _, t := range e.sent {
		out = append(out, *t)
	}
	return out
}

// QueuedSnapshot copies the sent tasks currently awaiting retry.
func (e *Engine) QueuedSnapshot() []SentTask {
	e.sentMu.Lock()
	defer e.sentMu.Unlock()
	var out []SentTask
	for _, t := range e.sent {
		if t.Status == StatusQueuedForRetry {
			out = append(out, *t)
		}
	}
	return out
}

// ReceivedSnapshot copies the received table.
func (e *Engine) ReceivedSnapshot() []ReceivedTask {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	out := make([]ReceivedTask, 0, len(e.received))
	for _, t := range e.received {
		out = append(out, *t)
	}
	return out
}

// DeadSnapshot copies the dead-letter store.
func (e *Engine) DeadSnapshot() []DeadTask {
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	out := make([]DeadTask, 0, len(e.dead))
	for _, t := range e.dead {
		out = append(out, *t)
	}
	return out
}
