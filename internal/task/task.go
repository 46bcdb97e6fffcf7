// Package task implements the Kizuna Task Protocol engine: the sent,
// received, and dead-letter tables, their state machines, and the retry
// scheduler the reaper drives.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kizuna-swarm/bridge/internal/proto"
)

// Status values for both sides of a delegation.
const (
	StatusPending        = "pending"
	StatusQueuedForRetry = "queued_for_retry"
	StatusAccepted       = "accepted"
	StatusInProgress     = "in_progress"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusRejected       = "rejected"
)

// Task types form a closed enum; unknown values are rejected at submit.
var taskTypes = map[string]bool{
	"general": true, "analysis": true, "code_review": true,
	"research": true, "test": true, "other": true,
}

var priorities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Validation bounds on submitted tasks.
const (
	MaxDescriptionBytes = 10_000
	MaxContextBytes     = 50_000
)

// Retry policy: delay = min(base·2^attempts, cap), at most MaxAttempts
// deliveries before a task is dead-lettered.
const (
	MaxAttempts     = 3
	backoffBaseMs   = 5_000
	backoffCapMs    = 60_000
	BroadcastTarget = "*"
	DefaultTaskType = "general"
	DefaultPriority = "medium"
)

// Backoff returns the retry delay in milliseconds after attemptCount
// delivery attempts.
func Backoff(attemptCount int) int64 {
	d := int64(backoffBaseMs)
	for i := 0; i < attemptCount; i++ {
		d *= 2
		if d >= backoffCapMs {
			return backoffCapMs
		}
	}
	if d > backoffCapMs {
		return backoffCapMs
	}
	return d
}

// IsTerminal reports whether a status admits no further transitions.
// Terminal tasks are never touched by the retry reaper.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// SentTask is one entry in the sender-side table, keyed by TaskID.
type SentTask struct {
	TaskID        string            `json:"task_id"`
	Target        string            `json:"target"`
	Status        string            `json:"status"`
	Payload       proto.TaskPayload `json:"payload"`
	TaskType      string            `json:"task_type"`
	CreatedAt     int64             `json:"createdAt"`
	Deadline      *int64            `json:"deadline"`
	Result        any               `json:"result,omitempty"`
	Error         any               `json:"error,omitempty"`
	AttemptCount  int               `json:"attemptCount"`
	LastAttemptAt int64             `json:"lastAttemptAt,omitempty"`
	NextRetryTime int64             `json:"nextRetryTime,omitempty"`
	Responder     string            `json:"responder,omitempty"`
	CompletedAt   int64             `json:"completedAt,omitempty"`
	ContextID     string            `json:"contextId,omitempty"`
	A2ASource     bool              `json:"a2aSource,omitempty"`
}

// ReceivedTask is one entry in the receiver-side table.
type ReceivedTask struct {
	TaskID      string            `json:"task_id"`
	From        string            `json:"from"`
	FromShortID string            `json:"fromShortId"`
	Status      string            `json:"status"`
	Payload     proto.TaskPayload `json:"payload"`
	TaskType    string            `json:"task_type"`
	CreatedAt   int64             `json:"createdAt"`
	Deadline    *int64            `json:"deadline"`
	Result      any               `json:"result,omitempty"`
	Error       any               `json:"error,omitempty"`
	CompletedAt int64             `json:"completedAt,omitempty"`
}

// DeadTask is a sent task promoted to the dead-letter store. The task is
// removed from the sent table on promotion; the two tables are disjoint.
type DeadTask struct {
	SentTask
	FailureReason string `json:"failureReason"`
	FailedAt      int64  `json:"failedAt"`
}

// SubmitRequest is the validated input to Engine.Submit.
type SubmitRequest struct {
	Description string `json:"description"`
	Context     any    `json:"context,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Target      string `json:"target,omitempty"`
	Deadline    *int64 `json:"deadline,omitempty"`

	// Set by the A2A gateway only.
	ContextID string `json:"-"`
	A2ASource bool   `json:"-"`
}

var (
	ErrTaskNotFound = errors.New("task: not found")
	ErrNotDead      = errors.New("task: not in dead-letter store")
)

// ValidationError marks input problems the control plane maps to HTTP 400.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return e.Reason }

func validate(req *SubmitRequest) error {
	if strings.TrimSpace(req.Description) == "" {
		return &ValidationError{"description is required"}
	}
	if len(req.Description) > MaxDescriptionBytes {
		return &ValidationError{fmt.Sprintf("description exceeds %d bytes", MaxDescriptionBytes)}
	}
	if req.Context != nil {
		b, err := json.Marshal(req.Context)
		if err != nil {
			return &ValidationError{"context is not serialisable"}
		}
		if len(b) > MaxContextBytes {
			return &ValidationError{fmt.Sprintf("context exceeds %d bytes", MaxContextBytes)}
		}
	}
	if req.TaskType == "" {
		req.TaskType = DefaultTaskType
	} else if !taskTypes[req.TaskType] {
		return &ValidationError{fmt.Sprintf("unknown task_type %q", req.TaskType)}
	}
	if req.Priority == "" {
		req.Priority = DefaultPriority
	} else if !priorities[req.Priority] {
		return &ValidationError{fmt.Sprintf("unknown priority %q", req.Priority)}
	}
	if req.Target == "" {
		req.Target = BroadcastTarget
	}
	return nil
}
