package a2a

import (
	"fmt"
	"time"

	"github.com/kizuna-swarm/bridge/internal/task"
)

// Directions recorded in projected task metadata.
const (
	directionSent     = "sent"
	directionReceived = "received"
	directionFailed   = "failed"
)

// projectState maps an engine status onto the A2A state machine. Queued,
// accepted, and in-progress tasks are all "working" from the caller's
// point of view; terminal states pass through.
func projectState(status string) string {
	switch status {
	case task.StatusPending:
		return StateSubmitted
	case task.StatusQueuedForRetry, task.StatusAccepted, task.StatusInProgress:
		return StateWorking
	case task.StatusCompleted:
		return StateCompleted
	case task.StatusRejected:
		return StateRejected
	default:
		return StateFailed
	}
}

func isoMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// projectCommon builds the parts of the projection shared by all three
// directions.
func projectCommon(id, contextID, status, description string, createdAt, completedAt int64, deadline *int64, result, errVal any, direction, historyRole string) Task {
	if contextID == "" {
		contextID = id
	}

	t := Task{
		ID:        id,
		ContextID: contextID,
		Kind:      "task",
		Status: TaskStatus{
			State:     projectState(status),
			Timestamp: isoMillis(createdAt),
		},
		Metadata: map[string]any{
			"direction": direction,
			"ktpStatus": status,
			"createdAt": createdAt,
		},
	}
	if completedAt != 0 {
		t.Metadata["completedAt"] = completedAt
	}
	if deadline != nil {
		t.Metadata["deadline"] = *deadline
	}

	if errVal != nil {
		t.Status.Message = textMessage("agent", fmt.Sprint(errVal))
	}
	if result != nil {
		t.Artifacts = []Artifact{artifactFrom(id, result)}
	}
	if description != "" {
		t.History = []Message{*textMessage(historyRole, description)}
	}
	return t
}

// ProjectSent projects a sender-side task.
func ProjectSent(t task.SentTask) Task {
	out := projectCommon(t.TaskID, t.ContextID, t.Status, t.Payload.Description,
		t.CreatedAt, t.CompletedAt, t.Deadline, t.Result, t.Error,
		directionSent, "user")
	out.Metadata["target"] = t.Target
	out.Metadata["taskType"] = t.TaskType
	return out
}

// ProjectReceived projects a receiver-side task.
func ProjectReceived(t task.ReceivedTask) Task {
	out := projectCommon(t.TaskID, "", t.Status, t.Payload.Description,
		t.CreatedAt, t.CompletedAt, t.Deadline, t.Result, t.Error,
		directionReceived, "assistant")
	out.Metadata["from"] = t.FromShortID
	out.Metadata["taskType"] = t.TaskType
	return out
}

// ProjectDead projects a dead-lettered task; the failure reason becomes the
// status message.
func ProjectDead(t task.DeadTask) Task {
	errVal := t.Error
	if errVal == nil {
		errVal = t.FailureReason
	}
	out := projectCommon(t.TaskID, t.ContextID, t.Status, t.Payload.Description,
		t.CreatedAt, t.CompletedAt, t.Deadline, t.Result, errVal,
		directionFailed, "user")
	out.Metadata["target"] = t.Target
	out.Metadata["taskType"] = t.TaskType
	out.Metadata["failureReason"] = t.FailureReason
	out.Metadata["failedAt"] = t.FailedAt
	return out
}

func textMessage(role, text string) *Message {
	return &Message{
		Role:  role,
		Parts: []Part{{Kind: "text", Text: text}},
		Kind:  "message",
	}
}

// artifactFrom wraps a task result: a text part when the result is a plain
// string, a data part for anything structured.
func artifactFrom(taskID string, result any) Artifact {
	a := Artifact{ArtifactID: taskID + "-result", Name: "result"}
	if s, ok := result.(string); ok {
		a.Parts = []Part{{Kind: "text", Text: s}}
	} else {
		a.Parts = []Part{{Kind: "data", Data: result}}
	}
	return a
}
