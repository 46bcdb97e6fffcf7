package a2a

import (
	"testing"

	"github.com/kizuna-swarm/bridge/internal/proto"
	"github.com/kizuna-swarm/bridge/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectState(t *testing.T) {
	cases := map[string]string{
		task.StatusPending:        StateSubmitted,
		task.StatusQueuedForRetry: StateWorking,
		task.StatusAccepted:       StateWorking,
		task.StatusInProgress:     StateWorking,
		task.StatusCompleted:      StateCompleted,
		task.StatusFailed:         StateFailed,
		task.StatusRejected:       StateRejected,
	}
	for status, want := range cases {
		assert.Equal(t, want, projectState(status), status)
	}
}

func TestProjectSent_StringResultBecomesTextArtifact(t *testing.T) {
	projected := ProjectSent(task.SentTask{
		TaskID:      "t-1",
		Target:      "worker-1",
		Status:      task.StatusCompleted,
		TaskType:    "analysis",
		Payload:     proto.TaskPayload{Description: "crunch the numbers"},
		CreatedAt:   1000,
		CompletedAt: 2000,
		Result:      "42",
	})

	assert.Equal(t, StateCompleted, projected.Status.State)
	assert.Equal(t, "worker-1", projected.Metadata["target"])
	assert.Equal(t, "analysis", projected.Metadata["taskType"])
	assert.EqualValues(t, 2000, projected.Metadata["completedAt"])

	require.Len(t, projected.Artifacts, 1)
	assert.Equal(t, "t-1-result", projected.Artifacts[0].ArtifactID)
	require.Len(t, projected.Artifacts[0].Parts, 1)
	assert.Equal(t, "text", projected.Artifacts[0].Parts[0].Kind)
	assert.Equal(t, "42", projected.Artifacts[0].Parts[0].Text)
}

func TestProjectSent_StructuredResultBecomesDataPart(t *testing.T) {
	projected := ProjectSent(task.SentTask{
		TaskID:    "t-2",
		Status:    task.StatusCompleted,
		Payload:   proto.TaskPayload{Description: "d"},
		CreatedAt: 1000,
		Result:    map[string]any{"lines": 12},
	})

	require.Len(t, projected.Artifacts, 1)
	part := projected.Artifacts[0].Parts[0]
	assert.Equal(t, "data", part.Kind)
	assert.NotNil(t, part.Data)
}

func TestProjectReceived_HistoryRoleIsAssistant(t *testing.T) {
	projected := ProjectReceived(task.ReceivedTask{
		TaskID:      "t-3",
		FromShortID: "aabbccdd",
		Status:      task.StatusInProgress,
		Payload:     proto.TaskPayload{Description: "incoming work"},
		CreatedAt:   1000,
	})

	assert.Equal(t, StateWorking, projected.Status.State)
	assert.Equal(t, "received", projected.Metadata["direction"])
	assert.Equal(t, "aabbccdd", projected.Metadata["from"])
	require.Len(t, projected.History, 1)
	assert.Equal(t, "assistant", projected.History[0].Role)
}

func TestProjectDead_FailureReasonBecomesStatusMessage(t *testing.T) {
	projected := ProjectDead(task.DeadTask{
		SentTask: task.SentTask{
			TaskID:    "t-4",
			Target:    "deadbeef",
			Status:    task.StatusFailed,
			Payload:   proto.TaskPayload{Description: "never delivered"},
			CreatedAt: 1000,
		},
		FailureReason: "Peer offline after 3 attempts",
		FailedAt:      5000,
	})

	assert.Equal(t, StateFailed, projected.Status.State)
	assert.Equal(t, "failed", projected.Metadata["direction"])
	assert.Equal(t, "Peer offline after 3 attempts", projected.Metadata["failureReason"])
	assert.EqualValues(t, 5000, projected.Metadata["failedAt"])
	require.NotNil(t, projected.Status.Message)
	assert.Equal(t, "Peer offline after 3 attempts", projected.Status.Message.Parts[0].Text)
}
