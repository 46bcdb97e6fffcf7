package httpapi

import (
	"errors"
	"net/http"

	"github.com/kizuna-swarm/bridge/internal/task"
)

func (s *Server) handleTaskRequest(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.Node.Engine.Submit(req)
	if err != nil {
		var verr *task.ValidationError
		if errors.As(err, &verr) {
			errorJSON(w, http.StatusBadRequest, verr.Reason)
			return
		}
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Queued {
		// The target is offline; the retry reaper owns delivery now.
		writeStatusJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleTaskRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
		Result any    `json:"result,omitempty"`
		Error  any    `json:"error,omitempty"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.TaskID == "" {
		errorJSON(w, http.StatusBadRequest, "task_id is required")
		return
	}
	delivered, err := s.Node.Engine.Respond(body.TaskID, body.Status, body.Result, body.Error)
	if err != nil {
		var verr *task.ValidationError
		switch {
		case errors.As(err, &verr):
			errorJSON(w, http.StatusBadRequest, verr.Reason)
		case errors.Is(err, task.ErrTaskNotFound):
			errorJSON(w, http.StatusNotFound, "task not found")
		default:
			errorJSON(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, map[string]any{
		"status":            "ok",
		"task_id":           body.TaskID,
		"sent_to_requester": delivered,
	})
}

// handleTaskStatus looks the id up across all three tables: sent first,
// then received, then dead-lettered.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if t, ok := s.Node.Engine.GetSent(id); ok {
		writeJSON(w, map[string]any{"direction": "sent", "task": t})
		return
	}
	if t, ok := s.Node.Engine.GetReceived(id); ok {
		writeJSON(w, map[string]any{"direction": "received", "task": t})
		return
	}
	if t, ok := s.Node.Engine.GetDead(id); ok {
		writeJSON(w, map[string]any{"direction": "sent", "task": t, "dead_lettered": true})
		return
	}
	errorJSON(w, http.StatusNotFound, "task not found")
}

// handleTaskRetry requeues a dead-lettered task with a fresh retry budget.
func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.Node.Engine.Requeue(id)
	if err != nil {
		if errors.Is(err, task.ErrNotDead) {
			errorJSON(w, http.StatusNotFound, "task not found in dead-letter store")
			return
		}
		errorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"task_id":    t.TaskID,
		"status":     t.Status,
		"next_retry": t.NextRetryTime,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	sent := s.Node.Engine.SentSnapshot()
	recv := s.Node.Engine.ReceivedSnapshot()
	queued := s.Node.Engine.QueuedSnapshot()
	dead := s.Node.Engine.DeadSnapshot()
	if queued == nil {
		queued = []task.SentTask{}
	}
	writeJSON(w, map[string]any{
		"sent":     map[string]any{"count": len(sent), "tasks": sent},
		"received": map[string]any{"count": len(recv), "tasks": recv},
		"queued":   map[string]any{"count": len(queued), "tasks": queued},
		"failed":   map[string]any{"count": len(dead), "tasks": dead},
	})
}

func (s *Server) handleTasksQueued(w http.ResponseWriter, _ *http.Request) {
	queued := s.Node.Engine.QueuedSnapshot()
	if queued == nil {
		queued = []task.SentTask{}
	}
	writeJSON(w, map[string]any{"count": len(queued), "tasks": queued})
}

func (s *Server) handleTasksFailed(w http.ResponseWriter, _ *http.Request) {
	dead := s.Node.Engine.DeadSnapshot()
	writeJSON(w, map[string]any{"count": len(dead), "tasks": dead})
}
