package a2a

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/kizuna-swarm/bridge/internal/auth"
	"github.com/kizuna-swarm/bridge/internal/bridge"
	"github.com/kizuna-swarm/bridge/internal/task"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kizuna:a2a")

const (
	cardPath = "/.well-known/agent-card.json"
	rpcPath  = "/a2a/v1"
)

// Gateway serves the A2A surface on top of a running node.
type Gateway struct {
	Node   *bridge.Node
	APIKey string
}

// Register mounts the agent card and the JSON-RPC endpoint. The card is
// always public; the RPC endpoint requires a bearer token when an API key
// is configured.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+cardPath, g.handleCard)
	mux.HandleFunc("POST "+rpcPath, g.handleRPC)
}

func (g *Gateway) handleCard(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.buildCard(scheme + "://" + r.Host))
}

func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	if g.APIKey != "" && !auth.BearerOK(r, g.APIKey) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing or invalid bearer token"})
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeRPCError(w, nil, CodeParseError, "Parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, req.ID, CodeInvalidRequest, "Invalid request", nil)
		return
	}

	switch req.Method {
	case MethodSendMessage:
		g.handleSendMessage(w, &req)
	case MethodGetTask:
		g.handleGetTask(w, &req)
	case MethodListTasks:
		g.handleListTasks(w, &req)
	case "tasks/cancel":
		writeRPCError(w, req.ID, CodeTaskNotCancelable, "Tasks cannot be canceled once delegated", nil)
	case "message/stream", "tasks/resubscribe",
		"tasks/pushNotificationConfig/set", "tasks/pushNotificationConfig/get":
		writeRPCError(w, req.ID, CodeUnsupportedOp, "Unsupported operation", nil)
	default:
		writeRPCError(w, req.ID, CodeMethodNotFound, "Method not found",
			map[string]any{"supported": SupportedMethods})
	}
}

// handleSendMessage turns an A2A message into a task delegation. Text parts
// concatenate into the description; the full message rides along as opaque
// context for the receiving agent.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, req *JSONRPCRequest) {
	var params SendMessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, CodeInvalidParams, "Invalid params", nil)
		return
	}
	if len(params.Message.Parts) == 0 {
		writeRPCError(w, req.ID, CodeInvalidParams, "message.parts must not be empty", nil)
		return
	}

	var texts []string
	for _, p := range params.Message.Parts {
		if p.Kind == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		writeRPCError(w, req.ID, CodeInvalidParams, "message has no text parts", nil)
		return
	}

	res, err := g.Node.Engine.Submit(task.SubmitRequest{
		Description: strings.Join(texts, "\n"),
		Context:     map[string]any{"a2a_message": params.Message},
		Target:      params.Target,
		ContextID:   params.Message.ContextID,
		A2ASource:   true,
	})
	if err != nil {
		var verr *task.ValidationError
		if errors.As(err, &verr) {
			writeRPCError(w, req.ID, CodeInvalidParams, verr.Reason, nil)
			return
		}
		writeRPCError(w, req.ID, CodeInternalError, err.Error(), nil)
		return
	}

	t, _ := g.Node.Engine.GetSent(res.TaskID)
	log.Infow("a2a task created", "task", res.TaskID, "target", res.Target)
	writeRPCResult(w, req.ID, map[string]any{"task": ProjectSent(t)})
}

// handleGetTask resolves an id across the sent, received, and dead-letter
// tables, in that order.
func (g *Gateway) handleGetTask(w http.ResponseWriter, req *JSONRPCRequest) {
	var params GetTaskParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		writeRPCError(w, req.ID, CodeInvalidParams, "Invalid params: id is required", nil)
		return
	}

	if t, ok := g.Node.Engine.GetSent(params.ID); ok {
		writeRPCResult(w, req.ID, map[string]any{"task": ProjectSent(t)})
		return
	}
	if t, ok := g.Node.Engine.GetReceived(params.ID); ok {
		writeRPCResult(w, req.ID, map[string]any{"task": ProjectReceived(t)})
		return
	}
	if t, ok := g.Node.Engine.GetDead(params.ID); ok {
		writeRPCResult(w, req.ID, map[string]any{"task": ProjectDead(t)})
		return
	}
	writeRPCError(w, req.ID, CodeTaskNotFound, "Task not found: "+params.ID, nil)
}

// handleListTasks merges all three tables newest first, optionally filtered
// by projected state and/or context id.
func (g *Gateway) handleListTasks(w http.ResponseWriter, req *JSONRPCRequest) {
	var params ListTasksParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, CodeInvalidParams, "Invalid params", nil)
			return
		}
	}

	tasks := []Task{}
	for _, t := range g.Node.Engine.SentSnapshot() {
		tasks = append(tasks, ProjectSent(t))
	}
	for _, t := range g.Node.Engine.ReceivedSnapshot() {
		tasks = append(tasks, ProjectReceived(t))
	}
	for _, t := range g.Node.Engine.DeadSnapshot() {
		tasks = append(tasks, ProjectDead(t))
	}

	sort.Slice(tasks, func(i, j int) bool {
		ci, _ := tasks[i].Metadata["createdAt"].(int64)
		cj, _ := tasks[j].Metadata["createdAt"].(int64)
		return ci > cj
	})

	filtered := tasks[:0]
	for _, t := range tasks {
		if params.State != "" && t.Status.State != params.State {
			continue
		}
		if params.ContextID != "" && t.ContextID != params.ContextID {
			continue
		}
		filtered = append(filtered, t)
	}

	writeRPCResult(w, req.ID, map[string]any{"tasks": filtered})
}

func writeRPCResult(w http.ResponseWriter, id, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id any, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: msg, Data: data},
	})
}
