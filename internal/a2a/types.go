// Package a2a is the JSON-RPC 2.0 gateway: it projects the task engine's
// tables onto the A2A task schema and serves the well-known agent card, so
// external A2A clients can delegate work to the swarm without speaking the
// peer wire protocol.
package a2a

import "encoding/json"

// Supported JSON-RPC methods.
const (
	MethodSendMessage = "message/send"
	MethodGetTask     = "tasks/get"
	MethodListTasks   = "tasks/list"
)

// SupportedMethods is advertised in method-not-found errors.
var SupportedMethods = []string{MethodSendMessage, MethodGetTask, MethodListTasks}

// JSON-RPC error codes.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeTaskNotFound      = -32001
	CodeTaskNotCancelable = -32002
	CodeUnsupportedOp     = -32003
)

// JSONRPCRequest is an incoming call.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the reply envelope.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError carries a failure.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Task states in the A2A schema.
const (
	StateSubmitted = "submitted"
	StateWorking   = "working"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateRejected  = "rejected"
)

// Part is one piece of a message or artifact: a text part or a data part.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Message is an A2A message.
type Message struct {
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	MessageID string         `json:"messageId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is the state block of a projected task.
type TaskStatus struct {
	State     string   `json:"state"`
	Timestamp string   `json:"timestamp,omitempty"`
	Message   *Message `json:"message,omitempty"`
}

// Artifact is a produced output attached to a task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Task is the A2A projection of one delegation.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Kind      string         `json:"kind"`
}

// SendMessageParams are the params of message/send.
type SendMessageParams struct {
	Message Message `json:"message"`
	Target  string  `json:"target,omitempty"`
}

// GetTaskParams are the params of tasks/get.
type GetTaskParams struct {
	ID string `json:"id"`
}

// ListTasksParams are the params of tasks/list.
type ListTasksParams struct {
	State     string `json:"state,omitempty"`
	ContextID string `json:"contextId,omitempty"`
}
