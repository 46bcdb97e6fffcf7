// Package proto defines the peer wire format: one JSON object per
// newline-delimited frame. Two shapes are recognised — the unsigned
// heartbeat {"type":"ping"} and the signed Envelope whose Content string
// parses to one of the inner message types below.
package proto

import "time"

const (
	// StreamProtoID is the libp2p stream protocol peers speak to each other.
	StreamProtoID = "/kizuna/bridge/1.0.0"

	// TopicPrefix namespaces the gossipsub presence topics. The suffix is
	// the hex topic hash, so public and private joins of the same name
	// rendezvous on different pubsub topics.
	TopicPrefix = "kizuna.topic."

	// DefaultTopic is auto-joined on boot and can never be left.
	DefaultTopic = "kizuna-default"

	// MaxFrameBytes caps a single inbound frame.
	MaxFrameBytes = 1 << 20
)

// Inner message types carried inside a signed envelope.
const (
	TypePing         = "ping"
	TypeHandshake    = "handshake"
	TypeTaskRequest  = "task_request"
	TypeTaskResponse = "task_response"
)

// Envelope is the signed frame. Signature is Ed25519 over the UTF-8 bytes
// of Content exactly as transmitted; verifiers must not re-serialise it.
type Envelope struct {
	Content   string `json:"content"`
	SenderKey string `json:"senderKey"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// Frame is the minimal decode target for an inbound buffer: enough to tell
// a bare ping from a signed envelope without committing to an inner shape.
type Frame struct {
	Type      string `json:"type,omitempty"`
	Content   string `json:"content,omitempty"`
	SenderKey string `json:"senderKey,omitempty"`
	Signature string `json:"signature,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// IsPing reports whether the frame is an unsigned heartbeat.
func (f *Frame) IsPing() bool { return f.Type == TypePing && f.Signature == "" }

// IsEnvelope reports whether the frame carries a signature to verify.
func (f *Frame) IsEnvelope() bool { return f.Signature != "" && f.SenderKey != "" }

// Envelope converts a frame back to its envelope form.
func (f *Frame) Envelope() Envelope {
	return Envelope{Content: f.Content, SenderKey: f.SenderKey, Signature: f.Signature, Timestamp: f.Timestamp}
}

// Manifest is a peer's self-declared capabilities, exchanged on handshake
// and re-broadcast whenever it changes locally.
type Manifest struct {
	Role    string         `json:"role"`
	Skills  []string       `json:"skills"`
	AgentID string         `json:"agent_id"`
	Specs   map[string]any `json:"specs,omitempty"`
}

// Inner is the dispatch header of an envelope's Content.
type Inner struct {
	Type string `json:"type"`
}

// Handshake announces the sender's manifest.
type Handshake struct {
	Type     string   `json:"type"` // TypeHandshake
	Manifest Manifest `json:"manifest"`
}

// TaskPayload is the user-supplied body of a task request.
type TaskPayload struct {
	Description string `json:"description"`
	Context     any    `json:"context,omitempty"`
	Priority    string `json:"priority"`
}

// TaskRequest delegates a task to the receiving peer.
type TaskRequest struct {
	Type     string      `json:"type"` // TypeTaskRequest
	TaskID   string      `json:"task_id"`
	TaskType string      `json:"task_type"`
	Payload  TaskPayload `json:"payload"`
	Deadline *int64      `json:"deadline"`
	Sender   string      `json:"sender"` // sender short id
}

// TaskResponse reports a state transition for a previously received task.
type TaskResponse struct {
	Type      string `json:"type"` // TypeTaskResponse
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Result    any    `json:"result"`
	Error     any    `json:"error"`
	Responder string `json:"responder"` // responder short id
}

// PingFrame is the heartbeat written every session.HeartbeatInterval.
type PingFrame struct {
	Type string `json:"type"` // TypePing
}

func NowMillis() int64 { return time.Now().UnixMilli() }
