// Package protocol defines the JSON message envelopes exchanged with the
// orchestrator over the gateway link. Every message is a top-level object
// with a "type" discriminator.
package protocol

import "encoding/json"

// Message types sent gateway → orchestrator.
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeTaskStarted    = "task:started"
	TypeTaskEvent      = "task:event"
	TypeTaskCompleted  = "task:completed"
	TypeTaskFailed     = "task:failed"
	TypeModelsResponse = "models:response"
	TypeMemoryResponse = "memory:response"
	TypeMemorySync     = "memory:sync"
)

// Message types received orchestrator → gateway.
const (
	TypeRegistered     = "registered"
	TypePing           = "ping"
	TypeTaskExecute    = "task:execute"
	TypeTaskAbort      = "task:abort"
	TypeTaskInput      = "task:input"
	TypeModelsRequest  = "models:request"
	TypeMemoryRequest  = "memory:request"
)

// Capabilities describes what this host can run. Immutable per process.
type Capabilities struct {
	HostName      string   `json:"hostName"`
	AgentTypes    []string `json:"agentTypes"`
	MaxConcurrent int      `json:"maxConcurrent"`
	CWD           string   `json:"cwd"`
	Labels        []string `json:"labels,omitempty"`
}

// Register is the first message on every fresh channel.
type Register struct {
	Type         string       `json:"type"`
	HostID       string       `json:"hostId"`
	Capabilities Capabilities `json:"capabilities"`
}

// Heartbeat is sent on a 30s interval and in response to every ping.
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Registered is the orchestrator's answer to Register.
type Registered struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TaskRequest is the payload of a task:execute message.
type TaskRequest struct {
	TaskID    string            `json:"taskId"`
	Prompt    string            `json:"prompt"`
	CWD       string            `json:"cwd"`
	AgentType string            `json:"agentType"`
	Model     string            `json:"model,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`

	// Memory hints carried in task metadata.
	ProjectID              string          `json:"projectId,omitempty"`
	TaskTitle              string          `json:"taskTitle,omitempty"`
	TaskDescription        string          `json:"taskDescription,omitempty"`
	MemorySettingsSnapshot json.RawMessage `json:"memorySettingsSnapshot,omitempty"`
}

// TaskExecute dispatches a task to this gateway.
type TaskExecute struct {
	Type string      `json:"type"`
	Task TaskRequest `json:"task"`
}

// TaskAbort cancels a running task.
type TaskAbort struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

// TaskInput forwards user input to a running task.
type TaskInput struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId"`
	Content string `json:"content"`
}

// AgentEvent is a single observation from a running task, streamed back as
// task:event. Timestamps are unix milliseconds and monotone per task.
type AgentEvent struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Agent event types.
const (
	EventLog        = "log"
	EventThinking   = "thinking"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventFileChange = "file_change"
	EventMessage    = "message"
	EventError      = "error"
	EventStdout     = "stdout"
	EventStderr     = "stderr"
	EventOutput     = "output"
)

// TaskResult is the terminal outcome of a task.
type TaskResult struct {
	Success      bool     `json:"success"`
	ExitCode     *int     `json:"exitCode,omitempty"`
	Output       string   `json:"output,omitempty"`
	DurationMs   int64    `json:"duration"`
	FilesChanged []string `json:"filesChanged,omitempty"`
}

// TaskStarted acknowledges acceptance of a task.
type TaskStarted struct {
	Type      string `json:"type"`
	TaskID    string `json:"taskId"`
	Timestamp int64  `json:"timestamp"`
}

// TaskEventMsg wraps one AgentEvent for the wire.
type TaskEventMsg struct {
	Type   string     `json:"type"`
	TaskID string     `json:"taskId"`
	Event  AgentEvent `json:"event"`
}

// TaskCompleted is the success terminal for a task.
type TaskCompleted struct {
	Type   string     `json:"type"`
	TaskID string     `json:"taskId"`
	Result TaskResult `json:"result"`
}

// TaskFailed is the failure terminal for a task. Details carries structured
// error context such as {"code":"CWD_NOT_ALLOWED","cwd":...}.
type TaskFailed struct {
	Type    string         `json:"type"`
	TaskID  string         `json:"taskId"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Result  *TaskResult    `json:"result,omitempty"`
}

// ModelsRequest asks the gateway to enumerate available providers.
type ModelsRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// ProviderInfo describes one model provider discovered from a child runner.
type ProviderInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Models []string `json:"models,omitempty"`
}

// ModelsResponse answers a ModelsRequest.
type ModelsResponse struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	Providers []ProviderInfo `json:"providers"`
}

// MemoryRequest carries one memory action for the memory manager.
type MemoryRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MemoryResponse answers a MemoryRequest with the same requestId.
type MemoryResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MemorySync mirrors memory items to the orchestrator-side store.
// Delivery is at-least-once; items carry ids for consumer-side dedup.
type MemorySync struct {
	Type  string `json:"type"`
	Op    string `json:"op"`
	Items any    `json:"items"`
}
