// Package protocol defines the typed message schema exchanged between
// the host and an OS-isolated worker process, and the immutable config
// snapshot echoed into each Execute message.
package protocol

// MessageType tags the variant of a Message.
type MessageType string

const (
	TypeExecute         MessageType = "Execute"
	TypeExecutionResult MessageType = "ExecutionResult"
	TypeToolCall        MessageType = "ToolCall"
	TypeToolResponse    MessageType = "ToolResponse"
	TypeReady           MessageType = "Ready"
	TypeHeartbeat       MessageType = "Heartbeat"
)

// WorkerConfig is the subset of pool config a worker needs to know
// about itself (echoed alongside every Execute so a restarted worker
// never has to ask for it separately).
type WorkerConfig struct {
	MemoryCheckIntervalMs int `json:"memoryCheckIntervalMs"`
	MaxMessageSizeBytes   int `json:"maxMessageSizeBytes"`
}

// Execute is sent host -> worker to start an execution.
type Execute struct {
	Type         MessageType            `json:"type"`
	ExecutionID  string                 `json:"executionId"`
	Code         string                 `json:"code"`
	Input        interface{}            `json:"input,omitempty"`
	Self         interface{}            `json:"self,omitempty"`
	Runtime      map[string]interface{} `json:"runtime,omitempty"`
	ToolNames    []string               `json:"toolNames,omitempty"`
	Config       WorkerConfig           `json:"config"`
}

// NewExecute builds an Execute message with its Type populated.
func NewExecute(executionID, code string, input interface{}, toolNames []string, runtime map[string]interface{}, cfg WorkerConfig) Execute {
	return Execute{
		Type:        TypeExecute,
		ExecutionID: executionID,
		Code:        code,
		Input:       input,
		Runtime:     runtime,
		ToolNames:   toolNames,
		Config:      cfg,
	}
}

// ExecutionStats accompanies a successful ExecutionResult.
type ExecutionStats struct {
	DurationMs   int64 `json:"durationMs"`
	PeakRssBytes int64 `json:"peakRssBytes"`
	HeapUsed     int64 `json:"heapUsed"`
}

// ExecutionResult is sent worker -> host exactly once per Execute.
type ExecutionResult struct {
	Type        MessageType     `json:"type"`
	ExecutionID string          `json:"executionId"`
	OK          bool            `json:"ok"`
	Value       interface{}     `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
	Stats       *ExecutionStats `json:"stats,omitempty"`
}

// ToolCall is sent worker -> host whenever sandboxed code invokes a
// named host tool.
type ToolCall struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"callId"`
	Name   string      `json:"name"`
	Args   interface{} `json:"args,omitempty"`
}

// ToolResponse is sent host -> worker in answer to exactly one ToolCall.
type ToolResponse struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"callId"`
	OK     bool        `json:"ok"`
	Value  interface{} `json:"value,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// NewToolResponse builds a successful ToolResponse.
func NewToolResponse(callID string, value interface{}) ToolResponse {
	return ToolResponse{Type: TypeToolResponse, CallID: callID, OK: true, Value: value}
}

// NewToolResponseError builds a failed ToolResponse. Handler failures
// never propagate out of the slot as anything else.
func NewToolResponseError(callID string, err error) ToolResponse {
	return ToolResponse{Type: TypeToolResponse, CallID: callID, OK: false, Error: err.Error()}
}

// Ready is sent worker -> host exactly once after startup.
type Ready struct {
	Type MessageType `json:"type"`
}

// Heartbeat is sent worker -> host periodically with resource usage.
type Heartbeat struct {
	Type         MessageType `json:"type"`
	RSS          int64       `json:"rss"`
	HeapTotal    int64       `json:"heapTotal"`
	HeapUsed     int64       `json:"heapUsed"`
	External     int64       `json:"external"`
	ArrayBuffers int64       `json:"arrayBuffers"`
}

// Envelope is the minimal shape needed to sniff a message's Type
// before unmarshaling the rest of it into a concrete struct.
type Envelope struct {
	Type MessageType `json:"type"`
}

// ResourceUsage is the latest sample recorded for a slot. The slot
// builds it from Heartbeat messages; ExecutionResult.Stats is not
// recorded as a sample.
type ResourceUsage struct {
	RSS          int64 `json:"rss"`
	HeapTotal    int64 `json:"heapTotal"`
	HeapUsed     int64 `json:"heapUsed"`
	External     int64 `json:"external"`
	ArrayBuffers int64 `json:"arrayBuffers"`
}
