package metering

import "time"

// Outcome classifies how a tool call requested by the chat model ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"      // executed, operation succeeded
	OutcomeError   Outcome = "error"   // executed, operation failed and the error was reported to the model
	OutcomeSkipped Outcome = "skipped" // not executed because only the first call of a reply runs
	OutcomeUnknown Outcome = "unknown" // no handler for the requested name; the turn ended
)

// ToolCall is one journaled tool invocation request.
type ToolCall struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"`
	Tool         string         `json:"tool"`
	SubscriberNo string         `json:"subscriber_no"`
	Month        string         `json:"month"`
	Args         map[string]any `json:"args"`
	Outcome      Outcome        `json:"outcome"`
	Error        string         `json:"error"`
	LatencyMs    int64          `json:"latency_ms"`
	Timestamp    time.Time      `json:"timestamp"`
}
