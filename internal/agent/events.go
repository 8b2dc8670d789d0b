package agent

import "time"

// EventType enumerates the progress event vocabulary shared by both delivery
// modes (live stream and buffered sync).
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventResponse   EventType = "response"
	EventError      EventType = "error"
	EventComplete   EventType = "complete"
)

// Event is an ephemeral progress notification for one job. Events are not
// persisted individually; only their aggregate shows up in job stats.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Step      int            `json:"step"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// EmitFunc receives progress events in emission order. A nil EmitFunc is
// allowed and means "nobody is watching".
type EmitFunc func(Event)

func newEvent(typ EventType, step int, message string, data map[string]any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Step:      step,
		Message:   message,
		Data:      data,
	}
}

// Stats aggregates what the loop did. LimitReached distinguishes "agent ran
// out of budget" from "agent finished".
type Stats struct {
	Iterations   int   `json:"iterations"`
	ToolCalls    int   `json:"toolCalls"`
	DurationMs   int64 `json:"durationMs"`
	LimitReached bool  `json:"limitReached,omitempty"`
}
