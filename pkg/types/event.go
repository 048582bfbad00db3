package types

// SessionEventType enumerates the events a SessionRuntime publishes.
// Streaming deltas (message_chunk, thinking_delta, tool_call_delta) are
// fanned out live but are not individually persisted; the
// rest are both fanned out and written as a SessionEvent row.
type SessionEventType string

const (
	EventStatus             SessionEventType = "status"
	EventMessageChunk        SessionEventType = "message_chunk"
	EventThinkingDelta       SessionEventType = "thinking_delta"
	EventToolCallStarted     SessionEventType = "tool_call_started"
	EventToolCallDelta       SessionEventType = "tool_call_delta"
	EventToolCallCompleted   SessionEventType = "tool_call_completed"
	EventPermissionRequest   SessionEventType = "permission_request"
	EventPermissionResolved  SessionEventType = "permission_resolved"
	EventPromptComplete      SessionEventType = "prompt_complete"
	EventIdle                SessionEventType = "idle"
	EventError               SessionEventType = "error"
	EventExit                SessionEventType = "exit"
	EventSubscriberDropped   SessionEventType = "subscriber_dropped"
	EventConnected           SessionEventType = "connected"
)

// SessionEvent is one append-only, sequence-numbered record of
// everything a session's runtime emits, used for both audit (listEvents,
// descending) and reconnect replay.
type SessionEvent struct {
	Seq       int64            `json:"seq"`
	SessionID string           `json:"sessionId"`
	Type      SessionEventType `json:"type"`
	Payload   any              `json:"payload"`
	Timestamp int64            `json:"timestamp"`
}
