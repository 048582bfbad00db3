package event

import "github.com/aperture-ai/aperture-gateway/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionUpdatedData is the data for session.updated events.
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	Info *types.Session `json:"info"`
}

// SessionIdleData carries a session id for an idle notification. No
// EventType in this package is defined for it and nothing publishes it.
type SessionIdleData struct {
	SessionID string `json:"sessionId"`
}

// SessionErrorData carries a session id and a MessageError. No EventType
// in this package is defined for it and nothing publishes it.
type SessionErrorData struct {
	SessionID string              `json:"sessionId,omitempty"`
	Error     *types.MessageError `json:"error,omitempty"`
}

// MessageCreatedData is the data for message.created events.
type MessageCreatedData struct {
	Info *types.Message `json:"info"`
}

// SessionRuntimeEventData wraps a runtime's own outbound event for
// delivery over the gateway-wide bus, so any bus subscriber can follow
// every session without the runtime knowing about it.
type SessionRuntimeEventData struct {
	Event *types.SessionEvent `json:"event"`
}

// PermissionRequestedData is the data for permission.requested events.
type PermissionRequestedData struct {
	Permission *types.PendingPermission `json:"permission"`
}

// PermissionResolvedData is the data for permission.resolved events.
type PermissionResolvedData struct {
	SessionID  string `json:"sessionId"`
	ToolCallID string `json:"toolCallId"`
	OptionID   string `json:"optionId,omitempty"`
}
