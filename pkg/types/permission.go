package types

// PermissionOption is one of the choices an agent backend offers when it
// asks for tool-call approval (e.g. allow_once, allow_always, deny).
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Label    string `json:"label,omitempty"`
}

// PendingPermission is keyed by (SessionID, ToolCallID) and has an
// exactly-once lifecycle: created when the backend asks, removed when
// the client answers or the backend cancels.
type PendingPermission struct {
	SessionID  string             `json:"sessionId"`
	ToolCallID string             `json:"toolCallId"`
	ToolName   string             `json:"toolName"`
	Title      string             `json:"title"`
	Options    []PermissionOption `json:"options"`
	CreatedAt  int64              `json:"createdAt"`
}
