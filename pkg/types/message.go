package types

import "encoding/json"

// Role is the sender of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one append-only turn in a session's persisted history,
// ordered by (SessionID, Timestamp, ID).
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Role      Role              `json:"role"`
	Content   ContentBlocks      `json:"content"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MessageError is the payload of a runtime error event when a turn
// fails.
type MessageError struct {
	Type    string `json:"type"` // "api" | "abort" | "max_steps"
	Message string `json:"message"`
}

// ContentBlock is one typed block of Message.Content on the wire.
type ContentBlock struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	Input      any    `json:"input,omitempty"`
	ToolUseID  string `json:"toolUseId,omitempty"`
	ToolResult any    `json:"content,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	Data       string `json:"data,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// ContentBlocks is either a bare string or an ordered list of
// ContentBlock on the wire; it always marshals as a list of blocks
// internally, with a single BlockText block standing in for a bare
// string.
type ContentBlocks []ContentBlock

// Text concatenates all text blocks, for callers that only want the
// plain-text rendering of a message (e.g. log lines, titles).
func (c ContentBlocks) Text() string {
	var out string
	for _, b := range c {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// MarshalJSON renders a single text block as a bare JSON string, and
// anything else as a block list.
func (c ContentBlocks) MarshalJSON() ([]byte, error) {
	if len(c) == 1 && c[0].Type == BlockText && c[0].ID == "" {
		return json.Marshal(c[0].Text)
	}
	return json.Marshal([]ContentBlock(c))
}

// UnmarshalJSON accepts either a bare string or a block list.
func (c *ContentBlocks) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ContentBlocks{{Type: BlockText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// ImageLimits bounds user-message image attachments.
const (
	MaxImagesPerMessage = 5
	MaxImageBytes       = 10 * 1024 * 1024
)

// AllowedImageMimeTypes enumerates acceptable image attachment formats.
var AllowedImageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}
