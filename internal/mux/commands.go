package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aperture-ai/aperture-gateway/internal/backend"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// commandHandler processes one inbound frame whose envelope type
// matched its table key. raw is the full frame for per-command param
// decoding.
type commandHandler func(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError)

// commandTable is the inbound tagged-union dispatch: one handler
// per inbound command type; the unmatched case yields a framed
// unknown-command error in the read loop.
var commandTable map[string]commandHandler

func init() {
	commandTable = map[string]commandHandler{
		"user_message":           handleUserMessage,
		"permission_response":    handlePermissionResponse,
		"cancel":                 handleCancel,
		"interrupt":              handleInterrupt,
		"set_permission_mode":    handleSetPermissionMode,
		"set_model":              handleSetModel,
		"set_thinking_tokens":    handleSetThinkingTokens,
		"rewind_files":           handleRewindFiles,
		"get_mcp_status":         handleGetMCPStatus,
		"set_mcp_servers":        handleSetMCPServers,
		"get_account_info":       handleGetAccountInfo,
		"get_supported_models":   handleGetSupportedModels,
		"get_supported_commands": handleGetSupportedCommands,
		"update_config":          handleUpdateConfig,

		"pi_steer":              piOnly(handlePiSteer),
		"pi_follow_up":          piOnly(handlePiFollowUp),
		"pi_compact":            piOnly(handlePiCompact),
		"pi_fork":               piOnly(handlePiFork),
		"pi_navigate":           piOnly(handlePiNavigate),
		"pi_set_model":          piOnly(handleSetModel),
		"pi_cycle_model":        piOnly(handlePiCycleModel),
		"pi_set_thinking_level": piOnly(handlePiSetThinkingLevel),
		"pi_cycle_thinking":     piOnly(handlePiCycleThinking),
		"pi_new_session":        piOnly(handlePiNewSession),
		"pi_get_tree":           piOnly(handlePiGetTree),
		"pi_get_forkable":       piOnly(handlePiGetForkable),
		"pi_get_stats":          piOnly(handlePiGetStats),
		"pi_get_models":         piOnly(handlePiGetModels),
	}
}

// piOnly guards the Pi command family: any of them on a claude_sdk
// session is a framed unsupported error, the connection unaffected.
func piOnly(h commandHandler) commandHandler {
	return func(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
		if c.sess.Agent != types.AgentPiSDK {
			return nil, &wsError{Code: codeUnsupported, Message: "command is only available on pi_sdk sessions"}
		}
		return h(ctx, c, raw)
	}
}

func decodeParams(raw json.RawMessage, into any, what string) *wsError {
	if err := json.Unmarshal(raw, into); err != nil {
		return &wsError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid %s frame: %v", what, err)}
	}
	return nil
}

// --- Core commands ---

type userMessageParams struct {
	Content string               `json:"content"`
	Images  []types.ContentBlock `json:"images,omitempty"`
	Model   string               `json:"model,omitempty"`
}

func handleUserMessage(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p userMessageParams
	if err := decodeParams(raw, &p, "user_message"); err != nil {
		return nil, err
	}
	if p.Content == "" && len(p.Images) == 0 {
		return nil, &wsError{Code: codeInvalidParams, Message: "user_message requires content or images"}
	}
	if wsErr := validateImages(p.Images); wsErr != nil {
		return nil, wsErr
	}

	err := c.rt.SendPrompt(ctx, p.Content, p.Images, backend.PromptOptions{Model: p.Model})
	if wsErr := translateRuntimeError(err); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"accepted": true}, nil
}

func validateImages(images []types.ContentBlock) *wsError {
	if len(images) > types.MaxImagesPerMessage {
		return &wsError{Code: codeInvalidParams, Message: fmt.Sprintf("at most %d images per message", types.MaxImagesPerMessage)}
	}
	for _, img := range images {
		if img.Type != types.BlockImage {
			return &wsError{Code: codeInvalidParams, Message: "images must be image blocks"}
		}
		if !types.AllowedImageMimeTypes[img.MimeType] {
			return &wsError{Code: codeInvalidParams, Message: fmt.Sprintf("unsupported image mime type %q", img.MimeType)}
		}
		// Base64 length bounds the decoded size without decoding.
		if len(img.Data)/4*3 > types.MaxImageBytes {
			return &wsError{Code: codeInvalidParams, Message: "image exceeds the 10 MiB limit"}
		}
	}
	return nil
}

type permissionResponseParams struct {
	ToolCallID string         `json:"toolCallId"`
	OptionID   string         `json:"optionId,omitempty"`
	Answers    map[string]any `json:"answers,omitempty"`
}

func handlePermissionResponse(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p permissionResponseParams
	if err := decodeParams(raw, &p, "permission_response"); err != nil {
		return nil, err
	}
	if p.ToolCallID == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "toolCallId is required"}
	}
	err := c.rt.RespondToPermission(ctx, p.ToolCallID, p.OptionID, p.Answers)
	if wsErr := translateRuntimeError(err); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"resolved": true}, nil
}

func handleCancel(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	if wsErr := translateRuntimeError(c.rt.CancelPrompt(ctx)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"cancelled": true}, nil
}

func handleInterrupt(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	if wsErr := translateRuntimeError(c.rt.Interrupt(ctx)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"interrupted": true}, nil
}

type setPermissionModeParams struct {
	Mode string `json:"mode"`
}

func handleSetPermissionMode(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p setPermissionModeParams
	if err := decodeParams(raw, &p, "set_permission_mode"); err != nil {
		return nil, err
	}
	if p.Mode == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "mode is required"}
	}
	if wsErr := translateRuntimeError(c.rt.SetPermissionMode(ctx, p.Mode)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"permissionMode": p.Mode}, nil
}

type setModelParams struct {
	Model string `json:"model"`
}

func handleSetModel(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p setModelParams
	if err := decodeParams(raw, &p, "set_model"); err != nil {
		return nil, err
	}
	if p.Model == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "model is required"}
	}
	if wsErr := translateRuntimeError(c.rt.SetModel(ctx, p.Model)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"model": p.Model}, nil
}

type setThinkingTokensParams struct {
	Tokens int `json:"tokens"`
}

func handleSetThinkingTokens(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p setThinkingTokensParams
	if err := decodeParams(raw, &p, "set_thinking_tokens"); err != nil {
		return nil, err
	}
	if p.Tokens < 0 {
		return nil, &wsError{Code: codeInvalidParams, Message: "tokens must be non-negative"}
	}
	if wsErr := translateRuntimeError(c.rt.SetMaxThinkingTokens(ctx, p.Tokens)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"maxThinkingTokens": p.Tokens}, nil
}

func handleRewindFiles(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	if c.sess.WorktreePath == "" {
		return nil, &wsError{Code: codeUnsupported, Message: "session has no isolated worktree to rewind"}
	}
	if err := c.server.worktree.Reset(c.sess.WorktreePath); err != nil {
		return nil, &wsError{Code: codeInternalError, Message: err.Error()}
	}
	return map[string]any{"rewound": true, "worktreePath": c.sess.WorktreePath}, nil
}

func handleGetMCPStatus(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	c.mcpMu.Lock()
	defer c.mcpMu.Unlock()
	servers := make(map[string]any, len(c.mcpServers))
	for k, v := range c.mcpServers {
		servers[k] = v
	}
	return map[string]any{"servers": servers}, nil
}

type setMCPServersParams struct {
	Servers map[string]any `json:"servers"`
}

func handleSetMCPServers(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p setMCPServersParams
	if err := decodeParams(raw, &p, "set_mcp_servers"); err != nil {
		return nil, err
	}
	c.mcpMu.Lock()
	c.mcpServers = p.Servers
	if c.mcpServers == nil {
		c.mcpServers = make(map[string]any)
	}
	count := len(c.mcpServers)
	c.mcpMu.Unlock()
	return map[string]any{"servers": count}, nil
}

func handleGetAccountInfo(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	return map[string]any{
		"agent":       c.sess.Agent,
		"provider":    c.sess.Auth.ProviderKey,
		"authMode":    c.sess.Auth.Mode,
		"workspaceId": c.sess.WorkspaceID,
	}, nil
}

// Model catalogs surfaced by get_supported_models / pi_get_models.
var claudeModels = []string{
	"claude-opus-4-20250514",
	"claude-sonnet-4-20250514",
	"claude-3-5-haiku-20241022",
}

var piModels = map[types.ProviderKey][]string{
	types.ProviderAnthropic:  claudeModels,
	types.ProviderOpenAI:     {"gpt-4o", "gpt-4o-mini", "o3-mini"},
	types.ProviderGoogle:     {"gemini-2.0-flash", "gemini-1.5-pro"},
	types.ProviderGroq:       {"llama-3.3-70b-versatile", "mixtral-8x7b-32768"},
	types.ProviderOpenRouter: {"anthropic/claude-sonnet-4", "openai/gpt-4o"},
}

func handleGetSupportedModels(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	if c.sess.Agent == types.AgentPiSDK {
		return map[string]any{"models": piModels[c.sess.Auth.ProviderKey]}, nil
	}
	return map[string]any{"models": claudeModels}, nil
}

func handleGetSupportedCommands(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	commands := make([]string, 0, len(commandTable))
	for name := range commandTable {
		commands = append(commands, name)
	}
	sort.Strings(commands)
	return map[string]any{"commands": commands}, nil
}

type updateConfigParams struct {
	Model             string `json:"model,omitempty"`
	PermissionMode    string `json:"permissionMode,omitempty"`
	MaxThinkingTokens *int   `json:"maxThinkingTokens,omitempty"`
}

func handleUpdateConfig(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p updateConfigParams
	if err := decodeParams(raw, &p, "update_config"); err != nil {
		return nil, err
	}

	var updated []string
	if p.Model != "" {
		if wsErr := translateRuntimeError(c.rt.SetModel(ctx, p.Model)); wsErr != nil {
			return nil, wsErr
		}
		updated = append(updated, "model")
	}
	if p.PermissionMode != "" {
		if wsErr := translateRuntimeError(c.rt.SetPermissionMode(ctx, p.PermissionMode)); wsErr != nil {
			return nil, wsErr
		}
		updated = append(updated, "permissionMode")
	}
	if p.MaxThinkingTokens != nil {
		if wsErr := translateRuntimeError(c.rt.SetMaxThinkingTokens(ctx, *p.MaxThinkingTokens)); wsErr != nil {
			return nil, wsErr
		}
		updated = append(updated, "maxThinkingTokens")
	}
	return map[string]any{"updated": updated}, nil
}

// --- Pi command family ---

type textParams struct {
	Content string `json:"content"`
}

func handlePiSteer(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p textParams
	if err := decodeParams(raw, &p, "pi_steer"); err != nil {
		return nil, err
	}
	if wsErr := translateRuntimeError(c.rt.Steer(ctx, p.Content)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"steered": true}, nil
}

func handlePiFollowUp(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p textParams
	if err := decodeParams(raw, &p, "pi_follow_up"); err != nil {
		return nil, err
	}
	if wsErr := translateRuntimeError(c.rt.FollowUp(ctx, p.Content)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"queued": true}, nil
}

type compactParams struct {
	Instructions string `json:"instructions,omitempty"`
}

func handlePiCompact(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p compactParams
	if err := decodeParams(raw, &p, "pi_compact"); err != nil {
		return nil, err
	}
	if wsErr := translateRuntimeError(c.rt.Compact(ctx, p.Instructions)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"compacted": true}, nil
}

type entryParams struct {
	EntryID string `json:"entryId"`
}

func handlePiFork(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p entryParams
	if err := decodeParams(raw, &p, "pi_fork"); err != nil {
		return nil, err
	}
	if p.EntryID == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "entryId is required"}
	}
	if wsErr := translateRuntimeError(c.rt.Fork(ctx, p.EntryID)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"forked": true, "entryId": p.EntryID}, nil
}

func handlePiNavigate(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p entryParams
	if err := decodeParams(raw, &p, "pi_navigate"); err != nil {
		return nil, err
	}
	if p.EntryID == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "entryId is required"}
	}
	if wsErr := translateRuntimeError(c.rt.Navigate(ctx, p.EntryID)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"navigated": true, "entryId": p.EntryID}, nil
}

func handlePiCycleModel(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	if wsErr := translateRuntimeError(c.rt.CycleModel(ctx)); wsErr != nil {
		return nil, wsErr
	}
	return c.rt.Status(), nil
}

type thinkingLevelParams struct {
	Level string `json:"level"`
}

func handlePiSetThinkingLevel(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	var p thinkingLevelParams
	if err := decodeParams(raw, &p, "pi_set_thinking_level"); err != nil {
		return nil, err
	}
	if p.Level == "" {
		return nil, &wsError{Code: codeInvalidParams, Message: "level is required"}
	}
	if wsErr := translateRuntimeError(c.rt.SetThinkingLevel(ctx, p.Level)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"thinkingLevel": p.Level}, nil
}

func handlePiCycleThinking(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	if wsErr := translateRuntimeError(c.rt.CycleThinkingLevel(ctx)); wsErr != nil {
		return nil, wsErr
	}
	return c.rt.Status(), nil
}

func handlePiNewSession(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	if wsErr := translateRuntimeError(c.rt.NewSession(ctx)); wsErr != nil {
		return nil, wsErr
	}
	return map[string]any{"reset": true}, nil
}

// handlePiGetTree renders the persisted message history as the entry
// tree: the gateway's durable record is the authoritative replayable
// view of the session (the backend's own tree is opaque).
func handlePiGetTree(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	msgs, err := c.server.store.ListMessages(ctx, c.sess.ID, 1000, 0)
	if err != nil {
		return nil, &wsError{Code: codeInternalError, Message: "listing session history failed"}
	}
	entries := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, map[string]any{
			"id":        m.ID,
			"role":      m.Role,
			"text":      m.Content.Text(),
			"timestamp": m.Timestamp,
		})
	}
	return map[string]any{"entries": entries}, nil
}

func handlePiGetForkable(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	msgs, err := c.server.store.ListMessages(ctx, c.sess.ID, 1000, 0)
	if err != nil {
		return nil, &wsError{Code: codeInternalError, Message: "listing session history failed"}
	}
	var forkable []string
	for _, m := range msgs {
		if m.Role == types.RoleUser {
			forkable = append(forkable, m.ID)
		}
	}
	return map[string]any{"entryIds": forkable}, nil
}

func handlePiGetStats(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	stats := c.rt.Status()
	count, err := c.server.store.CountMessages(ctx, c.sess.ID)
	if err == nil {
		stats["messageCount"] = count
	}
	return stats, nil
}

func handlePiGetModels(ctx context.Context, c *client, raw json.RawMessage) (any, *wsError) {
	return map[string]any{"models": piModels[c.sess.Auth.ProviderKey]}, nil
}
