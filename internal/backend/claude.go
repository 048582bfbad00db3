package backend

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"

	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// defaultClaudeModel is the model every Claude session starts with;
// SetModel changes it afterwards.
const defaultClaudeModel = "claude-sonnet-4-20250514"

// ClaudeSdkBackend adapts the Anthropic Claude models to the
// AgentBackend contract. path is the optional CLAUDE_BACKEND_PATH
// override; when set it must exist for the backend to report ready.
type ClaudeSdkBackend struct {
	path string
}

// NewClaudeSdkBackend constructs the Claude adapter. path may be empty.
func NewClaudeSdkBackend(path string) *ClaudeSdkBackend { return &ClaudeSdkBackend{path: path} }

func (b *ClaudeSdkBackend) Name() string          { return "claude" }
func (b *ClaudeSdkBackend) Kind() types.AgentKind { return types.AgentClaudeSDK }

func (b *ClaudeSdkBackend) EnsureInstalled(ctx context.Context) Readiness {
	return checkBackendPath("claude", b.path)
}

func (b *ClaudeSdkBackend) ValidateAuth(auth types.SessionAuth, policy AuthPolicy) error {
	return validateAuthCommon(claudeProviders, auth, policy.VaultConfigured)
}

// Open starts a Claude chat model and wraps it in the shared streaming
// session loop.
func (b *ClaudeSdkBackend) Open(ctx context.Context, cfg SessionConfig, resolvedKey string) (BackendSession, error) {
	if cfg.Auth.ProviderKey != types.ProviderAnthropic && cfg.Auth.ProviderKey != "" {
		return nil, fmt.Errorf("backend: claude only supports the anthropic provider")
	}

	chatModel, err := claude.NewChatModel(ctx, &claude.Config{
		APIKey:    resolvedKey,
		Model:     defaultClaudeModel,
		MaxTokens: 8192,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: claude model init: %w", err)
	}

	sess := newChatSession(types.AgentClaudeSDK, cfg.SessionID, chatModel, defaultClaudeModel, cfg.BackendSessionID, false)
	return sess, nil
}
