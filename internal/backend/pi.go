package backend

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"

	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

const defaultPiModel = "gpt-4o"

// providerBaseURL gives the OpenAI-compatible endpoint for each of Pi's
// five supported providers; Anthropic and OpenAI talk to
// their native endpoints, the rest route through their own
// OpenAI-compatible surface.
var providerBaseURL = map[types.ProviderKey]string{
	types.ProviderOpenAI:     "",
	types.ProviderGroq:       "https://api.groq.com/openai/v1",
	types.ProviderOpenRouter: "https://openrouter.ai/api/v1",
	types.ProviderGoogle:     "https://generativelanguage.googleapis.com/v1beta/openai",
}

// PiSdkBackend adapts the five OpenAI-compatible providers to the
// AgentBackend contract, plus the Pi-only tree operations (Fork,
// Navigate, NewSession) that ClaudeSdkBackend rejects. path is the
// optional PI_BACKEND_PATH override.
type PiSdkBackend struct {
	path string
}

// NewPiSdkBackend constructs the Pi adapter. path may be empty.
func NewPiSdkBackend(path string) *PiSdkBackend { return &PiSdkBackend{path: path} }

func (b *PiSdkBackend) Name() string          { return "pi" }
func (b *PiSdkBackend) Kind() types.AgentKind { return types.AgentPiSDK }

func (b *PiSdkBackend) EnsureInstalled(ctx context.Context) Readiness {
	return checkBackendPath("pi", b.path)
}

func (b *PiSdkBackend) ValidateAuth(auth types.SessionAuth, policy AuthPolicy) error {
	return validateAuthCommon(piProviders, auth, policy.VaultConfigured)
}

func (b *PiSdkBackend) Open(ctx context.Context, cfg SessionConfig, resolvedKey string) (BackendSession, error) {
	maxTokens := 8192
	modelCfg := &openai.ChatModelConfig{
		APIKey:              resolvedKey,
		Model:               defaultPiModel,
		MaxCompletionTokens: &maxTokens,
	}

	if cfg.Auth.ProviderKey == types.ProviderAnthropic {
		modelCfg.BaseURL = "https://api.anthropic.com/v1"
	} else if base, ok := providerBaseURL[cfg.Auth.ProviderKey]; ok && base != "" {
		modelCfg.BaseURL = base
	}

	chatModel, err := openai.NewChatModel(ctx, modelCfg)
	if err != nil {
		return nil, fmt.Errorf("backend: pi model init: %w", err)
	}

	sess := newChatSession(types.AgentPiSDK, cfg.SessionID, chatModel, defaultPiModel, cfg.BackendSessionID, true)
	return sess, nil
}
