// Package backend defines the AgentBackend abstraction:
// the opaque capability set every agent SDK adapter must satisfy, plus
// the two concrete adapters the gateway ships with (ClaudeSdkBackend,
// PiSdkBackend). Nothing outside this package ever talks to the
// underlying eino chat models directly.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// Readiness is the result of EnsureInstalled: whether the backend can
// be used right now, plus a human-readable reason when it cannot,
// surfaced verbatim in the readiness probe's errors array.
type Readiness struct {
	Ready  bool
	Detail string
}

// checkBackendPath reports adapter readiness against an optional
// configured install path: an empty path means the bundled SDK client
// is used and is always present; a set path must exist on disk.
func checkBackendPath(name, path string) Readiness {
	if path == "" {
		return Readiness{Ready: true}
	}
	if _, err := os.Stat(path); err != nil {
		return Readiness{Ready: false, Detail: fmt.Sprintf("%s backend path %s is not usable: %v", name, path, err)}
	}
	return Readiness{Ready: true}
}

// AuthPolicy is the gateway-level state ValidateAuth needs alongside
// the session's own auth record: hosted-mode restrictions and whether a
// credential vault is actually open, so apiKeyRef=stored can be
// accepted or rejected at creation time rather than at key resolution.
type AuthPolicy struct {
	HostedMode       bool
	AllowInteractive bool
	VaultConfigured  bool
}

// Backend is the capability set every agent SDK adapter exposes.
type Backend interface {
	Name() string
	Kind() types.AgentKind
	EnsureInstalled(ctx context.Context) Readiness
	// ValidateAuth must reject bad credential combinations at creation
	// time, never deferred to first use.
	ValidateAuth(auth types.SessionAuth, policy AuthPolicy) error
	Open(ctx context.Context, cfg SessionConfig, resolvedKey string) (BackendSession, error)
}

// SessionConfig is everything Open needs beyond the resolved key.
type SessionConfig struct {
	SessionID        string
	Auth             types.SessionAuth
	Env              map[string]string
	WorktreePath     string
	BackendSessionID string // non-empty when resuming
}

// Status is the snapshot returned by BackendSession.Status.
type Status struct {
	Streaming        bool
	Model            string
	PermissionMode   string
	ThinkingLevel    string
	TokensUsed       int64
	Resumable        bool
	BackendSessionID string
}

// PromptOptions carries the advisory, backend-specific knobs a prompt
// may be sent with.
type PromptOptions struct {
	Model string
}

// Handler receives one backend event at a time, in arrival order,
// never concurrently with itself.
type Handler func(types.SessionEvent)

// Unsubscribe stops a previously-registered Handler from receiving
// further events.
type Unsubscribe func()

// BackendSession is the narrow, async-but-ordered interaction contract
// a started agent session exposes.
type BackendSession interface {
	Prompt(ctx context.Context, text string, images []types.ContentBlock, opts PromptOptions) error
	Steer(ctx context.Context, text string) error
	FollowUp(ctx context.Context, text string) error
	Cancel(ctx context.Context) error
	Interrupt(ctx context.Context) error

	SetModel(ctx context.Context, model string) error
	SetPermissionMode(ctx context.Context, mode string) error
	SetMaxThinkingTokens(ctx context.Context, tokens int) error
	SetThinkingLevel(ctx context.Context, level string) error
	CycleModel(ctx context.Context) error
	CycleThinkingLevel(ctx context.Context) error

	Compact(ctx context.Context, instructions string) error

	Fork(ctx context.Context, entryID string) error
	Navigate(ctx context.Context, entryID string) error
	NewSession(ctx context.Context) error

	RespondToPermission(ctx context.Context, toolCallID, optionID string, answers map[string]any) error
	CancelPermission(ctx context.Context, toolCallID string) error

	Subscribe(h Handler) Unsubscribe
	Status() Status
	Dispose(ctx context.Context) error
}

// ErrUnsupported is returned by operations a backend does not
// implement. Advisory setters must be no-ops, never fatal; only the Pi-only tree operations (Fork/Navigate/NewSession)
// return this on Claude.
var ErrUnsupported = errors.New("backend: operation not supported by this backend")

// claudeProviders / piProviders are the allowed providerKey sets per
// backend: Claude accepts anthropic only, Pi any of the five supported
// providers.
var claudeProviders = map[types.ProviderKey]bool{
	types.ProviderAnthropic: true,
}

var piProviders = map[types.ProviderKey]bool{
	types.ProviderAnthropic:  true,
	types.ProviderOpenAI:     true,
	types.ProviderGoogle:     true,
	types.ProviderGroq:       true,
	types.ProviderOpenRouter: true,
}

// validateAuthCommon implements the ValidateAuth rules shared by both
// backends.
func validateAuthCommon(allowed map[types.ProviderKey]bool, auth types.SessionAuth, vaultConfigured bool) error {
	if auth.ApiKey != "" && auth.ApiKeyRef != types.APIKeyRefInline {
		return fmt.Errorf("backend: apiKey is only valid when apiKeyRef=inline")
	}
	switch auth.Mode {
	case types.AuthAPIKey:
		switch auth.ApiKeyRef {
		case types.APIKeyRefInline:
			if auth.ApiKey == "" {
				return fmt.Errorf("backend: apiKeyRef=inline requires a non-empty apiKey")
			}
		case types.APIKeyRefStored:
			if auth.StoredCredentialID == "" {
				return fmt.Errorf("backend: apiKeyRef=stored requires storedCredentialId")
			}
			if !vaultConfigured {
				return fmt.Errorf("backend: apiKeyRef=stored requires a configured credential vault")
			}
		default:
			return fmt.Errorf("backend: api_key auth requires apiKeyRef of inline or stored")
		}
	case types.AuthOAuth:
		// Permitted for both backends. The hosted-mode warning is
		// surfaced by the caller (SessionManager), which knows whether
		// interactive login could have happened out-of-band.
	default:
		return fmt.Errorf("backend: unknown auth mode %q", auth.Mode)
	}
	if !allowed[auth.ProviderKey] {
		return fmt.Errorf("backend: provider %q not supported by this backend", auth.ProviderKey)
	}
	return nil
}
