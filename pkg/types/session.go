// Package types provides the wire and persisted data types shared across
// the gateway: sessions, messages, credentials, events, and the
// permission-dialogue model.
package types

// AgentKind identifies which BackendSession implementation a session is
// bound to.
type AgentKind string

const (
	AgentClaudeSDK AgentKind = "claude_sdk"
	AgentPiSDK     AgentKind = "pi_sdk"
)

// SessionStatus is the monotonically-advancing lifecycle status of a
// Session record (active -> idle -> ended, never backwards).
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionEnded  SessionStatus = "ended"
)

// AuthMode selects how a session's provider credential is supplied.
type AuthMode string

const (
	AuthAPIKey AuthMode = "api_key"
	AuthOAuth  AuthMode = "oauth"
)

// APIKeyRef selects where the API key for AuthAPIKey mode comes from.
type APIKeyRef string

const (
	APIKeyRefInline APIKeyRef = "inline"
	APIKeyRefStored APIKeyRef = "stored"
	APIKeyRefNone   APIKeyRef = "none"
)

// ProviderKey is the upstream model provider a session is talking to.
type ProviderKey string

const (
	ProviderAnthropic  ProviderKey = "anthropic"
	ProviderOpenAI     ProviderKey = "openai"
	ProviderGoogle     ProviderKey = "google"
	ProviderGroq       ProviderKey = "groq"
	ProviderOpenRouter ProviderKey = "openrouter"
)

// SessionAuth describes how credentials for a session are resolved.
// Invariants (enforced once, at creation, by AgentBackend.ValidateAuth):
// ApiKeyRef=inline requires ApiKey non-empty; ApiKeyRef=stored requires
// StoredCredentialID; ApiKey is only meaningful when ApiKeyRef=inline.
type SessionAuth struct {
	Mode               AuthMode    `json:"mode"`
	ProviderKey        ProviderKey `json:"providerKey"`
	ApiKeyRef          APIKeyRef   `json:"apiKeyRef"`
	ApiKey             string      `json:"apiKey,omitempty"`
	StoredCredentialID string      `json:"storedCredentialId,omitempty"`
}

// Session is the durable record of one gateway-mediated agent session.
type Session struct {
	ID               string            `json:"id"`
	Agent            AgentKind         `json:"agent"`
	Auth             SessionAuth       `json:"auth"`
	WorkspaceID      string            `json:"workspaceId,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Status           SessionStatus     `json:"status"`
	BackendSessionID string            `json:"backendSessionId,omitempty"`
	WorktreePath     string            `json:"worktreePath,omitempty"`
	ClientMetadata   map[string]string `json:"clientMetadata,omitempty"`
	CreatedAt        int64             `json:"createdAt"`
	LastActivityAt   int64             `json:"lastActivityAt"`
	EndedAt          *int64            `json:"endedAt,omitempty"`
	EndReason        string            `json:"endReason,omitempty"`
}

// Resumable reports whether this session can be reconnected to after a
// gateway restart: it must have a durable backend session id and must
// not already have ended.
func (s *Session) Resumable() bool {
	return s.BackendSessionID != "" && s.Status != SessionEnded
}

// Workspace is a git repository root that WorkspaceAgents check out
// isolated worktrees from.
type Workspace struct {
	ID       string `json:"id"`
	RepoRoot string `json:"repoRoot"`
}

// WorkspaceAgent links a workspace to the session that is using an
// isolated worktree of it.
type WorkspaceAgent struct {
	WorkspaceID  string `json:"workspaceId"`
	SessionID    string `json:"sessionId"`
	Branch       string `json:"branch"`
	WorktreePath string `json:"worktreePath"`
}
