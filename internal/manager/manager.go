// Package manager implements the SessionManager: the registry of live
// sessions, the admission-and-creation pipeline, boot-time
// restoration, and bulk shutdown.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aperture-ai/aperture-gateway/internal/backend"
	"github.com/aperture-ai/aperture-gateway/internal/event"
	"github.com/aperture-ai/aperture-gateway/internal/logging"
	"github.com/aperture-ai/aperture-gateway/internal/runtime"
	"github.com/aperture-ai/aperture-gateway/internal/store"
	"github.com/aperture-ai/aperture-gateway/internal/vault"
	"github.com/aperture-ai/aperture-gateway/internal/worktree"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// ErrMaxConcurrent is returned by Create when the live-session count
// has reached MaxConcurrent.
var ErrMaxConcurrent = fmt.Errorf("manager: maximum concurrent sessions reached")

// ErrNotFound is returned for operations against an unknown live
// session id.
var ErrNotFound = fmt.Errorf("manager: session not found")

// CreateOptions is everything a client can request of a new session.
type CreateOptions struct {
	Agent          types.AgentKind
	Auth           types.SessionAuth
	WorkspaceID    string
	Env            map[string]string
	ClientMetadata map[string]string
}

// live is the manager's bookkeeping for one running session: its
// durable record and its runtime.
type live struct {
	session *types.Session
	runtime *runtime.Runtime
}

// Manager is the SessionManager.
type Manager struct {
	store    *store.Store
	vault    *vault.Vault
	worktree worktree.Broker

	claude backend.Backend
	pi     backend.Backend

	maxConcurrent        int
	idleTimeout          time.Duration
	hostedMode           bool
	allowInteractiveAuth bool

	mu   sync.Mutex
	live map[string]*live
}

// Config is the manager's construction-time configuration, narrowed
// from the gateway's top-level Config to only what admission and
// creation need.
type Config struct {
	MaxConcurrentSessions int
	SessionIdleTimeout    time.Duration
	HostedMode            bool
	AllowInteractiveAuth  bool
}

// New constructs a Manager. vault may be nil (vault disabled).
func New(st *store.Store, vlt *vault.Vault, wt worktree.Broker, claude, pi backend.Backend, cfg Config) *Manager {
	return &Manager{
		store:                st,
		vault:                vlt,
		worktree:             wt,
		claude:               claude,
		pi:                   pi,
		maxConcurrent:        cfg.MaxConcurrentSessions,
		idleTimeout:          cfg.SessionIdleTimeout,
		hostedMode:           cfg.HostedMode,
		allowInteractiveAuth: cfg.AllowInteractiveAuth,
		live:                 make(map[string]*live),
	}
}

// authPolicy snapshots the gateway-level state backends need to judge a
// session's auth record, including whether the vault is actually open
// (apiKeyRef=stored must be accepted when it is).
func (m *Manager) authPolicy() backend.AuthPolicy {
	return backend.AuthPolicy{
		HostedMode:       m.hostedMode,
		AllowInteractive: m.allowInteractiveAuth,
		VaultConfigured:  m.vault != nil && m.vault.Enabled(),
	}
}

func (m *Manager) backendFor(agent types.AgentKind) (backend.Backend, error) {
	switch agent {
	case types.AgentClaudeSDK:
		return m.claude, nil
	case types.AgentPiSDK:
		return m.pi, nil
	default:
		return nil, fmt.Errorf("manager: unknown agent kind %q", agent)
	}
}

// Count returns the number of currently live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Create runs the full admission-and-creation pipeline,
// rolling back any partial state (persisted record, bound worktree) if
// a later step fails.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*types.Session, error) {
	m.mu.Lock()
	if len(m.live) >= m.maxConcurrent {
		m.mu.Unlock()
		return nil, ErrMaxConcurrent
	}
	m.mu.Unlock()

	be, err := m.backendFor(opts.Agent)
	if err != nil {
		return nil, err
	}

	if err := be.ValidateAuth(opts.Auth, m.authPolicy()); err != nil {
		return nil, err
	}
	if opts.Auth.Mode == types.AuthOAuth && m.hostedMode && !m.allowInteractiveAuth {
		logging.Warn().Str("agent", string(opts.Agent)).Msg("manager: oauth session requested in hosted mode; interactive login must have been completed out-of-band")
	}

	resolvedKey, err := m.resolveKey(opts.Auth)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	sess := &types.Session{
		ID:             uuid.NewString(),
		Agent:          opts.Agent,
		Auth:           stripInlineKeyForPersistence(opts.Auth),
		WorkspaceID:    opts.WorkspaceID,
		Env:            opts.Env,
		Status:         types.SessionActive,
		ClientMetadata: opts.ClientMetadata,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	var repoRoot string
	if opts.WorkspaceID != "" {
		var err error
		repoRoot, err = m.bindWorkspace(ctx, sess)
		if err != nil {
			return nil, err
		}
	}

	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.rollbackWorkspace(sess, repoRoot)
		return nil, fmt.Errorf("manager: persisting session: %w", err)
	}

	env := backend.BuildEnv(opts.Auth, resolvedKey, opts.Env)
	bs, err := be.Open(ctx, backend.SessionConfig{
		SessionID:    sess.ID,
		Auth:         opts.Auth,
		Env:          env,
		WorktreePath: sess.WorktreePath,
	}, resolvedKey)
	if err != nil {
		m.store.DeleteSession(ctx, sess.ID)
		m.rollbackWorkspace(sess, repoRoot)
		return nil, fmt.Errorf("manager: opening backend session: %w", err)
	}

	rt := runtime.New(sess.ID, bs, m.idleTimeout, m.hooksFor(sess))
	if err := rt.Start(ctx); err != nil {
		m.store.DeleteSession(ctx, sess.ID)
		m.rollbackWorkspace(sess, repoRoot)
		return nil, fmt.Errorf("manager: starting runtime: %w", err)
	}

	m.mu.Lock()
	m.live[sess.ID] = &live{session: sess, runtime: rt}
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{Info: sess}})
	return sess, nil
}

func (m *Manager) resolveKey(auth types.SessionAuth) (string, error) {
	switch auth.ApiKeyRef {
	case types.APIKeyRefInline:
		return auth.ApiKey, nil
	case types.APIKeyRefStored:
		if m.vault == nil || !m.vault.Enabled() {
			return "", fmt.Errorf("manager: credential vault is not configured")
		}
		cred, err := m.vault.Get(auth.StoredCredentialID)
		if err != nil {
			return "", fmt.Errorf("manager: resolving stored credential: %w", err)
		}
		if cred.Provider != auth.ProviderKey {
			return "", fmt.Errorf("manager: stored credential provider %q does not match requested provider %q", cred.Provider, auth.ProviderKey)
		}
		return cred.APIKey, nil
	default:
		return "", nil
	}
}

// stripInlineKeyForPersistence clears the cleartext apiKey before the
// auth record is written to the store; the store never sees it.
func stripInlineKeyForPersistence(auth types.SessionAuth) types.SessionAuth {
	out := auth
	out.ApiKey = ""
	return out
}

func (m *Manager) bindWorkspace(ctx context.Context, sess *types.Session) (string, error) {
	ws, err := m.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("manager: looking up workspace: %w", err)
	}

	branch := worktree.BranchForSession(sess.ID)
	info, err := m.worktree.EnsureWorktree(ws.RepoRoot, branch, ws.RepoRoot)
	if err != nil {
		return "", fmt.Errorf("manager: provisioning worktree: %w", err)
	}

	if err := m.store.SaveWorkspaceAgent(ctx, &types.WorkspaceAgent{
		WorkspaceID:  ws.ID,
		SessionID:    sess.ID,
		Branch:       info.Branch,
		WorktreePath: info.WorktreePath,
	}); err != nil {
		return "", fmt.Errorf("manager: persisting workspace binding: %w", err)
	}

	sess.WorktreePath = info.WorktreePath
	return ws.RepoRoot, nil
}

func (m *Manager) rollbackWorkspace(sess *types.Session, repoRoot string) {
	if repoRoot == "" {
		return
	}
	if err := m.worktree.Remove(repoRoot, worktree.BranchForSession(sess.ID)); err != nil {
		logging.Warn().Err(err).Str("sessionId", sess.ID).Msg("manager: rollback failed to remove worktree")
	}
}

// hooksFor wires a runtime's persistence and lifecycle callbacks to the
// store for one session.
func (m *Manager) hooksFor(sess *types.Session) runtime.Hooks {
	ctx := context.Background()
	return runtime.Hooks{
		PersistEvent: func(ev *types.SessionEvent) {
			if err := m.store.LogEvent(ctx, ev); err != nil {
				logging.Warn().Err(err).Str("sessionId", sess.ID).Msg("manager: logging session event failed")
			}
		},
		PersistMessage: func(msg *types.Message) {
			if err := m.store.SaveMessage(ctx, msg); err != nil {
				logging.Warn().Err(err).Str("sessionId", sess.ID).Msg("manager: saving message failed")
			}
			event.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{Info: msg}})
		},
		OnActivity: func(now int64) {
			if err := m.store.UpdateSessionStatus(ctx, sess.ID, types.SessionActive, now); err != nil {
				logging.Warn().Err(err).Str("sessionId", sess.ID).Msg("manager: updating activity timestamp failed")
			}
		},
		OnIdle: func() {
			m.markEnded(ctx, sess.ID, "idle timeout")
		},
		OnExit: func() {
			m.markEnded(ctx, sess.ID, "exit")
			m.mu.Lock()
			delete(m.live, sess.ID)
			m.mu.Unlock()
		},
		OnBackendSessionID: func(id string) {
			if err := m.store.SetBackendSessionID(ctx, sess.ID, id); err != nil {
				logging.Warn().Err(err).Str("sessionId", sess.ID).Msg("manager: recording backend session id failed")
			}
		},
	}
}

func (m *Manager) markEnded(ctx context.Context, sessionID, reason string) {
	if err := m.store.EndSession(ctx, sessionID, time.Now().UnixMilli(), reason); err != nil {
		logging.Warn().Err(err).Str("sessionId", sessionID).Msg("manager: marking session ended failed")
	}
}

// Get returns the live runtime and record for sessionID.
func (m *Manager) Get(sessionID string) (*runtime.Runtime, *types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live[sessionID]
	if !ok {
		return nil, nil, false
	}
	return l.runtime, l.session, true
}

// List returns every currently live session record.
func (m *Manager) List() []*types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Session, 0, len(m.live))
	for _, l := range m.live {
		out = append(out, l.session)
	}
	return out
}

// Terminate disposes and removes one live session.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	l, ok := m.live[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := l.runtime.Terminate(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.live, sessionID)
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.SessionDeleted, Data: event.SessionDeletedData{Info: l.session}})
	return nil
}

// ShutdownDeadline bounds how long TerminateAll waits for every live
// runtime to report its exit event.
const ShutdownDeadline = 10 * time.Second

// TerminateAll disposes every live runtime concurrently, bounded by
// ShutdownDeadline, then closes the store.
func (m *Manager) TerminateAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, ShutdownDeadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Terminate(deadlineCtx, id); err != nil {
				logging.Warn().Err(err).Str("sessionId", id).Msg("manager: shutdown terminate failed")
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadlineCtx.Done():
		logging.Warn().Msg("manager: shutdown deadline reached with runtimes still terminating")
	}

	return m.store.Close()
}

// Restore performs boot-time crash recovery: every session still
// marked active is demoted to ended.
// Nothing is resurrected automatically.
func (m *Manager) Restore(ctx context.Context) (int64, error) {
	return m.store.DemoteActiveSessions(ctx, time.Now().UnixMilli())
}

// ListResumable surfaces the backend-session-id-bearing subset that is
// either not ended or was ended by a server restart, for explicit
// client reconnection.
func (m *Manager) ListResumable(ctx context.Context) ([]*types.Session, error) {
	return m.store.ListResumable(ctx)
}

// ErrNotResumable is returned by Connect for an api_key session with
// apiKeyRef=inline: an inline key is never persisted, so such a session
// cannot be resumed after a restart. A session without a durable
// backend session id is returned as-is instead, and a stored credential
// that fails to resolve surfaces the resolution error.
var ErrNotResumable = fmt.Errorf("manager: session cannot be resumed")

// Connect implements the restore-if-needed path behind
// POST /v1/sessions/:id/connect. A session that is already live is
// returned as-is. A dead-but-resumable session is restored as a new
// Session record referencing the old backendSessionId (a resumed
// session is a new Session, never a resurrection — the old record's
// status stays ended). The returned bool reports whether a restore
// happened.
func (m *Manager) Connect(ctx context.Context, sessionID string) (*types.Session, bool, error) {
	m.mu.Lock()
	if l, ok := m.live[sessionID]; ok {
		m.mu.Unlock()
		return l.session, false, nil
	}
	m.mu.Unlock()

	old, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, ErrNotFound
	}
	if old.BackendSessionID == "" {
		// Nothing to resume; surface the stored record so the client
		// can see the terminal status.
		return old, false, nil
	}

	m.mu.Lock()
	if len(m.live) >= m.maxConcurrent {
		m.mu.Unlock()
		return nil, false, ErrMaxConcurrent
	}
	m.mu.Unlock()

	be, err := m.backendFor(old.Agent)
	if err != nil {
		return nil, false, err
	}
	if old.Auth.Mode == types.AuthAPIKey && old.Auth.ApiKeyRef == types.APIKeyRefInline {
		return nil, false, fmt.Errorf("%w: inline api keys are not persisted", ErrNotResumable)
	}
	resolvedKey, err := m.resolveKey(old.Auth)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UnixMilli()
	sess := &types.Session{
		ID:               uuid.NewString(),
		Agent:            old.Agent,
		Auth:             old.Auth,
		WorkspaceID:      old.WorkspaceID,
		Env:              old.Env,
		Status:           types.SessionActive,
		BackendSessionID: old.BackendSessionID,
		WorktreePath:     old.WorktreePath,
		ClientMetadata:   old.ClientMetadata,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("manager: persisting resumed session: %w", err)
	}

	env := backend.BuildEnv(old.Auth, resolvedKey, old.Env)
	bs, err := be.Open(ctx, backend.SessionConfig{
		SessionID:        sess.ID,
		Auth:             old.Auth,
		Env:              env,
		WorktreePath:     old.WorktreePath,
		BackendSessionID: old.BackendSessionID,
	}, resolvedKey)
	if err != nil {
		m.store.DeleteSession(ctx, sess.ID)
		return nil, false, fmt.Errorf("manager: reopening backend session: %w", err)
	}

	rt := runtime.New(sess.ID, bs, m.idleTimeout, m.hooksFor(sess))
	if err := rt.Start(ctx); err != nil {
		m.store.DeleteSession(ctx, sess.ID)
		return nil, false, fmt.Errorf("manager: starting resumed runtime: %w", err)
	}

	m.mu.Lock()
	m.live[sess.ID] = &live{session: sess, runtime: rt}
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{Info: sess}})
	return sess, true, nil
}
