package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-ai/aperture-gateway/internal/backend"
	"github.com/aperture-ai/aperture-gateway/internal/event"
	"github.com/aperture-ai/aperture-gateway/internal/store"
	"github.com/aperture-ai/aperture-gateway/internal/vault"
	"github.com/aperture-ai/aperture-gateway/internal/worktree"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T, vlt *vault.Vault, maxConcurrent int) (*Manager, *store.Store) {
	t.Helper()
	event.Reset()

	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)

	fake := backend.NewFakeBackend()
	m := New(st, vlt, &worktree.Stub{}, fake, fake, Config{
		MaxConcurrentSessions: maxConcurrent,
		SessionIdleTimeout:    time.Minute,
	})
	t.Cleanup(func() { m.TerminateAll(context.Background()) })
	return m, st
}

func inlineOpts() CreateOptions {
	return CreateOptions{
		Agent: types.AgentClaudeSDK,
		Auth: types.SessionAuth{
			Mode:        types.AuthAPIKey,
			ProviderKey: types.ProviderAnthropic,
			ApiKeyRef:   types.APIKeyRefInline,
			ApiKey:      "sk-inline",
		},
	}
}

func TestCreateHappyPath(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, nil, 10)

	sess, err := m.Create(ctx, inlineOpts())
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, types.SessionActive, sess.Status)
	assert.Equal(t, 1, m.Count())

	_, _, ok := m.Get(sess.ID)
	assert.True(t, ok)

	// The persisted auth record never carries the cleartext key.
	stored, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Auth.ApiKey)
	assert.Equal(t, types.APIKeyRefInline, stored.Auth.ApiKeyRef)
}

func TestCreateRejectsUnknownAgent(t *testing.T) {
	m, _ := newTestManager(t, nil, 10)
	opts := inlineOpts()
	opts.Agent = "subprocess"
	_, err := m.Create(context.Background(), opts)
	assert.Error(t, err)
}

func TestAdmissionLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil, 1)

	_, err := m.Create(ctx, inlineOpts())
	require.NoError(t, err)

	_, err = m.Create(ctx, inlineOpts())
	assert.ErrorIs(t, err, ErrMaxConcurrent)
}

func TestStoredCredentialResolution(t *testing.T) {
	ctx := context.Background()
	vlt, err := vault.Open(filepath.Join(t.TempDir(), "creds.bin"), testMasterKey)
	require.NoError(t, err)
	require.NoError(t, vlt.Put("cred-1", types.ProviderAnthropic, "work", "sk-stored", 1))

	m, _ := newTestManager(t, vlt, 10)

	opts := CreateOptions{
		Agent: types.AgentClaudeSDK,
		Auth: types.SessionAuth{
			Mode:               types.AuthAPIKey,
			ProviderKey:        types.ProviderAnthropic,
			ApiKeyRef:          types.APIKeyRefStored,
			StoredCredentialID: "cred-1",
		},
	}
	sess, err := m.Create(ctx, opts)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
}

func TestStoredCredentialProviderMismatchFatal(t *testing.T) {
	ctx := context.Background()
	vlt, err := vault.Open(filepath.Join(t.TempDir(), "creds.bin"), testMasterKey)
	require.NoError(t, err)
	require.NoError(t, vlt.Put("cred-1", types.ProviderOpenAI, "work", "sk-stored", 1))

	m, _ := newTestManager(t, vlt, 10)

	opts := CreateOptions{
		Agent: types.AgentClaudeSDK,
		Auth: types.SessionAuth{
			Mode:               types.AuthAPIKey,
			ProviderKey:        types.ProviderAnthropic,
			ApiKeyRef:          types.APIKeyRefStored,
			StoredCredentialID: "cred-1",
		},
	}
	_, err = m.Create(ctx, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
	assert.Zero(t, m.Count())
}

func TestStoredCredentialWithoutVaultRejected(t *testing.T) {
	m, _ := newTestManager(t, nil, 10)
	opts := CreateOptions{
		Agent: types.AgentClaudeSDK,
		Auth: types.SessionAuth{
			Mode:               types.AuthAPIKey,
			ProviderKey:        types.ProviderAnthropic,
			ApiKeyRef:          types.APIKeyRefStored,
			StoredCredentialID: "cred-1",
		},
	}
	_, err := m.Create(context.Background(), opts)
	assert.Error(t, err)
}

func TestWorkspaceSessionRejectedWithStubBroker(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, nil, 10)
	require.NoError(t, st.SaveWorkspace(ctx, &types.Workspace{ID: "w1", RepoRoot: "/repo"}))

	opts := inlineOpts()
	opts.WorkspaceID = "w1"
	_, err := m.Create(ctx, opts)
	require.Error(t, err)
	// No partial state survives the failed creation.
	assert.Zero(t, m.Count())
	_, err = st.GetWorkspaceAgent(ctx, "w1")
	assert.Error(t, err)
}

func TestTerminate(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, nil, 10)

	sess, err := m.Create(ctx, inlineOpts())
	require.NoError(t, err)

	require.NoError(t, m.Terminate(ctx, sess.ID))
	assert.Zero(t, m.Count())

	stored, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionEnded, stored.Status)

	assert.ErrorIs(t, m.Terminate(ctx, sess.ID), ErrNotFound)
}

func TestRestoreDemotesActive(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, nil, 10)

	// Simulate records left behind by a crashed process.
	for _, id := range []string{"old-1", "old-2"} {
		sess := &types.Session{
			ID:     id,
			Agent:  types.AgentClaudeSDK,
			Auth:   types.SessionAuth{Mode: types.AuthOAuth, ProviderKey: types.ProviderAnthropic, ApiKeyRef: types.APIKeyRefNone},
			Status: types.SessionActive,
		}
		if id == "old-2" {
			sess.BackendSessionID = "backend-xyz"
		}
		require.NoError(t, st.SaveSession(ctx, sess))
	}

	n, err := m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	resumable, err := m.ListResumable(ctx)
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, "old-2", resumable[0].ID)
}

func TestConnectLiveSessionIsNotRestored(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil, 10)

	sess, err := m.Create(ctx, inlineOpts())
	require.NoError(t, err)

	got, restored, err := m.Connect(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, sess.ID, got.ID)
}

func TestConnectUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, nil, 10)
	_, _, err := m.Connect(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectResumesDemotedSession(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, nil, 10)

	old := &types.Session{
		ID:               "old-1",
		Agent:            types.AgentClaudeSDK,
		Auth:             types.SessionAuth{Mode: types.AuthOAuth, ProviderKey: types.ProviderAnthropic, ApiKeyRef: types.APIKeyRefNone},
		Status:           types.SessionActive,
		BackendSessionID: "backend-xyz",
	}
	require.NoError(t, st.SaveSession(ctx, old))
	_, err := m.Restore(ctx)
	require.NoError(t, err)

	sess, restored, err := m.Connect(ctx, "old-1")
	require.NoError(t, err)
	assert.True(t, restored)
	// A resumed session is a new Session referencing the old backend id.
	assert.NotEqual(t, "old-1", sess.ID)
	assert.Equal(t, "backend-xyz", sess.BackendSessionID)
	assert.Equal(t, 1, m.Count())

	// The original record stays ended.
	oldStored, err := st.GetSession(ctx, "old-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionEnded, oldStored.Status)
}

func TestConnectInlineAuthNotResumable(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, nil, 10)

	old := &types.Session{
		ID:               "old-1",
		Agent:            types.AgentClaudeSDK,
		Auth:             types.SessionAuth{Mode: types.AuthAPIKey, ProviderKey: types.ProviderAnthropic, ApiKeyRef: types.APIKeyRefInline},
		Status:           types.SessionEnded,
		BackendSessionID: "backend-xyz",
	}
	require.NoError(t, st.SaveSession(ctx, old))

	_, _, err := m.Connect(ctx, "old-1")
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestTerminateAllDrainsEveryRuntime(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil, 10)

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, inlineOpts())
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.Count())

	require.NoError(t, m.TerminateAll(ctx))
	assert.Zero(t, m.Count())
}
