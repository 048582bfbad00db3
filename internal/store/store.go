// Package store implements the SessionStore: transactional, relational
// persistence for sessions, messages, session events, and the
// workspace/worktree bindings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite-backed SessionStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath, enables WAL journaling
// and foreign-key enforcement, and applies all pending migrations in
// ascending order, each inside its own transaction. Migration failure
// aborts startup.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var migrations = []string{
	// v1: sessions, workspaces, workspace_agents, messages, session_events.
	`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		auth_mode TEXT NOT NULL,
		provider_key TEXT NOT NULL,
		api_key_ref TEXT NOT NULL,
		stored_credential_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		env_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		backend_session_id TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		client_metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		ended_at INTEGER,
		end_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		repo_root TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspace_agents (
		workspace_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		PRIMARY KEY (workspace_id, session_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content_json TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, timestamp, id);

	CREATE TABLE IF NOT EXISTS session_events (
		seq INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	row := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
		current = 0
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: recording version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", i+1, err)
		}
	}
	return nil
}

// --- Sessions ---

// SaveSession inserts a new session record.
func (s *Store) SaveSession(ctx context.Context, sess *types.Session) error {
	envJSON, err := json.Marshal(sess.Env)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(sess.ClientMetadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent, auth_mode, provider_key, api_key_ref, stored_credential_id,
			workspace_id, env_json, status, backend_session_id, worktree_path, client_metadata_json,
			created_at, last_activity_at, ended_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, string(sess.Agent), string(sess.Auth.Mode), string(sess.Auth.ProviderKey), string(sess.Auth.ApiKeyRef),
		sess.Auth.StoredCredentialID, sess.WorkspaceID, string(envJSON), string(sess.Status),
		sess.BackendSessionID, sess.WorktreePath, string(metaJSON),
		sess.CreatedAt, sess.LastActivityAt, sess.EndedAt,
	)
	return err
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent, auth_mode, provider_key, api_key_ref, stored_credential_id,
			workspace_id, env_json, status, backend_session_id, worktree_path, client_metadata_json,
			created_at, last_activity_at, ended_at, end_reason
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// EndSession marks a session ended, setting endedAt and the reason it
// ended (the manager passes "idle timeout" or "exit"; boot-time
// recovery uses EndReasonServerRestart).
func (s *Store) EndSession(ctx context.Context, id string, endedAt int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, ended_at = ?, end_reason = ? WHERE id = ?`,
		string(types.SessionEnded), endedAt, reason, id)
	if err != nil {
		return err
	}
	return checkAffected(res, ErrNotFound)
}

// UpdateSessionStatus updates a session's status and last-activity time.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status types.SessionStatus, lastActivityAt int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, last_activity_at = ? WHERE id = ?`,
		string(status), lastActivityAt, id)
	if err != nil {
		return err
	}
	return checkAffected(res, ErrNotFound)
}

// SetBackendSessionID records the backend-assigned durable session id.
// Once set for a session, the id never changes again; this method
// does not itself enforce that, callers only ever call it once.
func (s *Store) SetBackendSessionID(ctx context.Context, id, backendSessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET backend_session_id = ? WHERE id = ?`,
		backendSessionID, id)
	if err != nil {
		return err
	}
	return checkAffected(res, ErrNotFound)
}

// SetWorktreePath records the session's isolated worktree path.
func (s *Store) SetWorktreePath(ctx context.Context, id, path string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET worktree_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return err
	}
	return checkAffected(res, ErrNotFound)
}

// DeleteSession removes a session and, via ON DELETE CASCADE, all of
// its messages, events, and workspace-agent bindings.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, ErrNotFound)
}

// ListSessions lists sessions, optionally filtered by status.
func (s *Store) ListSessions(ctx context.Context, status types.SessionStatus) ([]*types.Session, error) {
	var rows *sql.Rows
	var err error
	const cols = `id, agent, auth_mode, provider_key, api_key_ref, stored_credential_id,
		workspace_id, env_json, status, backend_session_id, worktree_path, client_metadata_json,
		created_at, last_activity_at, ended_at, end_reason`
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+cols+` FROM sessions ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+cols+` FROM sessions WHERE status = ? ORDER BY created_at DESC`, string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListActive lists all sessions currently in status=active.
func (s *Store) ListActive(ctx context.Context) ([]*types.Session, error) {
	return s.ListSessions(ctx, types.SessionActive)
}

// ListResumable lists sessions with a durable backend session id that
// are still reconnectable: anything not ended, plus sessions that were
// only ended by a gateway restart.
func (s *Store) ListResumable(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, auth_mode, provider_key, api_key_ref, stored_credential_id,
			workspace_id, env_json, status, backend_session_id, worktree_path, client_metadata_json,
			created_at, last_activity_at, ended_at, end_reason
		FROM sessions WHERE backend_session_id != '' AND (status != ? OR end_reason = ?)
		ORDER BY created_at DESC`,
		string(types.SessionEnded), EndReasonServerRestart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// EndReasonServerRestart marks sessions demoted by boot-time crash
// recovery; only these ended sessions remain resumable.
const EndReasonServerRestart = "server restart"

// DemoteActiveSessions marks every active session ended with the given
// timestamp, used at boot for crash recovery.
func (s *Store) DemoteActiveSessions(ctx context.Context, endedAt int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, ended_at = ?, end_reason = ? WHERE status = ?`,
		string(types.SessionEnded), endedAt, EndReasonServerRestart, string(types.SessionActive))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*types.Session, error) {
	var sess types.Session
	var agent, mode, provider, ref string
	var envJSON, metaJSON string
	if err := row.Scan(&sess.ID, &agent, &mode, &provider, &ref, &sess.Auth.StoredCredentialID,
		&sess.WorkspaceID, &envJSON, &sess.Status, &sess.BackendSessionID, &sess.WorktreePath, &metaJSON,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.EndedAt, &sess.EndReason); err != nil {
		return nil, err
	}
	sess.Agent = types.AgentKind(agent)
	sess.Auth.Mode = types.AuthMode(mode)
	sess.Auth.ProviderKey = types.ProviderKey(provider)
	sess.Auth.ApiKeyRef = types.APIKeyRef(ref)
	if err := json.Unmarshal([]byte(envJSON), &sess.Env); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &sess.ClientMetadata); err != nil {
		return nil, err
	}
	return &sess, nil
}

func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
