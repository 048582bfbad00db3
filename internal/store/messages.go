package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// SaveMessage appends a message. History is append-only, ordered by
// (sessionId, timestamp, id).
func (s *Store) SaveMessage(ctx context.Context, msg *types.Message) error {
	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content_json, timestamp, metadata_json)
		VALUES (?,?,?,?,?,?)`,
		msg.ID, msg.SessionID, string(msg.Role), string(contentJSON), msg.Timestamp, string(metaJSON),
	)
	return err
}

// ListMessages returns a session's persisted history ascending by
// timestamp, optionally paginated.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*types.Message, error) {
	query := `SELECT id, session_id, role, content_json, timestamp, metadata_json
		FROM messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CountMessages returns the total number of persisted messages for a
// session, used to populate a listMessages "total" field independent of
// pagination.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

func scanMessage(row scanner) (*types.Message, error) {
	var msg types.Message
	var role, contentJSON, metaJSON string
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &contentJSON, &msg.Timestamp, &metaJSON); err != nil {
		return nil, err
	}
	msg.Role = types.Role(role)
	if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
		return nil, err
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &msg.Metadata); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

// LogEvent appends a session event, assigning the next sequence number
// for that session.
func (s *Store) LogEvent(ctx context.Context, ev *types.SessionEvent) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM session_events WHERE session_id = ?`, ev.SessionID).Scan(&maxSeq); err != nil {
		return err
	}
	ev.Seq = maxSeq.Int64 + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (seq, session_id, type, payload_json, timestamp)
		VALUES (?,?,?,?,?)`,
		ev.Seq, ev.SessionID, string(ev.Type), string(payloadJSON), ev.Timestamp,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ListEvents returns a session's audit log descending (most recent
// first); audit consumers want tails.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]*types.SessionEvent, error) {
	query := `SELECT seq, session_id, type, payload_json, timestamp
		FROM session_events WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SessionEvent
	for rows.Next() {
		var ev types.SessionEvent
		var typ, payloadJSON string
		if err := rows.Scan(&ev.Seq, &ev.SessionID, &typ, &payloadJSON, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Type = types.SessionEventType(typ)
		var payload any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ListEventsAfter returns events strictly after seq, ascending — used by
// the bounded reconnect-replay endpoint.
func (s *Store) ListEventsAfter(ctx context.Context, sessionID string, afterSeq int64) ([]*types.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, session_id, type, payload_json, timestamp
		FROM session_events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`, sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SessionEvent
	for rows.Next() {
		var ev types.SessionEvent
		var typ, payloadJSON string
		if err := rows.Scan(&ev.Seq, &ev.SessionID, &typ, &payloadJSON, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Type = types.SessionEventType(typ)
		var payload any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- Workspaces ---

// SaveWorkspace inserts a workspace record if it does not already exist.
func (s *Store) SaveWorkspace(ctx context.Context, ws *types.Workspace) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO workspaces (id, repo_root) VALUES (?, ?)`, ws.ID, ws.RepoRoot)
	return err
}

// GetWorkspace fetches a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*types.Workspace, error) {
	var ws types.Workspace
	err := s.db.QueryRowContext(ctx, `SELECT id, repo_root FROM workspaces WHERE id = ?`, id).Scan(&ws.ID, &ws.RepoRoot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &ws, err
}

// SaveWorkspaceAgent persists the binding between a workspace and the
// session using an isolated worktree of it.
func (s *Store) SaveWorkspaceAgent(ctx context.Context, wa *types.WorkspaceAgent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_agents (workspace_id, session_id, branch, worktree_path)
		VALUES (?,?,?,?)`, wa.WorkspaceID, wa.SessionID, wa.Branch, wa.WorktreePath)
	return err
}

// GetWorkspaceAgent fetches the workspace binding for a session, if any.
func (s *Store) GetWorkspaceAgent(ctx context.Context, sessionID string) (*types.WorkspaceAgent, error) {
	var wa types.WorkspaceAgent
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, session_id, branch, worktree_path FROM workspace_agents WHERE session_id = ?`,
		sessionID).Scan(&wa.WorkspaceID, &wa.SessionID, &wa.Branch, &wa.WorktreePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &wa, err
}

// DeleteWorkspaceAgent removes a workspace binding. Bindings (and their
// worktrees) outlive sessions on purpose so users can still inspect
// changes; only an explicit cleanup call removes them.
func (s *Store) DeleteWorkspaceAgent(ctx context.Context, workspaceID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspace_agents WHERE workspace_id = ? AND session_id = ?`,
		workspaceID, sessionID)
	if err != nil {
		return err
	}
	return checkAffected(res, ErrNotFound)
}
