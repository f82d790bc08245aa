package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session roles. Viewers receive updates but the transport refuses their
// document edits.
const (
	RoleEdit = "edit"
	RoleView = "view"
)

// Session is one persistent collaboration room.
type Session struct {
	RoomID    string `json:"room_id"`
	ProjectID string `json:"project_id"`
	OwnerID   string `json:"owner_id,omitempty"`
	Role      string `json:"role"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// CreateSession inserts a session for the room, or returns the existing one
// unchanged: sharing the same room twice is idempotent.
func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.Role == "" {
		sess.Role = RoleEdit
	}
	if sess.Role != RoleEdit && sess.Role != RoleView {
		return Session{}, fmt.Errorf("store: invalid role %q", sess.Role)
	}
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO share_sessions (room_id, project_id, owner_id, role, created_at, updated_at, expires_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(room_id) DO NOTHING`,
		sess.RoomID, sess.ProjectID, nullStr(sess.OwnerID), sess.Role, now, now, nullInt(sess.ExpiresAt),
	)
	if err != nil {
		return Session{}, fmt.Errorf("store: create session: %w", err)
	}
	return s.GetSession(ctx, sess.RoomID)
}

// GetSession returns the session for a room, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, roomID string) (Session, error) {
	var (
		sess      Session
		ownerID   sql.NullString
		expiresAt sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT room_id, project_id, owner_id, role, created_at, updated_at, expires_at
		FROM share_sessions WHERE room_id = ?`, roomID).Scan(
		&sess.RoomID, &sess.ProjectID, &ownerID, &sess.Role,
		&sess.CreatedAt, &sess.UpdatedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: get session: %w", err)
	}
	sess.OwnerID = ownerID.String
	sess.ExpiresAt = expiresAt.Int64
	return sess, nil
}

// SessionsByProject returns all sessions sharing a project, newest first.
func (s *Store) SessionsByProject(ctx context.Context, projectID string) ([]Session, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT room_id, project_id, owner_id, role, created_at, updated_at, expires_at
		FROM share_sessions WHERE project_id = ?
		ORDER BY created_at DESC, room_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: sessions by project: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess      Session
			ownerID   sql.NullString
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&sess.RoomID, &sess.ProjectID, &ownerID, &sess.Role,
			&sess.CreatedAt, &sess.UpdatedAt, &expiresAt); err != nil {
			return nil, err
		}
		sess.OwnerID = ownerID.String
		sess.ExpiresAt = expiresAt.Int64
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SaveSnapshot upserts the opaque snapshot bytes for a room. A session row
// is created on first save when the room was never explicitly shared.
func (s *Store) SaveSnapshot(ctx context.Context, roomID string, data []byte, projectID string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO share_sessions (room_id, project_id, role, snapshot, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(room_id) DO UPDATE SET
			snapshot   = excluded.snapshot,
			project_id = CASE WHEN excluded.project_id != '' THEN excluded.project_id ELSE project_id END,
			updated_at = excluded.updated_at`,
		roomID, projectID, RoleEdit, data, now, now,
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot for a room, or (nil, nil) when the
// room has no session or the session has never been saved.
func (s *Store) LoadSnapshot(ctx context.Context, roomID string) ([]byte, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx, `
		SELECT snapshot FROM share_sessions WHERE room_id = ?`, roomID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load snapshot: %w", err)
	}
	return data, nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (s *Store) DeleteSession(ctx context.Context, roomID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM share_sessions WHERE room_id = ?`, roomID)
	return err
}

// CleanupExpired deletes sessions whose expiry has passed and reports how
// many rows went away.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM share_sessions
		WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: cleanup expired: %w", err)
	}
	return res.RowsAffected()
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
