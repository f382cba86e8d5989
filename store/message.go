package store

import (
	"database/sql"
	"time"

	"github.com/chatwire/chatwire/model"
)

// UpsertMessage inserts or updates a message, idempotent on id. An
// on-conflict update only applies when the incoming updated_at is not
// older than the stored one, mirroring the in-memory last-writer-wins rule.
func (db *DB) UpsertMessage(m model.Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (id, cid, parent_id, user_id, body, sync_status, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
		WHERE excluded.updated_at >= messages.updated_at`,
		m.ID, m.CID, m.ParentID, m.User.ID, m.Text, string(syncStatusOrDefault(m.Status)),
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(), unixMilliOrZero(m.DeletedAt))
	return err
}

// SelectMessage returns the message by id, or nil when absent.
func (db *DB) SelectMessage(id string) (*model.Message, error) {
	row := db.QueryRow(`
		SELECT id, cid, parent_id, user_id, body, sync_status, created_at, updated_at, deleted_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// SelectMessageIDsBySyncStatus returns ids of messages in the given sync
// state, oldest first so replays preserve original submission order.
func (db *DB) SelectMessageIDsBySyncStatus(status model.SyncStatus) ([]string, error) {
	rows, err := db.Query(`
		SELECT id FROM messages WHERE sync_status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

// UpdateMessageSyncStatus sets the sync status for one message. The row's
// updated_at stays untouched: it holds the server entity version, and
// writing local clock time there would make the upsert guard reject
// later server-authoritative copies.
func (db *DB) UpdateMessageSyncStatus(id string, status model.SyncStatus) error {
	_, err := db.Exec(`UPDATE messages SET sync_status = ? WHERE id = ?`,
		string(status), id)
	return err
}

// DeleteMessage removes a message row outright. Tombstoning is the normal
// path; physical deletes serve retention sweeps and outdated dirty entities.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// SweepTombstones physically deletes synced tombstones deleted before the
// cutoff. Dirty tombstones stay until their deletion has been pushed.
func (db *DB) SweepTombstones(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM messages WHERE deleted_at > 0 AND deleted_at < ? AND sync_status = ?`,
		cutoff.UnixMilli(), string(model.SyncCompleted))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListMessages returns messages for a channel using keyset pagination by
// creation time, newest first.
func (db *DB) ListMessages(cid string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeMs := before.UnixMilli()
	if before.IsZero() {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, cid, parent_id, user_id, body, sync_status, created_at, updated_at, deleted_at
		FROM messages
		WHERE cid = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, cid, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (*model.Message, error) {
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func scanMessageRow(row rowScanner) (*model.Message, error) {
	var m model.Message
	var status string
	var createdAt, updatedAt, deletedAt int64
	if err := row.Scan(&m.ID, &m.CID, &m.ParentID, &m.User.ID, &m.Text, &status,
		&createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	m.Status = model.SyncStatus(status)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	if deletedAt > 0 {
		m.DeletedAt = time.UnixMilli(deletedAt)
	}
	return &m, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func syncStatusOrDefault(s model.SyncStatus) model.SyncStatus {
	if s == "" {
		return model.SyncCompleted
	}
	return s
}
