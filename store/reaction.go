package store

import (
	"database/sql"
	"time"

	"github.com/chatwire/chatwire/model"
)

// UpsertReaction inserts or updates a reaction, idempotent on id, with the
// same timestamp guard as messages.
func (db *DB) UpsertReaction(r model.Reaction) error {
	_, err := db.Exec(`
		INSERT INTO reactions (id, message_id, cid, reaction_type, user_id, sync_status, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
		WHERE excluded.updated_at >= reactions.updated_at`,
		r.ID, r.MessageID, r.CID, r.Type, r.UserID, string(syncStatusOrDefault(r.Status)),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(), unixMilliOrZero(r.DeletedAt))
	return err
}

// SelectReaction returns the reaction by id, or nil when absent.
func (db *DB) SelectReaction(id string) (*model.Reaction, error) {
	row := db.QueryRow(`
		SELECT id, message_id, cid, reaction_type, user_id, sync_status, created_at, updated_at, deleted_at
		FROM reactions WHERE id = ?`, id)
	r, err := scanReaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// SelectReactionIDsBySyncStatus returns ids of reactions in the given sync
// state, oldest first.
func (db *DB) SelectReactionIDsBySyncStatus(status model.SyncStatus) ([]string, error) {
	rows, err := db.Query(`
		SELECT id FROM reactions WHERE sync_status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

// UpdateReactionSyncStatus sets the sync status for one reaction without
// touching updated_at, which carries the server entity version.
func (db *DB) UpdateReactionSyncStatus(id string, status model.SyncStatus) error {
	_, err := db.Exec(`UPDATE reactions SET sync_status = ? WHERE id = ?`,
		string(status), id)
	return err
}

// DeleteReaction removes a reaction row.
func (db *DB) DeleteReaction(id string) error {
	_, err := db.Exec(`DELETE FROM reactions WHERE id = ?`, id)
	return err
}

func scanReaction(row rowScanner) (*model.Reaction, error) {
	var r model.Reaction
	var status string
	var createdAt, updatedAt, deletedAt int64
	if err := row.Scan(&r.ID, &r.MessageID, &r.CID, &r.Type, &r.UserID, &status,
		&createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	r.Status = model.SyncStatus(status)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	if deletedAt > 0 {
		r.DeletedAt = time.UnixMilli(deletedAt)
	}
	return &r, nil
}
