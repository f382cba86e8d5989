package store

import (
	"database/sql"
	"time"

	"github.com/chatwire/chatwire/model"
)

// UpsertChannel inserts or updates a channel record.
func (db *DB) UpsertChannel(ch model.Channel) error {
	_, err := db.Exec(`
		INSERT INTO channels (cid, channel_type, channel_id, name, sync_status, recovery_needed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET
			name = excluded.name,
			sync_status = excluded.sync_status,
			recovery_needed = excluded.recovery_needed,
			updated_at = excluded.updated_at`,
		ch.CID, ch.Type, ch.ID, ch.Name, string(syncStatusOrDefault(ch.Status)),
		boolToInt(ch.RecoveryNeeded), ch.CreatedAt.UnixMilli(), ch.UpdatedAt.UnixMilli())
	return err
}

// SelectChannel returns the channel by cid, or nil when absent.
func (db *DB) SelectChannel(cid string) (*model.Channel, error) {
	row := db.QueryRow(`
		SELECT cid, channel_type, channel_id, name, sync_status, recovery_needed, created_at, updated_at
		FROM channels WHERE cid = ?`, cid)

	var ch model.Channel
	var status string
	var recovery int
	var createdAt, updatedAt int64
	err := row.Scan(&ch.CID, &ch.Type, &ch.ID, &ch.Name, &status, &recovery, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ch.Status = model.SyncStatus(status)
	ch.RecoveryNeeded = recovery != 0
	ch.CreatedAt = time.UnixMilli(createdAt)
	ch.UpdatedAt = time.UnixMilli(updatedAt)
	return &ch, nil
}

// SelectChannelIDsNeedingSync returns cids flagged for recovery or whose
// local creation has not been acknowledged.
func (db *DB) SelectChannelIDsNeedingSync() ([]string, error) {
	rows, err := db.Query(`
		SELECT cid FROM channels
		WHERE recovery_needed = 1 OR sync_status = ?
		ORDER BY created_at ASC`, string(model.SyncNeeded))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

// SetChannelRecoveryNeeded flips the recovery flag.
func (db *DB) SetChannelRecoveryNeeded(cid string, needed bool) error {
	_, err := db.Exec(`UPDATE channels SET recovery_needed = ?, updated_at = ? WHERE cid = ?`,
		boolToInt(needed), time.Now().UnixMilli(), cid)
	return err
}

// DeleteChannel removes a channel row.
func (db *DB) DeleteChannel(cid string) error {
	_, err := db.Exec(`DELETE FROM channels WHERE cid = ?`, cid)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
