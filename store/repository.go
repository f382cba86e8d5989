// Package store persists the offline cache: channels, messages, reactions,
// and sync checkpoints. The Repository interface is what the sync manager
// and state containers consume; DB is the SQLite implementation.
package store

import "github.com/chatwire/chatwire/model"

// Repository is the persistence read/write contract.
type Repository interface {
	// Dirty-entity selection for reconciliation.
	SelectChannelIDsNeedingSync() ([]string, error)
	SelectMessageIDsBySyncStatus(status model.SyncStatus) ([]string, error)
	SelectReactionIDsBySyncStatus(status model.SyncStatus) ([]string, error)

	SelectChannel(cid string) (*model.Channel, error)
	SelectMessage(id string) (*model.Message, error)
	SelectReaction(id string) (*model.Reaction, error)

	UpsertChannel(ch model.Channel) error
	UpsertMessage(m model.Message) error
	UpsertReaction(r model.Reaction) error

	UpdateMessageSyncStatus(id string, status model.SyncStatus) error
	UpdateReactionSyncStatus(id string, status model.SyncStatus) error
	SetChannelRecoveryNeeded(cid string, needed bool) error

	DeleteChannel(cid string) error
	DeleteMessage(id string) error
	DeleteReaction(id string) error

	// Sync checkpoints (last synced-at markers), keyed by name.
	GetCheckpoint(key string) (string, error)
	SetCheckpoint(key, value string) error

	// Clear wipes everything, used on logout.
	Clear() error
}
