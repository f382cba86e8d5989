// Package model holds the chat domain entities shared by the state
// containers, the repository, and the API gateway.
package model

import (
	"strings"
	"time"

	"github.com/chatwire/chatwire/apierr"
)

// SyncStatus tracks whether a locally mutated entity has been acknowledged
// by the server.
type SyncStatus string

const (
	SyncCompleted         SyncStatus = "completed"
	SyncNeeded            SyncStatus = "sync_needed"
	AwaitingAttachments   SyncStatus = "awaiting_attachments"
	SyncFailedPermanently SyncStatus = "failed_permanently"
)

// User is a chat user.
type User struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Online    bool           `json:"online,omitempty"`
	Banned    bool           `json:"banned,omitempty"`
	ExtraData map[string]any `json:"-"`
}

// Message is a chat message. DeletedAt being non-zero marks a tombstone:
// the message stays in channel maps for sort stability but is excluded
// from visible views.
type Message struct {
	ID        string         `json:"id"`
	CID       string         `json:"cid"`
	ParentID  string         `json:"parent_id,omitempty"`
	Text      string         `json:"text"`
	User      User           `json:"user"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt time.Time      `json:"deleted_at,omitzero"`
	Status    SyncStatus     `json:"-"`
	ExtraData map[string]any `json:"-"`
}

// Deleted reports whether the message is a tombstone.
func (m Message) Deleted() bool { return !m.DeletedAt.IsZero() }

// Reaction is a message reaction.
type Reaction struct {
	ID        string     `json:"id"`
	MessageID string     `json:"message_id"`
	CID       string     `json:"cid"`
	Type      string     `json:"type"`
	UserID    string     `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt time.Time  `json:"deleted_at,omitzero"`
	Status    SyncStatus `json:"-"`
}

// Member is a channel member.
type Member struct {
	UserID    string    `json:"user_id"`
	User      User      `json:"user"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Read is a per-user last-read marker inside a channel.
type Read struct {
	UserID      string    `json:"user_id"`
	LastReadAt  time.Time `json:"last_read_at"`
	UnreadCount int       `json:"unread_messages"`
}

// Channel is the server-side channel record.
type Channel struct {
	CID            string         `json:"cid"`
	Type           string         `json:"type"`
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Members        []Member       `json:"members,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	RecoveryNeeded bool           `json:"-"`
	Status         SyncStatus     `json:"-"`
	ExtraData      map[string]any `json:"-"`
}

// SplitCID splits a composite "channelType:channelId" identifier.
func SplitCID(cid string) (channelType, channelID string, err error) {
	parts := strings.SplitN(cid, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apierr.Validation("cid", "expected channelType:channelId, got "+cid)
	}
	return parts[0], parts[1], nil
}

// JoinCID builds a composite channel identifier.
func JoinCID(channelType, channelID string) string {
	return channelType + ":" + channelID
}
