// Package event defines the domain events decoded from the realtime socket
// and the in-process dispatcher that fans them out to subscribers.
package event

import (
	"time"

	"github.com/chatwire/chatwire/model"
)

// Event kinds. The set is closed: handlers switch exhaustively on Kind
// instead of dispatching on Go subtypes.
const (
	KindConnectionOK    = "connection.ok"
	KindConnectionError = "connection.error"
	KindHealthCheck     = "health.check"

	KindMessageNew     = "message.new"
	KindMessageUpdated = "message.updated"
	KindMessageDeleted = "message.deleted"
	KindMessageRead    = "message.read"

	KindReactionNew     = "reaction.new"
	KindReactionDeleted = "reaction.deleted"

	KindTypingStart = "typing.start"
	KindTypingStop  = "typing.stop"

	KindMemberAdded    = "member.added"
	KindMemberRemoved  = "member.removed"
	KindChannelUpdated = "channel.updated"
	KindChannelDeleted = "channel.deleted"

	KindNotificationAddedToChannel     = "notification.added_to_channel"
	KindNotificationRemovedFromChannel = "notification.removed_from_channel"
	KindNotificationMessageNew         = "notification.message_new"
	KindNotificationMarkRead           = "notification.mark_read"

	KindUserWatchingStart = "user.watching.start"
	KindUserWatchingStop  = "user.watching.stop"

	KindPushMessage = "push.message"

	KindSyncFailed = "sync.entity_failed"
)

// Event is a single domain event. It is a closed tagged union: Kind selects
// which payload fields are meaningful. Immutable once constructed.
type Event struct {
	Kind string `json:"type"`

	// CreatedAt is the server-assigned creation timestamp. ReceivedAt is
	// stamped by the client on arrival and never crosses the wire.
	CreatedAt  time.Time `json:"created_at"`
	ReceivedAt time.Time `json:"-"`

	CID          string `json:"cid,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`

	User     *model.User     `json:"user,omitempty"`
	Me       *model.User     `json:"me,omitempty"`
	Message  *model.Message  `json:"message,omitempty"`
	Reaction *model.Reaction `json:"reaction,omitempty"`
	Channel  *model.Channel  `json:"channel,omitempty"`
	Member   *model.Member   `json:"member,omitempty"`

	TotalUnreadCount int `json:"total_unread_count,omitempty"`
	UnreadChannels   int `json:"unread_channels,omitempty"`

	// Err carries the failure for connection.error and sync.entity_failed
	// events. Local only.
	Err error `json:"-"`

	ExtraData map[string]any `json:"-"`
}

// IsHealth reports whether the event keeps the connection alive without
// carrying channel data.
func (e Event) IsHealth() bool {
	return e.Kind == KindHealthCheck || e.Kind == KindConnectionOK
}
