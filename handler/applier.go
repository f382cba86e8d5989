package handler

import (
	"github.com/chatwire/chatwire/event"
	"github.com/chatwire/chatwire/model"
	"github.com/chatwire/chatwire/state"
	"go.uber.org/zap"
)

// Applier performs the entity-level merges for incoming events. These run
// unconditionally for every loaded channel, regardless of how membership
// policies treat the event: a new message always lands in the owning
// channel's message map as long as that channel is materialized.
type Applier struct {
	registry *state.Registry
	global   *state.Global
	client   *state.Client
	logger   *zap.Logger
}

// NewApplier creates the merge applier for one session's containers.
func NewApplier(registry *state.Registry, global *state.Global, client *state.Client, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{registry: registry, global: global, client: client, logger: logger}
}

// Apply merges one event into the containers. A single exhaustive switch
// over the closed kind set; unknown kinds are ignored for forward
// compatibility.
func (a *Applier) Apply(evt event.Event) {
	switch evt.Kind {
	case event.KindConnectionOK:
		if evt.Me != nil {
			a.global.User().Set(*evt.Me)
			a.client.User().Set(*evt.Me)
			a.global.Banned().Set(evt.Me.Banned)
		}
		a.global.SetCounts(evt.TotalUnreadCount, evt.UnreadChannels)

	case event.KindHealthCheck:
		// Liveness only; handled by the socket state machine.

	case event.KindConnectionError:
		// Surfaced to observers through the dispatcher itself.

	case event.KindMessageNew, event.KindNotificationMessageNew, event.KindMessageUpdated:
		a.applyMessage(evt)
		if evt.Kind != event.KindMessageUpdated {
			a.bumpUnreads(evt)
		}

	case event.KindMessageDeleted:
		if evt.Message == nil {
			return
		}
		msg := *evt.Message
		if msg.DeletedAt.IsZero() {
			msg.DeletedAt = evt.CreatedAt
		}
		if ch, ok := a.loadedChannel(evt); ok {
			ch.DeleteMessage(msg)
		}
		if msg.ParentID != "" {
			if t, ok := a.registry.LoadedThread(msg.ParentID); ok {
				t.UpsertReply(msg)
			}
		}

	case event.KindReactionNew, event.KindReactionDeleted:
		// Reaction events carry the updated parent message; merging it
		// through the usual upsert keeps channel and thread views
		// consistent.
		a.applyMessage(evt)

	case event.KindTypingStart:
		if ch, ok := a.loadedChannel(evt); ok && evt.User != nil {
			ch.SetTyping(evt.User.ID, evt.ReceivedAt)
		}

	case event.KindTypingStop:
		if ch, ok := a.loadedChannel(evt); ok && evt.User != nil {
			ch.ClearTyping(evt.User.ID)
		}

	case event.KindMessageRead, event.KindNotificationMarkRead:
		if ch, ok := a.loadedChannel(evt); ok && evt.User != nil {
			ch.SetRead(model.Read{UserID: evt.User.ID, LastReadAt: evt.CreatedAt})
		}
		if evt.User != nil && evt.User.ID == a.client.User().Get().ID {
			a.global.SetCounts(evt.TotalUnreadCount, evt.UnreadChannels)
			a.global.SetChannelUnread(evt.CID, 0)
		}

	case event.KindMemberAdded, event.KindNotificationAddedToChannel:
		if ch, ok := a.loadedChannel(evt); ok && evt.Member != nil {
			ch.UpsertMember(*evt.Member)
		}

	case event.KindMemberRemoved, event.KindNotificationRemovedFromChannel:
		if ch, ok := a.loadedChannel(evt); ok && evt.Member != nil {
			ch.RemoveMember(evt.Member.UserID)
		}

	case event.KindChannelUpdated:
		// Channel metadata is owned by the repository; membership
		// changes ship as member events. Nothing to merge here.

	case event.KindChannelDeleted:
		a.registry.DropChannel(evt.CID)

	case event.KindUserWatchingStart:
		if ch, ok := a.loadedChannel(evt); ok && evt.User != nil {
			ch.AddWatcher(*evt.User)
		}

	case event.KindUserWatchingStop:
		if ch, ok := a.loadedChannel(evt); ok && evt.User != nil {
			ch.RemoveWatcher(evt.User.ID)
		}

	case event.KindPushMessage:
		// Synthetic notification; carries ids only, nothing to merge.

	default:
		a.logger.Debug("unhandled event kind", zap.String("kind", evt.Kind))
	}
}

func (a *Applier) applyMessage(evt event.Event) {
	if evt.Message == nil {
		return
	}
	msg := *evt.Message
	if ch, ok := a.loadedChannel(evt); ok {
		ch.UpsertMessage(msg)
	}
	if msg.ParentID != "" {
		if t, ok := a.registry.LoadedThread(msg.ParentID); ok {
			t.UpsertReply(msg)
		}
	}
}

func (a *Applier) bumpUnreads(evt event.Event) {
	if evt.Message == nil {
		return
	}
	me := a.client.User().Get().ID
	if me == "" || evt.Message.User.ID == me {
		return
	}
	if evt.TotalUnreadCount > 0 || evt.UnreadChannels > 0 {
		a.global.SetCounts(evt.TotalUnreadCount, evt.UnreadChannels)
	}
	a.global.SetChannelUnread(evt.CID, a.global.ChannelUnread(evt.CID)+1)
}

func (a *Applier) loadedChannel(evt event.Event) (*state.Channel, bool) {
	if evt.CID == "" {
		return nil, false
	}
	return a.registry.LoadedChannel(evt.CID)
}
