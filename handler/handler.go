// Package handler contains the per-event merge logic: membership decisions
// for channel-list queries and the unconditional entity-level merges into
// the state containers.
package handler

import (
	"github.com/chatwire/chatwire/event"
	"github.com/chatwire/chatwire/model"
	"github.com/chatwire/chatwire/state"
)

// DecisionKind tags a membership decision.
type DecisionKind int

const (
	// Skip leaves the query result set untouched.
	Skip DecisionKind = iota
	// Add inserts the event's channel into the result set.
	Add
	// WatchAndAdd means the channel should be watched (fetched) first,
	// then added; used when the event carries no channel payload.
	WatchAndAdd
	// Remove drops the channel from the result set.
	Remove
)

// Decision is the outcome of handling one event against one query.
type Decision struct {
	Kind    DecisionKind
	CID     string
	Channel *model.Channel
}

// Request carries the query context a policy decides against.
type Request struct {
	Event         event.Event
	Filter        string
	Match         state.FilterMatcher
	CurrentUserID string
	// Cached is the locally known channel for the event's cid, nil when
	// not cached.
	Cached *model.Channel
}

// MembershipPolicy decides whether an event moves a channel in or out of a
// query result set. Pluggable: products select member-based or non-member
// views per query.
type MembershipPolicy interface {
	Handle(req Request) Decision
}

// DefaultPolicy implements the member-based view: channels enter when the
// current user becomes a member (and the filter matches) and leave when the
// membership ends.
type DefaultPolicy struct{}

func (DefaultPolicy) Handle(req Request) Decision {
	evt := req.Event
	switch evt.Kind {
	case event.KindNotificationAddedToChannel:
		return addIfMatches(req, evt.Channel, evt.CID)

	case event.KindMemberAdded:
		if evt.Member == nil || evt.Member.UserID != req.CurrentUserID {
			return Decision{Kind: Skip}
		}
		return addIfMatches(req, evt.Channel, evt.CID)

	case event.KindNotificationRemovedFromChannel:
		return Decision{Kind: Remove, CID: evt.CID}

	case event.KindMemberRemoved:
		if evt.Member == nil || evt.Member.UserID != req.CurrentUserID {
			return Decision{Kind: Skip}
		}
		return Decision{Kind: Remove, CID: evt.CID}

	case event.KindChannelDeleted:
		return Decision{Kind: Remove, CID: evt.CID}

	case event.KindChannelUpdated:
		// An update can change filter-relevant fields either way.
		if evt.Channel == nil || req.Match == nil {
			return Decision{Kind: Skip}
		}
		if req.Match(req.Filter, *evt.Channel) {
			return Decision{Kind: Add, CID: evt.CID, Channel: evt.Channel}
		}
		return Decision{Kind: Remove, CID: evt.CID}
	}
	return Decision{Kind: Skip}
}

// NonMemberPolicy implements the inverse view, used by moderation screens
// that list channels the user is NOT a member of: gaining membership
// removes the channel, losing it adds the channel back.
type NonMemberPolicy struct{}

func (NonMemberPolicy) Handle(req Request) Decision {
	evt := req.Event
	switch evt.Kind {
	case event.KindNotificationAddedToChannel:
		return Decision{Kind: Remove, CID: evt.CID}

	case event.KindMemberAdded:
		if evt.Member == nil || evt.Member.UserID != req.CurrentUserID {
			return Decision{Kind: Skip}
		}
		return Decision{Kind: Remove, CID: evt.CID}

	case event.KindNotificationRemovedFromChannel:
		return addIfMatches(req, evt.Channel, evt.CID)

	case event.KindMemberRemoved:
		if evt.Member == nil || evt.Member.UserID != req.CurrentUserID {
			return Decision{Kind: Skip}
		}
		return addIfMatches(req, evt.Channel, evt.CID)

	case event.KindChannelDeleted:
		return Decision{Kind: Remove, CID: evt.CID}
	}
	return Decision{Kind: Skip}
}

func addIfMatches(req Request, ch *model.Channel, cid string) Decision {
	if ch == nil {
		ch = req.Cached
	}
	if ch == nil {
		// No channel data to evaluate the filter against; the caller
		// must watch the channel first.
		return Decision{Kind: WatchAndAdd, CID: cid}
	}
	if req.Match != nil && !req.Match(req.Filter, *ch) {
		return Decision{Kind: Skip}
	}
	return Decision{Kind: Add, CID: cid, Channel: ch}
}
