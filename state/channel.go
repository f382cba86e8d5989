package state

import (
	"sort"
	"sync"
	"time"

	"github.com/chatwire/chatwire/model"
)

// Channel is the observable state of one channel: raw message map plus a
// derived sorted view, members, reads, watchers, typing users, pagination
// cursors, and the recovery flag.
//
// Message maps are copy-on-write: every mutation installs a fresh map, so a
// snapshot handed to an observer is never mutated underneath it.
type Channel struct {
	CID         string
	ChannelType string
	ChannelID   string

	mu       sync.RWMutex
	messages map[string]model.Message
	members  map[string]model.Member
	reads    map[string]model.Read
	watchers map[string]model.User
	typing   map[string]time.Time

	endOfOlder     bool
	endOfNewer     bool
	recoveryNeeded bool
	hidden         bool
}

// NewChannel creates an empty channel container for the given cid.
func NewChannel(cid string) (*Channel, error) {
	channelType, channelID, err := model.SplitCID(cid)
	if err != nil {
		return nil, err
	}
	return &Channel{
		CID:         cid,
		ChannelType: channelType,
		ChannelID:   channelID,
		messages:    map[string]model.Message{},
		members:     map[string]model.Member{},
		reads:       map[string]model.Read{},
		watchers:    map[string]model.User{},
		typing:      map[string]time.Time{},
	}, nil
}

// UpsertMessage merges msg into the channel, keyed by id, last writer wins
// by server UpdatedAt. An incoming copy older than the cached one is
// rejected so that retries and reconnection replay can never regress newer
// local state. Returns whether the map changed.
func (c *Channel) UpsertMessage(msg model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.messages[msg.ID]
	if ok && existing.UpdatedAt.After(msg.UpdatedAt) {
		return false
	}
	if ok && existing.UpdatedAt.Equal(msg.UpdatedAt) &&
		existing.Deleted() == msg.Deleted() && !syncStatusChanged(existing, msg) {
		// Same version already applied. Idempotent no-op.
		return false
	}

	next := make(map[string]model.Message, len(c.messages)+1)
	for id, m := range c.messages {
		next[id] = m
	}
	next[msg.ID] = msg
	c.messages = next
	return true
}

// syncStatusChanged reports whether msg carries a new sync status for an
// equal-version copy. Status transitions happen without a server timestamp
// bump, so they must pass the idempotence guard. An unset incoming status
// never counts: replayed server copies omit it and must not regress a
// settled one.
func syncStatusChanged(existing, msg model.Message) bool {
	return msg.Status != "" && msg.Status != existing.Status
}

// DeleteMessage tombstones the message: it stays in the map with DeletedAt
// set so sort stability and thread back-references remain valid, but is
// excluded from the visible view. The tombstone carries the event's
// UpdatedAt so the usual last-writer-wins rule applies.
func (c *Channel) DeleteMessage(msg model.Message) bool {
	if msg.DeletedAt.IsZero() {
		msg.DeletedAt = msg.UpdatedAt
	}
	return c.UpsertMessage(msg)
}

// Message returns the cached message by id, tombstones included.
func (c *Channel) Message(id string) (model.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.messages[id]
	return m, ok
}

// Messages returns the visible messages sorted by creation time, ties
// broken by id. Tombstoned messages are excluded.
func (c *Channel) Messages() []model.Message {
	return c.sorted(false)
}

// AllMessages returns the full sorted sequence including tombstones.
func (c *Channel) AllMessages() []model.Message {
	return c.sorted(true)
}

func (c *Channel) sorted(includeDeleted bool) []model.Message {
	c.mu.RLock()
	snapshot := c.messages
	c.mu.RUnlock()

	out := make([]model.Message, 0, len(snapshot))
	for _, m := range snapshot {
		if !includeDeleted && m.Deleted() {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SweepTombstones removes tombstones deleted before the cutoff. Retention
// keeps recent tombstones for sort stability; old ones can go.
func (c *Channel) SweepTombstones(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	swept := 0
	next := make(map[string]model.Message, len(c.messages))
	for id, m := range c.messages {
		if m.Deleted() && m.DeletedAt.Before(cutoff) {
			swept++
			continue
		}
		next[id] = m
	}
	if swept > 0 {
		c.messages = next
	}
	return swept
}

// UpsertMember adds or replaces a channel member.
func (c *Channel) UpsertMember(m model.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]model.Member, len(c.members)+1)
	for id, v := range c.members {
		next[id] = v
	}
	next[m.UserID] = m
	c.members = next
}

// RemoveMember removes the member with the given user id.
func (c *Channel) RemoveMember(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[userID]; !ok {
		return
	}
	next := make(map[string]model.Member, len(c.members))
	for id, v := range c.members {
		if id != userID {
			next[id] = v
		}
	}
	c.members = next
}

// Members returns a snapshot of the member list.
func (c *Channel) Members() []model.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsMember reports whether userID is currently a member.
func (c *Channel) IsMember(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[userID]
	return ok
}

// SetRead advances the per-user read marker. Older markers never regress a
// newer one.
func (c *Channel) SetRead(r model.Read) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.reads[r.UserID]
	if ok && existing.LastReadAt.After(r.LastReadAt) {
		return
	}
	next := make(map[string]model.Read, len(c.reads)+1)
	for id, v := range c.reads {
		next[id] = v
	}
	next[r.UserID] = r
	c.reads = next
}

// Read returns the read marker for a user.
func (c *Channel) Read(userID string) (model.Read, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reads[userID]
	return r, ok
}

// SetTyping records that userID is typing as of now. ClearTyping removes
// the entry; PruneTyping removes entries whose last signal is older than
// the given age, covering lost typing.stop events.
func (c *Channel) SetTyping(userID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]time.Time, len(c.typing)+1)
	for id, t := range c.typing {
		next[id] = t
	}
	next[userID] = at
	c.typing = next
}

func (c *Channel) ClearTyping(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.typing[userID]; !ok {
		return
	}
	next := make(map[string]time.Time, len(c.typing))
	for id, t := range c.typing {
		if id != userID {
			next[id] = t
		}
	}
	c.typing = next
}

func (c *Channel) PruneTyping(maxAge time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]time.Time, len(c.typing))
	for id, t := range c.typing {
		if now.Sub(t) <= maxAge {
			next[id] = t
		}
	}
	c.typing = next
}

// TypingUsers returns the ids of users currently typing.
func (c *Channel) TypingUsers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.typing))
	for id := range c.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AddWatcher and RemoveWatcher maintain the watcher set.
func (c *Channel) AddWatcher(u model.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]model.User, len(c.watchers)+1)
	for id, v := range c.watchers {
		next[id] = v
	}
	next[u.ID] = u
	c.watchers = next
}

func (c *Channel) RemoveWatcher(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watchers[userID]; !ok {
		return
	}
	next := make(map[string]model.User, len(c.watchers))
	for id, v := range c.watchers {
		if id != userID {
			next[id] = v
		}
	}
	c.watchers = next
}

// WatcherCount returns the number of watchers.
func (c *Channel) WatcherCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.watchers)
}

// Pagination cursor flags.
func (c *Channel) SetEndOfOlder(v bool) { c.mu.Lock(); c.endOfOlder = v; c.mu.Unlock() }
func (c *Channel) SetEndOfNewer(v bool) { c.mu.Lock(); c.endOfNewer = v; c.mu.Unlock() }

func (c *Channel) EndOfOlder() bool { c.mu.RLock(); defer c.mu.RUnlock(); return c.endOfOlder }
func (c *Channel) EndOfNewer() bool { c.mu.RLock(); defer c.mu.RUnlock(); return c.endOfNewer }

// SetRecoveryNeeded flags the channel for a server-authoritative refresh on
// the next sync.
func (c *Channel) SetRecoveryNeeded(v bool) {
	c.mu.Lock()
	c.recoveryNeeded = v
	c.mu.Unlock()
}

func (c *Channel) RecoveryNeeded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recoveryNeeded
}
