package state

import (
	"sort"
	"sync"

	"github.com/chatwire/chatwire/model"
)

// Thread is the observable state of one message thread. The parent message
// is never canonical here: it lives in the owning channel's message map and
// is re-read through it, so a message or reaction event updating the parent
// keeps both views consistent.
type Thread struct {
	ParentID string

	channel *Channel

	mu           sync.RWMutex
	replies      map[string]model.Message
	oldestLoaded bool
	newestLoaded bool
	loadingOlder bool
	loadingNewer bool
}

// NewThread creates a thread container bound to its owning channel.
func NewThread(parentID string, channel *Channel) *Thread {
	return &Thread{
		ParentID: parentID,
		channel:  channel,
		replies:  map[string]model.Message{},
	}
}

// Parent returns the canonical parent message from the channel map.
func (t *Thread) Parent() (model.Message, bool) {
	return t.channel.Message(t.ParentID)
}

// UpsertReply merges a reply with the same last-writer-wins and tombstone
// rules as channel messages.
func (t *Thread) UpsertReply(msg model.Message) bool {
	if msg.ParentID != t.ParentID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.replies[msg.ID]
	if ok && existing.UpdatedAt.After(msg.UpdatedAt) {
		return false
	}
	if ok && existing.UpdatedAt.Equal(msg.UpdatedAt) &&
		existing.Deleted() == msg.Deleted() && !syncStatusChanged(existing, msg) {
		return false
	}

	next := make(map[string]model.Message, len(t.replies)+1)
	for id, m := range t.replies {
		next[id] = m
	}
	next[msg.ID] = msg
	t.replies = next
	return true
}

// Replies returns visible replies sorted by creation time, id tiebreak.
func (t *Thread) Replies() []model.Message {
	t.mu.RLock()
	snapshot := t.replies
	t.mu.RUnlock()

	out := make([]model.Message, 0, len(snapshot))
	for _, m := range snapshot {
		if m.Deleted() {
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

// Loading and boundary markers for reply pagination.
func (t *Thread) SetOldestLoaded(v bool) { t.mu.Lock(); t.oldestLoaded = v; t.mu.Unlock() }
func (t *Thread) SetNewestLoaded(v bool) { t.mu.Lock(); t.newestLoaded = v; t.mu.Unlock() }
func (t *Thread) SetLoadingOlder(v bool) { t.mu.Lock(); t.loadingOlder = v; t.mu.Unlock() }
func (t *Thread) SetLoadingNewer(v bool) { t.mu.Lock(); t.loadingNewer = v; t.mu.Unlock() }

func (t *Thread) OldestLoaded() bool { t.mu.RLock(); defer t.mu.RUnlock(); return t.oldestLoaded }
func (t *Thread) NewestLoaded() bool { t.mu.RLock(); defer t.mu.RUnlock(); return t.newestLoaded }
func (t *Thread) LoadingOlder() bool { t.mu.RLock(); defer t.mu.RUnlock(); return t.loadingOlder }
func (t *Thread) LoadingNewer() bool { t.mu.RLock(); defer t.mu.RUnlock(); return t.loadingNewer }
