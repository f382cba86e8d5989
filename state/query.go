package state

import (
	"sync"

	"github.com/chatwire/chatwire/model"
)

// QueryKey identifies one channel-list query by its filter and sort.
type QueryKey struct {
	Filter string
	Sort   string
}

// FilterMatcher reports whether a channel satisfies a query's filter.
// Implemented by the session against the backend's filter language; the
// event handler only needs the yes/no answer.
type FilterMatcher func(filter string, ch model.Channel) bool

// QueryChannels is the observable result set of one channel-list query:
// the current cid ordering, the next-page cursor, and the recovery flag.
type QueryChannels struct {
	Key QueryKey

	mu             sync.RWMutex
	cids           []string
	index          map[string]struct{}
	nextCursor     string
	recoveryNeeded bool
}

// NewQueryChannels creates an empty result set for the given key.
func NewQueryChannels(key QueryKey) *QueryChannels {
	return &QueryChannels{Key: key, index: map[string]struct{}{}}
}

// SetResult replaces the whole ordering, as returned by a fresh query.
func (q *QueryChannels) SetResult(cids []string, nextCursor string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cids = append([]string(nil), cids...)
	q.index = make(map[string]struct{}, len(cids))
	for _, cid := range cids {
		q.index[cid] = struct{}{}
	}
	q.nextCursor = nextCursor
}

// Add prepends a channel to the result set if absent. New channels enter at
// the top, matching the default created-at-descending sort.
func (q *QueryChannels) Add(cid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[cid]; ok {
		return false
	}
	q.cids = append([]string{cid}, q.cids...)
	q.index[cid] = struct{}{}
	return true
}

// Remove drops a channel from the result set.
func (q *QueryChannels) Remove(cid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[cid]; !ok {
		return false
	}
	delete(q.index, cid)
	next := make([]string, 0, len(q.cids)-1)
	for _, c := range q.cids {
		if c != cid {
			next = append(next, c)
		}
	}
	q.cids = next
	return true
}

// Contains reports membership.
func (q *QueryChannels) Contains(cid string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.index[cid]
	return ok
}

// CIDs returns a snapshot of the current ordering.
func (q *QueryChannels) CIDs() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]string(nil), q.cids...)
}

// NextCursor returns the pagination cursor for the next page.
func (q *QueryChannels) NextCursor() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.nextCursor
}

// SetRecoveryNeeded flags the query for re-execution on the next sync.
func (q *QueryChannels) SetRecoveryNeeded(v bool) {
	q.mu.Lock()
	q.recoveryNeeded = v
	q.mu.Unlock()
}

func (q *QueryChannels) RecoveryNeeded() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.recoveryNeeded
}
