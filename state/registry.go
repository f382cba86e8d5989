package state

import "sync"

// Registry owns the lazily created channel, thread, and query containers
// for one session. Containers are created on first access and torn down by
// dropping them when the last observer unsubscribes.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
	threads  map[string]*Thread
	queries  map[QueryKey]*QueryChannels
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: map[string]*Channel{},
		threads:  map[string]*Thread{},
		queries:  map[QueryKey]*QueryChannels{},
	}
}

// Channel returns the container for cid, creating it on first use.
func (r *Registry) Channel(cid string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[cid]; ok {
		return ch, nil
	}
	ch, err := NewChannel(cid)
	if err != nil {
		return nil, err
	}
	r.channels[cid] = ch
	return ch, nil
}

// LoadedChannel returns the container only if it already exists. Events for
// channels nobody watches are not materialized.
func (r *Registry) LoadedChannel(cid string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[cid]
	return ch, ok
}

// LoadedChannels returns all currently materialized channels.
func (r *Registry) LoadedChannels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// DropChannel releases the container for cid. Also drops threads rooted in
// that channel.
func (r *Registry) DropChannel(cid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[cid]
	if !ok {
		return
	}
	delete(r.channels, cid)
	for parentID, t := range r.threads {
		if t.channel == ch {
			delete(r.threads, parentID)
		}
	}
}

// Thread returns the thread container for a parent message, creating it on
// first use. The owning channel must already be resolvable from cid.
func (r *Registry) Thread(cid, parentID string) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[parentID]; ok {
		return t, nil
	}
	ch, ok := r.channels[cid]
	if !ok {
		var err error
		ch, err = NewChannel(cid)
		if err != nil {
			return nil, err
		}
		r.channels[cid] = ch
	}
	t := NewThread(parentID, ch)
	r.threads[parentID] = t
	return t, nil
}

// LoadedThread returns an existing thread container.
func (r *Registry) LoadedThread(parentID string) (*Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[parentID]
	return t, ok
}

// Query returns the result-set container for a (filter, sort) key, creating
// it on first use.
func (r *Registry) Query(key QueryKey) *QueryChannels {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queries[key]; ok {
		return q
	}
	q := NewQueryChannels(key)
	r.queries[key] = q
	return q
}

// Queries returns all active query result sets.
func (r *Registry) Queries() []*QueryChannels {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*QueryChannels, 0, len(r.queries))
	for _, q := range r.queries {
		out = append(out, q)
	}
	return out
}

// Clear drops every container, used on session close.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = map[string]*Channel{}
	r.threads = map[string]*Thread{}
	r.queries = map[QueryKey]*QueryChannels{}
}
