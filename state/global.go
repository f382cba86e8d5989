package state

import (
	"sync"

	"github.com/chatwire/chatwire/model"
)

// Global is the per-session singleton of user-wide state: unread counters,
// mutes, and the banned flag. Created when a session starts, cleared on
// logout. There is exactly one instance per active session, owned by the
// session object rather than a static holder.
type Global struct {
	totalUnread    *Holder[int]
	unreadChannels *Holder[int]
	banned         *Holder[bool]
	user           *Holder[model.User]

	mu             sync.RWMutex
	channelUnreads map[string]int
	mutedUsers     map[string]struct{}
	mutedChannels  map[string]struct{}
}

// NewGlobal creates an empty global state for a fresh session.
func NewGlobal() *Global {
	return &Global{
		totalUnread:    NewHolder(0),
		unreadChannels: NewHolder(0),
		banned:         NewHolder(false),
		user:           NewHolder(model.User{}),
		channelUnreads: map[string]int{},
		mutedUsers:     map[string]struct{}{},
		mutedChannels:  map[string]struct{}{},
	}
}

// TotalUnread is the observable total unread message count.
func (g *Global) TotalUnread() *Holder[int] { return g.totalUnread }

// UnreadChannels is the observable count of channels with unreads.
func (g *Global) UnreadChannels() *Holder[int] { return g.unreadChannels }

// Banned is the observable banned flag for the current user.
func (g *Global) Banned() *Holder[bool] { return g.banned }

// User is the observable current user.
func (g *Global) User() *Holder[model.User] { return g.user }

// SetCounts applies server-provided unread counters.
func (g *Global) SetCounts(totalUnread, unreadChannels int) {
	g.totalUnread.Set(totalUnread)
	g.unreadChannels.Set(unreadChannels)
}

// SetChannelUnread records the per-channel unread count.
func (g *Global) SetChannelUnread(cid string, count int) {
	g.mu.Lock()
	g.channelUnreads[cid] = count
	g.mu.Unlock()
}

// ChannelUnread returns the unread count for one channel.
func (g *Global) ChannelUnread(cid string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.channelUnreads[cid]
}

// MuteUser / UnmuteUser / IsUserMuted manage the muted-user set.
func (g *Global) MuteUser(userID string) {
	g.mu.Lock()
	g.mutedUsers[userID] = struct{}{}
	g.mu.Unlock()
}

func (g *Global) UnmuteUser(userID string) {
	g.mu.Lock()
	delete(g.mutedUsers, userID)
	g.mu.Unlock()
}

func (g *Global) IsUserMuted(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.mutedUsers[userID]
	return ok
}

// MuteChannel / UnmuteChannel / IsChannelMuted manage the muted-channel set.
func (g *Global) MuteChannel(cid string) {
	g.mu.Lock()
	g.mutedChannels[cid] = struct{}{}
	g.mu.Unlock()
}

func (g *Global) UnmuteChannel(cid string) {
	g.mu.Lock()
	delete(g.mutedChannels, cid)
	g.mu.Unlock()
}

func (g *Global) IsChannelMuted(cid string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.mutedChannels[cid]
	return ok
}

// Clear resets everything on logout.
func (g *Global) Clear() {
	g.mu.Lock()
	g.channelUnreads = map[string]int{}
	g.mutedUsers = map[string]struct{}{}
	g.mutedChannels = map[string]struct{}{}
	g.mu.Unlock()

	g.totalUnread.Set(0)
	g.unreadChannels.Set(0)
	g.banned.Set(false)
	g.user.Set(model.User{})
}
