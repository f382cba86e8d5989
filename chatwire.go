// Package chatwire is an offline-first chat client: a persistent websocket
// with health monitoring and reconnection, an in-memory observable state
// layer, a sqlite-backed local store, and a sync manager that reconciles
// local and server state after connectivity gaps.
package chatwire

import (
	"context"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/chatwire/chatwire/api"
	"github.com/chatwire/chatwire/apierr"
	"github.com/chatwire/chatwire/config"
	"github.com/chatwire/chatwire/event"
	"github.com/chatwire/chatwire/handler"
	"github.com/chatwire/chatwire/model"
	"github.com/chatwire/chatwire/push"
	"github.com/chatwire/chatwire/retry"
	"github.com/chatwire/chatwire/socket"
	"github.com/chatwire/chatwire/state"
	"github.com/chatwire/chatwire/store"
	intsync "github.com/chatwire/chatwire/sync"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a Client. Config and DBPath are required; everything
// else has a usable default.
type Options struct {
	Config *config.Config
	DBPath string

	// Token supplies the current auth token per request.
	Token func() string

	// RetryPolicy governs immediate resubmission of failed API calls.
	// Nil means no immediate retries; failed entities stay dirty and are
	// picked up by the next sync pass.
	RetryPolicy retry.Policy

	// MembershipPolicy decides how events move channels in and out of
	// query result sets. Nil means the member-based default.
	MembershipPolicy handler.MembershipPolicy

	// Match evaluates a query filter against a channel. Nil means no
	// filter ever matches, so events only remove channels from queries.
	Match state.FilterMatcher

	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Client is the top-level handle. All exported methods are safe for
// concurrent use.
type Client struct {
	cfg    *config.Config
	logger *zap.Logger

	dispatcher *event.Dispatcher
	registry   *state.Registry
	global     *state.Global
	connState  *state.Client

	gateway *api.Client
	repo    *store.DB
	lock    *store.Lock
	retrier *retry.Service
	machine *socket.StateMachine
	syncMgr *intsync.Manager
	applier *handler.Applier
	pushes  *push.Receiver

	policy handler.MembershipPolicy
	match  state.FilterMatcher

	routeSub      *event.Subscription
	cancelMirror  func()
	now           func() time.Time
	newID         func() string
	connectedOnce stdsync.Once
	maintCancel   context.CancelFunc
	maintWG       stdsync.WaitGroup
}

// typingStaleAfter bounds how long a typing indicator survives a lost
// typing.stop event.
const typingStaleAfter = 15 * time.Second

// New builds a Client. It opens and migrates the local store but opens no
// network connection until Connect.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, apierr.Validation("config", "required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lock, err := store.AcquireLock(opts.DBPath)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(opts.DBPath)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}
	logger.Info("store ready",
		zap.String("path", opts.DBPath),
		zap.Uint("schema_version", result.Version),
		zap.Bool("migrated", result.Changed))

	interceptors := []api.Interceptor{api.APIKey(opts.Config.APIKey)}
	if opts.Token != nil {
		interceptors = append(interceptors, api.AuthToken(opts.Token))
	}
	gateway := api.NewClient(opts.HTTPClient, opts.Config.APIBaseURL, interceptors...)

	dispatcher := event.NewDispatcher(logger)
	registry := state.NewRegistry()
	global := state.NewGlobal()
	connState := state.NewClient()
	retrier := retry.NewService(opts.RetryPolicy, logger)

	machine := socket.NewStateMachine(
		socket.NewFactory(opts.Config.SocketURL, nil),
		dispatcher,
		socket.Config{
			PingAfter:          opts.Config.PingAfter,
			DisconnectAfter:    opts.Config.DisconnectAfter,
			ReconnectBaseDelay: opts.Config.ReconnectBaseDelay,
			ReconnectMaxDelay:  opts.Config.ReconnectMaxDelay,
		},
		logger,
	)

	syncMgr := intsync.NewManager(
		gateway, db, retrier, registry, connState, dispatcher,
		intsync.Config{MaxAge: opts.Config.SyncMaxAge},
		logger,
	)

	policy := opts.MembershipPolicy
	if policy == nil {
		policy = handler.DefaultPolicy{}
	}

	c := &Client{
		cfg:        opts.Config,
		logger:     logger,
		dispatcher: dispatcher,
		registry:   registry,
		global:     global,
		connState:  connState,
		gateway:    gateway,
		repo:       db,
		lock:       lock,
		retrier:    retrier,
		machine:    machine,
		syncMgr:    syncMgr,
		applier:    handler.NewApplier(registry, global, connState, logger),
		pushes:     push.NewReceiver(dispatcher, logger),
		policy:     policy,
		match:      opts.Match,
		now:        time.Now,
		newID:      uuid.NewString,
	}

	// Route every event through the state applier and the query
	// membership policies. Publish is serialized, so observers that
	// subscribe after this routing sub always see already-applied state.
	c.routeSub = dispatcher.Subscribe(func(evt event.Event) {
		c.applier.Apply(evt)
		c.routeQueries(evt)
		c.persist(evt)
	})

	// Mirror the socket machine's status into the observable connection
	// state everyone else reads.
	c.cancelMirror = machine.Status().Observe(func(s socket.Status) {
		switch s.State {
		case socket.StateConnected:
			c.connState.Connection().Set(state.Connection{
				Status:       state.ConnectionConnected,
				ConnectionID: s.ConnectionID,
			})
			c.connState.User().Set(s.User)
		case socket.StateConnecting:
			c.connState.Connection().Set(state.Connection{Status: state.ConnectionConnecting})
		default:
			c.connState.Connection().Set(state.Connection{Status: state.ConnectionOffline})
		}
	})

	return c, nil
}

// Connect opens the socket for the given user and starts the sync manager.
// It returns immediately; progress surfaces through ConnectionState and
// connection.* events.
func (c *Client) Connect(ctx context.Context, user model.User) {
	c.connectedOnce.Do(func() {
		c.syncMgr.Start(ctx)
		maintCtx, cancel := context.WithCancel(ctx)
		c.maintCancel = cancel
		c.maintWG.Add(1)
		go func() {
			defer c.maintWG.Done()
			c.maintain(maintCtx)
		}()
	})
	c.machine.Connect(ctx, user)
}

// Disconnect closes the socket gracefully. Local state and the store stay
// intact; a later Connect resumes from them.
func (c *Client) Disconnect() {
	c.machine.Disconnect()
}

// Close shuts everything down: sync manager, socket, event routing, store.
func (c *Client) Close() error {
	c.syncMgr.Stop()
	if c.maintCancel != nil {
		c.maintCancel()
	}
	c.maintWG.Wait()
	c.machine.Disconnect()
	c.routeSub.Dispose()
	c.cancelMirror()
	err := c.repo.Close()
	if relErr := c.lock.Release(); relErr != nil && err == nil {
		err = relErr
	}
	_ = c.logger.Sync()
	return err
}

// Logout disconnects and wipes all local traces of the user: store rows,
// loaded channel state, and global counters.
func (c *Client) Logout() error {
	c.machine.Disconnect()
	c.registry.Clear()
	c.global.Clear()
	c.connState.User().Set(model.User{})
	return c.repo.Clear()
}

// Subscribe registers an event handler; see event.Dispatcher.
func (c *Client) Subscribe(h event.Handler, filters ...event.Filter) *event.Subscription {
	return c.dispatcher.Subscribe(h, filters...)
}

// ConnectionState exposes the observable connection snapshot.
func (c *Client) ConnectionState() *state.Holder[state.Connection] {
	return c.connState.Connection()
}

// GlobalState exposes unread counters, mutes, and the current user.
func (c *Client) GlobalState() *state.Global { return c.global }

// PushReceiver accepts push notification payloads from a platform binding.
func (c *Client) PushReceiver() *push.Receiver { return c.pushes }

// TriggerSync runs one reconciliation pass now instead of waiting for the
// next connection recovery.
func (c *Client) TriggerSync(ctx context.Context) (*intsync.Result, error) {
	return c.syncMgr.Sync(ctx)
}

// maintain periodically applies the retention policy until ctx ends.
func (c *Client) maintain(ctx context.Context) {
	interval := c.cfg.TombstoneRetention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepState()
		}
	}
}

// sweepState drops tombstones older than the retention window and stale
// typing entries from every loaded channel, and purges synced tombstone
// rows past retention from the store.
func (c *Client) sweepState() {
	now := c.now()
	cutoff := now.Add(-c.cfg.TombstoneRetention)
	for _, ch := range c.registry.LoadedChannels() {
		if n := ch.SweepTombstones(cutoff); n > 0 {
			c.logger.Debug("tombstones swept", zap.String("cid", ch.CID), zap.Int("count", n))
		}
		ch.PruneTyping(typingStaleAfter, now)
	}
	if n, err := c.repo.SweepTombstones(cutoff); err != nil {
		c.logger.Warn("store tombstone sweep failed", zap.Error(err))
	} else if n > 0 {
		c.logger.Debug("store tombstones swept", zap.Int64("count", n))
	}
}

// WatchChannel fetches one channel with watch semantics, merges it into
// local state and the store, and returns its observable container. Offline
// it serves the container hydrated from the store.
func (c *Client) WatchChannel(ctx context.Context, cid string) (*state.Channel, error) {
	ch, err := c.registry.Channel(cid)
	if err != nil {
		return nil, err
	}

	var page *model.ChannelPage
	err = c.retrier.Run(ctx, func(ctx context.Context) error {
		var callErr error
		page, callErr = c.gateway.QueryChannel(ctx, cid)
		return callErr
	})
	if err != nil {
		if apierr.IsTemporary(err) {
			c.hydrate(ch)
			ch.SetRecoveryNeeded(true)
			_ = c.repo.SetChannelRecoveryNeeded(cid, true)
			c.logger.Info("serving channel from local store", zap.String("cid", cid), zap.Error(err))
			return ch, nil
		}
		return nil, err
	}

	c.mergePage(ch, page)
	return ch, nil
}

// Thread returns the observable container for a message thread.
func (c *Client) Thread(cid, parentID string) (*state.Thread, error) {
	return c.registry.Thread(cid, parentID)
}

// QueryChannels runs a channel-list query and returns its observable
// result set. Subsequent matching events keep the set current through the
// configured membership policy.
func (c *Client) QueryChannels(ctx context.Context, filter, sort string, limit int) (*state.QueryChannels, error) {
	q := c.registry.Query(state.QueryKey{Filter: filter, Sort: sort})

	var (
		pages  []model.ChannelPage
		cursor string
	)
	err := c.retrier.Run(ctx, func(ctx context.Context) error {
		var callErr error
		pages, cursor, callErr = c.gateway.QueryChannels(ctx, filter, sort, limit)
		return callErr
	})
	if err != nil {
		if apierr.IsTemporary(err) {
			q.SetRecoveryNeeded(true)
			c.logger.Info("serving query from local state", zap.String("filter", filter), zap.Error(err))
			return q, nil
		}
		return nil, err
	}

	cids := make([]string, 0, len(pages))
	for i := range pages {
		page := &pages[i]
		cids = append(cids, page.Channel.CID)
		if ch, chErr := c.registry.Channel(page.Channel.CID); chErr == nil {
			c.mergePage(ch, page)
		}
	}
	q.SetResult(cids, cursor)
	q.SetRecoveryNeeded(false)
	return q, nil
}

// SendMessage writes the message optimistically and submits it. The local
// copy appears in channel state immediately with SyncNeeded; the server
// acknowledgment flips it to SyncCompleted with authoritative timestamps.
// On a temporary failure the message stays dirty for the sync manager.
func (c *Client) SendMessage(ctx context.Context, cid, text string) (*model.Message, error) {
	ch, err := c.registry.Channel(cid)
	if err != nil {
		return nil, err
	}
	now := c.now()
	msg := model.Message{
		ID:        c.newID(),
		CID:       cid,
		Text:      text,
		User:      c.connState.User().Get(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.SyncNeeded,
	}
	ch.UpsertMessage(msg)
	if err := c.repo.UpsertMessage(msg); err != nil {
		return nil, err
	}
	return c.submitMessage(ctx, ch, msg, func(ctx context.Context) (*model.Message, error) {
		return c.gateway.SendMessage(ctx, msg)
	})
}

// UpdateMessage edits a message optimistically and submits the edit.
func (c *Client) UpdateMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	ch, err := c.registry.Channel(msg.CID)
	if err != nil {
		return nil, err
	}
	msg.UpdatedAt = c.now()
	msg.Status = model.SyncNeeded
	ch.UpsertMessage(msg)
	if err := c.repo.UpsertMessage(msg); err != nil {
		return nil, err
	}
	return c.submitMessage(ctx, ch, msg, func(ctx context.Context) (*model.Message, error) {
		return c.gateway.UpdateMessage(ctx, msg)
	})
}

// DeleteMessage tombstones the message locally and submits the deletion.
// The tombstone stays in state for sort stability; visible views skip it.
func (c *Client) DeleteMessage(ctx context.Context, cid, id string) (*model.Message, error) {
	ch, err := c.registry.Channel(cid)
	if err != nil {
		return nil, err
	}
	msg, ok := ch.Message(id)
	if !ok {
		if stored, selErr := c.repo.SelectMessage(id); selErr == nil && stored != nil {
			msg = *stored
		} else {
			return nil, apierr.Validation("message_id", "unknown message "+id)
		}
	}
	now := c.now()
	msg.UpdatedAt = now
	msg.DeletedAt = now
	msg.Status = model.SyncNeeded
	ch.UpsertMessage(msg)
	if err := c.repo.UpsertMessage(msg); err != nil {
		return nil, err
	}
	return c.submitMessage(ctx, ch, msg, func(ctx context.Context) (*model.Message, error) {
		return c.gateway.DeleteMessage(ctx, id)
	})
}

// SendReaction records the reaction optimistically and submits it.
func (c *Client) SendReaction(ctx context.Context, cid, messageID, reactionType string) (*model.Reaction, error) {
	now := c.now()
	r := model.Reaction{
		ID:        c.newID(),
		MessageID: messageID,
		CID:       cid,
		Type:      reactionType,
		UserID:    c.connState.User().Get().ID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.SyncNeeded,
	}
	if err := c.repo.UpsertReaction(r); err != nil {
		return nil, err
	}

	var acked *model.Reaction
	err := c.retrier.Run(ctx, func(ctx context.Context) error {
		var callErr error
		acked, callErr = c.gateway.SendReaction(ctx, r)
		return callErr
	})
	switch {
	case err == nil:
		acked.Status = model.SyncCompleted
		if upErr := c.repo.UpsertReaction(*acked); upErr != nil {
			return nil, upErr
		}
		return acked, nil
	case apierr.IsPermanent(err):
		_ = c.repo.UpdateReactionSyncStatus(r.ID, model.SyncFailedPermanently)
		return nil, err
	default:
		c.logger.Info("reaction queued for sync", zap.String("id", r.ID), zap.Error(err))
		return &r, nil
	}
}

// submitMessage pushes one locally dirty message and settles its status.
// Temporary failures leave the dirty copy for the sync manager and return
// it without error: the send is deferred, not lost.
func (c *Client) submitMessage(ctx context.Context, ch *state.Channel, msg model.Message, call func(context.Context) (*model.Message, error)) (*model.Message, error) {
	var acked *model.Message
	err := c.retrier.Run(ctx, func(ctx context.Context) error {
		var callErr error
		acked, callErr = call(ctx)
		return callErr
	})
	switch {
	case err == nil:
		acked.Status = model.SyncCompleted
		ch.UpsertMessage(*acked)
		if upErr := c.repo.UpsertMessage(*acked); upErr != nil {
			return nil, upErr
		}
		return acked, nil
	case apierr.IsPermanent(err):
		_ = c.repo.UpdateMessageSyncStatus(msg.ID, model.SyncFailedPermanently)
		msg.Status = model.SyncFailedPermanently
		ch.UpsertMessage(msg)
		c.dispatcher.Publish(event.Event{
			Kind:       event.KindSyncFailed,
			CreatedAt:  c.now(),
			ReceivedAt: c.now(),
			CID:        msg.CID,
			Message:    &msg,
			Err:        err,
		})
		return nil, err
	default:
		c.logger.Info("message queued for sync", zap.String("id", msg.ID), zap.Error(err))
		return &msg, nil
	}
}

// routeQueries runs the membership policy for every active query and
// applies the decisions to the result sets.
func (c *Client) routeQueries(evt event.Event) {
	queries := c.registry.Queries()
	if len(queries) == 0 {
		return
	}
	currentUserID := c.connState.User().Get().ID

	// The cached row lets payload-less add decisions evaluate the filter
	// without a network fetch.
	var cached *model.Channel
	if evt.CID != "" {
		if stored, err := c.repo.SelectChannel(evt.CID); err == nil {
			cached = stored
		}
	}

	for _, q := range queries {
		decision := c.policy.Handle(handler.Request{
			Event:         evt,
			Filter:        q.Key.Filter,
			Match:         c.match,
			CurrentUserID: currentUserID,
			Cached:        cached,
		})
		switch decision.Kind {
		case handler.Add:
			q.Add(decision.CID)
			if decision.Channel != nil {
				_ = c.repo.UpsertChannel(*decision.Channel)
			}
		case handler.WatchAndAdd:
			// No channel payload on the event; fetch it, then add.
			go func(cid string, q *state.QueryChannels) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, err := c.WatchChannel(ctx, cid); err != nil {
					c.logger.Warn("watch for query add failed", zap.String("cid", cid), zap.Error(err))
					return
				}
				q.Add(cid)
			}(decision.CID, q)
		case handler.Remove:
			q.Remove(decision.CID)
		}
	}
}

// persist writes event payloads through to the store so a later cold start
// replays the same state the live session saw.
func (c *Client) persist(evt event.Event) {
	switch evt.Kind {
	case event.KindMessageNew, event.KindMessageUpdated, event.KindNotificationMessageNew:
		if evt.Message != nil {
			if err := c.repo.UpsertMessage(*evt.Message); err != nil {
				c.logger.Warn("persisting message failed", zap.String("id", evt.Message.ID), zap.Error(err))
			}
		}
	case event.KindMessageDeleted:
		if evt.Message != nil {
			msg := *evt.Message
			if msg.DeletedAt.IsZero() {
				msg.DeletedAt = msg.UpdatedAt
			}
			if err := c.repo.UpsertMessage(msg); err != nil {
				c.logger.Warn("persisting tombstone failed", zap.String("id", msg.ID), zap.Error(err))
			}
		}
	case event.KindReactionNew:
		if evt.Reaction != nil {
			if err := c.repo.UpsertReaction(*evt.Reaction); err != nil {
				c.logger.Warn("persisting reaction failed", zap.String("id", evt.Reaction.ID), zap.Error(err))
			}
		}
	case event.KindReactionDeleted:
		if evt.Reaction != nil {
			if err := c.repo.DeleteReaction(evt.Reaction.ID); err != nil {
				c.logger.Warn("deleting reaction failed", zap.String("id", evt.Reaction.ID), zap.Error(err))
			}
		}
	case event.KindChannelUpdated:
		if evt.Channel != nil {
			if err := c.repo.UpsertChannel(*evt.Channel); err != nil {
				c.logger.Warn("persisting channel failed", zap.String("cid", evt.Channel.CID), zap.Error(err))
			}
		}
	case event.KindChannelDeleted:
		if evt.CID != "" {
			if err := c.repo.DeleteChannel(evt.CID); err != nil {
				c.logger.Warn("deleting channel failed", zap.String("cid", evt.CID), zap.Error(err))
			}
		}
	}
}

// mergePage folds a server channel page into the observable container and
// the store. Merging goes through the usual upsert rules, so a stale page
// cannot regress newer local entities.
func (c *Client) mergePage(ch *state.Channel, page *model.ChannelPage) {
	for _, msg := range page.Messages {
		ch.UpsertMessage(msg)
		if err := c.repo.UpsertMessage(msg); err != nil {
			c.logger.Warn("persisting page message failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}
	for _, member := range page.Members {
		ch.UpsertMember(member)
	}
	for _, read := range page.Reads {
		ch.SetRead(read)
	}
	ch.SetRecoveryNeeded(false)
	refreshed := page.Channel
	refreshed.Status = model.SyncCompleted
	if err := c.repo.UpsertChannel(refreshed); err != nil {
		c.logger.Warn("persisting channel failed", zap.String("cid", refreshed.CID), zap.Error(err))
	}
}

// hydrate loads a channel's recent messages from the store into the
// container, newest page first.
func (c *Client) hydrate(ch *state.Channel) {
	msgs, err := c.repo.ListMessages(ch.CID, time.Time{}, 100)
	if err != nil {
		c.logger.Warn("hydrating channel failed", zap.String("cid", ch.CID), zap.Error(err))
		return
	}
	for _, msg := range msgs {
		ch.UpsertMessage(msg)
	}
}
