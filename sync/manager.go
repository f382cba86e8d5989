// Package sync reconciles local and server state when connectivity
// returns: it pushes locally dirty entities, pulls authoritative state for
// channels needing recovery, and replays missed events.
package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/chatwire/chatwire/apierr"
	"github.com/chatwire/chatwire/event"
	"github.com/chatwire/chatwire/model"
	"github.com/chatwire/chatwire/retry"
	"github.com/chatwire/chatwire/state"
	"github.com/chatwire/chatwire/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Gateway is the slice of the REST surface the manager needs to resubmit
// mutations and refresh channel state.
type Gateway interface {
	SendMessage(ctx context.Context, msg model.Message) (*model.Message, error)
	UpdateMessage(ctx context.Context, msg model.Message) (*model.Message, error)
	DeleteMessage(ctx context.Context, id string) (*model.Message, error)
	SendReaction(ctx context.Context, r model.Reaction) (*model.Reaction, error)
	DeleteReaction(ctx context.Context, messageID, reactionType string) error
	CreateChannel(ctx context.Context, ch model.Channel) (*model.Channel, error)
	QueryChannel(ctx context.Context, cid string) (*model.ChannelPage, error)
	SyncEvents(ctx context.Context, cids []string, since time.Time) ([]event.Event, error)
}

// Outcome is the per-entity result of one sync pass.
type Outcome struct {
	Entity string // "channel", "message", "reaction", "refresh", "replay"
	ID     string
	Err    error
}

// Result aggregates all outcomes of a sync pass. One entity's failure
// never aborts the batch.
type Result struct {
	Outcomes []Outcome
}

// Successes counts entities that synced cleanly.
func (r *Result) Successes() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failures counts entities that did not sync.
func (r *Result) Failures() int {
	return len(r.Outcomes) - r.Successes()
}

// Err combines all entity errors, nil when everything succeeded.
func (r *Result) Err() error {
	var err error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s %s: %w", o.Entity, o.ID, o.Err))
		}
	}
	return err
}

func (r *Result) add(entity, id string, err error) {
	r.Outcomes = append(r.Outcomes, Outcome{Entity: entity, ID: id, Err: err})
}

// Config tunes reconciliation.
type Config struct {
	// MaxAge drops dirty entities whose local creation is older than
	// this instead of resubmitting them.
	MaxAge time.Duration
}

// Manager drives the catch-up flow, triggered by connection recovery.
type Manager struct {
	gateway    Gateway
	repo       store.Repository
	retrier    *retry.Service
	registry   *state.Registry
	client     *state.Client
	dispatcher *event.Dispatcher
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	// mu serializes sync passes; a health-check trigger racing a
	// connect trigger must not run two reconciliations at once.
	mu stdsync.Mutex

	wasOffline    atomic.Bool
	sub           *event.Subscription
	cancelObserve func()
	cancel        context.CancelFunc
	wg            stdsync.WaitGroup
}

// NewManager creates a sync manager. It does nothing until Start.
func NewManager(
	gateway Gateway,
	repo store.Repository,
	retrier *retry.Service,
	registry *state.Registry,
	client *state.Client,
	dispatcher *event.Dispatcher,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gateway:    gateway,
		repo:       repo,
		retrier:    retrier,
		registry:   registry,
		client:     client,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Start wires the triggers: a transition to Connected starts a pass, and a
// health check arriving after an offline stretch starts one too (the
// transport may recover without a full reconnect cycle).
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.cancelObserve = m.client.Connection().Observe(func(conn state.Connection) {
		switch conn.Status {
		case state.ConnectionConnected:
			m.trigger(ctx, "connected")
		case state.ConnectionOffline:
			m.wasOffline.Store(true)
		}
	})

	m.sub = m.dispatcher.Subscribe(func(event.Event) {
		if m.wasOffline.Swap(false) {
			m.trigger(ctx, "health check after offline")
		}
	}, event.ByKind(event.KindHealthCheck))
}

// Stop cancels any in-flight pass and detaches the triggers.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.cancelObserve != nil {
		m.cancelObserve()
	}
	if m.sub != nil {
		m.sub.Dispose()
	}
	m.wg.Wait()
}

func (m *Manager) trigger(ctx context.Context, reason string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Info("sync triggered", zap.String("reason", reason))
		if _, err := m.Sync(ctx); err != nil {
			m.logger.Warn("sync completed with failures", zap.Error(err))
		}
	}()
}

// Sync runs one reconciliation pass: local-dirty push first, then the
// server-authoritative pull and event replay. The push precedes the pull
// per channel so an optimistic local edit cannot be clobbered by a refresh
// that predates it.
func (m *Manager) Sync(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := &Result{}

	m.pushChannels(ctx, res)
	m.pushMessages(ctx, res)
	m.pushReactions(ctx, res)

	m.pullChannels(ctx, res)
	m.replay(ctx, res)

	m.logger.Info("sync pass finished",
		zap.Int("successes", res.Successes()),
		zap.Int("failures", res.Failures()))
	return res, res.Err()
}

func (m *Manager) pushChannels(ctx context.Context, res *Result) {
	cids, err := m.repo.SelectChannelIDsNeedingSync()
	if err != nil {
		res.add("channel", "select", err)
		return
	}
	for _, cid := range cids {
		ch, err := m.repo.SelectChannel(cid)
		if err != nil || ch == nil || ch.Status != model.SyncNeeded {
			continue
		}
		if m.outdated(ch.CreatedAt) {
			m.logger.Warn("dropping outdated local channel", zap.String("cid", cid))
			res.add("channel", cid, m.repo.DeleteChannel(cid))
			continue
		}

		var created *model.Channel
		err = m.retrier.Run(ctx, func(ctx context.Context) error {
			var callErr error
			created, callErr = m.gateway.CreateChannel(ctx, *ch)
			return callErr
		})
		if err != nil {
			m.fail(res, "channel", cid, err, func() error {
				ch.Status = model.SyncFailedPermanently
				return m.repo.UpsertChannel(*ch)
			})
			continue
		}
		created.Status = model.SyncCompleted
		res.add("channel", cid, m.repo.UpsertChannel(*created))
	}
}

func (m *Manager) pushMessages(ctx context.Context, res *Result) {
	for _, status := range []model.SyncStatus{model.SyncNeeded, model.AwaitingAttachments} {
		ids, err := m.repo.SelectMessageIDsBySyncStatus(status)
		if err != nil {
			res.add("message", "select", err)
			continue
		}
		for _, id := range ids {
			m.pushMessage(ctx, res, id)
		}
	}
}

func (m *Manager) pushMessage(ctx context.Context, res *Result, id string) {
	msg, err := m.repo.SelectMessage(id)
	if err != nil || msg == nil {
		return
	}
	if m.outdated(msg.CreatedAt) {
		m.logger.Warn("dropping outdated local message", zap.String("id", id))
		res.add("message", id, m.repo.DeleteMessage(id))
		return
	}

	var synced *model.Message
	err = m.retrier.Run(ctx, func(ctx context.Context) error {
		var callErr error
		switch {
		case msg.Deleted():
			synced, callErr = m.gateway.DeleteMessage(ctx, id)
		case msg.UpdatedAt.After(msg.CreatedAt):
			synced, callErr = m.gateway.UpdateMessage(ctx, *msg)
		default:
			synced, callErr = m.gateway.SendMessage(ctx, *msg)
		}
		return callErr
	})
	if err != nil {
		m.fail(res, "message", id, err, func() error {
			msg.Status = model.SyncFailedPermanently
			if ch, ok := m.registry.LoadedChannel(msg.CID); ok {
				ch.UpsertMessage(*msg)
			}
			return m.repo.UpdateMessageSyncStatus(id, model.SyncFailedPermanently)
		})
		return
	}

	// Adopt the server's timestamps so the acknowledged copy wins future
	// merges.
	synced.Status = model.SyncCompleted
	if upErr := m.repo.UpsertMessage(*synced); upErr != nil {
		res.add("message", id, upErr)
		return
	}
	if ch, ok := m.registry.LoadedChannel(synced.CID); ok {
		ch.UpsertMessage(*synced)
	}
	res.add("message", id, nil)
}

func (m *Manager) pushReactions(ctx context.Context, res *Result) {
	ids, err := m.repo.SelectReactionIDsBySyncStatus(model.SyncNeeded)
	if err != nil {
		res.add("reaction", "select", err)
		return
	}
	for _, id := range ids {
		r, err := m.repo.SelectReaction(id)
		if err != nil || r == nil {
			continue
		}
		if m.outdated(r.CreatedAt) {
			m.logger.Warn("dropping outdated local reaction", zap.String("id", id))
			res.add("reaction", id, m.repo.DeleteReaction(id))
			continue
		}

		deleted := !r.DeletedAt.IsZero()
		err = m.retrier.Run(ctx, func(ctx context.Context) error {
			if deleted {
				return m.gateway.DeleteReaction(ctx, r.MessageID, r.Type)
			}
			_, callErr := m.gateway.SendReaction(ctx, *r)
			return callErr
		})
		if err != nil {
			m.fail(res, "reaction", id, err, func() error {
				return m.repo.UpdateReactionSyncStatus(id, model.SyncFailedPermanently)
			})
			continue
		}
		if deleted {
			res.add("reaction", id, m.repo.DeleteReaction(id))
		} else {
			res.add("reaction", id, m.repo.UpdateReactionSyncStatus(id, model.SyncCompleted))
		}
	}
}

// pullChannels refreshes every channel flagged for recovery. Merging goes
// through the containers' usual upsert rules, so a refresh that predates a
// newer optimistic entity never regresses it; tombstones stay tombstones.
func (m *Manager) pullChannels(ctx context.Context, res *Result) {
	flagged := map[string]struct{}{}
	cids, err := m.repo.SelectChannelIDsNeedingSync()
	if err != nil {
		res.add("refresh", "select", err)
	} else {
		for _, cid := range cids {
			ch, chErr := m.repo.SelectChannel(cid)
			if chErr == nil && ch != nil && ch.RecoveryNeeded {
				flagged[cid] = struct{}{}
			}
		}
	}
	for _, ch := range m.registry.LoadedChannels() {
		if ch.RecoveryNeeded() {
			flagged[ch.CID] = struct{}{}
		}
	}

	for cid := range flagged {
		var page *model.ChannelPage
		err := m.retrier.Run(ctx, func(ctx context.Context) error {
			var callErr error
			page, callErr = m.gateway.QueryChannel(ctx, cid)
			return callErr
		})
		if err != nil {
			if apierr.IsPermanent(err) {
				// A poison channel must not re-trigger forever.
				_ = m.repo.SetChannelRecoveryNeeded(cid, false)
				m.publishFailure(cid, err)
			}
			res.add("refresh", cid, err)
			continue
		}

		// Persist the page before merging in memory so the refresh
		// survives a restart even when the channel is not loaded.
		for _, msg := range page.Messages {
			if upErr := m.repo.UpsertMessage(msg); upErr != nil {
				m.logger.Warn("persisting refreshed message failed",
					zap.String("id", msg.ID), zap.Error(upErr))
			}
		}
		if ch, ok := m.registry.LoadedChannel(cid); ok {
			for _, msg := range page.Messages {
				ch.UpsertMessage(msg)
			}
			for _, member := range page.Members {
				ch.UpsertMember(member)
			}
			for _, read := range page.Reads {
				ch.SetRead(read)
			}
			ch.SetRecoveryNeeded(false)
		}
		refreshed := page.Channel
		refreshed.RecoveryNeeded = false
		refreshed.Status = model.SyncCompleted
		if upErr := m.repo.UpsertChannel(refreshed); upErr != nil {
			res.add("refresh", cid, upErr)
			continue
		}
		res.add("refresh", cid, nil)
	}
}

// replay fetches the events missed while disconnected for the actively
// watched channels and publishes them in original server order, so
// observers see the same incremental changes they would have seen live.
func (m *Manager) replay(ctx context.Context, res *Result) {
	channels := m.registry.LoadedChannels()
	if len(channels) == 0 {
		return
	}
	cids := make([]string, 0, len(channels))
	for _, ch := range channels {
		cids = append(cids, ch.CID)
	}

	raw, err := m.repo.GetCheckpoint(store.CheckpointLastSyncedAt)
	if err != nil {
		res.add("replay", "checkpoint", err)
		return
	}
	if raw == "" {
		// First connect: nothing was watched before, so there is
		// nothing to replay. Anchor the checkpoint.
		res.add("replay", "checkpoint", m.repo.SetCheckpoint(store.CheckpointLastSyncedAt, m.now().UTC().Format(time.RFC3339Nano)))
		return
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		res.add("replay", "checkpoint", apierr.Parse("sync checkpoint", err))
		return
	}

	var events []event.Event
	err = m.retrier.Run(ctx, func(ctx context.Context) error {
		var callErr error
		events, callErr = m.gateway.SyncEvents(ctx, cids, since)
		return callErr
	})
	if err != nil {
		res.add("replay", "events", err)
		return
	}

	latest := since
	for _, evt := range events {
		m.dispatcher.Publish(evt)
		if evt.CreatedAt.After(latest) {
			latest = evt.CreatedAt
		}
	}
	res.add("replay", "events", m.repo.SetCheckpoint(store.CheckpointLastSyncedAt, latest.UTC().Format(time.RFC3339Nano)))
}

// fail records a push failure. Permanent failures flip the entity to
// FailedPermanently and surface an error event; transient ones leave the
// entity dirty for the next recovery.
func (m *Manager) fail(res *Result, entity, id string, err error, markPermanent func() error) {
	if apierr.IsPermanent(err) {
		if markErr := markPermanent(); markErr != nil {
			m.logger.Error("failed to mark entity as permanently failed",
				zap.String("entity", entity), zap.String("id", id), zap.Error(markErr))
		}
		m.publishFailure(id, err)
	}
	res.add(entity, id, err)
}

func (m *Manager) publishFailure(id string, err error) {
	m.dispatcher.Publish(event.Event{
		Kind:       event.KindSyncFailed,
		CreatedAt:  m.now(),
		ReceivedAt: m.now(),
		CID:        "",
		Err:        fmt.Errorf("entity %s: %w", id, err),
	})
}

func (m *Manager) outdated(createdAt time.Time) bool {
	if m.cfg.MaxAge <= 0 || createdAt.IsZero() {
		return false
	}
	return m.now().Sub(createdAt) > m.cfg.MaxAge
}
