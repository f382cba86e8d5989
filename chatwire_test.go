package chatwire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatwire/chatwire/config"
	"github.com/chatwire/chatwire/event"
	"github.com/chatwire/chatwire/model"
	"github.com/chatwire/chatwire/retry"
	"github.com/chatwire/chatwire/socket"
	"github.com/chatwire/chatwire/state"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// ackServer echoes back any message or channel the client submits, as the
// backend would on success.
func ackServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/messages/"):
			id := strings.TrimPrefix(r.URL.Path, "/messages/")
			now := time.Now().Add(time.Minute)
			dead := model.Message{ID: id, CID: "messaging:123", CreatedAt: t0, UpdatedAt: now, DeletedAt: now}
			_ = json.NewEncoder(w).Encode(map[string]any{"message": dead})
		case strings.HasSuffix(r.URL.Path, "/message"), strings.HasPrefix(r.URL.Path, "/messages/"):
			var req struct {
				Message model.Message `json:"message"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			ack := req.Message
			ack.UpdatedAt = ack.UpdatedAt.Add(time.Second)
			_ = json.NewEncoder(w).Encode(map[string]any{"message": ack})
		case strings.HasSuffix(r.URL.Path, "/query"):
			_ = json.NewEncoder(w).Encode(model.ChannelPage{
				Channel: model.Channel{CID: "messaging:123", Type: "messaging", ID: "123", CreatedAt: t0, UpdatedAt: t0},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := config.Defaults()
	cfg.APIBaseURL = baseURL
	cfg.APIKey = "key-1"

	c, err := New(Options{
		Config:      &cfg,
		DBPath:      filepath.Join(t.TempDir(), "chat.db"),
		Token:       func() string { return "tok" },
		RetryPolicy: retry.NoRetry{},
		Match: func(filter string, ch model.Channel) bool {
			return strings.HasPrefix(ch.Name, strings.TrimPrefix(filter, "name:"))
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	c.connState.User().Set(model.User{ID: "u1"})
	return c
}

func TestSendMessageAcknowledged(t *testing.T) {
	srv := ackServer(t)
	c := testClient(t, srv.URL)

	got, err := c.SendMessage(context.Background(), "messaging:123", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SyncCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	stored, err := c.repo.SelectMessage(got.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Status != model.SyncCompleted {
		t.Errorf("persisted copy = %+v", stored)
	}

	ch, _ := c.registry.LoadedChannel("messaging:123")
	if msgs := ch.Messages(); len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Errorf("channel view = %v", msgs)
	}
}

// With the backend down, the send still succeeds locally: the message is
// visible immediately and stays dirty for the sync manager.
func TestSendMessageOfflineStaysDirty(t *testing.T) {
	srv := ackServer(t)
	srv.Close()
	c := testClient(t, srv.URL)

	got, err := c.SendMessage(context.Background(), "messaging:123", "offline hello")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SyncNeeded {
		t.Errorf("status = %q, want sync_needed", got.Status)
	}

	ch, _ := c.registry.LoadedChannel("messaging:123")
	if msgs := ch.Messages(); len(msgs) != 1 {
		t.Error("optimistic message not visible offline")
	}
	stored, _ := c.repo.SelectMessage(got.ID)
	if stored == nil || stored.Status != model.SyncNeeded {
		t.Errorf("persisted copy = %+v", stored)
	}
}

// A permanently rejected send must surface through the store row and the
// in-memory message status, without advancing the entity version.
func TestSendMessagePermanentFailureVisible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 4, "message": "bad input"})
	}))
	defer srv.Close()
	c := testClient(t, srv.URL)
	c.now = func() time.Time { return t0 }

	if _, err := c.SendMessage(context.Background(), "messaging:123", "nope"); err == nil {
		t.Fatal("permanent rejection should return the error")
	}

	ch, _ := c.registry.Channel("messaging:123")
	msgs := ch.AllMessages()
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1", len(msgs))
	}
	if msgs[0].Status != model.SyncFailedPermanently {
		t.Errorf("in-memory status = %q, want %q", msgs[0].Status, model.SyncFailedPermanently)
	}
	row, _ := c.repo.SelectMessage(msgs[0].ID)
	if row == nil || row.Status != model.SyncFailedPermanently {
		t.Fatalf("store row = %+v, want failed_permanently", row)
	}
	if !row.UpdatedAt.Equal(t0) {
		t.Errorf("entity version = %v, want %v", row.UpdatedAt, t0)
	}
}

func TestDeleteMessageTombstonesLocally(t *testing.T) {
	srv := ackServer(t)
	c := testClient(t, srv.URL)

	sent, err := c.SendMessage(context.Background(), "messaging:123", "bye")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.DeleteMessage(context.Background(), "messaging:123", sent.ID); err != nil {
		t.Fatal(err)
	}

	ch, _ := c.registry.LoadedChannel("messaging:123")
	if msgs := ch.Messages(); len(msgs) != 0 {
		t.Error("deleted message still visible")
	}
	if all := ch.AllMessages(); len(all) != 1 || !all[0].Deleted() {
		t.Error("tombstone missing from the full view")
	}
}

// The lifecycle a reconnecting client sees: identity from connection.ok, a
// live message, then its deletion arriving as events. The tombstone hides
// from the visible view but remains in the map.
func TestEventPipelineEndToEnd(t *testing.T) {
	srv := ackServer(t)
	c := testClient(t, srv.URL)

	if _, err := c.WatchChannel(context.Background(), "messaging:123"); err != nil {
		t.Fatal(err)
	}

	c.dispatcher.Publish(event.Event{
		Kind:         event.KindConnectionOK,
		ConnectionID: "conn-1",
		Me:           &model.User{ID: "u1", Name: "User One"},
	})
	if c.GlobalState().User().Get().Name != "User One" {
		t.Error("identity not applied from connection.ok")
	}

	msg := model.Message{ID: "m1", CID: "messaging:123", Text: "live", User: model.User{ID: "u2"},
		CreatedAt: t0, UpdatedAt: t0}
	c.dispatcher.Publish(event.Event{Kind: event.KindMessageNew, CID: "messaging:123", CreatedAt: t0, Message: &msg})

	dead := msg
	dead.UpdatedAt = t0.Add(time.Minute)
	dead.DeletedAt = t0.Add(time.Minute)
	c.dispatcher.Publish(event.Event{Kind: event.KindMessageDeleted, CID: "messaging:123", CreatedAt: t0.Add(time.Minute), Message: &dead})

	ch, _ := c.registry.LoadedChannel("messaging:123")
	if msgs := ch.Messages(); len(msgs) != 0 {
		t.Errorf("visible view = %v, want empty after delete", msgs)
	}
	if all := ch.AllMessages(); len(all) != 1 || !all[0].Deleted() {
		t.Error("tombstone should remain in the full view")
	}

	stored, _ := c.repo.SelectMessage("m1")
	if stored == nil || !stored.Deleted() {
		t.Error("tombstone not persisted through the event pipeline")
	}
}

func TestQueryChannelsMembershipRouting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/channels" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"channels": []model.ChannelPage{
					{Channel: model.Channel{CID: "messaging:1", Type: "messaging", ID: "1", Name: "team-alpha", CreatedAt: t0, UpdatedAt: t0}},
				},
				"next": "",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()
	c := testClient(t, srv.URL)

	q, err := c.QueryChannels(context.Background(), "name:team", "created_at", 20)
	if err != nil {
		t.Fatal(err)
	}
	if cids := q.CIDs(); len(cids) != 1 || cids[0] != "messaging:1" {
		t.Fatalf("initial cids = %v", cids)
	}

	// Becoming a member of a matching channel adds it to the set.
	c.dispatcher.Publish(event.Event{
		Kind:    event.KindNotificationAddedToChannel,
		CID:     "messaging:2",
		Channel: &model.Channel{CID: "messaging:2", Type: "messaging", ID: "2", Name: "team-beta", CreatedAt: t0, UpdatedAt: t0},
	})
	if !q.Contains("messaging:2") {
		t.Error("matching channel not added to the query")
	}

	// Losing membership removes it.
	c.dispatcher.Publish(event.Event{Kind: event.KindNotificationRemovedFromChannel, CID: "messaging:1"})
	if q.Contains("messaging:1") {
		t.Error("channel not removed on membership loss")
	}
}

// A membership event without a channel payload should evaluate the filter
// against the stored channel row instead of fetching over the network.
func TestPayloadlessAddUsesStoredChannelRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/channels" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"channels": []model.ChannelPage{
					{Channel: model.Channel{CID: "messaging:1", Type: "messaging", ID: "1", Name: "team-alpha", CreatedAt: t0, UpdatedAt: t0}},
				},
				"next": "",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	c := testClient(t, srv.URL)

	q, err := c.QueryChannels(context.Background(), "name:team", "created_at", 20)
	if err != nil {
		t.Fatal(err)
	}

	row := model.Channel{CID: "messaging:7", Type: "messaging", ID: "7", Name: "team-gamma",
		Status: model.SyncCompleted, CreatedAt: t0, UpdatedAt: t0}
	if err := c.repo.UpsertChannel(row); err != nil {
		t.Fatal(err)
	}

	// Any fetch now fails, so the add can only come from the store.
	srv.Close()

	c.dispatcher.Publish(event.Event{Kind: event.KindNotificationAddedToChannel, CID: "messaging:7"})
	if !q.Contains("messaging:7") {
		t.Error("stored channel row not used for the payload-less add")
	}
}

// The maintenance sweep applies tombstone retention to loaded channels and
// the store.
func TestRetentionSweepDropsExpiredTombstones(t *testing.T) {
	srv := ackServer(t)
	c := testClient(t, srv.URL)

	ch, err := c.registry.Channel("messaging:123")
	if err != nil {
		t.Fatal(err)
	}

	expired := model.Message{ID: "m1", CID: "messaging:123", CreatedAt: t0, UpdatedAt: t0,
		DeletedAt: t0, Status: model.SyncCompleted}
	recent := model.Message{ID: "m2", CID: "messaging:123", CreatedAt: t0, UpdatedAt: t0.Add(20 * time.Hour),
		DeletedAt: t0.Add(20 * time.Hour), Status: model.SyncCompleted}
	for _, m := range []model.Message{expired, recent} {
		ch.UpsertMessage(m)
		if err := c.repo.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	// Retention defaults to 24h; m1's tombstone is past it, m2's is not.
	c.now = func() time.Time { return t0.Add(25 * time.Hour) }
	c.sweepState()

	if _, ok := ch.Message("m1"); ok {
		t.Error("expired tombstone should be swept from state")
	}
	if _, ok := ch.Message("m2"); !ok {
		t.Error("recent tombstone should survive in state")
	}
	if row, _ := c.repo.SelectMessage("m1"); row != nil {
		t.Error("expired tombstone should be swept from the store")
	}
	if row, _ := c.repo.SelectMessage("m2"); row == nil {
		t.Error("recent tombstone should survive in the store")
	}
}

func TestLogoutWipesLocalTraces(t *testing.T) {
	srv := ackServer(t)
	c := testClient(t, srv.URL)

	if _, err := c.SendMessage(context.Background(), "messaging:123", "secret"); err != nil {
		t.Fatal(err)
	}
	c.GlobalState().SetCounts(5, 2)

	if err := c.Logout(); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.registry.LoadedChannel("messaging:123"); ok {
		t.Error("channel state survived logout")
	}
	if c.GlobalState().TotalUnread().Get() != 0 {
		t.Error("unread counters survived logout")
	}
	msgs, err := c.repo.ListMessages("messaging:123", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Error("store rows survived logout")
	}
}

// Socket machine transitions mirror into the public connection state.
func TestConnectionStateMirror(t *testing.T) {
	srv := ackServer(t)
	c := testClient(t, srv.URL)

	c.machine.Status().Set(socket.Status{State: socket.StateConnected, User: model.User{ID: "u1"}, ConnectionID: "conn-9"})

	conn := c.ConnectionState().Get()
	if conn.Status != state.ConnectionConnected || conn.ConnectionID != "conn-9" {
		t.Errorf("mirrored connection = %+v", conn)
	}

	c.machine.Status().Set(socket.Status{State: socket.StateDisconnected})
	if got := c.ConnectionState().Get().Status; got != state.ConnectionOffline {
		t.Errorf("mirrored status = %q, want offline", got)
	}
}
