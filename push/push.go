// Package push turns platform push notification payloads into events on
// the dispatcher, so a message arriving while the socket is down still
// reaches observers through the same pipe.
package push

import (
	"time"

	"github.com/chatwire/chatwire/apierr"
	"github.com/chatwire/chatwire/event"
	"github.com/chatwire/chatwire/model"
	"go.uber.org/zap"
)

// Payload is the minimal content a push notification carries. The full
// message is fetched later by the recovery flow, not here.
type Payload struct {
	ChannelType string
	ChannelID   string
	MessageID   string
}

// Provider is a source of push payloads, typically a platform messaging
// binding. Registering it routes its payloads into a Receiver.
type Provider interface {
	// Register points the provider at sink and starts delivery.
	Register(sink func(Payload)) error
	// Unregister stops delivery.
	Unregister() error
}

// Receiver validates payloads and publishes them as push.message events.
type Receiver struct {
	dispatcher *event.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

func NewReceiver(dispatcher *event.Dispatcher, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{dispatcher: dispatcher, logger: logger, now: time.Now}
}

// Handle publishes one payload as a synthetic event. Payloads without a
// channel or message id are rejected, not silently dropped.
func (r *Receiver) Handle(p Payload) error {
	if p.ChannelType == "" || p.ChannelID == "" {
		return apierr.Validation("channel", "push payload missing channel identifier")
	}
	if p.MessageID == "" {
		return apierr.Validation("message_id", "push payload missing message id")
	}
	cid := model.JoinCID(p.ChannelType, p.ChannelID)
	r.logger.Debug("push notification received",
		zap.String("cid", cid), zap.String("message_id", p.MessageID))
	r.dispatcher.Publish(event.Event{
		Kind:       event.KindPushMessage,
		CreatedAt:  r.now(),
		ReceivedAt: r.now(),
		CID:        cid,
		Message:    &model.Message{ID: p.MessageID, CID: cid},
	})
	return nil
}

// Attach registers the receiver as the provider's sink. Payload errors are
// logged; a malformed notification must not take the provider down.
func (r *Receiver) Attach(p Provider) error {
	return p.Register(func(payload Payload) {
		if err := r.Handle(payload); err != nil {
			r.logger.Warn("dropping invalid push payload", zap.Error(err))
		}
	})
}
