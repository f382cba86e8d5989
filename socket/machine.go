package socket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatwire/chatwire/event"
	"github.com/chatwire/chatwire/model"
	"github.com/chatwire/chatwire/state"
	"github.com/chatwire/chatwire/wire"
	"go.uber.org/zap"
)

// State is the connection state machine's state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// Status is the observable connection snapshot. Owned exclusively by the
// state machine; everyone else reads.
type Status struct {
	State        State
	User         model.User
	ConnectionID string
}

// Config tunes health monitoring and the reconnect backoff curve.
type Config struct {
	// PingAfter is the quiet period after which a health ping is sent.
	PingAfter time.Duration
	// DisconnectAfter is the quiet period after which the connection is
	// considered silently dead and force-closed.
	DisconnectAfter time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// StateMachine wraps raw connections with explicit connection states,
// heartbeat supervision, and reconnection with backoff. Decoded domain
// events fan out through the dispatcher. Connection failures are never
// returned to Connect callers: they surface as state transitions plus
// connection.error events.
type StateMachine struct {
	factory    Factory
	dispatcher *event.Dispatcher
	cfg        Config
	logger     *zap.Logger

	status *state.Holder[Status]
	recon  *reconnector

	mu      sync.Mutex
	conn    Connection
	cancel  context.CancelFunc
	running bool

	lastMsgMu   sync.Mutex
	lastMessage time.Time

	wg sync.WaitGroup
}

// NewStateMachine creates a machine in the Disconnected state.
func NewStateMachine(factory Factory, dispatcher *event.Dispatcher, cfg Config, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		factory:    factory,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		status:     state.NewHolder(Status{State: StateDisconnected}),
		recon:      newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
	}
}

// Status returns the observable connection status holder.
func (m *StateMachine) Status() *state.Holder[Status] { return m.status }

// Connect starts the connection loop for the given user. Only valid from
// Disconnected; a second call while running is a no-op. Never returns
// connection errors: observe the status holder and connection.error events.
func (m *StateMachine) Connect(ctx context.Context, user model.User) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.status.Set(Status{State: StateConnecting, User: user})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(runCtx, user)
	}()
}

// Disconnect stops the machine from any state: cancels in-flight connect or
// backoff attempts and closes the connection, gracefully when connected.
func (m *StateMachine) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	connID := m.status.Get().ConnectionID
	m.status.Set(Status{State: StateDisconnecting})

	if conn != nil {
		if connID != "" {
			_ = conn.Close("disconnect requested")
		} else {
			conn.Cancel()
		}
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.status.Set(Status{State: StateDisconnected})
}

// Send encodes and writes one event frame on the live connection.
func (m *StateMachine) Send(ctx context.Context, evt event.Event) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send: %w", errNotConnected)
	}
	data, err := (wire.JSON{}).Encode(evt)
	if err != nil {
		return err
	}
	return conn.Send(ctx, data)
}

// run is the reconnection loop: each iteration lives through one physical
// connection, then backs off and retries until Disconnect.
func (m *StateMachine) run(ctx context.Context, user model.User) {
	for {
		err := m.runConnection(ctx, user)

		if ctx.Err() != nil || !m.isRunning() {
			return
		}

		m.status.Set(Status{State: StateDisconnected, User: user})
		if err != nil {
			m.dispatcher.Publish(event.Event{Kind: event.KindConnectionError, Err: err})
		}

		delay := m.recon.nextDelay()
		m.logger.Warn("connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.status.Set(Status{State: StateConnecting, User: user})
	}
}

// runConnection opens one connection and pumps its events until it dies.
// All inbound frames drain through here, in order, into the dispatcher:
// this is the single serialization point for event delivery.
func (m *StateMachine) runConnection(ctx context.Context, user model.User) error {
	conn := m.factory()
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	events, err := conn.Open(ctx)
	if err != nil {
		return err
	}
	m.touch()

	tick := m.cfg.PingAfter / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream ended without terminal signal")
			}
			m.touch()

			switch evt.Kind {
			case Opened:
				m.logger.Debug("socket opened")

			case MessageReceived:
				m.handleFrame(evt.Data, user)

			case Closing:
				m.logger.Debug("socket closing", zap.String("reason", evt.Reason))

			case Closed:
				if !m.isRunning() {
					return nil
				}
				return fmt.Errorf("connection closed: %s", evt.Reason)

			case Failed:
				return evt.Err
			}

		case <-ticker.C:
			elapsed := time.Since(m.lastSeen())
			if elapsed > m.cfg.DisconnectAfter {
				// Silent failure: nothing arrived inside the
				// window, not even a health check. Do not wait
				// for a transport-level close callback.
				m.logger.Warn("health check timeout, closing", zap.Duration("silent_for", elapsed))
				conn.Cancel()
				return fmt.Errorf("health check timeout after %s", elapsed)
			}
			if elapsed > m.cfg.PingAfter {
				ping := event.Event{Kind: event.KindHealthCheck}
				if data, encErr := (wire.JSON{}).Encode(ping); encErr == nil {
					_ = conn.Send(ctx, data)
				}
			}

		case <-ctx.Done():
			conn.Cancel()
			return ctx.Err()
		}
	}
}

// handleFrame decodes an inbound frame and publishes the domain event.
// Parse failures are structured errors, reported and swallowed: one bad
// frame must not kill the connection.
func (m *StateMachine) handleFrame(data []byte, user model.User) {
	evt, err := wire.DecodeEvent(data)
	if err != nil {
		m.logger.Warn("undecodable frame", zap.Error(err))
		m.dispatcher.Publish(event.Event{Kind: event.KindConnectionError, Err: err})
		return
	}

	if evt.Kind == event.KindConnectionOK {
		m.recon.reset()
		m.status.Set(Status{
			State:        StateConnected,
			User:         user,
			ConnectionID: evt.ConnectionID,
		})
		m.logger.Info("connected", zap.String("connection_id", evt.ConnectionID))
	}

	m.dispatcher.Publish(evt)
}

func (m *StateMachine) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *StateMachine) touch() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

func (m *StateMachine) lastSeen() time.Time {
	m.lastMsgMu.Lock()
	defer m.lastMsgMu.Unlock()
	return m.lastMessage
}
