package socket

import (
	"context"
	"net/http"
	"sync"

	"github.com/chatwire/chatwire/apierr"
	"github.com/coder/websocket"
)

// LifecycleKind tags a low-level connection lifecycle event.
type LifecycleKind int

const (
	// Opened means the websocket handshake completed.
	Opened LifecycleKind = iota
	// MessageReceived carries one raw inbound frame.
	MessageReceived
	// Closing means a graceful close was initiated locally.
	Closing
	// Closed is terminal: the connection ended after a close handshake.
	Closed
	// Failed is terminal: the connection ended with an error.
	Failed
)

// Terminal reports whether the event ends the connection's life.
func (k LifecycleKind) Terminal() bool { return k == Closed || k == Failed }

// LifecycleEvent is one step in a connection's life. Exactly one terminal
// event (Closed or Failed) is delivered per connection; the stream is
// closed right after it.
type LifecycleEvent struct {
	Kind   LifecycleKind
	Data   []byte
	Reason string
	Err    error
}

// Connection owns one physical realtime connection. Implementations must
// deliver the termination signal exactly once and release the underlying
// handle with it.
type Connection interface {
	// Open dials and returns the lifecycle event stream. The consumer
	// must drain the stream until it is closed.
	Open(ctx context.Context) (<-chan LifecycleEvent, error)
	// Send writes one frame. Before Open or after termination it returns
	// an error instead of panicking.
	Send(ctx context.Context, data []byte) error
	// Close starts a graceful shutdown with the given reason.
	Close(reason string) error
	// Cancel aborts the connection immediately, no close handshake.
	Cancel()
}

// Factory produces a fresh Connection per connect attempt.
type Factory func() Connection

// Conn is the production Connection over a websocket.
type Conn struct {
	url    string
	header http.Header

	mu         sync.Mutex
	ws         *websocket.Conn
	events     chan LifecycleEvent
	readCancel context.CancelFunc
	terminated bool
}

// NewConn creates an unopened connection to the given websocket URL.
func NewConn(url string, header http.Header) *Conn {
	return &Conn{url: url, header: header}
}

// NewFactory returns a Factory producing connections to url.
func NewFactory(url string, header http.Header) Factory {
	return func() Connection { return NewConn(url, header) }
}

// Open dials the websocket and starts the reader. The returned channel
// yields Opened, then MessageReceived frames, and ends with exactly one
// Closed or Failed.
func (c *Conn) Open(ctx context.Context) (<-chan LifecycleEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil || c.terminated {
		return nil, apierr.Validation("connection", "already opened")
	}

	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return nil, apierr.Network("dial", err)
	}
	c.ws = ws

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.readCancel = cancel
	// The buffer absorbs bursts; the consumer is the state machine's
	// single drain goroutine, which reads promptly.
	c.events = make(chan LifecycleEvent, 256)
	c.events <- LifecycleEvent{Kind: Opened}

	go c.readLoop(readCtx, ws)
	return c.events, nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.terminate(LifecycleEvent{Kind: Closed, Reason: status.String()})
			} else {
				c.terminate(LifecycleEvent{Kind: Failed, Err: apierr.Network("read", err)})
			}
			return
		}
		if !c.emit(LifecycleEvent{Kind: MessageReceived, Data: data}) {
			return
		}
	}
}

// emit delivers a non-terminal event. Returns false once terminated. A
// blocking send here would wedge the read loop behind the mutex, so a full
// buffer aborts the connection instead: a consumer that stalled for the
// whole buffer is not coming back.
func (c *Conn) emit(evt LifecycleEvent) bool {
	c.mu.Lock()
	if c.terminated || c.events == nil {
		c.mu.Unlock()
		return false
	}
	select {
	case c.events <- evt:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()
	c.terminate(LifecycleEvent{Kind: Failed, Err: apierr.Network("emit", errConsumerStalled)})
	return false
}

// Send writes one text frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	terminated := c.terminated
	c.mu.Unlock()

	if ws == nil || terminated {
		return apierr.Network("send", errNotConnected)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return apierr.Network("send", err)
	}
	return nil
}

// Close starts a graceful shutdown and delivers Closing followed by the
// terminal Closed.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	ws := c.ws
	terminated := c.terminated
	c.mu.Unlock()

	if ws == nil || terminated {
		return apierr.Network("close", errNotConnected)
	}
	c.emit(LifecycleEvent{Kind: Closing, Reason: reason})
	err := ws.Close(websocket.StatusNormalClosure, reason)
	c.terminate(LifecycleEvent{Kind: Closed, Reason: reason})
	return err
}

// Cancel hard-aborts the connection without a close handshake.
func (c *Conn) Cancel() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.CloseNow()
	}
	c.terminate(LifecycleEvent{Kind: Failed, Err: apierr.Network("cancel", errAborted)})
}

// terminate delivers the terminal event exactly once, closes the stream,
// and releases the handle.
func (c *Conn) terminate(final LifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.terminated = true
	if c.readCancel != nil {
		c.readCancel()
	}
	c.ws = nil
	if c.events != nil {
		// Never block on a stalled consumer. If the buffer is full the
		// stream close below still signals termination.
		select {
		case c.events <- LifecycleEvent{Kind: final.Kind, Reason: final.Reason, Err: final.Err}:
		default:
		}
		close(c.events)
	}
}

type connErr string

func (e connErr) Error() string { return string(e) }

const (
	errNotConnected    connErr = "not connected"
	errAborted         connErr = "connection aborted"
	errConsumerStalled connErr = "event consumer stalled"
)
