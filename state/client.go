package state

import "github.com/chatwire/chatwire/model"

// ConnectionStatus is the read-only mirror of the socket state machine's
// connection state. Only the session updates it, driven by machine
// transitions; everyone else observes.
type ConnectionStatus string

const (
	ConnectionOffline    ConnectionStatus = "offline"
	ConnectionConnecting ConnectionStatus = "connecting"
	ConnectionConnected  ConnectionStatus = "connected"
)

// Connection is a connection-state snapshot.
type Connection struct {
	Status       ConnectionStatus
	ConnectionID string
}

// Client is the per-session container for the current user and connection.
type Client struct {
	connection *Holder[Connection]
	user       *Holder[model.User]
}

// NewClient creates a client state starting offline with no user.
func NewClient() *Client {
	return &Client{
		connection: NewHolder(Connection{Status: ConnectionOffline}),
		user:       NewHolder(model.User{}),
	}
}

// Connection returns the observable connection snapshot holder.
func (c *Client) Connection() *Holder[Connection] { return c.connection }

// User returns the observable current-user holder.
func (c *Client) User() *Holder[model.User] { return c.user }

// Online reports whether the session currently holds a live connection.
func (c *Client) Online() bool {
	return c.connection.Get().Status == ConnectionConnected
}
