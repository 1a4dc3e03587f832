package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

type Role string

const (
	RoleRobot Role = "robot"
	RoleApp   Role = "app"
)

// Frame is one JSON message on the wire. Frames are decoded once at the
// router boundary and passed around as-is so routing metadata can be stamped
// without re-marshalling.
type Frame = map[string]any

// Socket is the subset of *websocket.Conn the relay writes through.
// *websocket.Conn satisfies it directly.
type Socket interface {
	WriteJSON(v any) error
	Close() error
}

// Connection is one live WebSocket plus its metadata. The socket's read side
// is owned by the connection's message loop; every other goroutine writes
// through Send, which serializes writers (gorilla allows at most one
// concurrent writer per connection).
type Connection struct {
	sock        Socket
	role        Role
	id          string // device id for robots, user id for apps
	remoteAddr  string
	connectedAt time.Time

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewConnection(sock Socket, role Role, id, remoteAddr string, connectedAt time.Time) *Connection {
	return &Connection{
		sock:        sock,
		role:        role,
		id:          id,
		remoteAddr:  remoteAddr,
		connectedAt: connectedAt,
	}
}

func (c *Connection) Role() Role             { return c.role }
func (c *Connection) ID() string             { return c.id }
func (c *Connection) RemoteAddr() string     { return c.remoteAddr }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Send writes msg as a JSON frame. Safe for concurrent use.
func (c *Connection) Send(msg any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteJSON(msg)
}

// Close closes the underlying socket once; later calls are no-ops.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.sock.Close()
}

// Closed reports whether Close has been called. Session records hold
// non-owning references to app connections; this is how a stale reference is
// detected.
func (c *Connection) Closed() bool { return c.closed.Load() }
