package signals

import (
	"sync/atomic"
	"weak"

	"github.com/oklog/ulid/v2"
)

// Connection links one signal to one receiver. It implements
// disposable.Disposable.
type Connection struct {
	id       ulid.ULID
	receiver weak.Pointer[Object]
	reg      *registry
	detach   func(*Connection)
	alive    atomic.Bool
}

func newConnection(o *Object) *Connection {
	return &Connection{
		id:       ulid.Make(),
		receiver: weak.Make(o),
		reg:      o.reg,
	}
}

func (c *Connection) ID() ulid.ULID {
	return c.id
}

func (c *Connection) IsConnected() bool {
	return c.alive.Load()
}

// Disconnect removes c from its signal and its receiver. Safe to call more
// than once and from inside the slot being disconnected.
func (c *Connection) Disconnect() {
	if !c.alive.Load() {
		return
	}
	graphMu.Lock()
	defer graphMu.Unlock()
	c.unlinkLocked()
}

func (c *Connection) Dispose() {
	c.Disconnect()
}

func (c *Connection) unlinkLocked() {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	c.detach(c)
	c.reg.removeLocked(c)
}
