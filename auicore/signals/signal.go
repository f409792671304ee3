package signals

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/aui-framework/aui-go/auicore/thread"
)

type slot[A any] struct {
	conn   *Connection
	invoke func(A) Control
}

func (s *slot[A]) fire(o *Object, args A) {
	if !s.conn.alive.Load() || o.reg.destroyed.Load() {
		return
	}
	if s.invoke(args) == Disconnect {
		s.conn.Disconnect()
	}
	runtime.KeepAlive(o)
}

// deliver builds the message queued on the receiver's thread. The receiver
// is looked up again when the message runs.
func (s *slot[A]) deliver(args A) thread.Message {
	return func() {
		if !s.conn.alive.Load() {
			return
		}
		o := s.conn.receiver.Value()
		if o == nil {
			s.conn.Disconnect()
			return
		}
		s.fire(o, args)
	}
}

// slotList is written under mu and read through an immutable snapshot, so
// emission never locks.
type slotList[A any] struct {
	mu        sync.Mutex
	slots     atomic.Pointer[[]*slot[A]]
	destroyed bool // guarded by graphMu
}

func (l *slotList[A]) snapshot() []*slot[A] {
	if p := l.slots.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *slotList[A]) add(s *slot[A]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.snapshot()
	next := make([]*slot[A], len(current), len(current)+1)
	copy(next, current)
	next = append(next, s)
	l.slots.Store(&next)
}

func (l *slotList[A]) remove(c *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.snapshot()
	next := make([]*slot[A], 0, len(current))
	for _, s := range current {
		if s.conn != c {
			next = append(next, s)
		}
	}
	l.slots.Store(&next)
}

func (l *slotList[A]) unlinkLocked(match func(*Connection) bool) {
	for _, s := range l.snapshot() {
		if match(s.conn) {
			s.conn.unlinkLocked()
		}
	}
}

func (l *slotList[A]) teardown() {
	graphMu.Lock()
	defer graphMu.Unlock()
	if l.destroyed {
		return
	}
	l.destroyed = true
	l.unlinkLocked(func(*Connection) bool { return true })
}

type signalOptions struct {
	owner *Object
}

type SignalOption func(*signalOptions)

// WithOwner ties the signal to the object that emits it. Emission is
// suppressed while the owner has signals disabled.
func WithOwner(owner Receiver) SignalOption {
	return func(o *signalOptions) {
		o.owner = owner.object()
	}
}

type SignalImp[A any] struct {
	list  *slotList[A]
	owner *Object
}

func NewSignal[A any](opts ...SignalOption) *SignalImp[A] {
	var o signalOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &SignalImp[A]{
		list:  &slotList[A]{},
		owner: o.owner,
	}
	runtime.AddCleanup(s, func(l *slotList[A]) {
		l.teardown()
	}, s.list)
	return s
}

func (s *SignalImp[A]) Connect(receiver Receiver, fn Slot[A]) *Connection {
	return s.connect(receiver, func(args A) Control {
		fn(args)
		return Keep
	})
}

// ConnectControl connects a slot that may ask to be disconnected by
// returning Disconnect.
func (s *SignalImp[A]) ConnectControl(receiver Receiver, fn ControlSlot[A]) *Connection {
	return s.connect(receiver, fn)
}

// connect registers the connection on both endpoints at once. A destroyed
// endpoint yields a connection that is already disconnected.
func (s *SignalImp[A]) connect(receiver Receiver, invoke func(A) Control) *Connection {
	o := receiver.object()
	c := newConnection(o)

	graphMu.Lock()
	defer graphMu.Unlock()
	if s.list.destroyed || o.reg.destroyed.Load() {
		return c
	}
	c.detach = s.list.remove
	c.alive.Store(true)
	s.list.add(&slot[A]{conn: c, invoke: invoke})
	o.reg.inbound = append(o.reg.inbound, c)
	return c
}

// Emit invokes every connected slot with args. Slots of receivers bound to
// the calling thread run before Emit returns, in connection order; slots of
// receivers bound to other threads are queued on those threads. Slots
// connected while Emit runs are not invoked by it.
func (s *SignalImp[A]) Emit(args A) {
	slots := s.list.snapshot()
	if len(slots) == 0 {
		return
	}
	if s.owner != nil && !s.owner.SignalsEnabled() {
		return
	}
	cur := thread.Find()
	for _, sl := range slots {
		if !sl.conn.alive.Load() {
			continue
		}
		o := sl.conn.receiver.Value()
		if o == nil {
			sl.conn.Disconnect()
			continue
		}
		if t := o.deliveryThread(cur); t != nil {
			t.Enqueue(sl.deliver(args))
			continue
		}
		sl.fire(o, args)
	}
}

// DisconnectReceiver removes every connection of this signal to receiver.
func (s *SignalImp[A]) DisconnectReceiver(receiver Receiver) {
	o := receiver.object()
	graphMu.Lock()
	defer graphMu.Unlock()
	s.list.unlinkLocked(func(c *Connection) bool {
		return c.reg == o.reg
	})
}

func (s *SignalImp[A]) DisconnectAll() {
	graphMu.Lock()
	defer graphMu.Unlock()
	s.list.unlinkLocked(func(*Connection) bool { return true })
}

// Destroy disconnects everything and refuses further connections.
func (s *SignalImp[A]) Destroy() {
	s.list.teardown()
}

func (s *SignalImp[A]) Len() int {
	return len(s.list.snapshot())
}

func (s *SignalImp[A]) IsEmpty() bool {
	return s.Len() == 0
}

// ConnectProjected connects slot to s through projection, which maps the
// signal arguments before the slot sees them.
func ConnectProjected[A, B any](s *SignalImp[A], receiver Receiver, projection func(A) B, fn Slot[B]) *Connection {
	return s.connect(receiver, func(args A) Control {
		fn(projection(args))
		return Keep
	})
}
