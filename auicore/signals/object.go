package signals

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/aui-framework/aui-go/auicore/thread"
)

// graphMu guards every add and remove of a connection on both of its
// endpoints. A slot list mutex may be taken while holding it, never the
// other way round.
var graphMu sync.Mutex

type registry struct {
	inbound   []*Connection // guarded by graphMu
	destroyed atomic.Bool
}

func (r *registry) removeLocked(c *Connection) {
	for i, existing := range r.inbound {
		if existing == c {
			r.inbound = append(r.inbound[:i:i], r.inbound[i+1:]...)
			return
		}
	}
}

func (r *registry) teardown() {
	graphMu.Lock()
	defer graphMu.Unlock()
	if r.destroyed.Swap(true) {
		return
	}
	inbound := r.inbound
	r.inbound = nil
	for _, c := range inbound {
		c.unlinkLocked()
	}
}

// Object is the receiving end of connections. It remembers the thread its
// slots must run on and every connection pointing at it.
type Object struct {
	thread    atomic.Pointer[thread.Thread]
	reg       *registry
	disabled  atomic.Bool
	anyThread atomic.Bool
}

// NewObject creates an object bound to the calling thread. A plain
// goroutine gets adopted by this call and must call thread.Release once it
// is done, or its handle stays registered.
func NewObject() *Object {
	return NewObjectOn(thread.Current())
}

// NewObjectOn creates an object bound to t. A nil t makes the object
// receive every slot on the emitting thread.
func NewObjectOn(t *thread.Thread) *Object {
	o := &Object{reg: &registry{}}
	o.thread.Store(t)
	runtime.AddCleanup(o, func(r *registry) {
		r.teardown()
	}, o.reg)
	return o
}

func (o *Object) object() *Object {
	return o
}

// Destroy disconnects every inbound connection. No slot of o runs after
// Destroy has started. Calling it again does nothing.
func (o *Object) Destroy() {
	o.reg.teardown()
}

func (o *Object) IsDestroyed() bool {
	return o.reg.destroyed.Load()
}

func (o *Object) Thread() *thread.Thread {
	return o.thread.Load()
}

// MoveToThread rebinds o. Invocations already queued on the previous
// thread still run there.
func (o *Object) MoveToThread(t *thread.Thread) {
	o.thread.Store(t)
}

// SetSignalsEnabled toggles emission of every signal owned by o.
func (o *Object) SetSignalsEnabled(enabled bool) {
	o.disabled.Store(!enabled)
}

func (o *Object) SignalsEnabled() bool {
	return !o.disabled.Load()
}

// SetThreadAffine controls whether slots of o are marshalled to its thread.
// A non-affine object receives slots synchronously on the emitting thread.
func (o *Object) SetThreadAffine(affine bool) {
	o.anyThread.Store(!affine)
}

func (o *Object) ThreadAffine() bool {
	return !o.anyThread.Load()
}

// ConnectionCount returns the number of live inbound connections.
func (o *Object) ConnectionCount() int {
	graphMu.Lock()
	defer graphMu.Unlock()
	return len(o.reg.inbound)
}

// deliveryThread returns the thread a slot of o has to be queued on when
// emitted from cur, or nil when it runs synchronously.
func (o *Object) deliveryThread(cur *thread.Thread) *thread.Thread {
	if !o.ThreadAffine() {
		return nil
	}
	t := o.thread.Load()
	if t == nil || t == cur {
		return nil
	}
	return t
}
