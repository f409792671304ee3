package thread

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutine id -> *Thread for every spawned or adopted thread still bound.
var registry sync.Map

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the id of the calling goroutine out of its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Current returns the handle of the calling goroutine. Goroutines that were
// not started through New are adopted on first call; their queue is drained
// by calling ProcessMessages from that goroutine. An adopted goroutine stays
// registered until it calls Release, so short-lived goroutines that touch
// Current must release before returning.
func Current() *Thread {
	gid := goroutineID()
	if v, ok := registry.Load(gid); ok {
		return v.(*Thread)
	}
	t := newThread("", nil, nil)
	t.adopted = true
	t.gid.Store(gid)
	actual, _ := registry.LoadOrStore(gid, t)
	return actual.(*Thread)
}

// Find returns the handle bound to the calling goroutine, or nil. Unlike
// Current it never adopts.
func Find() *Thread {
	if v, ok := registry.Load(goroutineID()); ok {
		return v.(*Thread)
	}
	return nil
}

// Release forgets the adopted handle of the calling goroutine and runs its
// exit hooks. Pending messages are dropped. Spawned threads release
// themselves when their function returns.
func Release() {
	gid := goroutineID()
	v, ok := registry.Load(gid)
	if !ok {
		return
	}
	t := v.(*Thread)
	if !t.adopted {
		return
	}
	registry.Delete(gid)
	t.gid.Store(0)
	t.runExitHooks()
}
