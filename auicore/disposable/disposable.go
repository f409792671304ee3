package disposable

import "sync"

type Disposable interface {
	Dispose()
}

type DisposableImp struct {
	once    sync.Once
	dispose func()
}

// NewDisposable wraps fn so that it runs at most once, however many times
// Dispose is called.
func NewDisposable(fn func()) *DisposableImp {
	return &DisposableImp{dispose: fn}
}

func (d *DisposableImp) Dispose() {
	d.once.Do(func() {
		if d.dispose != nil {
			d.dispose()
		}
	})
}

type CompositeDisposable struct {
	mu          sync.Mutex
	disposables []Disposable
	disposed    bool
}

func NewCompositeDisposable(disposables ...Disposable) *CompositeDisposable {
	return &CompositeDisposable{disposables: disposables}
}

// Add registers d with the composite. When the composite is already disposed,
// d is disposed immediately.
func (c *CompositeDisposable) Add(d Disposable) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		d.Dispose()
		return
	}
	c.disposables = append(c.disposables, d)
	c.mu.Unlock()
}

// Dispose disposes every member in reverse registration order.
func (c *CompositeDisposable) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	disposables := c.disposables
	c.disposables = nil
	c.mu.Unlock()

	for i := len(disposables) - 1; i >= 0; i-- {
		disposables[i].Dispose()
	}
}
