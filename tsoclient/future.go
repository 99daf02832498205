package tsoclient

import (
	"context"
	"sync"
)

// Future is the pending result of a client call. It is resolved exactly once.
type Future struct {
	once sync.Once
	done chan struct{}

	lock      sync.Mutex
	value     int64
	err       error
	listeners []func(int64, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve sets the result; it reports whether this call was the one that did.
func (f *Future) resolve(value int64, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.lock.Lock()
		f.value, f.err = value, err
		listeners := f.listeners
		f.listeners = nil
		close(f.done)
		f.lock.Unlock()

		for _, fn := range listeners {
			fn(value, err)
		}
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get waits for the result or for ctx to be done.
func (f *Future) Get(ctx context.Context) (int64, error) {
	select {
	case <-f.done:
		f.lock.Lock()
		defer f.lock.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Wait blocks until the result is available.
func (f *Future) Wait() (int64, error) {
	return f.Get(context.Background())
}

// OnComplete runs fn with the result, right away if the future is resolved.
// Listeners run on the goroutine that resolves the future.
func (f *Future) OnComplete(fn func(value int64, err error)) {
	f.lock.Lock()
	select {
	case <-f.done:
		value, err := f.value, f.err
		f.lock.Unlock()
		fn(value, err)
	default:
		f.listeners = append(f.listeners, fn)
		f.lock.Unlock()
	}
}
