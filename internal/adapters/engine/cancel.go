package engine

import "sync"

// CancelToken is the cooperative cancellation flag of a run. The executor
// checks it between steps; it never interrupts a running node.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

func (t *CancelToken) Cancel() {
	t.once.Do(func() {
		close(t.done)
	})
}

func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
