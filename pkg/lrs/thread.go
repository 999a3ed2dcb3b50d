package lrs

import (
	"sync"
	"time"

	"github.com/coldstor/caskd/pkg/protocol"
)

// ThreadState is the lifecycle state of a worker goroutine.
type ThreadState int32

const (
	ThreadRunning ThreadState = iota
	ThreadStopping
	ThreadStopped
)

// Thread tracks a worker goroutine lifecycle and its stop reason.
type Thread struct {
	mu     sync.Mutex
	state  ThreadState
	reason protocol.Errno
	done   chan struct{}
}

// NewThread returns a handle in the running state.
func NewThread() *Thread {
	return &Thread{state: ThreadRunning, done: make(chan struct{})}
}

// State returns the current lifecycle state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StopReason returns the code recorded by the first Stop call.
func (t *Thread) StopReason() protocol.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Stop requests termination. The first call records reason; later calls
// are ignored.
func (t *Thread) Stop(reason protocol.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ThreadRunning {
		return
	}
	t.state = ThreadStopping
	t.reason = reason
}

// MarkStopped transitions to the stopped state and releases joiners.
func (t *Thread) MarkStopped() {
	t.mu.Lock()
	if t.state == ThreadStopped {
		t.mu.Unlock()
		return
	}
	t.state = ThreadStopped
	t.mu.Unlock()
	close(t.done)
}

// IsRunning reports whether the worker still accepts work.
func (t *Thread) IsRunning() bool { return t.State() == ThreadRunning }

// IsStopping reports whether termination was requested.
func (t *Thread) IsStopping() bool { return t.State() == ThreadStopping }

// IsStopped reports whether the worker has exited.
func (t *Thread) IsStopped() bool { return t.State() == ThreadStopped }

// Join blocks until the worker exits.
func (t *Thread) Join() {
	<-t.done
}

// TryJoin waits for exit until deadline, reporting whether it happened.
func (t *Thread) TryJoin(deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return t.IsStopped()
	}
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
