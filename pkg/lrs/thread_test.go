package lrs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coldstor/caskd/pkg/protocol"
)

func TestThreadLifecycle(t *testing.T) {
	th := NewThread()
	assert.True(t, th.IsRunning())
	assert.False(t, th.IsStopping())
	assert.False(t, th.IsStopped())

	th.Stop(protocol.EIO)
	assert.True(t, th.IsStopping())
	assert.Equal(t, protocol.EIO, th.StopReason())

	// a later stop must not overwrite the first reason
	th.Stop(protocol.ENOSPC)
	assert.Equal(t, protocol.EIO, th.StopReason())

	th.MarkStopped()
	assert.True(t, th.IsStopped())
}

func TestThreadJoin(t *testing.T) {
	th := NewThread()
	go func() {
		time.Sleep(20 * time.Millisecond)
		th.MarkStopped()
	}()
	th.Join()
	assert.True(t, th.IsStopped())
}

func TestThreadTryJoin(t *testing.T) {
	th := NewThread()
	assert.False(t, th.TryJoin(time.Now().Add(30*time.Millisecond)))

	th.MarkStopped()
	assert.True(t, th.TryJoin(time.Now().Add(30*time.Millisecond)))
	// expired deadline still reports an already-stopped thread
	assert.True(t, th.TryJoin(time.Now().Add(-time.Second)))
}

func TestThreadMarkStoppedTwice(t *testing.T) {
	th := NewThread()
	th.MarkStopped()
	assert.NotPanics(t, func() { th.MarkStopped() })
}
