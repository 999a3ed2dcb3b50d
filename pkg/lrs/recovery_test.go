package lrs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstor/caskd/pkg/dss"
	"github.com/coldstor/caskd/pkg/types"
)

// TestRecoverLocks replays the startup reconciliation: our own stale
// locks and orphaned locks go away, other hosts' locks on live media are
// untouched.
func TestRecoverLocks(t *testing.T) {
	store, err := dss.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, id := range []string{"dir0", "dir1", "dir2", "dir3"} {
		require.NoError(t, store.SetMedium(&types.Medium{
			ID:        id,
			Family:    types.FamilyDir,
			AdmStatus: types.AdmUnlocked,
			FSType:    types.FSPosix,
		}))
	}

	deadPID := 99999
	require.NoError(t, store.Lock(types.LockMedia, "dir0", testHost, deadPID))
	require.NoError(t, store.Lock(types.LockMediaUpdate, "dir1", testHost, deadPID))
	require.NoError(t, store.Lock(types.LockMedia, "dir2", "other", 1))
	require.NoError(t, store.Lock(types.LockMediaUpdate, "dir3", "other", 1))
	// an orphan: its medium does not exist anywhere
	require.NoError(t, store.Lock(types.LockMedia, "ghost", "other", 1))

	sched := NewScheduler(SchedulerConfig{
		Family:   types.FamilyDir,
		Hostname: testHost,
		PID:      testPID,
		Store:    store,
		Algo:     &FIFO{},
		Retry:    fastPolicy(1),
		Sync:     defaultSync(),
	})
	require.NoError(t, sched.RecoverLocks())

	// our predecessor's locks are gone
	_, err = store.GetLock(types.LockMedia, "dir0")
	assert.True(t, errors.Is(err, dss.ErrNotFound))
	_, err = store.GetLock(types.LockMediaUpdate, "dir1")
	assert.True(t, errors.Is(err, dss.ErrNotFound))

	// the other host keeps its live locks
	lock, err := store.GetLock(types.LockMedia, "dir2")
	require.NoError(t, err)
	assert.Equal(t, "other", lock.Hostname)
	lock, err = store.GetLock(types.LockMediaUpdate, "dir3")
	require.NoError(t, err)
	assert.Equal(t, "other", lock.Hostname)

	// the orphan is released regardless of its owner
	_, err = store.GetLock(types.LockMedia, "ghost")
	assert.True(t, errors.Is(err, dss.ErrNotFound))
}

// TestRecoverLocksOnStart exercises the full Start path: stale
// locks must be gone by the time Start returns.
func TestRecoverLocksOnStart(t *testing.T) {
	store, err := dss.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SetMedium(&types.Medium{
		ID:        "dir0",
		Family:    types.FamilyDir,
		AdmStatus: types.AdmUnlocked,
		FSType:    types.FSPosix,
	}))
	require.NoError(t, store.SetDevice(&types.Device{
		ID:        "dir-dev-1",
		Family:    types.FamilyDir,
		Path:      t.TempDir(),
		Host:      testHost,
		AdmStatus: types.AdmUnlocked,
	}))
	require.NoError(t, store.Lock(types.LockMedia, "dir0", testHost, 12345))

	sched := NewScheduler(SchedulerConfig{
		Family:       types.FamilyDir,
		Hostname:     testHost,
		PID:          testPID,
		Store:        store,
		Algo:         &FIFO{},
		Retry:        fastPolicy(1),
		Sync:         defaultSync(),
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, sched.Start())
	t.Cleanup(func() { sched.Stop(time.Now().Add(3 * time.Second)) })

	_, err = store.GetLock(types.LockMedia, "dir0")
	assert.True(t, errors.Is(err, dss.ErrNotFound))

	// the device lock now belongs to this daemon
	lock, err := store.GetLock(types.LockDevice, "dir-dev-1")
	require.NoError(t, err)
	assert.Equal(t, testHost, lock.Hostname)
	assert.Equal(t, testPID, lock.Owner)
}
