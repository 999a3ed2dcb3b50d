package dss

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstor/caskd/pkg/types"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceCRUD(t *testing.T) {
	s := newStore(t)

	dev := &types.Device{
		ID:        "drive-1",
		Family:    types.FamilyTape,
		Model:     "ULTRIUM-HH5",
		Path:      "/dev/st0",
		Host:      "node1",
		AdmStatus: types.AdmUnlocked,
	}
	require.NoError(t, s.SetDevice(dev))

	got, err := s.GetDevice("drive-1")
	require.NoError(t, err)
	assert.Equal(t, dev.Model, got.Model)

	require.NoError(t, s.UpdateDeviceAdmStatus("drive-1", types.AdmFailed))
	got, err = s.GetDevice("drive-1")
	require.NoError(t, err)
	assert.Equal(t, types.AdmFailed, got.AdmStatus)

	_, err = s.GetDevice("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteDevice("drive-1"))
	_, err = s.GetDevice("drive-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListDevicesFilters(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SetDevice(&types.Device{ID: "a", Family: types.FamilyTape, Host: "node1"}))
	require.NoError(t, s.SetDevice(&types.Device{ID: "b", Family: types.FamilyTape, Host: "node2"}))
	require.NoError(t, s.SetDevice(&types.Device{ID: "c", Family: types.FamilyDir, Host: "node1"}))

	all, err := s.ListDevices(DeviceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	tapes, err := s.ListDevices(DeviceFilter{Family: types.FamilyTape})
	require.NoError(t, err)
	assert.Len(t, tapes, 2)

	node1Tapes, err := s.ListDevices(DeviceFilter{Family: types.FamilyTape, Host: "node1"})
	require.NoError(t, err)
	require.Len(t, node1Tapes, 1)
	assert.Equal(t, "a", node1Tapes[0].ID)
}

func TestUpdateMediumFullInvariant(t *testing.T) {
	s := newStore(t)
	m := &types.Medium{
		ID:       "T00001",
		Family:   types.FamilyTape,
		FSType:   types.FSLtfs,
		FSStatus: types.FSUsed,
		Stats:    types.MediaStats{PhysSpcFree: 0},
	}
	require.NoError(t, s.UpdateMedium(m))

	got, err := s.GetMedium("T00001")
	require.NoError(t, err)
	assert.Equal(t, types.FSFull, got.FSStatus, "zero free space forces the full status")
}

func TestUpdateMediumKeepsBlank(t *testing.T) {
	s := newStore(t)
	m := &types.Medium{
		ID:       "T00002",
		Family:   types.FamilyTape,
		FSStatus: types.FSBlank,
	}
	require.NoError(t, s.UpdateMedium(m))

	got, err := s.GetMedium("T00002")
	require.NoError(t, err)
	assert.Equal(t, types.FSBlank, got.FSStatus, "an unformatted medium is not full")
}

func TestLockExclusivity(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Lock(types.LockMedia, "T00001", "node1", 100))

	// re-acquiring our own lock is idempotent
	require.NoError(t, s.Lock(types.LockMedia, "T00001", "node1", 100))

	// anyone else is refused
	err := s.Lock(types.LockMedia, "T00001", "node2", 200)
	assert.ErrorIs(t, err, ErrLockHeld)
	err = s.Lock(types.LockMedia, "T00001", "node1", 101)
	assert.ErrorIs(t, err, ErrLockHeld)

	// same id under another lock type is independent
	require.NoError(t, s.Lock(types.LockMediaUpdate, "T00001", "node2", 200))
}

func TestUnlockOwnership(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Lock(types.LockDevice, "drive-1", "node1", 100))

	err := s.Unlock(types.LockDevice, "drive-1", "node2", 200, false)
	assert.ErrorIs(t, err, ErrNotOwner)

	// force bypasses the ownership check (startup reconciliation)
	require.NoError(t, s.Unlock(types.LockDevice, "drive-1", "node2", 200, true))

	_, err = s.GetLock(types.LockDevice, "drive-1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Unlock(types.LockDevice, "drive-1", "node1", 100, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListLocksByType(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Lock(types.LockMedia, "m1", "node1", 1))
	require.NoError(t, s.Lock(types.LockMedia, "m2", "node2", 2))
	require.NoError(t, s.Lock(types.LockDevice, "d1", "node1", 1))

	media, err := s.ListLocks(types.LockMedia)
	require.NoError(t, err)
	assert.Len(t, media, 2)

	devices, err := s.ListLocks(types.LockDevice)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "d1", devices[0].ID)
}

func TestOperationLogs(t *testing.T) {
	s := newStore(t)

	cutoff := time.Now().Add(-time.Minute)
	require.NoError(t, s.AppendLog(&LogEntry{
		Device: "drive-1", Medium: "T00001", Family: types.FamilyTape,
		Cause: "media_move", RC: -16, Message: "drive busy",
	}))
	require.NoError(t, s.AppendLog(&LogEntry{
		Device: "drive-1", Family: types.FamilyTape, Cause: "mount", RC: 0,
	}))

	entries, err := s.ListLogs(cutoff)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "media_move", entries[0].Cause)
	assert.EqualValues(t, -16, entries[0].RC)

	none, err := s.ListLogs(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)
}
