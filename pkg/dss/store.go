package dss

import (
	"errors"
	"time"

	"github.com/coldstor/caskd/pkg/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("dss: not found")

// ErrLockHeld is returned when a lock row already exists with a different
// owner.
var ErrLockHeld = errors.New("dss: lock held by another owner")

// ErrNotOwner is returned when unlock is attempted by a non-holder.
var ErrNotOwner = errors.New("dss: lock owned by someone else")

// DeviceFilter selects device rows.
type DeviceFilter struct {
	Family types.Family // empty matches all
	Host   string
	ID     string
}

// MediaFilter selects media rows.
type MediaFilter struct {
	Family types.Family
	ID     string
}

// Store is the data-access interface to the metadata service.
type Store interface {
	// Devices
	GetDevice(id string) (*types.Device, error)
	SetDevice(dev *types.Device) error
	UpdateDeviceAdmStatus(id string, st types.AdmStatus) error
	ListDevices(f DeviceFilter) ([]*types.Device, error)
	DeleteDevice(id string) error

	// Media
	GetMedium(id string) (*types.Medium, error)
	SetMedium(m *types.Medium) error
	UpdateMedium(m *types.Medium) error
	ListMedia(f MediaFilter) ([]*types.Medium, error)
	DeleteMedium(id string) error

	// Locks. Lock fails with ErrLockHeld unless the row is free or already
	// held by (hostname, owner). Unlock fails with ErrNotOwner unless force
	// is set or the caller matches the holder.
	Lock(typ types.LockType, id, hostname string, owner int) error
	Unlock(typ types.LockType, id, hostname string, owner int, force bool) error
	GetLock(typ types.LockType, id string) (*types.Lock, error)
	ListLocks(typ types.LockType) ([]*types.Lock, error)

	// Operation logs
	AppendLog(e *LogEntry) error
	ListLogs(since time.Time) ([]*LogEntry, error)

	Close() error
}

// LogEntry is one structured operation log row (library moves, mounts,
// formats and their outcomes).
type LogEntry struct {
	Time     time.Time    `json:"time"`
	Device   string       `json:"device,omitempty"`
	Medium   string       `json:"medium,omitempty"`
	Family   types.Family `json:"family"`
	Cause    string       `json:"cause"` // e.g. "media_move", "mount", "format"
	RC       int32        `json:"rc"`
	Message  string       `json:"message,omitempty"`
}
