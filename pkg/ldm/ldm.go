package ldm

import (
	"fmt"
	"sync"

	"github.com/coldstor/caskd/pkg/types"
)

// DriveInfo is the changer-side view of a drive.
type DriveInfo struct {
	Address uint64
	Serial  string
	Full    bool   // a medium sits in the drive
	Barcode string // label of that medium, if any
}

// MediaInfo is the changer-side view of a medium slot.
type MediaInfo struct {
	Address uint64
	Barcode string
	Full    bool
}

// Library abstracts a media changer.
type Library interface {
	// Open establishes access to the changer. Close releases it.
	Open() error
	Close() error

	// DriveLookup resolves a drive serial to its element address.
	DriveLookup(serial string) (*DriveInfo, error)

	// MediaLookup resolves a medium label to its element address.
	MediaLookup(barcode string) (*MediaInfo, error)

	// MediaMove moves a medium between element addresses.
	MediaMove(src, dst uint64) error

	// Scan returns the full element inventory.
	Scan() ([]MediaInfo, error)
}

// SpaceInfo is the result of a filesystem free-space query.
type SpaceInfo struct {
	Used     int64
	Free     int64
	ReadOnly bool
}

// FSAdapter abstracts the filesystem driver of a medium.
type FSAdapter interface {
	Mount(devPath, mntPath, label string) error
	Umount(devPath, mntPath string) error
	Format(devPath, label string) (*SpaceInfo, error)
	DF(mntPath string) (*SpaceInfo, error)
	Mounted(devPath string) (string, error) // returns mount path or ""
	GetLabel(mntPath string) (string, error)
	Sync(mntPath string) error
}

type libraryCtor func() (Library, error)
type fsCtor func() (FSAdapter, error)

var (
	regMu   sync.RWMutex
	libReg  = map[types.LibType]libraryCtor{}
	fsReg   = map[types.FSType]fsCtor{}
)

// RegisterLibrary binds a changer driver constructor to its key.
func RegisterLibrary(key types.LibType, ctor func() (Library, error)) {
	regMu.Lock()
	defer regMu.Unlock()
	libReg[key] = ctor
}

// RegisterFS binds a filesystem driver constructor to its key.
func RegisterFS(key types.FSType, ctor func() (FSAdapter, error)) {
	regMu.Lock()
	defer regMu.Unlock()
	fsReg[key] = ctor
}

// NewLibrary instantiates the changer driver for key.
func NewLibrary(key types.LibType) (Library, error) {
	regMu.RLock()
	ctor, ok := libReg[key]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no library adapter registered for %s", key)
	}
	return ctor()
}

// NewFS instantiates the filesystem driver for key.
func NewFS(key types.FSType) (FSAdapter, error) {
	regMu.RLock()
	ctor, ok := fsReg[key]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no fs adapter registered for %s", key)
	}
	return ctor()
}

// LibTypeForFamily maps a resource family to its default changer driver.
func LibTypeForFamily(fam types.Family) types.LibType {
	switch fam {
	case types.FamilyTape:
		return types.LibSCSI
	case types.FamilyRados:
		return types.LibRados
	default:
		return types.LibDummy
	}
}
