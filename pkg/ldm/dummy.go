package ldm

import (
	"fmt"
	"sync"

	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

// DummyLibrary is an in-memory changer used by the dir family and by
// tests. Drives and slots are plain element maps.
type DummyLibrary struct {
	mu     sync.Mutex
	opened bool
	drives map[string]*DriveInfo // serial -> drive
	slots  map[string]*MediaInfo // barcode -> slot

	byAddr map[uint64]string // element address -> barcode or serial
	next   uint64
}

// NewDummyLibrary builds an empty in-memory changer.
func NewDummyLibrary() *DummyLibrary {
	return &DummyLibrary{
		drives: make(map[string]*DriveInfo),
		slots:  make(map[string]*MediaInfo),
		byAddr: make(map[uint64]string),
		next:   1,
	}
}

// AddDrive declares a drive element.
func (l *DummyLibrary) AddDrive(serial string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := l.next
	l.next++
	l.drives[serial] = &DriveInfo{Address: addr, Serial: serial}
	l.byAddr[addr] = serial
	return addr
}

// AddMedium declares a storage slot holding a medium.
func (l *DummyLibrary) AddMedium(barcode string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := l.next
	l.next++
	l.slots[barcode] = &MediaInfo{Address: addr, Barcode: barcode, Full: true}
	l.byAddr[addr] = barcode
	return addr
}

func (l *DummyLibrary) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = true
	return nil
}

func (l *DummyLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = false
	return nil
}

func (l *DummyLibrary) DriveLookup(serial string) (*DriveInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.drives[serial]
	if !ok {
		return nil, fmt.Errorf("drive %s not in library: %w", serial, protocol.ENOENT)
	}
	cp := *d
	return &cp, nil
}

func (l *DummyLibrary) MediaLookup(barcode string) (*MediaInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// A medium sitting in a drive answers with the drive address.
	for _, d := range l.drives {
		if d.Full && d.Barcode == barcode {
			return &MediaInfo{Address: d.Address, Barcode: barcode, Full: true}, nil
		}
	}
	m, ok := l.slots[barcode]
	if !ok {
		return nil, fmt.Errorf("medium %s not in library: %w", barcode, protocol.ENOMEDIUM)
	}
	cp := *m
	return &cp, nil
}

func (l *DummyLibrary) MediaMove(src, dst uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	srcDrive := l.driveAt(src)
	dstDrive := l.driveAt(dst)
	if srcDrive != nil && dstDrive != nil {
		// drive-to-drive moves are refused, the caller retries later
		return fmt.Errorf("drive to drive move refused: %w", protocol.EBUSY)
	}

	var barcode string
	switch {
	case srcDrive != nil:
		if !srcDrive.Full {
			return fmt.Errorf("drive %s empty: %w", srcDrive.Serial, protocol.ENOMEDIUM)
		}
		barcode = srcDrive.Barcode
		srcDrive.Full = false
		srcDrive.Barcode = ""
	default:
		name, ok := l.byAddr[src]
		if !ok {
			return fmt.Errorf("unknown element %d: %w", src, protocol.EINVAL)
		}
		slot := l.slots[name]
		if slot == nil || !slot.Full {
			return fmt.Errorf("slot %d empty: %w", src, protocol.ENOMEDIUM)
		}
		barcode = slot.Barcode
		slot.Full = false
	}

	switch {
	case dstDrive != nil:
		if dstDrive.Full {
			return fmt.Errorf("drive %s occupied: %w", dstDrive.Serial, protocol.EBUSY)
		}
		dstDrive.Full = true
		dstDrive.Barcode = barcode
	default:
		name, ok := l.byAddr[dst]
		if !ok {
			return fmt.Errorf("unknown element %d: %w", dst, protocol.EINVAL)
		}
		slot := l.slots[name]
		if slot == nil {
			return fmt.Errorf("unknown slot %d: %w", dst, protocol.EINVAL)
		}
		if slot.Full {
			return fmt.Errorf("slot %d occupied: %w", dst, protocol.EBUSY)
		}
		slot.Full = true
		slot.Barcode = barcode
	}
	return nil
}

func (l *DummyLibrary) Scan() ([]MediaInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]MediaInfo, 0, len(l.slots)+len(l.drives))
	for _, m := range l.slots {
		out = append(out, *m)
	}
	for _, d := range l.drives {
		out = append(out, MediaInfo{Address: d.Address, Barcode: d.Barcode, Full: d.Full})
	}
	return out, nil
}

func (l *DummyLibrary) driveAt(addr uint64) *DriveInfo {
	name, ok := l.byAddr[addr]
	if !ok {
		return nil
	}
	return l.drives[name]
}

func init() {
	RegisterLibrary(types.LibDummy, func() (Library, error) {
		return NewDummyLibrary(), nil
	})
}
