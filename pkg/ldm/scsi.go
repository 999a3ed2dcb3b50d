package ldm

import (
	"fmt"
	"time"

	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/tlc"
	"github.com/coldstor/caskd/pkg/types"
)

// SCSILibrary drives a media changer through the TLC.
type SCSILibrary struct {
	client       *tlc.Client
	queryTimeout time.Duration
	moveTimeout  time.Duration
	maxElem      int
}

// SCSIConfig holds the TLC endpoint and per-operation deadlines.
type SCSIConfig struct {
	Addr         string
	QueryTimeout time.Duration
	MoveTimeout  time.Duration
	MaxElem      int
}

// NewSCSILibrary builds a TLC-backed changer adapter.
func NewSCSILibrary(cfg SCSIConfig) *SCSILibrary {
	return &SCSILibrary{
		client:       tlc.NewClient(cfg.Addr),
		queryTimeout: cfg.QueryTimeout,
		moveTimeout:  cfg.MoveTimeout,
		maxElem:      cfg.MaxElem,
	}
}

func (l *SCSILibrary) Open() error {
	if err := l.client.Connect(l.queryTimeout); err != nil {
		return err
	}
	resp, err := l.client.Call(&tlc.Request{Op: tlc.OpPing}, l.queryTimeout)
	if err != nil {
		return err
	}
	if resp.RC != 0 {
		return fmt.Errorf("TLC ping failed: %w", protocol.Errno(resp.RC))
	}
	if !resp.LibraryOK {
		return fmt.Errorf("TLC cannot reach the library: %w", protocol.ENXIO)
	}
	return nil
}

func (l *SCSILibrary) Close() error {
	return l.client.Close()
}

func (l *SCSILibrary) DriveLookup(serial string) (*DriveInfo, error) {
	resp, err := l.call(&tlc.Request{Op: tlc.OpDriveLookup, Serial: serial}, l.queryTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Elem == nil {
		return nil, fmt.Errorf("drive %s not in library: %w", serial, protocol.ENOENT)
	}
	return &DriveInfo{
		Address: resp.Elem.Address,
		Serial:  serial,
		Full:    resp.Elem.Full,
		Barcode: resp.Elem.Barcode,
	}, nil
}

func (l *SCSILibrary) MediaLookup(barcode string) (*MediaInfo, error) {
	resp, err := l.call(&tlc.Request{Op: tlc.OpMediaLookup, Barcode: barcode}, l.queryTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Elem == nil {
		return nil, fmt.Errorf("medium %s not in library: %w", barcode, protocol.ENOMEDIUM)
	}
	return &MediaInfo{
		Address: resp.Elem.Address,
		Barcode: resp.Elem.Barcode,
		Full:    resp.Elem.Full,
	}, nil
}

func (l *SCSILibrary) MediaMove(src, dst uint64) error {
	_, err := l.call(&tlc.Request{Op: tlc.OpMediaMove, Source: src, Target: dst},
		l.moveTimeout)
	return err
}

func (l *SCSILibrary) Scan() ([]MediaInfo, error) {
	resp, err := l.call(&tlc.Request{Op: tlc.OpStatus, MaxElem: l.maxElem}, l.queryTimeout)
	if err != nil {
		return nil, err
	}
	out := make([]MediaInfo, 0, len(resp.Elements))
	for _, e := range resp.Elements {
		out = append(out, MediaInfo{Address: e.Address, Barcode: e.Barcode, Full: e.Full})
	}
	return out, nil
}

func (l *SCSILibrary) call(req *tlc.Request, timeout time.Duration) (*tlc.Response, error) {
	resp, err := l.client.Call(req, timeout)
	if err != nil {
		return nil, err
	}
	if resp.RC != 0 {
		rc := protocol.Errno(resp.RC)
		// The library refuses a drive-to-drive move with EINVAL; the
		// worker must see EBUSY and retry once the source drive drains.
		if req.Op == tlc.OpMediaMove && rc == protocol.EINVAL {
			rc = protocol.EBUSY
		}
		return nil, fmt.Errorf("TLC %s: %s: %w", req.Op, resp.Message, rc)
	}
	return resp, nil
}

// RegisterSCSILibrary installs the SCSI changer driver with its endpoint.
func RegisterSCSILibrary(cfg SCSIConfig) {
	RegisterLibrary(types.LibSCSI, func() (Library, error) {
		return NewSCSILibrary(cfg), nil
	})
}
