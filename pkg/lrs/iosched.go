package lrs

import (
	"fmt"

	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

// IOKind buckets requests for dispatch accounting.
type IOKind int

const (
	IOFormat IOKind = iota
	IOWrite
	IORead
)

// KindOf maps a request kind to its dispatch bucket.
func KindOf(kind protocol.RequestKind) IOKind {
	switch kind {
	case protocol.KindFormat:
		return IOFormat
	case protocol.KindWriteAlloc:
		return IOWrite
	default:
		return IORead
	}
}

// Algorithm is a pluggable dispatch policy. Admit gates placement before a
// device is chosen; Select picks the device, with techno the medium's
// resolved technology generation (empty when unknown); the On* hooks
// maintain in-flight accounting.
type Algorithm interface {
	Name() string
	Admit(kind IOKind, techno string) bool
	Select(devs []*Device, medium *types.Medium, techno string, kind IOKind) *Device
	OnDispatch(kind IOKind, techno string)
	OnComplete(kind IOKind, techno string)
}

// NewAlgorithm instantiates a dispatch policy by its config name.
func NewAlgorithm(name string, bounds FairShareBounds) (Algorithm, error) {
	switch name {
	case "", "fifo":
		return &FIFO{}, nil
	case "grouped_read":
		return &GroupedRead{}, nil
	case "fair_share":
		return NewFairShare(bounds), nil
	}
	return nil, fmt.Errorf("unknown dispatch algorithm %q", name)
}

// selectLoaded returns a ready device that already owns the medium, first
// preferring a mounted one.
func selectLoaded(devs []*Device, medium *types.Medium) *Device {
	var loaded *Device
	for _, d := range devs {
		if !d.IsSchedReady() {
			continue
		}
		m := d.LoadedMedium()
		if m == nil || m.ID != medium.ID {
			continue
		}
		if d.OpStatus() == types.DevOpMounted {
			return d
		}
		loaded = d
	}
	return loaded
}
