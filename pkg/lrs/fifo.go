package lrs

import "github.com/coldstor/caskd/pkg/types"

// FIFO serves the oldest request first, scanning idle devices in
// registration order.
type FIFO struct{}

func (*FIFO) Name() string { return "fifo" }

func (*FIFO) Admit(IOKind, string) bool { return true }

func (*FIFO) Select(devs []*Device, medium *types.Medium, techno string, kind IOKind) *Device {
	if d := selectLoaded(devs, medium); d != nil {
		return d
	}
	for _, d := range devs {
		if !d.IsSchedReady() {
			continue
		}
		if !deviceFitsMedium(d, medium, techno) {
			continue
		}
		return d
	}
	return nil
}

func (*FIFO) OnDispatch(IOKind, string) {}
func (*FIFO) OnComplete(IOKind, string) {}

// deviceFitsMedium checks the drive can physically handle the medium:
// same family, and for tapes a matching technology generation. techno is
// the medium's resolved generation; either side left empty (unmapped
// model) disables the filter.
func deviceFitsMedium(d *Device, medium *types.Medium, techno string) bool {
	if d.Family() != medium.Family {
		return false
	}
	if d.Family() == types.FamilyTape && d.Technology() != "" &&
		techno != "" && techno != d.Technology() {
		return false
	}
	return true
}
