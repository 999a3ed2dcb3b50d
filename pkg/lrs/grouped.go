package lrs

import "github.com/coldstor/caskd/pkg/types"

// GroupedRead is a read-only policy that coalesces requests sharing a
// medium onto the device already holding it, amortizing mounts.
type GroupedRead struct{}

func (*GroupedRead) Name() string { return "grouped_read" }

func (*GroupedRead) Admit(IOKind, string) bool { return true }

func (*GroupedRead) Select(devs []*Device, medium *types.Medium, techno string, kind IOKind) *Device {
	// A device that owns the medium wins even if it is currently busy:
	// queuing behind it avoids a second mount on another drive.
	if d := selectLoaded(devs, medium); d != nil {
		return d
	}
	for _, d := range devs {
		if m := d.LoadedMedium(); m != nil && m.ID == medium.ID && d.IsOnline() {
			// busy with the same medium: defer to a later tick
			return nil
		}
	}
	for _, d := range devs {
		if d.IsSchedReady() && deviceFitsMedium(d, medium, techno) {
			return d
		}
	}
	return nil
}

func (*GroupedRead) OnDispatch(IOKind, string) {}
func (*GroupedRead) OnComplete(IOKind, string) {}
