package lrs

import (
	"sync"

	"github.com/coldstor/caskd/pkg/types"
)

// FairShareBounds holds the per-technology (min, max) reservations, each
// triplet in (format, write, read) order.
type FairShareBounds struct {
	Min map[string][3]int
	Max map[string][3]int
}

// FairShare bounds in-flight request counts per technology per kind:
// (min_format, min_write, min_read) <= in_flight <= (max_*). Maxima are
// hard admission limits; minima are soft reservations consulted under
// contention. A refused request keeps whatever DSS lock it already holds.
type FairShare struct {
	mu       sync.Mutex
	bounds   FairShareBounds
	inFlight map[string]*[3]int
}

// NewFairShare builds the policy from configured bounds.
func NewFairShare(bounds FairShareBounds) *FairShare {
	if bounds.Min == nil {
		bounds.Min = map[string][3]int{}
	}
	if bounds.Max == nil {
		bounds.Max = map[string][3]int{}
	}
	return &FairShare{bounds: bounds, inFlight: map[string]*[3]int{}}
}

func (f *FairShare) Name() string { return "fair_share" }

// SetBounds replaces the reservation table, unblocking admission for
// waiting requests on the next dispatch tick.
func (f *FairShare) SetBounds(bounds FairShareBounds) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bounds = bounds
}

func (f *FairShare) counters(techno string) *[3]int {
	c, ok := f.inFlight[techno]
	if !ok {
		c = &[3]int{}
		f.inFlight[techno] = c
	}
	return c
}

func (f *FairShare) maxFor(techno string) [3]int {
	if m, ok := f.bounds.Max[techno]; ok {
		return m
	}
	return [3]int{1 << 30, 1 << 30, 1 << 30}
}

// Admit refuses a request whose kind already reached the technology
// maximum. The caller must retain any medium lock it took.
func (f *FairShare) Admit(kind IOKind, techno string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := f.maxFor(techno)
	return f.counters(techno)[kind] < max[kind]
}

// Select picks a device of the right technology, treating the minima as
// soft: a drive whose technology still has another kind below its minimum
// is passed over while another fitting drive is ready, and is returned
// when it is the only one.
func (f *FairShare) Select(devs []*Device, medium *types.Medium, techno string, kind IOKind) *Device {
	if d := selectLoaded(devs, medium); d != nil {
		return d
	}
	var fallback *Device
	for _, d := range devs {
		if !d.IsSchedReady() || !deviceFitsMedium(d, medium, techno) {
			continue
		}
		if f.reservedForOther(d.Technology(), kind) {
			if fallback == nil {
				fallback = d
			}
			continue
		}
		return d
	}
	return fallback
}

// reservedForOther reports whether a kind other than kind is still below
// its minimum reservation for techno.
func (f *FairShare) reservedForOther(techno string, kind IOKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	min, ok := f.bounds.Min[techno]
	if !ok {
		return false
	}
	c := f.counters(techno)
	for k := 0; k < 3; k++ {
		if IOKind(k) == kind {
			continue
		}
		if c[k] < min[k] {
			return true
		}
	}
	return false
}

// InFlight returns the current counter for observability and tests.
func (f *FairShare) InFlight(kind IOKind, techno string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters(techno)[kind]
}

func (f *FairShare) OnDispatch(kind IOKind, techno string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters(techno)[kind]++
}

func (f *FairShare) OnComplete(kind IOKind, techno string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counters(techno)
	if c[kind] > 0 {
		c[kind]--
	}
}
