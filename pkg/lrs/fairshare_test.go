package lrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func lto5Bounds(min, max [3]int) FairShareBounds {
	return FairShareBounds{
		Min: map[string][3]int{"LTO5": min},
		Max: map[string][3]int{"LTO5": max},
	}
}

func TestFairShareAdmitBound(t *testing.T) {
	fs := NewFairShare(lto5Bounds([3]int{0, 0, 0}, [3]int{0, 1, 1}))

	// format maximum is zero: never admitted
	assert.False(t, fs.Admit(IOFormat, "LTO5"))

	// one write slot
	assert.True(t, fs.Admit(IOWrite, "LTO5"))
	fs.OnDispatch(IOWrite, "LTO5")
	assert.False(t, fs.Admit(IOWrite, "LTO5"))
	assert.Equal(t, 1, fs.InFlight(IOWrite, "LTO5"))

	fs.OnComplete(IOWrite, "LTO5")
	assert.True(t, fs.Admit(IOWrite, "LTO5"))
	assert.Equal(t, 0, fs.InFlight(IOWrite, "LTO5"))
}

func TestFairShareInFlightNeverExceedsMax(t *testing.T) {
	fs := NewFairShare(lto5Bounds([3]int{0, 0, 0}, [3]int{1, 2, 3}))

	dispatched := 0
	for i := 0; i < 10; i++ {
		if fs.Admit(IORead, "LTO5") {
			fs.OnDispatch(IORead, "LTO5")
			dispatched++
		}
	}
	assert.Equal(t, 3, dispatched)
	assert.Equal(t, 3, fs.InFlight(IORead, "LTO5"))
}

func TestFairShareReadMaxZeroBlocksUntilRaised(t *testing.T) {
	// T6 shape: max (0, 1, 0) admits a write but blocks reads entirely
	// until the bounds are raised to (0, 1, 1).
	fs := NewFairShare(lto5Bounds([3]int{0, 0, 0}, [3]int{0, 1, 0}))

	assert.True(t, fs.Admit(IOWrite, "LTO5"))
	assert.False(t, fs.Admit(IORead, "LTO5"))

	fs.SetBounds(lto5Bounds([3]int{0, 0, 0}, [3]int{0, 1, 1}))
	assert.True(t, fs.Admit(IORead, "LTO5"))
}

func TestFairShareUnknownTechnoUnbounded(t *testing.T) {
	fs := NewFairShare(FairShareBounds{})
	for i := 0; i < 100; i++ {
		assert.True(t, fs.Admit(IOWrite, "LTO9"))
		fs.OnDispatch(IOWrite, "LTO9")
	}
}

func TestFairShareOnCompleteFloorsAtZero(t *testing.T) {
	fs := NewFairShare(FairShareBounds{})
	fs.OnComplete(IORead, "LTO5")
	assert.Equal(t, 0, fs.InFlight(IORead, "LTO5"))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, IOFormat, KindOf("format"))
	assert.Equal(t, IOWrite, KindOf("write_alloc"))
	assert.Equal(t, IORead, KindOf("read_alloc"))
}

func TestNewAlgorithm(t *testing.T) {
	for name, want := range map[string]string{
		"":             "fifo",
		"fifo":         "fifo",
		"grouped_read": "grouped_read",
		"fair_share":   "fair_share",
	} {
		algo, err := NewAlgorithm(name, FairShareBounds{})
		assert.NoError(t, err)
		assert.Equal(t, want, algo.Name())
	}
	_, err := NewAlgorithm("round_robin", FairShareBounds{})
	assert.Error(t, err)
}
