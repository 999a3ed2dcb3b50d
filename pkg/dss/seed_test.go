package dss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstor/caskd/pkg/types"
)

const sampleInventory = `
devices:
  - id: drive-1
    family: tape
    model: ULTRIUM-HH5
    path: /dev/st0
    host: node1
    unlock: true
media:
  - id: L50001
    family: tape
    model: LTO5
    fs_type: LTFS
    tags: [archive]
  - id: L50002
    family: tape
    model: LTO5
    fs_type: LTFS
    unlock: true
`

func TestParseAndApplyInventory(t *testing.T) {
	s := newStore(t)

	inv, err := ParseInventory([]byte(sampleInventory))
	require.NoError(t, err)
	require.Len(t, inv.Devices, 1)
	require.Len(t, inv.Media, 2)

	require.NoError(t, inv.Apply(s))

	dev, err := s.GetDevice("drive-1")
	require.NoError(t, err)
	assert.Equal(t, types.FamilyTape, dev.Family)
	assert.Equal(t, types.AdmUnlocked, dev.AdmStatus)

	m1, err := s.GetMedium("L50001")
	require.NoError(t, err)
	assert.Equal(t, types.AdmLocked, m1.AdmStatus, "media start locked unless asked otherwise")
	assert.Equal(t, types.FSBlank, m1.FSStatus)
	assert.Equal(t, []string{"archive"}, m1.Tags)

	m2, err := s.GetMedium("L50002")
	require.NoError(t, err)
	assert.Equal(t, types.AdmUnlocked, m2.AdmStatus)
}

func TestApplyInventoryPreservesRuntimeState(t *testing.T) {
	s := newStore(t)

	inv, err := ParseInventory([]byte(sampleInventory))
	require.NoError(t, err)
	require.NoError(t, inv.Apply(s))

	// simulate runtime progress on the medium
	m, err := s.GetMedium("L50001")
	require.NoError(t, err)
	m.FSStatus = types.FSUsed
	m.Stats.NbObj = 7
	require.NoError(t, s.SetMedium(m))

	// re-applying the same declaration must not reset it
	require.NoError(t, inv.Apply(s))
	m, err = s.GetMedium("L50001")
	require.NoError(t, err)
	assert.Equal(t, types.FSUsed, m.FSStatus)
	assert.EqualValues(t, 7, m.Stats.NbObj)
}

func TestApplyInventoryRejectsUnknownFamily(t *testing.T) {
	s := newStore(t)
	inv, err := ParseInventory([]byte(`
devices:
  - id: x
    family: floppy
`))
	require.NoError(t, err)
	assert.Error(t, inv.Apply(s))
}

func TestParseInventoryMalformed(t *testing.T) {
	_, err := ParseInventory([]byte("{not yaml:"))
	assert.Error(t, err)
}
