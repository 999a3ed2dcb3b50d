package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstor/caskd/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caskd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func testConfig(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	lockDir := t.TempDir()
	cfg := testConfig(t, `
lrs:
  lock_file: `+lockDir+`/caskd.lock
`)
	assert.Equal(t, lockDir+"/caskd.lock", cfg.LockFile())
	assert.Equal(t, "/mnt/caskd.", cfg.MountPrefix())

	families, err := cfg.Families()
	require.NoError(t, err)
	assert.Equal(t, []types.Family{types.FamilyTape}, families)

	count, short, long := cfg.RetryPolicy()
	assert.Equal(t, 5, count)
	assert.Equal(t, time.Second, short)
	assert.Equal(t, 5*time.Second, long)
}

func TestFamiliesList(t *testing.T) {
	cfg := testConfig(t, `
lrs:
  lock_file: `+t.TempDir()+`/caskd.lock
  families: tape, dir
`)
	families, err := cfg.Families()
	require.NoError(t, err)
	assert.Equal(t, []types.Family{types.FamilyTape, types.FamilyDir}, families)
}

func TestUnknownFamilyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
lrs:
  lock_file: `+t.TempDir()+`/caskd.lock
  families: floppy
`))
	assert.Error(t, err)
}

func TestMissingLockDirRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
lrs:
  lock_file: /nonexistent-dir-caskd/caskd.lock
`))
	assert.Error(t, err)
}

func TestDispatchAlgoValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
lrs:
  lock_file: `+t.TempDir()+`/caskd.lock
  families: tape
io_sched:
  tape:
    dispatch_algo: round_robin
`))
	assert.Error(t, err)
}

func TestDispatchAlgoPerFamily(t *testing.T) {
	cfg := testConfig(t, `
lrs:
  lock_file: `+t.TempDir()+`/caskd.lock
  families: tape, dir
io_sched:
  tape:
    dispatch_algo: fair_share
`)
	assert.Equal(t, "fair_share", cfg.DispatchAlgo(types.FamilyTape))
	assert.Equal(t, "fifo", cfg.DispatchAlgo(types.FamilyDir))
	assert.Equal(t, "fair_share", cfg.ReadAlgo(types.FamilyTape))
}

func TestSyncThresholds(t *testing.T) {
	cfg := testConfig(t, `
lrs:
  lock_file: `+t.TempDir()+`/caskd.lock
  sync:
    tape:
      sync_time_ms: 2000
      sync_nb_req: 10
      sync_wsize_kb: 4096
`)
	p := cfg.Sync(types.FamilyTape)
	assert.Equal(t, 2*time.Second, p.Time)
	assert.Equal(t, 10, p.NbReq)
	assert.EqualValues(t, 4096, p.WSize)

	// unconfigured family falls back to defaults
	d := cfg.Sync(types.FamilyDir)
	assert.Equal(t, 10*time.Second, d.Time)
	assert.Equal(t, 5, d.NbReq)
}

func TestTechnologyMappingIsCaseSensitive(t *testing.T) {
	cfg := testConfig(t, `
lrs:
  lock_file: `+t.TempDir()+`/caskd.lock
drive_type:
  LTO5_drive:
    models: ULTRIUM-HH5, HH LTO Gen 5
`)
	techno, err := cfg.Technology("ULTRIUM-HH5")
	require.NoError(t, err)
	assert.Equal(t, "LTO5", techno)

	techno, err = cfg.Technology("HH LTO Gen 5")
	require.NoError(t, err)
	assert.Equal(t, "LTO5", techno)

	_, err = cfg.Technology("ultrium-hh5")
	assert.Error(t, err, "model lookup must not fold case")
}

func TestFairShareBoundsParsing(t *testing.T) {
	cfg := testConfig(t, `
lrs:
  lock_file: `+t.TempDir()+`/caskd.lock
io_sched_tape:
  fair_share_LTO5_min: 0,1,1
  fair_share_LTO5_max: 1,3,5
`)
	min, max := cfg.FairShareBounds(types.FamilyTape, "LTO5")
	assert.Equal(t, [3]int{0, 1, 1}, min)
	assert.Equal(t, [3]int{1, 3, 5}, max)

	// unconfigured technology is unbounded
	min, max = cfg.FairShareBounds(types.FamilyTape, "LTO9")
	assert.Equal(t, [3]int{0, 0, 0}, min)
	assert.Equal(t, [3]int{1 << 30, 1 << 30, 1 << 30}, max)
}

func TestTLCAddr(t *testing.T) {
	cfg := testConfig(t, `
lrs:
  lock_file: `+t.TempDir()+`/caskd.lock
tlc:
  hostname: tlc-host
  port: 21000
`)
	assert.Equal(t, "tlc-host:21000", cfg.TLCAddr())
}

func TestTLCPortRange(t *testing.T) {
	_, err := Load(writeConfig(t, `
lrs:
  lock_file: `+t.TempDir()+`/caskd.lock
tlc:
  port: 70000
`))
	assert.Error(t, err)
}
