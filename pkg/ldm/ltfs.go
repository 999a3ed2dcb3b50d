package ldm

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/coldstor/caskd/pkg/log"
	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

// LTFSFS wraps the external ltfs command set. The mount command is
// configurable so test environments can substitute a script.
type LTFSFS struct {
	CmdMount string
}

// NewLTFSFS builds the LTFS driver; cmdMount defaults to "ltfs".
func NewLTFSFS(cmdMount string) *LTFSFS {
	if cmdMount == "" {
		cmdMount = "ltfs"
	}
	return &LTFSFS{CmdMount: cmdMount}
}

func (f *LTFSFS) run(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	lg := log.WithComponent("ltfs")
	lg.Debug().Str("cmd", name).Strs("args", args).Msg("ltfs command")
	if err != nil {
		lg.Warn().Str("cmd", name).Str("stderr", errb.String()).Err(err).
			Msg("ltfs command failed")
		return out.String(), fmt.Errorf("%s failed: %s: %w", name,
			strings.TrimSpace(errb.String()), protocol.EIO)
	}
	return out.String(), nil
}

func (f *LTFSFS) Mount(devPath, mntPath, label string) error {
	if err := os.MkdirAll(mntPath, 0750); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", mntPath, err)
	}
	if _, err := f.run(f.CmdMount, "-o", "devname="+devPath, mntPath); err != nil {
		return err
	}
	if label == "" {
		return nil
	}
	got, err := f.GetLabel(mntPath)
	if err != nil {
		return err
	}
	if got != label {
		f.Umount(devPath, mntPath)
		return fmt.Errorf("label mismatch on %s: have %q want %q: %w",
			devPath, got, label, protocol.EINVAL)
	}
	return nil
}

func (f *LTFSFS) Umount(devPath, mntPath string) error {
	if _, err := f.run("umount", mntPath); err != nil {
		return err
	}
	os.Remove(mntPath)
	return nil
}

func (f *LTFSFS) Format(devPath, label string) (*SpaceInfo, error) {
	if _, err := f.run("mkltfs", "-d", devPath, "-n", label, "-f"); err != nil {
		return nil, err
	}
	// Formatting leaves the cartridge unmounted; report capacity unknown,
	// the first mount refreshes real numbers.
	return &SpaceInfo{}, nil
}

func (f *LTFSFS) DF(mntPath string) (*SpaceInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mntPath, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", mntPath, err)
	}
	bsize := int64(st.Bsize)
	return &SpaceInfo{
		Used:     int64(st.Blocks-st.Bfree) * bsize,
		Free:     int64(st.Bavail) * bsize,
		ReadOnly: st.Flags&unix.ST_RDONLY != 0,
	}, nil
}

func (f *LTFSFS) Mounted(devPath string) (string, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[2] == "fuse.ltfs" && strings.Contains(fields[0], devPath) {
			return fields[1], nil
		}
	}
	return "", nil
}

func (f *LTFSFS) GetLabel(mntPath string) (string, error) {
	out, err := f.run("attr", "-q", "-g", "ltfs.volumeName", mntPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (f *LTFSFS) Sync(mntPath string) error {
	// LTFS flushes its write cache and updates the index on syncfs.
	fd, err := unix.Open(mntPath, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("open %s for sync: %w", mntPath, err)
	}
	defer unix.Close(fd)
	if err := unix.Syncfs(fd); err != nil {
		return fmt.Errorf("syncfs %s: %w", mntPath, err)
	}
	return nil
}

func init() {
	RegisterFS(types.FSLtfs, func() (FSAdapter, error) {
		return NewLTFSFS(""), nil
	})
}
