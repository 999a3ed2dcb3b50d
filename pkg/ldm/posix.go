package ldm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

// labelFile holds the medium label inside a POSIX medium root.
const labelFile = ".caskd_label"

// PosixFS is the filesystem driver for directory media. A directory medium
// is its own mount point, so mount and umount only validate state.
type PosixFS struct{}

func (PosixFS) Mount(devPath, mntPath, label string) error {
	fi, err := os.Stat(devPath)
	if err != nil {
		return fmt.Errorf("medium directory %s: %w", devPath, protocol.ENOMEDIUM)
	}
	if !fi.IsDir() {
		return fmt.Errorf("medium %s is not a directory: %w", devPath, protocol.EINVAL)
	}
	got, err := PosixFS{}.GetLabel(devPath)
	if err != nil {
		return err
	}
	// an unlabeled directory is accepted as-is
	if label != "" && got != "" && got != label {
		return fmt.Errorf("label mismatch on %s: have %q want %q: %w",
			devPath, got, label, protocol.EINVAL)
	}
	return nil
}

func (PosixFS) Umount(devPath, mntPath string) error {
	return nil
}

func (PosixFS) Format(devPath, label string) (*SpaceInfo, error) {
	if err := os.MkdirAll(devPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create medium directory: %w", err)
	}
	entries, err := os.ReadDir(devPath)
	if err != nil {
		return nil, err
	}
	if len(entries) != 0 {
		return nil, fmt.Errorf("directory %s not empty: %w", devPath, protocol.EEXIST)
	}
	if err := os.WriteFile(filepath.Join(devPath, labelFile), []byte(label), 0600); err != nil {
		return nil, err
	}
	return PosixFS{}.DF(devPath)
}

func (PosixFS) DF(mntPath string) (*SpaceInfo, error) {
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

func (PosixFS) Mounted(devPath string) (string, error) {
	if _, err := os.Stat(devPath); err != nil {
		return "", nil
	}
	return devPath, nil
}

func (PosixFS) GetLabel(mntPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(mntPath, labelFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (PosixFS) Sync(mntPath string) error {
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
	RegisterFS(types.FSPosix, func() (FSAdapter, error) {
		return PosixFS{}, nil
	})
}
