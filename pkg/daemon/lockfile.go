package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/coldstor/caskd/pkg/protocol"
)

// Lockfile is the startup mutual-exclusion file. A second daemon fails to
// take the flock and exits with EEXIST.
type Lockfile struct {
	path string
	file *os.File
}

// AcquireLockfile creates (if needed) and flocks path. The containing
// directory must already exist.
func AcquireLockfile(path string) (*Lockfile, error) {
	dir := filepath.Dir(path)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("lock file directory %s does not exist", dir)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("daemon already running (lock on %s): %w",
			path, protocol.EEXIST)
	}
	f.Truncate(0)
	f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	f.Sync()
	return &Lockfile{path: path, file: f}, nil
}

// Release drops the flock and removes the file.
func (l *Lockfile) Release() error {
	if l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	return os.Remove(l.path)
}

// PidfileEnv names the environment variable holding the pidfile path.
const PidfileEnv = "DAEMON_PID_FILEPATH"

// WritePidfile writes the daemon pid to the path named by PidfileEnv.
// The variable is mandatory for a daemonized start.
func WritePidfile() (string, error) {
	path := os.Getenv(PidfileEnv)
	if path == "" {
		return "", fmt.Errorf("%s environment variable is not set", PidfileEnv)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("cannot write pidfile %s: %w", path, err)
	}
	return path, nil
}

// RemovePidfile deletes the pidfile on clean exit.
func RemovePidfile(path string) {
	if path != "" {
		os.Remove(path)
	}
}
