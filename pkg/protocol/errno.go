package protocol

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Errno is an errno-scale error code carried in responses. Values are
// negative POSIX error numbers, zero means success.
type Errno int32

// Error codes used across the scheduler. Stored negated so a response
// carries e.g. -16 for EBUSY, matching the client convention.
const (
	OK              Errno = 0
	EPERM                 = -Errno(unix.EPERM)
	ENOENT                = -Errno(unix.ENOENT)
	EINTR                 = -Errno(unix.EINTR)
	EIO                   = -Errno(unix.EIO)
	ENXIO                 = -Errno(unix.ENXIO)
	EAGAIN                = -Errno(unix.EAGAIN)
	EBUSY                 = -Errno(unix.EBUSY)
	EEXIST                = -Errno(unix.EEXIST)
	ENODEV                = -Errno(unix.ENODEV)
	EINVAL                = -Errno(unix.EINVAL)
	ENOSPC                = -Errno(unix.ENOSPC)
	ENODATA               = -Errno(unix.ENODATA)
	EPROTONOSUPPORT       = -Errno(unix.EPROTONOSUPPORT)
	ENOMEDIUM             = -Errno(unix.ENOMEDIUM)
	ETIMEDOUT             = -Errno(unix.ETIMEDOUT)
	ECANCELED             = -Errno(unix.ECANCELED)
	ECONNRESET            = -Errno(unix.ECONNRESET)
)

func (e Errno) Error() string {
	if e == 0 {
		return "success"
	}
	return unix.Errno(-int32(e)).Error()
}

// FromError maps an error back onto an Errno, unwrapping as needed.
// Anything without an errno in its chain degrades to -EIO.
func FromError(err error) Errno {
	if err == nil {
		return OK
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	var ue unix.Errno
	if errors.As(err, &ue) {
		return -Errno(ue)
	}
	return EIO
}
