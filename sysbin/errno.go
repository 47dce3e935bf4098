package sysbin

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/gouk/unicore/futex"
	"github.com/gouk/unicore/thread"
)

// Errno translates an internal package-boundary error into the positive
// errno value a syscall-style caller expects, matching
// uk_syscall_binary.c's `errno = -ret; return -1` pattern (spec.md §7
// category 3). Unrecognized errors map to EINVAL as a conservative
// default; ErrNoSys (both this package's and futex's) maps to ENOSYS.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, futex.ErrAgain):
		return unix.EAGAIN
	case errors.Is(err, futex.ErrNoSys):
		return unix.ENOSYS
	case errors.Is(err, thread.ErrNoMem):
		return unix.ENOMEM
	case errors.As(err, new(*ErrNoSys)):
		return unix.ENOSYS
	default:
		return unix.EINVAL
	}
}

// Result converts (val, err) into the single negative-on-error return
// value the binary syscall ABI uses: -errno on failure, val unchanged on
// success.
func Result(val uintptr, err error) uintptr {
	if err == nil {
		return val
	}
	return uintptr(-int64(Errno(err)))
}
