package config

import (
	"syscall"

	"github.com/pkg/errors"
)

// RaiseOpenFileLimit bumps RLIMIT_NOFILE to at least want, the Go rendering
// of increase_open_file_limit.h: a client that proxies many concurrent
// connections needs more file descriptors than the platform default.
func RaiseOpenFileLimit(want uint64) error {
	if want == 0 {
		return nil
	}

	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return errors.Wrap(err, "config: reading RLIMIT_NOFILE")
	}

	if rlimit.Cur >= want {
		return nil
	}
	if rlimit.Max != syscall.RLIM_INFINITY && want > rlimit.Max {
		return errors.Errorf(
			"config: cannot raise open file limit to %d, hard limit is %d",
			want, rlimit.Max)
	}

	rlimit.Cur = want
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return errors.Wrap(err, "config: raising RLIMIT_NOFILE")
	}
	return nil
}
