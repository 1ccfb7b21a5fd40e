//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func raiseOpenFilesLimit() (uint64, error) {
	rlimit, err := maxRlimit()
	if err != nil {
		return 0, err
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, fmt.Errorf("setrlimit: %w", err)
	}
	return openFilesLimit()
}

func openFilesLimit() (uint64, error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}
	return uint64(rlimit.Cur), nil
}
