//go:build !aix && !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !solaris

package rlimit

import "errors"

var errUnsupported = errors.New("open files limit not supported on this platform")

func raiseOpenFilesLimit() (uint64, error) {
	return 0, errUnsupported
}

func openFilesLimit() (uint64, error) {
	return 0, errUnsupported
}
