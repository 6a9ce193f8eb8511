//go:build !windows

package utils

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ETXTBSY is what replacing a running executable in place trips over on
// most unixes; some filesystems report EBUSY instead.
func isBusy(err error) bool {
	return errors.Is(err, unix.ETXTBSY) || errors.Is(err, unix.EBUSY)
}
