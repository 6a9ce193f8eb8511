//go:build windows

package utils

import (
	"errors"

	"golang.org/x/sys/windows"
)

// Windows refuses to replace a mapped executable image with a sharing
// violation (or access denied, depending on how it was opened).
func isBusy(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) ||
		errors.Is(err, windows.ERROR_ACCESS_DENIED) ||
		errors.Is(err, windows.ERROR_USER_MAPPED_FILE)
}
