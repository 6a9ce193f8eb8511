package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrTargetBusy means the rename target is a currently-executing image and
// cannot be replaced until the running process exits.
var ErrTargetBusy = errors.New("target is currently executing")

// WriteAtomic writes data to path+".tmp" and atomically renames it over
// path. The byte count is verified; perm (if non-zero) is applied to the
// temp file before the rename. On any failure the temp file is removed and
// the original target is left untouched; the rename is the single commit
// point. A busy/denied rename against a running executable is classified
// as ErrTargetBusy.
func WriteAtomic(path string, data []byte, perm fs.FileMode) (err error) {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	n, err := f.Write(data)
	if err == nil && n != len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if perm != 0 {
		if err = os.Chmod(tmp, perm); err != nil {
			return fmt.Errorf("failed to set permissions: %w", err)
		}
	}

	if err = os.Rename(tmp, path); err != nil {
		if isBusy(err) {
			return fmt.Errorf("%w: %s (close the running process and retry)", ErrTargetBusy, path)
		}
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}
