package standalone

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"

	"github.com/blacktop/bunpack/internal/magic"
)

// LibraryBackend reads the whole host file into memory and locates the
// container with the format parsing libraries (go-macho, debug/pe,
// debug/elf).
type LibraryBackend struct{}

func (LibraryBackend) Name() string { return "lib" }

func (LibraryBackend) ReadContainer(path string) ([]byte, error) {
	host, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	buf, err := ContainerBytes(host)
	if err != nil {
		return nil, err
	}
	// the slice aliases host; callers own their copy
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// ContainerBytes locates the raw container inside an in-memory host
// image, dispatching on the magic bytes.
func ContainerBytes(host []byte) ([]byte, error) {
	format := magic.Detect(prefixOf(host))
	switch format.Kind() {
	case magic.KindELF:
		// validate the host before trusting the tail walk
		if _, err := elf.NewFile(bytes.NewReader(host)); err != nil {
			return nil, fmt.Errorf("failed to parse ELF: %w", err)
		}
		return elfContainer(bytes.NewReader(host), int64(len(host)))
	case magic.KindMachO:
		return machoContainer(host)
	case magic.KindPE:
		return peContainer(host)
	}
	return nil, fmt.Errorf("%w: magic %x", ErrUnsupportedFormat, prefixOf(host))
}

func prefixOf(host []byte) []byte {
	if len(host) > 4 {
		return host[:4]
	}
	return host
}
