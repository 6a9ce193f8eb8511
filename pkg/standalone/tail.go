package standalone

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/bunpack/internal/magic"
)

// TailBackend streams only the bytes needed to find the container: the
// file tail on ELF, the header and section table on Mach-O and PE. It
// exists for environments where slurping a multi-hundred-megabyte host
// binary is unwelcome, and behaves identically to the library backend.
type TailBackend struct{}

func (TailBackend) Name() string { return "tail" }

// peHeaderWindow bounds how much of a PE head is read while hunting for
// the section table.
const peHeaderWindow = 1 << 16

func (TailBackend) ReadContainer(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file %s: %w", path, err)
	}
	size := fi.Size()

	var prefix [4]byte
	if _, err := f.ReadAt(prefix[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}

	switch magic.Detect(prefix[:]).Kind() {
	case magic.KindELF:
		return elfContainer(f, size)
	case magic.KindMachO:
		return machoTailContainer(f)
	case magic.KindPE:
		return peTailContainer(f, size)
	}
	return nil, fmt.Errorf("%w: magic %x", ErrUnsupportedFormat, prefix)
}

// machoTailContainer reads only the Mach-O header and load commands, then
// the section payload they point at.
func machoTailContainer(r io.ReaderAt) ([]byte, error) {
	hdr := make([]byte, machoHeaderLen)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("failed to read Mach-O header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr) != machoMagic64 {
		return nil, fmt.Errorf("%w: only thin 64-bit little-endian Mach-O hosts are supported", ErrUnsupportedFormat)
	}
	sizeofcmds := binary.LittleEndian.Uint32(hdr[20:])

	head := make([]byte, machoHeaderLen+int(sizeofcmds))
	if _, err := r.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("failed to read load commands: %w", err)
	}
	cmds, err := machoCommands(head)
	if err != nil {
		return nil, err
	}
	_, sectOff, err := findBunSection(head, cmds)
	if err != nil {
		return nil, err
	}

	sectSize := binary.LittleEndian.Uint64(head[sectOff+40:])
	sectFileOff := int64(binary.LittleEndian.Uint32(head[sectOff+48:]))
	return readPrefixedContainer(r, sectFileOff, sectSize)
}

// peTailContainer reads the PE head, finds the .bun section entry and
// then reads just that section's payload.
func peTailContainer(r io.ReaderAt, size int64) ([]byte, error) {
	window := int64(peHeaderWindow)
	if window > size {
		window = size
	}
	head := make([]byte, window)
	if _, err := r.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("failed to read PE header: %w", err)
	}

	l, err := parsePELayout(head)
	if err != nil {
		return nil, err
	}
	for i := 0; i < l.numSections; i++ {
		if l.sectionName(head, i) != PESection {
			continue
		}
		entry := l.secTableOff + i*40
		rawSize := binary.LittleEndian.Uint32(head[entry+peSecRawSize:])
		rawOff := int64(binary.LittleEndian.Uint32(head[entry+peSecRawPointer:]))
		return readPrefixedContainer(r, rawOff, uint64(rawSize))
	}
	return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, PESection)
}

// readPrefixedContainer reads a 4-byte length-prefixed container out of a
// section region without touching the padding past it.
func readPrefixedContainer(r io.ReaderAt, off int64, sectionSize uint64) ([]byte, error) {
	if sectionSize < 4 {
		return nil, malformed(CorruptHeader, "section payload too small for length prefix (%d bytes)", sectionSize)
	}
	var lenbuf [4]byte
	if _, err := r.ReadAt(lenbuf[:], off); err != nil {
		return nil, fmt.Errorf("failed to read container length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if uint64(4+n) > sectionSize {
		return nil, malformed(CorruptHeader, "length prefix %d exceeds section payload %d", n, sectionSize)
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, off+4); err != nil {
		return nil, fmt.Errorf("failed to read container: %w", err)
	}
	return buf, nil
}
