package standalone

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
)

// PESection is the name of the section housing the container in PE hosts.
const PESection = ".bun"

// A PE section's raw bytes start with a 4-byte little-endian length for
// the embedded container's logical size, followed by that many bytes.
// Raw-size padding beyond that is meaningless and must not be parsed.
func payloadContainer(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, malformed(CorruptHeader, "section payload too small for length prefix (%d bytes)", len(payload))
	}
	n := binary.LittleEndian.Uint32(payload)
	if uint64(4+n) > uint64(len(payload)) {
		return nil, malformed(CorruptHeader, "length prefix %d exceeds section payload %d", n, len(payload))
	}
	return payload[4 : 4+n], nil
}

// peContainer locates and slices the raw container bytes out of a PE host
// using the debug/pe section table.
func peContainer(host []byte) ([]byte, error) {
	f, err := pe.NewFile(bytes.NewReader(host))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE: %w", err)
	}
	defer f.Close()

	for _, sec := range f.Sections {
		if sec.Name != PESection {
			continue
		}
		end := uint64(sec.Offset) + uint64(sec.Size)
		if end > uint64(len(host)) {
			return nil, malformed(CorruptHeader, "section %s raw data %#x+%d exceeds file size %d", PESection, sec.Offset, sec.Size, len(host))
		}
		return payloadContainer(host[sec.Offset:end])
	}
	return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, PESection)
}

// Offsets into the PE optional header; identical for PE32 and PE32+.
const (
	peOptSectionAlignment = 32
	peOptFileAlignment    = 36
	peOptSizeOfImage      = 56
	peOptSizeOfHeaders    = 60
)

type peLayout struct {
	optOff       int // optional header file offset
	secTableOff  int // section table file offset
	numSections  int
	sectionAlign uint32
	fileAlign    uint32
}

// parsePELayout walks the DOS and COFF headers with explicit offset reads
// so the section table can be patched in place.
func parsePELayout(host []byte) (*peLayout, error) {
	if len(host) < 0x40 {
		return nil, fmt.Errorf("%w: too small for a DOS header", ErrUnsupportedFormat)
	}
	peOff := int(binary.LittleEndian.Uint32(host[0x3c:]))
	if peOff+24 > len(host) || !bytes.Equal(host[peOff:peOff+4], []byte("PE\x00\x00")) {
		return nil, fmt.Errorf("%w: bad PE signature", ErrUnsupportedFormat)
	}
	coff := peOff + 4
	l := &peLayout{
		optOff:      coff + 20,
		numSections: int(binary.LittleEndian.Uint16(host[coff+2:])),
	}
	optSize := int(binary.LittleEndian.Uint16(host[coff+16:]))
	l.secTableOff = l.optOff + optSize
	if optSize < peOptSizeOfHeaders+4 {
		return nil, fmt.Errorf("%w: optional header too small (%d bytes)", ErrUnsupportedFormat, optSize)
	}
	if l.secTableOff+l.numSections*40 > len(host) {
		return nil, fmt.Errorf("%w: truncated section table", ErrUnsupportedFormat)
	}
	l.sectionAlign = binary.LittleEndian.Uint32(host[l.optOff+peOptSectionAlignment:])
	l.fileAlign = binary.LittleEndian.Uint32(host[l.optOff+peOptFileAlignment:])
	if l.sectionAlign == 0 || l.fileAlign == 0 {
		return nil, fmt.Errorf("%w: zero alignment fields", ErrUnsupportedFormat)
	}
	return l, nil
}

// section table entry field offsets (40-byte records)
const (
	peSecName       = 0
	peSecVirtSize   = 8
	peSecVirtAddr   = 12
	peSecRawSize    = 16
	peSecRawPointer = 20
)

func (l *peLayout) sectionName(host []byte, i int) string {
	off := l.secTableOff + i*40
	name := host[off : off+8]
	if idx := bytes.IndexByte(name, 0); idx >= 0 {
		name = name[:idx]
	}
	return string(name)
}

// RepackPE writes a rebuilt container into the .bun section of a PE host
// and returns the new image. Both section size fields are refreshed: the
// virtual size carries the exact payload length while the raw size is
// rounded up to the file alignment. Sections after the resized one are
// shifted on disk and SizeOfImage is recomputed so the loader maps the
// grown image correctly.
func RepackPE(host []byte, container []byte) ([]byte, error) {
	l, err := parsePELayout(host)
	if err != nil {
		return nil, err
	}

	target := -1
	for i := 0; i < l.numSections; i++ {
		if l.sectionName(host, i) == PESection {
			target = i
			break
		}
	}
	if target < 0 {
		return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, PESection)
	}

	entry := l.secTableOff + target*40
	oldRaw := binary.LittleEndian.Uint32(host[entry+peSecRawSize:])
	rawOff := binary.LittleEndian.Uint32(host[entry+peSecRawPointer:])
	virtAddr := binary.LittleEndian.Uint32(host[entry+peSecVirtAddr:])
	if uint64(rawOff)+uint64(oldRaw) > uint64(len(host)) {
		return nil, malformed(CorruptHeader, "section %s raw data %#x+%d exceeds file size %d", PESection, rawOff, oldRaw, len(host))
	}

	payload := make([]byte, 4+len(container))
	binary.LittleEndian.PutUint32(payload, uint32(len(container)))
	copy(payload[4:], container)

	newVirt := uint32(len(payload))
	newRaw := alignUp32(newVirt, l.fileAlign)
	delta := int64(newRaw) - int64(oldRaw)

	// Growing the in-memory span must not run into a section mapped above
	// us; this tool does not relocate virtual addresses.
	newVirtEnd := uint64(virtAddr) + uint64(alignUp32(newVirt, l.sectionAlign))
	for i := 0; i < l.numSections; i++ {
		if i == target {
			continue
		}
		va := binary.LittleEndian.Uint32(host[l.secTableOff+i*40+peSecVirtAddr:])
		if va > virtAddr && uint64(va) < newVirtEnd {
			return nil, fmt.Errorf("%w: section %s would overlap %s in memory", ErrSegmentExtend, PESection, l.sectionName(host, i))
		}
	}

	out := make([]byte, 0, int64(len(host))+delta)
	out = append(out, host[:rawOff]...)
	out = append(out, payload...)
	out = append(out, make([]byte, newRaw-newVirt)...)
	out = append(out, host[uint64(rawOff)+uint64(oldRaw):]...)

	binary.LittleEndian.PutUint32(out[entry+peSecVirtSize:], newVirt)
	binary.LittleEndian.PutUint32(out[entry+peSecRawSize:], newRaw)

	// Shift sections stored after ours on disk.
	for i := 0; i < l.numSections; i++ {
		off := l.secTableOff + i*40
		ptr := binary.LittleEndian.Uint32(out[off+peSecRawPointer:])
		if i == target || ptr == 0 || ptr <= rawOff {
			continue
		}
		binary.LittleEndian.PutUint32(out[off+peSecRawPointer:], uint32(int64(ptr)+delta))
	}

	// SizeOfImage = headers + every section's virtual size, each rounded
	// up to the section alignment.
	sizeOfHeaders := binary.LittleEndian.Uint32(out[l.optOff+peOptSizeOfHeaders:])
	image := alignUp32(sizeOfHeaders, l.sectionAlign)
	for i := 0; i < l.numSections; i++ {
		vs := binary.LittleEndian.Uint32(out[l.secTableOff+i*40+peSecVirtSize:])
		image += alignUp32(vs, l.sectionAlign)
	}
	binary.LittleEndian.PutUint32(out[l.optOff+peOptSizeOfImage:], image)

	return out, nil
}

func alignUp32(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	if rem := v % align; rem != 0 {
		return v + align - rem
	}
	return v
}
