package standalone

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho"
)

// Mach-O hosts embed the container in the __bun section of the __BUN
// segment. Bun only emits thin 64-bit little-endian images, so that is
// the only variant rewritten here; detection still recognizes the rest.

const (
	// MachOSegment  is the name of the segment owning the container section.
	// MachOSection is the name of the section holding the container.
	MachOSegment = "__BUN"
	MachOSection = "__bun"

	machoMagic64   = 0xfeedfacf
	machoHeaderLen = 32
	machoPageSize  = 0x1000
)

// load command types that carry file offsets needing adjustment when the
// container segment grows
const (
	lcSymtab           = 0x2
	lcDysymtab         = 0xb
	lcSegment64        = 0x19
	lcCodeSignature    = 0x1d
	lcSegmentSplitInfo = 0x1e
	lcDyldInfo         = 0x22
	lcFunctionStarts   = 0x26
	lcDataInCode       = 0x29
	lcCodeSignDRs      = 0x2b
	lcOptimizationHint = 0x2e
	lcAtomInfo         = 0x36
	lcDyldInfoOnly     = 0x80000022
	lcDyldExportsTrie  = 0x80000033
	lcChainedFixups    = 0x80000034
)

type loadCommand struct {
	off  int // file offset of this load command
	cmd  uint32
	size uint32
}

func machoCommands(data []byte) ([]loadCommand, error) {
	if len(data) < machoHeaderLen {
		return nil, fmt.Errorf("%w: truncated Mach-O header", ErrUnsupportedFormat)
	}
	if binary.LittleEndian.Uint32(data) != machoMagic64 {
		return nil, fmt.Errorf("%w: only thin 64-bit little-endian Mach-O hosts are supported", ErrUnsupportedFormat)
	}
	ncmds := binary.LittleEndian.Uint32(data[16:])
	sizeofcmds := binary.LittleEndian.Uint32(data[20:])
	end := machoHeaderLen + int(sizeofcmds)
	if end > len(data) {
		return nil, malformed(CorruptHeader, "load commands (%d bytes) exceed file size %d", sizeofcmds, len(data))
	}

	cmds := make([]loadCommand, 0, ncmds)
	off := machoHeaderLen
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > end {
			return nil, malformed(CorruptHeader, "truncated load command at offset %d", off)
		}
		lc := loadCommand{
			off:  off,
			cmd:  binary.LittleEndian.Uint32(data[off:]),
			size: binary.LittleEndian.Uint32(data[off+4:]),
		}
		if lc.size < 8 || off+int(lc.size) > end {
			return nil, malformed(CorruptHeader, "invalid load command size %d at offset %d", lc.size, off)
		}
		cmds = append(cmds, lc)
		off += int(lc.size)
	}
	return cmds, nil
}

func trimName(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}

// findBunSection returns the load-command offsets of the __BUN segment and
// its __bun section entry. The two lookups fail independently.
func findBunSection(data []byte, cmds []loadCommand) (segOff, sectOff int, err error) {
	segOff = -1
	for _, lc := range cmds {
		if lc.cmd != lcSegment64 || lc.size < 72 {
			continue
		}
		if trimName(data[lc.off+8:lc.off+24]) != MachOSegment {
			continue
		}
		segOff = lc.off
		nsects := int(binary.LittleEndian.Uint32(data[lc.off+64:]))
		for i := 0; i < nsects; i++ {
			s := lc.off + 72 + i*80
			if s+80 > lc.off+int(lc.size) {
				break
			}
			if trimName(data[s:s+16]) == MachOSection {
				return segOff, s, nil
			}
		}
		break
	}
	if segOff < 0 {
		return -1, -1, fmt.Errorf("%w: %s", ErrSegmentNotFound, MachOSegment)
	}
	return -1, -1, fmt.Errorf("%w: %s,%s", ErrSectionNotFound, MachOSegment, MachOSection)
}

// machoContainer locates and slices the raw container bytes out of a
// Mach-O host via the go-macho section table.
func machoContainer(host []byte) ([]byte, error) {
	m, err := macho.NewFile(bytes.NewReader(host))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	if m.Segment(MachOSegment) == nil {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, MachOSegment)
	}
	sec := m.Section(MachOSegment, MachOSection)
	if sec == nil {
		return nil, fmt.Errorf("%w: %s,%s", ErrSectionNotFound, MachOSegment, MachOSection)
	}
	end := uint64(sec.Offset) + sec.Size
	if end > uint64(len(host)) {
		return nil, malformed(CorruptHeader, "section %s,%s %#x+%d exceeds file size %d", MachOSegment, MachOSection, sec.Offset, sec.Size, len(host))
	}
	return payloadContainer(host[sec.Offset:end])
}

// StripCodeSignature removes an existing LC_CODE_SIGNATURE from a Mach-O
// image: the signature bytes at the end of the file are truncated, the
// __LINKEDIT file size is shrunk and the load command is deleted. The
// returned buffer is always a copy; the second return reports whether a
// signature was present. An unmodified signature over modified bytes
// would make the loader refuse execution, so this runs before any content
// mutation.
func StripCodeSignature(host []byte) ([]byte, bool, error) {
	cmds, err := machoCommands(host)
	if err != nil {
		return nil, false, err
	}

	var sig *loadCommand
	for i := range cmds {
		if cmds[i].cmd == lcCodeSignature {
			sig = &cmds[i]
			break
		}
	}
	if sig == nil {
		out := make([]byte, len(host))
		copy(out, host)
		return out, false, nil
	}
	if sig.size < 16 {
		return nil, false, malformed(CorruptHeader, "short LC_CODE_SIGNATURE (%d bytes)", sig.size)
	}

	dataOff := binary.LittleEndian.Uint32(host[sig.off+8:])
	dataSize := binary.LittleEndian.Uint32(host[sig.off+12:])
	if uint64(dataOff)+uint64(dataSize) != uint64(len(host)) {
		return nil, false, fmt.Errorf("code signature is not the tail of the file, cannot strip")
	}
	if int(dataOff) < machoHeaderLen+int(binary.LittleEndian.Uint32(host[20:])) {
		return nil, false, malformed(CorruptHeader, "code signature overlaps load commands")
	}

	out := make([]byte, dataOff)
	copy(out, host[:dataOff])

	// shrink __LINKEDIT by the signature bytes
	for _, lc := range cmds {
		if lc.cmd == lcSegment64 && trimName(out[lc.off+8:lc.off+24]) == "__LINKEDIT" {
			filesz := binary.LittleEndian.Uint64(out[lc.off+48:])
			if filesz < uint64(dataSize) {
				return nil, false, malformed(CorruptHeader, "__LINKEDIT file size %d smaller than signature %d", filesz, dataSize)
			}
			binary.LittleEndian.PutUint64(out[lc.off+48:], filesz-uint64(dataSize))
		}
	}

	// delete the load command and close the gap
	ncmds := binary.LittleEndian.Uint32(out[16:])
	sizeofcmds := binary.LittleEndian.Uint32(out[20:])
	lcEnd := machoHeaderLen + int(sizeofcmds)
	copy(out[sig.off:], out[sig.off+int(sig.size):lcEnd])
	for i := lcEnd - int(sig.size); i < lcEnd; i++ {
		out[i] = 0
	}
	binary.LittleEndian.PutUint32(out[16:], ncmds-1)
	binary.LittleEndian.PutUint32(out[20:], sizeofcmds-sig.size)

	return out, true, nil
}

// RepackMachO writes a rebuilt container into the __BUN,__bun section of
// a Mach-O host. Any existing code signature is stripped first. If the
// new payload exceeds the section's declared size the owning segment is
// extended by a page-aligned delta and every file offset past the old
// segment end is shifted, in particular the __LINKEDIT region and the
// load commands addressing it. The second return reports whether the
// input was signed (callers re-sign best-effort after the file lands).
func RepackMachO(host []byte, container []byte) ([]byte, bool, error) {
	out, wasSigned, err := StripCodeSignature(host)
	if err != nil {
		return nil, false, err
	}

	cmds, err := machoCommands(out)
	if err != nil {
		return nil, false, err
	}
	segOff, sectOff, err := findBunSection(out, cmds)
	if err != nil {
		return nil, false, err
	}

	payload := make([]byte, 4+len(container))
	binary.LittleEndian.PutUint32(payload, uint32(len(container)))
	copy(payload[4:], container)
	need := uint64(len(payload))

	segFileOff := binary.LittleEndian.Uint64(out[segOff+40:])
	segFilesz := binary.LittleEndian.Uint64(out[segOff+48:])
	sectSize := binary.LittleEndian.Uint64(out[sectOff+40:])
	sectFileOff := uint64(binary.LittleEndian.Uint32(out[sectOff+48:]))

	if sectFileOff < segFileOff || sectFileOff+sectSize > segFileOff+segFilesz {
		return nil, false, malformed(CorruptHeader, "section %s,%s lies outside its segment", MachOSegment, MachOSection)
	}

	region := sectSize
	if need > sectSize {
		// page alignment is mandatory here; an under-aligned extension
		// corrupts the layout of whatever segment follows
		delta := alignUp64(need-sectSize, machoPageSize)
		insertAt := segFileOff + segFilesz
		if insertAt > uint64(len(out)) {
			return nil, false, malformed(CorruptHeader, "segment %s extends past end of file", MachOSegment)
		}

		grown := make([]byte, 0, uint64(len(out))+delta)
		grown = append(grown, out[:insertAt]...)
		grown = append(grown, make([]byte, delta)...)
		grown = append(grown, out[insertAt:]...)
		out = grown

		binary.LittleEndian.PutUint64(out[segOff+32:], binary.LittleEndian.Uint64(out[segOff+32:])+delta) // vmsize
		binary.LittleEndian.PutUint64(out[segOff+48:], segFilesz+delta)                                   // filesize

		if err := shiftFileOffsets(out, cmds, segOff, insertAt, delta); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrSegmentExtend, err)
		}
		region = sectSize + delta
	}

	// the section's declared size is not derived from content length and
	// must be set explicitly
	binary.LittleEndian.PutUint64(out[sectOff+40:], need)

	copy(out[sectFileOff:], payload)
	for i := sectFileOff + need; i < sectFileOff+region; i++ {
		out[i] = 0
	}

	return out, wasSigned, nil
}

// shiftFileOffsets rebases every load-command file offset at or past
// insertAt by delta after bytes were inserted there. The container
// segment itself (segOff) keeps its place.
func shiftFileOffsets(data []byte, cmds []loadCommand, segOff int, insertAt, delta uint64) error {
	shift32 := func(off int) {
		if v := binary.LittleEndian.Uint32(data[off:]); v != 0 && uint64(v) >= insertAt {
			binary.LittleEndian.PutUint32(data[off:], uint32(uint64(v)+delta))
		}
	}

	for _, lc := range cmds {
		switch lc.cmd {
		case lcSegment64:
			if lc.off == segOff {
				continue
			}
			fileOff := binary.LittleEndian.Uint64(data[lc.off+40:])
			if fileOff < insertAt {
				continue
			}
			binary.LittleEndian.PutUint64(data[lc.off+24:], binary.LittleEndian.Uint64(data[lc.off+24:])+delta) // vmaddr
			binary.LittleEndian.PutUint64(data[lc.off+40:], fileOff+delta)
			nsects := int(binary.LittleEndian.Uint32(data[lc.off+64:]))
			for i := 0; i < nsects; i++ {
				s := lc.off + 72 + i*80
				binary.LittleEndian.PutUint64(data[s+32:], binary.LittleEndian.Uint64(data[s+32:])+delta) // addr
				shift32(s + 48)                                                                           // offset
				shift32(s + 56)                                                                           // reloff
			}
		case lcSymtab:
			shift32(lc.off + 8)  // symoff
			shift32(lc.off + 16) // stroff
		case lcDysymtab:
			for _, fo := range []int{32, 40, 48, 56, 64, 72} {
				shift32(lc.off + fo)
			}
		case lcDyldInfo, lcDyldInfoOnly:
			for _, fo := range []int{8, 16, 24, 32, 40} {
				shift32(lc.off + fo)
			}
		case lcCodeSignature, lcSegmentSplitInfo, lcFunctionStarts, lcDataInCode,
			lcCodeSignDRs, lcOptimizationHint, lcAtomInfo, lcDyldExportsTrie, lcChainedFixups:
			shift32(lc.off + 8) // dataoff
		}
	}
	return nil
}

func alignUp64(v, align uint64) uint64 {
	if rem := v % align; rem != 0 {
		return v + align - rem
	}
	return v
}
