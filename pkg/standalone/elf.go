package standalone

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ELF hosts have no named container section: the container is appended
// past the end of normal file content as an overlay, optionally followed
// by an 8-byte little-endian total byte count covering the whole output
// file. Locating it is a length-directed walk backward from EOF.

// elfTailWindow is how much of the file tail is read while hunting for
// the trailer; large enough for the trailer, the offsets header and the
// trailing byte count together.
const elfTailWindow = 4096

// overlay describes where the container lives inside an ELF host.
type overlay struct {
	start int64  // file offset where the container begins
	end   int64  // file offset one past the trailer
	total uint64 // declared total byte count, 0 when absent
}

func (o *overlay) size() int64 {
	return o.end - o.start
}

// locateOverlay finds the trailing container region of an ELF host. The
// trailer either terminates the file or sits just before the declared
// total byte count; the container start is derived from the offsets
// header's own byte count.
func locateOverlay(r io.ReaderAt, size int64) (*overlay, error) {
	window := int64(elfTailWindow)
	if window > size {
		window = size
	}
	if window < OffsetsSize+TrailerSize {
		return nil, fmt.Errorf("%w: file too small for a trailing container", ErrOverlayNotFound)
	}

	tail := make([]byte, window)
	if _, err := r.ReadAt(tail, size-window); err != nil {
		return nil, fmt.Errorf("failed to read file tail: %w", err)
	}

	ov := &overlay{}
	switch {
	case bytes.Equal(tail[window-TrailerSize:], []byte(Trailer)):
		ov.end = size
	case window >= OffsetsSize+TrailerSize+8 &&
		bytes.Equal(tail[window-8-TrailerSize:window-8], []byte(Trailer)):
		total := binary.LittleEndian.Uint64(tail[window-8:])
		if total < MinTotalByteCount || total > MaxTotalByteCount {
			return nil, malformed(CorruptSize, "trailing byte count %d outside [%d, %d]", total, MinTotalByteCount, uint64(MaxTotalByteCount))
		}
		if total != uint64(size) {
			return nil, malformed(CorruptSize, "trailing byte count %d does not match file size %d", total, size)
		}
		ov.total = total
		ov.end = size - 8
	default:
		return nil, fmt.Errorf("%w: no trailer at end of file", ErrOverlayNotFound)
	}

	hdr := decodeOffsets(tail[ov.end-(size-window)-TrailerSize-OffsetsSize:])
	ov.start = ov.end - TrailerSize - OffsetsSize - int64(hdr.ByteCount)
	if ov.start < 0 {
		return nil, malformed(CorruptSize, "declared byte count %d exceeds file size %d", hdr.ByteCount, size)
	}
	return ov, nil
}

// elfContainer reads the raw container bytes out of an ELF host.
func elfContainer(r io.ReaderAt, size int64) ([]byte, error) {
	ov, err := locateOverlay(r, size)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, ov.size())
	if _, err := r.ReadAt(buf, ov.start); err != nil {
		return nil, fmt.Errorf("failed to read overlay: %w", err)
	}
	return buf, nil
}

// RepackELF replaces an ELF host's trailing overlay wholesale: everything
// up to the old overlay start is carried over unchanged, then the rebuilt
// container and a refreshed total byte count are appended. Nothing inside
// the ELF references this region, so there are no offsets to fix and no
// alignment constraint.
func RepackELF(host []byte, container []byte) ([]byte, error) {
	ov, err := locateOverlay(bytes.NewReader(host), int64(len(host)))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, ov.start+int64(len(container))+8)
	out = append(out, host[:ov.start]...)
	out = append(out, container...)
	out = binary.LittleEndian.AppendUint64(out, uint64(ov.start)+uint64(len(container))+8)
	return out, nil
}
