package standalone

import (
	"bytes"
	"encoding/binary"
)

// All container fields are little-endian and are read with explicit
// bounds-checked offsets; nothing is cast onto a byte buffer.

func decodePointer(b []byte) StringPointer {
	return StringPointer{
		Offset: binary.LittleEndian.Uint32(b),
		Length: binary.LittleEndian.Uint32(b[4:]),
	}
}

func putPointer(b []byte, p StringPointer) {
	binary.LittleEndian.PutUint32(b, p.Offset)
	binary.LittleEndian.PutUint32(b[4:], p.Length)
}

func decodeOffsets(b []byte) OffsetsHeader {
	return OffsetsHeader{
		ByteCount:          binary.LittleEndian.Uint64(b),
		ModulesPtr:         decodePointer(b[8:]),
		EntryPointID:       binary.LittleEndian.Uint32(b[16:]),
		CompileExecArgvPtr: decodePointer(b[20:]),
		// 4 reserved bytes at 28
	}
}

func encodeOffsets(h OffsetsHeader) []byte {
	b := make([]byte, OffsetsSize)
	binary.LittleEndian.PutUint64(b, h.ByteCount)
	putPointer(b[8:], h.ModulesPtr)
	binary.LittleEndian.PutUint32(b[16:], h.EntryPointID)
	putPointer(b[20:], h.CompileExecArgvPtr)
	return b
}

func decodeDescriptor(b []byte) ModuleDescriptor {
	return ModuleDescriptor{
		Name:         decodePointer(b),
		Contents:     decodePointer(b[8:]),
		SourceMap:    decodePointer(b[16:]),
		Bytecode:     decodePointer(b[24:]),
		Encoding:     b[32],
		Loader:       b[33],
		ModuleFormat: b[34],
		Side:         b[35],
	}
}

func encodeDescriptor(b []byte, d ModuleDescriptor) {
	putPointer(b, d.Name)
	putPointer(b[8:], d.Contents)
	putPointer(b[16:], d.SourceMap)
	putPointer(b[24:], d.Bytecode)
	b[32] = d.Encoding
	b[33] = d.Loader
	b[34] = d.ModuleFormat
	b[35] = d.Side
}

// Parse validates and decodes a raw container buffer: data blob, offsets
// header and trailer. The buffer must end with the trailer; the 32 bytes
// before it are the offsets header and everything before that is the data
// blob. Any violation returns a MalformedContainerError and leaves the
// input untouched.
func Parse(buf []byte) (*Container, error) {
	if len(buf) < OffsetsSize+TrailerSize {
		return nil, malformed(CorruptTrailer, "container too small (%d bytes)", len(buf))
	}
	if !bytes.Equal(buf[len(buf)-TrailerSize:], []byte(Trailer)) {
		return nil, malformed(CorruptTrailer, "last %d bytes do not match %q", TrailerSize, Trailer)
	}

	hdr := decodeOffsets(buf[len(buf)-TrailerSize-OffsetsSize:])

	blobLen := uint64(len(buf) - TrailerSize - OffsetsSize)
	if hdr.ByteCount != blobLen {
		return nil, malformed(CorruptSize, "declared byte count %d, data blob is %d bytes", hdr.ByteCount, blobLen)
	}

	tableEnd := uint64(hdr.ModulesPtr.Offset) + uint64(hdr.ModulesPtr.Length)
	if tableEnd > blobLen {
		return nil, malformed(CorruptHeader, "module table %#x+%d exceeds blob size %d", hdr.ModulesPtr.Offset, hdr.ModulesPtr.Length, blobLen)
	}
	if argvEnd := uint64(hdr.CompileExecArgvPtr.Offset) + uint64(hdr.CompileExecArgvPtr.Length); argvEnd > blobLen {
		return nil, malformed(CorruptHeader, "compile argv %#x+%d exceeds blob size %d", hdr.CompileExecArgvPtr.Offset, hdr.CompileExecArgvPtr.Length, blobLen)
	}

	c := &Container{
		Header: hdr,
		blob:   buf[:blobLen],
	}

	// The record size divides the table; a short tail is ignored.
	table := c.blob[hdr.ModulesPtr.Offset:tableEnd]
	count := len(table) / DescriptorSize
	c.Modules = make([]ModuleDescriptor, count)
	for i := 0; i < count; i++ {
		c.Modules[i] = decodeDescriptor(table[i*DescriptorSize:])
	}

	return c, nil
}
