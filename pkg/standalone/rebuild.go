package standalone

import (
	"bytes"
	"fmt"
)

// Rebuild serializes a new container from c with the contents of the first
// module matching leaf replaced by content. A nil content leaves every
// module unchanged and only re-derives the layout bookkeeping. The source
// container is never mutated; re-parsing the returned buffer yields the
// same logical module set with the one substitution applied byte-for-byte.
func (c *Container) Rebuild(leaf string, content []byte) ([]byte, *OffsetsHeader, error) {
	target := -1
	if content != nil {
		idx, ok := c.Find(leaf)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrModuleNotFound, leaf)
		}
		target = idx
	}

	var blob bytes.Buffer
	newMods := make([]ModuleDescriptor, len(c.Modules))

	// Strings are null-terminated in the blob even though every pointer
	// also carries an explicit length.
	place := func(data []byte) StringPointer {
		if len(data) == 0 {
			return StringPointer{}
		}
		p := StringPointer{Offset: uint32(blob.Len()), Length: uint32(len(data))}
		blob.Write(data)
		blob.WriteByte(0)
		return p
	}

	for i, mod := range c.Modules {
		name, err := c.ResolveString(mod.Name)
		if err != nil {
			return nil, nil, err
		}
		contents, err := c.ResolveString(mod.Contents)
		if err != nil {
			return nil, nil, err
		}
		sourcemap, err := c.ResolveString(mod.SourceMap)
		if err != nil {
			return nil, nil, err
		}
		bytecode, err := c.ResolveString(mod.Bytecode)
		if err != nil {
			return nil, nil, err
		}
		if i == target {
			contents = content
		}

		newMods[i] = ModuleDescriptor{
			Name:         place(name),
			Contents:     place(contents),
			SourceMap:    place(sourcemap),
			Bytecode:     place(bytecode),
			Encoding:     mod.Encoding,
			Loader:       mod.Loader,
			ModuleFormat: mod.ModuleFormat,
			Side:         mod.Side,
		}
	}

	tableOff := uint32(blob.Len())
	table := make([]byte, len(newMods)*DescriptorSize)
	for i, mod := range newMods {
		encodeDescriptor(table[i*DescriptorSize:], mod)
	}
	blob.Write(table)

	argv, err := c.ResolveString(c.Header.CompileExecArgvPtr)
	if err != nil {
		return nil, nil, err
	}
	argvPtr := place(argv)

	hdr := &OffsetsHeader{
		ByteCount:          uint64(blob.Len()),
		ModulesPtr:         StringPointer{Offset: tableOff, Length: uint32(len(table))},
		EntryPointID:       c.Header.EntryPointID,
		CompileExecArgvPtr: argvPtr,
	}

	blob.Write(encodeOffsets(*hdr))
	blob.WriteString(Trailer)

	return blob.Bytes(), hdr, nil
}
