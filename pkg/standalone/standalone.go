// Package standalone implements the Bun standalone-executable container
// format: a trailer-terminated blob of modules embedded in a host binary
// (Mach-O section, PE section or ELF tail overlay).
package standalone

import (
	"errors"
	"fmt"
	"strings"
)

// Trailer is the 16-byte magic sequence terminating every container.
const Trailer = "\n---- Bun! ----\n"

const (
	// TrailerSize is the byte length of Trailer.
	TrailerSize = 16
	// OffsetsSize is the serialized size of an OffsetsHeader.
	OffsetsSize = 32
	// DescriptorSize is the serialized size of a ModuleDescriptor.
	DescriptorSize = 36

	// MinTotalByteCount and MaxTotalByteCount bound the trailing total
	// byte count declared by an ELF overlay.
	MinTotalByteCount = 4096
	MaxTotalByteCount = 1<<32 - 1
)

var (
	ErrUnsupportedFormat = errors.New("unsupported executable format")
	ErrSegmentNotFound   = errors.New("container segment not found")
	ErrSectionNotFound   = errors.New("container section not found")
	ErrOverlayNotFound   = errors.New("container overlay not found")
	ErrModuleNotFound    = errors.New("module not found in container")
	ErrSegmentExtend     = errors.New("failed to extend container segment")
)

// CorruptKind classifies why a container failed to parse.
type CorruptKind int

const (
	CorruptTrailer CorruptKind = iota // trailer missing or mismatched
	CorruptSize                       // declared byte count out of range
	CorruptHeader                     // offsets header or module table undecodable
)

func (k CorruptKind) String() string {
	switch k {
	case CorruptTrailer:
		return "trailer mismatch"
	case CorruptSize:
		return "byte count out of range"
	case CorruptHeader:
		return "header decode failure"
	}
	return "unknown"
}

// MalformedContainerError is returned when a candidate container region
// fails validation. It aborts parsing of that container only.
type MalformedContainerError struct {
	Kind   CorruptKind
	Detail string
}

func (e *MalformedContainerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("malformed container: %s", e.Kind)
	}
	return fmt.Sprintf("malformed container: %s: %s", e.Kind, e.Detail)
}

func malformed(kind CorruptKind, format string, args ...any) error {
	return &MalformedContainerError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// StringPointer locates a byte range inside a container's data blob. It
// never owns the bytes it addresses.
type StringPointer struct {
	Offset uint32
	Length uint32
}

// IsZero reports whether the pointer addresses nothing.
func (p StringPointer) IsZero() bool {
	return p.Length == 0
}

// ModuleDescriptor is one fixed-size record of the module table.
type ModuleDescriptor struct {
	Name      StringPointer
	Contents  StringPointer
	SourceMap StringPointer
	Bytecode  StringPointer

	Encoding     uint8
	Loader       uint8
	ModuleFormat uint8
	Side         uint8
}

// OffsetsHeader is the fixed 32-byte header immediately preceding the
// trailer. ByteCount equals the length of the data blob the header and
// trailer were appended to.
type OffsetsHeader struct {
	ByteCount          uint64
	ModulesPtr         StringPointer
	EntryPointID       uint32
	CompileExecArgvPtr StringPointer
}

// Container is a parsed standalone container: the offsets header, the raw
// data blob and the decoded module table. It is read-only; Rebuild returns
// a brand-new serialized container instead of mutating in place.
type Container struct {
	Header  OffsetsHeader
	Modules []ModuleDescriptor

	blob []byte
}

// Blob returns the raw data blob all string pointers resolve against.
func (c *Container) Blob() []byte {
	return c.blob
}

// ResolveString dereferences a string pointer against the data blob.
func (c *Container) ResolveString(p StringPointer) ([]byte, error) {
	if p.IsZero() {
		return nil, nil
	}
	end := uint64(p.Offset) + uint64(p.Length)
	if end > uint64(len(c.blob)) {
		return nil, malformed(CorruptHeader, "string pointer %#x+%d exceeds blob size %d", p.Offset, p.Length, len(c.blob))
	}
	return c.blob[p.Offset:end], nil
}

// ModuleName resolves the name of the i-th module, or "" if unresolvable.
func (c *Container) ModuleName(i int) string {
	if i < 0 || i >= len(c.Modules) {
		return ""
	}
	name, err := c.ResolveString(c.Modules[i].Name)
	if err != nil {
		return ""
	}
	return string(name)
}

// MatchesLeaf reports whether a module name identifies the target leaf
// name: an exact match or a '/'-suffix match against an embedded virtual
// path, with or without a Windows executable extension.
func MatchesLeaf(name, leaf string) bool {
	if name == leaf || name == leaf+".exe" {
		return true
	}
	return strings.HasSuffix(name, "/"+leaf) || strings.HasSuffix(name, "/"+leaf+".exe")
}

// Find returns the index of the first module matching leaf whose contents
// are non-empty. Zero-length entries are placeholder stubs and are skipped.
func (c *Container) Find(leaf string) (int, bool) {
	for i, mod := range c.Modules {
		if mod.Contents.IsZero() {
			continue
		}
		if MatchesLeaf(c.ModuleName(i), leaf) {
			return i, true
		}
	}
	return -1, false
}

// Extract returns a copy of the content bytes of the first module
// matching leaf, or ErrModuleNotFound.
func (c *Container) Extract(leaf string) ([]byte, error) {
	idx, ok := c.Find(leaf)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, leaf)
	}
	contents, err := c.ResolveString(c.Modules[idx].Contents)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(contents))
	copy(out, contents)
	return out, nil
}
