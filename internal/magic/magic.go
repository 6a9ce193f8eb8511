// Package magic classifies executable files by their leading magic bytes.
package magic

import (
	"fmt"
	"os"
)

// Format is the detected executable container format.
type Format int

const (
	Unknown Format = iota
	ELF
	MachO32BE
	MachO64BE
	MachO32LE
	MachO64LE
	MachOFat
	PE
)

func (f Format) String() string {
	switch f {
	case ELF:
		return "ELF"
	case MachO32BE, MachO64BE, MachO32LE, MachO64LE:
		return "Mach-O"
	case MachOFat:
		return "Mach-O (universal)"
	case PE:
		return "PE"
	}
	return "unknown"
}

// Kind collapses the detailed format to the family downstream logic
// branches on.
type Kind int

const (
	KindUnknown Kind = iota
	KindELF
	KindMachO
	KindPE
)

func (f Format) Kind() Kind {
	switch f {
	case ELF:
		return KindELF
	case MachO32BE, MachO64BE, MachO32LE, MachO64LE, MachOFat:
		return KindMachO
	case PE:
		return KindPE
	}
	return KindUnknown
}

// Detect classifies the first bytes of a file. It is a pure function over
// the caller-supplied prefix; four bytes are enough for every format.
func Detect(prefix []byte) Format {
	if len(prefix) < 4 {
		if len(prefix) >= 2 && prefix[0] == 'M' && prefix[1] == 'Z' {
			return PE
		}
		return Unknown
	}
	switch {
	case prefix[0] == 0x7f && prefix[1] == 'E' && prefix[2] == 'L' && prefix[3] == 'F':
		return ELF
	case prefix[0] == 'M' && prefix[1] == 'Z':
		return PE
	}
	switch magic := uint32(prefix[0])<<24 | uint32(prefix[1])<<16 | uint32(prefix[2])<<8 | uint32(prefix[3]); magic {
	case 0xfeedface:
		return MachO32BE
	case 0xfeedfacf:
		return MachO64BE
	case 0xcefaedfe:
		return MachO32LE
	case 0xcffaedfe:
		return MachO64LE
	case 0xcafebabe, 0xbebafeca:
		return MachOFat
	}
	return Unknown
}

// DetectFile classifies a file on disk by reading its first four bytes.
func DetectFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	var prefix [4]byte
	n, err := f.Read(prefix[:])
	if err != nil && n < 2 {
		return Unknown, fmt.Errorf("failed to read magic: %w", err)
	}
	return Detect(prefix[:n]), nil
}
