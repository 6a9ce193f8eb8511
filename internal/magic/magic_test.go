package magic

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   Format
	}{
		{"elf", []byte{0x7f, 'E', 'L', 'F'}, ELF},
		{"pe", []byte("MZ\x90\x00"), PE},
		{"pe short prefix", []byte("MZ"), PE},
		{"macho 32 be", []byte{0xfe, 0xed, 0xfa, 0xce}, MachO32BE},
		{"macho 64 be", []byte{0xfe, 0xed, 0xfa, 0xcf}, MachO64BE},
		{"macho 32 le", []byte{0xce, 0xfa, 0xed, 0xfe}, MachO32LE},
		{"macho 64 le", []byte{0xcf, 0xfa, 0xed, 0xfe}, MachO64LE},
		{"macho fat", []byte{0xca, 0xfe, 0xba, 0xbe}, MachOFat},
		{"macho fat swapped", []byte{0xbe, 0xba, 0xfe, 0xca}, MachOFat},
		{"shebang", []byte("#!/b"), Unknown},
		{"empty", nil, Unknown},
		{"short garbage", []byte{0x00}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.prefix); got != tt.want {
				t.Errorf("Detect(% x) = %v, want %v", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		format Format
		want   Kind
	}{
		{ELF, KindELF},
		{MachO32BE, KindMachO},
		{MachO64LE, KindMachO},
		{MachOFat, KindMachO},
		{PE, KindPE},
		{Unknown, KindUnknown},
	}
	for _, tt := range tests {
		if got := tt.format.Kind(); got != tt.want {
			t.Errorf("%v.Kind() = %v, want %v", tt.format, got, tt.want)
		}
	}
}

func TestFormatString(t *testing.T) {
	if got := MachO64LE.String(); got != "Mach-O" {
		t.Errorf("MachO64LE.String() = %q", got)
	}
	if got := Unknown.String(); got != "unknown" {
		t.Errorf("Unknown.String() = %q", got)
	}
}

func TestDetectFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	if err := os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1}, 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := DetectFile(path)
	if err != nil {
		t.Fatalf("DetectFile() error = %v", err)
	}
	if got != ELF {
		t.Errorf("DetectFile() = %v, want ELF", got)
	}

	if _, err := DetectFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("DetectFile(missing) should fail")
	}
}
