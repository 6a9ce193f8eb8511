package standalone

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSelectBackend(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "lib", want: "lib"},
		{name: "library", want: "lib"},
		{name: "tail", want: "tail"},
		{name: "stream", want: "tail"},
		{name: "auto", want: "auto"},
		{name: "", want: "auto"},
		{name: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run("name "+tt.name, func(t *testing.T) {
			b, err := SelectBackend(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SelectBackend(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err == nil && b.Name() != tt.want {
				t.Errorf("SelectBackend(%q).Name() = %q; want %q", tt.name, b.Name(), tt.want)
			}
		})
	}
}

func writeHost(t *testing.T, host []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host")
	if err := os.WriteFile(path, host, 0o755); err != nil {
		t.Fatalf("failed to write host file: %v", err)
	}
	return path
}

func TestBackendsAgree(t *testing.T) {
	container := buildContainer(t, testModules(), 0, "node")

	hosts := map[string][]byte{
		"elf": elfHost(t, container),
		"pe":  peHost(t, container, 0x4000),
	}
	for format, host := range hosts {
		t.Run(format, func(t *testing.T) {
			path := writeHost(t, host)
			for _, name := range []string{"lib", "tail", "auto"} {
				b, err := SelectBackend(name)
				if err != nil {
					t.Fatalf("SelectBackend(%s) error = %v", name, err)
				}
				got, err := b.ReadContainer(path)
				if err != nil {
					t.Fatalf("%s backend ReadContainer() error = %v", name, err)
				}
				if !bytes.Equal(got, container) {
					t.Errorf("%s backend returned different container bytes", name)
				}
			}
		})
	}
}

func TestTailBackendMachO(t *testing.T) {
	container := buildContainer(t, testModules(), 0, "")
	path := writeHost(t, machoHost(t, container, false))

	got, err := (TailBackend{}).ReadContainer(path)
	if err != nil {
		t.Fatalf("ReadContainer() error = %v", err)
	}
	if !bytes.Equal(got, container) {
		t.Error("tail backend returned different container bytes")
	}
}

func TestContainerBytesUnsupported(t *testing.T) {
	if _, err := ContainerBytes([]byte("not an executable")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ContainerBytes() error = %v; want ErrUnsupportedFormat", err)
	}
}

func TestTailBackendMissingSection(t *testing.T) {
	// a PE without a .bun section; the tail reader must say so
	host := peHost(t, buildContainer(t, testModules(), 0, ""), 0x4000)
	l, err := parsePELayout(host)
	if err != nil {
		t.Fatalf("parsePELayout() error = %v", err)
	}
	for i := 0; i < l.numSections; i++ {
		if l.sectionName(host, i) == PESection {
			copy(host[l.secTableOff+i*40:], ".pad\x00\x00\x00\x00")
		}
	}

	path := writeHost(t, host)
	if _, err := (TailBackend{}).ReadContainer(path); !errors.Is(err, ErrSectionNotFound) {
		t.Errorf("ReadContainer() error = %v; want ErrSectionNotFound", err)
	}
}
