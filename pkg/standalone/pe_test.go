package standalone

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"testing"
)

const (
	testPEFileAlign    = 0x200
	testPESectionAlign = 0x1000
	testPEHeadersSize  = 0x400
)

// peHost builds a minimal PE32+ image with three sections (.text, .bun,
// .data) that debug/pe accepts. The .bun section carries the 4-byte
// length prefix plus the container, padded to the file alignment; dataVA
// controls how much virtual headroom .bun has before the next section.
func peHost(t *testing.T, container []byte, dataVA uint32) []byte {
	t.Helper()

	bunVirt := uint32(4 + len(container))
	bunRaw := alignUp32(bunVirt, testPEFileAlign)

	var buf bytes.Buffer
	dos := make([]byte, 0x40)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x40)
	buf.Write(dos)

	buf.WriteString("PE\x00\x00")
	coff := make([]byte, 20)
	binary.LittleEndian.PutUint16(coff[0:], 0x8664) // AMD64
	binary.LittleEndian.PutUint16(coff[2:], 3)      // sections
	binary.LittleEndian.PutUint16(coff[16:], 240)   // optional header size
	binary.LittleEndian.PutUint16(coff[18:], 0x22)  // executable image
	buf.Write(coff)

	opt := make([]byte, 240)
	binary.LittleEndian.PutUint16(opt[0:], 0x20b) // PE32+
	binary.LittleEndian.PutUint32(opt[peOptSectionAlignment:], testPESectionAlign)
	binary.LittleEndian.PutUint32(opt[peOptFileAlignment:], testPEFileAlign)
	image := uint32(testPESectionAlign) + // headers
		testPESectionAlign + // .text
		alignUp32(bunVirt, testPESectionAlign) +
		testPESectionAlign // .data
	binary.LittleEndian.PutUint32(opt[peOptSizeOfImage:], image)
	binary.LittleEndian.PutUint32(opt[peOptSizeOfHeaders:], testPEHeadersSize)
	binary.LittleEndian.PutUint32(opt[108:], 16) // NumberOfRvaAndSizes
	buf.Write(opt)

	section := func(name string, va, vs, raw, ptr uint32) {
		rec := make([]byte, 40)
		copy(rec, name)
		binary.LittleEndian.PutUint32(rec[peSecVirtSize:], vs)
		binary.LittleEndian.PutUint32(rec[peSecVirtAddr:], va)
		binary.LittleEndian.PutUint32(rec[peSecRawSize:], raw)
		binary.LittleEndian.PutUint32(rec[peSecRawPointer:], ptr)
		buf.Write(rec)
	}
	textPtr := uint32(testPEHeadersSize)
	bunPtr := textPtr + 0x200
	dataPtr := bunPtr + bunRaw
	section(".text", 0x1000, 0x100, 0x200, textPtr)
	section(PESection, 0x2000, bunVirt, bunRaw, bunPtr)
	section(".data", dataVA, 0x10, 0x200, dataPtr)

	buf.Write(make([]byte, testPEHeadersSize-buf.Len()))
	buf.Write(bytes.Repeat([]byte{0x90}, 0x200)) // .text
	payload := make([]byte, bunRaw)
	binary.LittleEndian.PutUint32(payload, uint32(len(container)))
	copy(payload[4:], container)
	buf.Write(payload)
	buf.Write(bytes.Repeat([]byte{0xda}, 0x200)) // .data

	return buf.Bytes()
}

func TestPEContainer(t *testing.T) {
	container := buildContainer(t, testModules(), 0, "")
	host := peHost(t, container, 0x4000)

	raw, err := peContainer(host)
	if err != nil {
		t.Fatalf("peContainer() error = %v", err)
	}
	if !bytes.Equal(raw, container) {
		t.Fatal("peContainer() returned different bytes than embedded")
	}
	c, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got, err := c.Extract("claude")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if string(got) != "console.log('hi')" {
		t.Errorf("Extract() = %q", got)
	}
}

func TestPayloadContainer(t *testing.T) {
	t.Run("payload shorter than prefix", func(t *testing.T) {
		_, err := payloadContainer([]byte{1, 2})
		var mc *MalformedContainerError
		if !errors.As(err, &mc) {
			t.Errorf("payloadContainer() error = %v; want MalformedContainerError", err)
		}
	})
	t.Run("prefix exceeds payload", func(t *testing.T) {
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint32(payload, 100)
		_, err := payloadContainer(payload)
		var mc *MalformedContainerError
		if !errors.As(err, &mc) {
			t.Errorf("payloadContainer() error = %v; want MalformedContainerError", err)
		}
	})
	t.Run("padding past prefix ignored", func(t *testing.T) {
		payload := make([]byte, 16)
		binary.LittleEndian.PutUint32(payload, 3)
		copy(payload[4:], "abc")
		got, err := payloadContainer(payload)
		if err != nil {
			t.Fatalf("payloadContainer() error = %v", err)
		}
		if string(got) != "abc" {
			t.Errorf("payloadContainer() = %q; want abc", got)
		}
	})
}

func TestRepackPE(t *testing.T) {
	mods := []testModule{
		{name: "/internal-fs-root/claude", contents: "ABC", loader: 2},
	}
	host := peHost(t, buildContainer(t, mods, 0, ""), 0x4000)

	raw, err := peContainer(host)
	if err != nil {
		t.Fatalf("peContainer() error = %v", err)
	}
	orig, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	replacement := bytes.Repeat([]byte("XYZ"), 300) // forces raw growth
	rebuilt, _, err := orig.Rebuild("claude", replacement)
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	out, err := RepackPE(host, rebuilt)
	if err != nil {
		t.Fatalf("RepackPE() error = %v", err)
	}

	f, err := pe.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("pe.NewFile(repacked) error = %v", err)
	}
	defer f.Close()

	var bun, data *pe.Section
	for _, sec := range f.Sections {
		switch sec.Name {
		case PESection:
			bun = sec
		case ".data":
			data = sec
		}
	}
	if bun == nil || data == nil {
		t.Fatal("repacked image lost a section")
	}

	if want := uint32(4 + len(rebuilt)); bun.VirtualSize != want {
		t.Errorf(".bun VirtualSize = %d; want %d", bun.VirtualSize, want)
	}
	if bun.Size%testPEFileAlign != 0 {
		t.Errorf(".bun SizeOfRawData = %d; not a multiple of FileAlignment", bun.Size)
	}
	if bun.Size < bun.VirtualSize {
		t.Errorf(".bun SizeOfRawData = %d < VirtualSize %d", bun.Size, bun.VirtualSize)
	}

	// .data moved on disk but kept its bytes
	dataRaw := out[data.Offset : data.Offset+data.Size]
	if !bytes.Equal(dataRaw, bytes.Repeat([]byte{0xda}, 0x200)) {
		t.Error(".data raw bytes changed after repack")
	}

	// SizeOfImage covers every section rounded to the section alignment
	opt, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		t.Fatal("expected a PE32+ optional header")
	}
	want := alignUp32(opt.SizeOfHeaders, testPESectionAlign)
	for _, sec := range f.Sections {
		want += alignUp32(sec.VirtualSize, testPESectionAlign)
	}
	if opt.SizeOfImage != want {
		t.Errorf("SizeOfImage = %#x; want %#x", opt.SizeOfImage, want)
	}

	// and the round trip holds
	repackedRaw, err := peContainer(out)
	if err != nil {
		t.Fatalf("peContainer(repacked) error = %v", err)
	}
	c, err := Parse(repackedRaw)
	if err != nil {
		t.Fatalf("Parse(repacked) error = %v", err)
	}
	got, err := c.Extract("claude")
	if err != nil {
		t.Fatalf("Extract(repacked) error = %v", err)
	}
	if !bytes.Equal(got, replacement) {
		t.Error("repacked module contents differ from replacement")
	}
}

func TestRepackPEVirtualOverlap(t *testing.T) {
	mods := []testModule{
		{name: "/internal-fs-root/claude", contents: "ABC", loader: 2},
	}
	// .data sits one page above .bun; growing past the page must fail
	host := peHost(t, buildContainer(t, mods, 0, ""), 0x3000)

	raw, err := peContainer(host)
	if err != nil {
		t.Fatalf("peContainer() error = %v", err)
	}
	orig, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	rebuilt, _, err := orig.Rebuild("claude", bytes.Repeat([]byte{'x'}, 0x1800))
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	if _, err := RepackPE(host, rebuilt); !errors.Is(err, ErrSegmentExtend) {
		t.Errorf("RepackPE() error = %v; want ErrSegmentExtend", err)
	}
}
