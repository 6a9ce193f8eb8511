package standalone

import (
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	cstypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

// AdhocSign applies an ad-hoc code signature to a thin Mach-O: enough to
// satisfy the loader's signature-presence check without proving
// provenance. Universal hosts are never produced by the repacker and are
// rejected here.
func AdhocSign(in, out string) error {
	if _, err := macho.OpenFat(in); err == nil {
		return fmt.Errorf("universal machos are not supported")
	}
	m, err := macho.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open MachO file: %v", err)
	}
	defer m.Close()

	if err := m.CodeSign(&codesign.Config{Flags: cstypes.ADHOC}); err != nil {
		return fmt.Errorf("failed to codesign MachO file: %v", err)
	}
	if err := m.Save(out); err != nil {
		return fmt.Errorf("failed to save signed MachO file: %v", err)
	}
	return nil
}
