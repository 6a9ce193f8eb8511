// Package standalone wires the container codec to host executables: the
// extract / info / repack operations behind the CLI.
package standalone

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/bunpack/internal/magic"
	"github.com/blacktop/bunpack/internal/utils"
	"github.com/blacktop/bunpack/pkg/standalone"
)

// DefaultLeaf derives the target module leaf name from the host binary's
// own filename, the way the embedded module table names it.
func DefaultLeaf(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".exe")
}

// Extract returns the content bytes of the module matching leaf inside
// the host binary at path.
func Extract(path, leaf, backend string) ([]byte, error) {
	c, err := Open(path, backend)
	if err != nil {
		return nil, err
	}
	return c.Extract(leaf)
}

// RawContainer returns the whole raw container embedded in the host
// binary, without parsing the module table.
func RawContainer(path, backend string) ([]byte, error) {
	b, err := standalone.SelectBackend(backend)
	if err != nil {
		return nil, err
	}
	return b.ReadContainer(path)
}

// Open locates and parses the container embedded in the host binary.
func Open(path, backend string) (*standalone.Container, error) {
	b, err := standalone.SelectBackend(backend)
	if err != nil {
		return nil, err
	}
	buf, err := b.ReadContainer(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to locate container in %s", path)
	}
	c, err := standalone.Parse(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse container in %s", path)
	}
	return c, nil
}

// ModuleInfo is one row of the info listing.
type ModuleInfo struct {
	Name       string
	Size       uint64
	Loader     uint8
	Format     uint8
	Side       uint8
	EntryPoint bool
}

// Modules lists every module descriptor of the embedded container in
// table order, duplicates included.
func Modules(path, backend string) ([]ModuleInfo, error) {
	c, err := Open(path, backend)
	if err != nil {
		return nil, err
	}
	infos := make([]ModuleInfo, len(c.Modules))
	for i, mod := range c.Modules {
		infos[i] = ModuleInfo{
			Name:       c.ModuleName(i),
			Size:       uint64(mod.Contents.Length),
			Loader:     mod.Loader,
			Format:     mod.ModuleFormat,
			Side:       mod.Side,
			EntryPoint: uint32(i) == c.Header.EntryPointID,
		}
	}
	return infos, nil
}

// RepackConfig configures a repack operation.
type RepackConfig struct {
	Input   string
	Module  string // leaf name of the module to replace
	Content []byte // replacement content bytes
	Output  string // defaults to Input
}

// Repack rebuilds the embedded container with one module's contents
// replaced and writes the repaired host binary atomically. The input is
// never mutated: either the output lands fully or nothing changes. On
// Mach-O hosts that were code signed the output is re-signed ad-hoc as a
// best-effort pass after the file is in place.
func Repack(conf *RepackConfig) error {
	output := conf.Output
	if output == "" {
		output = conf.Input
	}

	format, err := magic.DetectFile(conf.Input)
	if err != nil {
		return err
	}
	if format.Kind() == magic.KindUnknown {
		return fmt.Errorf("%w: %s", standalone.ErrUnsupportedFormat, conf.Input)
	}

	fi, err := os.Stat(conf.Input)
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", conf.Input)
	}
	host, err := os.ReadFile(conf.Input)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", conf.Input)
	}

	buf, err := standalone.ContainerBytes(host)
	if err != nil {
		return errors.Wrapf(err, "failed to locate container in %s", conf.Input)
	}
	c, err := standalone.Parse(buf)
	if err != nil {
		return errors.Wrapf(err, "failed to parse container in %s", conf.Input)
	}

	rebuilt, _, err := c.Rebuild(conf.Module, conf.Content)
	if err != nil {
		return err
	}

	var out []byte
	var wasSigned bool
	switch format.Kind() {
	case magic.KindELF:
		out, err = standalone.RepackELF(host, rebuilt)
	case magic.KindMachO:
		out, wasSigned, err = standalone.RepackMachO(host, rebuilt)
	case magic.KindPE:
		out, err = standalone.RepackPE(host, rebuilt)
	}
	if err != nil {
		return err
	}

	if err := utils.WriteAtomic(output, out, fi.Mode().Perm()); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"output": output,
		"module": conf.Module,
	}).Info("repacked container")

	if wasSigned {
		// advisory, not transactional with the write: the replacement
		// already succeeded and is of primary value even unsigned
		if err := AdhocSign(output, output); err != nil {
			log.WithError(err).Warn("failed to ad-hoc re-sign output")
		}
	}

	return nil
}
