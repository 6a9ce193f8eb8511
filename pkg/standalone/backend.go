package standalone

import (
	"fmt"

	"github.com/apex/log"
)

// Backend locates the embedded container inside a host executable and
// returns its raw bytes. Two interchangeable implementations exist: the
// library backend slurps the whole file and walks it with the format
// parsers, while the tail backend streams only the trailing region or
// section bytes it needs. Both feed the same Parse.
type Backend interface {
	Name() string
	ReadContainer(path string) ([]byte, error)
}

// SelectBackend resolves a backend by name: "lib", "tail" or "auto"
// (library first, tail as fallback).
func SelectBackend(name string) (Backend, error) {
	switch name {
	case "lib", "library":
		return LibraryBackend{}, nil
	case "tail", "stream":
		return TailBackend{}, nil
	case "", "auto":
		return autoBackend{}, nil
	}
	return nil, fmt.Errorf("unknown backend %q (expected auto, lib or tail)", name)
}

type autoBackend struct{}

func (autoBackend) Name() string { return "auto" }

func (autoBackend) ReadContainer(path string) ([]byte, error) {
	buf, err := (LibraryBackend{}).ReadContainer(path)
	if err == nil {
		return buf, nil
	}
	log.WithError(err).Debug("library backend failed, falling back to tail backend")
	return (TailBackend{}).ReadContainer(path)
}
