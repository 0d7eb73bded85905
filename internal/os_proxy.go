package internal

import (
	"os"
)

// OsProxy is the subset of the os package used for local transfer sources and download targets.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (*os.File, error)
	MkdirAll(path string, perm os.FileMode) error
	Remove(name string) error
}

// RealOS delegates to the os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error)        { return os.Stat(name) }           //nolint:revive
func (RealOS) Open(name string) (*os.File, error)           { return os.Open(name) }           //nolint:revive
func (RealOS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) } //nolint:revive
func (RealOS) Remove(name string) error                     { return os.Remove(name) }         //nolint:revive
