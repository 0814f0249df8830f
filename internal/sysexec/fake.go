package sysexec

import (
	"context"
	"fmt"
)

// Fake is a test double for Runner. Tests populate RunFunc/Mounted to
// control behaviour and inspect Calls afterward.
type Fake struct {
	// RunFunc, if set, overrides Run entirely.
	RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)
	// Mounted maps target -> source for mounts currently considered active.
	Mounted map[string]string
	// Calls records every Run invocation as "name arg0 arg1 ...".
	Calls []string
	// RealpathFunc overrides Realpath; defaults to identity.
	RealpathFunc func(path string) (string, error)
	// FailMount/FailUnmount force those operations to fail.
	FailMount, FailUnmount bool
}

// NewFake returns an initialised Fake.
func NewFake() *Fake {
	return &Fake{Mounted: map[string]string{}}
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := name
	for _, a := range args {
		call += " " + a
	}
	f.Calls = append(f.Calls, call)
	if f.RunFunc != nil {
		return f.RunFunc(ctx, name, args...)
	}
	return nil, nil
}

func (f *Fake) Mount(ctx context.Context, source, target, fstype string) error {
	if f.FailMount {
		return fmt.Errorf("fake mount failure")
	}
	if f.Mounted == nil {
		f.Mounted = map[string]string{}
	}
	f.Mounted[target] = source
	return nil
}

func (f *Fake) Unmount(ctx context.Context, target string) error {
	if f.FailUnmount {
		return fmt.Errorf("fake umount failure")
	}
	delete(f.Mounted, target)
	return nil
}

func (f *Fake) Realpath(path string) (string, error) {
	if f.RealpathFunc != nil {
		return f.RealpathFunc(path)
	}
	return path, nil
}
