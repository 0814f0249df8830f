// Package sysexec provides the seam the design calls out under "Vtable for
// external syscalls": mount/umount/system-equivalent calls go through a
// Runner interface so tests can substitute a fake instead of touching the
// real kernel mount table or spawning host tooling.
package sysexec

import (
	"context"
	"os/exec"
)

// Runner executes external commands and a handful of primitive syscalls the
// engine needs (mount, umount, realpath). The production implementation
// delegates to os/exec and the os package; tests substitute a Fake.
type Runner interface {
	// Run executes name with args, returning combined stdout+stderr on
	// failure for diagnostics.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Mount mounts source at target with the given filesystem type.
	Mount(ctx context.Context, source, target, fstype string) error
	// Unmount unmounts target.
	Unmount(ctx context.Context, target string) error
	// Realpath resolves a path the way realpath(3) would, following all
	// symlinks and requiring every component to exist.
	Realpath(path string) (string, error)
}

// OS is the production Runner, backed by the real kernel and host tools.
type OS struct{}

// New returns the production Runner.
func New() Runner { return OS{} }

func (OS) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}
