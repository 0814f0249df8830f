//go:build linux

package sysexec

import (
	"context"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func (OS) Mount(ctx context.Context, source, target, fstype string) error {
	return unix.Mount(source, target, fstype, 0, "")
}

func (OS) Unmount(ctx context.Context, target string) error {
	return unix.Unmount(target, 0)
}

func (OS) Realpath(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}
