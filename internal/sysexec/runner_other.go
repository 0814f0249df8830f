//go:build !linux

package sysexec

import (
	"context"
	"fmt"
	"path/filepath"
)

func (OS) Mount(ctx context.Context, source, target, fstype string) error {
	return fmt.Errorf("mount: unsupported on this platform")
}

func (OS) Unmount(ctx context.Context, target string) error {
	return fmt.Errorf("umount: unsupported on this platform")
}

func (OS) Realpath(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}
