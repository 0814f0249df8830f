// Package mountcoord decides whether the boot directory needs mounting and
// performs that mount, returning the tri-state result spec §4.8 defines:
// -1 error, 0 already-available, 1 freshly mounted. Grounded on the
// original's src/bootman/mount.c.
package mountcoord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bketelsen/cbm/internal/bootcap"
	"github.com/bketelsen/cbm/internal/sysexec"
)

// Result is the tri-state mount outcome.
type Result int

const (
	Error          Result = -1
	AlreadyMounted Result = 0
	FreshlyMounted Result = 1
)

// MountTable reports the directory (if any) a device is already mounted at,
// and whether a directory is itself a mountpoint; seams over
// /proc/self/mounts so tests can substitute a fixed table.
type MountTable interface {
	IsMountpoint(dir string) (bool, error)
	DeviceMountedAt(device string) (dir string, ok bool, err error)
}

// ProcMountTable reads /proc/self/mounts.
type ProcMountTable struct{ Path string }

// NewProcMountTable returns a MountTable backed by /proc/self/mounts.
func NewProcMountTable() ProcMountTable { return ProcMountTable{Path: "/proc/self/mounts"} }

func (t ProcMountTable) entries() ([][2]string, error) {
	data, err := os.ReadFile(pathOrDefault(t.Path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		out = append(out, [2]string{fields[0], fields[1]})
	}
	return out, nil
}

func (t ProcMountTable) IsMountpoint(dir string) (bool, error) {
	entries, err := t.entries()
	if err != nil {
		return false, err
	}
	dir = filepath.Clean(dir)
	for _, e := range entries {
		if filepath.Clean(e[1]) == dir {
			return true, nil
		}
	}
	return false, nil
}

func (t ProcMountTable) DeviceMountedAt(device string) (string, bool, error) {
	entries, err := t.entries()
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e[0] == device {
			return e[1], true, nil
		}
	}
	return "", false, nil
}

// Mount mounts the boot directory for prefix if needed, per spec §4.8.
//
//   - bootDir is <prefix>/boot, already realpath-normalised by the caller.
//   - backendCaps is the selected backend's capability set; Partless
//     partitionless-boot applies when the backend supports it, the system
//     is not UEFI, and bootDir is non-empty.
//   - If another mountpoint already maps to bootDevice, that mountpoint is
//     reused and reinit is called against it instead of mounting again.
func Mount(ctx context.Context, runner sysexec.Runner, table MountTable, bootDir, bootDevice, fstype string, backendCaps bootcap.Mask, isUEFI bool, reinit func(mountedAt string) error) (Result, error) {
	mounted, err := table.IsMountpoint(bootDir)
	if err != nil {
		return Error, fmt.Errorf("mountcoord: checking mountpoint %s: %w", bootDir, err)
	}
	if mounted {
		return AlreadyMounted, nil
	}
	if backendCaps.Has(bootcap.Partless) && !isUEFI {
		if nonEmpty, err := dirNonEmpty(bootDir); err == nil && nonEmpty {
			return AlreadyMounted, nil
		}
	}

	if bootDevice != "" {
		if existingMount, ok, err := table.DeviceMountedAt(bootDevice); err == nil && ok {
			if reinit != nil {
				if err := reinit(existingMount); err != nil {
					return Error, fmt.Errorf("mountcoord: reinit against %s: %w", existingMount, err)
				}
			}
			return AlreadyMounted, nil
		}
	}

	if bootDevice == "" {
		return Error, fmt.Errorf("mountcoord: no boot device to mount")
	}

	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		return Error, fmt.Errorf("mountcoord: mkdir %s: %w", bootDir, err)
	}
	if err := runner.Mount(ctx, bootDevice, bootDir, fstype); err != nil {
		return Error, fmt.Errorf("mountcoord: mount %s at %s: %w", bootDevice, bootDir, err)
	}
	if reinit != nil {
		if err := reinit(bootDir); err != nil {
			return Error, fmt.Errorf("mountcoord: reinit against %s: %w", bootDir, err)
		}
	}
	return FreshlyMounted, nil
}

// Unmount unmounts bootDir; callers invoke this on every exit path when
// Mount returned FreshlyMounted (spec §4.8, §5).
func Unmount(ctx context.Context, runner sysexec.Runner, bootDir string) error {
	if err := runner.Unmount(ctx, bootDir); err != nil {
		return fmt.Errorf("mountcoord: unmount %s: %w", bootDir, err)
	}
	return nil
}

func dirNonEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func pathOrDefault(p string) string {
	if p == "" {
		return "/proc/self/mounts"
	}
	return p
}

