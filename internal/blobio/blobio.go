// Package blobio copies kernel and initrd blobs onto the boot device and
// removes them again, using the temp-file-then-rename strategy and a
// byte-compare skip the original calls cbm_files_match / copy_file_atomic
// (src/lib/files.c). Large files are mmap'd via golang.org/x/sys/unix for
// the compare, matching the original's mmap-based cbm_files_match.
package blobio

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// mmapThreshold is the size up to which CopyAtomic's identity check uses
// mmap; above it a streamed sha1 is used instead, matching the original's
// whole-file mmap compare for files that fit, while staying memory-bounded
// for very large kernel blobs.
const mmapThreshold = 64 << 20

// Sync issues fsync-equivalent flushes after each mutation step, exactly
// as the original's cbm_sync() does, unless globally disabled by tests.
var Sync = true

// CopyAtomic copies src to dst using write-to-temp, sync, unlink-existing,
// sync, rename, sync (spec §4.6.x). If dst already has identical bytes to
// src, the copy is skipped entirely — no rename, no sync beyond what the
// caller already issued.
func CopyAtomic(src, dst string, mode os.FileMode) error {
	if same, err := filesMatch(src, dst); err == nil && same {
		return nil
	}

	// Suffixed with a uuid, not just a fixed ".TmpWrite", so two concurrent
	// cbm invocations racing to populate the same dst never clobber each
	// other's temp file mid-write.
	tmp := dst + ".TmpWrite-" + uuid.NewString()
	if err := copyFile(src, tmp, mode); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blobio: copy %s -> %s: %w", src, tmp, err)
	}
	maybeSync()

	if info, err := os.Stat(dst); err == nil && !info.IsDir() {
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("blobio: remove existing %s: %w", dst, err)
		}
		maybeSync()
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("blobio: rename %s -> %s: %w", tmp, dst, err)
	}
	maybeSync()
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func maybeSync() {
	if Sync {
		unix.Sync()
	}
}

// Fsync issues a global filesystem sync if Sync is enabled. Every
// subsystem that writes bootloader configuration calls this after each
// mutation, mirroring the original's blanket cbm_sync() usage.
func Fsync() { maybeSync() }

// FilesMatch reports whether p1 and p2 have identical contents, matching
// the original's cbm_files_match bool-return convention: any stat/read
// error is treated as "not matching" rather than propagated.
func FilesMatch(p1, p2 string) bool {
	same, err := filesMatch(p1, p2)
	return err == nil && same
}

// filesMatch reports whether p1 and p2 have identical contents, by size
// first, then either an mmap byte-compare (small/medium files) or a
// streamed sha1 compare (large files), matching the original's
// cbm_files_match semantics while avoiding unbounded memory use.
func filesMatch(p1, p2 string) (bool, error) {
	s1, err := os.Stat(p1)
	if err != nil {
		return false, err
	}
	s2, err := os.Stat(p2)
	if err != nil {
		return false, err
	}
	if s1.Size() != s2.Size() {
		return false, nil
	}
	if s1.Size() == 0 {
		return true, nil
	}
	if s1.Size() <= mmapThreshold {
		return mmapCompare(p1, p2, s1.Size())
	}
	h1, err := sha1File(p1)
	if err != nil {
		return false, err
	}
	h2, err := sha1File(p2)
	if err != nil {
		return false, err
	}
	return h1 == h2, nil
}

func mmapCompare(p1, p2 string, size int64) (bool, error) {
	f1, err := os.Open(p1)
	if err != nil {
		return false, err
	}
	defer f1.Close()
	f2, err := os.Open(p2)
	if err != nil {
		return false, err
	}
	defer f2.Close()

	m1, err := unix.Mmap(int(f1.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return false, err
	}
	defer unix.Munmap(m1)
	m2, err := unix.Mmap(int(f2.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return false, err
	}
	defer unix.Munmap(m2)

	for i := range m1 {
		if m1[i] != m2[i] {
			return false, nil
		}
	}
	return true, nil
}

func sha1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Remove unlinks path if present; a missing file is not an error, matching
// the original's "missing files are tolerated" uninstall semantics.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	err := os.RemoveAll(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobio: remove %s: %w", path, err)
	}
	return nil
}

// UninstallKernel deletes every artefact a kernel owns: the ESP (or legacy)
// copies under bootDir, then every side-car under the source tree, and
// finally the kernel blob itself (spec §4.6.x "Uninstall deletes...").
// Missing files are tolerated throughout. espPaths is the one or two
// basenames to remove from bootDir (namespaced current + initrd for UEFI
// backends, or the bare legacy basename + initrd for non-UEFI ones).
func UninstallKernel(bootDir string, espPaths []string, src SourcePaths) error {
	for _, p := range espPaths {
		if p == "" {
			continue
		}
		if err := Remove(filepath.Join(bootDir, p)); err != nil {
			return err
		}
	}
	for _, p := range []string{
		src.ModulesDir,
		src.HeadersDir,
		src.Cmdline,
		src.Config,
		src.SystemMap,
		src.Vmlinux,
		src.KbootMarker,
		src.SystemInitrd,
		src.UserInitrd,
	} {
		if err := Remove(p); err != nil {
			return err
		}
	}
	return Remove(src.Blob)
}

// SourcePaths mirrors kernel.SourcePaths' field set without importing the
// kernel package, keeping blobio a leaf dependency the way the original's
// cbm_files_match layer never reached back up into kernel.c.
type SourcePaths struct {
	Blob         string
	Cmdline      string
	Config       string
	SystemMap    string
	Vmlinux      string
	ModulesDir   string
	HeadersDir   string
	SystemInitrd string
	UserInitrd   string
	KbootMarker  string
}

// MigrateLegacy removes a stale legacy-path (pre-namespaced) kernel and
// initrd once the namespaced copies are confirmed in place under boot
// (spec §4.6.x, SPEC_FULL "Legacy on-ESP path migration").
func MigrateLegacy(bootDir, legacyKernel, legacyInitrd, currentKernel string) error {
	currentPath := filepath.Join(bootDir, currentKernel)
	if _, err := os.Stat(currentPath); err != nil {
		// Namespaced copy isn't confirmed in place; leave the legacy
		// artefact alone rather than risk a window with neither present.
		return nil
	}
	if err := Remove(filepath.Join(bootDir, legacyKernel)); err != nil {
		return err
	}
	return Remove(filepath.Join(bootDir, legacyInitrd))
}
