package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bketelsen/cbm/internal/blobio"
	"github.com/bketelsen/cbm/internal/bootloader"
	"github.com/bketelsen/cbm/internal/initrd"
	"github.com/bketelsen/cbm/internal/kernel"
)

// kernelDestHost resolves a backend's KernelDestination (relative to
// BootDir, possibly empty) to an absolute host path.
func kernelDestHost(bootDir string, backend bootloader.Backend) string {
	rel := strings.TrimPrefix(backend.KernelDestination(), "/")
	if rel == "" {
		return bootDir
	}
	return filepath.Join(bootDir, rel)
}

// copyFreestandingInitrds copies every unmasked registry entry into the
// backend's kernel destination and returns the display keys installed
// (spec §4.5 "on copy-out").
func copyFreestandingInitrds(prefix, bootDir string, backend bootloader.Backend) ([]string, error) {
	entries, err := initrd.Discover(prefix)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: discovering freestanding initrds: %w", err)
	}
	dest := kernelDestHost(bootDir, backend)
	unmasked := initrd.Unmasked(entries)
	keys := make([]string, 0, len(unmasked))
	for _, e := range unmasked {
		src := filepath.Join(e.SourceDir, e.SourceName)
		dst := filepath.Join(dest, e.DisplayKey)
		if err := blobio.CopyAtomic(src, dst, 0o644); err != nil {
			return nil, fmt.Errorf("orchestrator: copying freestanding initrd %s: %w", e.DisplayKey, err)
		}
		keys = append(keys, e.DisplayKey)
	}
	return keys, nil
}

// pruneFreestandingInitrds unlinks on-ESP freestanding initrds that the
// registry no longer wants (spec §4.7 native mode step 10).
func pruneFreestandingInitrds(prefix, bootDir string, backend bootloader.Backend) error {
	entries, err := initrd.Discover(prefix)
	if err != nil {
		return fmt.Errorf("orchestrator: discovering freestanding initrds: %w", err)
	}
	dest := kernelDestHost(bootDir, backend)
	dirEntries, err := os.ReadDir(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("orchestrator: listing %s: %w", dest, err)
	}
	var onESP []string
	for _, e := range dirEntries {
		onESP = append(onESP, e.Name())
	}
	for _, name := range initrd.PruneTargets(onESP, entries) {
		if err := blobio.Remove(filepath.Join(dest, name)); err != nil {
			return fmt.Errorf("orchestrator: pruning freestanding initrd %s: %w", name, err)
		}
	}
	return nil
}

// migrateLegacyKernel removes a kernel's stale pre-namespacing on-ESP
// artefacts once the namespaced copy is confirmed installed (spec §4.6.x
// "Legacy on-ESP path migration"). Only applies to UEFI-class backends,
// which are the only ones with a namespaced path distinct from the legacy
// bare basename.
func migrateLegacyKernel(bootDir string, backend bootloader.Backend, k kernel.Kernel) error {
	destRel := strings.TrimPrefix(backend.KernelDestination(), "/")
	if destRel == "" {
		return nil
	}
	currentRel := filepath.Join(destRel, k.Target.Current)
	if err := blobio.MigrateLegacy(bootDir, k.Target.Legacy, k.Target.Initrd, currentRel); err != nil {
		return fmt.Errorf("orchestrator: migrating legacy path for %s: %w", k.Identifier, err)
	}
	return nil
}

// uninstallKernel removes every artefact a kernel owns: the backend's
// per-kernel config, its ESP/legacy copies, and its entire source tree
// under /usr/lib/{kernel,modules} and /usr/src (spec §4.6.x "Uninstall
// deletes...").
func uninstallKernel(bootDir string, backend bootloader.Backend, k kernel.Kernel) error {
	if err := backend.RemoveKernel(k); err != nil {
		return fmt.Errorf("orchestrator: removing %s from %s: %w", k.Identifier, backend.Name(), err)
	}

	dest := backend.KernelDestination()
	var espPaths []string
	if dest != "" {
		espPaths = []string{
			filepath.Join(strings.TrimPrefix(dest, "/"), k.Target.Current),
			filepath.Join(strings.TrimPrefix(dest, "/"), k.Target.Initrd),
		}
	} else {
		espPaths = []string{k.Target.Legacy, k.Target.Initrd}
	}

	src := blobio.SourcePaths{
		Blob:         k.Source.Blob,
		Cmdline:      k.Source.Cmdline,
		Config:       k.Source.Config,
		SystemMap:    k.Source.SystemMap,
		Vmlinux:      k.Source.Vmlinux,
		ModulesDir:   k.Source.ModulesDir,
		HeadersDir:   k.Source.HeadersDir,
		SystemInitrd: k.Source.SystemInitrd,
		UserInitrd:   k.Source.UserInitrd,
		KbootMarker:  k.Source.KbootMarker,
	}
	if err := blobio.UninstallKernel(bootDir, espPaths, src); err != nil {
		return fmt.Errorf("orchestrator: uninstalling %s: %w", k.Identifier, err)
	}
	return nil
}

// kernelIdentifierEqual reports whether two kernels are the same install,
// by parsed identifier rather than source path (two namespaces can't
// collide within one Discover call, so this is equivalent to but cheaper
// than a blob-path compare).
func kernelIdentifierEqual(a, b kernel.Kernel) bool {
	return a.Identifier == b.Identifier
}
