// Package orchestrator implements the top-level update algorithm (spec
// §4.7): image-mode and native-mode synchronisation of the installed
// kernel set to the bootloader, driven by the retention policy of
// tip/running/last-good kernels. Grounded on the original's
// src/bootman/update.c, which plays the same "wire every leaf component
// together" role this package does.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/bketelsen/cbm/internal/bootcap"
	"github.com/bketelsen/cbm/internal/bootloader"
	"github.com/bketelsen/cbm/internal/cmdline"
	"github.com/bketelsen/cbm/internal/kernel"
	"github.com/bketelsen/cbm/internal/mountcoord"
	"github.com/bketelsen/cbm/internal/osrelease"
	"github.com/bketelsen/cbm/internal/sysconfig"
	"github.com/bketelsen/cbm/internal/sysexec"
)

// BootManager owns the state one Update call threads through every
// component (spec §9 "Global state"). It is rebuilt fresh per invocation
// by the cmd layer; nothing here survives between calls.
type BootManager struct {
	// Prefix is the target root: "/" for native mode, an image root
	// otherwise.
	Prefix string
	// Namespace is the vendor kernel namespace (e.g. "org.cbm"), used to
	// parse kernel basenames and name the ESP ".../EFI/<namespace>" tree.
	Namespace string
	// VendorPrefix names per-kernel config/entry files (e.g.
	// "Clear-linux"); defaults to Namespace when unset.
	VendorPrefix string

	// ImageMode forces the image-mode algorithm regardless of Prefix.
	ImageMode bool
	// ForceLegacy makes sysconfig.Resolve ignore UEFI firmware (CBM_FORCE_LEGACY).
	ForceLegacy bool

	Runner     sysexec.Runner
	MountTable mountcoord.MountTable
	ProbeFS    sysconfig.FSProbe
	Backends   []bootloader.Backend

	// UnameRelease overrides the running kernel's release string normally
	// read from /proc/sys/kernel/osrelease; tests set this directly.
	UnameRelease string

	// Log receives one line per notable step; nil means silent. The cmd
	// layer wires this to internal/output.Writer.
	Log func(format string, args ...any)
}

func (bm *BootManager) logf(format string, args ...any) {
	if bm.Log != nil {
		bm.Log(format, args...)
	}
}

func (bm *BootManager) runner() sysexec.Runner {
	if bm.Runner != nil {
		return bm.Runner
	}
	return sysexec.New()
}

func (bm *BootManager) mountTable() mountcoord.MountTable {
	if bm.MountTable != nil {
		return bm.MountTable
	}
	return mountcoord.NewProcMountTable()
}

func (bm *BootManager) backends() []bootloader.Backend {
	if bm.Backends != nil {
		return bm.Backends
	}
	return bootloader.Default()
}

func (bm *BootManager) vendorPrefix() string {
	if bm.VendorPrefix != "" {
		return bm.VendorPrefix
	}
	return bm.Namespace
}

// updateRun holds the per-call state computed once Update has resolved the
// system config and discovered kernels, shared by the image-mode and
// native-mode algorithms.
type updateRun struct {
	bm            *BootManager
	cfg           sysconfig.Config
	backend       bootloader.Backend
	osInfo        osrelease.Info
	globalCmdline string
	kernels       []kernel.Kernel
	bootDir       string
}

// Update runs the top-level algorithm (spec §4.7), dispatching to the
// image-mode or native-mode variant.
func (bm *BootManager) Update(ctx context.Context) error {
	cfg, err := sysconfig.Resolve(bm.Prefix, bm.ImageMode, bm.ForceLegacy, bm.ProbeFS)
	if err != nil {
		return fmt.Errorf("orchestrator: resolving system config: %w", err)
	}
	if !cfg.Sane() {
		return fmt.Errorf("orchestrator: could not resolve a root device under %s", bm.Prefix)
	}

	backend, err := bootloader.Select(bm.Prefix, cfg.WantedBootMask, bm.backends())
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	bm.logf("selected bootloader backend %s", backend.Name())

	osInfo, err := osrelease.Load(bm.Prefix, bm.vendorPrefix())
	if err != nil {
		return fmt.Errorf("orchestrator: loading os-release: %w", err)
	}

	globalCmdline, err := cmdline.Assemble(bm.Prefix)
	if err != nil {
		return fmt.Errorf("orchestrator: assembling cmdline: %w", err)
	}

	kernels, err := kernel.Discover(bm.Prefix, bm.Namespace, globalCmdline)
	if err != nil {
		return fmt.Errorf("orchestrator: discovering kernels: %w", err)
	}
	if len(kernels) == 0 {
		return fmt.Errorf("orchestrator: no installed kernels found under %s", bm.Prefix)
	}
	kernel.SortDescending(kernels)
	bm.logf("discovered %d kernel(s)", len(kernels))

	bootDir := filepath.Join(bm.Prefix, "boot")
	if real, err := bm.runner().Realpath(bootDir); err == nil {
		bootDir = real
	}

	run := &updateRun{
		bm:            bm,
		cfg:           cfg,
		backend:       backend,
		osInfo:        osInfo,
		globalCmdline: globalCmdline,
		kernels:       kernels,
		bootDir:       bootDir,
	}

	if bm.ImageMode {
		return run.imageMode(ctx)
	}
	return run.nativeMode(ctx)
}

// backendContext builds the bootloader.Context for the current run's
// resolved state, rebuilt fresh for every Init call per Context's own
// documented contract.
func (r *updateRun) backendContext(ctx context.Context, bootDir string) bootloader.Context {
	bm := r.bm
	return bootloader.Context{
		Ctx:                   ctx,
		Prefix:                bm.Prefix,
		BootDir:               bootDir,
		Namespace:             bm.Namespace,
		VendorPrefix:          bm.vendorPrefix(),
		OSName:                r.osInfo.PrettyName,
		OSID:                  r.osInfo.ID,
		RootDevice:            r.cfg.RootDevice,
		LegacyBootDevice:      legacyBootDevice(r.cfg),
		WantedMask:            r.cfg.WantedBootMask,
		Timeout:               loadTimeout(bm.Prefix),
		SeparateBootPartition: separateBootPartition(r.cfg),
		EFIVarsDisabled:       loadEFIVarsDisabled(bm.Prefix),
		Runner:                bm.runner(),
	}
}

// legacyBootDevice surfaces cfg.BootDevice as the backend's
// Context.LegacyBootDevice only when the resolved mask is legacy, not
// UEFI; syslinux/extlinux are the only backends that read it.
func legacyBootDevice(cfg sysconfig.Config) string {
	if cfg.WantedBootMask.Has(bootcap.UEFI) {
		return ""
	}
	return cfg.BootDevice
}

// separateBootPartition reports whether the boot device is distinct from
// the root device, grub2's is_separate_boot (spec §4.6 grub2 backend).
func separateBootPartition(cfg sysconfig.Config) bool {
	return cfg.BootDevice != "" && cfg.BootDevice != cfg.RootDevice.Device
}
