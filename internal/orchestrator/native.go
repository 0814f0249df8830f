package orchestrator

import (
	"context"
	"fmt"

	"github.com/bketelsen/cbm/internal/bootcap"
	"github.com/bketelsen/cbm/internal/kernel"
	"github.com/bketelsen/cbm/internal/mountcoord"
)

// nativeMode implements spec §4.7's native-mode algorithm: mount, identify
// the running kernel, install/update the bootloader, repair the running
// kernel, apply the per-type retention policy, set the default, garbage
// collect, prune freestanding initrds, and unmount if this call mounted.
func (r *updateRun) nativeMode(ctx context.Context) error {
	bm := r.bm

	mountResult, err := r.mountBootDir(ctx)
	if err != nil {
		return err
	}
	if mountResult == mountcoord.FreshlyMounted {
		defer func() {
			if err := mountcoord.Unmount(ctx, bm.runner(), r.bootDir); err != nil {
				bm.logf("warning: unmounting %s: %v", r.bootDir, err)
			}
		}()
	}

	sys, sysOK := r.systemKernel()
	running, runningOK := r.identifyRunningKernel(sys, sysOK)

	bctx := r.backendContext(ctx, r.bootDir)
	if err := r.backend.Init(bctx); err != nil {
		return fmt.Errorf("orchestrator: initialising backend %s: %w", r.backend.Name(), err)
	}

	if err := r.installOrUpdateBootloader(); err != nil {
		return err
	}

	freestanding, err := copyFreestandingInitrds(bm.Prefix, r.bootDir, r.backend)
	if err != nil {
		return err
	}

	if runningOK {
		if err := r.backend.InstallKernel(running, freestanding); err != nil {
			bm.logf("warning: repair-installing running kernel %s failed: %v", running.Identifier, err)
		} else if err := migrateLegacyKernel(r.bootDir, r.backend, running); err != nil {
			bm.logf("warning: %v", err)
		}
	}

	runningType := ""
	switch {
	case runningOK:
		runningType = running.Identifier.Type
	case sysOK:
		runningType = sys.Type
	}

	groups := kernel.GroupByType(r.kernels)
	var toInstall, toRemove []kernel.Kernel
	var defaultCandidate *kernel.Kernel

	for ktype, group := range groups {
		tip := TipOf(bm.Prefix, ktype, group)
		lastGood := LastGoodOf(group, tip)

		toInstall = append(toInstall, tip)
		if lastGood != nil {
			toInstall = append(toInstall, *lastGood)
		}

		if runningOK {
			for _, k := range group {
				if kernelIdentifierEqual(k, tip) {
					continue
				}
				if lastGood != nil && kernelIdentifierEqual(k, *lastGood) {
					continue
				}
				if kernelIdentifierEqual(k, running) {
					continue
				}
				toRemove = append(toRemove, k)
			}
		}

		if ktype == runningType {
			t := tip
			defaultCandidate = &t
		}
	}

	// With neither a running kernel nor a parseable uname to name a type,
	// the tip of the highest-release kernel's type becomes the default.
	if defaultCandidate == nil && runningType == "" && len(r.kernels) > 0 {
		ktype := r.kernels[0].Identifier.Type
		t := TipOf(bm.Prefix, ktype, groups[ktype])
		defaultCandidate = &t
	}

	for _, k := range toInstall {
		if err := r.backend.InstallKernel(k, freestanding); err != nil {
			return fmt.Errorf("orchestrator: installing kernel %s: %w", k.Identifier, err)
		}
		if err := migrateLegacyKernel(r.bootDir, r.backend, k); err != nil {
			bm.logf("warning: %v", err)
		}
	}

	if err := r.backend.SetDefaultKernel(defaultCandidate); err != nil {
		return fmt.Errorf("orchestrator: setting default kernel: %w", err)
	}

	for _, k := range toRemove {
		if err := uninstallKernel(r.bootDir, r.backend, k); err != nil {
			bm.logf("warning: garbage-collecting %s: %v; stopping GC, previously-installed kernels remain intact", k.Identifier, err)
			break
		}
	}

	if err := pruneFreestandingInitrds(bm.Prefix, r.bootDir, r.backend); err != nil {
		bm.logf("warning: %v", err)
	}

	return nil
}

// mountBootDir mounts the boot directory per spec §4.8, except the
// "legacy-only and absent" no-op case: when the resolved mask is legacy
// and no legacy boot device was found, the step succeeds without mounting
// anything (e.g. a system with no dedicated boot partition at all, relying
// purely on partitionless-boot backend support already handled downstream).
func (r *updateRun) mountBootDir(ctx context.Context) (mountcoord.Result, error) {
	bm := r.bm
	isUEFI := r.cfg.WantedBootMask.Has(bootcap.UEFI)
	if !isUEFI && r.cfg.BootDevice == "" {
		return mountcoord.AlreadyMounted, nil
	}

	var fstype string
	if bm.ProbeFS != nil && r.cfg.BootDevice != "" {
		if ft, err := bm.ProbeFS(r.cfg.BootDevice); err == nil {
			fstype = ft
		}
	}

	reinit := func(mountedAt string) error {
		r.bootDir = mountedAt
		return nil
	}

	caps := r.backend.Capabilities(bm.Prefix)
	result, err := mountcoord.Mount(ctx, bm.runner(), bm.mountTable(), r.bootDir, r.cfg.BootDevice, fstype, caps, isUEFI, reinit)
	if err != nil {
		return mountcoord.Error, fmt.Errorf("orchestrator: mounting boot directory: %w", err)
	}
	return result, nil
}

// systemKernel parses the running kernel's release string, preferring
// BootManager.UnameRelease (test override) over /proc/sys/kernel/osrelease.
func (r *updateRun) systemKernel() (kernel.SystemKernel, bool) {
	release := r.bm.UnameRelease
	if release == "" {
		rel, ok := runningRelease()
		if !ok {
			return kernel.SystemKernel{}, false
		}
		release = rel
	}
	sys, err := kernel.ParseSystemKernel(release)
	if err != nil {
		return kernel.SystemKernel{}, false
	}
	return sys, true
}

// identifyRunningKernel matches the parsed system kernel against the
// discovered set: a full type+version+release match first, then a
// type+release fallback (spec §4.7 native mode step 3).
func (r *updateRun) identifyRunningKernel(sys kernel.SystemKernel, sysOK bool) (kernel.Kernel, bool) {
	if !sysOK {
		return kernel.Kernel{}, false
	}
	for _, k := range r.kernels {
		if k.MatchesFull(sys) {
			return k, true
		}
	}
	for _, k := range r.kernels {
		if k.MatchesFallback(sys) {
			return k, true
		}
	}
	return kernel.Kernel{}, false
}

// TipOf resolves the tip of a type group: the kernel named by the
// default-<type> symlink if present, else the highest-release kernel
// (group is already sorted descending by kernel.GroupByType). Exported so
// the CLI's list-kernels can reuse the exact same tip selection the
// orchestrator applies.
func TipOf(prefix, ktype string, group []kernel.Kernel) kernel.Kernel {
	if target, ok := kernel.DefaultSymlinkTarget(prefix, ktype); ok {
		for _, k := range group {
			if k.Basename == target {
				return k
			}
		}
	}
	return group[0]
}

// LastGoodOf returns the highest-release kernel in group, other than tip,
// with Boots true; nil if none qualifies.
func LastGoodOf(group []kernel.Kernel, tip kernel.Kernel) *kernel.Kernel {
	for _, k := range group {
		if kernelIdentifierEqual(k, tip) {
			continue
		}
		if k.Boots {
			kk := k
			return &kk
		}
	}
	return nil
}
