package orchestrator

import (
	"context"
	"fmt"
)

// installOrUpdateBootloader installs the bootloader binary/script if
// needs_install fires, else updates it if needs_update fires (spec §4.6
// "needs_install"/"needs_update" contract shared by every backend).
func (r *updateRun) installOrUpdateBootloader() error {
	backend := r.backend
	if backend.NeedsInstall() {
		if err := backend.Install(); err != nil {
			return fmt.Errorf("orchestrator: installing bootloader %s: %w (system left degraded)", backend.Name(), err)
		}
		return nil
	}
	if backend.NeedsUpdate() {
		if err := backend.Update(); err != nil {
			return fmt.Errorf("orchestrator: updating bootloader %s: %w (previous install retained)", backend.Name(), err)
		}
	}
	return nil
}

// imageMode implements spec §4.7's image-mode algorithm. An image build has
// no "running kernel" to reconcile against, so every discovered kernel is
// installed unconditionally and the highest-release one wins as default.
func (r *updateRun) imageMode(ctx context.Context) error {
	bctx := r.backendContext(ctx, r.bootDir)
	if err := r.backend.Init(bctx); err != nil {
		return fmt.Errorf("orchestrator: initialising backend %s: %w", r.backend.Name(), err)
	}

	if err := r.installOrUpdateBootloader(); err != nil {
		return err
	}

	freestanding, err := copyFreestandingInitrds(r.bm.Prefix, r.bootDir, r.backend)
	if err != nil {
		return err
	}

	for _, k := range r.kernels {
		if err := r.backend.InstallKernel(k, freestanding); err != nil {
			return fmt.Errorf("orchestrator: installing kernel %s: %w", k.Identifier, err)
		}
		if err := migrateLegacyKernel(r.bootDir, r.backend, k); err != nil {
			r.bm.logf("warning: %v", err)
		}
	}

	def := r.kernels[0]
	if err := r.backend.SetDefaultKernel(&def); err != nil {
		return fmt.Errorf("orchestrator: setting default kernel: %w", err)
	}
	return nil
}
