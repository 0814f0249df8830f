// syslinux and extlinux backends: legacy BIOS loaders installed onto a
// boot partition's MBR/VBR rather than an EFI System Partition. The two
// share nearly all their logic (syslinux-common.c), differing only in the
// install binary invoked and the filesystem capability each claims, so
// cbm implements them as one parameterised type exactly as esp.go does
// for the ESP-class family. Grounded on the original's
// src/bootloaders/syslinux-common.c (shared logic), syslinux.c and
// extlinux.c (the two thin variant registrations).
package bootloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bketelsen/cbm/internal/blobio"
	"github.com/bketelsen/cbm/internal/bootcap"
	"github.com/bketelsen/cbm/internal/deviceprobe"
	"github.com/bketelsen/cbm/internal/kernel"
)

// mbrBinLen is the fixed payload size the original writes from its linked-in
// syslinux mbr.bin/gptmbr.bin blobs (src/bootloaders/mbr.h: MBR_BIN_LEN).
const mbrBinLen = 440

type syslinuxFamily struct {
	variant    string // "syslinux" or "extlinux"
	probeCmd   string // relative path under prefix used for the capability probe
	capability bootcap.Mask

	ctx Context

	configPath  string // <boot>/syslinux.cfg or <boot>/extlinux.conf
	device      string // legacy boot device node
	parentDisk  string
	partNum     int
	installArgs []string // argv for the install-binary invocation

	queue        []kernel.Kernel
	freestanding []string
}

// NewSyslinux returns the syslinux backend: MBR install via
// syslinux-nomtools, FAT-formatted boot partition.
func NewSyslinux() Backend {
	return &syslinuxFamily{
		variant:    "syslinux",
		probeCmd:   "usr/bin/syslinux",
		capability: bootcap.GPT | bootcap.Legacy | bootcap.FatFS,
	}
}

// NewExtlinux returns the extlinux backend: MBR install via extlinux -i,
// ext-formatted boot partition.
func NewExtlinux() Backend {
	return &syslinuxFamily{
		variant:    "extlinux",
		probeCmd:   "usr/bin/extlinux",
		capability: bootcap.GPT | bootcap.Legacy | bootcap.ExtFS,
	}
}

func (b *syslinuxFamily) Name() string { return b.variant }

func (b *syslinuxFamily) Capabilities(prefix string) bootcap.Mask {
	if !fileExecutable(filepath.Join(prefix, b.probeCmd)) {
		return 0
	}
	return b.capability
}

func (b *syslinuxFamily) configName() string {
	if b.variant == "extlinux" {
		return "extlinux.conf"
	}
	return "syslinux.cfg"
}

func (b *syslinuxFamily) Init(ctx Context) error {
	b.ctx = ctx
	b.queue = nil
	b.configPath = filepath.Join(ctx.BootDir, b.configName())

	device := ctx.LegacyBootDevice
	if device == "" {
		return fmt.Errorf("bootloader: %s: no boot partition found; mark it with the legacy_boot GPT attribute", b.variant)
	}
	b.device = device
	b.parentDisk = deviceprobe.ParentDisk(device)
	b.partNum = deviceprobe.PartitionNumber(device)

	switch b.variant {
	case "extlinux":
		b.installArgs = []string{"-i", ctx.BootDir, "--device", device}
	default:
		b.installArgs = []string{"-i", device}
	}
	return nil
}

func (b *syslinuxFamily) KernelDestination() string { return "" }

// InstallKernel only queues the kernel; the config file is materialised in
// one pass by SetDefaultKernel, matching syslinux_install_kernel's
// "actually creates the whole conf by iterating through the queued
// kernels" comment. freestanding is the same orchestrator-wide list on
// every call, so it's simply remembered for that later pass.
func (b *syslinuxFamily) InstallKernel(k kernel.Kernel, freestanding []string) error {
	b.freestanding = freestanding
	for _, queued := range b.queue {
		if queued.Source.Blob == k.Source.Blob {
			return nil
		}
	}
	if err := blobio.CopyAtomic(k.Source.Blob, filepath.Join(b.ctx.BootDir, k.Target.Legacy), 0o644); err != nil {
		return err
	}
	if src := k.InitrdSource(); src != "" {
		if err := blobio.CopyAtomic(src, filepath.Join(b.ctx.BootDir, k.Target.Initrd), 0o644); err != nil {
			return err
		}
	}
	b.queue = append(b.queue, k)
	return nil
}

// RemoveKernel is a no-op: the config only ever contains the queue's
// current contents, so a kernel simply absent from the next
// SetDefaultKernel call is already "removed".
func (b *syslinuxFamily) RemoveKernel(kernel.Kernel) error { return nil }

func (b *syslinuxFamily) SetDefaultKernel(def *kernel.Kernel) error {
	var sb strings.Builder
	if def == nil {
		sb.WriteString("TIMEOUT 100\n")
	}
	for _, k := range b.queue {
		if def != nil && k.Source.Blob == def.Source.Blob {
			fmt.Fprintf(&sb, "DEFAULT %s\n", k.Target.Legacy)
		}
		fmt.Fprintf(&sb, "LABEL %s\n", k.Target.Legacy)
		fmt.Fprintf(&sb, "  KERNEL %s\n", k.Target.Legacy)

		var initrds []string
		if k.InitrdSource() != "" {
			initrds = append(initrds, k.Target.Initrd)
		}
		initrds = append(initrds, b.freestanding...)
		if len(initrds) > 0 {
			fmt.Fprintf(&sb, "  INITRD %s\n", strings.Join(initrds, ","))
		}

		sb.WriteString("APPEND ")
		sb.WriteString(RootArg(b.ctx.RootDevice))
		fmt.Fprintf(&sb, "%s\n", k.Cmdline)
	}
	return writeIfChanged(b.configPath, sb.String())
}

// DefaultKernel never round-trips: the config format has no marker cbm can
// recover a kernel.Identifier from without re-parsing LABEL lines against
// every known kernel, which the original doesn't attempt either.
func (b *syslinuxFamily) DefaultKernel() (kernel.Identifier, bool) { return kernel.Identifier{}, false }

// NeedsInstall and NeedsUpdate always fire: syslinux/extlinux -i is
// idempotent and partuuid-stable, so re-running it on every update is
// cheaper than tracking install state, matching the original's
// unconditional true.
func (b *syslinuxFamily) NeedsInstall() bool { return true }
func (b *syslinuxFamily) NeedsUpdate() bool  { return true }

func (b *syslinuxFamily) Install() error {
	mbr, err := mbrPayload(b.ctx.Prefix, b.ctx.RootDevice.GPT)
	if err != nil {
		return fmt.Errorf("bootloader: %s: %w", b.variant, err)
	}
	if err := writeMBR(b.parentDisk, mbr); err != nil {
		return fmt.Errorf("bootloader: %s: write mbr: %w", b.variant, err)
	}
	blobio.Fsync()

	installBin := filepath.Join(b.ctx.Prefix, b.probeCmd)
	if b.variant == "syslinux" {
		installBin = filepath.Join(b.ctx.Prefix, "usr/bin/syslinux-nomtools")
	}
	if _, err := b.ctx.Runner.Run(b.ctx.Ctx, installBin, b.installArgs...); err != nil {
		return fmt.Errorf("bootloader: %s: install: %w", b.variant, err)
	}

	sgdisk := filepath.Join(b.ctx.Prefix, "usr/bin/sgdisk")
	attr := fmt.Sprintf("--attributes=%d:set:2", b.partNum)
	if _, err := b.ctx.Runner.Run(b.ctx.Ctx, sgdisk, b.parentDisk, attr); err != nil {
		return fmt.Errorf("bootloader: %s: sgdisk: %w", b.variant, err)
	}
	blobio.Fsync()
	return nil
}

func (b *syslinuxFamily) Update() error { return b.Install() }

// Remove is a no-op upstream too ("Maybe should return false? Unsure").
func (b *syslinuxFamily) Remove() error { return nil }

// mbrSource names where cbm reads the 440-byte MBR bootstrap payload from:
// the original links syslinux's prebuilt mbr.bin/gptmbr.bin in as object
// code (mbr.h declares them `extern`, generated from the syslinux project's
// own binaries at build time). cbm has no build step to regenerate that,
// so it reads the same bytes from syslinux's own installed copies instead
// of vendoring a binary blob.
func mbrSource(prefix string, gpt bool) string {
	name := "mbr.bin"
	if gpt {
		name = "gptmbr.bin"
	}
	return filepath.Join(prefix, "usr/share/syslinux", name)
}

func mbrPayload(prefix string, gpt bool) ([]byte, error) {
	path := mbrSource(prefix, gpt)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) < mbrBinLen {
		return nil, fmt.Errorf("%s: payload shorter than %d bytes", path, mbrBinLen)
	}
	return data[:mbrBinLen], nil
}

func writeMBR(device string, payload []byte) error {
	f, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := f.Write(payload)
	if err != nil {
		return err
	}
	if n != mbrBinLen {
		return fmt.Errorf("wrote %d bytes, expected %d", n, mbrBinLen)
	}
	return nil
}

func fileExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&0o111 != 0
}
