// grub2 backend: cbm never owns the grub2 binary itself, only generates the
// per-kernel boot script and invokes grub-mkconfig to fold it into
// grub.cfg. This is the fallback-of-last-resort backend when nothing else
// claims the mask. Grounded on the original's src/bootloaders/grub2.c.
package bootloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bketelsen/cbm/internal/blobio"
	"github.com/bketelsen/cbm/internal/bootcap"
	"github.com/bketelsen/cbm/internal/kernel"
)

const grub2LinuxCache = `	if [[ "${dirname}" = "/" ]]; then
		prep_root="$(prepare_grub_to_access_device ${GRUB_DEVICE})"
		printf '\t%s\n' "${prep_root}"
	else
		prep_root="$(prepare_grub_to_access_device ${GRUB_DEVICE_BOOT})"
		printf '\t%s\n' "${prep_root}"
	fi
`

type grub2Backend struct {
	ctx          Context
	queue        []kernel.Kernel
	freestanding []string
}

// NewGrub2 returns the grub2 script-generation backend.
func NewGrub2() Backend { return &grub2Backend{} }

func (b *grub2Backend) Name() string { return "grub2" }

func (b *grub2Backend) Capabilities(prefix string) bootcap.Mask {
	if !fileExecutable(filepath.Join(prefix, "usr/sbin/grub-mkconfig")) {
		return 0
	}
	// The last-resort fallback: no UEFI, no FAT assumption, whatever's left.
	return bootcap.Legacy | bootcap.ExtFS
}

func (b *grub2Backend) Init(ctx Context) error {
	b.ctx = ctx
	b.queue = nil
	return nil
}

// KernelDestination is empty: grub2 never manages a dedicated kernel
// directory, it references wherever the orchestrator already placed the
// kernel under /boot.
func (b *grub2Backend) KernelDestination() string { return "" }

func (b *grub2Backend) InstallKernel(k kernel.Kernel, freestanding []string) error {
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

// RemoveKernel deletes the pre-consolidation per-kernel script file this
// kernel would have had under older cbm versions; a pure migration step,
// not fatal if the file was never there.
func (b *grub2Backend) RemoveKernel(k kernel.Kernel) error {
	path := b.legacyEntryPath(k)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bootloader: grub2: remove legacy entry %s: %w", path, err)
	}
	return nil
}

func (b *grub2Backend) legacyEntryPath(k kernel.Kernel) string {
	return filepath.Join(b.ctx.Prefix, "etc/grub.d",
		fmt.Sprintf("10_%s_%s-%d.%s", b.ctx.OSID, k.Identifier.Version, k.Identifier.Release, k.Identifier.Type))
}

func (b *grub2Backend) scriptPath() string {
	return filepath.Join(b.ctx.Prefix, "etc/grub.d", "10_"+b.ctx.Namespace)
}

// bootRelative is BootDir expressed relative to Prefix (e.g. "boot"),
// matching the original's grub2_get_boot_relative's "/boot" -> "boot" for
// the hardcoded single-level case, generalized to whatever depth BootDir
// actually sits at under Prefix.
func (b *grub2Backend) bootRelative() string {
	rel, err := filepath.Rel(b.ctx.Prefix, b.ctx.BootDir)
	if err != nil {
		return "boot"
	}
	return rel
}

// writeEntry appends one menuentry block for k to sb, using tab as the
// indentation prefix (two tabs inside a submenu, one otherwise).
func (b *grub2Backend) writeEntry(sb *strings.Builder, k kernel.Kernel, submenu bool) {
	tab := "\t"
	rootTab := ""
	if submenu {
		tab = "\t\t"
		rootTab = "\t"
	}

	fmt.Fprintf(sb, "echo \"%smenuentry '%s (%s-%d.%s)' --class %s --class gnu-linux --class gnu --class os",
		rootTab, b.ctx.OSName, k.Identifier.Version, k.Identifier.Release, k.Identifier.Type, b.ctx.OSID)
	fmt.Fprintf(sb, " \\$menuentry_id_option '%s-%s-%d.%s' {\"\n",
		b.ctx.OSID, k.Identifier.Version, k.Identifier.Release, k.Identifier.Type)

	fmt.Fprintf(sb, "%sif [ \"x$GRUB_GFXPAYLOAD_LINUX\" = x ]; then\n", tab)
	fmt.Fprintf(sb, "%s\techo \"\tload_video\"\n", tab)
	fmt.Fprintf(sb, "%sfi\n", tab)
	fmt.Fprintf(sb, "echo \"%sinsmod gzio\"\n", tab)
	sb.WriteString(grub2LinuxCache)

	fmt.Fprintf(sb, "echo \"%secho 'Loading %s %s ...'\"\n", tab, b.ctx.OSName, k.Identifier.Version)

	isSeparate := b.ctx.SeparateBootPartition
	if isSeparate {
		fmt.Fprintf(sb, "echo \"%slinux /%s root=UUID=%s ", tab, k.Target.Legacy, b.ctx.RootDevice.UUID)
	} else {
		fmt.Fprintf(sb, "echo \"%slinux %s/%s root=UUID=%s ", tab, b.bootRelative(), k.Target.Legacy, b.ctx.RootDevice.UUID)
	}
	if b.ctx.RootDevice.LUKSUUID != "" {
		fmt.Fprintf(sb, "rd.luks.uuid=%s ", b.ctx.RootDevice.LUKSUUID)
	}
	if b.ctx.RootDevice.BtrfsSubvol != "" {
		fmt.Fprintf(sb, "rootflags=subvol=%s ", b.ctx.RootDevice.BtrfsSubvol)
	}
	fmt.Fprintf(sb, "%s\"\n", k.Cmdline)

	prefix := b.bootRelative() + "/"
	if isSeparate {
		prefix = ""
	}
	var initrds []string
	if k.InitrdSource() != "" {
		initrds = append(initrds, prefix+k.Target.Initrd)
	}
	for _, fs := range b.freestanding {
		initrds = append(initrds, prefix+fs)
	}
	if len(initrds) > 0 {
		fmt.Fprintf(sb, "echo \"%secho 'Loading initial ramdisk'\"\n", tab)
		fmt.Fprintf(sb, "echo \"%sinitrd %s\"\n", tab, strings.Join(initrds, " "))
	}

	fmt.Fprintf(sb, "echo \"%s}\"\n\n", rootTab)
}

// writeConfig builds the consolidated 10_<namespace> script covering every
// queued kernel, with def (if any) first and every other kernel nested
// inside one alternative-boot-entries submenu.
func (b *grub2Backend) writeConfig(def *kernel.Kernel) error {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\nset -e\n")
	sb.WriteString(". \"/usr/share/grub/grub-mkconfig_lib\"\n")

	// First-ever-run convenience: with no explicit default but exactly one
	// queued kernel, treat it as default so a /vmlinuz link still appears.
	if def == nil && len(b.queue) == 1 {
		def = &b.queue[0]
	}

	submenu := false
	if def != nil {
		if err := b.RemoveKernel(*def); err != nil {
			return err
		}
		b.writeEntry(&sb, *def, false)
		submenu = len(b.queue) > 1
	}

	wroteSubmenu := false
	for _, k := range b.queue {
		if def != nil && k.Source.Blob == def.Source.Blob {
			continue
		}
		if submenu && !wroteSubmenu {
			fmt.Fprintf(&sb, "echo \"submenu '%s (alternative boot entries)'", b.ctx.OSName)
			fmt.Fprintf(&sb, " \\$menuentry_id_option '%s-cbm-submenu' {\"\n", b.ctx.Namespace)
			wroteSubmenu = true
		}
		if err := b.RemoveKernel(k); err != nil {
			return err
		}
		b.writeEntry(&sb, k, submenu)
	}
	if wroteSubmenu {
		sb.WriteString("echo \"}\"\n\n")
	}

	grubDir := filepath.Join(b.ctx.Prefix, "etc/grub.d")
	if err := os.MkdirAll(grubDir, 0o755); err != nil {
		return fmt.Errorf("bootloader: grub2: mkdir %s: %w", grubDir, err)
	}

	path := b.scriptPath()
	if old, err := os.ReadFile(path); err == nil && string(old) == sb.String() {
		return nil
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o755); err != nil {
		return fmt.Errorf("bootloader: grub2: write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("bootloader: grub2: chmod %s: %w", path, err)
	}
	blobio.Fsync()
	return nil
}

func (b *grub2Backend) SetDefaultKernel(def *kernel.Kernel) error {
	vmlinuz := filepath.Join(b.ctx.Prefix, "vmlinuz")
	initrdImg := filepath.Join(b.ctx.Prefix, "initrd.img")

	// Nuke these first to stop grub-mkconfig detecting duplicate entries.
	if err := os.Remove(vmlinuz); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bootloader: grub2: remove %s: %w", vmlinuz, err)
	}
	if err := os.Remove(initrdImg); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bootloader: grub2: remove %s: %w", initrdImg, err)
	}

	grubDir := filepath.Join(b.ctx.BootDir, "grub")
	if err := os.MkdirAll(grubDir, 0o755); err != nil {
		return fmt.Errorf("bootloader: grub2: mkdir %s: %w", grubDir, err)
	}

	if err := b.writeConfig(def); err != nil {
		return err
	}

	mkconfig := filepath.Join(b.ctx.Prefix, "usr/sbin/grub-mkconfig")
	cfgOut := filepath.Join(b.ctx.BootDir, "grub/grub.cfg")
	if _, err := b.ctx.Runner.Run(b.ctx.Ctx, mkconfig, "-o", cfgOut); err != nil {
		return fmt.Errorf("bootloader: grub2: grub-mkconfig: %w", err)
	}

	if def == nil {
		return nil
	}

	bootRel := b.bootRelative()
	vmlinuzRel := filepath.Join(bootRel, def.Target.Legacy)
	if err := os.Symlink(vmlinuzRel, vmlinuz); err != nil {
		return fmt.Errorf("bootloader: grub2: symlink %s: %w", vmlinuz, err)
	}
	if def.InitrdSource() == "" {
		return nil
	}
	initrdRel := filepath.Join(bootRel, def.Target.Initrd)
	if err := os.Symlink(initrdRel, initrdImg); err != nil {
		return fmt.Errorf("bootloader: grub2: symlink %s: %w", initrdImg, err)
	}
	return nil
}

// DefaultKernel never round-trips: grub.cfg is grub-mkconfig's own
// generated output, not something cbm parses back.
func (b *grub2Backend) DefaultKernel() (kernel.Identifier, bool) { return kernel.Identifier{}, false }

// NeedsInstall/NeedsUpdate are always false, and Install/Update/Remove are
// no-ops: cbm never manages the grub2 binary, only the script it feeds to
// grub-mkconfig.
func (b *grub2Backend) NeedsInstall() bool { return false }
func (b *grub2Backend) NeedsUpdate() bool  { return false }
func (b *grub2Backend) Install() error     { return nil }
func (b *grub2Backend) Update() error      { return nil }
func (b *grub2Backend) Remove() error      { return nil }
