package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bketelsen/cbm/internal/bootcap"
	"github.com/bketelsen/cbm/internal/bootloader"
	"github.com/bketelsen/cbm/internal/deviceprobe"
	"github.com/bketelsen/cbm/internal/kernel"
	"github.com/bketelsen/cbm/internal/osrelease"
	"github.com/bketelsen/cbm/internal/sysconfig"
	"github.com/bketelsen/cbm/internal/sysexec"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeKernelFixture writes a minimal on-disk kernel (blob + cmdline
// side-car, plus a boot marker if boots is true), matching the layout
// internal/kernel.Discover expects.
func writeKernelFixture(t *testing.T, prefix, ns, ktype, version string, release int, boots bool) {
	t.Helper()
	tvr := fmt.Sprintf("%s-%d.%s", version, release, ktype)
	base := fmt.Sprintf("%s.%s.%s-%d", ns, ktype, version, release)
	kdir := filepath.Join(prefix, "usr/lib/kernel")
	writeFile(t, filepath.Join(kdir, base), "kernel-bytes-"+base)
	writeFile(t, filepath.Join(kdir, "cmdline-"+tvr), "quiet\n")
	if boots {
		writeFile(t, filepath.Join(prefix, "var/lib/kernel", "k_booted_"+tvr), "")
	}
}

// writeSystemdBootStub writes a stub EFI blob under the source path
// NewSystemdBoot() reads from, for both possible architecture suffixes
// (the test may run on amd64 or 386), so Install() has something to copy.
func writeSystemdBootStub(t *testing.T, prefix string) {
	t.Helper()
	dir := filepath.Join(prefix, "usr/lib/systemd/boot/efi")
	writeFile(t, filepath.Join(dir, "systemd-bootx64.efi"), "stub-efi-binary")
	writeFile(t, filepath.Join(dir, "systemd-bootia32.efi"), "stub-efi-binary")
}

func testCfg(prefix string) sysconfig.Config {
	return sysconfig.Config{
		Prefix:         prefix,
		RootDevice:     deviceprobe.Probe{UUID: "root-uuid"},
		BootDevice:     "/dev/sda1",
		WantedBootMask: bootcap.UEFI | bootcap.GPT,
	}
}

type fakeMountTable struct{ mountedDirs map[string]bool }

func (f *fakeMountTable) IsMountpoint(dir string) (bool, error) { return f.mountedDirs[dir], nil }
func (f *fakeMountTable) DeviceMountedAt(string) (string, bool, error) {
	return "", false, nil
}

func TestImageModeFreshInstallTwoTypes(t *testing.T) {
	prefix := t.TempDir()
	ns := "org.cbm"
	specs := []struct {
		ktype   string
		version string
		release int
	}{
		{"native", "4.6.0", 180},
		{"native", "4.4.4", 160},
		{"native", "4.4.0", 140},
		{"kvm", "4.6.0", 180},
		{"kvm", "4.4.4", 160},
		{"kvm", "4.2.2", 140},
	}
	for _, s := range specs {
		writeKernelFixture(t, prefix, ns, s.ktype, s.version, s.release, false)
	}
	writeSystemdBootStub(t, prefix)

	kernels, err := kernel.Discover(prefix, ns, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(kernels) != 6 {
		t.Fatalf("got %d kernels, want 6", len(kernels))
	}
	kernel.SortDescending(kernels)

	bootDir := filepath.Join(prefix, "boot")
	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		t.Fatal(err)
	}

	run := &updateRun{
		bm:      &BootManager{Prefix: prefix, Namespace: ns, Runner: sysexec.NewFake(), ImageMode: true},
		cfg:     testCfg(prefix),
		backend: bootloader.NewSystemdBoot(),
		osInfo:  osrelease.Info{PrettyName: "Test Linux", ID: "test-linux"},
		kernels: kernels,
		bootDir: bootDir,
	}

	if err := run.imageMode(context.Background()); err != nil {
		t.Fatal(err)
	}

	kernelDir := filepath.Join(bootDir, "EFI", ns)
	entriesDir := filepath.Join(bootDir, "loader", "entries")
	for _, s := range specs {
		base := fmt.Sprintf("%s.%s.%s-%d", ns, s.ktype, s.version, s.release)
		if _, err := os.Stat(filepath.Join(kernelDir, "kernel-"+base)); err != nil {
			t.Errorf("expected kernel %s installed: %v", base, err)
		}
		entry := fmt.Sprintf("%s-%s-%s-%d.conf", ns, s.ktype, s.version, s.release)
		if _, err := os.Stat(filepath.Join(entriesDir, entry)); err != nil {
			t.Errorf("expected loader entry %s: %v", entry, err)
		}
	}

	conf, err := os.ReadFile(filepath.Join(bootDir, "loader", "loader.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(conf), "-180.conf") {
		t.Errorf("expected default entry naming a -180 release, got %q", conf)
	}
}

func TestNativeModeRetentionPreservesRunningAndLastGood(t *testing.T) {
	prefix := t.TempDir()
	ns := "org.cbm"
	writeKernelFixture(t, prefix, ns, "native", "4.6.0", 180, false)
	writeKernelFixture(t, prefix, ns, "native", "4.4.4", 160, false)
	writeKernelFixture(t, prefix, ns, "native", "4.2.2", 140, true)
	writeSystemdBootStub(t, prefix)

	kernels, err := kernel.Discover(prefix, ns, "")
	if err != nil {
		t.Fatal(err)
	}
	kernel.SortDescending(kernels)

	bootDir := filepath.Join(prefix, "boot")
	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		t.Fatal(err)
	}

	run := &updateRun{
		bm: &BootManager{
			Prefix:       prefix,
			Namespace:    ns,
			Runner:       sysexec.NewFake(),
			MountTable:   &fakeMountTable{mountedDirs: map[string]bool{bootDir: true}},
			UnameRelease: "4.4.4-160.native",
		},
		cfg:     testCfg(prefix),
		backend: bootloader.NewSystemdBoot(),
		osInfo:  osrelease.Info{PrettyName: "Test Linux", ID: "test-linux"},
		kernels: kernels,
		bootDir: bootDir,
	}

	if err := run.nativeMode(context.Background()); err != nil {
		t.Fatal(err)
	}

	kernelDir := filepath.Join(bootDir, "EFI", ns)
	for _, rel := range []string{"4.6.0-180", "4.4.4-160", "4.2.2-140"} {
		base := fmt.Sprintf("%s.native.%s", ns, rel)
		if _, err := os.Stat(filepath.Join(kernelDir, "kernel-"+base)); err != nil {
			t.Errorf("expected %s installed: %v", rel, err)
		}
	}

	conf, err := os.ReadFile(filepath.Join(bootDir, "loader", "loader.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(conf), "native-4.6.0-180.conf") {
		t.Errorf("expected default entry for tip kernel, got %q", conf)
	}
}

func TestNativeModeUnknownRunningKernelInstallsSingleCandidate(t *testing.T) {
	prefix := t.TempDir()
	ns := "org.cbm"
	writeKernelFixture(t, prefix, ns, "native", "4.2.1", 121, false)
	writeSystemdBootStub(t, prefix)

	kernels, err := kernel.Discover(prefix, ns, "")
	if err != nil {
		t.Fatal(err)
	}
	kernel.SortDescending(kernels)

	bootDir := filepath.Join(prefix, "boot")
	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		t.Fatal(err)
	}

	run := &updateRun{
		bm: &BootManager{
			Prefix:       prefix,
			Namespace:    ns,
			Runner:       sysexec.NewFake(),
			MountTable:   &fakeMountTable{mountedDirs: map[string]bool{bootDir: true}},
			UnameRelease: "unknown-uname",
		},
		cfg:     testCfg(prefix),
		backend: bootloader.NewSystemdBoot(),
		osInfo:  osrelease.Info{PrettyName: "Test Linux", ID: "test-linux"},
		kernels: kernels,
		bootDir: bootDir,
	}

	if err := run.nativeMode(context.Background()); err != nil {
		t.Fatal(err)
	}

	kernelDir := filepath.Join(bootDir, "EFI", ns)
	if _, err := os.Stat(filepath.Join(kernelDir, "kernel-org.cbm.native.4.2.1-121")); err != nil {
		t.Fatalf("expected the sole kernel installed: %v", err)
	}
	conf, err := os.ReadFile(filepath.Join(bootDir, "loader", "loader.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(conf), "native-4.2.1-121.conf") {
		t.Errorf("expected it set as default, got %q", conf)
	}
}

func TestTipOfFallsBackToHighestRelease(t *testing.T) {
	prefix := t.TempDir()
	group := []kernel.Kernel{
		{Identifier: kernel.Identifier{Type: "native", Version: "4.6.0", Release: 180}, Basename: "a"},
		{Identifier: kernel.Identifier{Type: "native", Version: "4.4.0", Release: 140}, Basename: "b"},
	}
	got := TipOf(prefix, "native", group)
	if got.Identifier.Release != 180 {
		t.Fatalf("got release %d, want 180", got.Identifier.Release)
	}
}

func TestTipOfHonoursDefaultSymlink(t *testing.T) {
	prefix := t.TempDir()
	group := []kernel.Kernel{
		{Identifier: kernel.Identifier{Type: "native", Version: "4.6.0", Release: 180}, Basename: "org.cbm.native.4.6.0-180"},
		{Identifier: kernel.Identifier{Type: "native", Version: "4.4.0", Release: 140}, Basename: "org.cbm.native.4.4.0-140"},
	}
	link := filepath.Join(prefix, "usr/lib/kernel", "default-native")
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("org.cbm.native.4.4.0-140", link); err != nil {
		t.Fatal(err)
	}
	got := TipOf(prefix, "native", group)
	if got.Identifier.Release != 140 {
		t.Fatalf("got release %d, want the symlinked 140", got.Identifier.Release)
	}
}

func TestLastGoodOfSkipsTipAndNonBooting(t *testing.T) {
	tip := kernel.Kernel{Identifier: kernel.Identifier{Release: 180}}
	group := []kernel.Kernel{
		tip,
		{Identifier: kernel.Identifier{Release: 160}, Boots: false},
		{Identifier: kernel.Identifier{Release: 140}, Boots: true},
	}
	got := LastGoodOf(group, tip)
	if got == nil || got.Identifier.Release != 140 {
		t.Fatalf("got %v, want release 140", got)
	}
}

func TestUninstallKernelRemovesEverything(t *testing.T) {
	prefix := t.TempDir()
	ns := "org.cbm"
	writeKernelFixture(t, prefix, ns, "native", "4.2.1", 121, true)

	kernels, err := kernel.Discover(prefix, ns, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(kernels) != 1 {
		t.Fatalf("got %d kernels", len(kernels))
	}
	k := kernels[0]

	bootDir := filepath.Join(prefix, "boot")
	ctx := context.Background()
	backend := bootloader.NewSystemdBoot()
	bctx := (&updateRun{
		bm:      &BootManager{Prefix: prefix, Namespace: ns, Runner: sysexec.NewFake()},
		cfg:     testCfg(prefix),
		osInfo:  osrelease.Info{PrettyName: "Test Linux", ID: "test-linux"},
		bootDir: bootDir,
	}).backendContext(ctx, bootDir)
	if err := backend.Init(bctx); err != nil {
		t.Fatal(err)
	}
	if err := backend.InstallKernel(k, nil); err != nil {
		t.Fatal(err)
	}

	if err := uninstallKernel(bootDir, backend, k); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{
		k.Source.Blob,
		k.Source.Cmdline,
		k.Source.KbootMarker,
		filepath.Join(bootDir, "EFI", ns, k.Target.Current),
	} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("expected %s removed, stat err = %v", p, err)
		}
	}
}
