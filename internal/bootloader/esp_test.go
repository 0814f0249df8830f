package bootloader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bketelsen/cbm/internal/deviceprobe"
	"github.com/bketelsen/cbm/internal/kernel"
)

func writeFixture(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testContext(t *testing.T, root string) Context {
	t.Helper()
	bootDir := filepath.Join(root, "boot")
	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return Context{
		Ctx:          context.Background(),
		Prefix:       root,
		BootDir:      bootDir,
		Namespace:    "org.cbm",
		VendorPrefix: "Clear-linux",
		OSName:       "Clear Linux",
		OSID:         "clear-linux-os",
		RootDevice:   deviceprobe.Probe{UUID: "root-uuid"},
		Timeout:      5,
	}
}

func testKernel(t *testing.T) kernel.Kernel {
	t.Helper()
	id := kernel.Identifier{Namespace: "org.cbm", Type: "native", Version: "4.9.1", Release: 12}
	basename := "org.cbm.native.4.9.1-12"
	target := kernel.NewTargetPaths(id, basename)
	return kernel.Kernel{
		Identifier: id,
		Basename:   basename,
		Cmdline:    "quiet splash",
		Boots:      true,
		Source: kernel.SourcePaths{
			Blob:         mustWriteBlob(t, "kernel-blob"),
			SystemInitrd: mustWriteBlob(t, "initrd-blob"),
		},
		Target: target,
	}
}

func mustWriteBlob(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "blob-*")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func TestESPInstallKernelWritesLoaderEntry(t *testing.T) {
	root := t.TempDir()
	ctx := testContext(t, root)
	writeFixture(t, filepath.Join(root, "usr/lib/systemd/boot/efi/systemd-boot"+efiArch+".efi"), "stub")

	b := NewSystemdBoot()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	k := testKernel(t)
	if err := b.InstallKernel(k, nil); err != nil {
		t.Fatal(err)
	}

	entryPath := filepath.Join(root, "boot/loader/entries", entryConfName(ctx.VendorPrefix, k.Identifier))
	data, err := os.ReadFile(entryPath)
	if err != nil {
		t.Fatal(err)
	}
	entry := string(data)
	for _, want := range []string{
		"title Clear Linux\n",
		"linux /EFI/org.cbm/" + k.Target.Current + "\n",
		"initrd /EFI/org.cbm/" + k.Target.Initrd + "\n",
		"options root=UUID=root-uuid quiet splash\n",
	} {
		if !strings.Contains(entry, want) {
			t.Fatalf("entry missing %q, got:\n%s", want, entry)
		}
	}

	kernelDest := filepath.Join(root, "boot/EFI/org.cbm", k.Target.Current)
	if _, err := os.Stat(kernelDest); err != nil {
		t.Fatalf("kernel blob not installed: %v", err)
	}
}

func TestESPSetDefaultKernelWritesLoaderConf(t *testing.T) {
	root := t.TempDir()
	ctx := testContext(t, root)
	b := NewSystemdBoot()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	k := testKernel(t)
	if err := b.SetDefaultKernel(&k); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(root, "boot/loader/loader.conf"))
	if err != nil {
		t.Fatal(err)
	}
	want := "timeout 5\ndefault " + entryConfName(ctx.VendorPrefix, k.Identifier) + "\n"
	if string(data) != want {
		t.Fatalf("got %q, want %q", data, want)
	}

	id, ok := b.DefaultKernel()
	if !ok {
		t.Fatal("expected a default kernel to round-trip")
	}
	if id.Type != k.Identifier.Type || id.Version != k.Identifier.Version || id.Release != k.Identifier.Release {
		t.Fatalf("got %+v, want %+v", id, k.Identifier)
	}
}

func TestESPSetDefaultKernelNilWritesBareTimeout(t *testing.T) {
	root := t.TempDir()
	ctx := testContext(t, root)
	b := NewSystemdBoot()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.SetDefaultKernel(nil); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "boot/loader/loader.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "timeout 10\n" {
		t.Fatalf("got %q", data)
	}
}

func TestESPNeedsInstallAndUpdate(t *testing.T) {
	root := t.TempDir()
	ctx := testContext(t, root)
	srcPath := filepath.Join(root, "usr/lib/systemd/boot/efi/systemd-boot"+efiArch+".efi")
	writeFixture(t, srcPath, "v1")

	b := NewSystemdBoot()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if !b.NeedsInstall() {
		t.Fatal("expected NeedsInstall true before first Install")
	}
	if err := b.Install(); err != nil {
		t.Fatal(err)
	}
	if b.NeedsInstall() {
		t.Fatal("expected NeedsInstall false after Install")
	}
	if b.NeedsUpdate() {
		t.Fatal("expected NeedsUpdate false when blob unchanged")
	}

	writeFixture(t, srcPath, "v2")
	if !b.NeedsUpdate() {
		t.Fatal("expected NeedsUpdate true after source blob changed")
	}
	if err := b.Update(); err != nil {
		t.Fatal(err)
	}
	if b.NeedsUpdate() {
		t.Fatal("expected NeedsUpdate false after Update")
	}
}

func TestESPRemoveDeletesVendorDirAndDefault(t *testing.T) {
	root := t.TempDir()
	ctx := testContext(t, root)
	writeFixture(t, filepath.Join(root, "usr/lib/systemd/boot/efi/systemd-boot"+efiArch+".efi"), "stub")

	b := NewSystemdBoot()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Install(); err != nil {
		t.Fatal(err)
	}
	k := testKernel(t)
	if err := b.SetDefaultKernel(&k); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "boot/EFI/systemd")); !os.IsNotExist(err) {
		t.Fatalf("expected vendor dir removed, got err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "boot/loader/loader.conf")); !os.IsNotExist(err) {
		t.Fatalf("expected loader.conf removed, got err=%v", err)
	}
}

func TestThreeESPVariantsShareKernelDir(t *testing.T) {
	root := t.TempDir()
	ctx := testContext(t, root)

	for _, ctor := range []func() Backend{NewSystemdBoot, NewGummiboot, NewGoofiboot} {
		b := ctor()
		if err := b.Init(ctx); err != nil {
			t.Fatal(err)
		}
		if b.KernelDestination() != "/EFI/org.cbm" {
			t.Fatalf("%s: got kernel dir %q", b.Name(), b.KernelDestination())
		}
	}
}
