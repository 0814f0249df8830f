package bootloader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bketelsen/cbm/internal/sysexec"
)

func grub2Context(t *testing.T, root string, separate bool) Context {
	ctx := testContext(t, root)
	ctx.Runner = sysexec.NewFake()
	ctx.SeparateBootPartition = separate
	return ctx
}

func TestGrub2SetDefaultKernelWritesConsolidatedScript(t *testing.T) {
	root := t.TempDir()
	ctx := grub2Context(t, root, false)

	b := NewGrub2()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	k := testKernel(t)
	if err := b.InstallKernel(k, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.SetDefaultKernel(&k); err != nil {
		t.Fatal(err)
	}

	script, err := os.ReadFile(filepath.Join(root, "etc/grub.d/10_org.cbm"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(script)
	for _, want := range []string{
		"#!/bin/bash\nset -e\n",
		"menuentry 'Clear Linux (4.9.1-12.native)'",
		"linux boot/" + k.Target.Legacy + " root=UUID=root-uuid quiet splash",
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("script missing %q, got:\n%s", want, content)
		}
	}

	info, err := os.Stat(filepath.Join(root, "etc/grub.d/10_org.cbm"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("script not executable: %v", info.Mode())
	}

	vmlinuz := filepath.Join(root, "vmlinuz")
	target, err := os.Readlink(vmlinuz)
	if err != nil {
		t.Fatal(err)
	}
	if target != "boot/"+k.Target.Legacy {
		t.Fatalf("got symlink target %q", target)
	}

	runner := ctx.Runner.(*sysexec.Fake)
	if len(runner.Calls) != 1 || !strings.Contains(runner.Calls[0], "grub-mkconfig") {
		t.Fatalf("expected one grub-mkconfig call, got %v", runner.Calls)
	}
}

func TestGrub2SetDefaultKernelRemovesStaleLinksFirst(t *testing.T) {
	root := t.TempDir()
	ctx := grub2Context(t, root, false)
	if err := os.WriteFile(filepath.Join(root, "vmlinuz"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "initrd.img"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewGrub2()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.SetDefaultKernel(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(root, "vmlinuz")); !os.IsNotExist(err) {
		t.Fatalf("expected stale vmlinuz removed, err=%v", err)
	}
}

func TestGrub2SingleQueuedKernelBecomesImplicitDefault(t *testing.T) {
	root := t.TempDir()
	ctx := grub2Context(t, root, false)

	b := NewGrub2()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	k := testKernel(t)
	if err := b.InstallKernel(k, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.SetDefaultKernel(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(root, "vmlinuz")); err != nil {
		t.Fatalf("expected implicit default to create /vmlinuz: %v", err)
	}
}

func TestGrub2WriteEntryIncludesFreestandingInitrds(t *testing.T) {
	root := t.TempDir()
	ctx := grub2Context(t, root, false)

	b := NewGrub2()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	k := testKernel(t)
	if err := b.InstallKernel(k, []string{"amd-ucode.img", "extra.img"}); err != nil {
		t.Fatal(err)
	}
	if err := b.SetDefaultKernel(&k); err != nil {
		t.Fatal(err)
	}

	script, err := os.ReadFile(filepath.Join(root, "etc/grub.d/10_org.cbm"))
	if err != nil {
		t.Fatal(err)
	}
	want := "initrd boot/" + k.Target.Initrd + " boot/amd-ucode.img boot/extra.img"
	if !strings.Contains(string(script), want) {
		t.Fatalf("script missing %q, got:\n%s", want, script)
	}
}

func TestGrub2NeedsInstallAlwaysFalse(t *testing.T) {
	b := NewGrub2()
	if b.NeedsInstall() || b.NeedsUpdate() {
		t.Fatal("grub2 never needs install/update")
	}
	if err := b.Install(); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove(); err != nil {
		t.Fatal(err)
	}
}
