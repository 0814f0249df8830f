package initrd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverMasking(t *testing.T) {
	prefix := t.TempDir()

	vendorDir := filepath.Join(prefix, vendorInitrdDir)
	adminDir := filepath.Join(prefix, adminInitrdDir)
	if err := os.MkdirAll(vendorDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(adminDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Vendor provides "foo"; admin masks it with a /dev/null symlink.
	if err := os.WriteFile(filepath.Join(vendorDir, "foo"), []byte("initrd-data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/dev/null", filepath.Join(adminDir, "foo")); err != nil {
		t.Fatal(err)
	}
	// Vendor-only "bar" is unmasked.
	if err := os.WriteFile(filepath.Join(vendorDir, "bar"), []byte("initrd-data"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := Discover(prefix)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	var foo, bar *Entry
	for i := range entries {
		switch entries[i].DisplayKey {
		case "freestanding-foo":
			foo = &entries[i]
		case "freestanding-bar":
			bar = &entries[i]
		}
	}
	if foo == nil || !foo.Masked {
		t.Fatalf("expected freestanding-foo masked, got %+v", foo)
	}
	if bar == nil || bar.Masked || bar.SourceName != "bar" {
		t.Fatalf("expected freestanding-bar unmasked with source bar, got %+v", bar)
	}

	unmasked := Unmasked(entries)
	if len(unmasked) != 1 || unmasked[0].DisplayKey != "freestanding-bar" {
		t.Errorf("Unmasked() = %+v, want only freestanding-bar", unmasked)
	}

	prune := PruneTargets([]string{"freestanding-foo", "freestanding-bar", "freestanding-stale", "kernel-org.cbm.native.1-1"}, entries)
	if len(prune) != 2 {
		t.Fatalf("PruneTargets = %v, want 2 entries (foo masked + stale)", prune)
	}
}
