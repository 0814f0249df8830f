package osrelease

import (
	"os"
	"path/filepath"
	"testing"
)

func withPaths(t *testing.T, paths []string) {
	t.Helper()
	orig := Paths
	Paths = paths
	t.Cleanup(func() { Paths = orig })
}

func TestLoadParsesQuotedAndBareValues(t *testing.T) {
	dir := t.TempDir()
	content := `NAME="Test Linux"
PRETTY_NAME=Test Linux 1.0
ID=testlinux
VERSION="1.0 (Codename)"
VERSION_ID=1.0
# a comment

UNKNOWN_FIELD=ignored
`
	if err := os.WriteFile(filepath.Join(dir, "os-release"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	withPaths(t, []string{"os-release"})

	info, err := Load(dir, "org.example")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Test Linux" {
		t.Errorf("Name = %q, want %q", info.Name, "Test Linux")
	}
	if info.PrettyName != "Test Linux 1.0" {
		t.Errorf("PrettyName = %q, want %q", info.PrettyName, "Test Linux 1.0")
	}
	if info.ID != "testlinux" {
		t.Errorf("ID = %q, want %q", info.ID, "testlinux")
	}
	if info.Version != "1.0 (Codename)" {
		t.Errorf("Version = %q, want %q", info.Version, "1.0 (Codename)")
	}
	if info.VersionID != "1.0" {
		t.Errorf("VersionID = %q, want %q", info.VersionID, "1.0")
	}
}

func TestLoadFallsBackWhenNoFileExists(t *testing.T) {
	withPaths(t, []string{"nonexistent/os-release", "also/nonexistent"})

	info, err := Load(t.TempDir(), "org.cbm")
	if err != nil {
		t.Fatal(err)
	}
	want := fallback("org.cbm")
	if info != want {
		t.Errorf("Load() = %+v, want fallback %+v", info, want)
	}
}

func TestLoadFallsBackForMissingFields(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "os-release"), []byte("ID=partial\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	withPaths(t, []string{"os-release"})

	info, err := Load(dir, "org.cbm")
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != "partial" {
		t.Errorf("ID = %q, want %q", info.ID, "partial")
	}
	if info.Name != "generic-linux-os" {
		t.Errorf("Name = %q, want fallback %q", info.Name, "generic-linux-os")
	}
}

func TestLoadReadsUnderPrefixNotHostRoot(t *testing.T) {
	imageDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(imageDir, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "PRETTY_NAME=\"Image Linux\"\nID=imagelinux\n"
	if err := os.WriteFile(filepath.Join(imageDir, "etc", "os-release"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := Load(imageDir, "org.cbm")
	if err != nil {
		t.Fatal(err)
	}
	if info.PrettyName != "Image Linux" || info.ID != "imagelinux" {
		t.Errorf("Load(%q, ...) = %+v, want the image's own os-release, not the host's", imageDir, info)
	}
}
