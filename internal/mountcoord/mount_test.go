package mountcoord

import (
	"context"
	"testing"

	"github.com/bketelsen/cbm/internal/bootcap"
	"github.com/bketelsen/cbm/internal/sysexec"
)

type fakeTable struct {
	mountpoints map[string]bool
	deviceAt    map[string]string
}

func (f fakeTable) IsMountpoint(dir string) (bool, error) { return f.mountpoints[dir], nil }
func (f fakeTable) DeviceMountedAt(device string) (string, bool, error) {
	dir, ok := f.deviceAt[device]
	return dir, ok, nil
}

func TestMountAlreadyMounted(t *testing.T) {
	table := fakeTable{mountpoints: map[string]bool{"/boot": true}}
	runner := sysexec.NewFake()

	result, err := Mount(context.Background(), runner, table, "/boot", "/dev/sda2", "vfat", bootcap.UEFI, true, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if result != AlreadyMounted {
		t.Errorf("result = %v, want AlreadyMounted", result)
	}
	if len(runner.Calls) != 0 {
		t.Errorf("expected no Run calls, got %v", runner.Calls)
	}
}

func TestMountReusesExistingDeviceMount(t *testing.T) {
	table := fakeTable{
		mountpoints: map[string]bool{},
		deviceAt:    map[string]string{"/dev/sda2": "/mnt/other"},
	}
	runner := sysexec.NewFake()

	var reinitCalledWith string
	reinit := func(mountedAt string) error { reinitCalledWith = mountedAt; return nil }

	result, err := Mount(context.Background(), runner, table, "/boot", "/dev/sda2", "vfat", bootcap.UEFI, true, reinit)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if result != AlreadyMounted {
		t.Errorf("result = %v, want AlreadyMounted", result)
	}
	if reinitCalledWith != "/mnt/other" {
		t.Errorf("reinit called with %q, want /mnt/other", reinitCalledWith)
	}
}

func TestMountFreshMount(t *testing.T) {
	dir := t.TempDir() + "/boot"
	table := fakeTable{mountpoints: map[string]bool{}, deviceAt: map[string]string{}}
	runner := sysexec.NewFake()

	var reinitCalledWith string
	reinit := func(mountedAt string) error { reinitCalledWith = mountedAt; return nil }

	result, err := Mount(context.Background(), runner, table, dir, "/dev/sda2", "vfat", bootcap.UEFI, true, reinit)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if result != FreshlyMounted {
		t.Errorf("result = %v, want FreshlyMounted", result)
	}
	if reinitCalledWith != dir {
		t.Errorf("reinit called with %q, want %q", reinitCalledWith, dir)
	}
	if _, ok := runner.Mounted[dir]; !ok {
		t.Errorf("fake runner did not record mount at %q", dir)
	}
}

func TestMountNoBootDeviceIsError(t *testing.T) {
	table := fakeTable{mountpoints: map[string]bool{}, deviceAt: map[string]string{}}
	runner := sysexec.NewFake()

	result, err := Mount(context.Background(), runner, table, "/boot", "", "vfat", bootcap.UEFI, true, nil)
	if err == nil {
		t.Fatal("expected error when no boot device is resolvable")
	}
	if result != Error {
		t.Errorf("result = %v, want Error", result)
	}
}
