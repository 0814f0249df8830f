package sysconfig

import "testing"

func TestChooseUEFI(t *testing.T) {
	tests := []struct {
		name                                                  string
		imageMode, forceLegacy, uefiAvailable, espFound, legacyFound bool
		want                                                  bool
	}{
		{"native UEFI firmware with ESP", false, false, true, true, false, true},
		{"native UEFI firmware without ESP falls back", false, false, true, false, true, false},
		{"native legacy firmware", false, false, false, false, true, false},
		{"native force legacy ignores UEFI", false, true, false, true, false, false},
		{"image mode both found picks UEFI", true, false, true, true, true, true},
		{"image mode force legacy with both found", true, true, true, true, true, false},
		{"image mode only legacy found", true, false, false, false, true, false},
		{"image mode only esp found", true, false, false, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chooseUEFI(tt.imageMode, tt.forceLegacy, tt.uefiAvailable, tt.espFound, tt.legacyFound)
			if got != tt.want {
				t.Errorf("chooseUEFI(imageMode=%v forceLegacy=%v uefiAvail=%v esp=%v legacy=%v) = %v, want %v",
					tt.imageMode, tt.forceLegacy, tt.uefiAvailable, tt.espFound, tt.legacyFound, got, tt.want)
			}
		})
	}
}

func TestConfigSane(t *testing.T) {
	var c Config
	if c.Sane() {
		t.Error("zero-value Config should not be sane")
	}
	c.RootDevice.Device = "/dev/sda1"
	if !c.Sane() {
		t.Error("Config with a resolved root device should be sane")
	}
}
