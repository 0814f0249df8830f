// Package sysconfig holds the resolved SystemConfig and computes the
// wanted-boot-capability mask (spec §4.2), grounded on the original's
// src/bootman/sysconfig.c native/image mode branching.
package sysconfig

import (
	"os"

	"github.com/bketelsen/cbm/internal/bootcap"
	"github.com/bketelsen/cbm/internal/deviceprobe"
)

// EFIDir is the path whose existence signals a UEFI-booted system;
// overridden by tests.
var EFIDir = "/sys/firmware/efi"

// Config is the resolved SystemConfig (spec §3).
type Config struct {
	Prefix         string
	RootDevice     deviceprobe.Probe
	BootDevice     string
	WantedBootMask bootcap.Mask
}

// Sane reports whether a Config carries a resolved root device, the
// invariant spec §3 names for SystemConfig.
func (c Config) Sane() bool {
	return c.RootDevice.Device != ""
}

// FSProbe reports a boot device's filesystem-capability contribution to
// the wanted mask: ext{2,3,4} -> ExtFS, vfat -> FATFS.
type FSProbe func(device string) (fstype string, err error)

// Resolve computes the wanted-boot mask for prefix (spec §4.2). imageMode
// is true when prefix != "/" or was explicitly requested.
func Resolve(prefix string, imageMode bool, forceLegacy bool, probeFS FSProbe) (Config, error) {
	rootDevice, err := deviceprobe.Path(prefix)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{Prefix: prefix, RootDevice: rootDevice}

	espDevice, espFound := deviceprobe.FindESP()
	legacyDevice, legacyFound := "", false
	if parentDisk := deviceprobe.ParentDisk(rootDevice.Device); parentDisk != "" {
		legacyDevice, legacyFound = deviceprobe.FindLegacyBoot(parentDisk)
	}

	uefiAvailable := isUEFI() && !forceLegacy
	chooseUEFI := chooseUEFI(imageMode, forceLegacy, uefiAvailable, espFound, legacyFound)

	if chooseUEFI && espFound {
		cfg.WantedBootMask |= bootcap.UEFI | bootcap.GPT
		cfg.BootDevice = espDevice
	} else if legacyFound {
		cfg.WantedBootMask |= bootcap.Legacy | bootcap.GPT
		cfg.BootDevice = legacyDevice
	}

	if cfg.BootDevice != "" && probeFS != nil {
		if fstype, err := probeFS(cfg.BootDevice); err == nil {
			switch fstype {
			case "ext2", "ext3", "ext4":
				cfg.WantedBootMask |= bootcap.ExtFS
			case "vfat":
				cfg.WantedBootMask |= bootcap.FatFS
			}
		}
	}

	return cfg, nil
}

func isUEFI() bool {
	_, err := os.Stat(EFIDir)
	return err == nil
}

// chooseUEFI decides between the UEFI and legacy boot device candidates,
// per spec §4.2's native-mode / image-mode rules. Factored out as a pure
// function so the decision table is testable without touching the real
// filesystem or EFI firmware.
func chooseUEFI(imageMode, forceLegacy, uefiAvailable, espFound, legacyFound bool) bool {
	if !imageMode {
		// Native mode: prefer UEFI if the firmware is UEFI and not forced
		// legacy; else fall back to legacy-boot discovery. If neither is
		// found, the mask stays empty and the selector fails to match any
		// backend, surfacing as a probe error to the caller.
		return uefiAvailable && espFound
	}
	// Image mode: probe both; UEFI wins unless forced legacy.
	if espFound && !forceLegacy {
		return true
	}
	if legacyFound || forceLegacy {
		return false
	}
	return espFound
}
