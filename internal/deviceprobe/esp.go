package deviceprobe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
)

// legacyBIOSBootableAttr is GPT partition-attribute bit 2 (value 0x4),
// the "Legacy BIOS Bootable" flag — the GPT analogue of the MBR
// legacy_boot flag spec §4.1 names.
const legacyBIOSBootableAttr = 0x4

// EFIVarsDir is where LoaderDevicePartUUID-* is exposed as efivarfs files;
// overridden by tests.
var EFIVarsDir = "/sys/firmware/efi/efivars"

// DiskByPartlabel is where /dev/disk/by-partlabel/* symlinks live;
// overridden by tests.
var DiskByPartlabel = "/dev/disk/by-partlabel"

// FindESP discovers the EFI System Partition device, per spec §4.1 "ESP
// discovery": first a UEFI LoaderDevicePartUUID variable, then a fallback
// to the by-partlabel/ESP symlink.
func FindESP() (string, bool) {
	if uuid, ok := loaderDevicePartUUID(); ok {
		return fmt.Sprintf("/dev/disk/by-partuuid/%s", normalizePartUUID(uuid)), true
	}
	esp := filepath.Join(DiskByPartlabel, "ESP")
	if _, err := os.Stat(esp); err == nil {
		return esp, true
	}
	return "", false
}

// loaderDevicePartUUID reads the first LoaderDevicePartUUID-* efivarfs
// file it finds. The real variable payload is a UCS-2 string prefixed by
// 4 bytes of EFI variable attributes; efivars.LoaderDevicePartUUID reads
// and decodes the same variable via go-efilib. Here we only need existence + raw bytes for the fallback
// path used when the efivars package isn't wired (e.g. BIOS/legacy tests).
func loaderDevicePartUUID() (string, bool) {
	entries, err := os.ReadDir(EFIVarsDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "LoaderDevicePartUUID-") {
			data, err := os.ReadFile(filepath.Join(EFIVarsDir, e.Name()))
			if err != nil || len(data) <= 4 {
				continue
			}
			return decodeUCS2(data[4:]), true
		}
	}
	return "", false
}

// decodeUCS2 decodes a little-endian, NUL-terminated UCS-2 byte slice into
// an ASCII-range string (EFI variable payloads here are always ASCII).
func decodeUCS2(data []byte) string {
	var sb strings.Builder
	for i := 0; i+1 < len(data); i += 2 {
		lo, hi := data[i], data[i+1]
		if lo == 0 && hi == 0 {
			break
		}
		sb.WriteByte(lo)
	}
	return sb.String()
}

// normalizePartUUID lowercases and strips everything but [a-z0-9-] from an
// EFI variable payload before forming a by-partuuid path (spec §4.4
// expansion "ESP PartUUID normalization").
func normalizePartUUID(raw string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// FindLegacyBoot enumerates the parent disk's GPT partitions for the one
// carrying the legacy_boot attribute bit, returning its by-partuuid path
// (spec §4.1 "Legacy-boot discovery").
func FindLegacyBoot(parentDisk string) (string, bool) {
	table, err := readGPTTable(parentDisk)
	if err != nil {
		return "", false
	}
	for _, p := range table.Partitions {
		if p.Attributes&legacyBIOSBootableAttr != 0 {
			return fmt.Sprintf("/dev/disk/by-partuuid/%s", strings.ToLower(p.GUID)), true
		}
	}
	return "", false
}

func readGPTTable(parentDisk string) (*gpt.Table, error) {
	disk, err := diskfs.Open(parentDisk)
	if err != nil {
		return nil, err
	}
	defer disk.Close()
	table, err := disk.GetPartitionTable()
	if err != nil {
		return nil, err
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return nil, fmt.Errorf("deviceprobe: %s: not a GPT disk", parentDisk)
	}
	return gptTable, nil
}
