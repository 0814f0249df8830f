// Package deviceprobe resolves a path's backing device, partition table
// type, and filesystem identity — the blkid-equivalent probing spec.md
// treats as an external collaborator. It is grounded on the original's
// src/lib/probe.c, reimplemented against /proc/self/mounts, sysfs, and
// github.com/diskfs/go-diskfs instead of libblkid/libbtrfsutil.
package deviceprobe

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
)

// ErrNoRootDevice is returned when the mount device for a path cannot be
// resolved (spec §4.1, §7 "Probe error").
var ErrNoRootDevice = errors.New("deviceprobe: no root device")

// Probe is the resolved identity of a filesystem path, per spec §3
// "DeviceProbe".
type Probe struct {
	Device      string
	UUID        string
	PartUUID    string
	LUKSUUID    string
	BtrfsSubvol string
	GPT         bool
}

// ProcMounts is the default mount table consulted by ResolveDevice; tests
// override it to avoid depending on the host's real mount table.
var ProcMounts = "/proc/self/mounts"

// SysBlock is the sysfs root for block device metadata.
var SysBlock = "/sys/class/block"

// Path probes the device backing path and returns its identity (spec §4.1
// steps 1-7). path must already be realpath-resolved by the caller.
func Path(path string) (Probe, error) {
	device, err := ResolveDevice(path)
	if err != nil {
		return Probe{}, err
	}

	probe := Probe{Device: device}

	fsUUID, err := filesystemUUID(device)
	if err == nil {
		probe.UUID = fsUUID
	}

	parentDisk, partition := parentDiskAndPartition(device)
	gptTable, partUUID, err := gptInfo(parentDisk, partition)
	if err == nil && gptTable {
		probe.GPT = true
		probe.PartUUID = partUUID
	}

	if subvol, ok := btrfsSubvolume(path); ok {
		probe.BtrfsSubvol = subvol
	}

	basename := filepath.Base(device)
	if strings.HasPrefix(basename, "md") {
		// Software RAID has no meaningful partition identity.
		probe.PartUUID = ""
	}
	if strings.HasPrefix(basename, "dm-") {
		probe.LUKSUUID = luksUUID(basename)
	}

	if probe.PartUUID == "" && probe.UUID == "" {
		return probe, fmt.Errorf("deviceprobe: %s: %w", device, ErrNoRootDevice)
	}
	return probe, nil
}

// ResolveDevice finds the device backing path by matching the longest
// mount-point prefix in /proc/self/mounts (spec §4.1 step 1).
func ResolveDevice(path string) (string, error) {
	f, err := os.Open(ProcMounts)
	if err != nil {
		return "", fmt.Errorf("deviceprobe: %w: %w", ErrNoRootDevice, err)
	}
	defer f.Close()

	var bestDevice, bestMount string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		device, mountpoint := fields[0], fields[1]
		if !strings.HasPrefix(path, mountpoint) {
			continue
		}
		if len(mountpoint) > len(bestMount) {
			bestMount, bestDevice = mountpoint, device
		}
	}
	if bestDevice == "" {
		return "", ErrNoRootDevice
	}
	return bestDevice, nil
}

// filesystemUUID reverse-scans /dev/disk/by-uuid for the symlink pointing
// at device, the same trick blkid exposes directly.
func filesystemUUID(device string) (string, error) {
	return reverseSymlinkLookup("/dev/disk/by-uuid", device)
}

func reverseSymlinkLookup(dir, device string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	realDevice, err := filepath.EvalSymlinks(device)
	if err != nil {
		realDevice = device
	}
	for _, e := range entries {
		link := filepath.Join(dir, e.Name())
		target, err := filepath.EvalSymlinks(link)
		if err != nil {
			continue
		}
		if target == realDevice {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("deviceprobe: no entry in %s for %s", dir, device)
}

// ParentDisk returns the whole-disk device backing a (possibly partition)
// device node, discarding the partition number. Exported for callers like
// sysconfig that need the parent disk to run legacy-boot discovery.
func ParentDisk(device string) string {
	disk, _ := parentDiskAndPartition(device)
	return disk
}

// PartitionNumber returns the 1-indexed GPT partition number for device,
// the form sgdisk's --attributes=N:set:2 expects (spec §4.6 syslinux/
// extlinux Init).
func PartitionNumber(device string) int {
	_, n := parentDiskAndPartition(device)
	return n
}

// parentDiskAndPartition derives the whole-disk device and partition
// number from a partition device node by walking sysfs (spec §4.1 step 3).
func parentDiskAndPartition(device string) (disk string, partitionNum int) {
	base := filepath.Base(device)
	partitionFile := filepath.Join(SysBlock, base, "partition")
	data, err := os.ReadFile(partitionFile)
	if err != nil {
		// Not a partition device (e.g. the whole disk itself, or md/dm).
		return device, 0
	}
	fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &partitionNum)

	// /sys/class/block/sda1 -> .. -> sys/block/sda; the parent disk's
	// block device directory name is the real path's parent basename.
	real, err := filepath.EvalSymlinks(filepath.Join(SysBlock, base))
	if err != nil {
		return device, partitionNum
	}
	parentName := filepath.Base(filepath.Dir(real))
	return filepath.Join(filepath.Dir(device), parentName), partitionNum
}

// gptInfo opens the parent disk with go-diskfs and, if it carries a GPT
// table, returns the partition-entry UUID for partitionNum (1-indexed).
func gptInfo(parentDisk string, partitionNum int) (isGPT bool, partUUID string, err error) {
	disk, err := diskfs.Open(parentDisk)
	if err != nil {
		return false, "", err
	}
	defer disk.Close()

	table, err := disk.GetPartitionTable()
	if err != nil {
		return false, "", err
	}

	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return false, "", nil
	}
	if partitionNum < 1 || partitionNum > len(gptTable.Partitions) {
		return true, "", nil
	}
	return true, strings.ToUpper(gptTable.Partitions[partitionNum-1].GUID), nil
}

// btrfsSubvolume reports whether path's mount entry names a btrfs subvol=
// option, returning the subvolume path.
func btrfsSubvolume(path string) (string, bool) {
	f, err := os.Open(ProcMounts)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var bestMount, subvol string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		mountpoint, fstype, opts := fields[1], fields[2], fields[3]
		if fstype != "btrfs" || !strings.HasPrefix(path, mountpoint) {
			continue
		}
		if len(mountpoint) < len(bestMount) {
			continue
		}
		for _, opt := range strings.Split(opts, ",") {
			if v, ok := strings.CutPrefix(opt, "subvol="); ok {
				bestMount, subvol = mountpoint, v
			}
		}
	}
	return subvol, subvol != ""
}

// luksUUID walks one or two levels of sysfs slaves/* of a device-mapper
// device (spec §4.1 step 7) and returns the first UUID tryLUKSType finds;
// since tryLUKSType does not check the device type, the match is not
// limited to a crypto_LUKS ancestor.
func luksUUID(dmName string) string {
	slavesDir := filepath.Join(SysBlock, dmName, "slaves")
	first, err := os.ReadDir(slavesDir)
	if err != nil {
		return ""
	}
	for _, slave := range first {
		if uuid, ok := tryLUKSType(slave.Name()); ok {
			return uuid
		}
		nested := filepath.Join(slavesDir, slave.Name(), "slaves")
		second, err := os.ReadDir(nested)
		if err != nil {
			continue
		}
		for _, sub := range second {
			if uuid, ok := tryLUKSType(sub.Name()); ok {
				return uuid
			}
		}
	}
	return ""
}

// tryLUKSType returns the UUID that /dev/disk/by-uuid links to the named
// block device, found by the same reverse lookup filesystemUUID uses. It
// reads no superblock signature and checks no dm-crypt name, so it does not
// confirm that the device is LUKS: any device with a by-uuid link matches.
func tryLUKSType(devName string) (string, bool) {
	device := filepath.Join("/dev", devName)
	uuid, err := reverseSymlinkLookup("/dev/disk/by-uuid", device)
	if err != nil {
		return "", false
	}
	return uuid, true
}
