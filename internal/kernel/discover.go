package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bketelsen/cbm/internal/cmdline"
)

const (
	kernelDir        = "usr/lib/kernel"
	modulesDir       = "usr/lib/modules"
	headersDirPrefix = "usr/src/linux-headers-"
	adminKernelDir   = "etc/kernel"
	kbootDir         = "var/lib/kernel"
)

// Discover scans <prefix>/usr/lib/kernel for installed kernels under the
// given namespace, merging globalCmdline (the already-assembled vendor+admin
// command line) into every kernel's per-kernel cmdline (spec §4.3).
func Discover(prefix, namespace, globalCmdline string) ([]Kernel, error) {
	dir := filepath.Join(prefix, kernelDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("kernel: reading %s: %w", dir, err)
	}

	var kernels []Kernel
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		id, err := ParseIdentifier(namespace, entry.Name())
		if err != nil {
			continue
		}
		k, err := inspect(prefix, dir, id, entry.Name(), globalCmdline)
		if err != nil {
			continue
		}
		kernels = append(kernels, k)
	}
	return kernels, nil
}

// inspect builds one Kernel record, returning an error when the mandatory
// cmdline side-car is absent; Discover skips such a kernel without logging
// a warning.
func inspect(prefix, parent string, id Identifier, basename, globalCmdline string) (Kernel, error) {
	tvr := id.TypedVersionRelease()

	cmdlineFile := filepath.Join(parent, fmt.Sprintf("cmdline-%s", tvr))
	perKernelCmdline, err := readCmdlineFile(cmdlineFile)
	if err != nil {
		return Kernel{}, fmt.Errorf("kernel: %s: missing cmdline side-car %s: %w", basename, cmdlineFile, err)
	}

	merged := perKernelCmdline
	if globalCmdline != "" {
		merged = perKernelCmdline + " " + globalCmdline
	}

	source := SourcePaths{
		Blob:        filepath.Join(parent, basename),
		Cmdline:     cmdlineFile,
		Config:      existsOrEmpty(filepath.Join(parent, fmt.Sprintf("config-%s", tvr))),
		SystemMap:   existsOrEmpty(filepath.Join(parent, fmt.Sprintf("System.map-%s", tvr))),
		Vmlinux:     existsOrEmpty(filepath.Join(parent, fmt.Sprintf("vmlinux-%s", tvr))),
		KbootMarker: filepath.Join(prefix, kbootDir, fmt.Sprintf("k_booted_%s", tvr)),
	}

	systemInitrdName := fmt.Sprintf("initrd-%s.%s.%s", id.Namespace, id.Type, id.VersionRelease())
	source.SystemInitrd = existsOrEmpty(filepath.Join(parent, systemInitrdName))
	source.UserInitrd = existsOrEmpty(filepath.Join(prefix, adminKernelDir, systemInitrdName))

	source.ModulesDir = resolveModulesDir(prefix, id)
	source.HeadersDir = existsOrEmpty(filepath.Join(prefix, headersDirPrefix+tvr))

	boots := fileExists(source.KbootMarker)

	return Kernel{
		Identifier: id,
		Basename:   basename,
		Cmdline:    merged,
		Boots:      boots,
		Source:     source,
		Target:     NewTargetPaths(id, basename),
	}, nil
}

// resolveModulesDir tries the primary (type-suffixed) module directory,
// then the legacy bare version-release fallback (spec §4.3 step 3).
func resolveModulesDir(prefix string, id Identifier) string {
	primary := filepath.Join(prefix, modulesDir, id.TypedVersionRelease())
	if dirExists(primary) {
		return primary
	}
	legacy := filepath.Join(prefix, modulesDir, id.VersionRelease())
	if dirExists(legacy) {
		return legacy
	}
	return ""
}

func readCmdlineFile(path string) (string, error) {
	if !fileExists(path) {
		return "", fmt.Errorf("not found")
	}
	return cmdline.ParseFile(path)
}

func existsOrEmpty(path string) string {
	if fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// SortDescending orders kernels by release, descending, grounded on
// spec §4.3's "total order for same type: descending release".
func SortDescending(kernels []Kernel) {
	sort.Slice(kernels, func(i, j int) bool {
		return kernels[i].Identifier.Release > kernels[j].Identifier.Release
	})
}

// GroupByType partitions kernels into per-type slices, each already sorted
// descending by release, matching iteration order needed by the retention
// policy (spec §4.7 native mode step 7).
func GroupByType(kernels []Kernel) map[string][]Kernel {
	groups := make(map[string][]Kernel)
	for _, k := range kernels {
		groups[k.Identifier.Type] = append(groups[k.Identifier.Type], k)
	}
	for _, group := range groups {
		SortDescending(group)
	}
	return groups
}

// DefaultSymlinkTarget resolves <prefix>/usr/lib/kernel/default-<type>, if
// present, to the kernel basename it points at.
func DefaultSymlinkTarget(prefix, ktype string) (string, bool) {
	link := filepath.Join(prefix, kernelDir, "default-"+ktype)
	target, err := os.Readlink(link)
	if err != nil {
		return "", false
	}
	return filepath.Base(target), true
}
