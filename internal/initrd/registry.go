// Package initrd implements the freestanding-initrd registry: extra
// initrds appended to every boot entry, discovered under the admin and
// vendor initrd directories (spec §4.5), grounded on the original's
// src/bootman/freestanding-initrd handling in src/bootman/update.c.
package initrd

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	adminInitrdDir  = "etc/kernel/initrd.d"
	vendorInitrdDir = "usr/lib/kernel/initrd.d"
)

// Entry is one freestanding initrd registration (spec §3 "FreestandingInitrd").
type Entry struct {
	DisplayKey string
	SourceDir  string
	// SourceName is empty for a mask entry (admin's /dev/null symlink):
	// the key is reserved so a lower-priority vendor entry cannot provide
	// it, and copy-out skips it.
	SourceName string
	Masked     bool
}

// Discover enumerates the admin initrd directory first, then the vendor
// initrd directory, registering each regular file or symlink exactly once
// (first registration wins), per spec §4.5.
func Discover(prefix string) ([]Entry, error) {
	registered := map[string]bool{}
	var entries []Entry

	for _, dir := range []string{
		filepath.Join(prefix, adminInitrdDir),
		filepath.Join(prefix, vendorInitrdDir),
	} {
		names, err := listDir(dir)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			key := "freestanding-" + name
			if registered[key] {
				continue
			}
			registered[key] = true

			entryPath := filepath.Join(dir, name)
			if masked, err := isDevNullSymlink(entryPath); err != nil {
				return nil, err
			} else if masked {
				entries = append(entries, Entry{DisplayKey: key, SourceDir: dir, Masked: true})
				continue
			}
			entries = append(entries, Entry{DisplayKey: key, SourceDir: dir, SourceName: name})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].DisplayKey < entries[j].DisplayKey })
	return entries, nil
}

func listDir(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	return names, nil
}

func isDevNullSymlink(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return false, nil
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false, nil
	}
	return target == "/dev/null", nil
}

// Unmasked returns the subset of entries that copy-out actually installs
// (spec §4.5 "On copy-out, masked entries are skipped").
func Unmasked(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if !e.Masked {
			out = append(out, e)
		}
	}
	return out
}

// PruneTargets, given the basenames present under the ESP kernel
// destination and the registry, returns the basenames to unlink: files
// whose basename begins with "freestanding-" but are not present (unmasked)
// in the registry (spec §4.5 "On GC").
func PruneTargets(onESP []string, entries []Entry) []string {
	wanted := map[string]bool{}
	for _, e := range Unmasked(entries) {
		wanted[e.DisplayKey] = true
	}
	var prune []string
	for _, name := range onESP {
		if !strings.HasPrefix(name, "freestanding-") {
			continue
		}
		if !wanted[name] {
			prune = append(prune, name)
		}
	}
	return prune
}
