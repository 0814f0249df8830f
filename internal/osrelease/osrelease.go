// Package osrelease parses /etc/os-release (or /usr/lib/os-release) the way
// systemd's os-release(5) format expects: KEY=VALUE lines, optionally quoted,
// comments and blank lines ignored.
package osrelease

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Paths searched in order, relative to the prefix Load is given, matching
// the freedesktop.org os-release spec.
var Paths = []string{"etc/os-release", "usr/lib/os-release"}

// Info holds the subset of os-release fields cbm cares about. Any field
// absent from the file falls back to a generic value so callers never have
// to special-case a missing file.
type Info struct {
	Name       string
	PrettyName string
	ID         string
	Version    string
	VersionID  string
}

// fallback returns the built-in default for a field, mirroring the original
// tool's "generic-linux-os" / vendor-prefix behaviour when the running
// system carries no os-release file at all.
func fallback(vendorPrefix string) Info {
	return Info{
		Name:       "generic-linux-os",
		PrettyName: "generic-linux-os",
		ID:         vendorPrefix,
		Version:    "1",
		VersionID:  "1",
	}
}

// Load reads the first existing path in Paths, rooted under prefix, and
// parses it. In image mode this reads the image's own identity, not the
// build host's (cbm_os_release_new_for_root re-roots the same way).
// vendorPrefix is used to seed the ID fallback when no file is found or a
// key is absent.
func Load(prefix, vendorPrefix string) (Info, error) {
	for _, rel := range Paths {
		f, err := os.Open(filepath.Join(prefix, rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Info{}, err
		}
		defer f.Close()
		return parse(f, vendorPrefix)
	}
	return fallback(vendorPrefix), nil
}

func parse(r io.Reader, vendorPrefix string) (Info, error) {
	info := fallback(vendorPrefix)
	fields := map[string]*string{
		"NAME":        &info.Name,
		"PRETTY_NAME": &info.PrettyName,
		"ID":          &info.ID,
		"VERSION":     &info.Version,
		"VERSION_ID":  &info.VersionID,
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		dst, wanted := fields[key]
		if !wanted {
			continue
		}
		*dst = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// unquote strips a single layer of matching single or double quotes, the
// only quoting os-release values use.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
