// Package cmdline assembles the merged kernel command line from vendor and
// admin fragments, grounded on the original's src/lib/cmdline.c.
package cmdline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	vendorDir       = "usr/share/kernel/cmdline.d"
	adminGlobal     = "etc/kernel/cmdline"
	adminDir        = "etc/kernel/cmdline.d"
	adminRemovalDir = "etc/kernel/cmdline-removal.d"
)

// Assemble builds the global merged command line for prefix, per spec §4.4:
// vendor fragments (skipping any masked by an admin file of the same
// basename), the admin global file, then admin fragments (skipping /dev/null
// mask symlinks), followed by the removal pass.
func Assemble(prefix string) (string, error) {
	var parts []string

	vendorFiles, err := confFiles(filepath.Join(prefix, vendorDir))
	if err != nil {
		return "", err
	}
	adminFiles, err := confFiles(filepath.Join(prefix, adminDir))
	if err != nil {
		return "", err
	}
	adminBasenames := make(map[string]bool, len(adminFiles))
	for _, f := range adminFiles {
		adminBasenames[filepath.Base(f)] = true
	}

	for _, f := range vendorFiles {
		if adminBasenames[filepath.Base(f)] {
			continue
		}
		content, err := parseFragment(f)
		if err != nil {
			return "", err
		}
		if content != "" {
			parts = append(parts, content)
		}
	}

	if content, err := parseFragmentIfExists(filepath.Join(prefix, adminGlobal)); err != nil {
		return "", err
	} else if content != "" {
		parts = append(parts, content)
	}

	for _, f := range adminFiles {
		masked, err := isDevNullSymlink(f)
		if err != nil {
			return "", err
		}
		if masked {
			continue
		}
		content, err := parseFragment(f)
		if err != nil {
			return "", err
		}
		if content != "" {
			parts = append(parts, content)
		}
	}

	merged := strings.Join(parts, " ")

	removed, err := applyRemovals(prefix, merged)
	if err != nil {
		return "", err
	}
	return normalize(removed), nil
}

// confFiles returns the sorted *.conf entries of dir, or nil if dir is
// absent.
func confFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ParseFile strips blank lines and comment lines from path, joining the
// rest with single spaces (spec §4.4 "per-file parse rules"). Exported for
// reuse by the per-kernel cmdline side-car, which follows the same rules.
func ParseFile(path string) (string, error) {
	return parseFragment(path)
}

func parseFragment(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, " "), nil
}

// parseFragmentIfExists is parseFragment tolerant of a missing file.
func parseFragmentIfExists(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return parseFragment(path)
}

// isDevNullSymlink reports whether path is a symlink resolving to
// /dev/null, the admin's disable sentinel.
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
		// A dangling symlink can't be /dev/null; treat as unmasked.
		return false, nil
	}
	return target == "/dev/null", nil
}

// applyRemovals parses every *.conf in <prefix>/etc/kernel/cmdline-removal.d
// and deletes each token's first exact occurrence from merged.
func applyRemovals(prefix, merged string) (string, error) {
	files, err := confFiles(filepath.Join(prefix, adminRemovalDir))
	if err != nil {
		return "", err
	}
	for _, f := range files {
		content, err := parseFragment(f)
		if err != nil {
			return "", err
		}
		for _, token := range strings.Fields(content) {
			merged = removeToken(merged, token)
		}
	}
	return merged, nil
}

// removeToken deletes the first occurrence of token in s that is bounded by
// a space or end-of-string on both sides — never a mid-token substring
// match — matching the original's memmem-based removal.
func removeToken(s, token string) string {
	if token == "" {
		return s
	}
	fields := strings.Fields(s)
	for i, f := range fields {
		if f == token {
			return strings.Join(append(append([]string{}, fields[:i]...), fields[i+1:]...), " ")
		}
	}
	return s
}

// normalize collapses whitespace runs to single spaces and trims the ends,
// matching the original's final re-trim after incremental buffer surgery.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
