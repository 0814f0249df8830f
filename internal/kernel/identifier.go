// Package kernel discovers installed kernels under a prefix and parses their
// on-disk identifiers, grounded on the original's src/bootman/kernel.c and
// src/lib/cmdline.c.
package kernel

import (
	"fmt"
	"strconv"
	"strings"
)

// Bounds mirror the original's scanf field widths ("%32[^.]" / "%15[^-]"),
// used to reject pathologically malformed basenames early.
const (
	maxTypeLen    = 31
	maxVersionLen = 15
)

// Identifier is the parsed form of a kernel basename
// "<namespace>.<type>.<version>-<release>". Namespace is a fixed,
// externally-supplied vendor string (e.g. "org.cbm") and is itself allowed
// to contain dots, so parsing requires the namespace up front rather than
// splitting on the first two dots.
type Identifier struct {
	Namespace string
	Type      string
	Version   string
	Release   int
}

// String formats an Identifier back into its basename form. Round-trips
// with ParseIdentifier for any value ParseIdentifier can produce.
func (id Identifier) String() string {
	return fmt.Sprintf("%s.%s.%s-%d", id.Namespace, id.Type, id.Version, id.Release)
}

// ParseIdentifier parses a basename of the form
// "<namespace>.<type>.<version>-<release>", where namespace is matched
// literally against the given vendor namespace. A non-kernel basename
// (wrong namespace, wrong shape, empty fields, oversized fields,
// non-integer release) yields an error, which callers treat as "this file
// is not a kernel" rather than a fatal condition.
func ParseIdentifier(namespace, basename string) (Identifier, error) {
	prefix := namespace + "."
	if !strings.HasPrefix(basename, prefix) {
		return Identifier{}, fmt.Errorf("kernel: %q: does not start with namespace %q", basename, namespace)
	}
	rest := basename[len(prefix):]

	typeDot := strings.IndexByte(rest, '.')
	if typeDot < 0 {
		return Identifier{}, fmt.Errorf("kernel: %q: missing type separator", basename)
	}
	ktype := rest[:typeDot]
	verRelease := rest[typeDot+1:]

	dash := strings.LastIndexByte(verRelease, '-')
	if dash < 0 {
		return Identifier{}, fmt.Errorf("kernel: %q: missing release separator", basename)
	}
	version := verRelease[:dash]
	releaseStr := verRelease[dash+1:]

	if ktype == "" || version == "" || releaseStr == "" {
		return Identifier{}, fmt.Errorf("kernel: %q: empty identifier component", basename)
	}
	if len(ktype) > maxTypeLen {
		return Identifier{}, fmt.Errorf("kernel: %q: type exceeds %d bytes", basename, maxTypeLen)
	}
	if len(version) > maxVersionLen {
		return Identifier{}, fmt.Errorf("kernel: %q: version exceeds %d bytes", basename, maxVersionLen)
	}
	release, err := strconv.Atoi(releaseStr)
	if err != nil || release <= 0 {
		return Identifier{}, fmt.Errorf("kernel: %q: release is not a positive integer", basename)
	}

	return Identifier{Namespace: namespace, Type: ktype, Version: version, Release: release}, nil
}

// VersionRelease formats the bare "<version>-<release>" component, used
// only for the legacy (pre-type-suffix) module-directory fallback.
func (id Identifier) VersionRelease() string {
	return fmt.Sprintf("%s-%d", id.Version, id.Release)
}

// TypedVersionRelease formats "<version>-<release>.<type>", used for the
// cmdline/config/System.map/vmlinux side-car names, the primary module and
// headers directories, and the kboot marker file name.
func (id Identifier) TypedVersionRelease() string {
	return fmt.Sprintf("%s-%d.%s", id.Version, id.Release, id.Type)
}
