package orchestrator

import (
	"os"
	"strings"
)

// OSReleaseKernelPath is where the running kernel's release string is read
// from, the idiomatic-Go equivalent of the original's uname(2) call:
// /proc/sys/kernel/osrelease reports exactly the same "<version>-<release>.
// <type>" string uname -r would, without the per-arch Utsname byte-array
// width concerns x/sys/unix.Uname carries. Overridden by tests the same way
// ProcMounts and EFIVarsDir are.
var OSReleaseKernelPath = "/proc/sys/kernel/osrelease"

// runningRelease reports the booted kernel's release string, or ok=false if
// it can't be determined (e.g. not running on Linux, or the file is
// missing in a container).
func runningRelease() (string, bool) {
	data, err := os.ReadFile(OSReleaseKernelPath)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}
