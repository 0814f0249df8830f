package kernel

import (
	"fmt"
	"strconv"
	"strings"
)

// SystemKernel is the running kernel as reported by `uname -r`, parsed
// independently of any on-disk Identifier (the kernel package on disk may
// have long since been removed). Grounded on cbm_parse_system_kernel,
// which expects the kernel.org release format "<version>-<release>.<type>".
type SystemKernel struct {
	Version string
	Release int
	Type    string
}

// ParseSystemKernel parses a `uname -r` string of the form
// "<version>-<release>.<type>", e.g. "4.6.0-180.native".
func ParseSystemKernel(uname string) (SystemKernel, error) {
	dash := strings.IndexByte(uname, '-')
	if dash < 0 || dash == 0 {
		return SystemKernel{}, fmt.Errorf("kernel: %q: missing version separator", uname)
	}
	version := uname[:dash]

	rest := uname[dash+1:]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return SystemKernel{}, fmt.Errorf("kernel: %q: missing release separator", uname)
	}
	releaseStr := rest[:dot]
	ktype := rest[dot+1:]

	if releaseStr == "" || ktype == "" {
		return SystemKernel{}, fmt.Errorf("kernel: %q: empty release or type component", uname)
	}
	release, err := strconv.Atoi(releaseStr)
	if err != nil {
		return SystemKernel{}, fmt.Errorf("kernel: %q: release is not an integer", uname)
	}

	return SystemKernel{Version: version, Release: release, Type: ktype}, nil
}
