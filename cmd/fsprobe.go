package cmd

import (
	"context"
	"strings"

	"github.com/bketelsen/cbm/internal/sysconfig"
	"github.com/bketelsen/cbm/internal/sysexec"
	"github.com/spf13/viper"
)

// blkidFSProbe shells out to blkid the way the original probed a boot
// device's filesystem type, returning the bare TYPE value (e.g. "vfat",
// "ext4"). CBM_TEST_FSTYPE short-circuits it to a fixed value for test
// harnesses that can't run blkid against a real block device.
func blkidFSProbe(runner sysexec.Runner) sysconfig.FSProbe {
	return func(device string) (string, error) {
		if fixed := viper.GetString("test-fstype"); fixed != "" {
			return fixed, nil
		}
		out, err := runner.Run(context.Background(), "blkid", "-o", "value", "-s", "TYPE", device)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	}
}
