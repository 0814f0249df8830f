package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/bketelsen/cbm/internal/bootcap"
	"github.com/bketelsen/cbm/internal/mountcoord"
	"github.com/bketelsen/cbm/internal/sysconfig"
	"github.com/bketelsen/cbm/internal/sysexec"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount the boot directory, if it isn't already",
	Long: `Exposes the Mount Coordinator directly, for packaging scriptlets that
need the ESP (or legacy boot partition) mounted outside of a full update.`,
	RunE: runMount,
}

var umountCmd = &cobra.Command{
	Use:   "umount",
	Short: "Unmount the boot directory",
	RunE:  runUmount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(umountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	prefix := viper.GetString("prefix")
	runner := sysexec.New()

	cfg, err := sysconfig.Resolve(prefix, resolvedImageMode(prefix), viper.GetBool("force-legacy"), blkidFSProbe(runner))
	if err != nil {
		return fmt.Errorf("resolving system config: %w", err)
	}
	if !cfg.Sane() {
		return fmt.Errorf("could not resolve a root device under %s", prefix)
	}

	isUEFI := cfg.WantedBootMask.Has(bootcap.UEFI)
	if !isUEFI && cfg.BootDevice == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "no dedicated boot device: nothing to mount")
		return nil
	}

	var fstype string
	if cfg.BootDevice != "" {
		fstype, _ = blkidFSProbe(runner)(cfg.BootDevice)
	}

	bootDir := filepath.Join(prefix, "boot")
	table := mountcoord.NewProcMountTable()
	result, err := mountcoord.Mount(cmd.Context(), runner, table, bootDir, cfg.BootDevice, fstype, cfg.WantedBootMask, isUEFI, func(string) error { return nil })
	if err != nil {
		return fmt.Errorf("mounting %s: %w", bootDir, err)
	}
	switch result {
	case mountcoord.AlreadyMounted:
		fmt.Fprintln(cmd.OutOrStdout(), "already mounted")
	case mountcoord.FreshlyMounted:
		fmt.Fprintln(cmd.OutOrStdout(), "mounted", cfg.BootDevice, "at", bootDir)
	}
	return nil
}

func runUmount(cmd *cobra.Command, args []string) error {
	prefix := viper.GetString("prefix")
	bootDir := filepath.Join(prefix, "boot")
	if err := mountcoord.Unmount(cmd.Context(), sysexec.New(), bootDir); err != nil {
		return fmt.Errorf("unmounting %s: %w", bootDir, err)
	}
	return nil
}
