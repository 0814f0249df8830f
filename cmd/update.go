package cmd

import (
	"fmt"
	"os"

	"github.com/bketelsen/cbm/internal/efivars"
	"github.com/bketelsen/cbm/internal/orchestrator"
	"github.com/bketelsen/cbm/internal/output"
	"github.com/bketelsen/cbm/internal/sysexec"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Reconcile installed kernels and the bootloader",
	Long: `update runs the full lifecycle algorithm: selects a bootloader backend,
discovers installed kernels, installs or repairs them, applies the
tip/last-good/running retention policy (native mode) or installs every
kernel unconditionally (image mode), and sets the default kernel.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if viper.GetBool("bootvar-test-mode") {
		efivars.UseFakeStore(efivars.NewFakeStore())
	}

	prefix := viper.GetString("prefix")
	imageMode := resolvedImageMode(prefix)

	format := output.FormatText
	if viper.GetBool("json") {
		format = output.FormatJSON
	}
	out := output.New(format, os.Stdout, flagDebug)

	runner := sysexec.New()
	namespace := viper.GetString("namespace")

	bm := &orchestrator.BootManager{
		Prefix:       prefix,
		Namespace:    namespace,
		VendorPrefix: viper.GetString("vendor-prefix"),
		ImageMode:    imageMode,
		ForceLegacy:  viper.GetBool("force-legacy"),
		Runner:       runner,
		ProbeFS:      blkidFSProbe(runner),
		Log: func(format string, a ...any) {
			msg := fmt.Sprintf(format, a...)
			log.Debug(msg)
			out.Log(msg)
		},
	}

	mode := "native"
	if imageMode {
		mode = "image"
	}
	out.SetPhase("update ("+mode+" mode)", 1)
	out.PhaseStart(1, "reconciling kernels and bootloader")

	err := bm.Update(cmd.Context())
	out.PhaseComplete(1, "reconciling kernels and bootloader")
	out.Complete(err == nil, err)
	if err != nil {
		return err
	}
	return nil
}
