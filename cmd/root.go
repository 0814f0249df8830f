// Package cmd wires the cbm CLI: cobra commands, viper configuration and
// environment binding, and fang's styled execution wrapper. Grounded on
// frostyard-nbc's cmd/root.go shape (rootCmd + SetVersion + Execute), the
// only repo in the pack that actually shows a complete fang-wrapped root
// command.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// defaultNamespace is cbm's own vendor kernel namespace.
const defaultNamespace = "org.cbm"

var (
	flagPrefix       string
	flagNamespace    string
	flagVendorPrefix string
	flagImageMode    bool
	flagForceLegacy  bool
	flagDebug        bool
	flagJSON         bool

	log = logrus.New()

	rootCmd = &cobra.Command{
		Use:   "cbm",
		Short: "Kernel and bootloader lifecycle manager",
		Long: `cbm installs, updates, and garbage-collects kernels across every
supported bootloader family (systemd-boot/gummiboot/goofiboot, shim,
syslinux/extlinux, grub2), reconciling the installed kernel set on disk
with what the bootloader actually boots.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug || viper.GetInt("debug-level") >= 1 {
				log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}
)

// SetVersion sets the version reported by `cbm --version`.
func SetVersion(version string) {
	rootCmd.Version = version
}

// Execute runs the root command through fang's styled wrapper.
func Execute() error {
	return fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(rootCmd.Version),
		fang.WithNotifySignal(os.Interrupt, os.Kill),
	)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&flagPrefix, "prefix", "/", "root prefix to operate under (image builds pass a chroot path)")
	rootCmd.PersistentFlags().StringVar(&flagNamespace, "namespace", defaultNamespace, "vendor kernel namespace")
	rootCmd.PersistentFlags().StringVar(&flagVendorPrefix, "vendor-prefix", "", "loader-entry vendor prefix (defaults to namespace)")
	rootCmd.PersistentFlags().BoolVar(&flagImageMode, "image", false, "force image-mode semantics (default: inferred from --prefix != \"/\")")
	rootCmd.PersistentFlags().BoolVar(&flagForceLegacy, "force-legacy", false, "ignore UEFI firmware and select a legacy backend")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose (debug-level) logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit line-delimited JSON progress events instead of text")

	_ = viper.BindPFlag("prefix", rootCmd.PersistentFlags().Lookup("prefix"))
	_ = viper.BindPFlag("namespace", rootCmd.PersistentFlags().Lookup("namespace"))
	_ = viper.BindPFlag("vendor-prefix", rootCmd.PersistentFlags().Lookup("vendor-prefix"))
	_ = viper.BindPFlag("image", rootCmd.PersistentFlags().Lookup("image"))
	_ = viper.BindPFlag("force-legacy", rootCmd.PersistentFlags().Lookup("force-legacy"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	viper.SetEnvPrefix("CBM")
	viper.AutomaticEnv()

	// CBM_DEBUG is a verbosity level (1..N, 1 = debug), kept distinct from
	// the --debug boolean flag so viper doesn't have to coerce one value
	// between two types.
	if err := viper.BindEnv("debug-level", "CBM_DEBUG"); err != nil {
		fmt.Fprintf(os.Stderr, "cbm: binding CBM_DEBUG: %v\n", err)
	}
	if err := viper.BindEnv("force-legacy", "CBM_FORCE_LEGACY"); err != nil {
		fmt.Fprintf(os.Stderr, "cbm: binding CBM_FORCE_LEGACY: %v\n", err)
	}
	if err := viper.BindEnv("bootvar-test-mode", "CBM_BOOTVAR_TEST_MODE"); err != nil {
		fmt.Fprintf(os.Stderr, "cbm: binding CBM_BOOTVAR_TEST_MODE: %v\n", err)
	}
	if err := viper.BindEnv("test-fstype", "CBM_TEST_FSTYPE"); err != nil {
		fmt.Fprintf(os.Stderr, "cbm: binding CBM_TEST_FSTYPE: %v\n", err)
	}
}

// resolvedImageMode reports whether this invocation should run in
// image-mode: an explicit --image/CBM flag always wins, otherwise
// image-mode is inferred from a non-root prefix (spec §4.7: "Image mode
// (prefix != "/", or explicitly set)").
func resolvedImageMode(prefix string) bool {
	if viper.GetBool("image") {
		return true
	}
	return prefix != "/"
}
