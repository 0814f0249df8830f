package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const timeoutConfRelPath = "etc/boot_timeout.conf"

var getTimeoutCmd = &cobra.Command{
	Use:   "get-timeout",
	Short: "Print the configured boot menu timeout in seconds",
	Long:  `Prints the integer in /etc/boot_timeout.conf, or -1 when the file is absent.`,
	RunE:  runGetTimeout,
}

var setTimeoutCmd = &cobra.Command{
	Use:   "set-timeout <seconds>",
	Short: "Set the boot menu timeout in seconds",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetTimeout,
}

func init() {
	rootCmd.AddCommand(getTimeoutCmd)
	rootCmd.AddCommand(setTimeoutCmd)
}

func runGetTimeout(cmd *cobra.Command, args []string) error {
	path := filepath.Join(viper.GetString("prefix"), timeoutConfRelPath)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), -1)
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), -1)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func runSetTimeout(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("invalid timeout %q: must be a non-negative integer", args[0])
	}
	path := filepath.Join(viper.GetString("prefix"), timeoutConfRelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(n)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
