package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bketelsen/cbm/internal/kernel"
	"github.com/bketelsen/cbm/internal/orchestrator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var reportBootedCmd = &cobra.Command{
	Use:   "report-booted",
	Short: "Record that the currently running kernel booted successfully",
	Long: `Writes the kboot marker file for the kernel named by the current
"uname -r", so update's native-mode retention policy treats it as a
last-good candidate.`,
	RunE: runReportBooted,
}

func init() {
	rootCmd.AddCommand(reportBootedCmd)
}

func runReportBooted(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(orchestrator.OSReleaseKernelPath)
	if err != nil {
		return fmt.Errorf("reading running kernel release: %w", err)
	}
	sys, err := kernel.ParseSystemKernel(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parsing running kernel release: %w", err)
	}

	tvr := fmt.Sprintf("%s-%d.%s", sys.Version, sys.Release, sys.Type)
	path := filepath.Join(viper.GetString("prefix"), "var/lib/kernel", "k_booted_"+tvr)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("writing kboot marker %s: %w", path, err)
	}
	return nil
}
