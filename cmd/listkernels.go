package cmd

import (
	"fmt"

	"github.com/bketelsen/cbm/internal/cmdline"
	"github.com/bketelsen/cbm/internal/kernel"
	"github.com/bketelsen/cbm/internal/orchestrator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listKernelsCmd = &cobra.Command{
	Use:   "list-kernels",
	Short: "List every discovered kernel with its type, version, release, and markers",
	RunE:  runListKernels,
}

func init() {
	rootCmd.AddCommand(listKernelsCmd)
}

func runListKernels(cmd *cobra.Command, args []string) error {
	prefix := viper.GetString("prefix")
	namespace := viper.GetString("namespace")

	globalCmdline, err := cmdline.Assemble(prefix)
	if err != nil {
		return fmt.Errorf("assembling cmdline: %w", err)
	}

	kernels, err := kernel.Discover(prefix, namespace, globalCmdline)
	if err != nil {
		return fmt.Errorf("discovering kernels: %w", err)
	}
	if len(kernels) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no kernels found")
		return nil
	}

	groups := kernel.GroupByType(kernels)
	for ktype, group := range groups {
		tip := orchestrator.TipOf(prefix, ktype, group)
		lastGood := orchestrator.LastGoodOf(group, tip)
		for _, k := range group {
			markers := markersFor(k, tip, lastGood)
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-12s %-6d %s%s\n",
				k.Identifier.Type, k.Identifier.Version, k.Identifier.Release, k.Basename, markers)
		}
	}
	return nil
}

func markersFor(k, tip kernel.Kernel, lastGood *kernel.Kernel) string {
	var markers string
	if k.Identifier == tip.Identifier {
		markers += " [tip]"
	}
	if lastGood != nil && k.Identifier == lastGood.Identifier {
		markers += " [last-good]"
	}
	if k.Boots {
		markers += " [boots]"
	}
	return markers
}
