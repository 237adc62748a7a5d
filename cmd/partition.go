package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mixprectune/internal/evolve"
	"github.com/cwbudde/mixprectune/internal/precision"
)

var partitionCmd = &cobra.Command{
	Use:   "partition <vars_depth.json>",
	Short: "Generate group files from a loop-depth report",
	Long: `Groups the variables of a configuration by function and by loop nesting
depth, using a report that lists the deepest loop each variable is used in.
Writes group_by_function.json and one group_depth_ge_<n>.json per depth into
the group directory, where "groups" and "run --groups" pick them up.

The grouped variables come from --variables, or from the baseline of the
seed directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runPartition,
}

var partitionFlagKeys = map[string]string{
	"seeds": "seed_dir",
	"out":   "groups.dir",
}

func init() {
	partitionCmd.Flags().String("seeds", "", "Directory of seed configurations")
	partitionCmd.Flags().String("out", "", "Directory for the group files (default: configured group directory)")
	partitionCmd.Flags().String("variables", "", "Configuration whose variables are grouped (default: seed baseline)")
	groupsCmd.AddCommand(partitionCmd)
}

func runPartition(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, partitionFlagKeys)
	if err != nil {
		return err
	}

	depths, err := evolve.LoadLoopDepths(args[0])
	if err != nil {
		return err
	}

	var base precision.Config
	if path, _ := cmd.Flags().GetString("variables"); path != "" {
		base, err = precision.Load(path)
		if err != nil {
			return err
		}
	} else {
		seeds, err := precision.LoadSeeds(cfg.SeedDir)
		if err != nil {
			return err
		}
		base = seeds.Baseline
	}

	parts := evolve.PartitionByLoopDepth(base, depths)
	if len(parts) == 0 {
		return errors.New("no variable of the configuration appears in the loop depth report")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tGROUPS\tVARIABLES")
	fmt.Fprintln(w, "----\t------\t---------")
	for _, p := range parts {
		path, err := p.Save(cfg.Groups.Dir)
		if err != nil {
			w.Flush()
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\n", path, len(p.Groups), p.VariableCount())
	}
	return w.Flush()
}
