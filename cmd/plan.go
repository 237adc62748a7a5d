package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mixprectune/internal/plan"
	"github.com/cwbudde/mixprectune/internal/precision"
)

var planOutDir string

var planCmd = &cobra.Command{
	Use:   "plan <current.json> <target.json>",
	Short: "Plan a staged conversion between two configurations",
	Long: `Splits the conversion from the current to the target configuration into at
most two steps so that no variable jumps more than one precision tier at a
time, and writes each step as step_<n>.json.`,
	Args: cobra.ExactArgs(2),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planOutDir, "out", ".", "Directory for the step configurations")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	current, err := precision.Load(args[0])
	if err != nil {
		return err
	}
	target, err := precision.Load(args[1])
	if err != nil {
		return err
	}

	steps, err := plan.Steps(current, target)
	if err != nil {
		return err
	}

	for i, step := range steps {
		path := filepath.Join(planOutDir, fmt.Sprintf("step_%d.json", i+1))
		if err := precision.Save(path, step); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
	}
	fmt.Printf("%d step(s), largest tier jump %d\n", len(steps), plan.MaxTierJump(current, steps))
	return nil
}
