package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mixprectune/internal/evaluate"
	"github.com/cwbudde/mixprectune/internal/evolve"
	"github.com/cwbudde/mixprectune/internal/precision"
	"github.com/cwbudde/mixprectune/internal/search"
)

var groupsCmd = &cobra.Command{
	Use:   "groups [group-file...]",
	Short: "Search each structural group file separately",
	Long: `Runs a small search per group file, each forcing the variables of a group
to share one precision, and reports the best group. Without arguments the
configured group directory and files are used. The files can be generated
with "groups partition".`,
	Args: cobra.ArbitraryArgs,
	RunE: runGroups,
}

func init() {
	addSearchFlags(groupsCmd)
	rootCmd.AddCommand(groupsCmd)
}

func runGroups(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, searchFlagKeys)
	if err != nil {
		return err
	}
	if err := cfg.Toolchain.Validate(); err != nil {
		return err
	}

	var groups []*evolve.GroupFile
	if len(args) > 0 {
		for _, path := range args {
			gf, err := evolve.LoadGroupFile(path)
			if err != nil {
				return err
			}
			groups = append(groups, gf)
		}
	} else {
		groups = loadGroups(cfg)
	}
	if len(groups) == 0 {
		return errors.New("no group files found")
	}

	seeds, err := precision.LoadSeeds(cfg.SeedDir)
	if err != nil {
		return err
	}

	records, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer records.Close()

	gs := &search.GroupSearch{
		Options:   cfg.SearchOptions(),
		Seeds:     seeds.Configs,
		Cache:     records,
		Evaluator: evaluate.NewToolchain(cfg.Toolchain, seeds.Baseline),
		Predictor: loadPredictor(cfg),
		OutputDir: cfg.OutputDir,
	}

	ctx, stop := signalContext()
	defer stop()

	results, bestIdx, err := gs.Run(ctx, groups)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tBEST FITNESS\tFILE")
	fmt.Fprintln(w, "-----\t------------\t----")
	for i, r := range results {
		marker := ""
		if i == bestIdx {
			marker = " *"
		}
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "%s\terror: %v\t\n", r.Group, r.Err)
		case r.BestFitness == nil:
			fmt.Fprintf(w, "%s\t-\t\n", r.Group)
		default:
			fmt.Fprintf(w, "%s%s\t%.4f\t%s\n", r.Group, marker, *r.BestFitness, r.Path)
		}
	}
	w.Flush()

	if err != nil {
		return err
	}
	if bestIdx < 0 {
		return errors.New("no group produced a valid configuration")
	}
	fmt.Printf("\nBest group: %s\n", results[bestIdx].Group)
	return nil
}
