package main

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/surrogate"
)

var (
	fitMembers int
	fitRidge   float64
)

var surrogateFlagKeys = map[string]string{
	"output": "output_dir",
	"cache":  "cache.backend",
	"model":  "surrogate.model",
	"seed":   "search.seed",
}

var surrogateCmd = &cobra.Command{
	Use:   "surrogate",
	Short: "Manage the surrogate model",
}

var surrogateFitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit the surrogate ensemble on cached measurements",
	Long: `Fits a bootstrap ensemble of ridge-regularized linear models on every
successful measurement in the cache and writes it to the configured model
path. Failed, skipped and predicted records are ignored.`,
	RunE: runSurrogateFit,
}

func init() {
	rootCmd.AddCommand(surrogateCmd)
	surrogateCmd.AddCommand(surrogateFitCmd)

	defaults := surrogate.DefaultFitOptions()
	surrogateFitCmd.Flags().String("output", "", "Output directory holding the cache")
	surrogateFitCmd.Flags().String("cache", "", "Cache backend: file, sqlite, memory")
	surrogateFitCmd.Flags().String("model", "", "Model file to write")
	surrogateFitCmd.Flags().Int64("seed", 0, "Random seed for bootstrap resampling")
	surrogateFitCmd.Flags().IntVar(&fitMembers, "members", defaults.Members, "Number of ensemble members")
	surrogateFitCmd.Flags().Float64Var(&fitRidge, "ridge", defaults.Ridge, "L2 penalty on member weights")
}

func runSurrogateFit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, surrogateFlagKeys)
	if err != nil {
		return err
	}
	if cfg.Surrogate.Model == "" {
		return fmt.Errorf("no model path configured (use --model or surrogate.model)")
	}

	records, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer records.Close()

	samples := trainingSamples(records.Records(0))
	slog.Info("Collected training samples", "samples", len(samples), "records", records.Len())

	model, err := surrogate.FitEnsemble(samples,
		surrogate.FitOptions{Members: fitMembers, Ridge: fitRidge},
		rand.New(rand.NewSource(cfg.Search.Seed)))
	if err != nil {
		return err
	}
	if err := model.Save(cfg.Surrogate.Model); err != nil {
		return err
	}

	fmt.Printf("Wrote %s (%d members, %d samples, RMSE %.4f)\n",
		cfg.Surrogate.Model, len(model.Members), model.Samples, model.RMSE)
	return nil
}

// trainingSamples keeps the successful exact measurements.
func trainingSamples(recs []cache.Record) []surrogate.Sample {
	var samples []surrogate.Sample
	for _, rec := range recs {
		if rec.Kind != cache.KindActual || rec.Fitness == nil {
			continue
		}
		if math.IsInf(*rec.Fitness, 0) || math.IsNaN(*rec.Fitness) {
			continue
		}
		samples = append(samples, surrogate.Sample{
			Features: surrogate.Features(rec.Config),
			Fitness:  *rec.Fitness,
		})
	}
	return samples
}
