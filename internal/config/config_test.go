package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	opts := cfg.SearchOptions()
	assert.Equal(t, 7, opts.PopulationSize)
	assert.Equal(t, 10, opts.Generations)
	assert.True(t, opts.SimulatedAnnealing)
	assert.True(t, opts.EarlyTermination)
	assert.InDelta(t, 0.81, opts.Thresholds.Confidence, 1e-12)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	d := Default()
	assert.Equal(t, d.SearchOptions().PopulationSize, cfg.Search.PopulationSize)
	assert.Equal(t, "file", cfg.Cache.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Toolchain.StageTimeout)
	assert.Equal(t, []string{"5", "300", "1600"}, cfg.Toolchain.RunArgs)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixprec.yaml")
	doc := `
seed_dir: seeds
search:
  population_size: 12
  workers: 4
evolution:
  mutation_rate: 0.5
surrogate:
  model: model.json
  thresholds:
    confidence: 0.9
toolchain:
  initial_ir: kernel.ll
  stage_timeout: 2m
cache:
  backend: sqlite
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "seeds", cfg.SeedDir)
	assert.Equal(t, 12, cfg.Search.PopulationSize)
	assert.Equal(t, 4, cfg.Search.Workers)
	assert.Equal(t, 10, cfg.Search.Generations)
	assert.InDelta(t, 0.5, cfg.Evolution.MutationRate, 1e-12)
	assert.InDelta(t, 0.7, cfg.Evolution.CrossoverRate, 1e-12)
	assert.Equal(t, "model.json", cfg.Surrogate.Model)
	assert.InDelta(t, 0.9, cfg.Surrogate.Thresholds.Confidence, 1e-12)
	assert.InDelta(t, 0.2, cfg.Surrogate.Thresholds.Skip, 1e-12)
	assert.Equal(t, "kernel.ll", cfg.Toolchain.InitialIR)
	assert.Equal(t, 2*time.Minute, cfg.Toolchain.StageTimeout)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)

	opts := cfg.CacheOptions()
	assert.Equal(t, "sqlite", opts.Backend)
	assert.Equal(t, "output", opts.Dir)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MIXPREC_SEARCH_GENERATIONS", "25")
	t.Setenv("MIXPREC_CACHE_BACKEND", "memory")
	t.Setenv("MIXPREC_ANNEALING_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Search.Generations)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.False(t, cfg.SearchOptions().SimulatedAnnealing)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty seed dir", func(c *Config) { c.SeedDir = "" }},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"zero population", func(c *Config) { c.Search.PopulationSize = 0 }},
		{"zero workers", func(c *Config) { c.Search.Workers = 0 }},
		{"bad mutation rate", func(c *Config) { c.Evolution.MutationRate = 1.5 }},
		{"force above skip", func(c *Config) { c.Surrogate.Thresholds.Force = 0.5 }},
		{"explorer without budget", func(c *Config) {
			c.Surrogate.ExplorerProposals = 3
			c.Surrogate.ExplorerIterations = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
