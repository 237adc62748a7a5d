// Package config assembles the settings of a search from defaults, an
// optional YAML file, MIXPREC_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cwbudde/mixprectune/internal/anneal"
	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/evaluate"
	"github.com/cwbudde/mixprectune/internal/evolve"
	"github.com/cwbudde/mixprectune/internal/search"
	"github.com/cwbudde/mixprectune/internal/surrogate"
)

// EnvPrefix prefixes every environment override, e.g.
// MIXPREC_SEARCH_POPULATION_SIZE.
const EnvPrefix = "MIXPREC"

// Config is the complete configuration of the tool.
type Config struct {
	// SeedDir holds the seed configuration documents.
	SeedDir string `mapstructure:"seed_dir" yaml:"seed_dir"`
	// OutputDir receives the cache, run artifacts and the final best
	// configuration.
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	Search     SearchConfig             `mapstructure:"search" yaml:"search"`
	Evolution  evolve.Params            `mapstructure:"evolution" yaml:"evolution"`
	Annealing  AnnealingConfig          `mapstructure:"annealing" yaml:"annealing"`
	Surrogate  SurrogateConfig          `mapstructure:"surrogate" yaml:"surrogate"`
	Stagnation StagnationConfig         `mapstructure:"stagnation" yaml:"stagnation"`
	Groups     GroupConfig              `mapstructure:"groups" yaml:"groups"`
	Cache      CacheConfig              `mapstructure:"cache" yaml:"cache"`
	Toolchain  evaluate.ToolchainConfig `mapstructure:"toolchain" yaml:"toolchain"`
	Server     ServerConfig             `mapstructure:"server" yaml:"server"`
}

// SearchConfig sizes the genetic search.
type SearchConfig struct {
	PopulationSize int   `mapstructure:"population_size" yaml:"population_size"`
	Generations    int   `mapstructure:"generations" yaml:"generations"`
	Workers        int   `mapstructure:"workers" yaml:"workers"`
	Seed           int64 `mapstructure:"seed" yaml:"seed"`
}

// AnnealingConfig controls the refinement of each generation's best.
type AnnealingConfig struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	Steps   int     `mapstructure:"steps" yaml:"steps"`
	T0      float64 `mapstructure:"t0" yaml:"t0"`
	Cooling float64 `mapstructure:"cooling" yaml:"cooling"`
}

// SurrogateConfig points at the predictor model and tunes the gate.
type SurrogateConfig struct {
	// Model is the path of a fitted ensemble. Empty disables the surrogate.
	Model            string               `mapstructure:"model" yaml:"model"`
	Thresholds       surrogate.Thresholds `mapstructure:"thresholds" yaml:"thresholds"`
	EarlyTermination bool                 `mapstructure:"early_termination" yaml:"early_termination"`

	// ExplorerProposals is the number of explored configurations added to
	// the initial population (0 disables exploration).
	ExplorerProposals  int `mapstructure:"explorer_proposals" yaml:"explorer_proposals"`
	ExplorerIterations int `mapstructure:"explorer_iterations" yaml:"explorer_iterations"`
	ExplorerPopulation int `mapstructure:"explorer_population" yaml:"explorer_population"`
}

// StagnationConfig stops a search that no longer improves.
type StagnationConfig struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
	Patience  int     `mapstructure:"patience" yaml:"patience"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// GroupConfig locates the structural group files.
type GroupConfig struct {
	Dir   string   `mapstructure:"dir" yaml:"dir"`
	Files []string `mapstructure:"files" yaml:"files"`
	// Clamp applies the group files to every population of a regular run.
	Clamp bool `mapstructure:"clamp" yaml:"clamp"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Backend        string `mapstructure:"backend" yaml:"backend"`
	Path           string `mapstructure:"path" yaml:"path"`
	FlushEvery     int    `mapstructure:"flush_every" yaml:"flush_every"`
	RetryTransient bool   `mapstructure:"retry_transient" yaml:"retry_transient"`
	MaxAttempts    int    `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	MaxConcurrent   int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	opts := search.DefaultOptions()
	policy := cache.DefaultPolicy()
	annealing := anneal.DefaultParams()
	stagnation := search.DefaultStagnationConfig()

	return Config{
		SeedDir:   "configs",
		OutputDir: "output",
		Search: SearchConfig{
			PopulationSize: opts.PopulationSize,
			Generations:    opts.Generations,
			Workers:        opts.Workers,
			Seed:           opts.Seed,
		},
		Evolution: evolve.DefaultParams(),
		Annealing: AnnealingConfig{
			Enabled: true,
			Steps:   annealing.Steps,
			T0:      annealing.T0,
			Cooling: annealing.Cooling,
		},
		Surrogate: SurrogateConfig{
			Thresholds:         surrogate.DefaultThresholds(),
			EarlyTermination:   true,
			ExplorerIterations: 30,
			ExplorerPopulation: 20,
		},
		Stagnation: StagnationConfig{
			Enabled:   stagnation.Enabled,
			Patience:  stagnation.Patience,
			Threshold: stagnation.Threshold,
		},
		Groups: GroupConfig{
			Dir:   "grouped",
			Files: append([]string(nil), evolve.DefaultGroupFiles...),
		},
		Cache: CacheConfig{
			Backend:     "file",
			FlushEvery:  policy.FlushEvery,
			MaxAttempts: policy.MaxAttempts,
		},
		Toolchain: evaluate.DefaultToolchainConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			MaxConcurrent:   1,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// SetDefaults registers every key of Default with v so that environment
// variables and flags can override them.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("seed_dir", d.SeedDir)
	v.SetDefault("output_dir", d.OutputDir)

	v.SetDefault("search.population_size", d.Search.PopulationSize)
	v.SetDefault("search.generations", d.Search.Generations)
	v.SetDefault("search.workers", d.Search.Workers)
	v.SetDefault("search.seed", d.Search.Seed)

	v.SetDefault("evolution.mutation_rate", d.Evolution.MutationRate)
	v.SetDefault("evolution.crossover_rate", d.Evolution.CrossoverRate)
	v.SetDefault("evolution.gene_rate", d.Evolution.GeneRate)
	v.SetDefault("evolution.swap_rate", d.Evolution.SwapRate)
	v.SetDefault("evolution.tournament_size", d.Evolution.TournamentSize)

	v.SetDefault("annealing.enabled", d.Annealing.Enabled)
	v.SetDefault("annealing.steps", d.Annealing.Steps)
	v.SetDefault("annealing.t0", d.Annealing.T0)
	v.SetDefault("annealing.cooling", d.Annealing.Cooling)

	v.SetDefault("surrogate.model", d.Surrogate.Model)
	v.SetDefault("surrogate.thresholds.confidence", d.Surrogate.Thresholds.Confidence)
	v.SetDefault("surrogate.thresholds.skip", d.Surrogate.Thresholds.Skip)
	v.SetDefault("surrogate.thresholds.force", d.Surrogate.Thresholds.Force)
	v.SetDefault("surrogate.thresholds.early_termination", d.Surrogate.Thresholds.EarlyTermination)
	v.SetDefault("surrogate.early_termination", d.Surrogate.EarlyTermination)
	v.SetDefault("surrogate.explorer_proposals", d.Surrogate.ExplorerProposals)
	v.SetDefault("surrogate.explorer_iterations", d.Surrogate.ExplorerIterations)
	v.SetDefault("surrogate.explorer_population", d.Surrogate.ExplorerPopulation)

	v.SetDefault("stagnation.enabled", d.Stagnation.Enabled)
	v.SetDefault("stagnation.patience", d.Stagnation.Patience)
	v.SetDefault("stagnation.threshold", d.Stagnation.Threshold)

	v.SetDefault("groups.dir", d.Groups.Dir)
	v.SetDefault("groups.files", d.Groups.Files)
	v.SetDefault("groups.clamp", d.Groups.Clamp)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("cache.flush_every", d.Cache.FlushEvery)
	v.SetDefault("cache.retry_transient", d.Cache.RetryTransient)
	v.SetDefault("cache.max_attempts", d.Cache.MaxAttempts)

	t := d.Toolchain
	v.SetDefault("toolchain.work_dir", t.WorkDir)
	v.SetDefault("toolchain.initial_ir", t.InitialIR)
	v.SetDefault("toolchain.pass_plugin", t.PassPlugin)
	v.SetDefault("toolchain.pass_name", t.PassName)
	v.SetDefault("toolchain.opt", t.Opt)
	v.SetDefault("toolchain.llc", t.Llc)
	v.SetDefault("toolchain.clang", t.Clang)
	v.SetDefault("toolchain.target", t.Target)
	v.SetDefault("toolchain.march", t.March)
	v.SetDefault("toolchain.runner", t.Runner)
	v.SetDefault("toolchain.runner_args", t.RunnerArgs)
	v.SetDefault("toolchain.run_args", t.RunArgs)
	v.SetDefault("toolchain.runs", t.Runs)
	v.SetDefault("toolchain.stage_timeout", t.StageTimeout)
	v.SetDefault("toolchain.run_timeout", t.RunTimeout)
	v.SetDefault("toolchain.baseline.min", t.Baseline.Min)
	v.SetDefault("toolchain.baseline.mean", t.Baseline.Mean)
	v.SetDefault("toolchain.baseline.max", t.Baseline.Max)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.max_concurrent", d.Server.MaxConcurrent)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
}

// NewViper returns a viper instance with defaults and environment lookup
// configured. path names an optional YAML file.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Load reads the configuration from defaults, the optional file at path
// and the environment.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// Validate checks the configuration. Toolchain inputs are only checked by
// commands that evaluate.
func (c *Config) Validate() error {
	if c.SeedDir == "" {
		return errors.New("seed directory is required")
	}
	if c.OutputDir == "" {
		return errors.New("output directory is required")
	}
	switch c.Cache.Backend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported cache backend: %q", c.Cache.Backend)
	}
	if c.Cache.FlushEvery < 0 {
		return fmt.Errorf("cache flush interval must not be negative, got %d", c.Cache.FlushEvery)
	}
	if c.Surrogate.ExplorerProposals > 0 && (c.Surrogate.ExplorerIterations < 1 || c.Surrogate.ExplorerPopulation < 1) {
		return errors.New("explorer iterations and population must be positive")
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server max concurrent must be positive, got %d", c.Server.MaxConcurrent)
	}
	return c.SearchOptions().Validate()
}

// SearchOptions converts the configuration into controller options.
// Group files are attached separately since they have to be loaded.
func (c *Config) SearchOptions() search.Options {
	opts := search.DefaultOptions()
	opts.PopulationSize = c.Search.PopulationSize
	opts.Generations = c.Search.Generations
	opts.Workers = c.Search.Workers
	opts.Seed = c.Search.Seed
	opts.Evolve = c.Evolution
	opts.Anneal = anneal.Params{
		Steps:   c.Annealing.Steps,
		T0:      c.Annealing.T0,
		Cooling: c.Annealing.Cooling,
	}
	opts.Thresholds = c.Surrogate.Thresholds
	opts.Stagnation = search.StagnationConfig{
		Enabled:   c.Stagnation.Enabled,
		Patience:  c.Stagnation.Patience,
		Threshold: c.Stagnation.Threshold,
	}
	opts.SimulatedAnnealing = c.Annealing.Enabled
	opts.EarlyTermination = c.Surrogate.EarlyTermination
	opts.ExplorerProposals = c.Surrogate.ExplorerProposals
	return opts
}

// CacheOptions converts the cache section into backend options rooted at
// the output directory.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		Backend: c.Cache.Backend,
		Path:    c.Cache.Path,
		Dir:     c.OutputDir,
		Policy: cache.Policy{
			FlushEvery:     c.Cache.FlushEvery,
			RetryTransient: c.Cache.RetryTransient,
			MaxAttempts:    c.Cache.MaxAttempts,
		},
	}
}
