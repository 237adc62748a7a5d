package evaluate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwbudde/mixprectune/internal/plan"
	"github.com/cwbudde/mixprectune/internal/precision"
)

// ToolchainConfig locates the external tools and inputs of the evaluation
// pipeline. It is passed explicitly; nothing is read from the environment.
type ToolchainConfig struct {
	WorkDir    string `json:"work_dir" yaml:"work_dir" mapstructure:"work_dir"`
	InitialIR  string `json:"initial_ir" yaml:"initial_ir" mapstructure:"initial_ir"`
	PassPlugin string `json:"pass_plugin" yaml:"pass_plugin" mapstructure:"pass_plugin"`
	PassName   string `json:"pass_name" yaml:"pass_name" mapstructure:"pass_name"`

	Opt   string `json:"opt" yaml:"opt" mapstructure:"opt"`
	Llc   string `json:"llc" yaml:"llc" mapstructure:"llc"`
	Clang string `json:"clang" yaml:"clang" mapstructure:"clang"`

	Target string `json:"target" yaml:"target" mapstructure:"target"`
	March  string `json:"march" yaml:"march" mapstructure:"march"`

	// Runner executes the binary (e.g. an emulator). Empty runs it directly.
	Runner     string   `json:"runner" yaml:"runner" mapstructure:"runner"`
	RunnerArgs []string `json:"runner_args" yaml:"runner_args" mapstructure:"runner_args"`
	RunArgs    []string `json:"run_args" yaml:"run_args" mapstructure:"run_args"`
	Runs       int      `json:"runs" yaml:"runs" mapstructure:"runs"`

	StageTimeout time.Duration `json:"stage_timeout" yaml:"stage_timeout" mapstructure:"stage_timeout"`
	RunTimeout   time.Duration `json:"run_timeout" yaml:"run_timeout" mapstructure:"run_timeout"`

	Baseline Baseline `json:"baseline" yaml:"baseline" mapstructure:"baseline"`
}

// DefaultToolchainConfig targets an AArch64 binary with FP16 support run
// under user-mode emulation.
func DefaultToolchainConfig() ToolchainConfig {
	return ToolchainConfig{
		WorkDir:      "output",
		PassName:     "pl",
		Opt:          "opt",
		Llc:          "llc",
		Clang:        "clang",
		Target:       "aarch64-linux-gnu",
		March:        "armv8.2-a+fp16",
		Runner:       "qemu-aarch64",
		RunnerArgs:   []string{"-L", "/usr/aarch64-linux-gnu"},
		RunArgs:      []string{"5", "300", "1600"},
		Runs:         1,
		StageTimeout: 10 * time.Minute,
		RunTimeout:   30 * time.Minute,
		Baseline:     DefaultBaseline(),
	}
}

// Validate checks that the pipeline inputs are set.
func (c ToolchainConfig) Validate() error {
	if c.InitialIR == "" {
		return errors.New("toolchain: initial IR file is required")
	}
	if c.PassPlugin == "" {
		return errors.New("toolchain: pass plugin is required")
	}
	if c.WorkDir == "" {
		return errors.New("toolchain: work directory is required")
	}
	if c.Runs < 1 {
		return fmt.Errorf("toolchain: runs must be positive, got %d", c.Runs)
	}
	if c.Baseline.Min <= 0 || c.Baseline.Mean <= 0 || c.Baseline.Max <= 0 {
		return errors.New("toolchain: baseline performance figures must be positive")
	}
	return nil
}

// CommandRunner executes an external program in dir.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Toolchain evaluates a configuration by staging it onto the baseline IR
// with the transform pass, building the result and running the benchmark.
type Toolchain struct {
	cfg      ToolchainConfig
	baseline precision.Config
	runner   CommandRunner
}

// NewToolchain creates a toolchain evaluator. baseline is the configuration
// the initial IR corresponds to.
func NewToolchain(cfg ToolchainConfig, baseline precision.Config) *Toolchain {
	return &Toolchain{cfg: cfg, baseline: baseline.Clone(), runner: execRunner{}}
}

// WithRunner replaces the command runner.
func (t *Toolchain) WithRunner(r CommandRunner) *Toolchain {
	t.runner = r
	return t
}

var _ Evaluator = (*Toolchain)(nil)

type runOutput struct {
	Run    int    `json:"test_run"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

func (t *Toolchain) Evaluate(ctx context.Context, cfg precision.Config, runID string) Result {
	start := time.Now()
	res := t.evaluate(ctx, cfg, runID)
	res.Duration = time.Since(start)

	if res.Failure != nil {
		slog.Warn("Evaluation failed",
			"run_id", runID,
			"stage", res.Failure.Stage,
			"reason", res.Failure.Reason,
			"transient", res.Failure.Transient)
	} else {
		slog.Info("Evaluation complete",
			"run_id", runID,
			"score", -res.Fitness,
			"pass_rate", res.Metrics.PassRate,
			"mean_gflops", res.Metrics.Mean,
			"duration", res.Duration)
	}
	return res
}

func (t *Toolchain) evaluate(ctx context.Context, cfg precision.Config, runID string) Result {
	// Commands run inside the individual directory, so every path handed to
	// them must be absolute.
	dir, err := filepath.Abs(filepath.Join(t.cfg.WorkDir, "individual_"+runID))
	if err != nil {
		return Failed(StagePlan, err.Error(), false)
	}
	initialIR, err := filepath.Abs(t.cfg.InitialIR)
	if err != nil {
		return Failed(StagePlan, err.Error(), false)
	}
	plugin, err := filepath.Abs(t.cfg.PassPlugin)
	if err != nil {
		return Failed(StagePlan, err.Error(), false)
	}

	outDir := filepath.Join(dir, "arm64_output")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Failed(StagePlan, fmt.Sprintf("failed to create work directory: %v", err), false)
	}

	steps, err := plan.Steps(t.baseline, cfg)
	if err != nil {
		return Failed(StagePlan, err.Error(), false)
	}
	slog.Debug("Conversion plan", "run_id", runID, "steps", len(steps))

	workingConfig := filepath.Join(dir, "config.json")
	current := initialIR
	for i, step := range steps {
		if err := precision.Save(filepath.Join(dir, fmt.Sprintf("step_%d_config.json", i)), step); err != nil {
			return Failed(StagePlan, err.Error(), false)
		}
		if err := precision.Save(workingConfig, step); err != nil {
			return Failed(StagePlan, err.Error(), false)
		}
		out := filepath.Join(outDir, fmt.Sprintf("step_%d_optimized.ll", i))
		if _, f := t.exec(ctx, StageTransform, t.cfg.StageTimeout, dir, t.cfg.Opt,
			"-load-pass-plugin="+plugin, current, "-S", "-o", out, "-passes="+t.cfg.PassName); f != nil {
			f.Reason = fmt.Sprintf("step %d: %s", i, f.Reason)
			return failedWith(f)
		}
		current = out
	}

	finalIR := filepath.Join(outDir, "kernel_optimized.ll")
	if err := copyFile(current, finalIR); err != nil {
		return Failed(StageOptimize, err.Error(), false)
	}
	if _, f := t.exec(ctx, StageOptimize, t.cfg.StageTimeout, dir, t.cfg.Opt, finalIR, "-S", "-o", finalIR, "-O2"); f != nil {
		return failedWith(f)
	}
	if err := precision.Save(workingConfig, cfg); err != nil {
		return Failed(StagePlan, err.Error(), false)
	}

	asm := filepath.Join(outDir, "kernel_optimized.s")
	if _, f := t.exec(ctx, StageCompile, t.cfg.StageTimeout, dir, t.cfg.Llc, finalIR, "-o", asm); f != nil {
		return failedWith(f)
	}

	exe := filepath.Join(outDir, "kernel_exec_optimized")
	if _, f := t.exec(ctx, StageLink, t.cfg.StageTimeout, dir, t.cfg.Clang,
		"--target="+t.cfg.Target, "-march="+t.cfg.March, "-O2", "-static", asm, "-o", exe, "-lm"); f != nil {
		return failedWith(f)
	}

	name, args := exe, append([]string(nil), t.cfg.RunArgs...)
	if t.cfg.Runner != "" {
		name = t.cfg.Runner
		args = append(append(append([]string(nil), t.cfg.RunnerArgs...), exe), t.cfg.RunArgs...)
	}
	runs := t.cfg.Runs
	if runs < 1 {
		runs = 1
	}
	var outputs []runOutput
	for i := 1; i <= runs; i++ {
		stdout, f := t.exec(ctx, StageRun, t.cfg.RunTimeout, dir, name, args...)
		if f != nil {
			f.Reason = fmt.Sprintf("run %d: %s", i, f.Reason)
			return failedWith(f)
		}
		outputs = append(outputs, runOutput{Run: i, Stdout: string(stdout)})
	}

	last := outputs[len(outputs)-1].Stdout
	if err := os.WriteFile(filepath.Join(dir, "optimized_performance.txt"), []byte(last), 0644); err != nil {
		slog.Debug("Failed to write performance output", "run_id", runID, "error", err)
	}
	writeRunSummary(filepath.Join(dir, "run_summary.json"), runID, outputs)

	metrics, err := ParseMetrics(last)
	if err != nil {
		return Failed(StageParse, err.Error(), false)
	}
	return Result{Fitness: Fitness(metrics, t.cfg.Baseline), Metrics: &metrics}
}

// exec runs one pipeline command under an optional timeout. A command
// stopped by the deadline or by cancellation is a transient failure.
func (t *Toolchain) exec(ctx context.Context, stage Stage, timeout time.Duration, dir, name string, args ...string) ([]byte, *Failure) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout, stderr, err := t.runner.Run(ctx, dir, name, args...)
	if err == nil {
		return stdout, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &Failure{Stage: stage, Reason: fmt.Sprintf("%s: %v", filepath.Base(name), ctxErr), Transient: true}
	}
	reason := fmt.Sprintf("%s: %v", filepath.Base(name), err)
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		reason += ": " + truncate(msg, 500)
	}
	return nil, &Failure{Stage: stage, Reason: reason}
}

func failedWith(f *Failure) Result {
	return Failed(f.Stage, f.Reason, f.Transient)
}

func writeRunSummary(path, runID string, outputs []runOutput) {
	summary := struct {
		RunID   string      `json:"individual_id"`
		Runs    int         `json:"test_num"`
		Outputs []runOutput `json:"outputs"`
	}{runID, len(outputs), outputs}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err == nil {
		err = os.WriteFile(path, data, 0644)
	}
	if err != nil {
		slog.Debug("Failed to write run summary", "path", path, "error", err)
	}
}

func copyFile(src, dst string) error {
	if src == dst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
