package evaluate

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/fitness"
	"github.com/cwbudde/mixprectune/internal/precision"
)

const benchmarkOutput = `Running kernel...
Performance = 5.0 Gflops
Performance = 8.0 Gflops
Smallest/Average/Largest Performance = 4.5471 Gflops, 7.5516 Gflops, 9.6609 Gflops
Passing Rate: 100.00%
`

func makeConfig(tags ...string) precision.Config {
	cfg := precision.Config{}
	for i, tag := range tags {
		cfg.LocalVar = append(cfg.LocalVar, precision.Variable{
			Function: "kernel",
			Name:     string(rune('a' + i)),
			Type:     precision.MustParseTag(tag),
		})
	}
	return cfg
}

func TestParseMetricsSummaryLine(t *testing.T) {
	m, err := ParseMetrics(benchmarkOutput)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.PassRate, 1e-12)
	assert.InDelta(t, 4.5471, m.Min, 1e-12)
	assert.InDelta(t, 7.5516, m.Mean, 1e-12)
	assert.InDelta(t, 9.6609, m.Max, 1e-12)
}

func TestParseMetricsFallbackLines(t *testing.T) {
	out := "Performance = 2.0 Gflops\nPerformance = 6.0 Gflops\nPerformance = 4.0 Gflops\nPassing Rate: 50%\n"
	m, err := ParseMetrics(out)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.PassRate, 1e-12)
	assert.InDelta(t, 2.0, m.Min, 1e-12)
	assert.InDelta(t, 4.0, m.Mean, 1e-12)
	assert.InDelta(t, 6.0, m.Max, 1e-12)
}

func TestParseMetricsNothing(t *testing.T) {
	_, err := ParseMetrics("segmentation fault\n")
	assert.Error(t, err)
}

func TestScore(t *testing.T) {
	b := DefaultBaseline()

	// Matching the baseline with every test passing: 40 + 50*0.6.
	atBaseline := Metrics{PassRate: 1, Min: b.Min, Mean: b.Mean, Max: b.Max}
	assert.InDelta(t, 70.0, Score(atBaseline, b), 1e-9)
	assert.InDelta(t, -70.0, Fitness(atBaseline, b), 1e-9)

	// Twice as fast, half the tests passing: 20 + 100*0.6.
	faster := Metrics{PassRate: 0.5, Min: 2 * b.Min, Mean: 2 * b.Mean, Max: 2 * b.Max}
	assert.InDelta(t, 80.0, Score(faster, b), 1e-9)

	assert.InDelta(t, 0.0, Score(Metrics{}, b), 1e-12)
}

// fakeRunner creates every "-o" output and answers benchmark runs with
// canned output.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	failOn    string
	block     string
	runStdout string
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	if name == f.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	if name == f.failOn {
		return nil, []byte("fatal error: boom"), errors.New("exit status 1")
	}
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			if err := os.WriteFile(args[i+1], []byte("; output\n"), 0644); err != nil {
				return nil, nil, err
			}
		}
	}
	if name == "runner" {
		return []byte(f.runStdout), nil, nil
	}
	return nil, nil, nil
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func newTestToolchain(t *testing.T, runner *fakeRunner) (*Toolchain, ToolchainConfig) {
	t.Helper()
	dir := t.TempDir()
	ir := filepath.Join(dir, "kernel.ll")
	require.NoError(t, os.WriteFile(ir, []byte("; initial\n"), 0644))

	cfg := DefaultToolchainConfig()
	cfg.WorkDir = filepath.Join(dir, "output")
	cfg.InitialIR = ir
	cfg.PassPlugin = filepath.Join(dir, "pass.so")
	cfg.Opt, cfg.Llc, cfg.Clang, cfg.Runner = "opt", "llc", "clang", "runner"
	cfg.Runs = 2
	cfg.StageTimeout = 50 * time.Millisecond
	cfg.RunTimeout = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())

	baseline := makeConfig("double", "double*")
	return NewToolchain(cfg, baseline).WithRunner(runner), cfg
}

func TestToolchainSuccess(t *testing.T) {
	runner := &fakeRunner{runStdout: benchmarkOutput}
	tc, cfg := newTestToolchain(t, runner)

	res := tc.Evaluate(context.Background(), makeConfig("half", "half*"), "0_1")
	require.Nil(t, res.Failure)
	assert.InDelta(t, -70.0, res.Fitness, 1e-9)
	require.NotNil(t, res.Metrics)

	// double -> half is staged through float, so the pass runs twice.
	assert.Equal(t, 2+1, runner.count("opt"))
	assert.Equal(t, 1, runner.count("llc"))
	assert.Equal(t, 1, runner.count("clang"))
	assert.Equal(t, 2, runner.count("runner"))

	dir := filepath.Join(cfg.WorkDir, "individual_0_1")
	for _, name := range []string{"step_0_config.json", "step_1_config.json", "config.json", "optimized_performance.txt", "run_summary.json"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	saved, err := precision.Load(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.True(t, precision.Equal(saved, makeConfig("half", "half*")))
}

func TestToolchainStageFailure(t *testing.T) {
	runner := &fakeRunner{runStdout: benchmarkOutput, failOn: "llc"}
	tc, _ := newTestToolchain(t, runner)

	res := tc.Evaluate(context.Background(), makeConfig("float", "double*"), "1_0")
	require.NotNil(t, res.Failure)
	assert.Equal(t, StageCompile, res.Failure.Stage)
	assert.False(t, res.Failure.Transient)
	assert.Contains(t, res.Failure.Reason, "boom")
	assert.True(t, math.IsInf(res.Fitness, 1))
	assert.Zero(t, runner.count("runner"))
}

func TestToolchainTimeoutIsTransient(t *testing.T) {
	runner := &fakeRunner{block: "runner"}
	tc, _ := newTestToolchain(t, runner)

	res := tc.Evaluate(context.Background(), makeConfig("float", "float*"), "2_0")
	require.NotNil(t, res.Failure)
	assert.Equal(t, StageRun, res.Failure.Stage)
	assert.True(t, res.Failure.Transient)
	assert.Equal(t, fitness.Failure, res.Fitness)
}

func TestToolchainUnparsableOutput(t *testing.T) {
	runner := &fakeRunner{runStdout: "Illegal instruction\n"}
	tc, _ := newTestToolchain(t, runner)

	res := tc.Evaluate(context.Background(), makeConfig("float", "float*"), "3_0")
	require.NotNil(t, res.Failure)
	assert.Equal(t, StageParse, res.Failure.Stage)
}

func TestCachedEvaluatorHitAndMiss(t *testing.T) {
	var calls atomic.Int32
	inner := EvaluatorFunc(func(ctx context.Context, cfg precision.Config, runID string) Result {
		calls.Add(1)
		return Result{Fitness: -42}
	})
	store := cache.NewMemory(cache.DefaultPolicy())
	ev := NewCached(inner, store)
	cfg := makeConfig("half")

	first := ev.Evaluate(context.Background(), cfg, "0_0")
	assert.False(t, first.Cached)
	assert.Equal(t, -42.0, first.Fitness)

	second := ev.Evaluate(context.Background(), cfg, "0_1")
	assert.True(t, second.Cached)
	assert.Equal(t, -42.0, second.Fitness)

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, ev.Evaluations())
	assert.EqualValues(t, 1, ev.Hits())

	rec, ok := store.Lookup(cfg)
	require.True(t, ok)
	assert.Equal(t, cache.KindActual, rec.Kind)
}

func TestCachedEvaluatorRemembersFailures(t *testing.T) {
	inner := EvaluatorFunc(func(context.Context, precision.Config, string) Result {
		return Failed(StageLink, "undefined symbol", false)
	})
	store := cache.NewMemory(cache.DefaultPolicy())
	ev := NewCached(inner, store)
	cfg := makeConfig("half*")

	ev.Evaluate(context.Background(), cfg, "0_0")
	again := ev.Evaluate(context.Background(), cfg, "0_1")
	require.NotNil(t, again.Failure)
	assert.Equal(t, StageCache, again.Failure.Stage)
	assert.True(t, strings.Contains(again.Failure.Reason, "undefined symbol"))
	assert.True(t, math.IsInf(again.Fitness, 1))
	assert.EqualValues(t, 1, ev.Evaluations())
}

func TestCachedEvaluatorClaimedIsNotMeasured(t *testing.T) {
	inner := EvaluatorFunc(func(context.Context, precision.Config, string) Result {
		return Result{Fitness: -10}
	})
	store := cache.NewMemory(cache.DefaultPolicy())
	cfg := makeConfig("float")
	require.True(t, store.Claim(cfg))

	res := NewCached(inner, store).Evaluate(context.Background(), cfg, "0_0")
	assert.False(t, res.Cached)
	assert.Equal(t, -10.0, res.Fitness)
}

func TestCachedEvaluatorDoesNotRecordInterruptedRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	inner := EvaluatorFunc(func(ctx context.Context, cfg precision.Config, runID string) Result {
		if calls.Add(1) == 1 {
			cancel()
			return Failed(StageRun, "run: "+ctx.Err().Error(), true)
		}
		return Result{Fitness: -12}
	})
	store := cache.NewMemory(cache.DefaultPolicy())
	ev := NewCached(inner, store)
	cfg := makeConfig("half", "double")

	res := ev.Evaluate(ctx, cfg, "0_0")
	require.NotNil(t, res.Failure)

	rec, ok := store.Lookup(cfg)
	require.True(t, ok)
	assert.NotEqual(t, cache.KindFailed, rec.Kind)
	assert.False(t, rec.Measured())

	// A later run measures the configuration for real.
	again := ev.Evaluate(context.Background(), cfg, "1_0")
	assert.False(t, again.Cached)
	assert.Nil(t, again.Failure)
	assert.Equal(t, -12.0, again.Fitness)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCachedEvaluatorSharesConcurrentEvaluations(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	inner := EvaluatorFunc(func(context.Context, precision.Config, string) Result {
		calls.Add(1)
		<-release
		return Result{Fitness: -7}
	})
	ev := NewCached(inner, cache.NewMemory(cache.DefaultPolicy()))
	cfg := makeConfig("half", "float")

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ev.Evaluate(context.Background(), cfg, "w")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, r := range results {
		assert.Equal(t, -7.0, r.Fitness)
	}
}
