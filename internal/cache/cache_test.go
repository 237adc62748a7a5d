package cache

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/mixprectune/internal/precision"
)

func testConfig(tags ...string) precision.Config {
	cfg := precision.Config{}
	names := []string{"a", "b", "c", "d"}
	for i, tag := range tags {
		cfg.LocalVar = append(cfg.LocalVar, precision.Variable{
			Function: "kernel",
			Name:     names[i],
			Type:     precision.MustParseTag(tag),
		})
	}
	return cfg
}

func ptr(v float64) *float64 { return &v }

func TestMarkTestedIsIdempotent(t *testing.T) {
	c := NewMemory(DefaultPolicy())
	cfg := testConfig("double", "float*")

	c.MarkTested(cfg, ptr(-10), KindSurrogate)
	c.MarkTested(cfg, ptr(-12), KindActual)

	assert.Equal(t, 1, c.Len())
	rec, ok := c.Lookup(cfg)
	require.True(t, ok)
	assert.Equal(t, KindActual, rec.Kind)
	assert.Equal(t, -12.0, *rec.Fitness)
	assert.True(t, rec.Measured())
}

func TestClaimHasSingleWinner(t *testing.T) {
	c := NewMemory(DefaultPolicy())
	cfg := testConfig("half", "half*")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Claim(cfg) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, c.IsTested(cfg))
	rec, ok := c.Lookup(cfg)
	require.True(t, ok)
	assert.Equal(t, KindUntested, rec.Kind)
}

func TestRecordsAreCopies(t *testing.T) {
	c := NewMemory(DefaultPolicy())
	cfg := testConfig("double")
	c.MarkTested(cfg, ptr(-1), KindActual)

	rec, _ := c.Lookup(cfg)
	*rec.Fitness = 99
	rec.Config.LocalVar[0].Type = precision.MustParseTag("half")

	again, _ := c.Lookup(cfg)
	assert.Equal(t, -1.0, *again.Fitness)
	assert.Equal(t, "double", again.Config.LocalVar[0].Type.String())
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Dir: dir, Policy: DefaultPolicy()}

	c, err := Open(opts)
	require.NoError(t, err)

	measured := testConfig("float", "double*")
	predicted := testConfig("half", "double*")
	failed := testConfig("half", "half*")
	c.MarkTested(measured, ptr(-55.5), KindActual)
	c.MarkTested(predicted, ptr(-40), KindSurrogate)
	c.MarkFailed(failed, "compile: exit status 1", false)
	require.NoError(t, c.Close())

	reopened, err := Open(opts)
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Len())

	rec, ok := reopened.Lookup(measured)
	require.True(t, ok)
	assert.Equal(t, KindActual, rec.Kind)
	assert.Equal(t, -55.5, *rec.Fitness)
	assert.False(t, rec.Timestamp.IsZero())

	rec, ok = reopened.Lookup(failed)
	require.True(t, ok)
	assert.Equal(t, KindFailed, rec.Kind)
	assert.Nil(t, rec.Fitness)
	assert.Equal(t, "compile: exit status 1", rec.Failure)
	assert.True(t, reopened.IsTested(failed))
}

func TestLoadLegacyArray(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("float")
	path := filepath.Join(dir, DefaultFileName)
	legacy := `["h1", "` + precision.Hash(cfg) + `"]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	c, err := Open(Options{Dir: dir})
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	assert.True(t, c.IsTested(cfg))
	_, ok := c.Record("h1")
	assert.False(t, ok, "legacy fingerprints carry no record")
}

func TestLoadOlderRecordFormat(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("double")
	hash := precision.Hash(cfg)
	doc := `{
		"hashes": ["` + hash + `"],
		"configs": {
			"` + hash + `": {
				"config": {"localVar": [{"function": "kernel", "name": "a", "type": "double"}]},
				"timestamp": "2024-03-01T10:20:30.123456",
				"hash": "` + hash + `",
				"fitness": null,
				"evaluation_type": "actual"
			}
		},
		"metadata": {"total_configs": 1, "last_updated": "2024-03-01T10:20:30.123456"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFileName), []byte(doc), 0644))

	c, err := Open(Options{Dir: dir})
	require.NoError(t, err)

	rec, ok := c.Record(hash)
	require.True(t, ok)
	assert.Equal(t, KindUntested, rec.Kind, "actual without fitness means nothing was measured")
	assert.Equal(t, time.Date(2024, 3, 1, 10, 20, 30, 123456000, time.UTC), rec.Timestamp)
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFileName), []byte("{not json"), 0644))

	c, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	_, err = decodeDocument([]byte(`"just a string"`))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFlushEveryInsertions(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir, Policy: Policy{FlushEvery: 2}})
	require.NoError(t, err)
	path := filepath.Join(dir, DefaultFileName)

	c.MarkTested(testConfig("double"), ptr(-1), KindActual)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "one insertion must not flush")

	// Updating an existing fingerprint is not an insertion.
	c.MarkTested(testConfig("double"), ptr(-2), KindActual)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	c.MarkTested(testConfig("float"), ptr(-3), KindActual)
	_, err = os.Stat(path)
	assert.NoError(t, err, "second insertion must flush")
}

func TestNonFiniteFitnessIsStoredAsNull(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir})
	require.NoError(t, err)

	cfg := testConfig("half")
	c.MarkTested(cfg, ptr(math.Inf(1)), KindSurrogate)
	require.NoError(t, c.Save())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	rec, ok := reopened.Lookup(cfg)
	require.True(t, ok)
	assert.Nil(t, rec.Fitness)
}

func TestClearDeletesFile(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir})
	require.NoError(t, err)

	c.MarkTested(testConfig("float"), ptr(-3), KindActual)
	require.NoError(t, c.Save())
	require.True(t, c.Info().Exists)

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Len())
	_, err = os.Stat(filepath.Join(dir, DefaultFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestRetryTransientFailures(t *testing.T) {
	cfg := testConfig("half", "float*")

	strict := NewMemory(DefaultPolicy())
	strict.MarkFailed(cfg, "run: timeout", true)
	assert.True(t, strict.IsTested(cfg))

	retry := NewMemory(Policy{RetryTransient: true, MaxAttempts: 2})
	retry.MarkFailed(cfg, "run: timeout", true)
	assert.False(t, retry.IsTested(cfg))
	assert.True(t, retry.Claim(cfg))

	retry.MarkFailed(cfg, "run: timeout", true)
	assert.True(t, retry.IsTested(cfg), "attempts exhausted")
	assert.False(t, retry.Claim(cfg))

	permanent := NewMemory(Policy{RetryTransient: true})
	permanent.MarkFailed(cfg, "compile: exit status 1", false)
	assert.True(t, permanent.IsTested(cfg))
}

func TestInfoCountsKinds(t *testing.T) {
	c := NewMemory(DefaultPolicy())
	c.MarkTested(testConfig("double"), ptr(-1), KindActual)
	c.MarkTested(testConfig("float"), ptr(-2), KindSurrogate)
	c.MarkTested(testConfig("half"), ptr(0), KindSkip)

	info := c.Info()
	assert.Equal(t, "memory", info.Backend)
	assert.Equal(t, 3, info.Tested)
	assert.Equal(t, 1, info.ByKind[KindActual])
	assert.Equal(t, 1, info.ByKind[KindSurrogate])
	assert.Equal(t, 1, info.ByKind[KindSkip])
	assert.Len(t, c.Records(2), 2)
}

func TestSQLiteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Backend: "sqlite", Dir: dir}

	c, err := Open(opts)
	require.NoError(t, err)
	cfg := testConfig("float", "half*")
	c.MarkTested(cfg, ptr(-70), KindActual)
	c.MarkFailed(testConfig("half", "half*"), "run: timeout", true)
	require.NoError(t, c.Close())

	reopened, err := Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Len())
	rec, ok := reopened.Lookup(cfg)
	require.True(t, ok)
	assert.Equal(t, -70.0, *rec.Fitness)
	assert.Equal(t, "sqlite", reopened.Info().Backend)

	require.NoError(t, reopened.Clear())
	_, err = os.Stat(filepath.Join(dir, DefaultDBName))
	assert.True(t, os.IsNotExist(err))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "redis"})
	assert.Error(t, err)
}
