package evolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/precision"
)

func hashes(pop []precision.Config) map[string]int {
	out := make(map[string]int)
	for _, cfg := range pop {
		out[cfg.Hash()]++
	}
	return out
}

func TestCreateInitialPopulationAdmitsUntestedSeeds(t *testing.T) {
	store := cache.NewMemory(cache.DefaultPolicy())
	e := newTestEngine(DefaultParams(), 11)
	d := NewDeduplicator(e, store)

	seeds := []precision.Config{
		makeConfig("double", "double*", "double", "double"),
		makeConfig("float", "double*", "double", "double"),
		makeConfig("float", "double*", "double", "double"), // duplicate seed
	}
	tested := makeConfig("half", "half*", "half", "half")
	store.MarkTested(tested, nil, cache.KindActual)

	pop, stats, err := d.CreateInitialPopulation(seeds, 8)
	require.NoError(t, err)
	require.Len(t, pop, 8)

	assert.Equal(t, 2, stats.Seeds)
	assert.Equal(t, 6, stats.Random)
	assert.Equal(t, 0, stats.Duplicates)
	assert.True(t, precision.Equal(seeds[0], pop[0]))
	assert.True(t, precision.Equal(seeds[1], pop[1]))

	seen := hashes(pop)
	assert.Len(t, seen, 8, "no two members may share a fingerprint")
	assert.NotContains(t, seen, tested.Hash())
	for _, cfg := range pop {
		assert.True(t, store.IsTested(cfg))
	}
}

func TestCreateInitialPopulationUsesProposals(t *testing.T) {
	store := cache.NewMemory(cache.DefaultPolicy())
	d := NewDeduplicator(newTestEngine(DefaultParams(), 12), store)

	seeds := []precision.Config{makeConfig("double", "double", "double")}
	proposal := makeConfig("half", "float", "half")

	pop, stats, err := d.CreateInitialPopulation(seeds, 4, proposal)
	require.NoError(t, err)
	require.Len(t, pop, 4)
	assert.Equal(t, 1, stats.Proposals)
	assert.True(t, precision.Equal(proposal, pop[1]))
}

func TestCreateInitialPopulationTruncatesToSize(t *testing.T) {
	store := cache.NewMemory(cache.DefaultPolicy())
	d := NewDeduplicator(newTestEngine(DefaultParams(), 13), store)

	seeds := []precision.Config{
		makeConfig("double", "double"),
		makeConfig("float", "double"),
		makeConfig("half", "double"),
	}
	pop, _, err := d.CreateInitialPopulation(seeds, 2)
	require.NoError(t, err)
	assert.Len(t, pop, 2)
	assert.False(t, store.IsTested(seeds[2]), "seeds beyond size must stay untested")
}

func TestExhaustedSpaceDoesNotStall(t *testing.T) {
	store := cache.NewMemory(cache.DefaultPolicy())
	d := NewDeduplicator(newTestEngine(DefaultParams(), 14), store)
	d.maxAttempts = 20

	// A single scalar variable has exactly three configurations.
	for _, tag := range []string{"double", "float", "half"} {
		store.MarkTested(makeConfig(tag), nil, cache.KindActual)
	}

	pop, stats, err := d.CreateInitialPopulation([]precision.Config{makeConfig("double")}, 4)
	require.NoError(t, err)
	assert.Len(t, pop, 4)
	assert.Equal(t, 4, stats.Duplicates)
	assert.Equal(t, 3, store.Len())
}

func TestCreateRandomIndividualFallbackChangesVariables(t *testing.T) {
	store := cache.NewMemory(cache.DefaultPolicy())
	d := NewDeduplicator(newTestEngine(DefaultParams(), 15), store)
	d.maxAttempts = 0

	template := makeConfig("double", "double*", "float", "half*", "double", "float", "half", "double*", "float*", "half")
	ind, err := d.CreateRandomIndividual([]precision.Config{template})
	require.NoError(t, err)
	for i := range ind.LocalVar {
		assert.Equal(t, template.LocalVar[i].Type.Pointer, ind.LocalVar[i].Type.Pointer)
	}

	_, err = d.CreateRandomIndividual(nil)
	assert.ErrorIs(t, err, ErrNoTemplates)
}

func TestEvolveWithDedupOnlyAdmitsUntestedChildren(t *testing.T) {
	store := cache.NewMemory(cache.DefaultPolicy())
	d := NewDeduplicator(newTestEngine(DefaultParams(), 16), store)

	seeds := []precision.Config{
		makeConfig("double", "double*", "double", "double*", "double", "double"),
		makeConfig("float", "float*", "double", "double*", "double", "double"),
	}
	pop, _, err := d.CreateInitialPopulation(seeds, 10)
	require.NoError(t, err)

	values := make([]float64, len(pop))
	for i := range values {
		values[i] = -float64(i + 1)
	}
	before := make(map[string]bool)
	for _, cfg := range pop {
		before[cfg.Hash()] = true
	}

	next, stats, err := d.EvolveWithDedup(pop, values, 10)
	require.NoError(t, err)
	require.Len(t, next, 10)
	assert.Equal(t, 2, stats.Elites)
	assert.Equal(t, 0, stats.Duplicates)

	assert.True(t, precision.Equal(pop[9], next[0]), "best individual leads the elites")
	assert.True(t, precision.Equal(pop[8], next[1]))
	for _, cfg := range next[stats.Elites:] {
		assert.False(t, before[cfg.Hash()], "non-elite members must be previously untested")
		assert.True(t, store.IsTested(cfg))
	}
	assert.Len(t, hashes(next[stats.Elites:]), 10-stats.Elites)
}

func TestDeduplicatorClaimsOnlyClampedConfigurations(t *testing.T) {
	store := cache.NewMemory(cache.DefaultPolicy())
	group := &GroupFile{Name: "kernel", Groups: map[string][]GroupMember{
		"kernel": {{"kernel", "a"}, {"kernel", "b"}, {"kernel", "c"}},
	}}
	d := NewDeduplicator(newTestEngine(DefaultParams(), 17), store).WithGroups(group)

	seeds := []precision.Config{
		makeConfig("double", "double*", "double", "double*", "double", "double"),
		makeConfig("float", "double*", "double", "double*", "double", "double"),
	}
	pop, _, err := d.CreateInitialPopulation(seeds, 10)
	require.NoError(t, err)
	require.Len(t, pop, 10)
	assert.Len(t, hashes(pop), 10, "clamped members must stay distinct")
	assert.Equal(t, "float*", pop[1].LocalVar[1].Type.String(), "seeds are clamped too")

	values := make([]float64, len(pop))
	for i := range values {
		values[i] = -float64(i + 1)
	}
	next, stats, err := d.EvolveWithDedup(pop, values, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Duplicates)
	assert.Len(t, hashes(next[stats.Elites:]), 10-stats.Elites)

	all := append(append([]precision.Config{}, pop...), next...)
	for _, cfg := range all {
		assert.True(t, precision.Equal(group.Clamp(cfg), cfg), "member %s is not clamped", cfg.Hash())
	}
	// Nothing unclamped was ever reserved.
	for _, rec := range store.Records(0) {
		assert.True(t, precision.Equal(group.Clamp(rec.Config), rec.Config), "claimed %s is not clamped", rec.Hash)
	}
	assert.Equal(t, len(hashes(pop))+len(next)-stats.Elites, store.Len())
}
