package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegrid/internal/stage"
)

func TestNew(t *testing.T) {
	g := New()
	require.NotNil(t, g)
	assert.NotNil(t, g.nodes)
	assert.Empty(t, g.nodes)
}

func TestAddNode(t *testing.T) {
	g := New()

	g.AddNode("a")
	assert.Len(t, g.nodes, 1)
	nodeA, ok := g.nodes["a"]
	require.True(t, ok)
	assert.Equal(t, "a", nodeA.id)
	assert.NotNil(t, nodeA.deps)
	assert.NotNil(t, nodeA.dependents)

	g.AddNode("a") // Test idempotency
	assert.Len(t, g.nodes, 1)

	g.AddNode("b")
	assert.Equal(t, []string{"a", "b"}, g.Nodes())
}

func TestAddEdge(t *testing.T) {
	t.Run("success case", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")

		err := g.AddEdge("a", "b") // b depends on a
		require.NoError(t, err)

		deps, err := g.Dependencies("b")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, deps)

		dependents, err := g.Dependents("a")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, dependents)
	})

	t.Run("error cases", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")

		err := g.AddEdge("dne", "a")
		assert.ErrorContains(t, err, "source node not found")

		err = g.AddEdge("a", "dne")
		assert.ErrorContains(t, err, "destination node not found")

		err = g.AddEdge("a", "a")
		assert.ErrorContains(t, err, "self-referential edge")
	})
}

func TestDetectCycles(t *testing.T) {
	t.Run("empty graph has no cycles", func(t *testing.T) {
		g := New()
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("valid dag has no cycles", func(t *testing.T) {
		g := New()
		for _, id := range []string{"a", "b", "c", "d"} {
			g.AddNode(id)
		}
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "c"))
		require.NoError(t, g.AddEdge("a", "c")) // Transitive edge
		require.NoError(t, g.AddEdge("c", "d"))
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("three stage cycle names the whole chain", func(t *testing.T) {
		g := New()
		for _, id := range []string{"a", "b", "c"} {
			g.AddNode(id)
		}
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "c"))
		require.NoError(t, g.AddEdge("c", "a"))

		err := g.DetectCycles()
		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"a", "b", "c"}, cycleErr.Chain)
		assert.EqualError(t, err, "dependency cycle detected: a -> b -> c -> a")
	})

	t.Run("cycle in a disjoint component only names its members", func(t *testing.T) {
		g := New()
		for _, id := range []string{"a", "b", "x", "y", "z"} {
			g.AddNode(id)
		}
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("x", "y"))
		require.NoError(t, g.AddEdge("y", "z"))
		require.NoError(t, g.AddEdge("z", "y"))

		err := g.DetectCycles()
		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"y", "z"}, cycleErr.Chain)
	})
}

func TestOrder(t *testing.T) {
	g := New()
	for _, id := range []string{"package", "build", "test", "lint", "publish"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("build", "test"))
	require.NoError(t, g.AddEdge("build", "package"))
	require.NoError(t, g.AddEdge("test", "publish"))
	require.NoError(t, g.AddEdge("package", "publish"))

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "lint", "package", "test", "publish"}, order)
	assert.Equal(t, []string{"build", "lint"}, g.Roots())
	assert.Equal(t, []string{"lint", "publish"}, g.Terminals())

	upstream, err := g.Upstream("publish")
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "package", "test", "publish"}, upstream)

	_, err = g.Upstream("missing")
	assert.ErrorContains(t, err, "node not found")
}

func producer(id string, pattern string) stage.Definition {
	return stage.Definition{
		ID:        id,
		Steps:     []stage.Step{{Name: "run", Command: "true"}},
		Artifacts: []stage.ArtifactRule{{Pattern: pattern}},
	}
}

func consumer(id, from, pattern string) stage.Definition {
	d := producer(id, id+"/**")
	d.Dependencies = []stage.ArtifactDependency{{Stage: from, Pattern: pattern}}
	return d
}

func TestBuild(t *testing.T) {
	t.Run("build then package", func(t *testing.T) {
		defs := []stage.Definition{
			producer("build", "bin/**"),
			consumer("package", "build", "bin/*"),
		}
		g, err := Build(defs)
		require.NoError(t, err)

		deps, err := g.Dependencies("package")
		require.NoError(t, err)
		assert.Equal(t, []string{"build"}, deps)
	})

	t.Run("three stage cycle is rejected", func(t *testing.T) {
		defs := []stage.Definition{
			consumer("a", "c", "c/**"),
			consumer("b", "a", "a/**"),
			consumer("c", "b", "b/**"),
		}
		_, err := Build(defs)
		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Chain)
	})

	t.Run("unknown producer", func(t *testing.T) {
		_, err := Build([]stage.Definition{consumer("package", "build", "bin/*")})
		var unknown *UnknownProducerError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "build", unknown.Producer)
	})

	t.Run("producer without matching rule", func(t *testing.T) {
		defs := []stage.Definition{
			producer("build", "bin/**"),
			consumer("package", "build", "docs/**"),
		}
		_, err := Build(defs)
		var unmatched *UnmatchedDependencyError
		require.ErrorAs(t, err, &unmatched)
		assert.Equal(t, "docs/**", unmatched.Pattern)
	})

	t.Run("duplicate ids", func(t *testing.T) {
		_, err := Build([]stage.Definition{producer("a", "x"), producer("a", "y")})
		var dup *DuplicateStageError
		require.ErrorAs(t, err, &dup)
	})
}

func TestCheckTriggers(t *testing.T) {
	upstream := func(id string, from ...string) stage.Definition {
		d := stage.Definition{ID: id}
		for _, f := range from {
			d.Triggers = append(d.Triggers, stage.Trigger{Kind: stage.UpstreamFinished, Stage: f})
		}
		return d
	}

	testCases := []struct {
		name      string
		defs      []stage.Definition
		wantChain []string
	}{
		{
			name: "chain without loop",
			defs: []stage.Definition{upstream("build"), upstream("test", "build"), upstream("deploy", "test", "build")},
		},
		{
			name:      "two stages triggering each other",
			defs:      []stage.Definition{upstream("a", "b"), upstream("b", "a")},
			wantChain: []string{"a", "b"},
		},
		{
			name:      "longer loop",
			defs:      []stage.Definition{upstream("a", "c"), upstream("b", "a"), upstream("c", "b"), upstream("d", "a")},
			wantChain: []string{"a", "b", "c"},
		},
		{
			name:      "stage triggering itself",
			defs:      []stage.Definition{upstream("nightly", "nightly")},
			wantChain: []string{"nightly"},
		},
		{
			name: "unknown stage is left to reference checks",
			defs: []stage.Definition{upstream("a", "ghost")},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTriggers(tc.defs)

			if tc.wantChain == nil {
				assert.NoError(t, err)
				return
			}
			var cycle *TriggerCycleError
			require.ErrorAs(t, err, &cycle)
			assert.Equal(t, tc.wantChain, cycle.Chain)
			assert.Contains(t, err.Error(), "upstream trigger cycle")
		})
	}

	t.Run("artifact edges are not trigger edges", func(t *testing.T) {
		build := stage.Definition{ID: "build", Artifacts: []stage.ArtifactRule{{Pattern: "bin/**"}}}
		pkg := upstream("package", "build")
		pkg.Dependencies = []stage.ArtifactDependency{{Stage: "build", Pattern: "bin/**"}}
		assert.NoError(t, CheckTriggers([]stage.Definition{build, pkg}))
	})
}
