package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, deps ...string) Task {
	return Task{ID: id, Deps: deps, Run: Noop}
}

func TestValidateRejectsCycle(t *testing.T) {
	g := New()
	g.Add(task("a", "c"))
	g.Add(task("b", "a"))
	g.Add(task("c", "b"))

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	g := New()
	g.Add(task("a", "missing"))

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `task "a" needs unknown task "missing"`)
}

func TestValidateRejectsDuplicate(t *testing.T) {
	g := New()
	g.Add(task("a"))
	g.Add(task("a"))

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate task "a"`)
}

func TestValidateRejectsMissingRun(t *testing.T) {
	g := New()
	g.Add(Task{ID: "a"})
	assert.Error(t, g.Validate())
}

func TestDependents(t *testing.T) {
	g := New()
	g.Add(task("sg"))
	g.Add(task("main", "sg"))
	g.Add(task("tx", "sg"))
	g.Add(task("migrations", "main", "tx"))
	require.NoError(t, g.Validate())

	assert.Equal(t, []string{"main", "tx"}, g.Dependents("sg"))
	assert.Equal(t, []string{"migrations"}, g.Dependents("main"))
	assert.Empty(t, g.Dependents("migrations"))
}

func TestReverseFlipsEdges(t *testing.T) {
	g := New()
	g.Add(task("sg"))
	g.Add(task("main", "sg"))
	g.Add(task("tx", "sg"))
	g.Add(task("migrations", "main", "tx"))

	var withRun []string
	r, err := g.Reverse(func(t Task) TaskFunc {
		if t.ID == "migrations" {
			return nil
		}
		withRun = append(withRun, t.ID)
		return Noop
	})
	require.NoError(t, err)

	sg, _ := r.Task("sg")
	assert.ElementsMatch(t, []string{"main", "tx"}, sg.Deps)
	main, _ := r.Task("main")
	assert.Equal(t, []string{"migrations"}, main.Deps)
	mig, _ := r.Task("migrations")
	assert.Empty(t, mig.Deps)
	assert.NotNil(t, mig.Run)
	assert.Equal(t, []string{"sg", "main", "tx"}, withRun)
}

func TestReverseOfInvalidGraph(t *testing.T) {
	g := New()
	g.Add(task("a", "b"))
	_, err := g.Reverse(func(Task) TaskFunc { return Noop })
	assert.Error(t, err)
}
