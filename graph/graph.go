// Package graph builds and executes the dependency graph of provisioning
// tasks for one command.
package graph

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/pushkin/deployer/api"
)

// Inputs carries the records produced by a task's dependencies, keyed by
// dependency task id.
type Inputs map[string][]api.ResourceRecord

// Record returns the first record produced by task id.
func (in Inputs) Record(id string) (api.ResourceRecord, bool) {
	recs := in[id]
	if len(recs) == 0 {
		return api.ResourceRecord{}, false
	}
	return recs[0], true
}

// TaskFunc performs a task. It receives its dependencies' outputs and
// returns its own.
type TaskFunc func(ctx context.Context, in Inputs) ([]api.ResourceRecord, error)

// Task is one node of the graph.
type Task struct {
	ID   string
	Kind api.Kind
	Deps []string
	Run  TaskFunc
}

type node struct {
	task       Task
	deps       mapset.Set[string]
	dependents mapset.Set[string]
}

// Graph is a DAG of tasks. It is built once and not mutated while running.
type Graph struct {
	nodes map[string]*node
	order []string
	dups  []string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Add inserts a task. Problems such as duplicate ids or unknown
// dependencies are reported by Validate.
func (g *Graph) Add(t Task) {
	if _, ok := g.nodes[t.ID]; ok {
		g.dups = append(g.dups, t.ID)
		return
	}
	g.nodes[t.ID] = &node{
		task:       t,
		deps:       mapset.NewThreadUnsafeSet(t.Deps...),
		dependents: mapset.NewThreadUnsafeSet[string](),
	}
	g.order = append(g.order, t.ID)
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// Task returns the task with the given id.
func (g *Graph) Task(id string) (Task, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Task{}, false
	}
	return n.task, true
}

// Tasks returns every task in insertion order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].task)
	}
	return out
}

// Dependents returns the ids of tasks that depend directly on id, in
// insertion order.
func (g *Graph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	var out []string
	for _, other := range g.order {
		if n.dependents.Contains(other) {
			out = append(out, other)
		}
	}
	return out
}

// Validate checks for duplicate ids, unknown dependencies and cycles, and
// links every node to its dependents.
func (g *Graph) Validate() error {
	if len(g.dups) > 0 {
		return fmt.Errorf("duplicate task %q", g.dups[0])
	}
	for _, id := range g.order {
		n := g.nodes[id]
		if n.task.Run == nil {
			return fmt.Errorf("task %q has no run function", id)
		}
		for _, dep := range n.task.Deps {
			d, ok := g.nodes[dep]
			if !ok {
				return fmt.Errorf("task %q needs unknown task %q", id, dep)
			}
			d.dependents.Add(id)
		}
	}

	visited := make(map[string]int) // 0=unvisited, 1=visiting, 2=visited
	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] == 2 {
			return nil
		}
		if visited[id] == 1 {
			return fmt.Errorf("cycle detected involving task %q", id)
		}
		visited[id] = 1
		for _, dep := range g.nodes[id].task.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[id] = 2
		return nil
	}
	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Reverse returns the mirror-image graph: every edge flipped and every
// task's Run replaced by fn(task). A nil result from fn becomes a no-op.
// A task in the result runs only after everything that depended on it in
// g has finished.
func (g *Graph) Reverse(fn func(Task) TaskFunc) (*Graph, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	r := New()
	for _, id := range g.order {
		t := g.nodes[id].task
		run := fn(t)
		if run == nil {
			run = noop
		}
		r.Add(Task{ID: t.ID, Kind: t.Kind, Deps: g.Dependents(id), Run: run})
	}
	return r, r.Validate()
}

func noop(context.Context, Inputs) ([]api.ResourceRecord, error) { return nil, nil }

// Noop is a TaskFunc that succeeds without output.
var Noop TaskFunc = noop
