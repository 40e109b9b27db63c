package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/pushkin/deployer/api"
)

// State is the lifecycle state of a task within one run.
type State int

const (
	Pending State = iota
	Running
	Succeeded
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Observer receives one call per finished task.
type Observer interface {
	ObserveTask(kind, outcome string, d time.Duration)
}

// TaskResult is the final state of one task.
type TaskResult struct {
	ID         string
	Kind       api.Kind
	State      State
	Err        error
	Records    []api.ResourceRecord
	StartedAt  time.Time
	FinishedAt time.Time
}

// Result describes every task of a run.
type Result struct {
	Tasks map[string]*TaskResult
	Order []string
}

// Get returns the result for task id.
func (r *Result) Get(id string) TaskResult {
	if tr, ok := r.Tasks[id]; ok {
		return *tr
	}
	return TaskResult{ID: id}
}

func (r *Result) inState(s State) []string {
	var out []string
	for _, id := range r.Order {
		if r.Tasks[id].State == s {
			out = append(out, id)
		}
	}
	return out
}

// Succeeded returns the ids of succeeded tasks in graph order.
func (r *Result) Succeeded() []string { return r.inState(Succeeded) }

// Failed returns the ids of failed tasks in graph order.
func (r *Result) Failed() []string { return r.inState(Failed) }

// Skipped returns the ids of skipped tasks in graph order.
func (r *Result) Skipped() []string { return r.inState(Skipped) }

// OK reports whether no task failed or was skipped.
func (r *Result) OK() bool {
	return len(r.Failed()) == 0 && len(r.Skipped()) == 0
}

// Err joins the errors of every failed task, or returns nil.
func (r *Result) Err() error {
	var errs []error
	for _, id := range r.Failed() {
		errs = append(errs, fmt.Errorf("task %s: %w", id, r.Tasks[id].Err))
	}
	return errors.Join(errs...)
}

// Records returns every record produced by succeeded tasks, in graph order.
func (r *Result) Records() []api.ResourceRecord {
	var out []api.ResourceRecord
	for _, id := range r.Order {
		out = append(out, r.Tasks[id].Records...)
	}
	return out
}

// Executor runs a graph. A task starts as soon as all of its dependencies
// have succeeded; a failure skips the task's transitive dependents while
// independent branches keep running.
type Executor struct {
	// MaxParallel caps concurrently running tasks. Zero means unlimited.
	MaxParallel int64
	Logger      zerolog.Logger
	Observer    Observer
	Tracer      trace.Tracer
}

type outcome struct {
	id                    string
	started               bool
	records               []api.ResourceRecord
	err                   error
	startedAt, finishedAt time.Time
}

// Run executes g and returns once every task is finished or skipped. The
// returned error is non-nil only when the graph itself is invalid; task
// failures are reported through the Result.
func (e *Executor) Run(ctx context.Context, g *Graph) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	tracer := e.Tracer
	if tracer == nil {
		tracer = otel.Tracer("pushkin/graph")
	}
	var sem *semaphore.Weighted
	if e.MaxParallel > 0 {
		sem = semaphore.NewWeighted(e.MaxParallel)
	}

	res := &Result{Tasks: make(map[string]*TaskResult, g.Len()), Order: append([]string(nil), g.order...)}
	unmet := make(map[string]int, g.Len())
	var ready []string
	for _, id := range g.order {
		n := g.nodes[id]
		res.Tasks[id] = &TaskResult{ID: id, Kind: n.task.Kind, State: Pending}
		unmet[id] = n.deps.Cardinality()
		if unmet[id] == 0 {
			ready = append(ready, id)
		}
	}

	done := make(chan outcome)
	running, finished := 0, 0

	skip := func(id string, cause error) {
		queue := []string{id}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, dep := range g.Dependents(cur) {
				tr := res.Tasks[dep]
				if tr.State != Pending {
					continue
				}
				tr.State = Skipped
				tr.Err = cause
				finished++
				e.Logger.Info().Str("task", dep).Str("cause", id).Msg("skipping task (dependency failed)")
				e.observe(tr, 0)
				queue = append(queue, dep)
			}
		}
	}

	for finished < g.Len() {
		if ctx.Err() != nil {
			for _, id := range g.order {
				tr := res.Tasks[id]
				if tr.State == Pending {
					tr.State = Skipped
					tr.Err = ctx.Err()
					finished++
				}
			}
			ready = nil
			if running == 0 {
				break
			}
		}

		for _, id := range ready {
			n := g.nodes[id]
			in := make(Inputs, n.deps.Cardinality())
			for _, dep := range n.task.Deps {
				in[dep] = append([]api.ResourceRecord(nil), res.Tasks[dep].Records...)
			}
			res.Tasks[id].State = Running
			running++
			go func(t Task, in Inputs) {
				done <- e.runTask(ctx, tracer, sem, t, in)
			}(n.task, in)
		}
		ready = nil

		if running == 0 {
			break
		}
		out := <-done
		running--
		finished++

		tr := res.Tasks[out.id]
		tr.StartedAt, tr.FinishedAt = out.startedAt, out.finishedAt
		switch {
		case !out.started:
			tr.State = Skipped
			tr.Err = out.err
			skip(out.id, out.err)
		case out.err != nil:
			tr.State = Failed
			tr.Err = out.err
			e.Logger.Error().Err(out.err).Str("task", out.id).Msg("task failed")
			skip(out.id, fmt.Errorf("dependency %s failed", out.id))
		default:
			tr.State = Succeeded
			tr.Records = out.records
			e.Logger.Debug().Str("task", out.id).Dur("took", out.finishedAt.Sub(out.startedAt)).Msg("task succeeded")
			for _, dep := range g.Dependents(out.id) {
				unmet[dep]--
				if unmet[dep] == 0 && res.Tasks[dep].State == Pending {
					ready = append(ready, dep)
				}
			}
		}
		e.observe(tr, tr.FinishedAt.Sub(tr.StartedAt))
	}
	return res, nil
}

func (e *Executor) runTask(ctx context.Context, tracer trace.Tracer, sem *semaphore.Weighted, t Task, in Inputs) outcome {
	out := outcome{id: t.ID}
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			out.err = err
			return out
		}
		defer sem.Release(1)
	}
	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}

	ctx, span := tracer.Start(ctx, "task "+t.ID, trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.kind", string(t.Kind)),
	))
	defer span.End()

	out.started = true
	out.startedAt = time.Now()
	e.Logger.Debug().Str("task", t.ID).Str("kind", string(t.Kind)).Msg("task started")
	out.records, out.err = t.Run(ctx, in)
	out.finishedAt = time.Now()
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	return out
}

func (e *Executor) observe(tr *TaskResult, d time.Duration) {
	if e.Observer == nil {
		return
	}
	kind := string(tr.Kind)
	if kind == "" {
		kind = "none"
	}
	e.Observer.ObserveTask(kind, tr.State.String(), d)
}
