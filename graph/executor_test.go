package graph

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/pushkin/deployer/api"
)

// tracker records which tasks have finished and flags any task that
// started before one of its dependencies finished.
type tracker struct {
	mu         sync.Mutex
	finished   map[string]bool
	violations []string
}

func newTracker() *tracker {
	return &tracker{finished: make(map[string]bool)}
}

func (tr *tracker) run(id string, deps []string, latency time.Duration, fail bool) TaskFunc {
	return func(ctx context.Context, in Inputs) ([]api.ResourceRecord, error) {
		tr.mu.Lock()
		for _, d := range deps {
			if !tr.finished[d] {
				tr.violations = append(tr.violations, fmt.Sprintf("%s started before %s finished", id, d))
			}
			if _, ok := in[d]; !ok {
				tr.violations = append(tr.violations, fmt.Sprintf("%s missing input from %s", id, d))
			}
		}
		tr.mu.Unlock()

		if latency > 0 {
			time.Sleep(latency)
		}

		tr.mu.Lock()
		tr.finished[id] = true
		tr.mu.Unlock()
		if fail {
			return nil, errors.New("boom")
		}
		return []api.ResourceRecord{{Name: id}}, nil
	}
}

func executor() *Executor {
	return &Executor{Logger: zerolog.Nop()}
}

func TestRandomDAGRespectsDependencies(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		tr := newTracker()
		g := New()
		deps := make([][]string, n)
		for i := 0; i < n; i++ {
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge-%d-%d", j, i)) {
					deps[i] = append(deps[i], fmt.Sprintf("t%d", j))
				}
			}
			lat := time.Duration(rapid.IntRange(0, 500).Draw(t, fmt.Sprintf("lat-%d", i))) * time.Microsecond
			id := fmt.Sprintf("t%d", i)
			g.Add(Task{ID: id, Deps: deps[i], Run: tr.run(id, deps[i], lat, false)})
		}

		res, err := executor().Run(context.Background(), g)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(tr.violations) > 0 {
			t.Fatalf("ordering violated: %v", tr.violations)
		}
		if got := len(res.Succeeded()); got != n {
			t.Fatalf("expected %d succeeded, got %d", n, got)
		}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("t%d", i)
			for _, d := range deps[i] {
				if res.Get(id).StartedAt.Before(res.Get(d).FinishedAt) {
					t.Fatalf("%s started before %s finished", id, d)
				}
			}
		}
	})
}

func TestRandomFailuresOnlySkipDependents(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(t, "n")
		tr := newTracker()
		g := New()
		deps := make([][]int, n)
		fails := make([]bool, n)
		for i := 0; i < n; i++ {
			var ids []string
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge-%d-%d", j, i)) {
					deps[i] = append(deps[i], j)
					ids = append(ids, fmt.Sprintf("t%d", j))
				}
			}
			fails[i] = rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("fail-%d", i)) == 0
			id := fmt.Sprintf("t%d", i)
			g.Add(Task{ID: id, Deps: ids, Run: tr.run(id, ids, 0, fails[i])})
		}

		res, err := executor().Run(context.Background(), g)
		if err != nil {
			t.Fatalf("run: %v", err)
		}

		// blocked[i]: some ancestor of i failed or was skipped.
		blocked := make([]bool, n)
		for i := 0; i < n; i++ {
			for _, j := range deps[i] {
				if fails[j] || blocked[j] {
					blocked[i] = true
				}
			}
			id := fmt.Sprintf("t%d", i)
			want := Succeeded
			switch {
			case blocked[i]:
				want = Skipped
			case fails[i]:
				want = Failed
			}
			if got := res.Get(id).State; got != want {
				t.Fatalf("%s: expected %s, got %s", id, want, got)
			}
		}
	})
}

func TestMigrationsWaitForBothDatabases(t *testing.T) {
	for trial := 0; trial < 100; trial++ {
		lat := func() time.Duration { return time.Duration(rand.IntN(300)) * time.Microsecond }
		tr := newTracker()
		g := New()
		g.Add(Task{ID: "certificate", Run: tr.run("certificate", nil, lat(), false)})
		g.Add(Task{ID: "dns", Deps: []string{"certificate"}, Run: tr.run("dns", []string{"certificate"}, lat(), false)})
		g.Add(Task{ID: "dbSecurityGroup", Run: tr.run("dbSecurityGroup", nil, lat(), false)})
		g.Add(Task{ID: "mainDB", Deps: []string{"dbSecurityGroup"}, Run: tr.run("mainDB", []string{"dbSecurityGroup"}, lat(), false)})
		g.Add(Task{ID: "transactionDB", Deps: []string{"dbSecurityGroup"}, Run: tr.run("transactionDB", []string{"dbSecurityGroup"}, lat(), false)})
		g.Add(Task{ID: "migrations", Deps: []string{"mainDB", "transactionDB"}, Run: tr.run("migrations", []string{"mainDB", "transactionDB"}, 0, false)})

		res, err := executor().Run(context.Background(), g)
		require.NoError(t, err)
		require.True(t, res.OK(), "trial %d: %v", trial, res.Err())
		require.Empty(t, tr.violations)

		mig := res.Get("migrations")
		assert.True(t, mig.StartedAt.After(res.Get("mainDB").FinishedAt), "trial %d", trial)
		assert.True(t, mig.StartedAt.After(res.Get("transactionDB").FinishedAt), "trial %d", trial)
	}
}

func fanOut(n int, failAt int) (*Graph, *atomic.Bool) {
	var joinStarted atomic.Bool
	g := New()
	g.Add(task("parent"))
	var children []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("worker-%d", i)
		fail := i == failAt
		g.Add(Task{ID: id, Deps: []string{"parent"}, Run: func(ctx context.Context, in Inputs) ([]api.ResourceRecord, error) {
			if fail {
				return nil, errors.New("worker failed")
			}
			return []api.ResourceRecord{{Name: id}}, nil
		}})
		children = append(children, id)
	}
	deps := append([]string{"parent"}, children...)
	g.Add(Task{ID: "definitions", Deps: deps, Run: func(ctx context.Context, in Inputs) ([]api.ResourceRecord, error) {
		joinStarted.Store(true)
		var out []api.ResourceRecord
		for _, c := range children {
			out = append(out, in[c]...)
		}
		return out, nil
	}})
	return g, &joinStarted
}

func TestFanOutJoin(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			g, started := fanOut(n, -1)
			res, err := executor().Run(context.Background(), g)
			require.NoError(t, err)
			assert.True(t, started.Load())
			assert.Equal(t, Succeeded, res.Get("definitions").State)
			assert.Len(t, res.Get("definitions").Records, n)
		})
	}
}

func TestFanOutJoinSkippedOnChildFailure(t *testing.T) {
	for _, n := range []int{1, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			g, started := fanOut(n, n-1)
			res, err := executor().Run(context.Background(), g)
			require.NoError(t, err)
			assert.False(t, started.Load())
			assert.Equal(t, Skipped, res.Get("definitions").State)
			assert.Equal(t, Failed, res.Get(fmt.Sprintf("worker-%d", n-1)).State)
			for i := 0; i < n-1; i++ {
				assert.Equal(t, Succeeded, res.Get(fmt.Sprintf("worker-%d", i)).State)
			}
			assert.Error(t, res.Err())
		})
	}
}

func TestFailureIsolation(t *testing.T) {
	g := New()
	g.Add(Task{ID: "x", Run: func(context.Context, Inputs) ([]api.ResourceRecord, error) {
		return nil, errors.New("x broke")
	}})
	g.Add(task("x-child", "x"))
	g.Add(task("x-grandchild", "x-child"))
	g.Add(task("sibling"))
	g.Add(task("sibling-child", "sibling"))

	res, err := executor().Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, res.Failed())
	assert.Equal(t, []string{"x-child", "x-grandchild"}, res.Skipped())
	assert.Equal(t, []string{"sibling", "sibling-child"}, res.Succeeded())
	assert.ErrorContains(t, res.Err(), "task x: x broke")
}

func TestCancelSkipsPendingTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := New()
	g.Add(Task{ID: "slow", Run: func(ctx context.Context, in Inputs) ([]api.ResourceRecord, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	g.Add(task("after", "slow"))

	res, err := executor().Run(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Get("slow").State)
	assert.Equal(t, Skipped, res.Get("after").State)
}

func TestMaxParallel(t *testing.T) {
	var cur, peak atomic.Int32
	g := New()
	for i := 0; i < 8; i++ {
		g.Add(Task{ID: fmt.Sprintf("t%d", i), Run: func(context.Context, Inputs) ([]api.ResourceRecord, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			cur.Add(-1)
			return nil, nil
		}})
	}

	e := executor()
	e.MaxParallel = 2
	res, err := e.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Len(t, res.Succeeded(), 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestTeardownOrderIsReverseOfCreation(t *testing.T) {
	g := New()
	g.Add(task("securityGroup"))
	g.Add(task("cluster", "securityGroup"))
	g.Add(task("loadBalancer", "cluster", "securityGroup"))
	g.Add(task("dns", "loadBalancer"))

	var mu sync.Mutex
	var order []string
	r, err := g.Reverse(func(t Task) TaskFunc {
		return func(context.Context, Inputs) ([]api.ResourceRecord, error) {
			time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
			mu.Lock()
			order = append(order, t.ID)
			mu.Unlock()
			return nil, nil
		}
	})
	require.NoError(t, err)

	res, err := executor().Run(context.Background(), r)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, []string{"dns", "loadBalancer", "cluster", "securityGroup"}, order)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveTask(kind, outcome string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func TestObserverAndSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	obs := &countingObserver{outcomes: map[string]int{}}

	g := New()
	g.Add(Task{ID: "a", Kind: api.KindBucket, Run: Noop})
	g.Add(Task{ID: "b", Kind: api.KindDistribution, Deps: []string{"a"}, Run: func(context.Context, Inputs) ([]api.ResourceRecord, error) {
		return nil, errors.New("nope")
	}})
	g.Add(task("c", "b"))

	e := &Executor{Logger: zerolog.Nop(), Observer: obs, Tracer: tp.Tracer("test")}
	_, err := e.Run(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"succeeded": 1, "failed": 1, "skipped": 1}, obs.outcomes)
	spans := sr.Ended()
	require.Len(t, spans, 2)
	names := []string{spans[0].Name(), spans[1].Name()}
	assert.ElementsMatch(t, []string{"task a", "task b"}, names)
}

func TestRunRejectsInvalidGraph(t *testing.T) {
	g := New()
	g.Add(task("a", "a"))
	_, err := executor().Run(context.Background(), g)
	assert.Error(t, err)
}
