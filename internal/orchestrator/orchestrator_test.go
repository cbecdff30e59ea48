package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/internal/agentdef"
	"agentrun/internal/agentsession"
	"agentrun/internal/cachestore"
	"agentrun/internal/errorkind"
	"agentrun/internal/runner"
)

func primesDefinition(id string, methods ...string) agentdef.Definition {
	return agentdef.Definition{
		ID:        id,
		HasReturn: true,
		Methods:   methods,
		Worker: func(_ context.Context, _ any, settings map[string]any) (any, error) {
			limit := 10
			if v, ok := settings["limit"].(int); ok {
				limit = v
			}
			return sieve(limit), nil
		},
	}
}

func sieve(limit int) []int {
	var out []int
	for n := 2; n <= limit; n++ {
		prime := true
		for _, p := range out {
			if p*p > n {
				break
			}
			if n%p == 0 {
				prime = false
				break
			}
		}
		if prime {
			out = append(out, n)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, defs ...agentdef.Definition) *Orchestrator {
	t.Helper()
	cache := cachestore.NewMemoryBackend("memory", 0)
	inline := runner.NewInlineRunner(map[string]cachestore.Backend{"memory": cache}, nil)
	cfg := Config{
		Source: func() ([]agentdef.Definition, error) { return defs, nil },
		Caches: []cachestore.Backend{cache},
		Runners: []runner.Runner{inline},
	}
	return New(cfg)
}

func TestOrchestratorRunExecutesAndCachesResult(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "inline"))
	_, _, err := o.Refresh()
	require.NoError(t, err)

	result, err := o.Run(ctx, "primes", map[string]any{"limit": 10}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 5, 7}, result)

	cached, err := o.Get(ctx, "primes", map[string]any{"limit": 10}, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 5, 7}, cached)
}

func TestOrchestratorGetLazyReturnsNilOnMiss(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "inline"))
	_, _, err := o.Refresh()
	require.NoError(t, err)

	value, err := o.Get(ctx, "primes", map[string]any{"limit": 10}, GetOptions{Lazy: true})
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestOrchestratorRunUnknownAgentIsDefinitionError(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	_, _, err := o.Refresh()
	require.NoError(t, err)

	_, err = o.Run(ctx, "missing", nil, RunOptions{})
	var defErr *errorkind.DefinitionError
	assert.ErrorAs(t, err, &defErr)
}

func TestOrchestratorRunIncompatibleRunnerIsCompatibilityError(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "supervised"))
	_, _, err := o.Refresh()
	require.NoError(t, err)

	_, err = o.Run(ctx, "primes", nil, RunOptions{Runner: "inline"})
	var compatErr *errorkind.CompatibilityError
	assert.ErrorAs(t, err, &compatErr)
}

func TestOrchestratorInvalidateRemovesCachedValue(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "inline"))
	_, _, err := o.Refresh()
	require.NoError(t, err)

	_, err = o.Run(ctx, "primes", map[string]any{"limit": 10}, RunOptions{})
	require.NoError(t, err)

	err = o.Invalidate(ctx, "primes", map[string]any{"limit": 10}, "memory")
	require.NoError(t, err)

	_, err = o.Get(ctx, "primes", map[string]any{"limit": 10}, GetOptions{Lazy: true})
	require.NoError(t, err)
	value, err := o.Get(ctx, "primes", map[string]any{"limit": 10}, GetOptions{Lazy: true})
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestOrchestratorRunSessionModeReturnsPendingView(t *testing.T) {
	ctx := context.Background()
	var started, release sync.WaitGroup
	started.Add(1)
	release.Add(1)
	def := agentdef.Definition{
		ID:        "slow",
		HasReturn: true,
		Methods:   []string{"inline"},
		Worker: func(context.Context, any, map[string]any) (any, error) {
			started.Done()
			release.Wait()
			return "done", nil
		},
	}
	o := newTestOrchestrator(t, def)
	_, _, err := o.Refresh()
	require.NoError(t, err)

	result, err := o.Run(ctx, "slow", nil, RunOptions{Want: "session"})
	require.NoError(t, err)
	view, ok := result.(*SessionView)
	require.True(t, ok)
	assert.Equal(t, agentsession.StatusPending, view.Status)

	started.Wait()
	release.Done()

	require.Eventually(t, func() bool {
		gotten, err := o.GetSession(ctx, view.CacheKey)
		return err == nil && gotten.Status == agentsession.StatusComplete
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestratorCoalescesConcurrentRunsForSameKey(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	def := agentdef.Definition{
		ID:        "counted",
		HasReturn: true,
		Methods:   []string{"inline"},
		Worker: func(context.Context, any, map[string]any) (any, error) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return "value", nil
		},
	}
	o := newTestOrchestrator(t, def)
	_, _, err := o.Refresh()
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]any, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Run(ctx, "counted", nil, RunOptions{})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "value", results[i])
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestOrchestratorListReportsRegisteredAgents(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "inline"), primesDefinition("other", "inline"))
	_, _, err := o.Refresh()
	require.NoError(t, err)

	listed := o.List(ctx)
	require.Len(t, listed, 2)
	assert.Equal(t, "other", listed[0].ID)
	assert.Equal(t, "primes", listed[1].ID)
}

func TestOrchestratorInitInstallsTimedAgentsAndRunsImmediate(t *testing.T) {
	ctx := context.Background()
	var immediateRan atomic.Bool
	immediate := agentdef.Definition{
		ID: "boot", HasReturn: false, Immediate: true, Methods: []string{"inline"},
		Worker: func(context.Context, any, map[string]any) (any, error) {
			immediateRan.Store(true)
			return nil, nil
		},
	}
	timed := agentdef.Definition{
		ID: "ticker", HasReturn: false, Timing: "*/1 * * * * *", Methods: []string{"inline"},
		Worker: func(context.Context, any, map[string]any) (any, error) { return nil, nil },
	}
	cache := cachestore.NewMemoryBackend("memory", 0)
	inline := runner.NewInlineRunner(map[string]cachestore.Backend{"memory": cache}, nil)
	o := New(Config{
		AutoInstall:    true,
		AllowImmediate: true,
		Source:         func() ([]agentdef.Definition, error) { return []agentdef.Definition{immediate, timed}, nil },
		Caches:         []cachestore.Backend{cache},
		Runners:        []runner.Runner{inline},
	})

	require.NoError(t, o.Init(ctx))
	defer o.Destroy(ctx)

	assert.Equal(t, 1, o.scheduler.EntryCount())
	require.Eventually(t, func() bool { return immediateRan.Load() }, time.Second, 5*time.Millisecond)
}

func TestOrchestratorDestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "inline"))
	require.NoError(t, o.Init(ctx))
	require.NoError(t, o.Destroy(ctx))
	require.NoError(t, o.Destroy(ctx))
}

func TestOrchestratorGetSessionAbsentIsError(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "inline"))
	_, _, err := o.Refresh()
	require.NoError(t, err)

	view, err := o.GetSession(ctx, "never-ran")
	require.NoError(t, err)
	assert.Equal(t, agentsession.StatusError, view.Status)
}

func TestOrchestratorGetSessionTreatsPresentNonErrorShapeAsComplete(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "inline"))
	_, _, err := o.Refresh()
	require.NoError(t, err)

	_, err = o.Run(ctx, "primes", map[string]any{"limit": 10}, RunOptions{})
	require.NoError(t, err)

	key := deriveKeyFor(o, "primes", map[string]any{"limit": 10})
	view, err := o.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, agentsession.StatusComplete, view.Status)
	assert.Equal(t, []int{2, 3, 5, 7}, view.Result)
}

func TestOrchestratorHasReturnFalseYieldsNilValueOnRunAndGet(t *testing.T) {
	ctx := context.Background()
	def := agentdef.Definition{
		ID: "notify", HasReturn: false, Methods: []string{"inline"},
		Worker: func(context.Context, any, map[string]any) (any, error) { return "ignored", nil },
	}
	o := newTestOrchestrator(t, def)
	_, _, err := o.Refresh()
	require.NoError(t, err)

	value, err := o.Run(ctx, "notify", nil, RunOptions{})
	require.NoError(t, err)
	assert.Nil(t, value)

	value, err = o.Get(ctx, "notify", nil, GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestOrchestratorRunPropagatesWorkerError(t *testing.T) {
	ctx := context.Background()
	def := agentdef.Definition{
		ID: "boom", HasReturn: true, Methods: []string{"inline"},
		Worker: func(context.Context, any, map[string]any) (any, error) { return nil, errors.New("kaboom") },
	}
	o := newTestOrchestrator(t, def)
	_, _, err := o.Refresh()
	require.NoError(t, err)

	_, err = o.Run(ctx, "boom", nil, RunOptions{})
	var runnerErr *errorkind.RunnerError
	require.ErrorAs(t, err, &runnerErr)
	assert.Contains(t, runnerErr.Error(), "kaboom")
}

func TestOrchestratorSubscribeReceivesLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "inline"))

	var mu sync.Mutex
	var kinds []string
	o.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
	})

	require.NoError(t, o.Init(ctx))
	_, err := o.Run(ctx, "primes", nil, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, o.Destroy(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, "init")
	assert.Contains(t, kinds, "ready")
	assert.Contains(t, kinds, "run")
	assert.Contains(t, kinds, "destroy")
	assert.Contains(t, kinds, "destroyed")
}

func TestOrchestratorWriteProgressTargetsActiveSessionCache(t *testing.T) {
	ctx := context.Background()
	var progressed sync.WaitGroup
	progressed.Add(1)
	def := agentdef.Definition{
		ID: "reporter", HasReturn: true, Methods: []string{"inline"},
		Worker: func(ctx context.Context, wc any, _ map[string]any) (any, error) {
			type progressor interface {
				Progress(ctx context.Context, text string, current, max *float64)
			}
			if p, ok := wc.(progressor); ok {
				half := 50.0
				hundred := 100.0
				p.Progress(ctx, "halfway", &half, &hundred)
			}
			progressed.Done()
			return "value", nil
		},
	}
	o := newTestOrchestrator(t, def)
	_, _, err := o.Refresh()
	require.NoError(t, err)

	result, err := o.Run(ctx, "reporter", nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "value", result)
	progressed.Wait()

	record, err := o.caches["memory"].Get(ctx, "reporter-progress")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "halfway: 50%", "current": 50}, record)
}

func TestOrchestratorRefreshSurfacesWarningsAsEvents(t *testing.T) {
	o := New(Config{
		Source: func() ([]agentdef.Definition, error) {
			return []agentdef.Definition{{ID: "", HasReturn: true}}, nil
		},
	})
	var warnings []string
	o.Subscribe(func(e Event) {
		if e.Kind == "refreshWarn" {
			warnings = append(warnings, e.Message)
		}
	})
	_, warned, err := o.Refresh()
	require.NoError(t, err)
	require.NotEmpty(t, warned)
	assert.NotEmpty(t, warnings)
}

func TestOrchestratorGetSizeReportsCacheResidentSize(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, primesDefinition("primes", "inline"))
	_, _, err := o.Refresh()
	require.NoError(t, err)

	_, _, err = o.GetSize(ctx, "primes", map[string]any{"limit": 10}, "")
	require.NoError(t, err)

	_, err = o.Run(ctx, "primes", map[string]any{"limit": 10}, RunOptions{})
	require.NoError(t, err)

	size, found, err := o.GetSize(ctx, "primes", map[string]any{"limit": 10}, "")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Greater(t, size, int64(0))
}

func TestSievePrimeHelper(t *testing.T) {
	assert.Equal(t, []int{2, 3, 5, 7}, sieve(10))
	assert.Equal(t, []int{2, 3, 5, 7, 11, 13}, sieve(15))
}
