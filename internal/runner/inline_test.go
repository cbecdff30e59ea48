package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/internal/agentdef"
	"agentrun/internal/agentsession"
	"agentrun/internal/cachestore"
	"agentrun/internal/errorkind"
)

func newInlineSession(t *testing.T, def agentdef.Definition) *agentsession.Session {
	t.Helper()
	r := agentdef.NewRegistry()
	require.NoError(t, r.Register(def))
	s, err := agentsession.Create(agentsession.Options{
		Registry: r, AgentID: def.ID,
		RunnerOverride: "inline", CacheOverride: "memory",
		RegisteredRunners: map[string]bool{"inline": true},
		RegisteredCaches:  map[string]bool{"memory": true},
	})
	require.NoError(t, err)
	return s
}

func TestInlineRunnerWritesResultWhenHasReturn(t *testing.T) {
	ctx := context.Background()
	def := agentdef.Definition{
		ID:        "primes",
		HasReturn: true,
		Worker: func(context.Context, any, map[string]any) (any, error) {
			return []int{2, 3, 5}, nil
		},
	}
	s := newInlineSession(t, def)
	cache := cachestore.NewMemoryBackend("memory", 0)
	ir := NewInlineRunner(map[string]cachestore.Backend{"memory": cache}, nil)

	result, err := ir.Exec(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 5}, result)

	cached, err := cache.Get(ctx, s.CacheKey)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 5}, cached)
}

func TestInlineRunnerSkipsCacheWriteWhenNoReturn(t *testing.T) {
	ctx := context.Background()
	def := agentdef.Definition{
		ID:        "sideeffect",
		HasReturn: false,
		Worker: func(context.Context, any, map[string]any) (any, error) {
			return "ignored", nil
		},
	}
	s := newInlineSession(t, def)
	cache := cachestore.NewMemoryBackend("memory", 0)
	ir := NewInlineRunner(map[string]cachestore.Backend{"memory": cache}, nil)

	result, err := ir.Exec(ctx, s)
	require.NoError(t, err)
	assert.Nil(t, result)

	_, err = cache.Get(ctx, s.CacheKey)
	assert.ErrorIs(t, err, cachestore.ErrNotFound)
}

func TestInlineRunnerPropagatesWorkerError(t *testing.T) {
	ctx := context.Background()
	def := agentdef.Definition{
		ID:        "errors",
		HasReturn: true,
		Worker: func(context.Context, any, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	s := newInlineSession(t, def)
	cache := cachestore.NewMemoryBackend("memory", 0)
	ir := NewInlineRunner(map[string]cachestore.Backend{"memory": cache}, nil)

	_, err := ir.Exec(ctx, s)
	var runnerErr *errorkind.RunnerError
	require.ErrorAs(t, err, &runnerErr)
	assert.Contains(t, runnerErr.Error(), "boom")

	_, err = cache.Get(ctx, s.CacheKey)
	assert.ErrorIs(t, err, cachestore.ErrNotFound)
}
