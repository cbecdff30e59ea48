package runner

import (
	"context"
	"fmt"
	"time"

	"agentrun/internal/agentsession"
	"agentrun/internal/cachestore"
	"agentrun/internal/errorkind"
	"agentrun/internal/telemetry"
)

// InlineRunner invokes the worker body synchronously within the caller's
// goroutine (§4.5.a). On success, with HasReturn true, it writes the
// result to the session's resolved cache backend (with the agent's
// expires TTL if parseable, indefinitely otherwise); with HasReturn
// false, it resolves without writing. On failure (a returned error or a
// panic, both reported as a RunnerError) it never touches the cache.
type InlineRunner struct {
	caches map[string]cachestore.Backend
	logger telemetry.Logger
}

// NewInlineRunner constructs an inline runner over the given cache
// backends, keyed by name.
func NewInlineRunner(caches map[string]cachestore.Backend, logger telemetry.Logger) *InlineRunner {
	return &InlineRunner{caches: caches, logger: telemetry.OrNop(logger)}
}

func (r *InlineRunner) Name() string { return "inline" }

func (r *InlineRunner) Exec(ctx context.Context, session *agentsession.Session) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, &errorkind.RunnerError{AgentID: session.AgentID, Cause: fmt.Errorf("worker panic: %v", p)}
		}
	}()

	result, err = session.Definition.Worker(ctx, session.Context, session.AgentSettings)
	if err != nil {
		return nil, &errorkind.RunnerError{AgentID: session.AgentID, Cause: fmt.Errorf("%v", err)}
	}

	if !session.Definition.HasReturn {
		return nil, nil
	}

	backend, ok := r.caches[session.Cache]
	if !ok {
		return nil, &errorkind.SelectionError{AgentID: session.AgentID, Kind: "cache"}
	}

	var expiresAt *time.Time
	if dur, derr := session.Definition.ExpiresDuration(); derr == nil && dur > 0 {
		t := time.Now().Add(dur)
		expiresAt = &t
	}

	if err := backend.Set(ctx, session.CacheKey, result, expiresAt); err != nil {
		return nil, &errorkind.CacheError{Backend: session.Cache, Op: "set", Cause: err}
	}

	return result, nil
}
