package agentsession

import (
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"agentrun/internal/agentdef"
	"agentrun/internal/errorkind"
	"agentrun/internal/keying"
	"agentrun/internal/workerctx"
)

// RunnerSelector picks a runner name for a session when no explicit
// override is given. Returning "" means "no selectable runner".
type RunnerSelector func(s *Session) string

// CacheSelector picks a cache backend name for a session when no
// explicit override is given. Returning "" means "no selectable cache".
type CacheSelector func(s *Session) string

// Options carries everything Create needs to resolve a session.
type Options struct {
	Registry      *agentdef.Registry
	AgentID       string
	AgentSettings map[string]any

	CacheKeyOverride string
	RunnerOverride   string
	CacheOverride    string

	SelectRunner RunnerSelector
	SelectCache  CacheSelector

	// RegisteredRunners and RegisteredCaches validate resolved names
	// against the orchestrator's enabled module sets.
	RegisteredRunners map[string]bool
	RegisteredCaches  map[string]bool

	KeyRewrite keying.Rewrite

	Emitter     workerctx.Emitter
	LogThrottle time.Duration
}

// Create implements createSession: validate the agent id, assemble the
// session, resolve runner then cache, and attach the worker context.
func Create(opts Options) (*Session, error) {
	def, ok := opts.Registry.Get(opts.AgentID)
	if !ok {
		return nil, &errorkind.DefinitionError{AgentID: opts.AgentID, Reason: "unknown agent id"}
	}

	cacheKey := opts.CacheKeyOverride
	if cacheKey == "" {
		cacheKey = keying.Derive(opts.AgentID, opts.AgentSettings, opts.KeyRewrite)
	}

	s := &Session{
		ID:            uuid.NewString(),
		CorrelationID: ksuid.New().String(),
		AgentID:       opts.AgentID,
		AgentSettings: opts.AgentSettings,
		CacheKey:      cacheKey,
		StartTime:     time.Now(),
		Definition:    def,
		Defer:         NewDeferred(),
		status:        StatusPending,
	}

	runner := opts.RunnerOverride
	if runner == "" && opts.SelectRunner != nil {
		runner = opts.SelectRunner(s)
	}
	if runner == "" {
		return nil, &errorkind.SelectionError{AgentID: opts.AgentID, Kind: "runner"}
	}
	if opts.RegisteredRunners != nil && !opts.RegisteredRunners[runner] {
		return nil, &errorkind.SelectionError{AgentID: opts.AgentID, Kind: "runner"}
	}
	if len(def.Methods) > 0 && !def.SupportsMethod(runner) {
		return nil, &errorkind.CompatibilityError{AgentID: opts.AgentID, Runner: runner, Methods: def.Methods}
	}
	s.Runner = runner

	cache := opts.CacheOverride
	if cache == "" && opts.SelectCache != nil {
		cache = opts.SelectCache(s)
	}
	if cache == "" {
		return nil, &errorkind.SelectionError{AgentID: opts.AgentID, Kind: "cache"}
	}
	if opts.RegisteredCaches != nil && !opts.RegisteredCaches[cache] {
		return nil, &errorkind.SelectionError{AgentID: opts.AgentID, Kind: "cache"}
	}
	s.Cache = cache

	s.Context = workerctx.New(s.ID, s.CacheKey, opts.Emitter, opts.LogThrottle)

	return s, nil
}
