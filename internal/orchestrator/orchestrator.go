package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentrun/internal/agentdef"
	"agentrun/internal/agentsession"
	"agentrun/internal/asyncutil"
	"agentrun/internal/cachestore"
	"agentrun/internal/coalesce"
	"agentrun/internal/cronsched"
	"agentrun/internal/errorkind"
	"agentrun/internal/keying"
	"agentrun/internal/runner"
	"agentrun/internal/telemetry"
	"agentrun/internal/workerctx"
)

// SessionView is the externally visible snapshot of a Session, returned
// by Run (with opts.Want == "session") and GetSession.
type SessionView struct {
	ID            string
	CorrelationID string
	AgentID       string
	AgentSettings map[string]any
	CacheKey      string
	Runner        string
	Cache         string
	StartTime     time.Time
	Status        agentsession.Status
	Result        any
	Err           error
	Progress      *workerctx.ProgressRecord
}

func viewOf(s *agentsession.Session) *SessionView {
	status, result, err, progress := s.Snapshot()
	return &SessionView{
		ID: s.ID, CorrelationID: s.CorrelationID, AgentID: s.AgentID, AgentSettings: s.AgentSettings, CacheKey: s.CacheKey,
		Runner: s.Runner, Cache: s.Cache, StartTime: s.StartTime,
		Status: status, Result: result, Err: err, Progress: progress,
	}
}

// RunOptions controls Run's behavior.
type RunOptions struct {
	CacheKey string
	Runner   string
	Cache    string
	// Want, when "session", makes Run return the session view
	// immediately (status pending) instead of blocking for the value.
	Want string
}

// GetOptions controls Get's behavior.
type GetOptions struct {
	RunOptions
	// Lazy, when true, returns absence instead of triggering a run on a
	// cache miss.
	Lazy bool
}

// Orchestrator is the public façade composing the registry, cache
// backends, runners, coalescer, and cron scheduler.
type Orchestrator struct {
	config   Config
	registry *agentdef.Registry

	caches  map[string]cachestore.Backend
	runners map[string]runner.Runner

	coalescer *coalesce.Coalescer
	scheduler *cronsched.Scheduler
	bus       bus
	logger    telemetry.Logger
	metrics   *telemetry.Metrics

	mu            sync.Mutex
	activeCaches  map[string]cachestore.Backend // sessionID -> resolved cache backend
	started       bool
	destroyed     bool
}

// New constructs an Orchestrator from cfg but does not start it; call
// Init (or set cfg.AutoInit and call New via NewAndInit) to bring it up.
func New(cfg Config) *Orchestrator {
	caches := make(map[string]cachestore.Backend, len(cfg.Caches))
	for _, c := range cfg.Caches {
		caches[c.Name()] = c
	}
	runners := make(map[string]runner.Runner, len(cfg.Runners))
	for _, r := range cfg.Runners {
		runners[r.Name()] = r
	}
	o := &Orchestrator{
		config:       cfg,
		registry:     agentdef.NewRegistry(),
		caches:       caches,
		runners:      runners,
		coalescer:    coalesce.New(),
		logger:       telemetry.OrNop(cfg.Logger),
		metrics:      cfg.Metrics,
		activeCaches: make(map[string]cachestore.Backend),
	}
	o.scheduler = cronsched.New(o.runFireAndForget, o.emitTick, o.logger)
	return o
}

// NewAndInit constructs an Orchestrator and, if cfg.AutoInit is set,
// initializes it immediately.
func NewAndInit(ctx context.Context, cfg Config) (*Orchestrator, error) {
	o := New(cfg)
	if cfg.AutoInit {
		if err := o.Init(ctx); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Subscribe registers a listener for every orchestrator event.
func (o *Orchestrator) Subscribe(l Listener) { o.bus.Subscribe(l) }

// Init constructs cache backends, refreshes the registry, installs cron
// tasks for timed agents, starts the scheduler, and (if AllowImmediate)
// launches immediate agents fire-and-forget.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.bus.Emit(Event{Kind: "init"})

	for name, c := range o.caches {
		if err := c.Init(ctx); err != nil {
			return fmt.Errorf("orchestrator: init cache %q: %w", name, err)
		}
	}

	if _, _, err := o.Refresh(); err != nil {
		return err
	}

	if o.config.AutoInstall {
		for _, def := range o.registry.List() {
			if def.Timing == "" {
				continue
			}
			if err := o.scheduler.Install(def.ID, def.Timing); err != nil {
				o.logger.Warn("orchestrator: failed to install schedule for %q: %v", def.ID, err)
				continue
			}
		}
	}
	o.scheduler.Start()

	if o.config.AllowImmediate {
		for _, def := range o.registry.List() {
			if !def.Immediate {
				continue
			}
			agentID := def.ID
			o.bus.Emit(Event{Kind: "runImmediate", AgentID: agentID})
			asyncutil.Go(o.logger, "immediate:"+agentID, func() {
				if _, err := o.Run(context.Background(), agentID, nil, RunOptions{}); err != nil {
					o.logger.Warn("orchestrator: immediate agent %q failed: %v", agentID, err)
				}
			})
		}
	}

	o.mu.Lock()
	o.started = true
	o.mu.Unlock()

	o.bus.Emit(Event{Kind: "ready"})
	return nil
}

// Destroy stops the scheduler, destroys cache backends, and lets runners
// release resources. Idempotent.
func (o *Orchestrator) Destroy(ctx context.Context) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return nil
	}
	o.destroyed = true
	o.mu.Unlock()

	o.bus.Emit(Event{Kind: "destroy"})

	o.scheduler.Stop()

	var firstErr error
	for name, c := range o.caches {
		if err := c.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("orchestrator: destroy cache %q: %w", name, err)
		}
	}
	for _, r := range o.runners {
		if d, ok := r.(runner.Destroyer); ok {
			if err := d.Destroy(ctx); err != nil {
				o.logger.Warn("orchestrator: runner %q destroy failed: %v", r.Name(), err)
			}
		}
	}

	o.bus.Emit(Event{Kind: "destroyed"})
	return firstErr
}

// Refresh re-enumerates available agent definitions and rebuilds the
// registry, returning the sorted id list. Warnings (duplicate ids,
// definitions missing required fields) are non-fatal and also emitted as
// refreshWarn events.
func (o *Orchestrator) Refresh() (ids []string, warnings []string, err error) {
	if o.config.Source == nil {
		ids = o.registry.IDs()
		o.bus.Emit(Event{Kind: "refresh", Args: []any{ids}})
		return ids, nil, nil
	}
	ids, warnings, err = o.registry.Refresh(o.config.Source)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range warnings {
		o.bus.Emit(Event{Kind: "refreshWarn", Message: w})
	}
	o.bus.Emit(Event{Kind: "refresh", Args: []any{ids}})
	return ids, warnings, nil
}

// Has is a pure registry lookup.
func (o *Orchestrator) Has(id string) bool { return o.registry.Has(id) }

// Get returns the cached value for the derived key if present; otherwise
// it calls Run and returns its eventual value. opts.Lazy returns absence
// instead of triggering a run on a miss.
func (o *Orchestrator) Get(ctx context.Context, id string, settings map[string]any, opts GetOptions) (any, error) {
	def, ok := o.registry.Get(id)
	if !ok {
		return nil, &errorkind.DefinitionError{AgentID: id, Reason: "unknown agent id"}
	}

	cacheName := opts.Cache
	if cacheName == "" {
		cacheName = o.pickCacheForLookup(def, settings)
	}
	backend, ok := o.caches[cacheName]
	if !ok {
		return nil, &errorkind.SelectionError{AgentID: id, Kind: "cache"}
	}

	key := opts.CacheKey
	if key == "" {
		key = deriveKeyFor(o, id, settings)
	}

	value, err := backend.Get(ctx, key)
	if err == nil {
		o.recordCacheHit(cacheName)
		return value, nil
	}
	if err != cachestore.ErrNotFound {
		return nil, &errorkind.CacheError{Backend: cacheName, Op: "get", Cause: err}
	}
	o.recordCacheMiss(cacheName)

	if opts.Lazy {
		return nil, nil
	}

	return o.Run(ctx, id, settings, opts.RunOptions)
}

// GetSize probes the cache's byte size for (id, settings) without
// triggering a run.
func (o *Orchestrator) GetSize(ctx context.Context, id string, settings map[string]any, cacheName string) (int64, bool, error) {
	def, ok := o.registry.Get(id)
	if !ok {
		return 0, false, &errorkind.DefinitionError{AgentID: id, Reason: "unknown agent id"}
	}
	if cacheName == "" {
		cacheName = o.pickCacheForLookup(def, settings)
	}
	backend, ok := o.caches[cacheName]
	if !ok {
		return 0, false, &errorkind.SelectionError{AgentID: id, Kind: "cache"}
	}
	key := deriveKeyFor(o, id, settings)
	size, err := backend.Size(ctx, key)
	if err == cachestore.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &errorkind.CacheError{Backend: cacheName, Op: "size", Cause: err}
	}
	return size, true, nil
}

func (o *Orchestrator) pickCacheForLookup(def agentdef.Definition, settings map[string]any) string {
	probe := &agentsession.Session{AgentID: def.ID, AgentSettings: settings, Definition: def}
	return o.config.calculateCache(probe)
}

func deriveKeyFor(o *Orchestrator, id string, settings map[string]any) string {
	return keying.Derive(id, settings, o.config.KeyRewrite)
}

// Run forces execution of agent id, coalescing onto any in-flight
// execution for the derived cache key. When opts.Want == "session" it
// returns the session view immediately (status pending); otherwise it
// blocks for the eventual value or error.
func (o *Orchestrator) Run(ctx context.Context, id string, settings map[string]any, opts RunOptions) (any, error) {
	session, err := o.createSession(id, settings, opts)
	if err != nil {
		return nil, err
	}

	if opts.Want == "session" {
		asyncutil.Go(o.logger, "run:"+id, func() {
			o.execute(ctx, session)
		})
		return viewOf(session), nil
	}

	return o.runSync(ctx, session)
}

// RunSession mirrors Run but accepts an already-created session (the
// run(id | session, ...) overload in §4.1).
func (o *Orchestrator) RunSession(ctx context.Context, session *agentsession.Session) (any, error) {
	return o.runSync(ctx, session)
}

func (o *Orchestrator) runSync(ctx context.Context, session *agentsession.Session) (any, error) {
	resultCh := make(chan struct {
		value any
		err   error
	}, 1)
	asyncutil.Go(o.logger, "run:"+session.AgentID, func() {
		v, e := o.execute(ctx, session)
		resultCh <- struct {
			value any
			err   error
		}{v, e}
	})
	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) createSession(id string, settings map[string]any, opts RunOptions) (*agentsession.Session, error) {
	return agentsession.Create(agentsession.Options{
		Registry:          o.registry,
		AgentID:           id,
		AgentSettings:     settings,
		CacheKeyOverride:  opts.CacheKey,
		RunnerOverride:    opts.Runner,
		CacheOverride:     opts.Cache,
		SelectRunner:      func(s *agentsession.Session) string { return o.config.calculateRunner(s) },
		SelectCache:       func(s *agentsession.Session) string { return o.config.calculateCache(s) },
		RegisteredRunners: o.runnerNameSet(),
		RegisteredCaches:  o.cacheNameSet(),
		KeyRewrite:        o.config.KeyRewrite,
		Emitter:           o,
		LogThrottle:       o.config.LogThrottle,
	})
}

func (o *Orchestrator) runnerNameSet() map[string]bool {
	out := make(map[string]bool, len(o.runners))
	for name := range o.runners {
		out[name] = true
	}
	return out
}

func (o *Orchestrator) cacheNameSet() map[string]bool {
	out := make(map[string]bool, len(o.caches))
	for name := range o.caches {
		out[name] = true
	}
	return out
}

// execute drives the coalescer → runner → cache-write → resolve-waiters
// pipeline for session, per §4.4.
func (o *Orchestrator) execute(ctx context.Context, session *agentsession.Session) (any, error) {
	o.bus.Emit(Event{Kind: "run", Session: viewOf(session)})
	o.logger.Debug("orchestrator: run %s agent=%s key=%s correlation=%s", session.ID, session.AgentID, session.CacheKey, session.CorrelationID)

	backend := o.caches[session.Cache]
	o.mu.Lock()
	o.activeCaches[session.ID] = backend
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.activeCaches, session.ID)
		o.mu.Unlock()
	}()

	if backend != nil {
		_ = backend.Unset(ctx, session.CacheKey+"-progress")
	}

	r, ok := o.runners[session.Runner]
	if !ok {
		err := &errorkind.SelectionError{AgentID: session.AgentID, Kind: "runner"}
		session.Fail(err)
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.SessionsInFlight.Inc()
		defer o.metrics.SessionsInFlight.Dec()
	}
	start := time.Now()

	value, err, _ := o.coalescer.Run(session.CacheKey, session, func() (any, error) {
		return r.Exec(ctx, session)
	})

	if o.metrics != nil {
		o.metrics.RunDuration.WithLabelValues(session.Runner, session.AgentID).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if o.metrics != nil {
			o.metrics.RunErrors.WithLabelValues(kindOf(err)).Inc()
		}
		session.Fail(err)
		return nil, err
	}

	session.Complete(value)
	return value, nil
}

func kindOf(err error) string {
	switch err.(type) {
	case *errorkind.DefinitionError:
		return "definition"
	case *errorkind.SelectionError:
		return "selection"
	case *errorkind.CompatibilityError:
		return "compatibility"
	case *errorkind.RunnerError:
		return "runner"
	case *errorkind.CacheError:
		return "cache"
	default:
		return "unknown"
	}
}

// Invalidate removes the cached value for (id, settings) but does not
// cancel an in-flight run targeting the same key.
func (o *Orchestrator) Invalidate(ctx context.Context, id string, settings map[string]any, cacheName string) error {
	def, ok := o.registry.Get(id)
	if !ok {
		return &errorkind.DefinitionError{AgentID: id, Reason: "unknown agent id"}
	}
	if cacheName == "" {
		cacheName = o.pickCacheForLookup(def, settings)
	}
	backend, ok := o.caches[cacheName]
	if !ok {
		return &errorkind.SelectionError{AgentID: id, Kind: "cache"}
	}
	key := deriveKeyFor(o, id, settings)
	if err := backend.Unset(ctx, key); err != nil {
		return &errorkind.CacheError{Backend: cacheName, Op: "unset", Cause: err}
	}
	return nil
}

// GetSession inspects the cache for the result and progress records,
// infers status, and returns the populated session view. Per
// SPEC_FULL.md's Open Question 1, a present value that is not
// specifically the {error: "..."} sentinel shape is treated as complete,
// not error — the source's "any non-object counts as error" defect is
// not reproduced here.
func (o *Orchestrator) GetSession(ctx context.Context, cacheKey string) (*SessionView, error) {
	if s, ok := o.coalescer.Inflight(cacheKey); ok {
		view := viewOf(s)
		view.Status = agentsession.StatusPending
		return view, nil
	}

	for name, backend := range o.caches {
		value, err := backend.Get(ctx, cacheKey)
		if err == cachestore.ErrNotFound {
			continue
		}
		if err != nil {
			o.logger.Warn("orchestrator: getSession cache %q probe failed: %v", name, err)
			continue
		}

		view := &SessionView{CacheKey: cacheKey, Cache: name}
		if asErrorShape(value) {
			view.Status = agentsession.StatusError
			view.Err = fmt.Errorf("%v", errorFieldOf(value))
		} else {
			view.Status = agentsession.StatusComplete
			view.Result = value
		}

		if progress, perr := backend.Get(ctx, cacheKey+"-progress"); perr == nil {
			if pr, ok := decodeProgress(progress); ok {
				view.Progress = &pr
			}
		}
		return view, nil
	}

	// Nothing in the coalescer, nothing in any cache: the caller
	// asserted a session existed, so treat this as an error (§4.6's
	// deliberately asymmetric default).
	return &SessionView{CacheKey: cacheKey, Status: agentsession.StatusError, Err: fmt.Errorf("no session found for cache key %q", cacheKey)}, nil
}

func asErrorShape(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	if len(m) != 1 {
		return false
	}
	_, ok = m["error"]
	return ok
}

func errorFieldOf(value any) any {
	m, _ := value.(map[string]any)
	return m["error"]
}

func decodeProgress(value any) (workerctx.ProgressRecord, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return workerctx.ProgressRecord{}, false
	}
	text, _ := m["text"].(string)
	var percent int
	switch current := m["current"].(type) {
	case int:
		percent = current
	case float64:
		percent = int(current)
	}
	return workerctx.ProgressRecord{Text: text, Percent: percent}, true
}

// ListedAgent is one row of List's output.
type ListedAgent struct {
	ID         string
	CacheKey   string
	Timing     string
	Expires    string
	Methods    []string
	CacheSize  int64
	HasCache   bool
	CreatedAt  time.Time
}

// List returns one record per registered agent with its id, derived
// default cache key, timing, expiry, method set, and cache-resident
// metadata for that key if present.
func (o *Orchestrator) List(ctx context.Context) []ListedAgent {
	defs := o.registry.List()
	out := make([]ListedAgent, 0, len(defs))
	for _, def := range defs {
		key := deriveKeyFor(o, def.ID, nil)
		entry := ListedAgent{ID: def.ID, CacheKey: key, Timing: def.Timing, Expires: def.Expires, Methods: def.Methods}
		for _, backend := range o.caches {
			if size, err := backend.Size(ctx, key); err == nil {
				entry.CacheSize = size
				entry.HasCache = true
				if entries, lerr := backend.List(ctx); lerr == nil {
					for _, e := range entries {
						if e.Key == key {
							entry.CreatedAt = e.CreatedAt
							break
						}
					}
				}
				break
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (o *Orchestrator) emitTick(agentID string) {
	o.bus.Emit(Event{Kind: "tick", AgentID: agentID})
}

func (o *Orchestrator) runFireAndForget(agentID string) {
	ctx := context.Background()
	if _, err := o.Run(ctx, agentID, nil, RunOptions{}); err != nil {
		o.logger.Warn("orchestrator: scheduled run of %q failed: %v", agentID, err)
	}
}

func (o *Orchestrator) recordCacheHit(cacheName string) {
	if o.metrics != nil {
		o.metrics.CacheHits.WithLabelValues(cacheName).Inc()
	}
}

func (o *Orchestrator) recordCacheMiss(cacheName string) {
	if o.metrics != nil {
		o.metrics.CacheMisses.WithLabelValues(cacheName).Inc()
	}
}

// workerctx.Emitter implementation -------------------------------------

func (o *Orchestrator) Log(sessionID string, args ...any) {
	o.bus.Emit(Event{Kind: "log", Args: append([]any{sessionID}, args...)})
}

func (o *Orchestrator) Warn(sessionID string, args ...any) {
	o.bus.Emit(Event{Kind: "warn", Args: append([]any{sessionID}, args...)})
}

func (o *Orchestrator) WriteProgress(ctx context.Context, sessionID, cacheKey string, record workerctx.ProgressRecord) error {
	o.mu.Lock()
	backend := o.activeCaches[sessionID]
	o.mu.Unlock()
	if backend == nil {
		return fmt.Errorf("orchestrator: no active cache backend for session %q", sessionID)
	}
	expires := time.Now().Add(workerctx.ProgressTTL())
	return backend.Set(ctx, cacheKey+"-progress", map[string]any{"text": record.Text, "current": record.Percent}, &expires)
}
