// Package cronsched installs periodic tasks for timed agents and drives
// them through the orchestrator's run entry point. Grounded on
// internal/scheduler/scheduler.go's cron.Cron wrapper: five/six-field
// parsing via a cron.Parser, SkipIfStillRunning job wrapping, and an
// idempotent Stop guarded by sync.Once.
package cronsched

import (
	"sync"

	"github.com/robfig/cron/v3"

	"agentrun/internal/asyncutil"
	"agentrun/internal/telemetry"
)

// RunFunc is invoked, fire-and-forget, on every firing of a timed agent's
// schedule. Errors are logged, never propagated back into the scheduler
// loop (§4.7, §9: "fire-and-forget cron ticks must not propagate
// failures").
type RunFunc func(agentID string)

// TickObserver is notified on every firing, before RunFunc executes, so
// the orchestrator can emit its tick(agentId) event.
type TickObserver func(agentID string)

// Scheduler wraps *cron.Cron, installing one entry per timed agent.
type Scheduler struct {
	cron   *cron.Cron
	logger telemetry.Logger
	run    RunFunc
	onTick TickObserver

	mu      sync.Mutex
	entries map[string]cron.EntryID

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Scheduler that will invoke run(agentID) (fire and
// forget) on each firing, notifying onTick first.
func New(run RunFunc, onTick TickObserver, logger telemetry.Logger) *Scheduler {
	logger = telemetry.OrNop(logger)
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{
		cron:    c,
		logger:  logger,
		run:     run,
		onTick:  onTick,
		entries: make(map[string]cron.EntryID),
		stopped: make(chan struct{}),
	}
}

// Install registers a cron entry for agentID firing on schedule. It is
// safe to call before or after Start.
func (s *Scheduler) Install(agentID, schedule string) error {
	entryID, err := s.cron.AddFunc(schedule, func() {
		s.fire(agentID)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[agentID] = entryID
	s.mu.Unlock()
	return nil
}

// fire is the body of every cron entry: it notifies the tick observer and
// launches run via asyncutil.Go so a panic in the worker cannot take the
// cron goroutine down with it.
func (s *Scheduler) fire(agentID string) {
	if s.onTick != nil {
		s.onTick(agentID)
	}
	asyncutil.Go(s.logger, "cron:"+agentID, func() {
		s.run(agentID)
	})
}

// Start begins firing installed entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop pauses all tasks. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		ctx := s.cron.Stop()
		<-ctx.Done()
		close(s.stopped)
	})
}

// Done returns a channel closed once Stop has fully drained running jobs.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// EntryCount reports how many timed agents are installed.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
