// Package agentsession implements the per-request Session record and the
// session factory (createSession) that normalizes a (id, settings)
// request into a session with resolved runner, cache, and cache key.
package agentsession

import (
	"context"
	"sync"
	"time"

	"agentrun/internal/agentdef"
	"agentrun/internal/workerctx"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Deferred is a one-shot promise-like resolver: it resolves or rejects
// exactly once, and any number of callers may Wait on the outcome.
type Deferred struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

// NewDeferred returns an unresolved Deferred.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve fulfills the deferred with value. Only the first Resolve or
// Reject call has any effect.
func (d *Deferred) Resolve(value any) {
	d.once.Do(func() {
		d.result = value
		close(d.done)
	})
}

// Reject fails the deferred with err. Only the first Resolve or Reject
// call has any effect.
func (d *Deferred) Reject(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Wait blocks until the deferred resolves or rejects, or ctx is done.
func (d *Deferred) Wait(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		return d.result, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the deferred has settled, without blocking.
func (d *Deferred) Done() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Session is the per-request record created by Create and owned by the
// orchestrator for its lifetime.
type Session struct {
	ID            string
	// CorrelationID is a second, sortable identifier (a ksuid) used to
	// stitch together the log lines of one execution without exposing
	// the session's lookup-facing uuid.
	CorrelationID string
	AgentID       string
	AgentSettings map[string]any
	CacheKey      string
	Runner        string
	Cache         string
	StartTime     time.Time
	Definition    agentdef.Definition
	Context       *workerctx.Context
	Defer         *Deferred

	mu       sync.Mutex
	status   Status
	result   any
	sessErr  error
	progress *workerctx.ProgressRecord
}

// SetPending marks the session as pending (the default after creation;
// exposed for callers that re-arm a session).
func (s *Session) SetPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusPending
}

// Complete marks the session complete with result, and resolves Defer.
func (s *Session) Complete(result any) {
	s.mu.Lock()
	s.status = StatusComplete
	s.result = result
	s.mu.Unlock()
	s.Defer.Resolve(result)
}

// Fail marks the session errored with err, and rejects Defer.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.status = StatusError
	s.sessErr = err
	s.mu.Unlock()
	s.Defer.Reject(err)
}

// SetProgress records the latest progress snapshot for GetSession.
func (s *Session) SetProgress(p workerctx.ProgressRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = &p
}

// Snapshot returns a read-only copy of the session's mutable fields.
func (s *Session) Snapshot() (status Status, result any, err error, progress *workerctx.ProgressRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.result, s.sessErr, s.progress
}
