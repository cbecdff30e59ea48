// Package errorkind classifies the error kinds named in the orchestrator's
// error-handling design: definition, selection, compatibility, runner, and
// cache errors. Each kind is a distinct type so callers can errors.As
// against it, while Error() renders the short descriptive string the
// façade surfaces to callers.
package errorkind

import "fmt"

// DefinitionError reports an invalid or missing agent id, a duplicate id,
// or a malformed agent definition. Raised non-fatally during refresh
// (warn-and-skip) and fatally during session creation.
type DefinitionError struct {
	AgentID string
	Reason  string
}

func (e *DefinitionError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("definition error: %s", e.Reason)
	}
	return fmt.Sprintf("definition error for %q: %s", e.AgentID, e.Reason)
}

// SelectionError reports that no runner or cache backend could be
// resolved for a session. Always fatal to the request.
type SelectionError struct {
	AgentID string
	Kind    string // "runner" or "cache"
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("no %s selectable for agent %q", e.Kind, e.AgentID)
}

// CompatibilityError reports that the selected runner is not among the
// agent's declared methods.
type CompatibilityError struct {
	AgentID string
	Runner  string
	Methods []string
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("runner %q is not compatible with agent %q (methods: %v)", e.Runner, e.AgentID, e.Methods)
}

// RunnerError wraps any failure surfaced by a runner: a worker panic or
// returned error, a nonzero supervised-process exit, a supervisor-reported
// error, a post-mortem-detected kill, or an unrecognized process status.
// It is never retried by the core.
type RunnerError struct {
	AgentID string
	Cause   error
}

func (e *RunnerError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("agent %q failed", e.AgentID)
	}
	return e.Cause.Error()
}

func (e *RunnerError) Unwrap() error { return e.Cause }

// CacheError reports a failure from a cache backend operation, propagated
// to the initiating request.
type CacheError struct {
	Backend string
	Op      string
	Cause   error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %q: %s: %v", e.Backend, e.Op, e.Cause)
}

func (e *CacheError) Unwrap() error { return e.Cause }
