// Package runner implements the Runner contract (§4.5/§6) and its two
// concrete strategies: an inline in-process runner and a supervised
// external-process runner.
package runner

import (
	"context"

	"agentrun/internal/agentsession"
)

// Runner is the contract every execution strategy satisfies: a name used
// for agent-method compatibility checks and registry selection, and Exec,
// which executes one session and returns its value or error.
type Runner interface {
	Name() string
	Exec(ctx context.Context, session *agentsession.Session) (any, error)
}

// Destroyer is an optional capability a Runner may implement to release
// resources on orchestrator shutdown.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Descriptor adapts a bare exec function into a Runner, matching §3's
// {name, exec(session) -> result-or-error} shape for runners that need
// no extra state.
type Descriptor struct {
	RunnerName string
	ExecFunc   func(ctx context.Context, session *agentsession.Session) (any, error)
}

func (d Descriptor) Name() string { return d.RunnerName }

func (d Descriptor) Exec(ctx context.Context, session *agentsession.Session) (any, error) {
	return d.ExecFunc(ctx, session)
}
