// Package orchestrator implements the public façade: init, destroy,
// refresh, has, get, run, invalidate, getSession, list.
package orchestrator

import (
	"time"

	"agentrun/internal/agentdef"
	"agentrun/internal/agentsession"
	"agentrun/internal/cachestore"
	"agentrun/internal/keying"
	"agentrun/internal/runner"
	"agentrun/internal/telemetry"
)

// Config is the §6 configuration surface.
type Config struct {
	AutoInit       bool
	AutoInstall    bool
	AllowImmediate bool
	CheckProcess   time.Duration
	LogThrottle    time.Duration

	KeyRewrite keying.Rewrite

	// Source enumerates the available agent definitions on each
	// refresh; filesystem discovery is an external collaborator (§1),
	// so this is just a function the caller supplies.
	Source agentdef.Source

	Caches       []cachestore.Backend
	CalculateCache func(s *agentsession.Session) string

	Runners         []runner.Runner
	CalculateRunner func(s *agentsession.Session) string

	Logger  telemetry.Logger
	Metrics *telemetry.Metrics
}

func (c Config) calculateCache(s *agentsession.Session) string {
	if c.CalculateCache != nil {
		return c.CalculateCache(s)
	}
	if len(c.Caches) > 0 {
		return c.Caches[0].Name()
	}
	return ""
}

func (c Config) calculateRunner(s *agentsession.Session) string {
	if c.CalculateRunner != nil {
		return c.CalculateRunner(s)
	}
	for _, r := range c.Runners {
		if len(s.Definition.Methods) == 0 || s.Definition.SupportsMethod(r.Name()) {
			return r.Name()
		}
	}
	return ""
}
