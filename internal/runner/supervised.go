package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentrun/internal/agentsession"
	"agentrun/internal/cachestore"
	"agentrun/internal/errorkind"
	"agentrun/internal/telemetry"
)

// SupervisedConfig is the configuration surface §6 names for the
// supervised runner.
type SupervisedConfig struct {
	ProcName        func(cacheKey string) string
	ExecFile        string
	Interpreter     string
	InterpreterArgs []string
	Cwd             string
	Env             func(session *agentsession.Session) map[string]string

	PollInterval time.Duration // default 1000ms

	LogFileScan     bool
	LogFilePath     string
	LogFileTailSize int64 // default 2048
}

func (c SupervisedConfig) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return time.Second
	}
	return c.PollInterval
}

func (c SupervisedConfig) tailSize() int64 {
	if c.LogFileTailSize <= 0 {
		return defaultTailSize
	}
	return c.LogFileTailSize
}

func (c SupervisedConfig) procName(cacheKey string) string {
	if c.ProcName != nil {
		return c.ProcName(cacheKey)
	}
	return "agentrun-" + cacheKey
}

// SupervisedRunner delegates execution to a child process managed by a
// Supervisor, polling until termination and (optionally) mining the
// supervisor's log for evidence the child was killed rather than exiting
// cleanly (§4.5.b).
type SupervisedRunner struct {
	supervisor Supervisor
	caches     map[string]cachestore.Backend
	config     SupervisedConfig
	logger     telemetry.Logger
}

// NewSupervisedRunner constructs a supervised runner.
func NewSupervisedRunner(supervisor Supervisor, caches map[string]cachestore.Backend, config SupervisedConfig, logger telemetry.Logger) *SupervisedRunner {
	return &SupervisedRunner{supervisor: supervisor, caches: caches, config: config, logger: telemetry.OrNop(logger)}
}

func (r *SupervisedRunner) Name() string { return "supervised" }

func (r *SupervisedRunner) Destroy(ctx context.Context) error {
	return r.supervisor.Disconnect(ctx)
}

func (r *SupervisedRunner) Exec(ctx context.Context, session *agentsession.Session) (any, error) {
	name := r.config.procName(session.CacheKey)

	if err := r.supervisor.Connect(ctx); err != nil {
		return nil, &errorkind.RunnerError{AgentID: session.AgentID, Cause: fmt.Errorf("connect to supervisor: %w", err)}
	}
	defer r.supervisor.Disconnect(ctx)

	if desc, err := r.supervisor.Describe(ctx, name); err == nil && desc.Status != StatusUnknown {
		r.logger.Warn("supervised runner: stale process %q found (%s), deleting", name, desc.Status)
		if err := r.supervisor.Delete(ctx, name); err != nil {
			r.logger.Warn("supervised runner: failed to delete stale process %q: %v", name, err)
		}
	}

	settings, err := json.Marshal(session.AgentSettings)
	if err != nil {
		return nil, &errorkind.RunnerError{AgentID: session.AgentID, Cause: fmt.Errorf("marshal settings: %w", err)}
	}

	env := map[string]string{
		"AGENTRUN_MODE":          "agent",
		"AGENTRUN_AGENT_ID":      session.AgentID,
		"AGENTRUN_AGENT_SETTINGS": string(settings),
		"AGENTRUN_CACHE":         session.Cache,
		"AGENTRUN_CACHE_KEY":     session.CacheKey,
	}
	if r.config.Env != nil {
		for k, v := range r.config.Env(session) {
			env[k] = v
		}
	}

	startInstant := time.Now().Truncate(time.Second)

	if err := r.supervisor.Start(ctx, name, ProcessSpec{
		ExecFile:        r.config.ExecFile,
		Interpreter:     r.config.Interpreter,
		InterpreterArgs: r.config.InterpreterArgs,
		Cwd:             r.config.Cwd,
		Env:             env,
		AutoRestart:     false,
	}); err != nil {
		return nil, &errorkind.RunnerError{AgentID: session.AgentID, Cause: fmt.Errorf("start process %q: %w", name, err)}
	}

	pollErr := r.poll(ctx, session, name, startInstant)

	// Read the child's result and delete the supervisor's process entry
	// concurrently (§4.5.b step 7); cleanup failure is a transient
	// warning and never fails the run.
	var result any
	var readErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, readErr = r.readResult(ctx, session)
	}()
	if err := r.supervisor.Delete(ctx, name); err != nil {
		r.logger.Warn("supervised runner: cleanup of %q failed: %v", name, err)
	}
	<-done

	if pollErr != nil {
		return nil, pollErr
	}
	if readErr != nil {
		return nil, readErr
	}
	return result, nil
}

// poll loops at the configured interval, classifying the process status
// on each tick per §4.5.b step 6, until a terminal outcome is reached.
func (r *SupervisedRunner) poll(ctx context.Context, session *agentsession.Session, name string, startInstant time.Time) error {
	ticker := time.NewTicker(r.config.pollInterval())
	defer ticker.Stop()

	for {
		desc, err := r.supervisor.Describe(ctx, name)
		if err != nil {
			return &errorkind.RunnerError{AgentID: session.AgentID, Cause: fmt.Errorf("describe process %q: %w", name, err)}
		}

		switch desc.Status {
		case StatusLaunching, StatusOnline:
			if desc.PID != 0 {
				// still running
			} else {
				desc.Status = StatusStopped
				desc.ExitCode = 0
				desc.HasExitCode = true
			}
		}

		switch desc.Status {
		case StatusLaunching, StatusOnline:
			// fallthrough to wait for next tick below
		case StatusStopping, StatusStopped:
			if desc.HasExitCode && desc.ExitCode == 0 {
				if r.config.LogFileScan {
					return r.postMortem(session, name, desc, startInstant)
				}
				return nil
			}
			return &errorkind.RunnerError{AgentID: session.AgentID, Cause: fmt.Errorf(
				"process %q exited with code %d (log: %s)", name, desc.ExitCode, desc.ErrorLogPath)}
		case StatusErrored:
			return &errorkind.RunnerError{AgentID: session.AgentID, Cause: fmt.Errorf("process %q errored", name)}
		default:
			return &errorkind.RunnerError{AgentID: session.AgentID, Cause: fmt.Errorf("process %q reported unknown status %q", name, desc.Status)}
		}

		select {
		case <-ctx.Done():
			return &errorkind.RunnerError{AgentID: session.AgentID, Cause: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (r *SupervisedRunner) postMortem(session *agentsession.Session, procName string, desc Description, startInstant time.Time) error {
	if r.config.LogFilePath == "" {
		return nil
	}
	lines, err := tailLines(r.config.LogFilePath, r.config.tailSize())
	if err != nil {
		// §9: log-tail parsing is fragile; treat read failure as "no
		// finding" rather than failing the run.
		r.logger.Warn("supervised runner: post-mortem log read failed: %v", err)
		return nil
	}
	if verdict := postMortemVerdict(lines, procName, desc.PID, startInstant); verdict != nil {
		return &errorkind.RunnerError{AgentID: session.AgentID, Cause: verdict}
	}
	return nil
}

func (r *SupervisedRunner) readResult(ctx context.Context, session *agentsession.Session) (any, error) {
	if !session.Definition.HasReturn {
		return nil, nil
	}
	backend, ok := r.caches[session.Cache]
	if !ok {
		return nil, &errorkind.SelectionError{AgentID: session.AgentID, Kind: "cache"}
	}
	value, err := backend.Get(ctx, session.CacheKey)
	if err != nil {
		if err == cachestore.ErrNotFound {
			return nil, nil
		}
		return nil, &errorkind.CacheError{Backend: session.Cache, Op: "get", Cause: err}
	}
	return value, nil
}
