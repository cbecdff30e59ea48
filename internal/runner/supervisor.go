package runner

import "context"

// ProcessStatus is the five-state-plus-unknown classification §4.5.b
// names for a supervised process.
type ProcessStatus string

const (
	StatusLaunching ProcessStatus = "launching"
	StatusOnline    ProcessStatus = "online"
	StatusStopping  ProcessStatus = "stopping"
	StatusStopped   ProcessStatus = "stopped"
	StatusErrored   ProcessStatus = "errored"
	StatusUnknown   ProcessStatus = "unknown"
)

// Description is what Supervisor.Describe reports about a named process.
type Description struct {
	Status       ProcessStatus
	PID          int
	ExitCode     int
	HasExitCode  bool
	ErrorLogPath string
}

// ProcessSpec describes how to start a named process.
type ProcessSpec struct {
	ExecFile        string
	Interpreter     string
	InterpreterArgs []string
	Cwd             string
	Env             map[string]string
	AutoRestart     bool
}

// Supervisor is the abstract external process manager the supervised
// runner delegates to: it names, starts, describes, and deletes child
// processes. The reference implementation, ProcessSupervisor, is a local
// os/exec-based process manager grounded on
// internal/devops/process/manager.go.
type Supervisor interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Start(ctx context.Context, name string, spec ProcessSpec) error
	Describe(ctx context.Context, name string) (Description, error)
	Delete(ctx context.Context, name string) error
}
