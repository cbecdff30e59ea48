package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentrun/internal/agentdef"
	"agentrun/internal/appconfig"
	"agentrun/internal/cachestore"
	"agentrun/internal/orchestrator"
	"agentrun/internal/runner"
	"agentrun/internal/telemetry"
)

// AGENTRUN_AGENT is the environment-variable fallback for the agent id
// positional argument, per §6's CLI surface.
const envAgentID = "AGENTRUN_AGENT"

var (
	flagConfig   string
	flagRunner   string
	flagCache    string
	flagVerbose  bool
	flagDebug    string
	flagSettings string
)

func main() {
	root := &cobra.Command{
		Use:   "agentrun",
		Short: "Run and inspect deferred, cached agent jobs",
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "accepted but has no effect: the CLI's logger discards all output")
	root.PersistentFlags().StringVar(&flagDebug, "debug", "", "accepted but has no effect: no debug output is written")

	root.AddCommand(newRunCmd(), newGetCmd(), newListCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [agent-id]",
		Short: "Force execution of an agent, bypassing any cached value",
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, args, true)
		},
	}
	cmd.Flags().StringVar(&flagRunner, "runner", "", "force this runner instead of the agent's calculate(session) pick")
	cmd.Flags().StringVar(&flagCache, "cache", "", "force this cache backend instead of the agent's calculate(session) pick")
	cmd.Flags().StringVar(&flagSettings, "settings", "", "JSON object of agent settings")
	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [agent-id]",
		Short: "Return the cached value for an agent, running it on a miss",
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, args, false)
		},
	}
	cmd.Flags().StringVar(&flagRunner, "runner", "", "force this runner instead of the agent's calculate(session) pick")
	cmd.Flags().StringVar(&flagCache, "cache", "", "force this cache backend instead of the agent's calculate(session) pick")
	cmd.Flags().StringVar(&flagSettings, "settings", "", "JSON object of agent settings")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered agent with its cache key and cache residency",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cfg, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := orch.Init(ctx); err != nil {
				return err
			}
			defer orch.Destroy(ctx)
			_ = cfg

			for _, a := range orch.List(ctx) {
				status := "absent"
				if a.HasCache {
					status = fmt.Sprintf("%d bytes", a.CacheSize)
				}
				fmt.Printf("%-20s key=%-16s timing=%-20q methods=%-20v %s\n", a.ID, a.CacheKey, a.Timing, a.Methods, status)
			}
			return nil
		},
	}
}

func invoke(cmd *cobra.Command, args []string, force bool) error {
	agentID := envAgentIDOrArg(args)
	if agentID == "" {
		return fmt.Errorf("agentrun: no agent id given (positionally or via %s)", envAgentID)
	}

	var settings map[string]any
	if flagSettings != "" {
		if err := json.Unmarshal([]byte(flagSettings), &settings); err != nil {
			return fmt.Errorf("agentrun: --settings is not valid JSON: %w", err)
		}
	}

	orch, _, err := bootstrap()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := orch.Init(ctx); err != nil {
		return err
	}
	defer orch.Destroy(ctx)

	opts := orchestrator.RunOptions{Runner: flagRunner, Cache: flagCache}

	var value any
	if force {
		value, err = orch.Run(ctx, agentID, settings, opts)
	} else {
		value, err = orch.Get(ctx, agentID, settings, orchestrator.GetOptions{RunOptions: opts})
	}
	if err != nil {
		return fmt.Errorf("agentrun: %s: %w", agentID, err)
	}

	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("agentrun: encode result: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}

func envAgentIDOrArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return os.Getenv(envAgentID)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// bootstrap wires the configuration surface into a constructed (but not
// yet Init'd) orchestrator. It is deliberately thin: discovering agent
// definition files from cfg.Paths and compiling their workers is an
// external collaborator per §1 of the specification, so this CLI ships
// only the builtin demo agents registered below.
func bootstrap() (*orchestrator.Orchestrator, appconfig.Config, error) {
	cfg, err := appconfig.Load(flagConfig)
	if err != nil {
		return nil, appconfig.Config{}, err
	}

	// A real stdout/file logger is an external collaborator (§1); this
	// CLI stays silent by default and flagVerbose/flagDebug are reserved
	// for a caller-supplied Logger wired in at a higher layer.
	logger := telemetry.Nop()

	memCache := cachestore.NewMemoryBackend("memory", cfg.Cache.Memory.Size)
	caches := []cachestore.Backend{memCache}
	if dir := cfg.Cache.File.Dir; dir != "" {
		fileCache, err := cachestore.NewFileBackend("file", dir)
		if err != nil {
			return nil, appconfig.Config{}, err
		}
		caches = append(caches, fileCache)
	}

	cacheByName := map[string]cachestore.Backend{}
	for _, c := range caches {
		cacheByName[c.Name()] = c
	}

	inline := runner.NewInlineRunner(cacheByName, logger)
	supervisor := runner.NewProcessSupervisor("", logger)
	supervised := runner.NewSupervisedRunner(supervisor, cacheByName, runner.SupervisedConfig{
		ExecFile:        cfg.Runner.Supervised.ExecFile,
		Interpreter:     cfg.Runner.Supervised.Interpreter,
		InterpreterArgs: cfg.Runner.Supervised.InterpreterArgs,
		Cwd:             cfg.Runner.Supervised.Cwd,
		PollInterval:    cfg.CheckProcess(),
		LogFileScan:     cfg.Runner.Supervised.LogFileScan,
		LogFilePath:     cfg.Runner.Supervised.LogFilePath,
		LogFileTailSize: cfg.Runner.Supervised.LogFileTailSize,
	}, logger)

	orch := orchestrator.New(orchestrator.Config{
		AutoInstall:    cfg.AutoInstall,
		AllowImmediate: cfg.AllowImmediate,
		CheckProcess:   cfg.CheckProcess(),
		LogThrottle:    cfg.LogThrottle(),
		Source:         func() ([]agentdef.Definition, error) { return builtinAgents(), nil },
		Caches:         caches,
		Runners:        []runner.Runner{inline, supervised},
		Logger:         logger,
	})
	return orch, cfg, nil
}

// builtinAgents ships one always-available agent so `agentrun list`/`get
// primes` work out of the box without an external definition source.
func builtinAgents() []agentdef.Definition {
	return []agentdef.Definition{
		{
			ID:        "primes",
			HasReturn: true,
			Methods:   []string{"inline", "supervised"},
			Worker: func(_ context.Context, _ any, settings map[string]any) (any, error) {
				limit := 1000
				if v, ok := settings["limit"].(float64); ok {
					limit = int(v)
				}
				return primesUpTo(limit), nil
			},
		},
	}
}

func primesUpTo(limit int) []int {
	var out []int
	for n := 2; n <= limit; n++ {
		prime := true
		for _, p := range out {
			if p*p > n {
				break
			}
			if n%p == 0 {
				prime = false
				break
			}
		}
		if prime {
			out = append(out, n)
		}
	}
	return out
}
