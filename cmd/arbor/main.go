package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/arbornet/arbor/internal/engine"
	"github.com/arbornet/arbor/internal/feedback"
	"github.com/arbornet/arbor/internal/logging"
	"github.com/arbornet/arbor/internal/scheduler"
	"github.com/arbornet/arbor/internal/store"
	"github.com/arbornet/arbor/internal/tracker"
	"github.com/arbornet/arbor/internal/validation"
	"github.com/arbornet/arbor/internal/workers"
	"github.com/arbornet/arbor/pkg/mcp"
	"github.com/arbornet/arbor/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "resume":
		err = cmdResume(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "sched":
		err = cmdSched(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: arbor <command>

commands:
  serve     start the MCP stdio server (and the job scheduler)
  run       validate and execute a workflow file
  resume    resume an interrupted run by ID
  status    show a run's status and per-node states
  validate  check a workflow file without executing it
  sched     list scheduled jobs
  version   print version
`)
}

// app holds the wired engine components shared by all commands.
type app struct {
	cfg         Config
	logger      *slog.Logger
	store       *store.LibSQLStore
	eventLog    *store.EventLog
	memory      *store.WorkingMemory
	interp      *engine.Interpreter
	coordinator *feedback.Coordinator
	pool        *engine.RunPool
	validator   *validation.Validator
}

func newApp(cfg Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	eventLog := store.NewEventLog(st)
	memory := store.NewWorkingMemory(st, eventLog,
		store.WithDefaultSessionTTL(cfg.SessionTTL))

	registry := engine.NewWorkerRegistry()
	registry.Register(workers.NewShellWorker(workers.ShellConfig{}))

	interp := engine.NewInterpreter(st, eventLog, memory, registry,
		engine.WithLogger(logger))
	coordinator := feedback.NewCoordinator(st, eventLog, interp,
		feedback.WithMaxRounds(cfg.MaxRounds),
		feedback.WithLogger(logger),
		feedback.WithTracker(tracker.NewLogTracker(logger)),
		feedback.WithRunSource(st))
	engine.WithFeedbackResolver(coordinator)(interp)

	validator, err := validation.New()
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		eventLog:    eventLog,
		memory:      memory,
		interp:      interp,
		coordinator: coordinator,
		pool:        engine.NewRunPool(cfg.PoolSize),
		validator:   validator,
	}, nil
}

func (a *app) close() {
	a.pool.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", slog.String("error", err.Error()))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// --- serve ---

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler {
		defs, err := loadWorkflowDir(a.validator, cfg.WorkflowDir)
		if err != nil {
			return err
		}
		runner := &scheduledRunner{app: a, defs: defs}
		sched := scheduler.NewScheduler(a.store, runner, a.logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			a.logger.Warn("recover missed jobs", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	go a.sweepLoop(ctx)

	srv := mcp.NewArborServer(mcp.ArborServerDeps{
		Store:       a.store,
		Interpreter: a.interp,
		Memory:      a.memory,
		Feedback:    a.coordinator,
		Validator:   a.validator,
		Logger:      a.logger,
	})
	a.logger.Info("arbor serving on stdio", slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

// sweepLoop periodically removes expired session memory.
func (a *app) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.memory.Sweep(ctx); err != nil {
				a.logger.Warn("memory sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.Info("memory sweep", slog.Int64("removed", n))
			}
		}
	}
}

// scheduledRunner lets the scheduler start runs for workflows registered
// from the workflow directory.
type scheduledRunner struct {
	app  *app
	defs map[string]*schema.WorkflowDefinition
}

func (r *scheduledRunner) RunWorkflow(ctx context.Context, workflowName string, params map[string]any) error {
	def, ok := r.defs[workflowName]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is not registered", workflowName)
	}
	run, err := r.app.createRun(ctx, def, params)
	if err != nil {
		return err
	}
	return r.app.pool.Submit(ctx, func(ctx context.Context) error {
		_, err := r.app.interp.Execute(ctx, run)
		return err
	})
}

// --- run ---

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	paramsJSON := fs.String("params", "", "run parameters as a JSON object")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: arbor run [-params '{...}'] <workflow-file>")
	}

	var params map[string]any
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			return fmt.Errorf("parse -params: %w", err)
		}
	}

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	def, err := loadWorkflowFile(a.validator, fs.Arg(0))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := a.createRun(ctx, def, params)
	if err != nil {
		return err
	}
	result, execErr := a.interp.Execute(ctx, run)
	return printResult(result, execErr)
}

// --- resume ---

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: arbor resume <run-id>")
	}

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, execErr := a.interp.Resume(ctx, fs.Arg(0))
	return printResult(result, execErr)
}

// --- status ---

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: arbor status <run-id>")
	}

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	run, err := a.store.GetRun(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	nodes, err := a.store.ListNodeStates(ctx, run.ID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(map[string]any{"run": run, "nodes": nodes}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// --- validate ---

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: arbor validate <workflow-file>")
	}

	validator, err := validation.New()
	if err != nil {
		return err
	}
	def, err := loadWorkflowFile(validator, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("%s: workflow %q is valid\n", fs.Arg(0), def.Name)
	return nil
}

// --- sched ---

func cmdSched(args []string) error {
	fs := flag.NewFlagSet("sched", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	jobs, err := a.store.ListScheduledJobs(context.Background(), store.ScheduledJobFilter{})
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(map[string]any{"jobs": jobs}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// --- shared helpers ---

func (a *app) createRun(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any) (*store.Run, error) {
	now := time.Now().UTC()
	run := &store.Run{
		ID:           uuid.New().String(),
		WorkflowName: def.Name,
		Definition:   *def,
		Status:       schema.RunStatusPending,
		Params:       params,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// printResult writes the run outcome as JSON to stdout. A failed run is a
// non-zero exit; the JSON still carries the per-node detail.
func printResult(result *engine.RunResult, execErr error) error {
	if result != nil {
		out, err := json.MarshalIndent(result, "", "  ")
		if err == nil {
			fmt.Println(string(out))
		}
	}
	if execErr != nil {
		return execErr
	}
	if result != nil && result.Status == schema.RunStatusFailed {
		return fmt.Errorf("run %s failed", result.RunID)
	}
	return nil
}
