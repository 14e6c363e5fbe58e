// Package main is the entry point for agentd, the daemon that loads a
// project's Plans and drives the Scheduler, Plan Runner, and Audit Logger
// against them.
//
// The CLI surface is grounded on vinayprograms-agent/cmd/agent/cli.go's
// kong.Vars + nested-cmd-struct shape (one struct per subcommand, a Run
// method dispatching it), generalized here to kong's idiomatic
// `(*Cmd).Run(ctx) error` pattern rather than that file's manual
// os.Args-switch main().
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/corvidrun/corvid/internal/auditbus"
	"github.com/corvidrun/corvid/internal/auditlog"
	"github.com/corvidrun/corvid/internal/config"
	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/execengine"
	"github.com/corvidrun/corvid/internal/logging"
	"github.com/corvidrun/corvid/internal/metrics"
	"github.com/corvidrun/corvid/internal/planrunner"
	"github.com/corvidrun/corvid/internal/policy"
	"github.com/corvidrun/corvid/internal/rollback"
	"github.com/corvidrun/corvid/internal/scheduler"
	"github.com/corvidrun/corvid/internal/skillreg"
	"github.com/corvidrun/corvid/internal/skillrunner"
	"github.com/corvidrun/corvid/internal/tool"
	"github.com/corvidrun/corvid/internal/tracing"
)

var version = "dev"

// CLI defines agentd's command-line interface.
type CLI struct {
	Project  string      `help:"Project root directory." default:"."`
	Daemon   DaemonCmd   `cmd:"" help:"Run the scheduler until terminated."`
	Run      RunCmd      `cmd:"" help:"Run a single plan immediately and exit."`
	Validate ValidateCmd `cmd:"" help:"Validate every plan under the project's plans directory."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// DaemonCmd starts the long-running scheduler.
type DaemonCmd struct {
	MetricsAddr string `help:"Address to serve Prometheus metrics on, empty to disable." default:":9090"`
}

// RunCmd drives one named plan through the Plan Runner once, outside of
// any cron or filesystem trigger.
type RunCmd struct {
	Plan string `arg:"" help:"Plan name to run (matches the 'name' field of a *.plan.yaml file)."`
}

// ValidateCmd parses and structurally validates every plan file.
type ValidateCmd struct{}

// VersionCmd prints build version information.
type VersionCmd struct{}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli, kong.Vars{"version": version})
	app, err := newApp(cli.Project)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := ctx.Run(app); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

// app bundles every long-lived component a subcommand needs, built once
// from the project's layered configuration (spec.md §6).
type app struct {
	projectRoot string
	cfg         *config.FileConfig
	log         *logging.Logger
	metrics     *metrics.Recorder
	tracing     *tracing.Provider

	bus      *auditbus.Bus
	auditLog *auditlog.Logger

	engine     *execengine.Engine
	planRunner *planrunner.Runner
}

func newApp(projectRoot string) (*app, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	log := logging.New().WithComponent("agentd")

	homeDir, _ := os.UserHomeDir()
	globalPath := ""
	if homeDir != "" {
		globalPath = config.GlobalConfigPath(homeDir)
	}
	cfg, err := config.Load(globalPath, config.ProjectConfigPath(projectRoot))
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	met := metrics.New()
	tp := tracing.New(log)

	bus, err := auditbus.New()
	if err != nil {
		return nil, fmt.Errorf("starting audit bus: %w", err)
	}

	runsDir := filepath.Join(config.ProjectConfigDir(projectRoot), "runs")
	auditLog, err := auditlog.New(runsDir, log)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	pol := policy.New(cfg.Policy, log)
	registry := tool.NewRegistry(pol, log)
	registry.SetMetrics(met)

	skillPaths := []string{filepath.Join(config.ProjectConfigDir(projectRoot), "skills")}
	skills := skillreg.New(skillPaths, log)
	if err := skills.Discover(); err != nil {
		log.Warn("skill discovery failed", map[string]any{"error": err.Error()})
	}

	runner := skillrunner.New(registry, log)
	runner.SetTracer(tp.Tracer("skillrunner"))

	tracker, err := rollback.NewTracker(filepath.Join(config.ProjectConfigDir(projectRoot), "rollback"))
	if err != nil {
		auditLog.Close()
		bus.Close()
		return nil, fmt.Errorf("opening rollback tracker: %w", err)
	}
	if err := tracker.Load(); err != nil {
		log.Warn("rollback tracker reload failed", map[string]any{"error": err.Error()})
	}

	engine := execengine.New(registry, skills, runner, tracker, nil, log)
	engine.SetTracer(tp.Tracer("execengine"))
	engine.SetMetrics(met)

	planRunner := planrunner.New(engine, tracker, log)

	return &app{
		projectRoot: projectRoot,
		cfg:         cfg,
		log:         log,
		metrics:     met,
		tracing:     tp,
		bus:         bus,
		auditLog:    auditLog,
		engine:      engine,
		planRunner:  planRunner,
	}, nil
}

func (a *app) Close() {
	if a.tracing != nil {
		_ = a.tracing.Shutdown(context.Background())
	}
	if a.auditLog != nil {
		a.auditLog.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
}

func (a *app) plansDir() string {
	return filepath.Join(a.projectRoot, "plans")
}

func (a *app) newExecutionContext(runID string) *coretypes.ExecutionContext {
	return &coretypes.ExecutionContext{
		RunID:    runID,
		WorkDir:  a.projectRoot,
		Approved: map[string]bool{},
		Config:   a.cfg.Snapshot(),
	}
}

// Run starts the scheduler and blocks until SIGINT/SIGTERM, per spec.md
// §4.7's daemon lifecycle.
func (d *DaemonCmd) Run(a *app) error {
	loaded, errs := planrunner.LoadPlans(a.plansDir())
	for _, e := range errs {
		a.log.Error("failed to load plan", map[string]any{"error": e.Error()})
	}
	a.log.Info("loaded plans", map[string]any{"count": len(loaded), "dir": a.plansDir()})

	sched, err := scheduler.New(scheduler.Options{
		Runner:          a.planRunner,
		Bus:             a.bus,
		AuditLog:        a.auditLog,
		NewContext:      a.newExecutionContext,
		Log:             a.log,
		Metrics:         a.metrics,
		Tracer:          a.tracing.Tracer("scheduler"),
		StatePath:       filepath.Join(config.ProjectConfigDir(a.projectRoot), "scheduler.db"),
		DebounceDefault: time.Duration(a.cfg.Daemon.WatcherDebounceMS) * time.Millisecond,
		ProposalHorizon: time.Duration(a.cfg.Daemon.ProposalHorizonHours) * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	for _, lp := range loaded {
		if err := sched.RegisterPlan(lp, a.projectRoot); err != nil {
			a.log.Error("failed to register plan trigger", map[string]any{"plan": lp.Plan.Name, "error": err.Error()})
		}
	}
	sched.Start()

	if err := writePidFile(a.cfg.Daemon.PidFile, a.projectRoot); err != nil {
		a.log.Warn("failed to write pid file", map[string]any{"error": err.Error()})
	}

	if d.MetricsAddr != "" {
		go serveMetrics(a, d.MetricsAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	a.log.Info("agentd started", map[string]any{"project": a.projectRoot})
	<-sig

	a.log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sched.Stop(shutdownCtx)
}

func serveMetrics(a *app, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		a.log.Error("metrics server stopped", map[string]any{"error": err.Error()})
	}
}

func writePidFile(relPath, projectRoot string) error {
	if relPath == "" {
		return nil
	}
	path := relPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectRoot, relPath)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// Run runs the named plan once and prints its terminal status.
func (c *RunCmd) Run(a *app) error {
	loaded, errs := planrunner.LoadPlans(a.plansDir())
	for _, e := range errs {
		a.log.Warn("plan load error", map[string]any{"error": e.Error()})
	}

	var target *coretypes.Plan
	for _, lp := range loaded {
		if lp.Plan.Name == c.Plan {
			target = lp.Plan
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no plan named %q found under %s", c.Plan, a.plansDir())
	}

	runID := fmt.Sprintf("manual-%d", time.Now().UnixNano())
	execCtx := a.newExecutionContext(runID)
	execCtx.Bus = a.bus.Publisher(runID)

	recorder, err := a.auditLog.Attach(a.bus, runID)
	if err != nil {
		return fmt.Errorf("attaching audit recorder: %w", err)
	}

	run, diffs := a.planRunner.Run(execCtx, target, runID, "manual")
	if err := recorder.Finalize(run, diffs); err != nil {
		a.log.Error("failed to finalize run", map[string]any{"error": err.Error()})
	}
	a.metrics.ObserveRun(run)

	fmt.Printf("run %s: %s (%d/%d steps completed)\n", run.RunID, run.Status, run.Summary.StepsCompleted, len(run.Steps))
	if run.Status == coretypes.RunFailed {
		return fmt.Errorf("plan %q failed", c.Plan)
	}
	return nil
}

// Run validates every plan file under the project's plans directory.
func (c *ValidateCmd) Run(a *app) error {
	loaded, errs := planrunner.LoadPlans(a.plansDir())
	for _, e := range errs {
		fmt.Println("INVALID:", e)
	}
	for _, lp := range loaded {
		fmt.Printf("OK: %s (%s)\n", lp.Plan.Name, lp.Path)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d plan(s) failed validation", len(errs))
	}
	return nil
}

// Run prints version information.
func (c *VersionCmd) Run(a *app) error {
	fmt.Println("agentd", version)
	return nil
}
