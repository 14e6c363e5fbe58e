// Package scheduler implements the Scheduler: the long-running process
// that triggers Plans on cron expressions and debounced filesystem
// changes (spec.md §4.7), plus the proposal garbage-collection sweep
// SPEC_FULL.md §9 resolves as an open question.
//
// Cron-triggered plans and the per-plan serialization mutex are grounded
// on flemzord-sclaw's internal/cron/scheduler.go: one robfig/cron/v3
// instance, one job per plan, a per-job sync.Mutex guarded with TryLock so
// an overlapping firing is skipped rather than queued — directly
// resolving spec.md §4.7's "implementations should serialize per-plan to
// prevent overlapping mutations to the same project".
//
// Filesystem-triggered plans use fsnotify/fsnotify directly (already a
// direct dependency of the teacher's own go.mod); the debounce-then-fire
// shape ("wait a bit for writes to settle" after a Write/Create event) is
// grounded on vinayprograms-agent/src/internal/replay/pager.go's watcher
// loop, generalized from that file's fixed 100ms sleep into spec.md
// §4.7's configurable `watcherDebounceMs` (default 500) implemented with
// a per-path timer instead of a blocking sleep.
//
// Persisted per-plan job state (last-fired timestamp) is kept in an
// embedded go.etcd.io/bbolt store — a genuine, previously-unwired
// indirect dependency of the teacher's own closure — so a restarted
// daemon can report when each job last ran without re-deriving it from
// the run index.
//
// The proposal sweep's per-tick span is grounded on
// jllopis-kairos/pkg/runtime/approval_sweeper.go's startApprovalSweeper:
// a ticker loop wrapping each sweep in an OpenTelemetry span and logging
// the outcome, retargeted from expiring pending approvals to culling
// stale `proposed` Plan Runs.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/corvidrun/corvid/internal/auditbus"
	"github.com/corvidrun/corvid/internal/auditlog"
	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/logging"
	"github.com/corvidrun/corvid/internal/metrics"
	"github.com/corvidrun/corvid/internal/planrunner"
	"github.com/corvidrun/corvid/internal/tracing"
)

var jobStateBucket = []byte("job_state")

// ContextFactory builds a fresh ExecutionContext for one firing of a plan,
// per spec.md §4.7 "Each firing constructs a fresh execution context".
type ContextFactory func(runID string) *coretypes.ExecutionContext

// Scheduler owns every cron job and filesystem watcher registered against
// a loaded set of Plans, plus the proposal-sweep background loop.
type Scheduler struct {
	runner   *planrunner.Runner
	bus      *auditbus.Bus
	auditLog *auditlog.Logger
	newCtx   ContextFactory
	log      *logging.Logger
	metrics  *metrics.Recorder
	tracer   oteltrace.Tracer

	db *bolt.DB

	cron        *cron.Cron
	cronEntries []cron.EntryID

	watchersMu sync.Mutex
	watchers   []*fsnotify.Watcher
	watchDone  chan struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // plan name -> serialization lock

	debounceDefault time.Duration
	proposalHorizon time.Duration

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Options configures a new Scheduler.
type Options struct {
	Runner          *planrunner.Runner
	Bus             *auditbus.Bus
	AuditLog        *auditlog.Logger
	NewContext      ContextFactory
	Log             *logging.Logger
	Metrics         *metrics.Recorder
	Tracer          oteltrace.Tracer
	StatePath       string        // bbolt file, e.g. ".agent/scheduler.db"
	DebounceDefault time.Duration // spec.md §4.7 default 500ms
	ProposalHorizon time.Duration // SPEC_FULL.md §9 default 168h
}

// New opens (creating if absent) the scheduler's persisted job-state store
// and returns an idle Scheduler; call RegisterPlan for each loaded plan,
// then Start.
func New(opts Options) (*Scheduler, error) {
	log := opts.Log
	if log == nil {
		log = logging.New()
	}
	if opts.DebounceDefault <= 0 {
		opts.DebounceDefault = 500 * time.Millisecond
	}
	if opts.ProposalHorizon <= 0 {
		opts.ProposalHorizon = 168 * time.Hour
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Noop()
	}

	db, err := bolt.Open(opts.StatePath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("scheduler: opening state store %s: %w", opts.StatePath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobStateBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("scheduler: initializing state store: %w", err)
	}

	return &Scheduler{
		runner:          opts.Runner,
		bus:             opts.Bus,
		auditLog:        opts.AuditLog,
		newCtx:          opts.NewContext,
		log:             log.WithComponent("scheduler"),
		metrics:         opts.Metrics,
		tracer:          tracer,
		db:              db,
		cron:            cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		locks:           map[string]*sync.Mutex{},
		debounceDefault: opts.DebounceDefault,
		proposalHorizon: opts.ProposalHorizon,
		watchDone:       make(chan struct{}),
	}, nil
}

// RegisterPlan wires one loaded plan's trigger into the scheduler, per
// spec.md §4.7: a `cron` trigger gets a cron job in the configured (or
// UTC) timezone; an `fs_change` trigger gets a debounced watcher over its
// declared paths; any other trigger kind (including the default
// `manual`) is not scheduled at all.
func (s *Scheduler) RegisterPlan(lp planrunner.LoadedPlan, projectRoot string) error {
	plan := lp.Plan
	s.locksMu.Lock()
	if _, ok := s.locks[plan.Name]; !ok {
		s.locks[plan.Name] = &sync.Mutex{}
	}
	s.locksMu.Unlock()

	switch plan.Trigger.Type {
	case coretypes.TriggerCron:
		return s.registerCron(plan)
	case coretypes.TriggerFSChange:
		return s.registerFSWatch(plan, projectRoot)
	default:
		return nil
	}
}

func (s *Scheduler) registerCron(plan *coretypes.Plan) error {
	tz := plan.Trigger.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("scheduler: plan %q declares unknown timezone %q: %w", plan.Name, tz, err)
	}

	sched, err := cron.ParseStandard(plan.Trigger.Cron)
	if err != nil {
		return fmt.Errorf("scheduler: plan %q has invalid cron expression %q: %w", plan.Name, plan.Trigger.Cron, err)
	}
	inTZ := tzSchedule{sched: sched, loc: loc}

	id := s.cron.Schedule(inTZ, cron.FuncJob(func() {
		s.fireLocked(plan, "cron")
	}))
	s.cronEntries = append(s.cronEntries, id)
	s.log.Info("registered cron trigger", map[string]any{"plan": plan.Name, "cron": plan.Trigger.Cron, "timezone": tz})
	return nil
}

// tzSchedule wraps a cron.Schedule so Next is computed in loc, per
// spec.md §4.7 "using the configured timezone (default UTC)".
type tzSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (t tzSchedule) Next(now time.Time) time.Time {
	return t.sched.Next(now.In(t.loc))
}

func (s *Scheduler) registerFSWatch(plan *coretypes.Plan, projectRoot string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("scheduler: creating watcher for plan %q: %w", plan.Name, err)
	}

	paths := plan.Trigger.Paths
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(projectRoot, p)
		}
		if err := watcher.Add(abs); err != nil {
			watcher.Close()
			return fmt.Errorf("scheduler: watching %s for plan %q: %w", abs, plan.Name, err)
		}
	}

	s.watchersMu.Lock()
	s.watchers = append(s.watchers, watcher)
	s.watchersMu.Unlock()

	pattern := plan.Trigger.Pattern
	debounce := s.debounceDefault

	go s.watchLoop(watcher, plan, projectRoot, pattern, debounce)

	s.log.Info("registered filesystem trigger", map[string]any{"plan": plan.Name, "paths": paths, "pattern": pattern})
	return nil
}

// watchLoop debounces a burst of fsnotify events for one plan's watcher
// into a single firing, per spec.md §4.7 "Apply write-finish debouncing
// (default 500ms)".
func (s *Scheduler) watchLoop(watcher *fsnotify.Watcher, plan *coretypes.Plan, projectRoot, pattern string, debounce time.Duration) {
	var mu sync.Mutex
	var timer *time.Timer

	schedule := func(path string) {
		if pattern != "" && !matchGlob(pattern, relPath(projectRoot, path)) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			s.fireLocked(plan, "fs_change:"+path)
		})
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				schedule(event.Name)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		case <-s.watchDone:
			return
		}
	}
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

// matchGlob reports whether path matches pattern, where pattern may use
// `*` (any run of non-separator characters), `?` (one such character), and
// `**` (any run of characters, including separators) per spec.md §4.7
// "glob match with ** wildcard".
func matchGlob(pattern, path string) bool {
	return globToRegexp(pattern).MatchString(filepath.ToSlash(path))
}

func globToRegexp(pattern string) *regexp.Regexp {
	pattern = filepath.ToSlash(pattern)
	var sb strings.Builder
	sb.WriteString("^")
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i += 2
				if i < len(pattern) && pattern[i] == '/' {
					i++
				}
			} else {
				sb.WriteString("[^/]*")
				i++
			}
		case '?':
			sb.WriteString("[^/]")
			i++
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

// fireLocked constructs a fresh run and drives it, serialized per plan
// name via TryLock so two overlapping firings of the same plan never
// mutate the project concurrently — an overlapping firing is skipped, not
// queued, per spec.md §4.7's "implementations should serialize per-plan".
func (s *Scheduler) fireLocked(plan *coretypes.Plan, trigger string) {
	s.locksMu.Lock()
	lock, ok := s.locks[plan.Name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[plan.Name] = lock
	}
	s.locksMu.Unlock()

	if !lock.TryLock() {
		s.log.Warn("plan still running, skipping this firing", map[string]any{"plan": plan.Name, "trigger": trigger})
		return
	}
	defer lock.Unlock()

	s.fire(plan, trigger)
}

func (s *Scheduler) fire(plan *coretypes.Plan, trigger string) {
	runID := uuid.NewString()
	s.recordLastFired(plan.Name)

	if plan.Mode == coretypes.PlanModePropose {
		run := &coretypes.PlanRun{
			RunID:     runID,
			PlanName:  plan.Name,
			Status:    coretypes.RunProposed,
			Steps:     map[string]*coretypes.StepRun{},
			StartedAt: time.Now().UTC(),
			Trigger:   trigger,
		}
		if err := s.auditLog.SaveDraft(run); err != nil {
			s.log.Error("failed to save proposed run", map[string]any{"plan": plan.Name, "error": err.Error()})
		}
		s.log.Info("plan proposed", map[string]any{"plan": plan.Name, "runId": runID, "trigger": trigger})
		return
	}

	execCtx := s.newCtx(runID)
	var recorder *auditlog.Recorder
	if s.bus != nil && s.auditLog != nil {
		execCtx.Bus = s.bus.Publisher(runID)
		var err error
		recorder, err = s.auditLog.Attach(s.bus, runID)
		if err != nil {
			s.log.Error("failed to attach audit recorder", map[string]any{"plan": plan.Name, "error": err.Error()})
		}
	}

	run, diffs := s.runner.Run(execCtx, plan, runID, trigger)

	if s.metrics != nil {
		s.metrics.ObserveRun(run)
	}
	if recorder != nil {
		if err := recorder.Finalize(run, diffs); err != nil {
			s.log.Error("failed to finalize run", map[string]any{"plan": plan.Name, "runId": runID, "error": err.Error()})
		}
	}
	s.log.Info("plan fired", map[string]any{"plan": plan.Name, "runId": runID, "trigger": trigger, "status": string(run.Status)})
}

func (s *Scheduler) recordLastFired(planName string) {
	_ = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobStateBucket)
		return b.Put([]byte(planName), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// LastFired returns when planName last fired, or the zero time if never.
func (s *Scheduler) LastFired(planName string) time.Time {
	var t time.Time
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobStateBucket)
		raw := b.Get([]byte(planName))
		if raw == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(raw))
		if err == nil {
			t = parsed
		}
		return nil
	})
	return t
}

// Start begins firing cron jobs and starts the proposal-sweep loop. Watcher
// goroutines are already running once RegisterPlan returns.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.startSweeper()
	s.log.Info("scheduler started", map[string]any{"cronJobs": len(s.cronEntries), "watchers": len(s.watchers)})
}

// startSweeper launches the proposal garbage-collection loop, per
// SPEC_FULL.md §9's resolved "Open question — proposal lifecycle":
// proposed runs older than proposalHorizon are culled hourly.
func (s *Scheduler) startSweeper() {
	if s.auditLog == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepDone = make(chan struct{})

	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepProposals(ctx)
			}
		}
	}()
}

func (s *Scheduler) sweepProposals(ctx context.Context) {
	_, span := s.tracer.Start(ctx, "scheduler.sweep_proposals",
		oteltrace.WithAttributes(attribute.String("horizon", s.proposalHorizon.String())))
	defer span.End()

	stale, err := s.auditLog.StaleProposals(s.proposalHorizon)
	if err != nil {
		span.RecordError(err)
		s.log.Error("proposal sweep failed", map[string]any{"error": err.Error()})
		return
	}

	culled := 0
	for _, runID := range stale {
		if err := s.auditLog.Cull(runID); err != nil {
			s.log.Warn("failed to cull stale proposal", map[string]any{"runId": runID, "error": err.Error()})
			continue
		}
		culled++
	}
	if s.metrics != nil && culled > 0 {
		s.metrics.ObserveProposalsCulled(culled)
	}
	s.log.Info("proposal sweep complete", map[string]any{"found": len(stale), "culled": culled})
}

// Stop cancels all cron jobs and the sweep loop, and closes every watcher,
// per spec.md §4.7's SIGTERM lifecycle: "cancel all jobs, close all
// watchers, exit cleanly".
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	if s.sweepCancel != nil {
		s.sweepCancel()
		<-s.sweepDone
	}

	close(s.watchDone)
	s.watchersMu.Lock()
	var firstErr error
	for _, w := range s.watchers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.watchersMu.Unlock()

	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.log.Info("scheduler stopped", nil)
	return firstErr
}
