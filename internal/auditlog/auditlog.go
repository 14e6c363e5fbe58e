// Package auditlog implements the Audit Logger: per-run aggregation of
// Audit Bus events, step records, and diffs into a redacted on-disk
// record, plus the supplemented sqlite run index and bleve full-text
// search index (SPEC_FULL.md §4.8) that make list()/search() fast
// without re-reading every run's JSON file.
//
// The sqlite-backed index is grounded on
// vinayprograms-agent/src/internal/session/sqlite.go's SQLiteStore
// (open-or-create schema, upsert-on-save shape), retargeted from session
// records to run records. The full-text index is grounded on
// internal/memory/bleve_store.go's NewBleveStore (open-existing-or-create
// index at a fixed path under the store's base directory).
package auditlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"

	"github.com/corvidrun/corvid/internal/auditbus"
	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/logging"

	_ "modernc.org/sqlite"
)

// Logger owns the run index (sqlite), the search index (bleve), and the
// per-run directory layout under baseDir (spec.md §6's `.agent/runs/`).
type Logger struct {
	baseDir string
	db      *sql.DB
	index   bleve.Index
	log     *logging.Logger

	mu   sync.Mutex
	subs map[string]func()
}

// runDoc is what gets indexed into bleve per run, per SPEC_FULL.md §4.8's
// "step names, tool names, and error reasons" fields.
type runDoc struct {
	PlanName   string `json:"planName"`
	StepNames  string `json:"stepNames"`
	ToolNames  string `json:"toolNames"`
	ErrorText  string `json:"errorText"`
}

// New opens (creating if absent) the run index and search index rooted
// at baseDir (typically `.agent/runs`).
func New(baseDir string, log *logging.Logger) (*Logger, error) {
	if log == nil {
		log = logging.New()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("auditlog: creating %s: %w", baseDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(baseDir, "runs.db"))
	if err != nil {
		return nil, fmt.Errorf("auditlog: opening run index: %w", err)
	}
	if _, err := db.Exec(runIndexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: creating run index schema: %w", err)
	}

	indexPath := filepath.Join(baseDir, ".index")
	var idx bleve.Index
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		idx, err = bleve.New(indexPath, bleve.NewIndexMapping())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("auditlog: creating search index: %w", err)
		}
	} else {
		idx, err = bleve.Open(indexPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("auditlog: opening search index: %w", err)
		}
	}

	return &Logger{baseDir: baseDir, db: db, index: idx, log: log.WithComponent("auditlog"), subs: map[string]func(){}}, nil
}

const runIndexSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	plan_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Close releases the sqlite connection and the bleve index.
func (l *Logger) Close() error {
	var firstErr error
	if err := l.db.Close(); err != nil {
		firstErr = err
	}
	if err := l.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Recorder accumulates one run's events while subscribed to its Audit
// Bus subject.
type Recorder struct {
	logger    *Logger
	runID     string
	unsub     func()
	mu        sync.Mutex
	events    []coretypes.AuditEvent
}

// Attach subscribes to runID's Audit Bus subject and begins accumulating
// events in memory, per spec.md §4.8 "subscribes to the Audit Bus for
// the duration of a run".
func (l *Logger) Attach(bus *auditbus.Bus, runID string) (*Recorder, error) {
	rec := &Recorder{logger: l, runID: runID}
	unsub, err := bus.Subscribe(runID, func(evt coretypes.AuditEvent) {
		rec.mu.Lock()
		rec.events = append(rec.events, evt)
		rec.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	rec.unsub = unsub
	return rec, nil
}

// persistedRun is the on-disk shape of a run's serialized log: the
// PlanRun record plus the ordered events observed on the bus.
type persistedRun struct {
	Run    *coretypes.PlanRun    `json:"run"`
	Events []coretypes.AuditEvent `json:"events"`
}

// Finalize stamps run's end time and summary (already computed by the
// Plan Runner), writes the redacted run-log and diffs files, updates the
// sqlite run index, and indexes the run into the search index. It
// unsubscribes from the bus regardless of outcome.
func (r *Recorder) Finalize(run *coretypes.PlanRun, diffs []*coretypes.DiffEntry) error {
	defer r.unsub()

	runDir := filepath.Join(r.logger.baseDir, run.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("auditlog: creating run directory: %w", err)
	}

	r.mu.Lock()
	events := append([]coretypes.AuditEvent{}, r.events...)
	r.mu.Unlock()

	record := persistedRun{Run: run, Events: events}
	if err := writeRedactedJSON(filepath.Join(runDir, "run.json"), record); err != nil {
		return err
	}
	if err := writeRedactedJSON(filepath.Join(runDir, "diffs.json"), diffs); err != nil {
		return err
	}

	if err := r.logger.upsertIndex(run); err != nil {
		return err
	}
	return r.logger.indexSearch(run, events)
}

// SaveDraft persists a run record with no events and no diffs, without
// ever subscribing to an Audit Bus subject — used by the Scheduler when a
// `mode: propose` plan fires (spec.md §4.7: "propose plans create a draft
// run record instead of executing", so there is nothing to record but the
// shell of the run itself).
func (l *Logger) SaveDraft(run *coretypes.PlanRun) error {
	runDir := filepath.Join(l.baseDir, run.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("auditlog: creating run directory: %w", err)
	}

	record := persistedRun{Run: run, Events: nil}
	if err := writeRedactedJSON(filepath.Join(runDir, "run.json"), record); err != nil {
		return err
	}
	if err := writeRedactedJSON(filepath.Join(runDir, "diffs.json"), []coretypes.DiffEntry{}); err != nil {
		return err
	}
	return l.upsertIndex(run)
}

func writeRedactedJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("auditlog: marshaling %s: %w", path, err)
	}
	return os.WriteFile(path, redact(data), 0o644)
}

func (l *Logger) upsertIndex(run *coretypes.PlanRun) error {
	var ended any
	if !run.EndedAt.IsZero() {
		ended = run.EndedAt
	}
	_, err := l.db.Exec(`
		INSERT INTO runs (run_id, plan_name, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at
	`, run.RunID, run.PlanName, string(run.Status), run.StartedAt, ended)
	if err != nil {
		return fmt.Errorf("auditlog: indexing run %s: %w", run.RunID, err)
	}
	return nil
}

func (l *Logger) indexSearch(run *coretypes.PlanRun, events []coretypes.AuditEvent) error {
	var steps, tools, errs []string
	for id, sr := range run.Steps {
		steps = append(steps, id)
		if sr.Error != "" {
			errs = append(errs, sr.Error)
		}
	}
	for _, evt := range events {
		if evt.Kind == coretypes.EventToolCall {
			if name, ok := evt.Payload["tool"].(string); ok {
				tools = append(tools, name)
			}
		}
	}

	doc := runDoc{
		PlanName:  run.PlanName,
		StepNames: strings.Join(steps, " "),
		ToolNames: strings.Join(tools, " "),
		ErrorText: strings.Join(errs, " "),
	}
	if err := l.index.Index(run.RunID, doc); err != nil {
		return fmt.Errorf("auditlog: search-indexing run %s: %w", run.RunID, err)
	}
	return nil
}

// Load returns the saved run log for runID, or nil if it doesn't exist.
func (l *Logger) Load(runID string) (*coretypes.PlanRun, error) {
	path := filepath.Join(l.baseDir, runID, "run.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("auditlog: reading %s: %w", path, err)
	}
	var record persistedRun
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("auditlog: decoding %s: %w", path, err)
	}
	return record.Run, nil
}

// List returns every known run id in reverse chronological (lexicographic
// descending) order, per spec.md §4.8.
func (l *Logger) List() ([]string, error) {
	rows, err := l.db.Query(`SELECT run_id FROM runs ORDER BY run_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("auditlog: listing runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Search runs a full-text query over indexed run documents and returns
// matching run ids, per SPEC_FULL.md §4.8's supplemented search().
func (l *Logger) Search(queryText string) ([]string, error) {
	req := bleve.NewSearchRequest(bleve.NewMatchQuery(queryText))
	req.Size = 100
	result, err := l.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("auditlog: searching: %w", err)
	}
	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// StaleProposals returns run ids whose status is still "proposed" and
// whose start time is older than horizon, per SPEC_FULL.md §9's resolved
// proposal-lifecycle open question.
func (l *Logger) StaleProposals(horizon time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-horizon)
	rows, err := l.db.Query(`SELECT run_id FROM runs WHERE status = ? AND started_at < ?`, string(coretypes.RunProposed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("auditlog: querying stale proposals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cull removes a proposed run's index entry and on-disk directory.
func (l *Logger) Cull(runID string) error {
	if _, err := l.db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("auditlog: removing run %s from index: %w", runID, err)
	}
	_ = l.index.Delete(runID)
	return os.RemoveAll(filepath.Join(l.baseDir, runID))
}
