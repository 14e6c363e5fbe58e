// Package metrics exposes Prometheus counters and histograms for run and
// step outcomes (SPEC_FULL.md §2's ambient "Tracing & metrics" stack).
//
// The counter/recorder shape — one Recorder wrapping a handful of
// instruments, a method per observed event, a Snapshot-free design since
// Prometheus' own registry is the point-in-time view — is grounded on
// flemzord-sclaw's internal/gateway/metrics.go (RecordCompletion/
// RecordMessage/RecordError), retargeted from gateway request counters to
// run/step/tool-call counters and backed by a real
// prometheus/client_golang registry instead of that file's hand-rolled
// atomics, since client_golang is a direct dependency of this module.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvidrun/corvid/internal/coretypes"
)

// Recorder owns a private Prometheus registry and the instruments the
// runtime's components report into.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	verifications *prometheus.CounterVec
	approvals     *prometheus.CounterVec
	proposalsCulled prometheus.Counter
}

// New builds a Recorder with its own registry, so multiple concurrent
// test instances (per spec.md §5's "one task owns its own ExecutionContext")
// never collide on process-global Prometheus default registration.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_runs_total",
			Help: "Plan runs finalized, by terminal status.",
		}, []string{"status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_steps_total",
			Help: "Plan steps finalized, by terminal status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_step_duration_ms",
			Help:    "Step execution duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 14),
		}, []string{"kind"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tool_calls_total",
			Help: "Tool dispatches, by tool name and success.",
		}, []string{"tool", "success"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_verifications_total",
			Help: "Verification clause outcomes.",
		}, []string{"result"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_approvals_total",
			Help: "Policy approval decisions, by outcome.",
		}, []string{"outcome"}),
		proposalsCulled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_proposals_culled_total",
			Help: "Stale proposed runs garbage-collected by the scheduler's sweep.",
		}),
	}

	reg.MustRegister(r.runsTotal, r.stepsTotal, r.stepDuration, r.toolCalls, r.verifications, r.approvals, r.proposalsCulled)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRun records a finalized Plan Run's terminal status.
func (r *Recorder) ObserveRun(run *coretypes.PlanRun) {
	if run == nil {
		return
	}
	r.runsTotal.WithLabelValues(string(run.Status)).Inc()
}

// ObserveStep records one step's terminal status and duration.
func (r *Recorder) ObserveStep(step *coretypes.StepRun, kind string) {
	if step == nil {
		return
	}
	r.stepsTotal.WithLabelValues(string(step.Status)).Inc()
	r.stepDuration.WithLabelValues(kind).Observe(float64(step.DurationMS))
	if step.VerificationPassed != nil {
		if *step.VerificationPassed {
			r.verifications.WithLabelValues("pass").Inc()
		} else {
			r.verifications.WithLabelValues("fail").Inc()
		}
	}
}

// ObserveToolCall records one tool dispatch outcome.
func (r *Recorder) ObserveToolCall(tool string, success bool) {
	r.toolCalls.WithLabelValues(tool, boolLabel(success)).Inc()
}

// ObserveApproval records one policy approval decision.
func (r *Recorder) ObserveApproval(granted bool) {
	r.approvals.WithLabelValues(boolLabel(granted)).Inc()
}

// ObserveProposalsCulled records how many stale proposed runs one sweep removed.
func (r *Recorder) ObserveProposalsCulled(n int) {
	r.proposalsCulled.Add(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
