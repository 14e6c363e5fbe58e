package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/corvidrun/corvid/internal/coretypes"
)

func TestObserveRun_IncrementsCounterByTerminalStatus(t *testing.T) {
	r := New()
	r.ObserveRun(&coretypes.PlanRun{Status: coretypes.RunCompleted})
	r.ObserveRun(&coretypes.PlanRun{Status: coretypes.RunCompleted})
	r.ObserveRun(&coretypes.PlanRun{Status: coretypes.RunFailed})
	r.ObserveRun(nil)

	if got := testutil.ToFloat64(r.runsTotal.WithLabelValues(string(coretypes.RunCompleted))); got != 2 {
		t.Fatalf("expected 2 completed runs, got %v", got)
	}
	if got := testutil.ToFloat64(r.runsTotal.WithLabelValues(string(coretypes.RunFailed))); got != 1 {
		t.Fatalf("expected 1 failed run, got %v", got)
	}
}

func TestObserveStep_RecordsVerificationOutcome(t *testing.T) {
	r := New()
	pass := true
	fail := false
	r.ObserveStep(&coretypes.StepRun{Status: coretypes.StepCompleted, DurationMS: 12, VerificationPassed: &pass}, "tool")
	r.ObserveStep(&coretypes.StepRun{Status: coretypes.StepFailed, DurationMS: 5, VerificationPassed: &fail}, "skill")

	if got := testutil.ToFloat64(r.verifications.WithLabelValues("pass")); got != 1 {
		t.Fatalf("expected 1 passing verification, got %v", got)
	}
	if got := testutil.ToFloat64(r.verifications.WithLabelValues("fail")); got != 1 {
		t.Fatalf("expected 1 failing verification, got %v", got)
	}
}

func TestObserveToolCall_LabelsBySuccess(t *testing.T) {
	r := New()
	r.ObserveToolCall("write_file", true)
	r.ObserveToolCall("write_file", false)
	r.ObserveToolCall("write_file", true)

	if got := testutil.ToFloat64(r.toolCalls.WithLabelValues("write_file", "true")); got != 2 {
		t.Fatalf("expected 2 successful calls, got %v", got)
	}
	if got := testutil.ToFloat64(r.toolCalls.WithLabelValues("write_file", "false")); got != 1 {
		t.Fatalf("expected 1 failed call, got %v", got)
	}
}

func TestObserveProposalsCulled_AddsToCounter(t *testing.T) {
	r := New()
	r.ObserveProposalsCulled(3)
	r.ObserveProposalsCulled(2)

	if got := testutil.ToFloat64(r.proposalsCulled); got != 5 {
		t.Fatalf("expected 5 culled proposals, got %v", got)
	}
}

func TestNew_RecordersUseIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.ObserveRun(&coretypes.PlanRun{Status: coretypes.RunCompleted})

	if got := testutil.ToFloat64(b.runsTotal.WithLabelValues(string(coretypes.RunCompleted))); got != 0 {
		t.Fatalf("expected a second Recorder's registry to stay independent, got %v", got)
	}
}
