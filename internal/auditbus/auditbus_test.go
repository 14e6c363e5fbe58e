package auditbus

import (
	"testing"
	"time"

	"github.com/corvidrun/corvid/internal/coretypes"
)

func TestBus_PublishSubscribeRoundTrip(t *testing.T) {
	bus, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bus.Close()

	received := make(chan coretypes.AuditEvent, 1)
	unsub, err := bus.Subscribe("run-1", func(evt coretypes.AuditEvent) {
		received <- evt
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	pub := bus.Publisher("run-1")
	pub.Publish(coretypes.AuditEvent{Kind: coretypes.EventRunStart, Timestamp: time.Now().UTC()})

	select {
	case evt := <-received:
		if evt.Kind != coretypes.EventRunStart {
			t.Fatalf("expected run_start, got %v", evt.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBus_SubjectsAreIsolatedPerRun(t *testing.T) {
	bus, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bus.Close()

	received := make(chan coretypes.AuditEvent, 1)
	unsub, err := bus.Subscribe("run-a", func(evt coretypes.AuditEvent) { received <- evt })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	bus.Publisher("run-b").Publish(coretypes.AuditEvent{Kind: coretypes.EventRunComplete, Timestamp: time.Now().UTC()})

	select {
	case <-received:
		t.Fatal("run-a subscriber should not receive run-b's events")
	case <-time.After(200 * time.Millisecond):
	}
}
