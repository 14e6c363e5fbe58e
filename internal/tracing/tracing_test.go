package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/corvidrun/corvid/internal/logging"
)

func TestProvider_TracerEmitsLogLineOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New()
	log.SetOutput(&buf)

	p := New(log)
	tracer := p.Tracer("execengine")

	_, span := tracer.Start(context.Background(), "step.execute")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if !strings.Contains(buf.String(), "step.execute") {
		t.Fatalf("expected the finished span to be logged, got: %s", buf.String())
	}
}

func TestProvider_TracerScopesByComponentName(t *testing.T) {
	p := New(logging.New())
	if p.Tracer("execengine") == nil {
		t.Fatalf("expected a non-nil tracer")
	}
	defer p.Shutdown(context.Background())
}

func TestNoop_NeverPanicsOnSpanLifecycle(t *testing.T) {
	tracer := Noop()
	_, span := tracer.Start(context.Background(), "noop.span")
	span.End()
}
