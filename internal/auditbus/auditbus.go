// Package auditbus implements the Audit Bus: fan-out of typed Audit
// Events to subscribers (spec.md §2, §4.9).
//
// spec.md §9's design note "Audit fan-out" explicitly rejects a single
// process-wide event emitter ("for concurrent runs this is unsafe") in
// favor of one channel per run. This package realizes that per-run
// channel as a subject (`audit.<runId>`) on a single embedded, in-process
// NATS server — started once per process with no network listener — so
// the already-required `nats-io/nats.go` client dependency (present in
// the teacher's own go.mod but never imported by any retrieved teacher
// file) gets a genuine, wired home rather than being dropped.
package auditbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/corvidrun/corvid/internal/coretypes"
)

// Bus owns the embedded NATS server and the client connection used to
// publish and subscribe to per-run audit subjects.
type Bus struct {
	srv  *natsserver.Server
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription // runID -> subscription
}

// New starts an embedded, non-listening NATS server and connects an
// in-process client to it.
func New() (*Bus, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		DontListen: true,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("auditbus: creating embedded server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("auditbus: embedded server did not become ready")
	}

	conn, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("auditbus: connecting in-process client: %w", err)
	}

	return &Bus{srv: srv, conn: conn, subs: map[string]*nats.Subscription{}}, nil
}

func subject(runID string) string { return "audit." + runID }

// Publisher returns an EventPublisher scoped to one run's subject.
func (b *Bus) Publisher(runID string) coretypes.EventPublisher {
	return &runPublisher{bus: b, subject: subject(runID)}
}

type runPublisher struct {
	bus     *Bus
	subject string
}

// Publish marshals evt and publishes it on the run's subject. Publish
// errors are swallowed (mirroring spec.md's "never raise out of a
// dispatch boundary" propagation policy) — audit delivery is best-effort
// local pub/sub, not the record of truth; the Audit Logger's persisted
// JSON file is.
func (p *runPublisher) Publish(evt coretypes.AuditEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = p.bus.conn.Publish(p.subject, data)
}

// Subscribe registers a handler for every event published on runID's
// subject for the lifetime of the returned unsubscribe func's owner.
func (b *Bus) Subscribe(runID string, handle func(coretypes.AuditEvent)) (func(), error) {
	sub, err := b.conn.Subscribe(subject(runID), func(msg *nats.Msg) {
		var evt coretypes.AuditEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		handle(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("auditbus: subscribing to run %q: %w", runID, err)
	}

	b.mu.Lock()
	b.subs[runID] = sub
	b.mu.Unlock()

	return func() {
		_ = sub.Unsubscribe()
		b.mu.Lock()
		delete(b.subs, runID)
		b.mu.Unlock()
	}, nil
}

// Close drains the connection and shuts down the embedded server.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
}
