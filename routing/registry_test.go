package routing

import (
	"path/filepath"
	"testing"

	"github.com/helphub/relay/queue"
	"github.com/helphub/relay/wire"
)

type fakeSink struct {
	identity  string
	addr      string
	transport string
	sent      []wire.Record
	closed    bool
}

func newFakeSink(identity string) *fakeSink {
	return &fakeSink{identity: identity, addr: "127.0.0.1:0", transport: TransportFramed}
}

func (f *fakeSink) Identity() string   { return f.identity }
func (f *fakeSink) RemoteAddr() string { return f.addr }
func (f *fakeSink) Transport() string  { return f.transport }
func (f *fakeSink) Close() error       { f.closed = true; return nil }
func (f *fakeSink) Send(rec wire.Record) error {
	f.sent = append(f.sent, rec)
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	q, err := queue.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open queue: %s", err.Error())
	}
	t.Cleanup(func() { q.Close() })

	return New(q)
}

func TestRegisterRejectsDuplicateIdentity(t *testing.T) {
	r := newTestRegistry(t)

	first := newFakeSink("alpha")
	if err := r.Register(first); err != nil {
		t.Fatalf("first register failed: %s", err.Error())
	}

	second := newFakeSink("alpha")
	if err := r.Register(second); err != ErrIdentityTaken {
		t.Errorf("expected ErrIdentityTaken, got %v", err)
	}
}

func TestUnregisterThenReregisterSucceeds(t *testing.T) {
	r := newTestRegistry(t)

	first := newFakeSink("alpha")
	if err := r.Register(first); err != nil {
		t.Fatalf("register failed: %s", err.Error())
	}

	r.Unregister(first)

	if r.IsTaken("alpha") {
		t.Fatal("expected alpha to be free after unregister")
	}

	second := newFakeSink("alpha")
	if err := r.Register(second); err != nil {
		t.Errorf("expected re-register to succeed, got %s", err.Error())
	}
}

func TestRouteDeliversDirectlyToLiveRecipient(t *testing.T) {
	r := newTestRegistry(t)

	bravo := newFakeSink("bravo")
	if err := r.Register(bravo); err != nil {
		t.Fatalf("register failed: %s", err.Error())
	}

	rec := wire.Record{ID: "r1", Kind: wire.Direct, From: "alpha", To: "bravo", CreatedAt: 1, Body: "hi", Priority: wire.Normal}
	if err := r.Route(rec); err != nil {
		t.Fatalf("route failed: %s", err.Error())
	}

	if len(bravo.sent) != 1 || bravo.sent[0].ID != "r1" {
		t.Errorf("expected bravo to receive the record directly, got %+v", bravo.sent)
	}
}

func TestRouteQueuesForOfflineRecipient(t *testing.T) {
	r := newTestRegistry(t)

	rec := wire.Record{ID: "r2", Kind: wire.Direct, From: "alpha", To: "bravo", CreatedAt: 1, Body: "hi", Priority: wire.Normal}
	if err := r.Route(rec); err != nil {
		t.Fatalf("route failed: %s", err.Error())
	}

	bravo := newFakeSink("bravo")
	if err := r.Register(bravo); err != nil {
		t.Fatalf("register failed: %s", err.Error())
	}
	if err := r.FlushPending(bravo); err != nil {
		t.Fatalf("flush_pending failed: %s", err.Error())
	}

	if len(bravo.sent) != 1 || bravo.sent[0].ID != "r2" {
		t.Errorf("expected bravo to catch up on the queued record, got %+v", bravo.sent)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := newTestRegistry(t)

	alpha := newFakeSink("alpha")
	bravo := newFakeSink("bravo")
	charlie := newFakeSink("charlie")
	for _, s := range []*fakeSink{alpha, bravo, charlie} {
		if err := r.Register(s); err != nil {
			t.Fatalf("register failed: %s", err.Error())
		}
	}

	rec := wire.Record{ID: "bc1", Kind: wire.Broadcast, From: "alpha", CreatedAt: 1, Body: "all hear", Priority: wire.Normal}
	if err := r.Route(rec); err != nil {
		t.Fatalf("route failed: %s", err.Error())
	}

	if len(alpha.sent) != 0 {
		t.Errorf("sender should not receive its own broadcast, got %+v", alpha.sent)
	}
	if len(bravo.sent) != 1 || len(charlie.sent) != 1 {
		t.Errorf("expected both other sessions to receive the broadcast, got bravo=%+v charlie=%+v", bravo.sent, charlie.sent)
	}
}

func TestHandleAckStopsFurtherReplay(t *testing.T) {
	r := newTestRegistry(t)

	rec := wire.Record{ID: "bc2", Kind: wire.Broadcast, From: "alpha", CreatedAt: 1, Body: "all hear", Priority: wire.Normal}
	if err := r.Route(rec); err != nil {
		t.Fatalf("route failed: %s", err.Error())
	}

	ack := wire.NewAck("bravo", "bc2")
	if err := r.HandleAck(ack); err != nil {
		t.Fatalf("handle_ack failed: %s", err.Error())
	}

	charlie := newFakeSink("charlie")
	if err := r.Register(charlie); err != nil {
		t.Fatalf("register failed: %s", err.Error())
	}
	if err := r.FlushPending(charlie); err != nil {
		t.Fatalf("flush_pending failed: %s", err.Error())
	}

	if len(charlie.sent) != 0 {
		t.Errorf("expected acknowledged broadcast not to be replayed, got %+v", charlie.sent)
	}
}

func TestForceDisconnectClosesAndFreesIdentity(t *testing.T) {
	r := newTestRegistry(t)

	alpha := newFakeSink("alpha")
	if err := r.Register(alpha); err != nil {
		t.Fatalf("register failed: %s", err.Error())
	}

	if !r.ForceDisconnect("alpha") {
		t.Fatal("expected force_disconnect to find the live identity")
	}
	if !alpha.closed {
		t.Error("expected sink to be closed")
	}
	if r.IsTaken("alpha") {
		t.Error("expected identity to be free after force_disconnect")
	}
	if r.ForceDisconnect("alpha") {
		t.Error("expected second force_disconnect to report nothing found")
	}
}
