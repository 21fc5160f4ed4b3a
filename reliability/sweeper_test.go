package reliability

import (
	"sync"
	"testing"
)

type fakeRegistry struct {
	mu          sync.Mutex
	disconnects []string
	found       bool
	framed      []string
}

func (f *fakeRegistry) ForceDisconnect(identity string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, identity)
	return f.found
}

func (f *fakeRegistry) FramedIdentities() []string {
	return f.framed
}

type fakeQueue struct {
	stale []string
}

func (f *fakeQueue) StaleIdentities(olderThanMs int64) ([]string, error) {
	return f.stale, nil
}

func TestSweepDisconnectsStaleFramedIdentities(t *testing.T) {
	reg := &fakeRegistry{found: true, framed: []string{"alpha", "bravo"}}
	q := &fakeQueue{stale: []string{"alpha", "bravo"}}

	s := New(reg, q, 0)
	s.sweep()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.disconnects) != 2 {
		t.Fatalf("expected 2 disconnects, got %d", len(reg.disconnects))
	}
}

func TestSweepDisconnectsNothingWhenAllFresh(t *testing.T) {
	reg := &fakeRegistry{framed: []string{"alpha"}}
	q := &fakeQueue{stale: nil}

	s := New(reg, q, 0)
	s.sweep()

	if len(reg.disconnects) != 0 {
		t.Fatalf("expected no disconnects, got %d", len(reg.disconnects))
	}
}

func TestSweepIgnoresStalePushIdentities(t *testing.T) {
	//bravo is stale in the shared last-seen table but is a live push
	//session, not framed-stream; the sweep must leave it connected.
	reg := &fakeRegistry{found: true, framed: []string{"alpha"}}
	q := &fakeQueue{stale: []string{"alpha", "bravo"}}

	s := New(reg, q, 0)
	s.sweep()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.disconnects) != 1 || reg.disconnects[0] != "alpha" {
		t.Fatalf("expected only alpha to be disconnected, got %+v", reg.disconnects)
	}
}
