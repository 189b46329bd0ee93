package registry

import (
	"net/netip"
	"testing"
)

type fakeSession struct {
	addr netip.AddrPort
	name string
}

func (f *fakeSession) Addr() netip.AddrPort { return f.addr }
func (f *fakeSession) Name() string         { return f.name }

func mustAddr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	a, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestAddGetRemove(t *testing.T) {
	r := New(nil)
	s := &fakeSession{addr: mustAddr(t, "10.0.0.5:49200"), name: "D1"}

	if replaced := r.Add(s); replaced != nil {
		t.Fatalf("expected no replacement, got %v", replaced)
	}

	if got, ok := r.GetByAddr(s.addr); !ok || got != Session(s) {
		t.Fatalf("GetByAddr: got %v, %v", got, ok)
	}
	if got, ok := r.GetByName("D1"); !ok || got != Session(s) {
		t.Fatalf("GetByName: got %v, %v", got, ok)
	}
	if n := r.Len(); n != 1 {
		t.Fatalf("Len: got %d, want 1", n)
	}

	if !r.Remove(s.addr) {
		t.Fatal("Remove returned false")
	}
	if r.Remove(s.addr) {
		t.Fatal("second Remove should return false")
	}

	if _, ok := r.GetByAddr(s.addr); ok {
		t.Fatal("GetByAddr found a session after removal")
	}
	if _, ok := r.GetByName("D1"); ok {
		t.Fatal("GetByName found a session after removal")
	}
	if n := r.Len(); n != 0 {
		t.Fatalf("Len after removal: got %d, want 0", n)
	}
}

func TestNoZombieSessionAfterRemove(t *testing.T) {
	r := New(nil)
	s := &fakeSession{addr: mustAddr(t, "10.0.0.6:49200"), name: "D2"}
	r.Add(s)
	r.Remove(s.addr)

	if _, ok := r.GetByAddr(s.addr); ok {
		t.Fatal("zombie session visible after remove")
	}
	for _, snap := range r.Snapshot() {
		if snap == Session(s) {
			t.Fatal("zombie session present in snapshot")
		}
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := New(nil)
	r.Add(&fakeSession{addr: mustAddr(t, "10.0.0.7:1"), name: "A"})
	r.Add(&fakeSession{addr: mustAddr(t, "10.0.0.7:2"), name: "B"})

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(snap))
	}
	snap[0] = nil // mutating the returned slice must not affect the registry
	if r.Len() != 2 {
		t.Fatalf("registry affected by snapshot mutation")
	}
}

func TestAddReplacesDuplicateAddr(t *testing.T) {
	r := New(nil)
	addr := mustAddr(t, "10.0.0.8:1")
	s1 := &fakeSession{addr: addr, name: "D1"}
	s2 := &fakeSession{addr: addr, name: "D1"}

	r.Add(s1)
	replaced := r.Add(s2)
	if replaced != Session(s1) {
		t.Fatalf("expected s1 to be replaced, got %v", replaced)
	}
	if got, _ := r.GetByAddr(addr); got != Session(s2) {
		t.Fatalf("expected s2 at addr, got %v", got)
	}
}
