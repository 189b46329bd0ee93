// Package registry maps device identity to its live session. It is the only
// structure shared across device session goroutines; all mutation is
// serialized under a single mutex, and reads observe a consistent snapshot.
package registry

import (
	"net/netip"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Session is the subset of devsession.Session the registry needs to know
// about. It is defined here (rather than imported) so that registry has no
// dependency on devsession — devsession depends on registry, not the other
// way around, matching the leaves-first dependency order in the design.
type Session interface {
	Addr() netip.AddrPort
	Name() string
}

// Registry is a concurrent address/name -> session mapping.
type Registry struct {
	mu      sync.RWMutex
	byAddr  map[netip.AddrPort]Session
	byName  map[string]Session

	metrics struct {
		added   *metrics.Counter
		removed *metrics.Counter
	}
}

// New creates an empty Registry. set, if non-nil, is used to register
// Prometheus-style metrics (VictoriaMetrics/metrics) under it instead of the
// global default set, so multiple Registry instances (e.g. in tests) don't
// collide on metric names.
func New(set *metrics.Set) *Registry {
	if set == nil {
		set = metrics.NewSet()
	}
	r := &Registry{
		byAddr: make(map[netip.AddrPort]Session),
		byName: make(map[string]Session),
	}
	r.metrics.added = set.NewCounter(`teststand_registry_sessions_total{result="added"}`)
	r.metrics.removed = set.NewCounter(`teststand_registry_sessions_total{result="removed"}`)
	return r
}

// Add registers s, keyed by its address and name. Per the data model
// invariant, a device enters the registry only after its CONFIG handshake
// completes, so duplicate addresses should not occur; Add replaces any
// existing entry at the same address regardless, returning the replaced
// session (if any) so the caller can evict it.
func (r *Registry) Add(s Session) (replaced Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced = r.byAddr[s.Addr()]
	r.byAddr[s.Addr()] = s
	r.byName[s.Name()] = s
	r.metrics.added.Inc()
	return replaced
}

// Remove deletes the session at addr, if any is present, returning true if
// one was removed. Per the contract, the caller must have already
// transitioned s to CLOSED before calling Remove.
func (r *Registry) Remove(addr netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byAddr[addr]
	if !ok {
		return false
	}
	delete(r.byAddr, addr)
	if cur, ok := r.byName[s.Name()]; ok && cur == s {
		delete(r.byName, s.Name())
	}
	r.metrics.removed.Inc()
	return true
}

// GetByAddr looks up the session at addr.
func (r *Registry) GetByAddr(addr netip.AddrPort) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byAddr[addr]
	return s, ok
}

// GetByName looks up the session registered under name.
func (r *Registry) GetByName(name string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Snapshot returns every currently registered session. The returned slice is
// a copy; mutating it does not affect the registry.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.byAddr))
	for _, s := range r.byAddr {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}
