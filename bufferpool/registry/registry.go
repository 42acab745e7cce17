// Package registry implements the process-wide, purely observational
// index of live buffer pools.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/luoxiafeng-1990/display/bufferpool"
)

// Entry is a registry's read-only view of one registered pool.
type Entry struct {
	ID       uint64
	Name     string
	Category string
	Pool     *bufferpool.Pool
}

// CategoryStats summarizes the pools registered under one category.
type CategoryStats struct {
	Category   string
	PoolCount  int
	TotalFree  int
	TotalHeld  int
	TotalSize  int
}

// Registry is a process-wide index of live pools, keyed by ID and by
// name. It never calls any pool-mutating operation; it only reads
// Stats/Name/Category for diagnostics.
type Registry struct {
	mu       sync.Mutex
	byID     map[uint64]Entry
	byName   map[string]uint64
	nextID   atomic.Uint64
}

var defaultRegistry = New()

// Default returns the process-wide registry singleton.
func Default() *Registry { return defaultRegistry }

// New returns an independent registry, primarily useful in tests that
// want isolation from the process-wide singleton.
func New() *Registry {
	return &Registry{
		byID:   make(map[uint64]Entry),
		byName: make(map[string]uint64),
	}
}

// Register adds p to the registry and returns the ID it was assigned.
// If a pool with the same name is already registered, it is replaced.
func (r *Registry) Register(p *bufferpool.Pool) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID.Add(1)
	if oldID, ok := r.byName[p.Name()]; ok {
		delete(r.byID, oldID)
	}
	r.byID[id] = Entry{ID: id, Name: p.Name(), Category: p.Category(), Pool: p}
	r.byName[p.Name()] = id
	p.SetRegistryID(id)
	return id
}

// Deregister removes the pool registered under id, if any.
func (r *Registry) Deregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		delete(r.byName, e.Name)
		delete(r.byID, id)
	}
}

// Lookup returns the pool registered under name, or nil.
func (r *Registry) Lookup(name string) *bufferpool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return nil
	}
	return r.byID[id].Pool
}

// ListByCategory returns every registered pool in the given category.
func (r *Registry) ListByCategory(category string) []*bufferpool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pools []*bufferpool.Pool
	for _, e := range r.byID {
		if e.Category == category {
			pools = append(pools, e.Pool)
		}
	}
	return pools
}

// Snapshot returns aggregate stats for every category currently
// registered.
func (r *Registry) Snapshot() map[string]CategoryStats {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make(map[string]CategoryStats)
	for _, e := range entries {
		s := out[e.Category]
		s.Category = e.Category
		s.PoolCount++
		stats := e.Pool.Stats()
		s.TotalFree += stats.Free
		s.TotalHeld += stats.Held
		s.TotalSize += stats.Total
		out[e.Category] = s
	}
	return out
}
