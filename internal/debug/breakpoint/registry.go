// Package breakpoint tracks which source lines of the loaded modules are
// active breakpoints.
package breakpoint

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/dshills/bcdebug/internal/debug/linetable"
)

// Result reports how a breakpoint request was resolved.
type Result struct {
	// Resolved lists requests that matched at least one module.
	Resolved []linetable.Location
	// Dropped lists requests no tracked module has a line for.
	Dropped []linetable.Location
}

type intervalSet map[linetable.IntervalID]struct{}

// snapshot is never modified once published.
type snapshot struct {
	tables   map[linetable.ModuleID]*linetable.Table
	marks    map[linetable.ModuleID]intervalSet
	resolved []linetable.Location
}

// Registry holds the line tables of a session and the set of intervals
// flagged as breakpoints.
//
// Readers load the current snapshot without locking and always see either
// the old or the new breakpoint set, never a half-cleared one. Writers are
// serialized by mu and publish a fresh snapshot.
type Registry struct {
	mu    sync.Mutex
	state atomic.Pointer[snapshot]
	log   logr.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report dropped requests.
func WithLogger(log logr.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{log: logr.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	r.state.Store(&snapshot{
		tables: make(map[linetable.ModuleID]*linetable.Table),
		marks:  make(map[linetable.ModuleID]intervalSet),
	})
	return r
}

// Track adds a module's line table. A table tracked under an existing
// module ID replaces it and loses that module's breakpoints.
func (r *Registry) Track(t *linetable.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	next := &snapshot{
		tables: maps.Clone(cur.tables),
		marks:  maps.Clone(cur.marks),
	}
	next.tables[t.ModuleID()] = t
	delete(next.marks, t.ModuleID())
	next.resolved = resolvedLocations(next)
	r.state.Store(next)
}

// Untrack removes a module and its breakpoints.
func (r *Registry) Untrack(module linetable.ModuleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if _, ok := cur.tables[module]; !ok {
		return false
	}
	next := &snapshot{
		tables: maps.Clone(cur.tables),
		marks:  maps.Clone(cur.marks),
	}
	delete(next.tables, module)
	delete(next.marks, module)
	next.resolved = resolvedLocations(next)
	r.state.Store(next)
	return true
}

// Table returns the tracked table of a module.
func (r *Registry) Table(module linetable.ModuleID) (*linetable.Table, bool) {
	t, ok := r.state.Load().tables[module]
	return t, ok
}

// Modules returns the tracked module IDs, sorted.
func (r *Registry) Modules() []linetable.ModuleID {
	return slices.Sorted(maps.Keys(r.state.Load().tables))
}

// ReplaceAll clears every breakpoint in every tracked module and then marks
// exactly the requested locations. Requests that no module can resolve are
// dropped and reported in the result; they are not an error.
func (r *Registry) ReplaceAll(requests []linetable.Location) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	next := &snapshot{
		tables: cur.tables,
		marks:  make(map[linetable.ModuleID]intervalSet),
	}

	var res Result
	for _, req := range requests {
		found := false
		for module, t := range cur.tables {
			id, ok := t.LookupByLine(req.File, req.Line)
			if !ok {
				continue
			}
			set := next.marks[module]
			if set == nil {
				set = make(intervalSet)
				next.marks[module] = set
			}
			set[id] = struct{}{}
			found = true
		}
		if found {
			res.Resolved = append(res.Resolved, req)
		} else {
			res.Dropped = append(res.Dropped, req)
			r.log.Info("dropping unresolvable breakpoint", "level", "warn", "location", req.String())
		}
	}
	next.resolved = resolvedLocations(next)

	r.state.Store(next)
	r.log.V(1).Info("breakpoints replaced", "requested", len(requests), "active", len(next.resolved))
	return res
}

// ClearAll removes every breakpoint.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	r.state.Store(&snapshot{
		tables: cur.tables,
		marks:  make(map[linetable.ModuleID]intervalSet),
	})
}

// IsBreakpoint reports whether an interval of a module is flagged.
func (r *Registry) IsBreakpoint(module linetable.ModuleID, id linetable.IntervalID) bool {
	_, ok := r.state.Load().marks[module][id]
	return ok
}

// Lookup resolves an IP of a module to its line, including breakpoint state.
func (r *Registry) Lookup(module linetable.ModuleID, ip uint32) (linetable.IntervalID, linetable.LineInfo, error) {
	s := r.state.Load()
	t, ok := s.tables[module]
	if !ok {
		return -1, linetable.LineInfo{}, fmt.Errorf("module %s: %w", module, ErrUnknownModule)
	}
	id, info, err := t.Lookup(ip)
	if err != nil {
		return id, info, err
	}
	_, info.IsBreakpoint = s.marks[module][id]
	return id, info, nil
}

// Breakpoints returns the active breakpoint locations, sorted by file and line.
func (r *Registry) Breakpoints() []linetable.Location {
	return slices.Clone(r.state.Load().resolved)
}

func resolvedLocations(s *snapshot) []linetable.Location {
	seen := make(map[linetable.Location]struct{})
	var locs []linetable.Location
	for module, set := range s.marks {
		t := s.tables[module]
		for id := range set {
			loc, ok := t.Location(id)
			if !ok {
				continue
			}
			if _, dup := seen[loc]; dup {
				continue
			}
			seen[loc] = struct{}{}
			locs = append(locs, loc)
		}
	}
	slices.SortFunc(locs, func(a, b linetable.Location) int {
		if c := cmp.Compare(a.File, b.File); c != 0 {
			return c
		}
		return cmp.Compare(a.Line, b.Line)
	})
	return locs
}
