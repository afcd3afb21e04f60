package dap

import (
	"maps"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dshills/bcdebug/internal/debug/linetable"
)

// configSource holds breakpoints that did not come from the client.
const configSource = "<config>"

// sourceBreakpoints keeps the client's breakpoints per source so that a
// setBreakpoints for one file can be turned into a full replacement.
type sourceBreakpoints struct {
	mu       sync.Mutex
	bySource map[string][]linetable.Location
	ids      map[linetable.Location]int
	paths    map[string]string
	nextID   int
}

func newSourceBreakpoints() *sourceBreakpoints {
	return &sourceBreakpoints{
		bySource: make(map[string][]linetable.Location),
		ids:      make(map[linetable.Location]int),
		paths:    make(map[string]string),
	}
}

// replace sets the breakpoints of one source and returns the union over
// every source.
func (b *sourceBreakpoints) replace(source string, locs []linetable.Location) []linetable.Location {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(locs) == 0 {
		delete(b.bySource, source)
	} else {
		b.bySource[source] = locs
	}
	for _, loc := range locs {
		if _, ok := b.ids[loc]; !ok {
			b.nextID++
			b.ids[loc] = b.nextID
		}
	}

	var all []linetable.Location
	for _, src := range slices.Sorted(maps.Keys(b.bySource)) {
		all = append(all, b.bySource[src]...)
	}
	return all
}

// id returns the breakpoint ID reported for loc, or zero.
func (b *sourceBreakpoints) id(loc linetable.Location) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ids[loc]
}

// remember records the client's path for a program file.
func (b *sourceBreakpoints) remember(file, clientPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths[file] = clientPath
}

// clientPath returns the path the client used for file, or file itself.
func (b *sourceBreakpoints) clientPath(file string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.paths[file]; ok {
		return p
	}
	return file
}

// resolveFile maps a client path to a program file name: an exact match
// first, then a unique match on the base name.
func resolveFile(path string, known []string) string {
	if slices.Contains(known, path) {
		return path
	}
	base := filepath.Base(path)
	match := ""
	for _, f := range known {
		if filepath.Base(f) == base {
			if match != "" {
				return path
			}
			match = f
		}
	}
	if match == "" {
		return path
	}
	return match
}
