package linetable

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// ModuleID identifies a loaded module.
type ModuleID string

// IntervalID indexes an interval within its Table.
type IntervalID int

// Entry describes the first instruction of a source line.
type Entry struct {
	IP   uint32 `yaml:"ip" json:"ip"`
	File string `yaml:"file" json:"file"`
	Line uint32 `yaml:"line" json:"line"`
}

// Location is a source position keyed by file and line.
type Location struct {
	File string `toml:"file" yaml:"file" json:"file"`
	Line uint32 `toml:"line" yaml:"line" json:"line"`
}

// String returns the location as file:line.
func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// ParseLocation parses file:line. The file part may itself contain colons.
func ParseLocation(s string) (Location, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Location{}, fmt.Errorf("location %q: want file:line", s)
	}
	line, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil || line == 0 {
		return Location{}, fmt.Errorf("location %q: line must be a positive number", s)
	}
	return Location{File: s[:i], Line: uint32(line)}, nil
}

// Interval is a half-open range [Start, End) of instruction pointers.
type Interval struct {
	Start uint32
	End   uint32
}

// Contains reports whether ip lies within the interval.
func (iv Interval) Contains(ip uint32) bool {
	return ip >= iv.Start && ip < iv.End
}

// Len returns the number of instructions in the interval.
func (iv Interval) Len() uint32 {
	return iv.End - iv.Start
}

// LineInfo is the source metadata for one interval.
type LineInfo struct {
	File         string
	Line         uint32
	IsBreakpoint bool
}

// DuplicatePolicy decides which interval a repeated file:line resolves to.
type DuplicatePolicy int

const (
	// LastWins keeps the interval of the last entry for a file:line.
	LastWins DuplicatePolicy = iota
	// FirstWins keeps the interval of the first entry for a file:line.
	FirstWins
)

// String returns the policy name used in configuration.
func (p DuplicatePolicy) String() string {
	switch p {
	case LastWins:
		return "last"
	case FirstWins:
		return "first"
	default:
		return "unknown"
	}
}

// ParseDuplicatePolicy parses "last" or "first".
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "last":
		return LastWins, nil
	case "first":
		return FirstWins, nil
	default:
		return LastWins, fmt.Errorf("unknown duplicate line policy %q", s)
	}
}

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	duplicates DuplicatePolicy
}

// WithDuplicatePolicy sets how repeated file:line entries are indexed.
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(o *buildOptions) {
		o.duplicates = p
	}
}

// Table maps the instruction stream of one module to source lines.
// A Table never changes after Build returns.
type Table struct {
	module    ModuleID
	count     uint32
	starts    []uint32
	intervals []Interval
	lines     []Location
	byLine    map[Location]IntervalID
}

// Build creates the line table of a module.
//
// Entries may arrive in any order; they are stably sorted by IP, so entries
// sharing an IP keep their input order and the later one owns the IP. The
// first interval is widened to start at zero so that the intervals cover
// [0, instructionCount) without gaps.
func Build(module ModuleID, entries []Entry, instructionCount uint32, opts ...Option) (*Table, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("module %s: %w", module, ErrEmptyModule)
	}

	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		switch {
		case a.IP < b.IP:
			return -1
		case a.IP > b.IP:
			return 1
		default:
			return 0
		}
	})

	last := sorted[len(sorted)-1]
	if instructionCount <= last.IP {
		return nil, fmt.Errorf("module %s: count %d, last entry at ip %d: %w",
			module, instructionCount, last.IP, ErrInvalidInstructionCount)
	}

	t := &Table{
		module:    module,
		count:     instructionCount,
		starts:    make([]uint32, len(sorted)),
		intervals: make([]Interval, len(sorted)),
		lines:     make([]Location, len(sorted)),
		byLine:    make(map[Location]IntervalID, len(sorted)),
	}

	for i, e := range sorted {
		if e.File == "" {
			return nil, fmt.Errorf("module %s: entry at ip %d has no file: %w", module, e.IP, ErrInvalidEntry)
		}

		start := e.IP
		if i == 0 {
			start = 0
		}
		end := instructionCount
		if i+1 < len(sorted) {
			end = sorted[i+1].IP
		}

		id := IntervalID(i)
		loc := Location{File: e.File, Line: e.Line}
		t.starts[i] = start
		t.intervals[i] = Interval{Start: start, End: end}
		t.lines[i] = loc

		if _, seen := t.byLine[loc]; seen && o.duplicates == FirstWins {
			continue
		}
		t.byLine[loc] = id
	}

	return t, nil
}

// ModuleID returns the module this table belongs to.
func (t *Table) ModuleID() ModuleID {
	return t.module
}

// InstructionCount returns the size of the module's instruction stream.
func (t *Table) InstructionCount() uint32 {
	return t.count
}

// Len returns the number of intervals.
func (t *Table) Len() int {
	return len(t.intervals)
}

// Lookup returns the interval containing ip and its source line.
// IsBreakpoint is always false here; breakpoint state lives in the
// breakpoint registry.
func (t *Table) Lookup(ip uint32) (IntervalID, LineInfo, error) {
	if ip >= t.count {
		return -1, LineInfo{}, fmt.Errorf("module %s ip %d: %w", t.module, ip, ErrUnmappedInstruction)
	}

	// First start strictly greater than ip, minus one. Empty intervals left
	// by entries sharing an IP are skipped because their successor has the
	// same start.
	i := sort.Search(len(t.starts), func(i int) bool {
		return t.starts[i] > ip
	}) - 1

	loc := t.lines[i]
	return IntervalID(i), LineInfo{File: loc.File, Line: loc.Line}, nil
}

// LookupByLine returns the interval registered for file:line.
func (t *Table) LookupByLine(file string, line uint32) (IntervalID, bool) {
	id, ok := t.byLine[Location{File: file, Line: line}]
	return id, ok
}

// Interval returns the IP range of an interval.
func (t *Table) Interval(id IntervalID) (Interval, bool) {
	if id < 0 || int(id) >= len(t.intervals) {
		return Interval{}, false
	}
	return t.intervals[id], true
}

// Location returns the source line of an interval.
func (t *Table) Location(id IntervalID) (Location, bool) {
	if id < 0 || int(id) >= len(t.lines) {
		return Location{}, false
	}
	return t.lines[id], true
}

// Intervals returns a copy of all intervals in IP order.
func (t *Table) Intervals() []Interval {
	return slices.Clone(t.intervals)
}

// Files returns the distinct source files of the module, sorted.
func (t *Table) Files() []string {
	seen := make(map[string]struct{})
	var files []string
	for _, loc := range t.lines {
		if _, ok := seen[loc.File]; ok {
			continue
		}
		seen[loc.File] = struct{}{}
		files = append(files, loc.File)
	}
	slices.Sort(files)
	return files
}

// Lines returns the distinct lines recorded for file, sorted.
func (t *Table) Lines(file string) []uint32 {
	var lines []uint32
	for loc := range t.byLine {
		if loc.File == file {
			lines = append(lines, loc.Line)
		}
	}
	slices.Sort(lines)
	return lines
}
