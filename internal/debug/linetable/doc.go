// Package linetable maps instruction pointers of a loaded bytecode module to
// the source lines they were compiled from.
//
// A Table is built once per module from the loader's line entries and is
// immutable afterwards, so it can be shared by every interpreter goroutine
// without locking. Each entry marks the first instruction of a source line;
// consecutive entries delimit half-open intervals that together cover the
// whole instruction stream:
//
//	entries:   (0,a.bal,1) (4,a.bal,2) (10,a.bal,3)   count=15
//	intervals: [0,4)       [4,10)      [10,15)
//
// IP lookup is a binary search over interval starts, so memory grows with the
// number of line entries rather than with the number of instructions.
package linetable
