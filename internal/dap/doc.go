// Package dap serves a bcdebug session to one Debug Adapter Protocol
// client.
//
// The server owns a session.Controller and the interpreter run. The usual
// client sequence is initialize, launch, setBreakpoints, configurationDone;
// the program starts on configurationDone and each pause is reported as a
// stopped event on thread 1. Breakpoints set per source are merged and
// installed as one full replacement, so a request for one file keeps the
// breakpoints of the others.
package dap
