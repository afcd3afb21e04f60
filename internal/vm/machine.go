package vm

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/bcdebug/internal/debug/linetable"
)

// Hook is called at every safepoint. It returns whether the goroutine
// paused; a paused hook returns only after the debugger resumes it.
type Hook interface {
	Safepoint(module linetable.ModuleID, ip uint32, framePointer, depth int) bool
}

// ContextHook is a Hook whose pause also ends when the run's context does.
// The machine prefers it when the hook provides it.
type ContextHook interface {
	SafepointContext(ctx context.Context, module linetable.ModuleID, ip uint32, framePointer, depth int) bool
}

// Defaults for a Machine.
const (
	DefaultMaxSteps = 10_000_000
	DefaultMaxDepth = 1024
)

type frame struct {
	module *Module
	ret    uint32
	base   int
}

// Machine executes one strand of a Program. A Machine is not safe for
// concurrent use; run several strands with RunAll.
type Machine struct {
	prog     *Program
	hook     Hook
	out      io.Writer
	log      logr.Logger
	maxSteps int
	maxDepth int

	lineStarts map[linetable.ModuleID]map[uint32]struct{}

	stack  []int64
	frames []frame
	steps  int
}

// Option configures a Machine.
type Option func(*Machine)

// WithHook attaches the safepoint hook.
func WithHook(h Hook) Option {
	return func(m *Machine) {
		m.hook = h
	}
}

// WithOutput sets where print writes.
func WithOutput(w io.Writer) Option {
	return func(m *Machine) {
		m.out = w
	}
}

// WithLogger sets the machine logger.
func WithLogger(log logr.Logger) Option {
	return func(m *Machine) {
		m.log = log
	}
}

// WithMaxSteps bounds the number of executed instructions.
func WithMaxSteps(n int) Option {
	return func(m *Machine) {
		m.maxSteps = n
	}
}

// WithMaxDepth bounds the call depth.
func WithMaxDepth(n int) Option {
	return func(m *Machine) {
		m.maxDepth = n
	}
}

// New creates a machine for prog.
func New(prog *Program, opts ...Option) *Machine {
	m := &Machine{
		prog:       prog,
		out:        io.Discard,
		log:        logr.Discard(),
		maxSteps:   DefaultMaxSteps,
		maxDepth:   DefaultMaxDepth,
		lineStarts: make(map[linetable.ModuleID]map[uint32]struct{}, len(prog.Modules)),
	}
	for _, opt := range opts {
		opt(m)
	}

	for id, mod := range prog.Modules {
		starts := make(map[uint32]struct{}, len(mod.Lines))
		for _, e := range mod.Lines {
			starts[e.IP] = struct{}{}
		}
		m.lineStarts[id] = starts
	}
	return m
}

// Depth returns the current call depth.
func (m *Machine) Depth() int {
	return len(m.frames)
}

// Stack returns a copy of the operand stack.
func (m *Machine) Stack() []int64 {
	return append([]int64(nil), m.stack...)
}

// Run executes the program's entry function until it returns, halts, fails
// or ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	return m.RunFunction(ctx, m.prog.Entry)
}

// RunFunction executes the function with the given index.
func (m *Machine) RunFunction(ctx context.Context, fn int) error {
	if fn < 0 || fn >= len(m.prog.Functions) {
		return fmt.Errorf("function %d: %w", fn, ErrUnknownFunction)
	}
	entry := m.prog.Functions[fn]
	mod, ok := m.prog.Modules[entry.Module]
	if !ok {
		return fmt.Errorf("%s: %w", entry.Module, ErrUnknownModule)
	}

	m.stack = m.stack[:0]
	m.frames = append(m.frames[:0], frame{module: mod})
	m.steps = 0
	m.log.V(1).Info("strand started", "function", entry.Name)

	err := m.loop(ctx, mod, entry.IP)
	if err != nil {
		m.log.V(1).Info("strand stopped", "function", entry.Name, "error", err.Error())
	}
	return err
}

func (m *Machine) loop(ctx context.Context, mod *Module, ip uint32) error {
	afterCall := false

	for {
		if ip >= mod.InstructionCount() {
			return nil
		}

		m.steps++
		if m.steps > m.maxSteps {
			return ErrStepLimit
		}
		if m.steps&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if m.hook != nil {
			if _, lineStart := m.lineStarts[mod.ID][ip]; lineStart || afterCall {
				if m.safepoint(ctx, mod.ID, ip) {
					// The run may have been cancelled while parked.
					if err := ctx.Err(); err != nil {
						return err
					}
				}
			}
		}
		afterCall = false

		in := mod.Code[ip]
		next := ip + 1

		switch in.Op {
		case OpNop:
		case OpPush:
			m.push(in.Arg)
		case OpPop:
			if _, err := m.pop(); err != nil {
				return m.fault(mod, ip, err)
			}
		case OpDup:
			v, err := m.pop()
			if err != nil {
				return m.fault(mod, ip, err)
			}
			m.push(v)
			m.push(v)
		case OpAdd, OpSub, OpMul, OpLt:
			b, err := m.pop()
			if err != nil {
				return m.fault(mod, ip, err)
			}
			a, err := m.pop()
			if err != nil {
				return m.fault(mod, ip, err)
			}
			m.push(arith(in.Op, a, b))
		case OpJmp:
			target, err := m.jumpTarget(mod, in.Arg)
			if err != nil {
				return m.fault(mod, ip, err)
			}
			next = target
		case OpJz:
			v, err := m.pop()
			if err != nil {
				return m.fault(mod, ip, err)
			}
			if v == 0 {
				target, err := m.jumpTarget(mod, in.Arg)
				if err != nil {
					return m.fault(mod, ip, err)
				}
				next = target
			}
		case OpCall:
			callee, target, err := m.callTarget(in.Arg)
			if err != nil {
				return m.fault(mod, ip, err)
			}
			if len(m.frames) >= m.maxDepth {
				return m.fault(mod, ip, ErrCallDepth)
			}
			m.frames = append(m.frames, frame{module: mod, ret: next, base: len(m.stack)})
			mod, next = callee, target
		case OpRet:
			top := m.frames[len(m.frames)-1]
			m.frames = m.frames[:len(m.frames)-1]
			if len(m.frames) == 0 {
				return nil
			}
			mod, next = top.module, top.ret
			afterCall = true
		case OpPrint:
			v, err := m.pop()
			if err != nil {
				return m.fault(mod, ip, err)
			}
			fmt.Fprintln(m.out, v)
		case OpHalt:
			return nil
		default:
			return m.fault(mod, ip, ErrUnknownOp)
		}

		ip = next
	}
}

func arith(op Op, a, b int64) int64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	default:
		if a < b {
			return 1
		}
		return 0
	}
}

func (m *Machine) push(v int64) {
	m.stack = append(m.stack, v)
}

func (m *Machine) pop() (int64, error) {
	if len(m.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

func (m *Machine) jumpTarget(mod *Module, arg int64) (uint32, error) {
	if arg < 0 || arg >= int64(len(mod.Code)) {
		return 0, ErrBadJump
	}
	return uint32(arg), nil
}

func (m *Machine) callTarget(arg int64) (*Module, uint32, error) {
	if arg < 0 || arg >= int64(len(m.prog.Functions)) {
		return nil, 0, ErrUnknownFunction
	}
	fn := m.prog.Functions[arg]
	mod, ok := m.prog.Modules[fn.Module]
	if !ok {
		return nil, 0, ErrUnknownModule
	}
	return mod, fn.IP, nil
}

func (m *Machine) safepoint(ctx context.Context, module linetable.ModuleID, ip uint32) bool {
	fp, depth := m.frames[len(m.frames)-1].base, len(m.frames)
	if ch, ok := m.hook.(ContextHook); ok {
		return ch.SafepointContext(ctx, module, ip, fp, depth)
	}
	return m.hook.Safepoint(module, ip, fp, depth)
}

func (m *Machine) fault(mod *Module, ip uint32, err error) error {
	return fmt.Errorf("%s ip %d (%s): %w", mod.ID, ip, mod.Code[ip], err)
}

// RunAll runs each function of prog on its own goroutine, one machine per
// strand, and returns the first error. The first failure cancels the other
// strands, including any parked at a pause when the hook is a ContextHook.
func RunAll(ctx context.Context, prog *Program, fns []int, opts ...Option) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		m := New(prog, opts...)
		g.Go(func() error {
			return m.RunFunction(ctx, fn)
		})
	}
	return g.Wait()
}
