// Package vm is a small stack interpreter used to drive debug sessions. It
// reports a safepoint at the first instruction of every source line and at
// the first instruction after every call returns.
package vm

import (
	"fmt"
	"strings"

	"github.com/dshills/bcdebug/internal/debug/linetable"
)

// Op is an opcode.
type Op byte

// Opcodes.
const (
	OpNop Op = iota
	OpPush
	OpPop
	OpDup
	OpAdd
	OpSub
	OpMul
	OpLt
	OpJmp
	OpJz
	OpCall
	OpRet
	OpPrint
	OpHalt
)

var opNames = []string{
	"nop", "push", "pop", "dup", "add", "sub", "mul", "lt",
	"jmp", "jz", "call", "ret", "print", "halt",
}

// String returns the lower-case mnemonic.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// ParseOp looks up an opcode by mnemonic, ignoring case.
func ParseOp(s string) (Op, bool) {
	s = strings.ToLower(s)
	for i, name := range opNames {
		if name == s {
			return Op(i), true
		}
	}
	return 0, false
}

// Instr is one instruction. Arg is the literal for push, the module-local
// target IP for jmp and jz, and the function index for call.
type Instr struct {
	Op  Op
	Arg int64
}

// String formats the instruction for listings.
func (in Instr) String() string {
	switch in.Op {
	case OpPush, OpJmp, OpJz, OpCall:
		return fmt.Sprintf("%s %d", in.Op, in.Arg)
	default:
		return in.Op.String()
	}
}

// Module is the code of one loaded module and the line entries that
// describe it.
type Module struct {
	ID    linetable.ModuleID
	Code  []Instr
	Lines []linetable.Entry
}

// InstructionCount returns the length of the instruction stream.
func (m *Module) InstructionCount() uint32 {
	return uint32(len(m.Code))
}

// Function is a callable entry point.
type Function struct {
	Name   string
	Module linetable.ModuleID
	IP     uint32
}

// Program is a set of modules plus a function table.
type Program struct {
	Modules   map[linetable.ModuleID]*Module
	Functions []Function
	Entry     int
}

// Function returns the function with the given qualified name.
func (p *Program) Function(name string) (int, bool) {
	for i, f := range p.Functions {
		if f.Name == name {
			return i, true
		}
	}
	return -1, false
}

// FunctionAt returns the function of module whose code contains ip: the
// one with the highest entry IP not above ip.
func (p *Program) FunctionAt(module linetable.ModuleID, ip uint32) (Function, bool) {
	var best Function
	found := false
	for _, f := range p.Functions {
		if f.Module != module || f.IP > ip {
			continue
		}
		if !found || f.IP > best.IP {
			best, found = f, true
		}
	}
	return best, found
}
