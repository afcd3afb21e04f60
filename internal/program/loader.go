// Package program loads bcdebug programs written in YAML and assembles them
// into interpreter modules together with their line entries.
//
// A program lists modules, each with functions made of instructions:
//
//	entry: main.main
//	modules:
//	  - id: main
//	    file: main.bal
//	    functions:
//	      - name: main
//	        code:
//	          - {op: push, arg: 2, line: 1}
//	          - {op: call, target: double, line: 2}
//	          - {op: print, line: 3}
//	          - {op: ret}
//	      - name: double
//	        code:
//	          - {op: dup, line: 10}
//	          - {op: add}
//	          - {op: ret}
//
// An instruction without file or line continues the previous line. Jump
// targets name a label in the same function; call targets name a function,
// qualified with its module when it lives elsewhere.
package program

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/vm"
)

// File is the YAML document.
type File struct {
	Entry   string       `yaml:"entry"`
	Modules []ModuleSpec `yaml:"modules"`
}

// ModuleSpec is one module of a program.
type ModuleSpec struct {
	ID        string         `yaml:"id"`
	File      string         `yaml:"file"`
	Functions []FunctionSpec `yaml:"functions"`
}

// FunctionSpec is one function of a module.
type FunctionSpec struct {
	Name string      `yaml:"name"`
	Code []InstrSpec `yaml:"code"`
}

// InstrSpec is one instruction.
type InstrSpec struct {
	Op     string `yaml:"op"`
	Arg    int64  `yaml:"arg"`
	Target string `yaml:"target"`
	Label  string `yaml:"label"`
	File   string `yaml:"file"`
	Line   uint32 `yaml:"line"`
}

// ParseError reports a malformed program.
type ParseError struct {
	Path    string
	Where   string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Where != "" {
		return fmt.Sprintf("program %s: %s: %s", e.Path, e.Where, e.Message)
	}
	return fmt.Sprintf("program %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// LoadFile reads and assembles the program at path.
func LoadFile(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading program %s: %w", path, err)
	}
	return Parse(path, data)
}

// LoadReader reads and assembles a program from r.
func LoadReader(r io.Reader) (*vm.Program, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading program: %w", err)
	}
	return Parse("<reader>", data)
}

// Parse decodes and assembles YAML program source.
func Parse(path string, data []byte) (*vm.Program, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ParseError{Path: path, Message: err.Error(), Err: err}
	}
	return Assemble(path, &f)
}

type funcRef struct {
	module string
	def    *FunctionSpec
}

// Assemble turns a decoded program into interpreter modules.
func Assemble(path string, f *File) (*vm.Program, error) {
	perr := func(where, format string, args ...any) error {
		return &ParseError{Path: path, Where: where, Message: fmt.Sprintf(format, args...)}
	}

	if len(f.Modules) == 0 {
		return nil, perr("", "no modules")
	}

	prog := &vm.Program{Modules: make(map[linetable.ModuleID]*vm.Module, len(f.Modules))}
	index := make(map[string]int)
	var refs []funcRef

	// Lay out every function first so calls can be resolved in one pass.
	for mi := range f.Modules {
		ms := &f.Modules[mi]
		if ms.ID == "" {
			return nil, perr(fmt.Sprintf("modules[%d]", mi), "missing id")
		}
		if _, dup := prog.Modules[linetable.ModuleID(ms.ID)]; dup {
			return nil, perr(ms.ID, "duplicate module")
		}
		mod := &vm.Module{ID: linetable.ModuleID(ms.ID)}
		prog.Modules[mod.ID] = mod

		ip := uint32(0)
		for fi := range ms.Functions {
			fs := &ms.Functions[fi]
			qualified := ms.ID + "." + fs.Name
			if fs.Name == "" {
				return nil, perr(ms.ID, "function %d has no name", fi)
			}
			if _, dup := index[qualified]; dup {
				return nil, perr(qualified, "duplicate function")
			}
			if len(fs.Code) == 0 {
				return nil, perr(qualified, "empty function")
			}
			index[qualified] = len(prog.Functions)
			prog.Functions = append(prog.Functions, vm.Function{Name: qualified, Module: mod.ID, IP: ip})
			refs = append(refs, funcRef{module: ms.ID, def: fs})
			ip += uint32(len(fs.Code))
		}
	}

	for fi, ref := range refs {
		fn := prog.Functions[fi]
		mod := prog.Modules[fn.Module]
		ms := moduleSpec(f, ref.module)

		labels := make(map[string]uint32)
		for i, in := range ref.def.Code {
			if in.Label == "" {
				continue
			}
			if _, dup := labels[in.Label]; dup {
				return nil, perr(fn.Name, "duplicate label %q", in.Label)
			}
			labels[in.Label] = fn.IP + uint32(i)
		}

		var cur linetable.Location
		for i, in := range ref.def.Code {
			where := fmt.Sprintf("%s[%d]", fn.Name, i)

			op, ok := vm.ParseOp(in.Op)
			if !ok {
				return nil, perr(where, "unknown op %q", in.Op)
			}
			instr := vm.Instr{Op: op, Arg: in.Arg}

			switch op {
			case vm.OpJmp, vm.OpJz:
				if in.Target != "" {
					target, ok := labels[in.Target]
					if !ok {
						return nil, perr(where, "unknown label %q", in.Target)
					}
					instr.Arg = int64(target)
				} else {
					instr.Arg += int64(fn.IP)
				}
			case vm.OpCall:
				name := in.Target
				if name == "" {
					return nil, perr(where, "call without target")
				}
				if !strings.Contains(name, ".") {
					name = ref.module + "." + name
				}
				target, ok := index[name]
				if !ok {
					return nil, perr(where, "unknown function %q", in.Target)
				}
				instr.Arg = int64(target)
			}
			mod.Code = append(mod.Code, instr)

			next := cur
			if in.File != "" {
				next.File = in.File
			} else if next.File == "" {
				next.File = ms.File
			}
			if in.Line != 0 {
				next.Line = in.Line
			}
			if i == 0 && next.Line == 0 {
				return nil, perr(where, "first instruction of a function needs a line")
			}
			if next.File == "" {
				return nil, perr(where, "no source file (set file on the module or instruction)")
			}
			if i == 0 || next != cur {
				mod.Lines = append(mod.Lines, linetable.Entry{IP: fn.IP + uint32(i), File: next.File, Line: next.Line})
			}
			cur = next
		}
	}

	entry := f.Entry
	if entry == "" {
		entry = f.Modules[0].ID + ".main"
	}
	idx, ok := index[entry]
	if !ok {
		return nil, perr("entry", "unknown entry function %q", entry)
	}
	prog.Entry = idx

	return prog, nil
}

func moduleSpec(f *File, id string) *ModuleSpec {
	for i := range f.Modules {
		if f.Modules[i].ID == id {
			return &f.Modules[i]
		}
	}
	return nil
}
