package stack

import (
	"context"
	"debug/dwarf"
	"encoding/binary"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/go-delve/delve/pkg/dwarf/op"
	"github.com/go-faster/errors"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/proc"
)

var errOptimizedOut = errors.New("optimized out")

// Scope gives access to variable declarations and their types.
type Scope interface {
	Variables(pc uint64) []*proc.Var
	Globals() []*proc.Var
	Type(off dwarf.Offset) (godwarf.Type, error)
}

// Writer modifies target state. target.Session implements it.
type Writer interface {
	WriteMemory(ctx context.Context, addr uint64, p []byte) error
	WriteRegister(ctx context.Context, id dbg.RegisterID, v uint64) error
}

// Value is a variable, or a part of one, whose contents are read from the
// target only when needed.
type Value struct {
	Name string
	Type godwarf.Type
	// Addr is the location of the value when InMemory is set.
	Addr     uint64
	InMemory bool
	// Reg holds the DWARF register number when the whole value lives in a
	// register.
	Reg        uint64
	InRegister bool
	// Err is set when the value has no location.
	Err error

	// data holds the contents of values that are not addressable.
	data []byte
	// bits describes a bitfield inside data or memory.
	bitSize, bitShift int64
	// regWritable allows assignment of register-resident values, which is
	// only meaningful in the innermost frame.
	regWritable bool
	mem         Memory
}

// Locals evaluates the parameters and local variables visible in f.
// Parameters come first; an inner declaration hides an outer one with the
// same name.
func (f *Frame) Locals(ctx context.Context, s Scope, mem Memory) []*Value {
	if f.Func == nil {
		return nil
	}
	vars := s.Variables(f.lookupPC())
	visible := make(map[string]int, len(vars))
	for i, v := range vars {
		visible[v.Name] = i
	}

	dr := dwarfRegisters(f.Regs)
	dr.CFA = int64(f.CFA)
	if fb := f.Func.FrameBase(); len(fb) > 0 {
		base, _, err := op.ExecuteStackProgram(*dr, fb, ptrSize, readFunc(ctx, mem))
		if err != nil {
			log.WithError(err).WithField("func", f.Func.Name()).Debug("cannot evaluate frame base")
		}
		dr.FrameBase = base
	}

	var params, locals []*Value
	for i, v := range vars {
		if visible[v.Name] != i {
			continue
		}
		val := evalVar(ctx, s, mem, v, dr)
		val.regWritable = f.Index == 0
		if v.Param {
			params = append(params, val)
		} else {
			locals = append(locals, val)
		}
	}
	return append(params, locals...)
}

// Globals evaluates every global variable with a static location.
func Globals(ctx context.Context, s Scope, mem Memory) []*Value {
	dr := dwarfRegisters(nil)
	var vals []*Value
	for _, v := range s.Globals() {
		vals = append(vals, evalVar(ctx, s, mem, v, dr))
	}
	return vals
}

// Global evaluates a single global declaration.
func Global(ctx context.Context, s Scope, mem Memory, v *proc.Var) *Value {
	return evalVar(ctx, s, mem, v, dwarfRegisters(nil))
}

func evalVar(ctx context.Context, s Scope, mem Memory, v *proc.Var, dr *op.DwarfRegisters) *Value {
	val := &Value{Name: v.Name, mem: mem}
	typ, err := s.Type(v.TypeOff)
	if err != nil {
		val.Err = errors.Wrap(err, "type")
		return val
	}
	val.Type = typ
	if len(v.Location) == 0 {
		val.Err = errOptimizedOut
		return val
	}

	addr, pieces, err := op.ExecuteStackProgram(*dr, v.Location, ptrSize, readFunc(ctx, mem))
	if err != nil {
		val.Err = errors.Wrap(err, "location")
		return val
	}
	switch {
	case len(pieces) == 0:
		val.Addr = uint64(addr)
		val.InMemory = true
	case len(pieces) == 1 && pieces[0].Kind == op.RegPiece:
		val.Reg = pieces[0].Val
		val.InRegister = true
		val.data = regBytes(uint64(addr), resolve(typ).Size())
	default:
		val.data, val.Err = assemble(ctx, mem, dr, pieces, resolve(typ).Size())
	}
	return val
}

func regBytes(v uint64, size int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	size = min(max(size, 0), 8)
	return append([]byte(nil), b[:size]...)
}

// assemble concatenates the pieces of a value split across registers and
// memory.
func assemble(ctx context.Context, mem Memory, dr *op.DwarfRegisters, pieces []op.Piece, size int64) ([]byte, error) {
	var out []byte
	for _, p := range pieces {
		n := int64(p.Size)
		if n == 0 {
			n = size - int64(len(out))
		}
		if n <= 0 {
			break
		}
		switch p.Kind {
		case op.RegPiece:
			b := regBytes(dr.Uint64Val(p.Val), 8)
			out = append(out, b[:min(n, 8)]...)
			for i := int64(8); i < n; i++ {
				out = append(out, 0)
			}
		case op.AddrPiece:
			b := make([]byte, n)
			if err := mem.ReadMemory(ctx, p.Val, b); err != nil {
				return nil, err
			}
			out = append(out, b...)
		case op.ImmPiece:
			b := p.Bytes
			if b == nil {
				b = regBytes(p.Val, 8)
			}
			if int64(len(b)) > n {
				b = b[:n]
			}
			out = append(out, b...)
		}
	}
	return out, nil
}

// Load reads the raw bytes of the value.
func (v *Value) Load(ctx context.Context) ([]byte, error) {
	if v.Err != nil {
		return nil, v.Err
	}
	if !v.InMemory {
		return v.data, nil
	}
	size := resolve(v.Type).Size()
	if size <= 0 {
		return nil, nil
	}
	b := make([]byte, size)
	if err := v.mem.ReadMemory(ctx, v.Addr, b); err != nil {
		return nil, err
	}
	return b, nil
}

// loadUint reads the value as an unsigned integer, extracting bitfields.
func (v *Value) loadUint(ctx context.Context) (uint64, error) {
	b, err := v.Load(ctx)
	if err != nil {
		return 0, err
	}
	var x uint64
	for i := len(b) - 1; i >= 0; i-- {
		x = x<<8 | uint64(b[i])
	}
	if v.bitSize > 0 {
		x = (x >> v.bitShift) & (1<<v.bitSize - 1)
	}
	return x, nil
}

func (v *Value) size() int64 {
	if v.bitSize > 0 {
		return (v.bitSize + 7) / 8
	}
	if v.Type == nil {
		return 0
	}
	return resolve(v.Type).Size()
}

func (v *Value) bits() int64 {
	if v.bitSize > 0 {
		return v.bitSize
	}
	return v.size() * 8
}

// child derives a value at offset off from v.
func (v *Value) child(name string, typ godwarf.Type, off int64) *Value {
	c := &Value{Name: name, Type: typ, mem: v.mem, regWritable: v.regWritable}
	if v.InMemory {
		c.Addr = v.Addr + uint64(off)
		c.InMemory = true
		return c
	}
	end := off + resolve(typ).Size()
	if off < 0 || end > int64(len(v.data)) {
		c.Err = errors.Errorf("%s: outside of value", name)
		return c
	}
	c.data = v.data[off:end]
	return c
}

// Assign parses text according to the type of v and writes the result.
func (v *Value) Assign(ctx context.Context, w Writer, text string) error {
	if v.Err != nil {
		return v.Err
	}
	raw, err := parseLiteral(resolve(v.Type), text)
	if err != nil {
		return err
	}
	switch {
	case v.bitSize > 0:
		return errors.New("assignment to bitfields is not supported")
	case v.InMemory:
		b := regBytes(raw, v.size())
		return w.WriteMemory(ctx, v.Addr, b)
	case v.InRegister:
		if !v.regWritable {
			return errors.New("register variables can only be changed in the top frame")
		}
		return w.WriteRegister(ctx, dbg.RegisterID(v.Reg), raw)
	}
	return errors.New("value is not addressable")
}
