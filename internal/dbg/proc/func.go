package proc

import (
	"debug/dwarf"
	"strings"
)

// Func is a function of the program, described by DWARF or only by an ELF
// symbol.
type Func struct {
	name          string
	lowpc, highpc uint64

	// frameBase is the DW_AT_frame_base expression.
	frameBase []byte
	vars      []*Var
	cu        *compileUnit
}

// NewFunc describes a function known only by its address range.
func NewFunc(name string, lowpc, highpc uint64) *Func {
	return &Func{name: name, lowpc: lowpc, highpc: highpc}
}

// NewFuncFrame describes a function known by its range and frame base
// expression.
func NewFuncFrame(name string, lowpc, highpc uint64, frameBase []byte) *Func {
	return &Func{name: name, lowpc: lowpc, highpc: highpc, frameBase: frameBase}
}

func newFunc(d *dwarf.Data, e *dwarf.Entry) *Func {
	name, ok := e.Val(dwarf.AttrName).(string)
	if !ok {
		name = originName(d, e)
	}
	ranges, _ := d.Ranges(e)
	if name == "" || len(ranges) == 0 {
		return nil
	}
	f := &Func{
		name:   name,
		lowpc:  ranges[0][0],
		highpc: ranges[0][1],
	}
	for _, r := range ranges[1:] {
		f.lowpc = min(f.lowpc, r[0])
		f.highpc = max(f.highpc, r[1])
	}
	f.frameBase, _ = e.Val(dwarf.AttrFrameBase).([]byte)
	return f
}

// originName follows DW_AT_specification and DW_AT_abstract_origin, which
// out-of-line definitions use instead of repeating the name.
func originName(d *dwarf.Data, e *dwarf.Entry) string {
	for _, attr := range []dwarf.Attr{dwarf.AttrSpecification, dwarf.AttrAbstractOrigin} {
		off, ok := e.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		r := d.Reader()
		r.Seek(off)
		oe, err := r.Next()
		if err != nil || oe == nil {
			continue
		}
		if name, ok := oe.Val(dwarf.AttrName).(string); ok {
			return name
		}
	}
	return ""
}

func (f *Func) Name() string {
	return f.name
}

func (f *Func) BaseName() string {
	dot := strings.LastIndex(f.name, ".")
	if dot != -1 {
		return f.name[dot+1:]
	}
	if i := strings.LastIndex(f.name, "::"); i != -1 {
		return f.name[i+2:]
	}
	return f.name
}

func (f *Func) Entry() uint64 { return f.lowpc }

func (f *Func) End() uint64 { return f.highpc }

func (f *Func) Contains(pc uint64) bool {
	return f.lowpc <= pc && pc < f.highpc
}

// FrameBase returns the DW_AT_frame_base expression, nil if unknown.
func (f *Func) FrameBase() []byte { return f.frameBase }

// HasDebugInfo reports whether the function is described by DWARF.
func (f *Func) HasDebugInfo() bool { return f.cu != nil }

// Var is a variable declaration: a parameter, a local or a global.
type Var struct {
	Name string
	// TypeOff is the offset of the type entry, for Index.Type.
	TypeOff dwarf.Offset
	// Location is the DW_AT_location expression. It is nil when the
	// variable has no single location (optimized out or a location list).
	Location []byte
	Param    bool
	// Scope is the address range the variable is visible in. Globals have
	// an empty scope.
	LowPC, HighPC uint64
	// DeclLine is the source line of the declaration, if known.
	DeclLine int
}

func newVar(e *dwarf.Entry, low, high uint64) *Var {
	name, _ := e.Val(dwarf.AttrName).(string)
	if name == "" {
		return nil
	}
	v := &Var{
		Name:   name,
		Param:  e.Tag == dwarf.TagFormalParameter,
		LowPC:  low,
		HighPC: high,
	}
	v.TypeOff, _ = e.Val(dwarf.AttrType).(dwarf.Offset)
	v.Location, _ = e.Val(dwarf.AttrLocation).([]byte)
	if l, ok := e.Val(dwarf.AttrDeclLine).(int64); ok {
		v.DeclLine = int(l)
	}
	return v
}

func (v *Var) visible(pc uint64) bool {
	return v.LowPC <= pc && pc < v.HighPC
}
