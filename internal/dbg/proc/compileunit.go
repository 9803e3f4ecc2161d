package proc

import (
	"debug/dwarf"
	"io"
	"path/filepath"
	"strings"
)

type compileUnit struct {
	name string
	lang int64

	files   []*fileInfo
	funcs   []*Func
	globals []*Var
	rows    []lineRow
}

type fileInfo struct {
	name string
	// lines maps a line to the addresses of its statements, lowest first.
	lines map[int][]uint64
}

// lineRow is one row of the line table.
type lineRow struct {
	addr        uint64
	file        *fileInfo
	line        int
	stmt        bool
	prologueEnd bool
	endSeq      bool
}

func newCompileUnit() *compileUnit {
	return &compileUnit{}
}

func (cu *compileUnit) loadLines(d *dwarf.Data, e *dwarf.Entry) error {
	r, err := d.LineReader(e)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}

	files := make(map[string]*fileInfo)

	for {
		var l dwarf.LineEntry
		err := r.Next(&l)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if l.File == nil {
			cu.rows = append(cu.rows, lineRow{addr: l.Address, endSeq: l.EndSequence})
			continue
		}

		f, ok := files[l.File.Name]
		if !ok {
			f = &fileInfo{name: l.File.Name, lines: make(map[int][]uint64)}
			files[l.File.Name] = f
		}
		if l.IsStmt && !l.EndSequence && l.Line > 0 {
			f.lines[l.Line] = insertSorted(f.lines[l.Line], l.Address)
		}
		cu.rows = append(cu.rows, lineRow{
			addr:        l.Address,
			file:        f,
			line:        l.Line,
			stmt:        l.IsStmt,
			prologueEnd: l.PrologueEnd,
			endSeq:      l.EndSequence,
		})
	}
	for _, f := range files {
		cu.files = append(cu.files, f)
	}
	return nil
}

func insertSorted(s []uint64, v uint64) []uint64 {
	for i, x := range s {
		if x == v {
			return s
		}
		if x > v {
			s = append(s, 0)
			copy(s[i+1:], s[i:])
			s[i] = v
			return s
		}
	}
	return append(s, v)
}

// buildFileIdx indexes every file by each of its path suffixes, so that
// "main.c", "src/main.c" and "/abs/src/main.c" all find it.
func (cu *compileUnit) buildFileIdx(m map[string][]*fileInfo) {
	for _, f := range cu.files {
		name := filepath.ToSlash(f.name)
		if !strings.HasPrefix(name, "/") {
			name = "/" + name
		}
		pos := len(name)
		for {
			pos = strings.LastIndex(name[:pos], "/")
			if pos == -1 {
				break
			}
			suffix := name[pos:]
			m[suffix] = append(m[suffix], f)
		}
	}
}

// loadDebugInfo reads the children of the compile unit entry.
func (cu *compileUnit) loadDebugInfo(d *dwarf.Data, r *dwarf.Reader) error {
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil || e.Tag == 0 {
			return nil
		}

		switch e.Tag {
		case dwarf.TagSubprogram:
			f := newFunc(d, e)
			if f == nil {
				if e.Children {
					r.SkipChildren()
				}
				continue
			}
			f.cu = cu
			cu.funcs = append(cu.funcs, f)
			if e.Children {
				if err := f.loadScope(d, r, f.lowpc, f.highpc); err != nil {
					return err
				}
			}
		case dwarf.TagVariable:
			if decl, _ := e.Val(dwarf.AttrDeclaration).(bool); !decl {
				if v := newVar(e, 0, 0); v != nil && len(v.Location) > 0 {
					cu.globals = append(cu.globals, v)
				}
			}
			if e.Children {
				r.SkipChildren()
			}
		case dwarf.TagNamespace:
			if e.Children {
				if err := cu.loadDebugInfo(d, r); err != nil {
					return err
				}
			}
		default:
			if e.Children {
				r.SkipChildren()
			}
		}
	}
}

// loadScope collects the variables of a function body. Lexical blocks
// narrow the scope of what they declare.
func (f *Func) loadScope(d *dwarf.Data, r *dwarf.Reader, low, high uint64) error {
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil || e.Tag == 0 {
			return nil
		}

		switch e.Tag {
		case dwarf.TagFormalParameter, dwarf.TagVariable:
			if v := newVar(e, low, high); v != nil {
				f.vars = append(f.vars, v)
			}
			if e.Children {
				r.SkipChildren()
			}
		case dwarf.TagLexDwarfBlock:
			blow, bhigh := low, high
			if ranges, _ := d.Ranges(e); len(ranges) > 0 {
				blow, bhigh = ranges[0][0], ranges[0][1]
				for _, rg := range ranges[1:] {
					blow = min(blow, rg[0])
					bhigh = max(bhigh, rg[1])
				}
			}
			if e.Children {
				if err := f.loadScope(d, r, blow, bhigh); err != nil {
					return err
				}
			}
		default:
			if e.Children {
				r.SkipChildren()
			}
		}
	}
}
