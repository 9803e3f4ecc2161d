// Package proc indexes the debug information of the program running on the
// target: line tables, functions, variables, types, symbols and call frame
// information. An Index is built once and never changes afterwards.
package proc

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/go-faster/errors"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/logging"
)

var log = logging.Module("proc")

// Location is a position in the source.
type Location struct {
	File     string
	Line     int
	Function string
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

type Index struct {
	path    string
	order   binary.ByteOrder
	ptrSize int
	entry   uint64
	thumb   bool

	dwarf    *dwarf.Data
	cus      []*compileUnit
	cuRanges []compileUnitRange
	fileIdx  map[string][]*fileInfo
	funcs    []*Func
	rows     []lineRow
	globals  []*Var

	symbols   []Symbol
	symByName map[string]Symbol

	fdes frame.FrameDescriptionEntries

	typeMu    sync.Mutex
	typeCache map[dwarf.Offset]godwarf.Type
}

type compileUnitRange struct {
	lowpc, highpc uint64
	cu            *compileUnit
}

type ErrAmbiguous struct {
	Location   string
	Candidates []string
}

func (a *ErrAmbiguous) Error() string {
	return fmt.Sprintf("Location %q ambiguous: %s", a.Location, strings.Join(a.Candidates, ", "))
}

// LoadFile reads and indexes the program at path.
func LoadFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read program")
	}
	return Load(data, path)
}

// Load indexes an ELF image. hint names the image in errors.
func Load(data []byte, hint string) (*Index, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &dbg.FormatParseError{Path: hint, Format: "ELF", Err: err}
	}
	defer f.Close()

	idx := &Index{
		path:      hint,
		order:     f.ByteOrder,
		ptrSize:   8,
		thumb:     f.Machine == elf.EM_ARM,
		typeCache: make(map[dwarf.Offset]godwarf.Type),
	}
	if f.Class == elf.ELFCLASS32 {
		idx.ptrSize = 4
	}
	idx.entry = idx.clearThumb(f.Entry)

	if err := idx.loadSymbols(f); err != nil {
		return nil, &dbg.FormatParseError{Path: hint, Format: "ELF symbols", Err: err}
	}

	d, err := f.DWARF()
	if err != nil {
		log.WithError(err).WithField("program", hint).Warn("no usable DWARF, only symbols are available")
	} else {
		idx.dwarf = d
		if err := idx.loadImage(d); err != nil {
			return nil, &dbg.FormatParseError{Path: hint, Format: "DWARF", Err: err}
		}
	}
	idx.loadFrames(f)
	idx.addSymbolFuncs()
	return idx, nil
}

func (idx *Index) loadImage(d *dwarf.Data) error {
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagCompileUnit:
			cu := newCompileUnit()
			cu.name, _ = e.Val(dwarf.AttrName).(string)
			cu.lang, _ = e.Val(dwarf.AttrLanguage).(int64)

			ranges, _ := d.Ranges(e)
			for _, r := range ranges {
				idx.cuRanges = append(idx.cuRanges, compileUnitRange{
					lowpc:  r[0],
					highpc: r[1],
					cu:     cu,
				})
			}
			idx.cus = append(idx.cus, cu)

			if err := cu.loadLines(d, e); err != nil {
				return err
			}

			if e.Children {
				if err := cu.loadDebugInfo(d, r); err != nil {
					return err
				}
			}
		default:
			r.SkipChildren()
		}
	}

	idx.fileIdx = make(map[string][]*fileInfo)
	for _, cu := range idx.cus {
		cu.buildFileIdx(idx.fileIdx)
		idx.funcs = append(idx.funcs, cu.funcs...)
		idx.rows = append(idx.rows, cu.rows...)
		idx.globals = append(idx.globals, cu.globals...)
	}
	sort.SliceStable(idx.rows, func(i, j int) bool {
		if idx.rows[i].addr != idx.rows[j].addr {
			return idx.rows[i].addr < idx.rows[j].addr
		}
		// An end of sequence is superseded by a sequence starting there.
		return idx.rows[i].endSeq && !idx.rows[j].endSeq
	})
	sort.Slice(idx.cuRanges, func(i, j int) bool { return idx.cuRanges[i].lowpc < idx.cuRanges[j].lowpc })
	return nil
}

func (idx *Index) Path() string { return idx.path }

func (idx *Index) ByteOrder() binary.ByteOrder { return idx.order }

func (idx *Index) PtrSize() int { return idx.ptrSize }

// Entry returns the entry point of the program.
func (idx *Index) Entry() uint64 { return idx.entry }

func (idx *Index) HasDebugInfo() bool { return idx.dwarf != nil }

// LineToPC returns the lowest statement address of file:line. A line
// without code resolves to the nearest following line that has some; the
// returned location says which line was used.
func (idx *Index) LineToPC(file string, line int) (uint64, Location, error) {
	f, err := idx.findFile(file)
	if err != nil {
		return 0, Location{}, err
	}

	best := -1
	for l := range f.lines {
		if l >= line && (best == -1 || l < best) {
			best = l
		}
	}
	if best == -1 {
		return 0, Location{}, &dbg.UnresolvedLocationError{
			Location: fmt.Sprintf("%s:%d", file, line),
			Reason:   "no code at or after this line",
		}
	}
	pc := f.lines[best][0]
	loc := Location{File: f.name, Line: best}
	if fn, ok := idx.FunctionAt(pc); ok {
		loc.Function = fn.Name()
	}
	return pc, loc, nil
}

// findFile matches a client path against the files of the line tables by
// the longest common path suffix.
func (idx *Index) findFile(file string) (*fileInfo, error) {
	name := filepath.ToSlash(file)
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	for pos := 0; pos != -1; {
		suffix := name[pos:]
		files, ok := idx.fileIdx[suffix]
		switch {
		case ok && len(files) == 1:
			return files[0], nil
		case ok && len(files) > 1:
			var candidates []string
			for _, f := range files {
				candidates = append(candidates, f.name)
			}
			sort.Strings(candidates)
			return nil, &ErrAmbiguous{
				Location:   file,
				Candidates: candidates,
			}
		}
		next := strings.Index(name[pos+1:], "/")
		if next == -1 {
			break
		}
		pos += next + 1
	}
	return nil, &dbg.UnresolvedLocationError{Location: file, Reason: "file not in the line tables"}
}

// AddressToLocation returns the source position of pc.
func (idx *Index) AddressToLocation(pc uint64) (Location, bool) {
	i := sort.Search(len(idx.rows), func(i int) bool { return idx.rows[i].addr > pc }) - 1
	if i < 0 || idx.rows[i].endSeq || idx.rows[i].file == nil {
		return Location{}, false
	}
	// Several rows may share an address; the last one describes it.
	row := idx.rows[i]
	loc := Location{File: row.file.name, Line: row.line}
	if fn, ok := idx.FunctionAt(pc); ok {
		loc.Function = fn.Name()
	}
	return loc, true
}

// IsStatement reports whether pc starts a line-table statement.
func (idx *Index) IsStatement(pc uint64) bool {
	i := sort.Search(len(idx.rows), func(i int) bool { return idx.rows[i].addr >= pc })
	for ; i < len(idx.rows) && idx.rows[i].addr == pc; i++ {
		if idx.rows[i].stmt && !idx.rows[i].endSeq {
			return true
		}
	}
	return false
}

// FunctionAt returns the function containing pc.
func (idx *Index) FunctionAt(pc uint64) (*Func, bool) {
	i := sort.Search(len(idx.funcs), func(i int) bool { return idx.funcs[i].lowpc > pc }) - 1
	if i >= 0 && idx.funcs[i].Contains(pc) {
		return idx.funcs[i], true
	}
	return nil, false
}

// LookupFunction finds a function by its full or unqualified name.
func (idx *Index) LookupFunction(name string) (*Func, bool) {
	var base *Func
	for _, f := range idx.funcs {
		if f.name == name {
			return f, true
		}
		if base == nil && f.BaseName() == name {
			base = f
		}
	}
	return base, base != nil
}

// BreakAddress returns where a breakpoint on f should go: after the
// prologue when the line table says where it ends.
func (idx *Index) BreakAddress(f *Func) uint64 {
	i := sort.Search(len(idx.rows), func(i int) bool { return idx.rows[i].addr >= f.lowpc })
	var first *lineRow
	for ; i < len(idx.rows) && idx.rows[i].addr < f.highpc; i++ {
		row := &idx.rows[i]
		if row.endSeq || !row.stmt {
			continue
		}
		if row.prologueEnd {
			return row.addr
		}
		if first == nil {
			first = row
			continue
		}
		if row.line != first.line && row.addr > first.addr {
			return row.addr
		}
	}
	return f.lowpc
}

// Variables returns the parameters and locals visible at pc.
func (idx *Index) Variables(pc uint64) []*Var {
	f, ok := idx.FunctionAt(pc)
	if !ok {
		return nil
	}
	var vars []*Var
	for _, v := range f.vars {
		if v.visible(pc) {
			vars = append(vars, v)
		}
	}
	return vars
}

// Globals returns the program's global variables with a static location.
func (idx *Index) Globals() []*Var { return idx.globals }

// LookupGlobal finds a global by name.
func (idx *Index) LookupGlobal(name string) (*Var, bool) {
	for _, v := range idx.globals {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// Type reads the type entry at off.
func (idx *Index) Type(off dwarf.Offset) (godwarf.Type, error) {
	if idx.dwarf == nil {
		return nil, errors.New("no debug info")
	}
	idx.typeMu.Lock()
	defer idx.typeMu.Unlock()
	return godwarf.ReadType(idx.dwarf, 0, off, idx.typeCache)
}

func (idx *Index) clearThumb(addr uint64) uint64 {
	if idx.thumb {
		return addr &^ 1
	}
	return addr
}
