package proc

import (
	"debug/elf"
	"sort"
	"strings"

	"github.com/go-faster/errors"
)

type SymbolKind int

const (
	SymbolFunc SymbolKind = iota
	SymbolObject
)

// Symbol is an ELF symbol with a known address.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
	Kind SymbolKind
}

func (idx *Index) loadSymbols(f *elf.File) error {
	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil
	}
	if err != nil {
		return err
	}

	idx.symByName = make(map[string]Symbol)
	for _, s := range syms {
		// '$t', '$d' and '$a' are ARM mapping symbols.
		if s.Name == "" || strings.HasPrefix(s.Name, "$") || s.Section == elf.SHN_UNDEF {
			continue
		}
		var sym Symbol
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC:
			sym = Symbol{Name: s.Name, Addr: idx.clearThumb(s.Value), Size: s.Size, Kind: SymbolFunc}
		case elf.STT_OBJECT:
			sym = Symbol{Name: s.Name, Addr: s.Value, Size: s.Size, Kind: SymbolObject}
		default:
			continue
		}
		idx.symbols = append(idx.symbols, sym)
		if _, dup := idx.symByName[sym.Name]; !dup || elf.ST_BIND(s.Info) == elf.STB_GLOBAL {
			idx.symByName[sym.Name] = sym
		}
	}
	sort.SliceStable(idx.symbols, func(i, j int) bool { return idx.symbols[i].Addr < idx.symbols[j].Addr })
	return nil
}

// addSymbolFuncs makes functions without debug info known by their symbol,
// so that stack frames in libraries still get a name.
func (idx *Index) addSymbolFuncs() {
	sort.Slice(idx.funcs, func(i, j int) bool { return idx.funcs[i].lowpc < idx.funcs[j].lowpc })
	var extra []*Func
	for _, s := range idx.symbols {
		if s.Kind != SymbolFunc || s.Size == 0 {
			continue
		}
		if _, ok := idx.FunctionAt(s.Addr); ok {
			continue
		}
		extra = append(extra, NewFunc(s.Name, s.Addr, s.Addr+s.Size))
	}
	if len(extra) == 0 {
		return
	}
	idx.funcs = append(idx.funcs, extra...)
	sort.Slice(idx.funcs, func(i, j int) bool { return idx.funcs[i].lowpc < idx.funcs[j].lowpc })
}

// SymbolAt returns the symbol covering addr.
func (idx *Index) SymbolAt(addr uint64) (Symbol, bool) {
	i := sort.Search(len(idx.symbols), func(i int) bool { return idx.symbols[i].Addr > addr }) - 1
	for ; i >= 0 && i < len(idx.symbols); i-- {
		s := idx.symbols[i]
		if s.Addr == addr || addr < s.Addr+s.Size {
			return s, true
		}
		if s.Size != 0 {
			break
		}
	}
	return Symbol{}, false
}

// LookupSymbol finds a symbol by name.
func (idx *Index) LookupSymbol(name string) (Symbol, bool) {
	s, ok := idx.symByName[name]
	return s, ok
}
