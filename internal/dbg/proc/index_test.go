package proc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/test"
)

func TestMain(m *testing.M) {
	os.Exit(test.Run(m))
}

func loadFixture(t *testing.T) *Index {
	idx, err := LoadFile(test.Build(t, "symbols"))
	require.NoError(t, err)
	return idx
}

var lineTests = []struct {
	file     string
	line     int
	wantLine int
	hasError bool
}{
	{file: "symbols.go", line: 28, wantLine: 28},
	{file: "fixtures/symbols.go", line: 28, wantLine: 28},
	// No code on a blank line: the next line with code is used.
	{file: "symbols.go", line: 24, wantLine: 25},
	{file: "symbols.go", line: 500, hasError: true},
	{file: "nosuchfile.go", line: 1, hasError: true},
}

func TestLineToPC(t *testing.T) {
	idx := loadFixture(t)

	for i, test := range lineTests {
		pc, loc, err := idx.LineToPC(test.file, test.line)
		if test.hasError {
			var uerr *dbg.UnresolvedLocationError
			assert.True(t, errors.As(err, &uerr), "test #%d", i)
			continue
		}
		require.NoError(t, err, "test #%d", i)
		assert.NotZero(t, pc, "test #%d", i)
		assert.Equal(t, test.wantLine, loc.Line, "test #%d", i)
		assert.Equal(t, "symbols.go", filepath.Base(loc.File), "test #%d", i)

		// The address maps back to the same line.
		back, ok := idx.AddressToLocation(pc)
		assert.True(t, ok, "test #%d", i)
		assert.Equal(t, test.wantLine, back.Line, "test #%d", i)
		assert.True(t, idx.IsStatement(pc), "test #%d", i)
	}
}

func TestFunctions(t *testing.T) {
	idx := loadFixture(t)

	pc, _, err := idx.LineToPC("symbols.go", 28)
	require.NoError(t, err)
	fn, ok := idx.FunctionAt(pc)
	require.True(t, ok)
	assert.Equal(t, "main.main", fn.Name())
	assert.Equal(t, "main", fn.BaseName())
	assert.True(t, fn.HasDebugInfo())

	loc, ok := idx.AddressToLocation(pc)
	require.True(t, ok)
	assert.Equal(t, "main.main", loc.Function)

	f2, ok := idx.LookupFunction("main.func2")
	require.True(t, ok)
	addr := idx.BreakAddress(f2)
	assert.True(t, f2.Contains(addr))
	assert.True(t, addr > f2.Entry(), "breakpoints go past the prologue")

	sym, ok := idx.LookupSymbol("main.main")
	require.True(t, ok)
	assert.Equal(t, fn.Entry(), sym.Addr)
	at, ok := idx.SymbolAt(sym.Addr + 1)
	assert.True(t, ok)
	assert.Equal(t, "main.main", at.Name)
}

func TestVariables(t *testing.T) {
	idx := loadFixture(t)

	f2, ok := idx.LookupFunction("main.func2")
	require.True(t, ok)
	vars := idx.Variables(idx.BreakAddress(f2))
	require.NotEmpty(t, vars)
	assert.Equal(t, "b", vars[0].Name)
	assert.True(t, vars[0].Param)

	typ, err := idx.Type(vars[0].TypeOff)
	require.NoError(t, err)
	_, isInt := typ.(*godwarf.IntType)
	assert.True(t, isInt, "%T", typ)
	assert.Equal(t, int64(8), typ.Size())

	g, ok := idx.LookupGlobal("main.counter")
	require.True(t, ok)
	assert.NotEmpty(t, g.Location)
}

func TestFrameInfo(t *testing.T) {
	idx := loadFixture(t)

	f2, ok := idx.LookupFunction("main.func2")
	require.True(t, ok)
	fctx, ok := idx.FrameInfo(idx.BreakAddress(f2))
	require.True(t, ok)
	assert.NotNil(t, fctx)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load([]byte("not an elf image"), "garbage.bin")
	var perr *dbg.FormatParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "ELF", perr.Format)
	assert.Equal(t, "garbage.bin", perr.Path)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.elf"))
	assert.Error(t, err)
}

func TestFileIndex(t *testing.T) {
	idx := &Index{fileIdx: make(map[string][]*fileInfo)}
	cu := &compileUnit{files: []*fileInfo{
		{name: "/build/app/src/main.c", lines: map[int][]uint64{3: {0x100}}},
		{name: "/build/lib/src/main.c", lines: map[int][]uint64{3: {0x200}}},
		{name: "startup.c", lines: map[int][]uint64{9: {0x300}}},
	}}
	cu.buildFileIdx(idx.fileIdx)

	f, err := idx.findFile("/home/me/app/src/main.c")
	require.NoError(t, err)
	assert.Equal(t, "/build/app/src/main.c", f.name)

	_, err = idx.findFile("main.c")
	var amb *ErrAmbiguous
	assert.True(t, errors.As(err, &amb))
	assert.Len(t, amb.Candidates, 2)

	f, err = idx.findFile("startup.c")
	require.NoError(t, err)
	assert.Equal(t, "startup.c", f.name)
}
