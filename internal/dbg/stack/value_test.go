package stack

import (
	"context"
	"debug/dwarf"
	"testing"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/proc"
	"gni.dev/probedap/internal/dbg/test"
)

const (
	offInt dwarf.Offset = iota + 1
	offUint
	offBool
	offChar
	offPtr
	offName
	offPoint
	offMode
)

var (
	intType  = &godwarf.IntType{BasicType: godwarf.BasicType{CommonType: godwarf.CommonType{ByteSize: 4, Name: "int"}}}
	uintType = &godwarf.UintType{BasicType: godwarf.BasicType{CommonType: godwarf.CommonType{ByteSize: 4, Name: "unsigned int"}}}
	boolType = &godwarf.BoolType{BasicType: godwarf.BasicType{CommonType: godwarf.CommonType{ByteSize: 1, Name: "_Bool"}}}
	charType = &godwarf.CharType{BasicType: godwarf.BasicType{CommonType: godwarf.CommonType{ByteSize: 1, Name: "char"}}}
	modeType = &godwarf.EnumType{
		CommonType: godwarf.CommonType{ByteSize: 1, Name: "mode"},
		EnumName:   "mode",
		Val:        []*godwarf.EnumValue{{Name: "IDLE", Val: 0}, {Name: "RUN", Val: 1}},
	}
)

var types = map[dwarf.Offset]godwarf.Type{
	offInt:  intType,
	offUint: uintType,
	offBool: boolType,
	offChar: charType,
	offPtr:  &godwarf.PtrType{CommonType: godwarf.CommonType{ByteSize: 4}, Type: intType},
	offName: &godwarf.ArrayType{CommonType: godwarf.CommonType{ByteSize: 8}, Type: charType, Count: 8},
	offPoint: &godwarf.StructType{
		CommonType: godwarf.CommonType{ByteSize: 8, Name: "point"},
		StructName: "point",
		Kind:       "struct",
		Field: []*godwarf.StructField{
			{Name: "x", Type: intType, ByteOffset: 0},
			{Name: "flags", Type: uintType, ByteOffset: 4, ByteSize: 4, BitOffset: 28, BitSize: 4},
			{Name: "neg", Type: intType, ByteOffset: 4, ByteSize: 4, BitOffset: 24, BitSize: 4},
		},
	},
	offMode: modeType,
}

type fakeScope struct {
	vars    []*proc.Var
	globals []*proc.Var
}

func (s fakeScope) Variables(pc uint64) []*proc.Var { return s.vars }
func (s fakeScope) Globals() []*proc.Var           { return s.globals }

func (s fakeScope) Type(off dwarf.Offset) (godwarf.Type, error) {
	if t, ok := types[off]; ok {
		return t, nil
	}
	return nil, dwarf.DecodeError{Name: "info", Offset: off, Err: "no type"}
}

func fbreg(off byte) []byte { return []byte{0x91, off} }

func addr(a uint32) []byte {
	return []byte{0x03, byte(a), byte(a >> 8), byte(a >> 16), byte(a >> 24)}
}

func valueStrings(ctx context.Context, vals []*Value) map[string]string {
	out := make(map[string]string)
	for _, v := range vals {
		out[v.Name] = v.String(ctx)
	}
	return out
}

func names(vals []*Value) []string {
	var out []string
	for _, v := range vals {
		out = append(out, v.Name)
	}
	return out
}

func localsFrame(index int) (*Frame, fakeScope) {
	// DW_OP_call_frame_cfa
	f0 := proc.NewFuncFrame("f0", 0x100, 0x140, []byte{0x9c})
	scope := fakeScope{vars: []*proc.Var{
		{Name: "n", TypeOff: offInt, Location: fbreg(0x74), Param: true},
		{Name: "x", TypeOff: offInt, Location: fbreg(0x70)},
		// DW_OP_reg4
		{Name: "r", TypeOff: offInt, Location: []byte{0x54}},
		{Name: "gone", TypeOff: offInt},
		{Name: "x", TypeOff: offInt, Location: fbreg(0x6c)},
	}}
	fr := &Frame{
		Index: index,
		PC:    0x104,
		CFA:   stackTop + 8,
		Func:  f0,
		Regs:  Regs{4: 0xfffffffe, 13: stackTop},
	}
	return fr, scope
}

func TestLocals(t *testing.T) {
	ctx := context.Background()
	mem := test.NewProbe()
	mem.PutWord(stackTop-4, 5)
	mem.PutWord(stackTop-8, 1)
	mem.PutWord(stackTop-12, 0xfffffffd)

	fr, scope := localsFrame(0)
	vals := fr.Locals(ctx, scope, mem)
	assert.Equal(t, []string{"n", "r", "gone", "x"}, names(vals))
	assert.Equal(t, map[string]string{
		"n":    "5",
		"r":    "-2",
		"gone": "<optimized out>",
		"x":    "-3",
	}, valueStrings(ctx, vals))

	assert.True(t, vals[0].InMemory)
	assert.Equal(t, uint64(stackTop-4), vals[0].Addr)
	assert.True(t, vals[1].InRegister)
	assert.Equal(t, uint64(4), vals[1].Reg)
}

func TestAssign(t *testing.T) {
	ctx := context.Background()
	mem := test.NewProbe()

	fr, scope := localsFrame(0)
	vals := fr.Locals(ctx, scope, mem)
	require.NoError(t, vals[0].Assign(ctx, mem, "42"))
	assert.Equal(t, "42", fr.Locals(ctx, scope, mem)[0].String(ctx))

	require.NoError(t, vals[1].Assign(ctx, mem, "0x10"))
	assert.Equal(t, uint64(0x10), mem.Regs[dbg.RegisterID(4)])

	assert.Error(t, vals[0].Assign(ctx, mem, "true"))
	assert.Error(t, vals[2].Assign(ctx, mem, "1"))

	caller, scope := localsFrame(1)
	vals = caller.Locals(ctx, scope, mem)
	assert.Error(t, vals[1].Assign(ctx, mem, "1"))
}

func TestGlobals(t *testing.T) {
	ctx := context.Background()
	mem := test.NewProbe()
	mem.PutWord(0x20000000, 8)
	mem.PutWord(0x20000004, 0x20000000)
	copy8 := []byte("hi\x00\x00\x00\x00\x00\x00")
	require.NoError(t, mem.WriteMemory(ctx, 0x20000008, copy8))
	mem.PutWord(0x20000010, 0xfffffff9)
	mem.PutWord(0x20000014, 0xa3)
	mem.PutWord(0x20000018, 1)
	mem.PutWord(0x2000001c, 1)
	mem.PutWord(0x20000020, 'A')

	scope := fakeScope{globals: []*proc.Var{
		{Name: "counter", TypeOff: offInt, Location: addr(0x20000000)},
		{Name: "p", TypeOff: offPtr, Location: addr(0x20000004)},
		{Name: "name", TypeOff: offName, Location: addr(0x20000008)},
		{Name: "pt", TypeOff: offPoint, Location: addr(0x20000010)},
		{Name: "ready", TypeOff: offBool, Location: addr(0x20000018)},
		{Name: "mode", TypeOff: offMode, Location: addr(0x2000001c)},
		{Name: "c", TypeOff: offChar, Location: addr(0x20000020)},
		{Name: "broken", TypeOff: 99, Location: addr(0x20000000)},
	}}
	vals := Globals(ctx, scope, mem)
	strs := valueStrings(ctx, vals)
	assert.Equal(t, "8", strs["counter"])
	assert.Equal(t, "0x20000000", strs["p"])
	assert.Equal(t, `"hi"`, strs["name"])
	assert.Equal(t, "{...}", strs["pt"])
	assert.Equal(t, "true", strs["ready"])
	assert.Equal(t, "RUN", strs["mode"])
	assert.Equal(t, "65 'A'", strs["c"])
	assert.Contains(t, strs["broken"], "type")

	byName := make(map[string]*Value)
	for _, v := range vals {
		byName[v.Name] = v
	}

	assert.True(t, byName["p"].HasChildren())
	kids, err := byName["p"].Children(ctx)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "*p", kids[0].Name)
	assert.Equal(t, "8", kids[0].String(ctx))

	assert.False(t, byName["name"].HasChildren())

	kids, err = byName["pt"].Children(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"x":     "-7",
		"flags": "3",
		"neg":   "-6",
	}, valueStrings(ctx, kids))
}

func TestGlobalPointerChild(t *testing.T) {
	ctx := context.Background()
	mem := test.NewProbe()
	scope := fakeScope{}
	v := Global(ctx, scope, mem, &proc.Var{Name: "p", TypeOff: offPtr, Location: addr(0x20000004)})
	kids, err := v.Children(ctx)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "<nil pointer>", kids[0].String(ctx))
}
