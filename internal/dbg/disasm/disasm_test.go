package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var thumbTests = []struct {
	code    []byte
	want    string
	length  int
	target  uint64
	invalid bool
}{
	{code: []byte{0x80, 0xb5}, want: "push {r7, lr}", length: 2},
	{code: []byte{0x00, 0xaf}, want: "add r7, sp, #0", length: 2},
	{code: []byte{0x00, 0xf0, 0x02, 0xf8}, want: "bl 0x8000108", length: 4, target: 0x08000108},
	{code: []byte{0x41, 0xf2, 0x34, 0x20}, want: "movw r0, #0x1234", length: 4},
	{code: []byte{0x80, 0xbd}, want: "pop {r7, pc}", length: 2},
	{code: []byte{0x70, 0x47}, want: "bx lr", length: 2},
	{code: []byte{0xfe, 0xe7}, want: "b 0x8000100", length: 2, target: 0x08000100},
	{code: []byte{0x01, 0x20}, want: "movs r0, #1", length: 2},
	{code: []byte{0x9b, 0x68}, want: "ldr r3, [r3, #8]", length: 2},
	{code: []byte{0x00, 0xbe}, want: "bkpt 0x0000", length: 2},
	{code: []byte{0x18, 0xbf}, want: "it ne", length: 2},
	{code: []byte{0x0c, 0xbf}, want: "ite eq", length: 2},
	{code: []byte{0x72, 0xb6}, want: "cpsid i", length: 2},
	{code: []byte{0xef, 0xf3, 0x09, 0x80}, want: "mrs r0, psp", length: 4},
	{code: []byte{0xbf, 0xf3, 0x4f, 0x8f}, want: "dsb sy", length: 4},
	{code: []byte{0xd3, 0xf8, 0x04, 0x21}, want: "ldr.w r2, [r3, #260]", length: 4},
	{code: []byte{0x2d, 0xe9, 0xf0, 0x41}, want: "push.w {r4, r5, r6, r7, r8, lr}", length: 4},
	{code: []byte{0x00, 0xb7}, want: "<invalid>", length: 2, invalid: true},
}

func TestThumb(t *testing.T) {
	for i, test := range thumbTests {
		insts, truncated := Disassemble(test.code, 0x08000100, 0, ModeThumb)
		require.False(t, truncated, "test #%d", i)
		require.Len(t, insts, 1, "test #%d", i)

		inst := insts[0]
		assert.Equal(t, test.want, inst.String(), "test #%d", i)
		assert.Equal(t, test.length, inst.Length, "test #%d", i)
		assert.Equal(t, test.code, inst.Bytes, "test #%d", i)
		assert.Equal(t, test.target, inst.Target, "test #%d", i)
		assert.Equal(t, test.invalid, inst.Invalid, "test #%d", i)
		assert.Equal(t, uint64(0x08000100), inst.Address, "test #%d", i)
	}
}

func TestThumbStream(t *testing.T) {
	var code []byte
	for _, test := range thumbTests {
		code = append(code, test.code...)
	}

	insts, truncated := Disassemble(code, 0x1000, 0, ModeThumb)
	assert.False(t, truncated)
	assert.Len(t, insts, len(thumbTests))

	total := 0
	next := uint64(0x1000)
	for _, inst := range insts {
		assert.Equal(t, next, inst.Address)
		next += uint64(inst.Length)
		total += inst.Length
	}
	assert.Equal(t, len(code), total)

	insts, truncated = Disassemble(code, 0x1000, 3, ModeThumb)
	assert.False(t, truncated)
	assert.Len(t, insts, 3)
}

var truncatedTests = []struct {
	code []byte
	mode Mode
	want int
}{
	{code: []byte{0x00, 0xf0}, mode: ModeThumb, want: 0},
	{code: []byte{0x80, 0xb5, 0x00, 0xf0, 0x02}, mode: ModeThumb, want: 1},
	{code: []byte{0x80}, mode: ModeThumb, want: 0},
	{code: []byte{0x1e, 0xff, 0x2f}, mode: ModeARM, want: 0},
	{code: []byte{0x1e, 0xff, 0x2f, 0xe1, 0x00}, mode: ModeARM, want: 1},
}

func TestTruncated(t *testing.T) {
	for i, test := range truncatedTests {
		insts, truncated := Disassemble(test.code, 0, 0, test.mode)
		assert.True(t, truncated, "test #%d", i)
		assert.Len(t, insts, test.want, "test #%d", i)
	}
}

func TestARM(t *testing.T) {
	code := []byte{
		0x1e, 0xff, 0x2f, 0xe1, // bx lr
		0xff, 0xff, 0xff, 0xff,
	}
	insts, truncated := Disassemble(code, 0x100, 0, ModeARM)
	assert.False(t, truncated)
	require.Len(t, insts, 2)
	assert.Equal(t, "bx", insts[0].Mnemonic)
	assert.Equal(t, "lr", insts[0].Operands)
	assert.Equal(t, 4, insts[1].Length)
	assert.Equal(t, uint64(0x104), insts[1].Address)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("ARM")
	assert.NoError(t, err)
	assert.Equal(t, ModeARM, m)
	assert.Equal(t, 4, m.MinLength())

	m, err = ParseMode("")
	assert.NoError(t, err)
	assert.Equal(t, ModeThumb, m)

	_, err = ParseMode("riscv")
	assert.Error(t, err)
}

func TestHex(t *testing.T) {
	insts, _ := Disassemble([]byte{0x00, 0xf0, 0x02, 0xf8}, 0, 1, ModeThumb)
	require.Len(t, insts, 1)
	assert.Equal(t, "f000f802", insts[0].Hex())
}
