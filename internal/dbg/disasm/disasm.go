// Package disasm turns target memory into instructions for display.
package disasm

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

type Mode int

const (
	ModeThumb Mode = iota
	ModeARM
)

func (m Mode) String() string {
	if m == ModeARM {
		return "arm"
	}
	return "thumb"
}

// ParseMode reads an instruction set name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "thumb", "thumb2", "t32":
		return ModeThumb, nil
	case "arm", "a32":
		return ModeARM, nil
	}
	return 0, errors.Errorf("unknown instruction set %q", s)
}

// MinLength is the length of the shortest instruction, which is also the
// length of an undecodable one.
func (m Mode) MinLength() int {
	if m == ModeARM {
		return 4
	}
	return 2
}

type Instruction struct {
	Address  uint64
	Length   int
	Bytes    []byte
	Mnemonic string
	Operands string
	Invalid  bool
	// Target is the destination of a direct branch, zero otherwise.
	Target uint64
}

func (i Instruction) String() string {
	if i.Operands == "" {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.Operands
}

// Hex returns the instruction bytes as the core fetches them, halfword by
// halfword in Thumb mode.
func (i Instruction) Hex() string {
	var sb strings.Builder
	for j := 0; j+1 < len(i.Bytes); j += 2 {
		if j > 0 && i.Length == 2 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x%02x", i.Bytes[j+1], i.Bytes[j])
	}
	return sb.String()
}

func invalid(addr uint64, b []byte) Instruction {
	return Instruction{Address: addr, Length: len(b), Bytes: b, Mnemonic: "<invalid>", Invalid: true}
}

// Disassemble decodes up to count instructions from code, which was read
// at base. A count of zero or less decodes all of code. truncated reports
// that code ended in the middle of an instruction; the partial instruction
// is not returned.
func Disassemble(code []byte, base uint64, count int, mode Mode) (insts []Instruction, truncated bool) {
	for off := 0; off < len(code); {
		if count > 0 && len(insts) == count {
			return insts, false
		}
		addr := base + uint64(off)

		var (
			inst Instruction
			ok   bool
		)
		if mode == ModeARM {
			inst, ok = decodeARM(code[off:], addr)
		} else {
			inst, ok = decodeThumb(code[off:], addr)
		}
		if !ok {
			return insts, true
		}
		insts = append(insts, inst)
		off += inst.Length
	}
	return insts, false
}
