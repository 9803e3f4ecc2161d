package disasm

import (
	"strings"

	"golang.org/x/arch/arm/armasm"
)

func decodeARM(code []byte, addr uint64) (Instruction, bool) {
	if len(code) < 4 {
		return Instruction{}, false
	}
	b := code[:4:4]
	inst, err := armasm.Decode(b, armasm.ModeARM)
	if err != nil {
		return invalid(addr, b), true
	}
	text := armasm.GNUSyntax(inst)
	mnemonic, operands, _ := strings.Cut(text, " ")
	out := Instruction{
		Address:  addr,
		Length:   inst.Len,
		Bytes:    code[:inst.Len:inst.Len],
		Mnemonic: mnemonic,
		Operands: strings.TrimSpace(operands),
	}
	if len(inst.Args) > 0 {
		// Only direct branches take a PC-relative operand.
		if pcrel, ok := inst.Args[0].(armasm.PCRel); ok {
			out.Target = uint64(int64(addr) + 8 + int64(pcrel))
		}
	}
	return out, true
}
