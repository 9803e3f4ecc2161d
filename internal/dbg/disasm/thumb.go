package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

var regNames = [16]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
}

var condNames = [16]string{
	"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le", "", "",
}

func reg(n uint16) string { return regNames[n&15] }

// isThumb32 reports whether a halfword starts a 32-bit instruction.
func isThumb32(hw uint16) bool {
	return hw>>11 == 0b11101 || hw>>11 == 0b11110 || hw>>11 == 0b11111
}

func decodeThumb(code []byte, addr uint64) (Instruction, bool) {
	if len(code) < 2 {
		return Instruction{}, false
	}
	hw := binary.LittleEndian.Uint16(code)
	if isThumb32(hw) {
		if len(code) < 4 {
			return Instruction{}, false
		}
		hw2 := binary.LittleEndian.Uint16(code[2:])
		inst := decodeThumb32(hw, hw2, addr)
		inst.Address = addr
		inst.Length = 4
		inst.Bytes = code[:4:4]
		return inst, true
	}
	inst := decodeThumb16(hw, addr)
	inst.Address = addr
	inst.Length = 2
	inst.Bytes = code[:2:2]
	return inst, true
}

func op(mnemonic, format string, args ...any) Instruction {
	return Instruction{Mnemonic: mnemonic, Operands: fmt.Sprintf(format, args...)}
}

func undecodable() Instruction {
	return Instruction{Mnemonic: "<invalid>", Invalid: true}
}

func decodeThumb16(hw uint16, addr uint64) Instruction {
	rd := hw & 7
	rn := (hw >> 3) & 7
	switch {
	case hw>>11 == 0b00011:
		rm := (hw >> 6) & 7
		mn := "adds"
		if hw&(1<<9) != 0 {
			mn = "subs"
		}
		if hw&(1<<10) != 0 {
			return op(mn, "%s, %s, #%d", reg(rd), reg(rn), rm)
		}
		return op(mn, "%s, %s, %s", reg(rd), reg(rn), reg(rm))

	case hw>>13 == 0b000:
		imm := (hw >> 6) & 31
		mn := [...]string{"lsls", "lsrs", "asrs"}[(hw>>11)&3]
		if hw>>11 == 0 && imm == 0 {
			return op("movs", "%s, %s", reg(rd), reg(rn))
		}
		if imm == 0 {
			imm = 32
		}
		return op(mn, "%s, %s, #%d", reg(rd), reg(rn), imm)

	case hw>>13 == 0b001:
		mn := [...]string{"movs", "cmp", "adds", "subs"}[(hw>>11)&3]
		return op(mn, "%s, #%d", reg((hw>>8)&7), hw&0xff)

	case hw>>10 == 0b010000:
		mn := [...]string{
			"ands", "eors", "lsls", "lsrs", "asrs", "adcs", "sbcs", "rors",
			"tst", "rsbs", "cmp", "cmn", "orrs", "muls", "bics", "mvns",
		}[(hw>>6)&15]
		if mn == "rsbs" {
			return op(mn, "%s, %s, #0", reg(rd), reg(rn))
		}
		return op(mn, "%s, %s", reg(rd), reg(rn))

	case hw>>10 == 0b010001:
		rdn := hw&7 | (hw>>4)&8
		rm := (hw >> 3) & 15
		switch (hw >> 8) & 3 {
		case 0:
			return op("add", "%s, %s", reg(rdn), reg(rm))
		case 1:
			return op("cmp", "%s, %s", reg(rdn), reg(rm))
		case 2:
			if rdn == 8 && rm == 8 {
				return op("nop", "")
			}
			return op("mov", "%s, %s", reg(rdn), reg(rm))
		default:
			if hw&7 != 0 {
				return undecodable()
			}
			if hw&(1<<7) != 0 {
				return op("blx", "%s", reg(rm))
			}
			return op("bx", "%s", reg(rm))
		}

	case hw>>11 == 0b01001:
		imm := uint64(hw&0xff) << 2
		target := (addr+4)&^3 + imm
		inst := op("ldr", "%s, [pc, #%d]", reg((hw>>8)&7), imm)
		inst.Target = target
		return inst

	case hw>>12 == 0b0101:
		rm := (hw >> 6) & 7
		mn := [...]string{"str", "strh", "strb", "ldrsb", "ldr", "ldrh", "ldrb", "ldrsh"}[(hw>>9)&7]
		return op(mn, "%s, [%s, %s]", reg(rd), reg(rn), reg(rm))

	case hw>>13 == 0b011:
		imm := (hw >> 6) & 31
		switch (hw >> 11) & 3 {
		case 0:
			return op("str", "%s, [%s, #%d]", reg(rd), reg(rn), imm*4)
		case 1:
			return op("ldr", "%s, [%s, #%d]", reg(rd), reg(rn), imm*4)
		case 2:
			return op("strb", "%s, [%s, #%d]", reg(rd), reg(rn), imm)
		default:
			return op("ldrb", "%s, [%s, #%d]", reg(rd), reg(rn), imm)
		}

	case hw>>12 == 0b1000:
		imm := ((hw >> 6) & 31) * 2
		mn := "strh"
		if hw&(1<<11) != 0 {
			mn = "ldrh"
		}
		return op(mn, "%s, [%s, #%d]", reg(rd), reg(rn), imm)

	case hw>>12 == 0b1001:
		mn := "str"
		if hw&(1<<11) != 0 {
			mn = "ldr"
		}
		return op(mn, "%s, [sp, #%d]", reg((hw>>8)&7), (hw&0xff)*4)

	case hw>>12 == 0b1010:
		imm := uint64(hw&0xff) << 2
		if hw&(1<<11) != 0 {
			return op("add", "%s, sp, #%d", reg((hw>>8)&7), imm)
		}
		inst := op("adr", "%s, #%d", reg((hw>>8)&7), imm)
		inst.Target = (addr+4)&^3 + imm
		return inst

	case hw>>12 == 0b1011:
		return decodeMisc(hw, addr)

	case hw>>12 == 0b1100:
		mn := "stmia"
		rn := (hw >> 8) & 7
		wb := "!"
		if hw&(1<<11) != 0 {
			mn = "ldmia"
			if hw&(1<<rn) != 0 {
				wb = ""
			}
		}
		return op(mn, "%s%s, %s", reg(rn), wb, regList(hw&0xff))

	case hw>>12 == 0b1101:
		cond := (hw >> 8) & 15
		switch cond {
		case 14:
			return op("udf", "#%d", hw&0xff)
		case 15:
			return op("svc", "#%d", hw&0xff)
		}
		off := int64(int8(hw&0xff)) * 2
		inst := op("b"+condNames[cond], "")
		inst.Target = uint64(int64(addr) + 4 + off)
		inst.Operands = fmt.Sprintf("0x%x", inst.Target)
		return inst

	case hw>>11 == 0b11100:
		off := int64(int16(hw<<5)>>5) * 2
		inst := op("b", "")
		inst.Target = uint64(int64(addr) + 4 + off)
		inst.Operands = fmt.Sprintf("0x%x", inst.Target)
		return inst
	}
	return undecodable()
}

// decodeMisc decodes the 1011 xxxx group.
func decodeMisc(hw uint16, addr uint64) Instruction {
	switch {
	case hw>>8 == 0xb0:
		mn := "add"
		if hw&(1<<7) != 0 {
			mn = "sub"
		}
		return op(mn, "sp, #%d", (hw&0x7f)*4)

	case hw>>8&0b0101 == 0b0001:
		mn := "cbz"
		if hw&(1<<11) != 0 {
			mn = "cbnz"
		}
		off := uint64((hw>>3)&0x1f)<<1 | uint64((hw>>9)&1)<<6
		inst := op(mn, "")
		inst.Target = addr + 4 + off
		inst.Operands = fmt.Sprintf("%s, 0x%x", reg(hw&7), inst.Target)
		return inst

	case hw>>8 == 0xb2:
		mn := [...]string{"sxth", "sxtb", "uxth", "uxtb"}[(hw>>6)&3]
		return op(mn, "%s, %s", reg(hw&7), reg((hw>>3)&7))

	case hw>>9 == 0b1011010:
		list := hw & 0xff
		if hw&(1<<8) != 0 {
			list |= 1 << 14
		}
		return op("push", "%s", regList(list))

	case hw>>9 == 0b1011110:
		list := hw & 0xff
		if hw&(1<<8) != 0 {
			list |= 1 << 15
		}
		return op("pop", "%s", regList(list))

	case hw&0xffe8 == 0xb660:
		mn := "cpsie"
		if hw&(1<<4) != 0 {
			mn = "cpsid"
		}
		var flags string
		if hw&2 != 0 {
			flags += "i"
		}
		if hw&1 != 0 {
			flags += "f"
		}
		return op(mn, "%s", flags)

	case hw>>8 == 0xba:
		switch (hw >> 6) & 3 {
		case 0:
			return op("rev", "%s, %s", reg(hw&7), reg((hw>>3)&7))
		case 1:
			return op("rev16", "%s, %s", reg(hw&7), reg((hw>>3)&7))
		case 3:
			return op("revsh", "%s, %s", reg(hw&7), reg((hw>>3)&7))
		}

	case hw>>8 == 0xbe:
		return op("bkpt", "0x%04x", hw&0xff)

	case hw>>8 == 0xbf:
		if hw&0xf != 0 {
			return decodeIT(hw)
		}
		switch (hw >> 4) & 0xf {
		case 0:
			return op("nop", "")
		case 1:
			return op("yield", "")
		case 2:
			return op("wfe", "")
		case 3:
			return op("wfi", "")
		case 4:
			return op("sev", "")
		}
	}
	return undecodable()
}

func decodeIT(hw uint16) Instruction {
	first := (hw >> 4) & 15
	mask := hw & 15
	if first == 15 || (first == 14 && mask&(mask-1) != 0) {
		return undecodable()
	}
	var suffix strings.Builder
	end := 0
	for mask&(1<<end) == 0 {
		end++
	}
	for bit := 3; bit > end; bit-- {
		if (mask>>bit)&1 == first&1 {
			suffix.WriteByte('t')
		} else {
			suffix.WriteByte('e')
		}
	}
	cond := condNames[first]
	if first == 14 {
		cond = "al"
	}
	return op("it"+suffix.String(), "%s", cond)
}

func regList(list uint16) string {
	var names []string
	for i := uint16(0); i < 16; i++ {
		if list&(1<<i) != 0 {
			names = append(names, reg(i))
		}
	}
	return "{" + strings.Join(names, ", ") + "}"
}

func decodeThumb32(hw1, hw2 uint16, addr uint64) Instruction {
	switch {
	// BL, B.W
	case hw1>>11 == 0b11110 && hw2>>14 == 0b11 && hw2&(1<<12) != 0:
		inst := op("bl", "")
		inst.Target = branchTarget(hw1, hw2, addr)
		inst.Operands = fmt.Sprintf("0x%x", inst.Target)
		return inst
	case hw1>>11 == 0b11110 && hw2>>14 == 0b10 && hw2&(1<<12) != 0:
		inst := op("b.w", "")
		inst.Target = branchTarget(hw1, hw2, addr)
		inst.Operands = fmt.Sprintf("0x%x", inst.Target)
		return inst
	case hw1>>11 == 0b11110 && hw2>>14 == 0b10 && hw2&(1<<12) == 0 && (hw1>>6)&15 < 14:
		cond := (hw1 >> 6) & 15
		s := int64(hw1>>10) & 1
		imm := s<<20 | int64((hw2>>11)&1)<<19 | int64((hw2>>13)&1)<<18 | int64(hw1&0x3f)<<12 | int64(hw2&0x7ff)<<1
		imm = imm << 43 >> 43
		inst := op("b"+condNames[cond]+".w", "")
		inst.Target = uint64(int64(addr) + 4 + imm)
		inst.Operands = fmt.Sprintf("0x%x", inst.Target)
		return inst

	// MOVW, MOVT
	case hw1&0xfbf0 == 0xf240 && hw2>>15 == 0, hw1&0xfbf0 == 0xf2c0 && hw2>>15 == 0:
		imm := uint32(hw1&0xf)<<12 | uint32((hw1>>10)&1)<<11 | uint32((hw2>>12)&7)<<8 | uint32(hw2&0xff)
		mn := "movw"
		if hw1&0xfbf0 == 0xf2c0 {
			mn = "movt"
		}
		return op(mn, "%s, #0x%x", reg((hw2>>8)&15), imm)

	// LDR.W, STR.W, LDRB.W, STRB.W, LDRH.W, STRH.W with imm12
	case hw1&0xff00 == 0xf800 && (hw1>>7)&1 == 1 && (hw1>>4)&7 != 7:
		mn := [...]string{"strb.w", "ldrb.w", "strh.w", "ldrh.w", "str.w", "ldr.w", "", ""}[(hw1>>4)&7]
		if mn == "" {
			break
		}
		return op(mn, "%s, [%s, #%d]", reg(hw2>>12), reg(hw1), hw2&0xfff)

	// PUSH.W, POP.W
	case hw1 == 0xe92d:
		return op("push.w", "%s", regList(hw2))
	case hw1 == 0xe8bd:
		return op("pop.w", "%s", regList(hw2))

	// MRS, MSR
	case hw1 == 0xf3ef && hw2&0xf000 == 0x8000:
		return op("mrs", "%s, %s", reg((hw2>>8)&15), sysReg(hw2&0xff))
	case hw1&0xfff0 == 0xf380 && hw2&0xff00 == 0x8800:
		return op("msr", "%s, %s", sysReg(hw2&0xff), reg(hw1))

	// Barriers
	case hw1 == 0xf3bf && hw2&0xfff0 == 0x8f40:
		return op("dsb", "%s", barrierOpt(hw2&15))
	case hw1 == 0xf3bf && hw2&0xfff0 == 0x8f50:
		return op("dmb", "%s", barrierOpt(hw2&15))
	case hw1 == 0xf3bf && hw2&0xfff0 == 0x8f60:
		return op("isb", "%s", barrierOpt(hw2&15))

	case hw1&0xfff0 == 0xf7f0 && hw2&0xf000 == 0xa000:
		return op("udf.w", "#%d", uint32(hw1&0xf)<<12|uint32(hw2&0xfff))
	}
	return op(".inst.w", "0x%04x%04x", hw1, hw2)
}

// branchTarget decodes the 25-bit offset of BL and B.W.
func branchTarget(hw1, hw2 uint16, addr uint64) uint64 {
	s := uint32(hw1>>10) & 1
	j1 := uint32(hw2>>13) & 1
	j2 := uint32(hw2>>11) & 1
	i1 := ^(j1 ^ s) & 1
	i2 := ^(j2 ^ s) & 1
	imm := s<<24 | i1<<23 | i2<<22 | uint32(hw1&0x3ff)<<12 | uint32(hw2&0x7ff)<<1
	off := int64(int32(imm<<7) >> 7)
	return uint64(int64(addr) + 4 + off)
}

func sysReg(n uint16) string {
	switch n {
	case 0:
		return "apsr"
	case 1:
		return "iapsr"
	case 2:
		return "eapsr"
	case 3:
		return "xpsr"
	case 5:
		return "ipsr"
	case 6:
		return "epsr"
	case 7:
		return "iepsr"
	case 8:
		return "msp"
	case 9:
		return "psp"
	case 10:
		return "msplim"
	case 11:
		return "psplim"
	case 16:
		return "primask"
	case 17:
		return "basepri"
	case 18:
		return "basepri_max"
	case 19:
		return "faultmask"
	case 20:
		return "control"
	}
	return fmt.Sprintf("sysm%d", n)
}

func barrierOpt(o uint16) string {
	if o == 15 {
		return "sy"
	}
	return fmt.Sprintf("#%d", o)
}
