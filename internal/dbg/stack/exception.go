package stack

import (
	"maps"
	"strconv"
)

// Cortex-M exception entry pushes r0-r3, r12, lr, pc and xPSR onto the
// active stack and loads LR with an EXC_RETURN value.
const (
	basicFrameSize    = 8 * 4
	extendedFrameSize = 26 * 4

	excReturnSPSEL  = 1 << 2
	excReturnFType  = 1 << 4
	xpsrStackAlign  = 1 << 9
	excReturnPrefix = 0xffffff00
)

var stackedRegs = []uint64{0, 1, 2, 3, 12, regLR, regPC}

func isExcReturn(v uint64) bool {
	return v&0xffffff00 == excReturnPrefix && v&0xf0 != 0
}

// exceptionFrame restores the registers of the code that was interrupted
// by the handler whose frame was just unwound.
func (u *unwinder) exceptionFrame(next Regs, excReturn uint64) (Regs, bool) {
	sp := next[regSP]
	if excReturn&excReturnSPSEL != 0 {
		sp = u.psp
	} else if sp == 0 {
		sp = u.msp
	}
	if sp == 0 {
		return nil, false
	}

	restored := maps.Clone(next)
	for i, reg := range stackedRegs {
		v, err := u.word(sp + uint64(i*4))
		if err != nil {
			log.WithError(err).WithField("sp", sp).Debug("cannot read exception frame")
			return nil, false
		}
		restored[reg] = v
	}
	xpsr, err := u.word(sp + 7*4)
	if err != nil {
		return nil, false
	}

	size := uint64(basicFrameSize)
	if excReturn&excReturnFType == 0 {
		size = extendedFrameSize
	}
	if xpsr&xpsrStackAlign != 0 {
		size += 4
	}
	restored[regSP] = sp + size
	restored[regPC] &^= 1
	return restored, true
}

// ExceptionNumber extracts the active exception number from xPSR; zero
// means thread mode.
func ExceptionNumber(xpsr uint64) int {
	return int(xpsr & 0x1ff)
}

var exceptionNames = map[int]string{
	1:  "Reset",
	2:  "NMI",
	3:  "HardFault",
	4:  "MemManage",
	5:  "BusFault",
	6:  "UsageFault",
	7:  "SecureFault",
	11: "SVCall",
	12: "DebugMonitor",
	14: "PendSV",
	15: "SysTick",
}

// ExceptionName names an exception number as reported in IPSR.
func ExceptionName(n int) string {
	if name, ok := exceptionNames[n]; ok {
		return name
	}
	if n >= 16 {
		return "IRQ" + strconv.Itoa(n-16)
	}
	return "Thread"
}
