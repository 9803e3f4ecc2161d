package dap

import (
	"context"
	"fmt"
	"strings"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/stack"
	"gni.dev/probedap/internal/dbg/target"
)

// System control block registers of ARMv7-M and ARMv8-M.
const (
	regDEMCR = 0xe000edfc
	regCFSR  = 0xe000ed28
	regHFSR  = 0xe000ed2c
	regMMFAR = 0xe000ed34
	regBFAR  = 0xe000ed38
)

// DEMCR vector catch bits.
const (
	vcCoreReset = 1 << 0
	vcMMErr     = 1 << 4
	vcNoCPErr   = 1 << 5
	vcChkErr    = 1 << 6
	vcStatErr   = 1 << 7
	vcBusErr    = 1 << 8
	vcIntErr    = 1 << 9
	vcHardErr   = 1 << 10

	vcAll = vcCoreReset | vcMMErr | vcNoCPErr | vcChkErr | vcStatErr | vcBusErr | vcIntErr | vcHardErr
)

const (
	filterHardFault = "hardfault"
	filterFaults    = "faults"
	filterReset     = "reset"
)

var vectorCatch = map[string]uint32{
	filterHardFault: vcHardErr,
	filterFaults:    vcMMErr | vcNoCPErr | vcChkErr | vcStatErr | vcBusErr | vcIntErr | vcHardErr,
	filterReset:     vcCoreReset,
}

// applyExceptionFilters programs the vector catch bits of the selected
// filters. Without a target the filters are applied on attach.
func (s *Session) applyExceptionFilters(ctx context.Context) error {
	if s.target == nil {
		return nil
	}
	var bits uint32
	for _, f := range s.excFilters {
		bits |= vectorCatch[f]
	}
	demcr, err := s.target.ReadWord(ctx, regDEMCR)
	if err != nil {
		return err
	}
	next := demcr&^vcAll | bits
	if next == demcr {
		return nil
	}
	return s.target.WriteWord(ctx, regDEMCR, next)
}

type faultBit struct {
	bit  uint
	name string
}

var cfsrBits = []faultBit{
	{0, "IACCVIOL"}, {1, "DACCVIOL"}, {3, "MUNSTKERR"}, {4, "MSTKERR"}, {5, "MLSPERR"},
	{8, "IBUSERR"}, {9, "PRECISERR"}, {10, "IMPRECISERR"}, {11, "UNSTKERR"}, {12, "STKERR"}, {13, "LSPERR"},
	{16, "UNDEFINSTR"}, {17, "INVSTATE"}, {18, "INVPC"}, {19, "NOCP"}, {20, "STKOF"},
	{24, "UNALIGNED"}, {25, "DIVBYZERO"},
}

var hfsrBits = []faultBit{
	{1, "VECTTBL"}, {30, "FORCED"}, {31, "DEBUGEVT"},
}

const (
	cfsrMMARValid = 1 << 7
	cfsrBFARValid = 1 << 15
)

// faultStatus is a snapshot of the fault registers.
type faultStatus struct {
	exception        int
	cfsr, hfsr       uint32
	mmfar, bfar      uint32
	readFailed       bool
	probeDescription string
}

// text describes the fault in one line, e.g.
// "HardFault: FORCED; PRECISERR at 0x20010000".
func (f faultStatus) text() string {
	var b strings.Builder
	b.WriteString(stack.ExceptionName(f.exception))
	if f.readFailed {
		if f.probeDescription != "" {
			b.WriteString(": " + f.probeDescription)
		}
		return b.String()
	}
	var flags []string
	for _, fb := range hfsrBits {
		if f.hfsr&(1<<fb.bit) != 0 {
			flags = append(flags, fb.name)
		}
	}
	for _, fb := range cfsrBits {
		if f.cfsr&(1<<fb.bit) == 0 {
			continue
		}
		name := fb.name
		switch {
		case fb.name == "DACCVIOL" && f.cfsr&cfsrMMARValid != 0:
			name += fmt.Sprintf(" at 0x%08x", f.mmfar)
		case fb.name == "PRECISERR" && f.cfsr&cfsrBFARValid != 0:
			name += fmt.Sprintf(" at 0x%08x", f.bfar)
		}
		flags = append(flags, name)
	}
	if len(flags) > 0 {
		b.WriteString(": " + strings.Join(flags, "; "))
	}
	return b.String()
}

// describeFault reads the fault registers after an exception halt.
func (s *Session) describeFault(ctx context.Context, ev target.Event) (description, text string) {
	f := faultStatus{}
	if ev.Fault != nil {
		f.probeDescription = ev.Fault.Detail
	}
	xpsr, err := s.target.ReadRegister(ctx, dbg.RegXPSR)
	if err == nil {
		f.exception = stack.ExceptionNumber(xpsr)
	}
	words := []struct {
		addr uint64
		dst  *uint32
	}{{regCFSR, &f.cfsr}, {regHFSR, &f.hfsr}, {regMMFAR, &f.mmfar}, {regBFAR, &f.bfar}}
	for _, w := range words {
		if *w.dst, err = s.target.ReadWord(ctx, w.addr); err != nil {
			s.log.WithError(err).Debug("cannot read fault registers")
			f.readFailed = true
			break
		}
	}
	text = f.text()
	description = "Exception: " + stack.ExceptionName(f.exception)
	if f.exception == 0 && ev.Fault != nil {
		description = ev.Fault.Error()
	}
	return description, text
}
