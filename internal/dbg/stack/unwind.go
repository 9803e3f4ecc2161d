// Package stack reconstructs the call stack of a halted core and evaluates
// the variables visible in each frame.
package stack

import (
	"context"
	"encoding/binary"
	"maps"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/op"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/proc"
	"gni.dev/probedap/internal/logging"
)

var log = logging.Module("stack")

const (
	regFP = uint64(dbg.RegR7)
	regSP = uint64(dbg.RegSP)
	regLR = uint64(dbg.RegLR)
	regPC = uint64(dbg.RegPC)

	ptrSize = 4
)

// DebugInfo is what the unwinder needs to know about the program.
type DebugInfo interface {
	FunctionAt(pc uint64) (*proc.Func, bool)
	AddressToLocation(pc uint64) (proc.Location, bool)
	FrameInfo(pc uint64) (*frame.FrameContext, bool)
}

// NoDebugInfo stands in for the program when none is loaded. Only the
// innermost frame and its caller through lr can be recovered.
type NoDebugInfo struct{}

func (NoDebugInfo) FunctionAt(uint64) (*proc.Func, bool)           { return nil, false }
func (NoDebugInfo) AddressToLocation(uint64) (proc.Location, bool) { return proc.Location{}, false }
func (NoDebugInfo) FrameInfo(uint64) (*frame.FrameContext, bool)   { return nil, false }

// Memory reads target memory. target.Session implements it.
type Memory interface {
	ReadMemory(ctx context.Context, addr uint64, p []byte) error
}

// Regs holds register values keyed by DWARF register number.
type Regs map[uint64]uint64

// Frame is one activation record of the call stack.
type Frame struct {
	Index int
	PC    uint64
	// CFA is the canonical frame address, zero if it could not be computed.
	CFA uint64
	// Func is nil when the PC is not inside any known function.
	Func     *proc.Func
	Location proc.Location
	HasLine  bool
	// Interrupted marks a frame that was preempted by an exception; the
	// frame above it is the handler.
	Interrupted bool
	Regs        Regs
}

// Name returns the function name of the frame.
func (f *Frame) Name() string {
	if f.Func == nil {
		return "??"
	}
	return f.Func.Name()
}

// lookupPC is the address used for line and scope queries. Caller frames
// hold a return address, which may already belong to the next line or to
// a different function.
func (f *Frame) lookupPC() uint64 {
	if f.Index > 0 && !f.Interrupted && f.PC > 0 {
		return f.PC - 1
	}
	return f.PC
}

// Unwind walks the stack starting from the registers of the halted core.
// regs is keyed by dbg.RegisterID and must hold at least r0-r15; xPSR, MSP
// and PSP are used for exception frames when present. The walk stops at
// maxDepth frames, at a zero or unchanged return address, or when a caller
// PC is outside every known function. Frame 0 is always returned.
func Unwind(ctx context.Context, info DebugInfo, mem Memory, regs map[dbg.RegisterID]uint64, maxDepth int) []*Frame {
	cur := make(Regs, 16)
	for id := dbg.RegisterID(0); id <= dbg.RegPC; id++ {
		cur[uint64(id)] = regs[id]
	}
	u := &unwinder{ctx: ctx, info: info, mem: mem, psp: regs[dbg.RegPSP], msp: regs[dbg.RegMSP]}

	var frames []*Frame
	interrupted := false
	for i := 0; i < maxDepth; i++ {
		pc := cur[regPC]
		fn, ok := info.FunctionAt(pc)
		if !ok && i > 0 {
			break
		}
		f := &Frame{Index: i, PC: pc, Func: fn, Interrupted: interrupted, Regs: cur}
		f.Location, f.HasLine = info.AddressToLocation(f.lookupPC())
		frames = append(frames, f)

		next, ret, ok := u.step(f)
		if !ok || ret == 0 {
			break
		}
		interrupted = false
		if isExcReturn(ret) {
			if next, ok = u.exceptionFrame(next, ret); !ok {
				break
			}
			interrupted = true
		} else {
			next[regPC] = ret &^ 1
		}
		if next[regPC] == 0 || (next[regPC] == pc && next[regSP] == cur[regSP]) {
			break
		}
		cur = next
	}
	return frames
}

type unwinder struct {
	ctx      context.Context
	info     DebugInfo
	mem      Memory
	psp, msp uint64
}

// step computes the caller registers of f and the raw return address.
func (u *unwinder) step(f *Frame) (Regs, uint64, bool) {
	if fctx, ok := u.info.FrameInfo(f.lookupPC()); ok {
		if next, ret, ok := u.applyCFI(f, fctx); ok {
			return next, ret, true
		}
	}
	if f.Index == 0 {
		next := maps.Clone(f.Regs)
		return next, f.Regs[regLR], true
	}
	return u.framePointer(f)
}

func (u *unwinder) applyCFI(f *Frame, fctx *frame.FrameContext) (Regs, uint64, bool) {
	var cfa uint64
	switch fctx.CFA.Rule {
	case frame.RuleCFA:
		cfa = uint64(int64(f.Regs[fctx.CFA.Reg]) + fctx.CFA.Offset)
	case frame.RuleExpression:
		v, err := u.eval(f.Regs, 0, fctx.CFA.Expression)
		if err != nil {
			log.WithError(err).WithField("pc", f.PC).Debug("cannot evaluate CFA")
			return nil, 0, false
		}
		cfa = v
	default:
		return nil, 0, false
	}
	f.CFA = cfa

	next := maps.Clone(f.Regs)
	for reg, rule := range fctx.Regs {
		switch rule.Rule {
		case frame.RuleUndefined:
			delete(next, reg)
		case frame.RuleSameVal:
		case frame.RuleOffset:
			v, err := u.word(uint64(int64(cfa) + rule.Offset))
			if err != nil {
				return nil, 0, false
			}
			next[reg] = v
		case frame.RuleValOffset:
			next[reg] = uint64(int64(cfa) + rule.Offset)
		case frame.RuleRegister:
			next[reg] = f.Regs[rule.Reg]
		case frame.RuleExpression:
			addr, err := u.eval(f.Regs, cfa, rule.Expression)
			if err != nil {
				return nil, 0, false
			}
			v, err := u.word(addr)
			if err != nil {
				return nil, 0, false
			}
			next[reg] = v
		case frame.RuleValExpression:
			v, err := u.eval(f.Regs, cfa, rule.Expression)
			if err != nil {
				return nil, 0, false
			}
			next[reg] = v
		}
	}
	next[regSP] = cfa

	retReg := fctx.RetAddrReg
	if retReg == 0 {
		retReg = regLR
	}
	ret, ok := next[retReg]
	if !ok {
		return nil, 0, false
	}
	if _, saved := fctx.Regs[retReg]; !saved && f.Index > 0 {
		// A caller frame whose return address was never saved would
		// reuse the LR of its callee.
		return nil, 0, false
	}
	return next, ret, true
}

// framePointer follows the r7 chain that Thumb code built with frame
// pointers keeps: r7 points at the saved {r7, lr} pair.
func (u *unwinder) framePointer(f *Frame) (Regs, uint64, bool) {
	fp := f.Regs[regFP]
	if fp == 0 || fp%4 != 0 || fp < f.Regs[regSP] {
		return nil, 0, false
	}
	savedFP, err := u.word(fp)
	if err != nil {
		return nil, 0, false
	}
	ret, err := u.word(fp + 4)
	if err != nil {
		return nil, 0, false
	}
	next := maps.Clone(f.Regs)
	next[regFP] = savedFP
	next[regSP] = fp + 8
	next[regLR] = ret
	return next, ret, true
}

func (u *unwinder) word(addr uint64) (uint64, error) {
	var b [4]byte
	if err := u.mem.ReadMemory(u.ctx, addr, b[:]); err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint32(b[:])), nil
}

func (u *unwinder) eval(regs Regs, cfa uint64, expr []byte) (uint64, error) {
	dr := dwarfRegisters(regs)
	dr.CFA = int64(cfa)
	v, _, err := op.ExecuteStackProgram(*dr, expr, ptrSize, u.readFunc())
	return uint64(v), err
}

func (u *unwinder) readFunc() func([]byte, uint64) (int, error) {
	return readFunc(u.ctx, u.mem)
}

func readFunc(ctx context.Context, mem Memory) func([]byte, uint64) (int, error) {
	return func(p []byte, addr uint64) (int, error) {
		if err := mem.ReadMemory(ctx, addr, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
}

func dwarfRegisters(regs Regs) *op.DwarfRegisters {
	dregs := make([]*op.DwarfRegister, 16)
	for n, v := range regs {
		if n < uint64(len(dregs)) {
			dregs[n] = op.DwarfRegisterFromUint64(v)
		}
	}
	return op.NewDwarfRegisters(0, dregs, binary.LittleEndian, regPC, regSP, regFP, regLR)
}
