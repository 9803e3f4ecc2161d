package dap

import (
	"context"

	"github.com/google/go-dap"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/proc"
	"gni.dev/probedap/internal/dbg/stack"
	"gni.dev/probedap/internal/dbg/target"
)

type stepKind int

const (
	stepOver stepKind = iota
	stepInto
	stepOut
)

func (k stepKind) String() string {
	return []string{"next", "stepIn", "stepOut"}[k]
}

// stepper is a source step in progress. While the core runs to a
// temporary breakpoint the stepper is kept in Session.step.
type stepper struct {
	kind  stepKind
	fn    *proc.Func
	loc   proc.Location
	steps int
	// temp is the address of the temporary breakpoint, zero if none.
	temp uint64
	// sp is the stack pointer the frame we wait for returns with. A hit
	// of temp with a lower stack pointer is a deeper recursive call.
	sp uint64
}

func (s *Session) onNext(ctx context.Context, req *dap.NextRequest) (dap.ResponseMessage, error) {
	if err := s.startStep(ctx, stepOver, req.Arguments.Granularity); err != nil {
		return nil, err
	}
	return &dap.NextResponse{Response: s.newResponse(&req.Request)}, nil
}

func (s *Session) onStepIn(ctx context.Context, req *dap.StepInRequest) (dap.ResponseMessage, error) {
	if err := s.startStep(ctx, stepInto, req.Arguments.Granularity); err != nil {
		return nil, err
	}
	return &dap.StepInResponse{Response: s.newResponse(&req.Request)}, nil
}

func (s *Session) onStepOut(ctx context.Context, req *dap.StepOutRequest) (dap.ResponseMessage, error) {
	if err := s.startStepOut(ctx); err != nil {
		return nil, err
	}
	return &dap.StepOutResponse{Response: s.newResponse(&req.Request)}, nil
}

// lineTable is what source stepping needs to know about the program.
type lineTable interface {
	FunctionAt(pc uint64) (*proc.Func, bool)
	AddressToLocation(pc uint64) (proc.Location, bool)
	IsStatement(pc uint64) bool
}

// lineTable returns nil when no program with line information is loaded.
func (s *Session) lineTable() lineTable {
	if s.lines != nil {
		return s.lines
	}
	if s.index == nil || !s.index.HasDebugInfo() {
		return nil
	}
	return s.index
}

func (s *Session) startStep(ctx context.Context, kind stepKind, granularity dap.SteppingGranularity) error {
	s.cancelStep(ctx)
	s.invalidate()
	lt := s.lineTable()
	if granularity == "instruction" || lt == nil {
		return s.stepInstruction(ctx)
	}
	pc, err := s.target.ReadRegister(ctx, dbg.RegPC)
	if err != nil {
		return err
	}
	st := &stepper{kind: kind}
	st.fn, _ = lt.FunctionAt(pc)
	st.loc, _ = lt.AddressToLocation(pc)
	return s.stepLine(ctx, st)
}

func (s *Session) stepInstruction(ctx context.Context) error {
	st, err := s.target.Step(ctx)
	if err != nil {
		return err
	}
	s.target.Announce(st)
	return nil
}

// stepLine single-steps until the core reaches the first instruction of
// another source line. Calls are stepped over by running to the return
// address.
func (s *Session) stepLine(ctx context.Context, st *stepper) error {
	lt := s.lineTable()
	limit := s.opts.Config.Session.StepLimit
	for ; st.steps < limit; st.steps++ {
		status, err := s.target.Step(ctx)
		if err != nil {
			return err
		}
		if status.Reason == dbg.HaltException {
			s.target.Announce(status)
			return nil
		}
		pc, err := s.target.ReadRegister(ctx, dbg.RegPC)
		if err != nil {
			return err
		}
		fn, hasFunc := lt.FunctionAt(pc)
		if hasFunc && pc == fn.Entry() && s.skipCall(st, fn) {
			return s.runToReturn(ctx, st)
		}
		if status.Reason == dbg.HaltBreakpoint || len(s.bps.Hit(pc)) > 0 {
			status.Reason = dbg.HaltBreakpoint
			s.target.Announce(status)
			return nil
		}
		loc, ok := lt.AddressToLocation(pc)
		if !ok {
			if hasFunc && fn != st.fn && !fn.HasDebugInfo() && st.kind != stepOut {
				// Returned or jumped into code without line information.
				s.target.Announce(status)
				return nil
			}
			continue
		}
		if !lt.IsStatement(pc) {
			continue
		}
		if loc.Line != st.loc.Line || loc.File != st.loc.File || (hasFunc && fn != st.fn) || pc == st.fnEntry() {
			s.target.Announce(status)
			return nil
		}
	}
	s.log.WithField("steps", st.steps).Warn("step limit reached")
	s.output("console", "step limit reached, stopping mid-line")
	s.target.Announce(dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltStep})
	return nil
}

func (st *stepper) fnEntry() uint64 {
	if st.fn == nil {
		return 0
	}
	return st.fn.Entry()
}

// skipCall reports whether a call into fn is run rather than stepped into.
func (s *Session) skipCall(st *stepper, fn *proc.Func) bool {
	switch st.kind {
	case stepInto:
		return !fn.HasDebugInfo()
	default:
		return true
	}
}

// runToReturn lets the called function run until it returns to its
// caller, then continues the step there.
func (s *Session) runToReturn(ctx context.Context, st *stepper) error {
	lr, err := s.target.ReadRegister(ctx, dbg.RegLR)
	if err != nil {
		return err
	}
	sp, err := s.target.ReadRegister(ctx, dbg.RegSP)
	if err != nil {
		return err
	}
	return s.runTo(ctx, st, lr&^1, sp)
}

func (s *Session) runTo(ctx context.Context, st *stepper, addr, sp uint64) error {
	if err := s.bps.InstallTemp(ctx, addr); err != nil {
		return err
	}
	st.temp = addr
	st.sp = sp
	s.step = st
	if err := s.target.Resume(ctx); err != nil {
		s.cancelStep(ctx)
		return err
	}
	s.state = stateRunning
	return nil
}

func (s *Session) startStepOut(ctx context.Context) error {
	s.cancelStep(ctx)
	frames, err := s.stackFrames(ctx)
	if err != nil {
		return err
	}
	s.invalidate()
	if len(frames) < 2 || frames[0].CFA == 0 {
		// Nothing to return to: finish like a line step.
		if s.lineTable() == nil {
			return s.stepInstruction(ctx)
		}
		st := &stepper{kind: stepOut, fn: frames[0].Func, loc: frames[0].Location}
		return s.stepLine(ctx, st)
	}
	st := &stepper{kind: stepOut, fn: frames[1].Func, loc: frames[1].Location}
	return s.runTo(ctx, st, frames[1].PC, frames[0].CFA)
}

// stepHalted handles a halt while a step is pending. It returns false
// when the halt must be reported as usual.
func (s *Session) stepHalted(ctx context.Context, ev target.Event, pc uint64) bool {
	st := s.step
	if ev.Status.Reason != dbg.HaltBreakpoint || pc != st.temp || len(s.bps.Hit(pc)) > 0 {
		s.cancelStep(ctx)
		return false
	}
	sp, err := s.target.ReadRegister(ctx, dbg.RegSP)
	if err != nil {
		s.cancelStep(ctx)
		return false
	}
	if sp < st.sp {
		// A deeper activation of the same function returned.
		if err := s.resumeStep(ctx); err != nil {
			s.stepFailed(ctx, err)
		}
		return true
	}
	s.cancelStep(ctx)
	if st.kind == stepOut {
		s.stopped(dap.StoppedEventBody{Reason: "step"})
		return true
	}
	if err := s.stepLine(ctx, st); err != nil {
		s.stepFailed(ctx, err)
	}
	return true
}

// resumeStep continues past the temporary breakpoint the core is sitting
// on.
func (s *Session) resumeStep(ctx context.Context) error {
	st := s.step
	if err := s.bps.RemoveTemp(ctx, st.temp); err != nil {
		return err
	}
	status, err := s.target.Step(ctx)
	if err != nil {
		return err
	}
	if status.Reason == dbg.HaltException {
		s.step = nil
		s.target.Announce(status)
		return nil
	}
	if err := s.bps.InstallTemp(ctx, st.temp); err != nil {
		return err
	}
	if err := s.target.Resume(ctx); err != nil {
		return err
	}
	s.state = stateRunning
	return nil
}

func (s *Session) stepFailed(ctx context.Context, err error) {
	s.log.WithError(err).Warn("step failed")
	s.cancelStep(ctx)
	if dbg.IsFatal(err) {
		s.terminate(ctx, err)
		return
	}
	s.output("stderr", "step failed: "+err.Error())
	s.target.Announce(dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltStep})
}

// cancelStep forgets a pending step and its temporary breakpoint.
func (s *Session) cancelStep(ctx context.Context) {
	st := s.step
	s.step = nil
	if st == nil || st.temp == 0 || s.target == nil || s.target.Dead() != nil {
		return
	}
	if err := s.bps.RemoveTemp(ctx, st.temp); err != nil {
		s.log.WithError(err).Debug("cannot remove temporary breakpoint")
	}
}

// stackFrames unwinds the stack of the halted core once per halt.
func (s *Session) stackFrames(ctx context.Context) ([]*stack.Frame, error) {
	if s.frames != nil {
		return s.frames, nil
	}
	regs := make(map[dbg.RegisterID]uint64, len(dbg.CoreRegisters))
	for _, r := range dbg.CoreRegisters {
		v, err := s.target.ReadRegister(ctx, r.ID)
		if err != nil {
			if r.ID > dbg.RegPC && !dbg.IsFatal(err) {
				continue
			}
			return nil, err
		}
		regs[r.ID] = v
	}
	depth := s.opts.Config.Session.MaxStackDepth
	s.frames = stack.Unwind(ctx, s.debugInfo(), s.target, regs, depth)
	return s.frames, nil
}
