package dap

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/go-dap"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/breakpoint"
	"gni.dev/probedap/internal/dbg/target"
)

var exceptionFilters = []dap.ExceptionBreakpointsFilter{
	{Filter: filterHardFault, Label: "Hard fault", Description: "Halt when the core escalates to HardFault"},
	{Filter: filterFaults, Label: "All faults", Description: "Halt on MemManage, BusFault, UsageFault and HardFault"},
	{Filter: filterReset, Label: "Reset", Description: "Halt on core reset"},
}

func (s *Session) onInitialize(ctx context.Context, req *dap.InitializeRequest) (dap.ResponseMessage, error) {
	s.log.WithField("client", req.Arguments.ClientID).WithField("adapter", req.Arguments.AdapterID).Info("initialize")
	s.state = stateInitializing
	s.afterResponse(func(context.Context) {
		s.sendEvent(&dap.InitializedEvent{Event: s.newEvent("initialized")})
	})
	return &dap.InitializeResponse{
		Response: s.newResponse(&req.Request),
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsFunctionBreakpoints:      true,
			SupportsInstructionBreakpoints:   true,
			SupportsSetVariable:              true,
			SupportsEvaluateForHovers:        true,
			SupportsReadMemoryRequest:        true,
			SupportsWriteMemoryRequest:       true,
			SupportsDisassembleRequest:       true,
			SupportsSteppingGranularity:      true,
			SupportsTerminateRequest:         true,
			SupportTerminateDebuggee:         true,
			SupportSuspendDebuggee:           true,
			ExceptionBreakpointFilters:       exceptionFilters,
		},
	}, nil
}

func (s *Session) onConfigurationDone(ctx context.Context, req *dap.ConfigurationDoneRequest) (dap.ResponseMessage, error) {
	s.state = stateConfigured
	if s.launched {
		s.afterResponse(s.releaseTarget)
	}
	return &dap.ConfigurationDoneResponse{Response: s.newResponse(&req.Request)}, nil
}

// releaseTarget hands the launched target to the client once it is
// configured: the core either stops on entry or runs.
func (s *Session) releaseTarget(ctx context.Context) {
	early := s.early
	s.early = nil
	if s.args.StopOnEntry || s.args.HaltOnAttach {
		if err := s.target.Halt(ctx); err != nil {
			s.releaseFailed(ctx, err)
			return
		}
		// The halt was just reported through early, or the core was
		// already halted.
		s.target.Drain()
		s.invalidate()
		s.state = stateHalted
		if early != nil && early.Kind == target.EventHalted && early.Status.Reason == dbg.HaltException {
			s.onHalt(ctx, *early)
			return
		}
		s.stopped(dap.StoppedEventBody{Reason: "entry"})
		return
	}
	if early != nil && early.Kind == target.EventHalted {
		switch early.Status.Reason {
		case dbg.HaltBreakpoint, dbg.HaltException:
			s.state = stateHalted
			s.onHalt(ctx, *early)
			return
		}
	}
	s.state = stateHalted
	if err := s.resume(ctx); err != nil {
		s.releaseFailed(ctx, err)
		return
	}
	if s.state == stateRunning {
		s.sendEvent(&dap.ContinuedEvent{
			Event: s.newEvent("continued"),
			Body:  dap.ContinuedEventBody{ThreadId: threadID, AllThreadsContinued: true},
		})
	}
}

func (s *Session) releaseFailed(ctx context.Context, err error) {
	s.log.WithError(err).Error("cannot start target")
	s.output("stderr", err.Error())
	if dbg.IsFatal(err) {
		s.terminate(ctx, err)
		return
	}
	run, _ := s.target.State()
	if run == dbg.StateRunning {
		s.state = stateRunning
	} else {
		s.state = stateHalted
	}
}

// resume lets the core run. A core sitting on an installed breakpoint is
// stepped off it first; if that step stops for another reason the core
// stays halted and the stop is reported.
func (s *Session) resume(ctx context.Context) error {
	if run, _ := s.target.State(); run == dbg.StateHalted {
		pc, err := s.target.ReadRegister(ctx, dbg.RegPC)
		if err != nil {
			return err
		}
		if s.bps.Installed(pc) {
			st, err := s.target.Step(ctx)
			if err != nil {
				return err
			}
			if st.Reason == dbg.HaltException || st.Reason == dbg.HaltBreakpoint {
				s.target.Announce(st)
				return nil
			}
		}
	}
	if err := s.target.Resume(ctx); err != nil {
		return err
	}
	s.state = stateRunning
	s.invalidate()
	return nil
}

func (s *Session) onThreads(ctx context.Context, req *dap.ThreadsRequest) (dap.ResponseMessage, error) {
	name := s.opts.Config.Session.CoreName
	if s.target != nil {
		name = fmt.Sprintf("%s (%s)", name, s.target.ProbeID())
	}
	return &dap.ThreadsResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: threadID, Name: name}}},
	}, nil
}

func (s *Session) onSetBreakpoints(ctx context.Context, req *dap.SetBreakpointsRequest) (dap.ResponseMessage, error) {
	src := req.Arguments.Source
	group := src.Path
	if group == "" {
		group = src.Name
	}
	if group == "" {
		return nil, &MalformedRequestError{Command: req.Command, Err: errors.New("source has no path")}
	}
	var locs []breakpoint.Location
	for _, b := range req.Arguments.Breakpoints {
		locs = append(locs, breakpoint.Location{Kind: breakpoint.LocSource, File: group, Line: b.Line})
	}
	if len(req.Arguments.Breakpoints) == 0 {
		for _, l := range req.Arguments.Lines {
			locs = append(locs, breakpoint.Location{Kind: breakpoint.LocSource, File: group, Line: l})
		}
	}
	bps, err := s.bps.Reconcile(ctx, group, locs)
	if err != nil {
		return nil, err
	}
	return &dap.SetBreakpointsResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.SetBreakpointsResponseBody{Breakpoints: toDAPBreakpoints(bps)},
	}, nil
}

func (s *Session) onSetFunctionBreakpoints(ctx context.Context, req *dap.SetFunctionBreakpointsRequest) (dap.ResponseMessage, error) {
	var locs []breakpoint.Location
	for _, b := range req.Arguments.Breakpoints {
		locs = append(locs, breakpoint.Location{Kind: breakpoint.LocFunction, Function: b.Name})
	}
	bps, err := s.bps.Reconcile(ctx, breakpoint.GroupFunction, locs)
	if err != nil {
		return nil, err
	}
	return &dap.SetFunctionBreakpointsResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.SetFunctionBreakpointsResponseBody{Breakpoints: toDAPBreakpoints(bps)},
	}, nil
}

func (s *Session) onSetInstructionBreakpoints(ctx context.Context, req *dap.SetInstructionBreakpointsRequest) (dap.ResponseMessage, error) {
	var locs []breakpoint.Location
	for _, b := range req.Arguments.Breakpoints {
		addr, err := parseAddress(b.InstructionReference)
		if err != nil {
			return nil, &MalformedRequestError{Command: req.Command, Err: err}
		}
		locs = append(locs, breakpoint.Location{Kind: breakpoint.LocAddress, Addr: uint64(int64(addr) + int64(b.Offset))})
	}
	bps, err := s.bps.Reconcile(ctx, breakpoint.GroupInstruction, locs)
	if err != nil {
		return nil, err
	}
	return &dap.SetInstructionBreakpointsResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.SetInstructionBreakpointsResponseBody{Breakpoints: toDAPBreakpoints(bps)},
	}, nil
}

func (s *Session) onSetExceptionBreakpoints(ctx context.Context, req *dap.SetExceptionBreakpointsRequest) (dap.ResponseMessage, error) {
	for _, f := range req.Arguments.Filters {
		if _, ok := vectorCatch[f]; !ok {
			return nil, &MalformedRequestError{Command: req.Command, Err: errors.Errorf("unknown exception filter %q", f)}
		}
	}
	s.excFilters = req.Arguments.Filters
	if err := s.applyExceptionFilters(ctx); err != nil {
		return nil, err
	}
	out := make([]dap.Breakpoint, len(s.excFilters))
	for i := range out {
		out[i].Verified = s.target != nil
	}
	return &dap.SetExceptionBreakpointsResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.SetExceptionBreakpointsResponseBody{Breakpoints: out},
	}, nil
}

func (s *Session) onContinue(ctx context.Context, req *dap.ContinueRequest) (dap.ResponseMessage, error) {
	if err := s.resume(ctx); err != nil {
		return nil, err
	}
	return &dap.ContinueResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
	}, nil
}

func (s *Session) onPause(ctx context.Context, req *dap.PauseRequest) (dap.ResponseMessage, error) {
	if s.state == stateRunning {
		s.cancelStep(ctx)
		if err := s.target.Halt(ctx); err != nil {
			return nil, err
		}
	}
	return &dap.PauseResponse{Response: s.newResponse(&req.Request)}, nil
}

func (s *Session) onTerminate(ctx context.Context, req *dap.TerminateRequest) (dap.ResponseMessage, error) {
	if s.target != nil {
		s.cancelStep(ctx)
		if err := s.target.Halt(ctx); err != nil && dbg.IsFatal(err) {
			return nil, err
		}
	}
	s.afterResponse(func(ctx context.Context) { s.terminate(ctx, nil) })
	return &dap.TerminateResponse{Response: s.newResponse(&req.Request)}, nil
}

func (s *Session) onDisconnect(ctx context.Context, req *dap.DisconnectRequest) (dap.ResponseMessage, error) {
	var args dap.DisconnectArguments
	if req.Arguments != nil {
		args = *req.Arguments
	}
	if s.target != nil && s.target.Dead() == nil {
		s.cancelStep(ctx)
		if err := s.bps.ClearAll(ctx); err != nil {
			s.log.WithError(err).Warn("cannot clear breakpoints")
		}
		var err error
		switch {
		case args.TerminateDebuggee:
			err = s.target.Reset(ctx, true)
		case args.SuspendDebuggee:
			err = s.target.Halt(ctx)
		default:
			if run, _ := s.target.State(); run == dbg.StateHalted {
				err = s.target.Resume(ctx)
			}
		}
		if err != nil {
			s.log.WithError(err).Warn("cannot leave target")
		}
	}
	s.afterResponse(func(ctx context.Context) {
		s.dropTarget(ctx, false)
		s.state = stateTerminated
		s.closing = true
	})
	return &dap.DisconnectResponse{Response: s.newResponse(&req.Request)}, nil
}

func toDAPBreakpoints(bps []*breakpoint.Breakpoint) []dap.Breakpoint {
	out := make([]dap.Breakpoint, len(bps))
	for i, bp := range bps {
		out[i] = toDAPBreakpoint(bp)
	}
	return out
}

func toDAPBreakpoint(bp *breakpoint.Breakpoint) dap.Breakpoint {
	b := dap.Breakpoint{Id: bp.ID, Verified: bp.Verified, Message: bp.Message}
	loc := bp.Resolved
	if !bp.Verified && bp.Requested.Kind == breakpoint.LocSource {
		loc.File, loc.Line = bp.Requested.File, bp.Requested.Line
	}
	if loc.File != "" {
		b.Source = &dap.Source{Name: filepath.Base(loc.File), Path: loc.File}
		b.Line = loc.Line
	}
	if bp.Verified {
		b.InstructionReference = formatAddress(bp.Addr)
	}
	return b
}

// breakpointEvents tells the client about breakpoints that changed
// without a request, after a probe attach or a program reload.
func (s *Session) breakpointEvents(changed []*breakpoint.Breakpoint) {
	for _, bp := range changed {
		s.sendEvent(&dap.BreakpointEvent{
			Event: s.newEvent("breakpoint"),
			Body:  dap.BreakpointEventBody{Reason: "changed", Breakpoint: toDAPBreakpoint(bp)},
		})
	}
}

func formatAddress(addr uint64) string {
	return fmt.Sprintf("0x%08x", addr)
}

// parseAddress accepts hex with a 0x prefix or decimal.
func parseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Errorf("invalid address %q", s)
	}
	return v, nil
}
