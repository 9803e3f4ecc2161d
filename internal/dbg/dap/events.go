package dap

import (
	"context"

	"github.com/google/go-dap"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/target"
)

// onHalt turns a halt of the core into exactly one stopped event. Halts
// before the client finished configuration are kept until then.
func (s *Session) onHalt(ctx context.Context, ev target.Event) {
	if setup.has(s.state) {
		s.early = &ev
		return
	}
	s.invalidate()
	s.state = stateHalted

	pc, err := s.target.ReadRegister(ctx, dbg.RegPC)
	if err != nil {
		s.log.WithError(err).Warn("cannot read pc after halt")
		s.checkFatal(ctx, err)
		if s.state == stateTerminated {
			return
		}
	}
	if s.step != nil && s.stepHalted(ctx, ev, pc) {
		return
	}

	body := dap.StoppedEventBody{}
	switch ev.Status.Reason {
	case dbg.HaltBreakpoint:
		body.Reason = "breakpoint"
		body.HitBreakpointIds = s.bps.Hit(pc)
	case dbg.HaltException:
		body.Reason = "exception"
		body.Description, body.Text = s.describeFault(ctx, ev)
	case dbg.HaltRequest:
		body.Reason = "pause"
	case dbg.HaltReset:
		body.Reason = "entry"
	default:
		body.Reason = "step"
	}
	s.log.WithField("reason", body.Reason).WithField("pc", formatAddress(pc)).Debug("stopped")
	s.stopped(body)
}

func (s *Session) stopped(body dap.StoppedEventBody) {
	body.ThreadId = threadID
	body.AllThreadsStopped = true
	s.sendEvent(&dap.StoppedEvent{Event: s.newEvent("stopped"), Body: body})
}
