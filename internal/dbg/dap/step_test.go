package dap

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/breakpoint"
	"gni.dev/probedap/internal/dbg/proc"
	"gni.dev/probedap/internal/dbg/stack"
	"gni.dev/probedap/internal/dbg/test"
)

// The stepped program: main calls helper from line 11, the call returns
// to 0x10a which is still line 11.
var (
	mainFunc   = proc.NewFunc("main", 0x100, 0x140)
	helperFunc = proc.NewFunc("helper", 0x200, 0x220)
)

type fakeLines struct{}

func (fakeLines) FunctionAt(pc uint64) (*proc.Func, bool) {
	for _, f := range []*proc.Func{mainFunc, helperFunc} {
		if f.Contains(pc) {
			return f, true
		}
	}
	return nil, false
}

func (fakeLines) AddressToLocation(pc uint64) (proc.Location, bool) {
	var line int
	switch {
	case pc >= 0x100 && pc < 0x104:
		line = 10
	case pc >= 0x104 && pc < 0x10c:
		line = 11
	case pc >= 0x10c && pc < 0x140:
		line = 12
	case helperFunc.Contains(pc):
		line = 20
	default:
		return proc.Location{}, false
	}
	return proc.Location{File: "main.c", Line: line}, true
}

func (fakeLines) IsStatement(pc uint64) bool {
	switch pc {
	case 0x100, 0x104, 0x10c, 0x200:
		return true
	}
	return false
}

// callHelper is an OnStep script: the instruction at 0x106 calls helper.
func callHelper(p *test.Probe) dbg.Status {
	if p.Regs[dbg.RegPC] == 0x106 {
		p.Regs[dbg.RegPC] = 0x200
		p.Regs[dbg.RegLR] = 0x10b
	} else {
		p.Regs[dbg.RegPC] += 2
	}
	return dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltStep, Signal: 5}
}

// returnTo is an OnResume script: the core returns to the temporary
// breakpoint at 0x10a with the given stack pointers, one per resume.
func returnTo(sps ...uint64) func(p *test.Probe) dbg.Status {
	run := test.RunToBreakpoint(0x10a)
	return func(p *test.Probe) dbg.Status {
		if len(sps) > 0 {
			p.Regs[dbg.RegSP] = sps[0]
			sps = sps[1:]
		}
		return run(p)
	}
}

// inHelper are the frames of a core halted at 0x204 inside helper.
func inHelper() []*stack.Frame {
	return []*stack.Frame{
		{Index: 0, PC: 0x204, CFA: 0x20001008, Func: helperFunc, Location: proc.Location{File: "main.c", Line: 20}},
		{Index: 1, PC: 0x10a, Func: mainFunc, Location: proc.Location{File: "main.c", Line: 11}},
	}
}

// newHaltedSession returns a session with the core halted, driven by
// calling its handlers directly. Messages are written to the buffer.
func newHaltedSession(t *testing.T, p *test.Probe) (*Session, *bytes.Buffer) {
	var out bytes.Buffer
	s := NewSession(&out, testOptions(p))
	ctx := context.Background()
	require.NoError(t, s.connect(ctx, p.Addr))
	_, err := s.bps.Attach(ctx, s.target, nil)
	require.NoError(t, err)
	s.lines = fakeLines{}
	s.launched = true
	s.state = stateHalted
	t.Cleanup(func() { s.shutdown(ctx) })
	return s, &out
}

func readMessages(t *testing.T, out *bytes.Buffer) []dap.Message {
	r := bufio.NewReader(out)
	var msgs []dap.Message
	for {
		m, err := dap.ReadProtocolMessage(r)
		if errors.Is(err, io.EOF) {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
}

// waitStopped handles target events until the session reports a stop.
func waitStopped(t *testing.T, s *Session, out *bytes.Buffer) *dap.StoppedEvent {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		s.drainEvents(context.Background())
		for _, m := range readMessages(t, out) {
			if ev, ok := m.(*dap.StoppedEvent); ok {
				return ev
			}
		}
		select {
		case <-s.target.Ready():
		case <-timeout:
			require.FailNow(t, "timed out waiting for a stop")
		}
	}
}

// assertNoStop checks that no other stop is pending.
func assertNoStop(t *testing.T, s *Session, out *bytes.Buffer) {
	t.Helper()
	s.drainEvents(context.Background())
	for _, m := range readMessages(t, out) {
		_, ok := m.(*dap.StoppedEvent)
		assert.False(t, ok, "unexpected second stop")
	}
}

func newRequest(command string) dap.Request {
	return dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"}, Command: command}
}

func TestNextOverCall(t *testing.T) {
	p := test.NewProbe()
	p.Regs[dbg.RegPC] = 0x104
	p.Regs[dbg.RegSP] = 0x20001000
	p.OnStep = callHelper
	p.OnResume = returnTo(0x20001000)
	s, out := newHaltedSession(t, p)

	_, err := s.onNext(context.Background(), &dap.NextRequest{Request: newRequest("next")})
	require.NoError(t, err)

	stopped := waitStopped(t, s, out)
	assert.Equal(t, "step", stopped.Body.Reason)
	assert.Empty(t, stopped.Body.HitBreakpointIds)
	assertNoStop(t, s, out)
	p.Set(func(p *test.Probe) {
		assert.Equal(t, uint64(0x10c), p.Regs[dbg.RegPC])
		assert.Empty(t, p.BPs)
	})
	assert.Equal(t, 3, p.CallCount("Step"))
	assert.Equal(t, 1, p.CallCount("Resume"))
	assert.Nil(t, s.step)
	assert.Equal(t, stateHalted, s.state)
}

func TestStepInstruction(t *testing.T) {
	p := test.NewProbe()
	p.Regs[dbg.RegPC] = 0x104
	p.OnStep = callHelper
	s, out := newHaltedSession(t, p)

	_, err := s.onStepIn(context.Background(), &dap.StepInRequest{
		Request:   newRequest("stepIn"),
		Arguments: dap.StepInArguments{ThreadId: threadID, Granularity: "instruction"},
	})
	require.NoError(t, err)
	stopped := waitStopped(t, s, out)
	assert.Equal(t, "step", stopped.Body.Reason)
	assert.Equal(t, 1, p.CallCount("Step"))
	assert.Zero(t, p.CallCount("Resume"))
}

func TestStepOut(t *testing.T) {
	p := test.NewProbe()
	p.Regs[dbg.RegPC] = 0x204
	p.Regs[dbg.RegSP] = 0x20001000
	p.OnResume = returnTo(0x20001008)
	s, out := newHaltedSession(t, p)
	s.frames = inHelper()

	_, err := s.onStepOut(context.Background(), &dap.StepOutRequest{Request: newRequest("stepOut")})
	require.NoError(t, err)
	assert.Equal(t, stateRunning, s.state)

	stopped := waitStopped(t, s, out)
	assert.Equal(t, "step", stopped.Body.Reason)
	assert.Empty(t, stopped.Body.HitBreakpointIds)
	assertNoStop(t, s, out)
	p.Set(func(p *test.Probe) { assert.Empty(t, p.BPs) })
	assert.Zero(t, p.CallCount("Step"))
	assert.Nil(t, s.step)
}

func TestStepOutOfRecursion(t *testing.T) {
	p := test.NewProbe()
	p.Regs[dbg.RegPC] = 0x204
	p.Regs[dbg.RegSP] = 0x20001000
	// The first return is from a deeper activation, with a lower stack.
	p.OnResume = returnTo(0x20000f00, 0x20001008)
	s, out := newHaltedSession(t, p)
	s.frames = inHelper()

	_, err := s.onStepOut(context.Background(), &dap.StepOutRequest{Request: newRequest("stepOut")})
	require.NoError(t, err)

	stopped := waitStopped(t, s, out)
	assert.Equal(t, "step", stopped.Body.Reason)
	assertNoStop(t, s, out)
	assert.Equal(t, 2, p.CallCount("Resume"))
	assert.Equal(t, 1, p.CallCount("Step"))
	p.Set(func(p *test.Probe) {
		assert.Equal(t, uint64(0x20001008), p.Regs[dbg.RegSP])
		assert.Empty(t, p.BPs)
	})
}

func TestStepOutHitsUserBreakpoint(t *testing.T) {
	ctx := context.Background()
	p := test.NewProbe()
	p.Regs[dbg.RegPC] = 0x204
	p.Regs[dbg.RegSP] = 0x20001000
	p.OnResume = returnTo(0x20001008)
	s, out := newHaltedSession(t, p)
	s.frames = inHelper()

	bps, err := s.bps.Reconcile(ctx, breakpoint.GroupInstruction, []breakpoint.Location{{Kind: breakpoint.LocAddress, Addr: 0x10a}})
	require.NoError(t, err)

	_, err = s.onStepOut(ctx, &dap.StepOutRequest{Request: newRequest("stepOut")})
	require.NoError(t, err)

	stopped := waitStopped(t, s, out)
	assert.Equal(t, "breakpoint", stopped.Body.Reason)
	assert.Equal(t, []int{bps[0].ID}, stopped.Body.HitBreakpointIds)
	assert.Nil(t, s.step)
	// The user breakpoint outlives the step.
	p.Set(func(p *test.Probe) { assert.Len(t, p.BPs, 1) })
}

func TestPauseCancelsStep(t *testing.T) {
	ctx := context.Background()
	p := test.NewProbe()
	p.Regs[dbg.RegPC] = 0x204
	p.Regs[dbg.RegSP] = 0x20001000
	s, out := newHaltedSession(t, p)
	s.frames = inHelper()

	// The core never reaches the return address.
	_, err := s.onStepOut(ctx, &dap.StepOutRequest{Request: newRequest("stepOut")})
	require.NoError(t, err)
	require.NotNil(t, s.step)
	p.Set(func(p *test.Probe) { assert.Len(t, p.BPs, 1) })

	_, err = s.onPause(ctx, &dap.PauseRequest{Request: newRequest("pause")})
	require.NoError(t, err)
	assert.Nil(t, s.step)
	p.Set(func(p *test.Probe) { assert.Empty(t, p.BPs) })

	stopped := waitStopped(t, s, out)
	assert.Equal(t, "pause", stopped.Body.Reason)
	assertNoStop(t, s, out)
}
