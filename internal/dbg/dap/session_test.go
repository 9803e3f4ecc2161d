package dap

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/probedap/internal/config"
	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/target"
	"gni.dev/probedap/internal/dbg/test"
)

const waitTimeout = 2 * time.Second

func testOptions(p *test.Probe) Options {
	cfg := config.Default()
	cfg.Probe.Timeout = 50 * time.Millisecond
	cfg.Probe.PollInterval = time.Millisecond
	cfg.Probe.HaltTimeout = 200 * time.Millisecond
	return Options{
		Config: cfg,
		Dial: func(ctx context.Context, addr string) (dbg.Probe, error) {
			p.Reopen()
			return p, nil
		},
	}
}

// client drives a session over an in-memory connection.
type client struct {
	t    *testing.T
	conn net.Conn
	seq  int
	msgs chan dap.Message
	done chan error
}

func newClient(t *testing.T, opts Options) *client {
	conn, srv := net.Pipe()
	c := &client{
		t:    t,
		conn: conn,
		msgs: make(chan dap.Message, 64),
		done: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c.done <- NewSession(srv, opts).Serve(ctx)
		srv.Close()
	}()
	go func() {
		defer close(c.msgs)
		r := bufio.NewReader(conn)
		for {
			m, err := dap.ReadProtocolMessage(r)
			if err != nil {
				return
			}
			c.msgs <- m
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		cancel()
		select {
		case <-c.done:
		case <-time.After(waitTimeout):
			t.Error("session did not stop")
		}
	})
	return c
}

func (c *client) raw(msg string) {
	require.NoError(c.t, dap.WriteBaseMessage(c.conn, []byte(msg)))
}

func (c *client) request(command, args string) int {
	c.seq++
	msg := fmt.Sprintf(`{"seq":%d,"type":"request","command":%q`, c.seq, command)
	if args != "" {
		msg += `,"arguments":` + args
	}
	c.raw(msg + "}")
	return c.seq
}

func (c *client) next() dap.Message {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		require.True(c.t, ok, "connection closed")
		return m
	case <-time.After(waitTimeout):
		require.FailNow(c.t, "timed out waiting for a message")
	}
	return nil
}

func expect[T dap.Message](c *client) T {
	c.t.Helper()
	m := c.next()
	v, ok := m.(T)
	require.True(c.t, ok, "got %T, want %T", m, v)
	return v
}

// skipTo discards messages until one of type T arrives.
func skipTo[T dap.Message](c *client) T {
	c.t.Helper()
	for {
		if v, ok := c.next().(T); ok {
			return v
		}
	}
}

func (c *client) expectError(id gniDAPError) *dap.ErrorResponse {
	c.t.Helper()
	resp := expect[*dap.ErrorResponse](c)
	require.NotNil(c.t, resp.Body.Error)
	assert.Equal(c.t, int(id), resp.Body.Error.Id, "%s: %s", resp.Command, resp.Body.Error.Format)
	return resp
}

func (c *client) initialize() {
	c.t.Helper()
	c.request("initialize", `{"clientID":"test","adapterID":"probedap"}`)
	resp := expect[*dap.InitializeResponse](c)
	assert.True(c.t, resp.Body.SupportsConfigurationDoneRequest)
	expect[*dap.InitializedEvent](c)
}

// launch runs the handshake up to and including configurationDone.
func (c *client) launch(args string) {
	c.t.Helper()
	c.initialize()
	c.request("launch", args)
	expect[*dap.LaunchResponse](c)
	c.request("configurationDone", "")
	expect[*dap.ConfigurationDoneResponse](c)
}

func TestNotInitialized(t *testing.T) {
	p := test.NewProbe()
	c := newClient(t, testOptions(p))

	for _, cmd := range []string{"threads", "launch", "continue", "stackTrace"} {
		seq := c.request(cmd, "")
		resp := c.expectError(notInitializedErr)
		assert.Equal(t, seq, resp.RequestSeq)
		assert.Equal(t, cmd, resp.Command)
	}
	assert.Zero(t, p.TotalCalls())
}

func TestUnsupportedCommand(t *testing.T) {
	c := newClient(t, testOptions(test.NewProbe()))
	c.initialize()

	for _, cmd := range []string{"goto", "frobnicate"} {
		seq := c.request(cmd, `{}`)
		resp := c.expectError(unsupportedErr)
		assert.Equal(t, seq, resp.RequestSeq)
	}
	c.request("threads", "")
	expect[*dap.ThreadsResponse](c)
}

func TestMalformedRequest(t *testing.T) {
	c := newClient(t, testOptions(test.NewProbe()))
	c.initialize()

	c.raw(`{"seq":7,"type":"request","command":"setBreakpoints","arguments":{"source":5}}`)
	resp := c.expectError(malformedErr)
	assert.Equal(t, 7, resp.RequestSeq)
	assert.Equal(t, "setBreakpoints", resp.Command)

	c.raw(`{"seq":8,"type":"event","event":"stopped"}`)
	c.expectError(malformedErr)

	c.request("launch", `{"stopOnEntry":"yes"}`)
	c.expectError(malformedErr)

	c.raw(`{"seq":9,"type":"request","command":"threads",`)
	resp = c.expectError(parseErr)
	assert.Equal(t, 9, resp.RequestSeq)

	c.request("threads", "")
	expect[*dap.ThreadsResponse](c)
}

var orderingTests = []struct {
	command string
	args    string
}{
	{"continue", `{"threadId":1}`},
	{"next", `{"threadId":1}`},
	{"stackTrace", `{"threadId":1}`},
	{"scopes", `{"frameId":1}`},
	{"evaluate", `{"expression":"r0"}`},
	{"readMemory", `{"memoryReference":"0x20000000","count":4}`},
	{"pause", `{"threadId":1}`},
	{"initialize", `{"adapterID":"probedap"}`},
}

func TestOrdering(t *testing.T) {
	p := test.NewProbe()
	c := newClient(t, testOptions(p))
	c.initialize()

	for _, test := range orderingTests {
		c.request(test.command, test.args)
		c.expectError(orderingErr)
	}
	assert.Zero(t, p.TotalCalls())
}

func TestLaunchStopOnEntry(t *testing.T) {
	p := test.NewProbe()
	c := newClient(t, testOptions(p))
	c.launch(`{"probe":"fake:3333","stopOnEntry":true}`)

	stopped := expect[*dap.StoppedEvent](c)
	assert.Equal(t, "entry", stopped.Body.Reason)
	assert.Equal(t, threadID, stopped.Body.ThreadId)
	assert.True(t, stopped.Body.AllThreadsStopped)
	assert.Equal(t, 1, p.CallCount("Reset"))
	assert.Zero(t, p.CallCount("Resume"))

	c.request("threads", "")
	threads := expect[*dap.ThreadsResponse](c)
	require.Len(t, threads.Body.Threads, 1)
	assert.Equal(t, "core0 (fake:3333)", threads.Body.Threads[0].Name)

	c.request("launch", `{}`)
	c.expectError(orderingErr)
}

func TestBreakpointHit(t *testing.T) {
	p := test.NewProbe()
	p.OnResume = test.RunToBreakpoint(0x1000)
	c := newClient(t, testOptions(p))
	c.initialize()

	c.request("launch", `{"probe":"fake:3333"}`)
	expect[*dap.LaunchResponse](c)
	c.request("setInstructionBreakpoints", `{"breakpoints":[{"instructionReference":"0x1000"}]}`)
	bps := expect[*dap.SetInstructionBreakpointsResponse](c)
	require.Len(t, bps.Body.Breakpoints, 1)
	assert.True(t, bps.Body.Breakpoints[0].Verified)
	assert.Equal(t, "0x00001000", bps.Body.Breakpoints[0].InstructionReference)

	c.request("configurationDone", "")
	expect[*dap.ConfigurationDoneResponse](c)
	expect[*dap.ContinuedEvent](c)

	stopped := expect[*dap.StoppedEvent](c)
	assert.Equal(t, "breakpoint", stopped.Body.Reason)
	assert.Equal(t, []int{bps.Body.Breakpoints[0].Id}, stopped.Body.HitBreakpointIds)

	// No second stop for the same halt.
	c.request("threads", "")
	expect[*dap.ThreadsResponse](c)

	c.request("stackTrace", `{"threadId":1}`)
	trace := expect[*dap.StackTraceResponse](c)
	require.NotEmpty(t, trace.Body.StackFrames)
	assert.Equal(t, "0x00001000", trace.Body.StackFrames[0].InstructionPointerReference)

	// Continuing steps off the breakpoint first.
	c.request("continue", `{"threadId":1}`)
	expect[*dap.ContinueResponse](c)
	assert.Equal(t, 1, p.CallCount("Step"))
}

func TestStackTraceWhileRunning(t *testing.T) {
	p := test.NewProbe()
	c := newClient(t, testOptions(p))
	c.launch(`{"probe":"fake:3333"}`)
	expect[*dap.ContinuedEvent](c)

	regs, mem := p.CallCount("ReadRegister"), p.CallCount("ReadMemory")
	c.request("stackTrace", `{"threadId":1}`)
	c.expectError(orderingErr)
	c.request("variables", `{"variablesReference":1000}`)
	c.expectError(orderingErr)
	assert.Equal(t, regs, p.CallCount("ReadRegister"))
	assert.Equal(t, mem, p.CallCount("ReadMemory"))

	c.request("pause", `{"threadId":1}`)
	expect[*dap.PauseResponse](c)
	stopped := expect[*dap.StoppedEvent](c)
	assert.Equal(t, "pause", stopped.Body.Reason)
}

func TestProbeDisconnect(t *testing.T) {
	p := test.NewProbe()
	c := newClient(t, testOptions(p))
	c.launch(`{"probe":"fake:3333"}`)
	expect[*dap.ContinuedEvent](c)

	p.Set(func(p *test.Probe) { p.Disconnected = true })
	skipTo[*dap.TerminatedEvent](c)

	calls := p.TotalCalls()
	c.request("threads", "")
	c.expectError(terminatedErr)
	c.request("readMemory", `{"memoryReference":"0x20000000","count":4}`)
	c.expectError(terminatedErr)
	assert.Equal(t, calls, p.TotalCalls())

	c.request("disconnect", `{}`)
	expect[*dap.DisconnectResponse](c)
	select {
	case err := <-c.done:
		assert.NoError(t, err)
		c.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("session did not end after disconnect")
	}
}

func TestMemoryReadAfterWrite(t *testing.T) {
	p := test.NewProbe()
	c := newClient(t, testOptions(p))
	c.launch(`{"probe":"fake:3333","stopOnEntry":true}`)
	expect[*dap.StoppedEvent](c)

	c.request("writeMemory", `{"memoryReference":"0x20000000","data":"AQIDBA=="}`)
	w := expect[*dap.WriteMemoryResponse](c)
	assert.Equal(t, 4, w.Body.BytesWritten)

	c.request("readMemory", `{"memoryReference":"0x20000000","count":8}`)
	r := expect[*dap.ReadMemoryResponse](c)
	assert.Equal(t, "0x20000000", r.Body.Address)
	assert.Equal(t, "AQIDBAAAAAA=", r.Body.Data)

	c.request("readMemory", `{"memoryReference":"0x20000000","offset":2,"count":2}`)
	r = expect[*dap.ReadMemoryResponse](c)
	assert.Equal(t, "0x20000002", r.Body.Address)
	assert.Equal(t, "AwQ=", r.Body.Data)

	c.request("evaluate", `{"expression":"*0x20000000"}`)
	ev := expect[*dap.EvaluateResponse](c)
	assert.Equal(t, "0x04030201", ev.Body.Result)

	c.request("writeMemory", `{"memoryReference":"0x20000000","data":"not base64"}`)
	c.expectError(malformedErr)
}

func TestRegisterReadAfterWrite(t *testing.T) {
	p := test.NewProbe()
	p.Regs[dbg.RegSP] = 0x20001000
	c := newClient(t, testOptions(p))
	c.launch(`{"probe":"fake:3333","stopOnEntry":true}`)
	expect[*dap.StoppedEvent](c)

	c.request("stackTrace", `{"threadId":1}`)
	trace := expect[*dap.StackTraceResponse](c)
	require.Len(t, trace.Body.StackFrames, 1)

	c.request("scopes", fmt.Sprintf(`{"frameId":%d}`, trace.Body.StackFrames[0].Id))
	scopes := expect[*dap.ScopesResponse](c)
	require.Len(t, scopes.Body.Scopes, 2)
	regs := scopes.Body.Scopes[1]
	assert.Equal(t, "Registers", regs.Name)

	c.request("setVariable", fmt.Sprintf(`{"variablesReference":%d,"name":"r0","value":"0x1234"}`, regs.VariablesReference))
	set := expect[*dap.SetVariableResponse](c)
	assert.Equal(t, "0x00001234", set.Body.Value)

	c.request("variables", fmt.Sprintf(`{"variablesReference":%d}`, regs.VariablesReference))
	vars := expect[*dap.VariablesResponse](c)
	got := map[string]string{}
	for _, v := range vars.Body.Variables {
		got[v.Name] = v.Value
	}
	assert.Equal(t, "0x00001234", got["r0"])
	assert.Equal(t, "0x20001000", got["sp"])

	c.request("evaluate", `{"expression":"$r0"}`)
	ev := expect[*dap.EvaluateResponse](c)
	assert.Equal(t, "0x00001234", ev.Body.Result)
}

func TestEvaluateWithoutCatalog(t *testing.T) {
	p := test.NewProbe()
	c := newClient(t, testOptions(p))
	c.launch(`{"probe":"fake:3333","stopOnEntry":true}`)
	expect[*dap.StoppedEvent](c)

	c.request("evaluate", `{"expression":"GPIOA.ODR"}`)
	c.expectError(noCatalogErr)

	c.request("evaluate", `{"expression":"nosuchthing"}`)
	c.expectError(evaluateErr)
}

func TestExceptionStop(t *testing.T) {
	p := test.NewProbe()
	p.Regs[dbg.RegXPSR] = 3
	p.PutWord(regHFSR, 1<<30)
	p.PutWord(regCFSR, 1<<9|cfsrBFARValid)
	p.PutWord(regBFAR, 0x20010000)
	p.OnResume = func(p *test.Probe) dbg.Status {
		return dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltException, Signal: 11}
	}
	c := newClient(t, testOptions(p))
	c.initialize()
	c.request("launch", `{"probe":"fake:3333"}`)
	expect[*dap.LaunchResponse](c)

	c.request("setExceptionBreakpoints", `{"filters":["hardfault"]}`)
	exc := expect[*dap.SetExceptionBreakpointsResponse](c)
	require.Len(t, exc.Body.Breakpoints, 1)
	assert.True(t, exc.Body.Breakpoints[0].Verified)
	demcr := uint32(p.Mem[regDEMCR]) | uint32(p.Mem[regDEMCR+1])<<8
	assert.Equal(t, uint32(vcHardErr), demcr)

	c.request("setExceptionBreakpoints", `{"filters":["segfault"]}`)
	c.expectError(malformedErr)

	c.request("configurationDone", "")
	expect[*dap.ConfigurationDoneResponse](c)
	stopped := skipTo[*dap.StoppedEvent](c)
	assert.Equal(t, "exception", stopped.Body.Reason)
	assert.Equal(t, "Exception: HardFault", stopped.Body.Description)
	assert.Equal(t, "HardFault: FORCED; PRECISERR at 0x20010000", stopped.Body.Text)
}

func TestProbeBusy(t *testing.T) {
	p := test.NewProbe()
	opts := testOptions(p)
	opts.Registry = target.NewRegistry()

	first := newClient(t, opts)
	first.launch(`{"probe":"fake:3333","stopOnEntry":true}`)
	expect[*dap.StoppedEvent](first)

	second := newClient(t, opts)
	second.initialize()
	second.request("launch", `{"probe":"fake:3333"}`)
	resp := second.expectError(probeBusyErr)
	assert.Equal(t, "launch", resp.Command)
}

func TestDisconnectResumes(t *testing.T) {
	p := test.NewProbe()
	c := newClient(t, testOptions(p))
	c.launch(`{"probe":"fake:3333","stopOnEntry":true}`)
	expect[*dap.StoppedEvent](c)

	c.request("setInstructionBreakpoints", `{"breakpoints":[{"instructionReference":"0x2000"}]}`)
	expect[*dap.SetInstructionBreakpointsResponse](c)
	p.Set(func(p *test.Probe) { assert.Len(t, p.BPs, 1) })

	c.request("disconnect", `{"terminateDebuggee":false}`)
	expect[*dap.DisconnectResponse](c)
	p.Set(func(p *test.Probe) { assert.Empty(t, p.BPs) })
	assert.Equal(t, 1, p.CallCount("Resume"))
}

func TestLaunchRetryAfterTimeout(t *testing.T) {
	p := test.NewProbe()
	p.Stall = 1
	p.StallOnly = "Reset"
	c := newClient(t, testOptions(p))
	c.initialize()

	c.request("setInstructionBreakpoints", `{"breakpoints":[{"instructionReference":"0x1000"}]}`)
	bps := expect[*dap.SetInstructionBreakpointsResponse](c)
	require.Len(t, bps.Body.Breakpoints, 1)
	assert.False(t, bps.Body.Breakpoints[0].Verified)

	c.request("launch", `{"probe":"fake:3333"}`)
	ev := expect[*dap.BreakpointEvent](c)
	assert.True(t, ev.Body.Breakpoint.Verified)
	ev = expect[*dap.BreakpointEvent](c)
	assert.False(t, ev.Body.Breakpoint.Verified)
	resp := c.expectError(probeTimeoutErr)
	assert.NotContains(t, resp.Body.Error.Format, "reset: reset")
	p.Set(func(p *test.Probe) { assert.Empty(t, p.BPs) })

	// Nothing of the failed attempt is left behind, the device claim
	// included.
	c.request("launch", `{"probe":"fake:3333","stopOnEntry":true}`)
	ev = expect[*dap.BreakpointEvent](c)
	assert.True(t, ev.Body.Breakpoint.Verified)
	expect[*dap.LaunchResponse](c)
	c.request("configurationDone", "")
	expect[*dap.ConfigurationDoneResponse](c)
	stopped := expect[*dap.StoppedEvent](c)
	assert.Equal(t, "entry", stopped.Body.Reason)
	assert.Equal(t, 2, p.CallCount("Reset"))
	p.Set(func(p *test.Probe) { assert.Len(t, p.BPs, 1) })
}

func TestDisassembleBounds(t *testing.T) {
	p := test.NewProbe()
	c := newClient(t, testOptions(p))
	c.launch(`{"probe":"fake:3333","stopOnEntry":true}`)
	expect[*dap.StoppedEvent](c)

	c.request("disassemble", `{"memoryReference":"0x0","instructionCount":1125899906842624}`)
	c.expectError(malformedErr)

	c.request("disassemble", `{"memoryReference":"0x0","instructionCount":4}`)
	resp := expect[*dap.DisassembleResponse](c)
	require.Len(t, resp.Body.Instructions, 4)
	assert.Equal(t, "0x00000000", resp.Body.Instructions[0].Address)
}

func TestReloadRebindsBreakpoints(t *testing.T) {
	program := filepath.Join(t.TempDir(), "app.elf")
	require.NoError(t, os.WriteFile(program, []byte("not an elf"), 0o644))
	p := test.NewProbe()
	c := newClient(t, testOptions(p))
	c.initialize()

	c.request("launch", fmt.Sprintf(`{"probe":"fake:3333","program":%q,"watchProgram":true,"stopOnEntry":true}`, program))
	skipTo[*dap.LaunchResponse](c)
	c.request("setBreakpoints", `{"source":{"path":"symbols.go"},"breakpoints":[{"line":28}]}`)
	bps := expect[*dap.SetBreakpointsResponse](c)
	require.Len(t, bps.Body.Breakpoints, 1)
	assert.False(t, bps.Body.Breakpoints[0].Verified)
	c.request("configurationDone", "")
	expect[*dap.ConfigurationDoneResponse](c)
	expect[*dap.StoppedEvent](c)

	data, err := os.ReadFile(test.Build(t, "symbols"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(program, data, 0o644))

	ev := skipTo[*dap.BreakpointEvent](c)
	assert.Equal(t, "changed", ev.Body.Reason)
	assert.Equal(t, bps.Body.Breakpoints[0].Id, ev.Body.Breakpoint.Id)
	assert.True(t, ev.Body.Breakpoint.Verified)
	assert.Equal(t, 28, ev.Body.Breakpoint.Line)
	p.Set(func(p *test.Probe) { assert.Len(t, p.BPs, 1) })
}
