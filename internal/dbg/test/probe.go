package test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gni.dev/probedap/internal/dbg"
)

// Probe is an in-memory dbg.Probe. Memory is sparse and zero-filled,
// breakpoints halt the core as soon as it is resumed onto them unless
// OnResume says otherwise.
type Probe struct {
	mu sync.Mutex

	Addr    string
	Mem     map[uint64]byte
	Regs    map[dbg.RegisterID]uint64
	HWSlots int
	BPs     map[uint64]dbg.BreakpointKind

	state  dbg.Status
	closed bool

	// Calls counts probe calls by method name.
	Calls map[string]int

	// OnResume decides the status after a resume. Returning a running
	// status leaves the core running until Halt.
	OnResume func(p *Probe) dbg.Status
	// OnStep is called instead of advancing pc by 2.
	OnStep func(p *Probe) dbg.Status

	// Disconnected makes every call fail with dbg.ErrProbeDisconnected.
	Disconnected bool
	// Stall makes the next Stall calls block until their context expires.
	Stall int
	// StallOnly limits Stall to the calls of the named method.
	StallOnly string
}

func NewProbe() *Probe {
	return &Probe{
		Addr:    "fake:3333",
		Mem:     make(map[uint64]byte),
		Regs:    make(map[dbg.RegisterID]uint64),
		HWSlots: 4,
		BPs:     make(map[uint64]dbg.BreakpointKind),
		Calls:   make(map[string]int),
		state:   dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltReset},
	}
}

func (p *Probe) enter(ctx context.Context, name string) error {
	p.Calls[name]++
	if p.Disconnected || p.closed {
		return fmt.Errorf("%s: %w", name, dbg.ErrProbeDisconnected)
	}
	if p.Stall > 0 && (p.StallOnly == "" || p.StallOnly == name) {
		p.Stall--
		p.mu.Unlock()
		<-ctx.Done()
		p.mu.Lock()
		return fmt.Errorf("%s: %w", name, dbg.ErrProbeTimeout)
	}
	return nil
}

// CallCount returns the number of calls made to the named method.
func (p *Probe) CallCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls[name]
}

// TotalCalls returns the number of calls made to any method but ID.
func (p *Probe) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Calls {
		n += c
	}
	return n
}

// Set runs fn with the probe locked, for tests that change its state while
// a session is using it.
func (p *Probe) Set(fn func(p *Probe)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

// Stop halts a running core as a breakpoint or fault would.
func (p *Probe) Stop(st dbg.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st.State = dbg.StateHalted
	p.state = st
}

// PutWord stores a little-endian 32-bit word.
func (p *Probe) PutWord(addr uint64, v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < 4; i++ {
		p.Mem[addr+uint64(i)] = byte(v >> (8 * i))
	}
}

func (p *Probe) ID() string { return p.Addr }

func (p *Probe) Halt(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "Halt"); err != nil {
		return err
	}
	if p.state.State == dbg.StateRunning {
		p.state = dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltRequest, Signal: 2}
	}
	return nil
}

func (p *Probe) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "Resume"); err != nil {
		return err
	}
	if p.OnResume != nil {
		p.state = p.OnResume(p)
		return nil
	}
	p.state = dbg.Status{State: dbg.StateRunning}
	return nil
}

func (p *Probe) Step(ctx context.Context) (dbg.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "Step"); err != nil {
		return dbg.Status{}, err
	}
	if p.OnStep != nil {
		p.state = p.OnStep(p)
	} else {
		p.Regs[dbg.RegPC] += 2
		p.state = dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltStep, Signal: 5}
	}
	return p.state, nil
}

func (p *Probe) Status(ctx context.Context) (dbg.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "Status"); err != nil {
		return dbg.Status{}, err
	}
	return p.state, nil
}

func (p *Probe) Reset(ctx context.Context, halt bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "Reset"); err != nil {
		return err
	}
	if halt {
		p.state = dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltReset}
	} else {
		p.state = dbg.Status{State: dbg.StateRunning}
	}
	return nil
}

func (p *Probe) ReadMemory(ctx context.Context, addr uint64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "ReadMemory"); err != nil {
		return err
	}
	for i := range buf {
		buf[i] = p.Mem[addr+uint64(i)]
	}
	return nil
}

func (p *Probe) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "WriteMemory"); err != nil {
		return err
	}
	for i, b := range data {
		p.Mem[addr+uint64(i)] = b
	}
	return nil
}

func (p *Probe) ReadRegister(ctx context.Context, id dbg.RegisterID) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "ReadRegister"); err != nil {
		return 0, err
	}
	return p.Regs[id], nil
}

func (p *Probe) WriteRegister(ctx context.Context, id dbg.RegisterID, v uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "WriteRegister"); err != nil {
		return err
	}
	p.Regs[id] = v & 0xffffffff
	return nil
}

func (p *Probe) SetBreakpoint(ctx context.Context, addr uint64, kind dbg.BreakpointKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "SetBreakpoint"); err != nil {
		return err
	}
	if _, ok := p.BPs[addr]; ok {
		return fmt.Errorf("breakpoint already set at %#x", addr)
	}
	if kind == dbg.HardwareBreakpoint {
		if p.HWSlots == 0 {
			return fmt.Errorf("hardware breakpoint at %#x: %w", addr, dbg.ErrNoResources)
		}
		p.HWSlots--
	}
	p.BPs[addr] = kind
	return nil
}

func (p *Probe) ClearBreakpoint(ctx context.Context, addr uint64, kind dbg.BreakpointKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "ClearBreakpoint"); err != nil {
		return err
	}
	k, ok := p.BPs[addr]
	if !ok || k != kind {
		return fmt.Errorf("no %s breakpoint at %#x", kind, addr)
	}
	if kind == dbg.HardwareBreakpoint {
		p.HWSlots++
	}
	delete(p.BPs, addr)
	return nil
}

func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Reopen makes a closed probe usable again, like a new connection to the
// same probe server.
func (p *Probe) Reopen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
}

// RunToBreakpoint is an OnResume script: the core halts on the installed
// breakpoint at addr, or keeps running if there is none.
func RunToBreakpoint(addr uint64) func(p *Probe) dbg.Status {
	return func(p *Probe) dbg.Status {
		if _, ok := p.BPs[addr]; !ok {
			return dbg.Status{State: dbg.StateRunning}
		}
		p.Regs[dbg.RegPC] = addr
		return dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltBreakpoint, Signal: 5}
	}
}

// WaitFor polls cond until it holds or the timeout expires.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
