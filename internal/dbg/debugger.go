package dbg

import (
	"context"
	"strings"
)

// RunState is the execution state of a target core.
type RunState int

const (
	StateUnknown RunState = iota
	StateRunning
	StateHalted
)

func (s RunState) String() string {
	return []string{"unknown", "running", "halted"}[s]
}

// HaltReason explains why a core stopped.
type HaltReason int

const (
	HaltNone HaltReason = iota
	HaltBreakpoint
	HaltStep
	HaltException
	HaltRequest
	HaltReset
)

func (r HaltReason) String() string {
	return []string{"none", "breakpoint", "step", "exception", "request", "reset"}[r]
}

// Status is a snapshot of the core as reported by the probe.
type Status struct {
	State  RunState
	Reason HaltReason
	// Signal is the raw stop signal reported by the probe, if any.
	Signal int
	Detail string
}

// BreakpointKind selects how a breakpoint is implemented on the target.
type BreakpointKind int

const (
	HardwareBreakpoint BreakpointKind = iota
	SoftwareBreakpoint
)

func (k BreakpointKind) String() string {
	if k == SoftwareBreakpoint {
		return "software"
	}
	return "hardware"
}

// RegisterID identifies a core register. Values 0-15 match the DWARF
// register numbering of ARM (r0-r12, sp, lr, pc).
type RegisterID uint16

const (
	RegR0   RegisterID = 0
	RegR7   RegisterID = 7
	RegSP   RegisterID = 13
	RegLR   RegisterID = 14
	RegPC   RegisterID = 15
	RegXPSR RegisterID = 16
	RegMSP  RegisterID = 17
	RegPSP  RegisterID = 18
)

// Register describes a core register exposed to clients.
type Register struct {
	ID   RegisterID
	Name string
	Bits int
}

// CoreRegisters lists the registers of an ARMv7-M/ARMv8-M core in display order.
var CoreRegisters = []Register{
	{0, "r0", 32}, {1, "r1", 32}, {2, "r2", 32}, {3, "r3", 32},
	{4, "r4", 32}, {5, "r5", 32}, {6, "r6", 32}, {7, "r7", 32},
	{8, "r8", 32}, {9, "r9", 32}, {10, "r10", 32}, {11, "r11", 32},
	{12, "r12", 32}, {RegSP, "sp", 32}, {RegLR, "lr", 32}, {RegPC, "pc", 32},
	{RegXPSR, "xpsr", 32}, {RegMSP, "msp", 32}, {RegPSP, "psp", 32},
}

var registerAliases = map[string]RegisterID{
	"r13": RegSP,
	"r14": RegLR,
	"r15": RegPC,
	"fp":  RegR7,
	"psr": RegXPSR,
}

// LookupRegister resolves a register name, with or without a leading '$'.
func LookupRegister(name string) (Register, bool) {
	name = strings.ToLower(strings.TrimPrefix(name, "$"))
	if id, ok := registerAliases[name]; ok {
		name = CoreRegisters[id].Name
	}
	for _, r := range CoreRegisters {
		if r.Name == name {
			return r, true
		}
	}
	return Register{}, false
}

// Probe is the only path to the hardware. Implementations issue one command
// at a time and are not safe for concurrent use; target.Session serializes
// every call.
type Probe interface {
	// ID identifies the physical probe, e.g. its server address.
	ID() string
	// Halt requests the core to stop. It does not wait for the halt.
	Halt(ctx context.Context) error
	// Resume lets the core run from its current PC.
	Resume(ctx context.Context) error
	// Step executes a single instruction and waits for the core to stop again.
	Step(ctx context.Context) (Status, error)
	// Status polls the core without blocking for a state change.
	Status(ctx context.Context) (Status, error)
	// Reset resets the core, optionally keeping it halted at the reset vector.
	Reset(ctx context.Context, halt bool) error
	ReadMemory(ctx context.Context, addr uint64, p []byte) error
	WriteMemory(ctx context.Context, addr uint64, p []byte) error
	ReadRegister(ctx context.Context, id RegisterID) (uint64, error)
	WriteRegister(ctx context.Context, id RegisterID, v uint64) error
	SetBreakpoint(ctx context.Context, addr uint64, kind BreakpointKind) error
	ClearBreakpoint(ctx context.Context, addr uint64, kind BreakpointKind) error
	Close() error
}
