package term

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"gni.dev/probedap/internal/config"
	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/breakpoint"
	"gni.dev/probedap/internal/dbg/disasm"
	"gni.dev/probedap/internal/dbg/proc"
	"gni.dev/probedap/internal/dbg/stack"
	"gni.dev/probedap/internal/dbg/target"
	"gni.dev/probedap/internal/logging"
)

const consoleGroup = "console"

var log = logging.Module("term")

type command struct {
	aliases []string
	usage   string
	fn      func(ctx context.Context, args []string) error
}

// Commands runs console commands against one target.
type Commands struct {
	cmds  []command
	out   io.Writer
	t     *target.Session
	bps   *breakpoint.Manager
	locs  []breakpoint.Location
	index *proc.Index
	mode  disasm.Mode
	cfg   config.Session
}

// NewCommands returns the console commands for t. index may be nil.
func NewCommands(t *target.Session, index *proc.Index, mode disasm.Mode, cfg config.Session, out io.Writer) *Commands {
	c := &Commands{t: t, index: index, mode: mode, cfg: cfg, out: out}
	if index != nil {
		c.bps = breakpoint.New(t, index)
	} else {
		c.bps = breakpoint.New(t, nil)
	}
	c.cmds = []command{
		{[]string{"help", "?"}, "", c.help},
		{[]string{"exit", "quit", "q"}, "", c.exit},
		{[]string{"status", "st"}, "", c.status},
		{[]string{"halt", "h"}, "", c.halt},
		{[]string{"continue", "c"}, "", c.cont},
		{[]string{"step", "s"}, "[count]", c.step},
		{[]string{"reset"}, "[run]", c.reset},
		{[]string{"wait"}, "[duration]", c.wait},
		{[]string{"regs"}, "", c.regs},
		{[]string{"reg"}, "name [value]", c.reg},
		{[]string{"x"}, "addr [words]", c.examine},
		{[]string{"w"}, "addr value", c.write},
		{[]string{"break", "b"}, "addr|func|file:line", c.setBreak},
		{[]string{"delete", "d"}, "id", c.deleteBreak},
		{[]string{"breakpoints", "bl"}, "", c.listBreaks},
		{[]string{"disas", "di"}, "[addr] [count]", c.disas},
		{[]string{"bt"}, "", c.backtrace},
		{[]string{"sym"}, "addr|name", c.sym},
	}
	return c
}

// Process runs one command line. io.EOF asks the console to quit.
func (c *Commands) Process(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return errors.New("empty command")
	}
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			if args[0] == alias {
				err := cmd.fn(ctx, args[1:])
				c.Report()
				return err
			}
		}
	}
	return errors.Errorf("unknown command '%s'", args[0])
}

// Report prints the halts that happened since the last call.
func (c *Commands) Report() {
	for _, ev := range c.t.Drain() {
		switch ev.Kind {
		case target.EventHalted:
			c.printf("stopped: %s%s\n", reasonName(ev.Status.Reason), c.where())
			if ev.Fault != nil {
				c.printf("  %s\n", ev.Fault)
			}
		case target.EventDisconnected:
			c.printf("probe lost: %v\n", ev.Err)
		}
	}
}

// Close removes the console breakpoints and releases the target.
func (c *Commands) Close() error {
	if c.t.Dead() == nil {
		if err := c.bps.ClearAll(context.Background()); err != nil {
			log.WithError(err).Warn("cannot clear breakpoints")
		}
	}
	return c.t.Close()
}

func (c *Commands) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *Commands) where() string {
	pc, err := c.t.ReadRegister(context.Background(), dbg.RegPC)
	if err != nil {
		return ""
	}
	return " at " + c.describe(pc)
}

func (c *Commands) describe(pc uint64) string {
	s := fmt.Sprintf("0x%08x", pc)
	if c.index == nil {
		return s
	}
	if sym, ok := c.index.SymbolAt(pc); ok {
		s += fmt.Sprintf(" <%s+%d>", sym.Name, pc-sym.Addr)
	}
	if loc, ok := c.index.AddressToLocation(pc); ok {
		s += " " + loc.String()
	}
	return s
}

func reasonName(r dbg.HaltReason) string {
	switch r {
	case dbg.HaltBreakpoint:
		return "breakpoint"
	case dbg.HaltStep:
		return "step"
	case dbg.HaltException:
		return "exception"
	case dbg.HaltRequest:
		return "halt"
	case dbg.HaltReset:
		return "reset"
	}
	return "unknown"
}

func (c *Commands) help(ctx context.Context, args []string) error {
	for _, cmd := range c.cmds {
		c.printf("  %-24s %s\n", strings.Join(cmd.aliases, ", "), cmd.usage)
	}
	return nil
}

func (c *Commands) exit(ctx context.Context, args []string) error {
	return io.EOF
}

func (c *Commands) status(ctx context.Context, args []string) error {
	state, reason := c.t.State()
	switch state {
	case dbg.StateHalted:
		c.printf("halted (%s)%s\n", reasonName(reason), c.where())
	case dbg.StateRunning:
		c.printf("running\n")
	default:
		c.printf("unknown\n")
	}
	return nil
}

func (c *Commands) halt(ctx context.Context, args []string) error {
	return c.t.Halt(ctx)
}

func (c *Commands) cont(ctx context.Context, args []string) error {
	pc, err := c.t.ReadRegister(ctx, dbg.RegPC)
	if err == nil && c.bps.Installed(pc) {
		if _, err := c.t.Step(ctx); err != nil {
			return err
		}
	}
	return c.t.Resume(ctx)
}

func (c *Commands) step(ctx context.Context, args []string) error {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return errors.Errorf("invalid count %q", args[0])
		}
		n = v
	}
	var st dbg.Status
	for i := 0; i < n; i++ {
		var err error
		if st, err = c.t.Step(ctx); err != nil {
			return err
		}
		if st.Reason != dbg.HaltStep {
			break
		}
	}
	c.t.Announce(st)
	return nil
}

func (c *Commands) reset(ctx context.Context, args []string) error {
	run := len(args) > 0 && args[0] == "run"
	if err := c.t.Reset(ctx, !run); err != nil {
		return err
	}
	if !run {
		c.t.Announce(dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltReset})
	}
	return nil
}

// wait blocks until the core halts or the duration passes.
func (c *Commands) wait(ctx context.Context, args []string) error {
	d := 10 * time.Second
	if len(args) > 0 {
		v, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		d = v
	}
	timeout := time.After(d)
	for {
		// Ready may still be signalled for events that were already
		// reported, so only the run state ends the wait.
		if state, _ := c.t.State(); state != dbg.StateRunning {
			return nil
		}
		select {
		case <-c.t.Ready():
		case <-timeout:
			return errors.Errorf("still running after %s", d)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Commands) regs(ctx context.Context, args []string) error {
	for i, r := range dbg.CoreRegisters {
		v, err := c.t.ReadRegister(ctx, r.ID)
		if err != nil {
			if dbg.IsFatal(err) || r.ID <= dbg.RegPC {
				return err
			}
			continue
		}
		sep := "  "
		if i%4 == 3 {
			sep = "\n"
		}
		c.printf("%-4s 0x%08x%s", r.Name, v, sep)
	}
	c.printf("\n")
	return nil
}

func (c *Commands) reg(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("register name expected")
	}
	r, ok := dbg.LookupRegister(args[0])
	if !ok {
		return errors.Errorf("unknown register %s", args[0])
	}
	if len(args) > 1 {
		v, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return err
		}
		if err := c.t.WriteRegister(ctx, r.ID, v); err != nil {
			return err
		}
	}
	v, err := c.t.ReadRegister(ctx, r.ID)
	if err != nil {
		return err
	}
	c.printf("%s = 0x%08x\n", r.Name, v)
	return nil
}

func (c *Commands) address(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}
	if c.index != nil {
		if sym, ok := c.index.LookupSymbol(s); ok {
			return sym.Addr, nil
		}
	}
	if r, ok := dbg.LookupRegister(s); ok {
		return c.t.ReadRegister(context.Background(), r.ID)
	}
	return 0, errors.Errorf("invalid address %q", s)
}

func (c *Commands) examine(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("address expected")
	}
	addr, err := c.address(args[0])
	if err != nil {
		return err
	}
	words := 4
	if len(args) > 1 {
		if words, err = strconv.Atoi(args[1]); err != nil || words < 1 {
			return errors.Errorf("invalid count %q", args[1])
		}
	}
	for i := 0; i < words; i++ {
		if i%4 == 0 {
			if i > 0 {
				c.printf("\n")
			}
			c.printf("0x%08x:", addr+uint64(4*i))
		}
		w, err := c.t.ReadWord(ctx, addr+uint64(4*i))
		if err != nil {
			c.printf("\n")
			return err
		}
		c.printf(" %08x", w)
	}
	c.printf("\n")
	return nil
}

func (c *Commands) write(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("address and value expected")
	}
	addr, err := c.address(args[0])
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return err
	}
	return c.t.WriteWord(ctx, addr, uint32(v))
}

func parseLocation(s string) breakpoint.Location {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return breakpoint.Location{Kind: breakpoint.LocAddress, Addr: v}
	}
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		if line, err := strconv.Atoi(s[i+1:]); err == nil {
			return breakpoint.Location{Kind: breakpoint.LocSource, File: s[:i], Line: line}
		}
	}
	return breakpoint.Location{Kind: breakpoint.LocFunction, Function: s}
}

func (c *Commands) setBreak(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("location expected")
	}
	loc := parseLocation(args[0])
	for _, l := range c.locs {
		if l == loc {
			return errors.Errorf("breakpoint at %s already set", loc)
		}
	}
	locs := append(c.locs[:len(c.locs):len(c.locs)], loc)
	bps, err := c.bps.Reconcile(ctx, consoleGroup, locs)
	if err != nil {
		return err
	}
	c.locs = locs
	bp := bps[len(bps)-1]
	if !bp.Verified {
		c.printf("breakpoint %d pending: %s\n", bp.ID, bp.Message)
		return nil
	}
	c.printf("breakpoint %d at %s\n", bp.ID, c.describe(bp.Addr))
	return nil
}

func (c *Commands) deleteBreak(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("breakpoint id expected")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	for _, bp := range c.consoleBreakpoints() {
		if bp.ID != id {
			continue
		}
		var locs []breakpoint.Location
		for _, loc := range c.locs {
			if loc != bp.Requested {
				locs = append(locs, loc)
			}
		}
		if _, err := c.bps.Reconcile(ctx, consoleGroup, locs); err != nil {
			return err
		}
		c.locs = locs
		return nil
	}
	return errors.Errorf("no breakpoint %d", id)
}

func (c *Commands) consoleBreakpoints() []*breakpoint.Breakpoint {
	var out []*breakpoint.Breakpoint
	for _, bp := range c.bps.Breakpoints() {
		if bp.Group == consoleGroup {
			out = append(out, bp)
		}
	}
	return out
}

func (c *Commands) listBreaks(ctx context.Context, args []string) error {
	for _, bp := range c.consoleBreakpoints() {
		state := "pending"
		if bp.Verified {
			state = fmt.Sprintf("%s %s", bp.Kind, c.describe(bp.Addr))
		}
		c.printf("%3d  %-20s %s\n", bp.ID, bp.Requested, state)
	}
	return nil
}

func (c *Commands) disas(ctx context.Context, args []string) error {
	var addr uint64
	var err error
	if len(args) > 0 {
		addr, err = c.address(args[0])
	} else {
		addr, err = c.t.ReadRegister(ctx, dbg.RegPC)
	}
	if err != nil {
		return err
	}
	count := 8
	if len(args) > 1 {
		if count, err = strconv.Atoi(args[1]); err != nil || count < 1 {
			return errors.Errorf("invalid count %q", args[1])
		}
	}
	code := make([]byte, 4*count)
	if err := c.t.ReadMemory(ctx, addr, code); err != nil {
		return err
	}
	insts, _ := disasm.Disassemble(code, addr, count, c.mode)
	for _, inst := range insts {
		c.printf("0x%08x  %-10s %s\n", inst.Address, inst.Hex(), inst.String())
	}
	return nil
}

func (c *Commands) backtrace(ctx context.Context, args []string) error {
	regs := make(map[dbg.RegisterID]uint64, len(dbg.CoreRegisters))
	for _, r := range dbg.CoreRegisters {
		v, err := c.t.ReadRegister(ctx, r.ID)
		if err != nil {
			if r.ID > dbg.RegPC && !dbg.IsFatal(err) {
				continue
			}
			return err
		}
		regs[r.ID] = v
	}
	var info stack.DebugInfo = stack.NoDebugInfo{}
	if c.index != nil {
		info = c.index
	}
	for _, f := range stack.Unwind(ctx, info, c.t, regs, c.cfg.MaxStackDepth) {
		line := fmt.Sprintf("#%-2d 0x%08x in %s", f.Index, f.PC, f.Name())
		if f.HasLine {
			line += " at " + f.Location.String()
		}
		if f.Interrupted {
			line += " [interrupted]"
		}
		c.printf("%s\n", line)
	}
	return nil
}

func (c *Commands) sym(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("address or name expected")
	}
	if c.index == nil {
		return errors.New("no program loaded")
	}
	if addr, err := strconv.ParseUint(args[0], 0, 64); err == nil {
		c.printf("%s\n", c.describe(addr))
		return nil
	}
	sym, ok := c.index.LookupSymbol(args[0])
	if !ok {
		return errors.Errorf("no symbol %s", args[0])
	}
	c.printf("%s = 0x%08x (%d bytes)\n", sym.Name, sym.Addr, sym.Size)
	return nil
}
