package term

import (
	"context"
	"io"
	"os"

	"github.com/go-faster/errors"

	"gni.dev/probedap/internal/config"
	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/disasm"
	"gni.dev/probedap/internal/dbg/gdbremote"
	"gni.dev/probedap/internal/dbg/proc"
	"gni.dev/probedap/internal/dbg/target"
)

type Options struct {
	Config config.Config
	// Probe overrides the configured probe address.
	Probe   string
	Program string
	// Init is run before the first prompt, commands separated by ';'.
	Init string
	Dial func(ctx context.Context, addr string) (dbg.Probe, error)
}

// Connect attaches to the probe and loads the program, if any. The core is
// left in whatever state it was found.
func Connect(ctx context.Context, opts Options) (*Commands, error) {
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, addr string) (dbg.Probe, error) {
			return gdbremote.Dial(ctx, addr)
		}
	}
	mode, err := disasm.ParseMode(opts.Config.Session.InstructionSet)
	if err != nil {
		return nil, err
	}
	var index *proc.Index
	if opts.Program != "" {
		if index, err = proc.LoadFile(opts.Program); err != nil {
			return nil, errors.Wrap(err, "load program")
		}
	}
	addr := opts.Probe
	if addr == "" {
		addr = opts.Config.Probe.Address
	}
	probe, err := opts.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	t := target.New(probe, opts.Config.Probe)
	if err := t.Start(ctx); err != nil {
		t.Close()
		return nil, errors.Wrapf(err, "start %s", addr)
	}
	log.WithField("probe", addr).Info("console attached")
	return NewCommands(t, index, mode, opts.Config.Session, io.Discard), nil
}

// Run serves the console on the controlling terminal.
func Run(ctx context.Context, opts Options) error {
	if !IsTerminal(int(os.Stdout.Fd())) || !IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("stdin and stdout must be terminals")
	}
	cmds, err := Connect(ctx, opts)
	if err != nil {
		return err
	}

	st, err := TerminalMode(int(os.Stdin.Fd()))
	if err != nil {
		cmds.Close()
		return errors.Wrap(err, "set terminal mode")
	}
	defer st.Restore()

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	return New(screen, "(probedap) ", cmds).Run(ctx, opts.Init)
}
