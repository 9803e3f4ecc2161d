package dap

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/go-dap"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/breakpoint"
	"gni.dev/probedap/internal/dbg/disasm"
	"gni.dev/probedap/internal/dbg/proc"
	"gni.dev/probedap/internal/dbg/svd"
	"gni.dev/probedap/internal/dbg/target"
)

// launchArgs are the arguments shared by launch and attach.
type launchArgs struct {
	Program        string
	Probe          string
	SVD            string
	StopOnEntry    bool
	HaltOnAttach   bool
	Reset          bool
	WatchProgram   bool
	InstructionSet string
	NoDebug        bool
}

func parseLaunchArgs(raw json.RawMessage) (launchArgs, error) {
	var a launchArgs
	if len(raw) == 0 {
		return a, nil
	}
	str := func(d *jx.Decoder, dst *string) error {
		v, err := d.Str()
		*dst = v
		return err
	}
	boolean := func(d *jx.Decoder, dst *bool) error {
		v, err := d.Bool()
		*dst = v
		return err
	}
	d := jx.DecodeBytes(raw)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "program":
			return str(d, &a.Program)
		case "probe":
			return str(d, &a.Probe)
		case "svd":
			return str(d, &a.SVD)
		case "instructionSet":
			return str(d, &a.InstructionSet)
		case "stopOnEntry":
			return boolean(d, &a.StopOnEntry)
		case "haltOnAttach":
			return boolean(d, &a.HaltOnAttach)
		case "reset":
			return boolean(d, &a.Reset)
		case "watchProgram":
			return boolean(d, &a.WatchProgram)
		case "noDebug":
			return boolean(d, &a.NoDebug)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return launchArgs{}, errors.Wrap(err, "arguments")
	}
	return a, nil
}

func (s *Session) onLaunch(ctx context.Context, req *dap.LaunchRequest) (dap.ResponseMessage, error) {
	if err := s.start(ctx, req.Arguments, &req.Request); err != nil {
		return nil, err
	}
	if err := s.target.Reset(ctx, true); err != nil {
		s.abortStart(ctx)
		return nil, err
	}
	s.afterLaunch(ctx)
	return &dap.LaunchResponse{Response: s.newResponse(&req.Request)}, nil
}

func (s *Session) onAttach(ctx context.Context, req *dap.AttachRequest) (dap.ResponseMessage, error) {
	if err := s.start(ctx, req.Arguments, &req.Request); err != nil {
		return nil, err
	}
	var err error
	switch {
	case s.args.Reset:
		err = s.target.Reset(ctx, true)
	case s.args.HaltOnAttach:
		err = s.target.Halt(ctx)
	}
	if err != nil {
		s.abortStart(ctx)
		return nil, err
	}
	s.afterLaunch(ctx)
	return &dap.AttachResponse{Response: s.newResponse(&req.Request)}, nil
}

// afterLaunch releases the target right away when configuration is
// already done.
func (s *Session) afterLaunch(ctx context.Context) {
	s.launched = true
	if s.state == stateConfigured {
		s.afterResponse(s.releaseTarget)
	}
}

// start connects to the probe and loads the program and chip description.
func (s *Session) start(ctx context.Context, raw json.RawMessage, req *dap.Request) error {
	if s.launched {
		return &OrderingError{Command: req.Command, State: s.state}
	}
	args, err := parseLaunchArgs(raw)
	if err != nil {
		return &MalformedRequestError{Command: req.Command, Err: err}
	}
	s.args = args

	mode := args.InstructionSet
	if mode == "" {
		mode = s.opts.Config.Session.InstructionSet
	}
	if s.mode, err = disasm.ParseMode(mode); err != nil {
		return &MalformedRequestError{Command: req.Command, Err: err}
	}

	var index *proc.Index
	if args.Program != "" {
		index, err = proc.LoadFile(args.Program)
		var parse *dbg.FormatParseError
		switch {
		case errors.As(err, &parse):
			s.output("console", "warning: "+err.Error()+"; debugging without symbols")
		case err != nil:
			return errors.Wrap(err, "load program")
		}
	}

	catalogPath := args.SVD
	if catalogPath == "" {
		catalogPath = s.opts.Config.Catalog.Path
	}
	var catalog *svd.Catalog
	if catalogPath != "" {
		if catalog, err = svd.LoadFile(catalogPath); err != nil {
			s.output("console", "warning: "+err.Error())
			catalog = nil
		}
	}

	if err := s.connect(ctx, args.Probe); err != nil {
		return err
	}
	s.index = index
	s.catalog = catalog

	changed, err := s.bps.Attach(ctx, s.target, s.resolver())
	if err != nil {
		s.abortStart(ctx)
		return err
	}
	s.breakpointEvents(changed)
	if err := s.applyExceptionFilters(ctx); err != nil {
		s.log.WithError(err).Warn("cannot set exception filters")
	}

	if args.WatchProgram && args.Program != "" {
		w, err := watchProgram(args.Program, s.reloads)
		if err != nil {
			s.output("console", "warning: cannot watch program: "+err.Error())
		} else {
			s.reload = w
		}
	}
	return nil
}

// abortStart undoes a launch or attach that failed after the probe was
// connected, so that the client may try again.
func (s *Session) abortStart(ctx context.Context) {
	var verified []*breakpoint.Breakpoint
	for _, bp := range s.bps.Breakpoints() {
		if bp.Verified {
			verified = append(verified, bp)
		}
	}
	s.dropTarget(ctx, false)
	s.index = nil
	s.catalog = nil
	s.breakpointEvents(verified)
}

// connect claims and opens the probe.
func (s *Session) connect(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.opts.Config.Probe.Address
	}
	release, err := s.opts.Registry.Claim(addr, s.id)
	if err != nil {
		return err
	}
	probe, err := s.opts.Dial(ctx, addr)
	if err != nil {
		release()
		return errors.Wrapf(err, "connect to %s", addr)
	}
	t := target.New(probe, s.opts.Config.Probe)
	if err := t.Start(ctx); err != nil {
		t.Close()
		release()
		return errors.Wrapf(err, "start %s", addr)
	}
	s.log.WithField("probe", addr).Info("probe connected")
	s.target = t
	s.release = release
	return nil
}

// resolver returns the index as a breakpoint resolver, or nil without a
// program.
func (s *Session) resolver() breakpoint.Resolver {
	if s.index == nil {
		return nil
	}
	return s.index
}
