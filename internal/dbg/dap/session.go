package dap

import (
	"bufio"
	"context"
	"io"

	"github.com/go-faster/errors"
	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gni.dev/probedap/internal/config"
	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/breakpoint"
	"gni.dev/probedap/internal/dbg/disasm"
	"gni.dev/probedap/internal/dbg/gdbremote"
	"gni.dev/probedap/internal/dbg/proc"
	"gni.dev/probedap/internal/dbg/stack"
	"gni.dev/probedap/internal/dbg/svd"
	"gni.dev/probedap/internal/dbg/target"
	"gni.dev/probedap/internal/logging"
)

var log = logging.Module("dap")

// state is the lifecycle of a client session.
type state int

const (
	stateUninitialized state = iota
	stateInitializing
	// stateConfigured is reached when configuration is done before the
	// target was launched or attached.
	stateConfigured
	stateRunning
	stateHalted
	stateTerminating
	stateTerminated
)

func (s state) String() string {
	return []string{"uninitialized", "initializing", "configured", "running", "halted", "terminating", "terminated"}[s]
}

// DialFunc connects to the probe at addr.
type DialFunc func(ctx context.Context, addr string) (dbg.Probe, error)

type Options struct {
	Config config.Config
	// Dial defaults to a GDB remote connection.
	Dial DialFunc
	// Registry is shared by the sessions of a server.
	Registry *target.Registry
}

// threadID is the only thread: the debugged core.
const threadID = 1

// Session serves one client. All of its state is owned by the goroutine
// running Serve.
type Session struct {
	id   string
	rw   io.ReadWriter
	opts Options
	log  *logrus.Entry
	seq  int

	state state

	target  *target.Session
	release func()
	index   *proc.Index
	// lines replaces the line information of index when set.
	lines   lineTable
	catalog *svd.Catalog
	bps     *breakpoint.Manager
	mode    disasm.Mode
	args    launchArgs

	// launched is set once launch or attach succeeded.
	launched   bool
	excFilters []string
	// early holds a halt that happened before configuration was done.
	early *target.Event

	frames  []*stack.Frame
	handles *handles
	step    *stepper

	reload  *reloader
	reloads chan struct{}

	after   []func(ctx context.Context)
	closing bool
}

func NewSession(rw io.ReadWriter, opts Options) *Session {
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, addr string) (dbg.Probe, error) {
			return gdbremote.Dial(ctx, addr)
		}
	}
	if opts.Registry == nil {
		opts.Registry = target.NewRegistry()
	}
	id := uuid.NewString()
	bps := breakpoint.New(nil, nil)
	return &Session{
		id:      id,
		rw:      rw,
		opts:    opts,
		log:     log.WithField("session", id),
		bps:     bps,
		handles: newHandles(),
		reloads: make(chan struct{}, 1),
	}
}

func (s *Session) ID() string { return s.id }

// Serve handles requests until the client disconnects or the transport
// fails. A disconnect request or the end of the stream return nil.
func (s *Session) Serve(ctx context.Context) error {
	s.log.Info("session started")
	defer s.log.Info("session ended")

	msgs := make(chan incoming)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		r := bufio.NewReader(s.rw)
		for {
			in, err := readMessage(r)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- in:
			case <-done:
				return
			}
		}
	}()

	for {
		var ready <-chan struct{}
		if s.target != nil {
			ready = s.target.Ready()
		}
		select {
		case <-ctx.Done():
			s.shutdown(context.Background())
			return ctx.Err()
		case err := <-readErr:
			s.shutdown(ctx)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return errors.Wrap(err, "read request")
		case <-ready:
			s.drainEvents(ctx)
		case <-s.reloads:
			s.reloadProgram(ctx)
			s.drainEvents(ctx)
		case in := <-msgs:
			s.drainEvents(ctx)
			if err := s.dispatch(ctx, in); err != nil {
				s.shutdown(ctx)
				return err
			}
			s.drainEvents(ctx)
			if s.closing {
				s.shutdown(ctx)
				return nil
			}
		}
	}
}

// dispatch answers one frame. It only fails when the transport does.
func (s *Session) dispatch(ctx context.Context, in incoming) error {
	if in.err != nil {
		seq, cmd, err := decodeError(in)
		s.log.WithError(err).Debug("cannot decode request")
		return s.sendErr(seq, cmd, err, malformedErr)
	}
	m, ok := in.msg.(dap.RequestMessage)
	if !ok {
		seq, cmd := requestHeader(in.raw)
		return s.sendErr(seq, cmd, &MalformedRequestError{Command: cmd, Err: errors.New("only requests are allowed")}, malformedErr)
	}
	req := m.GetRequest()
	logger := s.log.WithField("command", req.Command).WithField("seq", req.Seq)

	c, ok := parseCommand(req.Command)
	if !ok {
		return s.sendErr(req.Seq, req.Command, errors.Wrap(errUnsupported, req.Command), unsupportedErr)
	}
	spec := handlers[c]
	if !spec.allowed.has(s.state) {
		var err error
		switch s.state {
		case stateUninitialized:
			err = errNotInitialized
		case stateTerminating, stateTerminated:
			err = errTerminated
		default:
			err = &OrderingError{Command: req.Command, State: s.state}
		}
		logger.WithError(err).Debug("request rejected")
		return s.sendErr(req.Seq, req.Command, err, orderingErr)
	}

	logger.Debug("request")
	resp, err := spec.fn(s, ctx, m)
	if err != nil {
		logger.WithError(err).Info("request failed")
		if sendErr := s.sendErr(req.Seq, req.Command, err, failureID(c)); sendErr != nil {
			return sendErr
		}
		s.checkFatal(ctx, err)
		s.after = nil
		return nil
	}
	if err := s.send(resp); err != nil {
		return err
	}
	after := s.after
	s.after = nil
	for _, fn := range after {
		fn(ctx)
	}
	return nil
}

// failureID is the error id of a failed request that no specific error
// explains.
func failureID(c command) gniDAPError {
	switch c {
	case cmdLaunch, cmdAttach:
		return launchErr
	case cmdSetBreakpoints, cmdSetFunctionBreakpoints, cmdSetInstructionBreakpoints:
		return setBreakpointsErr
	case cmdReadMemory, cmdWriteMemory:
		return memoryErr
	case cmdEvaluate:
		return evaluateErr
	}
	return processingErr
}

// afterResponse runs fn once the response of the current request is sent.
func (s *Session) afterResponse(fn func(ctx context.Context)) {
	s.after = append(s.after, fn)
}

func (s *Session) send(m dap.Message) error {
	if err := writeMessage(s.rw, m); err != nil {
		s.log.WithError(err).Warn("cannot write message")
		return errors.Wrap(err, "write message")
	}
	return nil
}

func (s *Session) sendErr(seq int, cmd string, err error, def gniDAPError) error {
	id := errorID(err, def)
	return s.send(s.newErrResponse(seq, cmd, id, err.Error(), id == launchErr || id == probeDisconnectedErr))
}

func (s *Session) sendEvent(m dap.EventMessage) {
	if err := s.send(m); err != nil {
		s.closing = true
	}
}

func (s *Session) output(category, text string) {
	s.sendEvent(&dap.OutputEvent{
		Event: s.newEvent("output"),
		Body:  dap.OutputEventBody{Category: category, Output: text + "\n"},
	})
}

// checkFatal terminates the session after a probe disconnect.
func (s *Session) checkFatal(ctx context.Context, err error) {
	if dbg.IsFatal(err) && s.state != stateTerminated {
		s.terminate(ctx, err)
	}
}

// terminate drops the target and tells the client the session is over.
// Later requests fail without touching the probe.
func (s *Session) terminate(ctx context.Context, cause error) {
	if s.state == stateTerminated {
		return
	}
	s.state = stateTerminating
	if cause != nil {
		s.log.WithError(cause).Error("terminating session")
		s.output("stderr", cause.Error())
	}
	s.dropTarget(ctx, cause == nil)
	s.sendEvent(&dap.TerminatedEvent{Event: s.newEvent("terminated")})
	s.state = stateTerminated
}

// dropTarget releases the probe. With cleanup the breakpoints are removed
// from the target first.
func (s *Session) dropTarget(ctx context.Context, cleanup bool) {
	s.cancelStep(ctx)
	s.invalidate()
	if s.reload != nil {
		s.reload.Close()
		s.reload = nil
	}
	if s.target == nil {
		return
	}
	alive := s.target.Dead() == nil
	if cleanup && alive {
		if err := s.bps.ClearAll(ctx); err != nil {
			s.log.WithError(err).Warn("cannot clear breakpoints")
		}
	} else {
		s.bps.Detach(ctx, alive)
	}
	if err := s.target.Close(); err != nil {
		s.log.WithError(err).Debug("close probe")
	}
	s.target = nil
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

func (s *Session) shutdown(ctx context.Context) {
	if s.target != nil || s.reload != nil {
		s.dropTarget(ctx, true)
	}
	if s.state != stateTerminated {
		s.state = stateTerminated
	}
}

// invalidate forgets everything derived from the current halt.
func (s *Session) invalidate() {
	s.frames = nil
	s.handles.reset()
}

// drainEvents reports what happened on the target since the last call.
func (s *Session) drainEvents(ctx context.Context) {
	if s.target == nil {
		return
	}
	for _, ev := range s.target.Drain() {
		if s.state == stateTerminated {
			return
		}
		switch ev.Kind {
		case target.EventDisconnected:
			s.terminate(ctx, ev.Err)
		case target.EventHalted:
			s.onHalt(ctx, ev)
		}
	}
}
