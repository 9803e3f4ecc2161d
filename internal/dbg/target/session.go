// Package target owns the probe of one debugging session. Every probe call
// goes through a Session, which serializes them, applies timeouts and
// retries, and turns halts into an ordered stream of events.
package target

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"gni.dev/probedap/internal/config"
	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/logging"
)

var log = logging.Module("target")

// ErrRunning is returned by operations that need a halted core.
var ErrRunning = errors.New("core is running")

type EventKind int

const (
	EventHalted EventKind = iota
	EventDisconnected
)

// Event is a change of the target that the client must learn about.
type Event struct {
	Kind   EventKind
	Status dbg.Status
	// Fault is set when the core halted on an exception.
	Fault *dbg.TargetFaultError
	// Err is set for EventDisconnected.
	Err error
}

type Session struct {
	mu     sync.Mutex
	probe  dbg.Probe
	cfg    config.Probe
	state  dbg.RunState
	reason dbg.HaltReason
	dead   error

	events *queue
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(probe dbg.Probe, cfg config.Probe) *Session {
	return &Session{
		probe:  probe,
		cfg:    cfg,
		events: newQueue(),
	}
}

// Start reads the initial core state and starts the halt watcher.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	var st dbg.Status
	err := s.do(ctx, "status", true, func(ctx context.Context) (err error) {
		st, err = s.probe.Status(ctx)
		return
	})
	if err == nil {
		s.state = st.State
		s.reason = st.Reason
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(wctx)
	}()
	return nil
}

// Close stops the watcher and releases the probe.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probe.Close()
}

func (s *Session) ProbeID() string { return s.probe.ID() }

// State returns the last known run state and halt reason.
func (s *Session) State() (dbg.RunState, dbg.HaltReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Dead returns the error that killed the session, or nil.
func (s *Session) Dead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// Ready is signalled whenever events are queued.
func (s *Session) Ready() <-chan struct{} { return s.events.notify }

// Drain returns the queued events in the order they happened.
func (s *Session) Drain() []Event { return s.events.drain() }

// Announce queues a halt the caller caused itself, such as a completed
// source step.
func (s *Session) Announce(st dbg.Status) {
	s.events.push(haltEvent(st))
}

func (s *Session) Halt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == dbg.StateHalted {
		return nil
	}
	if err := s.do(ctx, "halt", true, s.probe.Halt); err != nil {
		return err
	}
	st, err := s.waitHalt(ctx, "halt")
	if err != nil {
		return err
	}
	if st.Reason == dbg.HaltNone {
		st.Reason = dbg.HaltRequest
	}
	s.halted(st)
	return nil
}

func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == dbg.StateRunning {
		return nil
	}
	if err := s.do(ctx, "resume", false, s.probe.Resume); err != nil {
		return err
	}
	s.state = dbg.StateRunning
	s.reason = dbg.HaltNone
	return nil
}

// Step executes one instruction. The halt is not queued: callers stepping
// over a source line announce only the final stop.
func (s *Session) Step(ctx context.Context) (dbg.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == dbg.StateRunning {
		return dbg.Status{}, errors.Wrap(ErrRunning, "step")
	}
	var st dbg.Status
	err := s.do(ctx, "step", false, func(ctx context.Context) (err error) {
		st, err = s.probe.Step(ctx)
		return
	})
	if err != nil {
		return dbg.Status{}, err
	}
	if st.Reason != dbg.HaltException && st.Reason != dbg.HaltBreakpoint {
		st.Reason = dbg.HaltStep
	}
	st.State = dbg.StateHalted
	s.state = dbg.StateHalted
	s.reason = st.Reason
	return st, nil
}

// Reset resets the core. With halt it stays at the reset vector.
func (s *Session) Reset(ctx context.Context, halt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.do(ctx, "reset", false, func(ctx context.Context) error {
		return s.probe.Reset(ctx, halt)
	})
	if err != nil {
		return err
	}
	if halt {
		s.state = dbg.StateHalted
		s.reason = dbg.HaltReset
	} else {
		s.state = dbg.StateRunning
		s.reason = dbg.HaltNone
	}
	return nil
}

func (s *Session) ReadMemory(ctx context.Context, addr uint64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.do(ctx, "read memory", true, func(ctx context.Context) error {
		return s.probe.ReadMemory(ctx, addr, p)
	})
}

func (s *Session) WriteMemory(ctx context.Context, addr uint64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.do(ctx, "write memory", true, func(ctx context.Context) error {
		return s.probe.WriteMemory(ctx, addr, p)
	})
}

// ReadWord reads a little-endian 32-bit word.
func (s *Session) ReadWord(ctx context.Context, addr uint64) (uint32, error) {
	var b [4]byte
	if err := s.ReadMemory(ctx, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (s *Session) WriteWord(ctx context.Context, addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return s.WriteMemory(ctx, addr, b[:])
}

func (s *Session) ReadRegister(ctx context.Context, id dbg.RegisterID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == dbg.StateRunning {
		return 0, errors.Wrap(ErrRunning, "read register")
	}
	var v uint64
	err := s.do(ctx, "read register", true, func(ctx context.Context) (err error) {
		v, err = s.probe.ReadRegister(ctx, id)
		return
	})
	return v, err
}

func (s *Session) WriteRegister(ctx context.Context, id dbg.RegisterID, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == dbg.StateRunning {
		return errors.Wrap(ErrRunning, "write register")
	}
	return s.do(ctx, "write register", true, func(ctx context.Context) error {
		return s.probe.WriteRegister(ctx, id, v)
	})
}

// SetBreakpoint installs a breakpoint, preferring a hardware comparator and
// falling back to a software breakpoint when none is left. It returns the
// kind actually used.
func (s *Session) SetBreakpoint(ctx context.Context, addr uint64) (dbg.BreakpointKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := dbg.HardwareBreakpoint
	err := s.withHalted(ctx, func() error {
		err := s.do(ctx, "set breakpoint", true, func(ctx context.Context) error {
			return s.probe.SetBreakpoint(ctx, addr, dbg.HardwareBreakpoint)
		})
		if !errors.Is(err, dbg.ErrNoResources) {
			return err
		}
		log.WithField("addr", addr).Debug("no hardware comparator left, using software breakpoint")
		kind = dbg.SoftwareBreakpoint
		return s.do(ctx, "set breakpoint", true, func(ctx context.Context) error {
			return s.probe.SetBreakpoint(ctx, addr, dbg.SoftwareBreakpoint)
		})
	})
	return kind, err
}

func (s *Session) ClearBreakpoint(ctx context.Context, addr uint64, kind dbg.BreakpointKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withHalted(ctx, func() error {
		return s.do(ctx, "clear breakpoint", true, func(ctx context.Context) error {
			return s.probe.ClearBreakpoint(ctx, addr, kind)
		})
	})
}

// withHalted runs fn with the core halted, halting and resuming it around
// fn if it was running. The temporary halt is not reported, unless the core
// turns out to have stopped on its own meanwhile.
func (s *Session) withHalted(ctx context.Context, fn func() error) error {
	if s.state != dbg.StateRunning {
		return fn()
	}
	if err := s.do(ctx, "halt", true, s.probe.Halt); err != nil {
		return err
	}
	st, err := s.waitHalt(ctx, "halt")
	if err != nil {
		return err
	}
	if st.Reason != dbg.HaltRequest && st.Reason != dbg.HaltNone {
		s.halted(st)
		return fn()
	}
	if err := fn(); err != nil {
		s.do(ctx, "resume", false, s.probe.Resume)
		return err
	}
	return s.do(ctx, "resume", false, s.probe.Resume)
}

// waitHalt polls until the core reports halted or the halt timeout expires.
func (s *Session) waitHalt(ctx context.Context, op string) (dbg.Status, error) {
	deadline := time.Now().Add(s.cfg.HaltTimeout)
	for {
		var st dbg.Status
		err := s.do(ctx, "status", true, func(ctx context.Context) (err error) {
			st, err = s.probe.Status(ctx)
			return
		})
		if err != nil {
			return dbg.Status{}, err
		}
		if st.State == dbg.StateHalted {
			return st, nil
		}
		if time.Now().After(deadline) {
			return dbg.Status{}, &dbg.ProbeTimeoutError{Op: op, Attempts: 1, Err: errors.New("core did not halt")}
		}
		select {
		case <-ctx.Done():
			return dbg.Status{}, errors.Wrap(ctx.Err(), op)
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Session) halted(st dbg.Status) {
	st.State = dbg.StateHalted
	s.state = dbg.StateHalted
	s.reason = st.Reason
	s.events.push(haltEvent(st))
}

func haltEvent(st dbg.Status) Event {
	ev := Event{Kind: EventHalted, Status: st}
	if st.Reason == dbg.HaltException {
		ev.Fault = &dbg.TargetFaultError{Signal: st.Signal, Detail: st.Detail}
	}
	return ev
}

// do runs one probe command with a per-attempt timeout. Idempotent
// commands are retried after a timeout; a disconnect kills the session.
// s.mu must be held.
func (s *Session) do(ctx context.Context, op string, idempotent bool, fn func(context.Context) error) error {
	if s.dead != nil {
		return &dbg.ProbeDisconnectedError{Op: op, Err: s.dead}
	}
	attempts := 1
	if idempotent {
		attempts += s.cfg.Retries
	}

	var err error
	for i := 0; i < attempts; i++ {
		actx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err = fn(actx)
		cancel()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, dbg.ErrProbeDisconnected):
			s.kill(err)
			return &dbg.ProbeDisconnectedError{Op: op, Err: err}
		case errors.Is(err, dbg.ErrProbeTimeout), errors.Is(err, context.DeadlineExceeded):
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), op)
			}
			log.WithError(err).WithField("op", op).WithField("attempt", i+1).Debug("probe timeout")
		default:
			return errors.Wrap(err, op)
		}
	}
	return &dbg.ProbeTimeoutError{Op: op, Attempts: attempts, Err: err}
}

func (s *Session) kill(err error) {
	if s.dead != nil {
		return
	}
	log.WithError(err).Error("probe lost")
	s.dead = err
	s.state = dbg.StateUnknown
	s.reason = dbg.HaltNone
	s.events.push(Event{Kind: EventDisconnected, Err: &dbg.ProbeDisconnectedError{Op: "probe", Err: err}})
}
