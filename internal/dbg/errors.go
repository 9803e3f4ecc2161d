package dbg

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrProbeTimeout is returned by probes when a command did not complete in time.
	ErrProbeTimeout = errors.New("probe unresponsive")
	// ErrProbeDisconnected is returned by probes once the link to the hardware is gone.
	ErrProbeDisconnected = errors.New("probe disconnected")
	// ErrNoResources is returned when no breakpoint slot is left on the target.
	ErrNoResources = errors.New("no breakpoint resources left")
	// ErrNoCatalog is returned by peripheral-aware features without a chip description.
	ErrNoCatalog = errors.New("no catalog loaded")
)

// ProbeTimeoutError is a recoverable failure: the command was retried and
// never completed, but the session stays usable.
type ProbeTimeoutError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ProbeTimeoutError) Error() string {
	return fmt.Sprintf("%s: probe unresponsive after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ProbeTimeoutError) Unwrap() error { return e.Err }

func (e *ProbeTimeoutError) Is(target error) bool { return target == ErrProbeTimeout }

// ProbeDisconnectedError is fatal for the owning session.
type ProbeDisconnectedError struct {
	Op  string
	Err error
}

func (e *ProbeDisconnectedError) Error() string {
	return fmt.Sprintf("%s: probe disconnected: %v", e.Op, e.Err)
}

func (e *ProbeDisconnectedError) Unwrap() error { return e.Err }

func (e *ProbeDisconnectedError) Is(target error) bool { return target == ErrProbeDisconnected }

// TargetFaultError describes a core exception. It is reported as a halt
// reason, never as a failed operation.
type TargetFaultError struct {
	Signal int
	Detail string
}

func (e *TargetFaultError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("target fault (signal %d)", e.Signal)
	}
	return fmt.Sprintf("target fault: %s", e.Detail)
}

// UnresolvedLocationError means a source location or symbol has no address.
type UnresolvedLocationError struct {
	Location string
	Reason   string
}

func (e *UnresolvedLocationError) Error() string {
	return fmt.Sprintf("location %s not resolved: %s", e.Location, e.Reason)
}

// FormatParseError means a binary or chip description could not be read.
type FormatParseError struct {
	Path   string
	Format string
	Err    error
}

func (e *FormatParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cannot parse %s: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("cannot parse %s %s: %v", e.Format, e.Path, e.Err)
}

func (e *FormatParseError) Unwrap() error { return e.Err }

// IsFatal reports whether err must tear the debugging session down.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProbeDisconnected)
}
