package dap

import (
	"fmt"

	"github.com/go-faster/errors"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/target"
)

type gniDAPError int

const (
	processingErr gniDAPError = iota
	parseErr
	launchErr
	setBreakpointsErr
	notInitializedErr
	orderingErr
	unsupportedErr
	malformedErr
	terminatedErr
	probeTimeoutErr
	probeDisconnectedErr
	probeBusyErr
	noCatalogErr
	evaluateErr
	memoryErr
	formatParseErr
)

func (e gniDAPError) String() string {
	return []string{
		"Processing error",
		"Parse error",
		"Failed to launch",
		"Failed to set breakpoints",
		"not initialized",
		"Request not allowed now",
		"unsupported request",
		"Malformed request",
		"Session terminated",
		"Probe unresponsive",
		"Probe disconnected",
		"Probe in use",
		"no catalog loaded",
		"Cannot evaluate",
		"Memory access failed",
		"Cannot read file",
	}[e]
}

// OrderingError reports a request that is valid but not in the current
// session state.
type OrderingError struct {
	Command string
	State   state
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("%s is not allowed while %s", e.Command, e.State)
}

// MalformedRequestError reports arguments that do not have the expected
// shape.
type MalformedRequestError struct {
	Command string
	Err     error
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed %s request: %v", e.Command, e.Err)
}

func (e *MalformedRequestError) Unwrap() error { return e.Err }

var (
	errNotInitialized = errors.New("not initialized")
	errTerminated     = errors.New("session terminated")
	errUnsupported    = errors.New("unsupported request")
	errParse          = errors.New("payload is not JSON")
)

// errorID picks the DAP error id for err, falling back to def.
func errorID(err error, def gniDAPError) gniDAPError {
	var (
		ordering  *OrderingError
		malformed *MalformedRequestError
		parse     *dbg.FormatParseError
	)
	switch {
	case errors.Is(err, errNotInitialized):
		return notInitializedErr
	case errors.Is(err, errTerminated):
		return terminatedErr
	case errors.Is(err, errUnsupported):
		return unsupportedErr
	case errors.Is(err, errParse):
		return parseErr
	case errors.As(err, &ordering), errors.Is(err, target.ErrRunning):
		return orderingErr
	case errors.As(err, &malformed):
		return malformedErr
	case errors.Is(err, dbg.ErrProbeDisconnected):
		return probeDisconnectedErr
	case errors.Is(err, dbg.ErrProbeTimeout):
		return probeTimeoutErr
	case errors.Is(err, target.ErrProbeBusy):
		return probeBusyErr
	case errors.Is(err, dbg.ErrNoCatalog):
		return noCatalogErr
	case errors.As(err, &parse):
		return formatParseErr
	}
	return def
}
