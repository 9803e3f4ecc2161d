package gdbremote

import (
	"fmt"
	"strconv"
	"strings"

	"gni.dev/probedap/internal/dbg"
)

// Signal numbers reported in stop replies.
const (
	sigINT  = 2
	sigILL  = 4
	sigTRAP = 5
	sigBUS  = 7
	sigFPE  = 8
	sigSEGV = 11
)

// parseStopReply decodes a 'S' or 'T' stop reply. 'W' and 'X' mean the
// target is gone.
func parseStopReply(resp string) (dbg.Status, error) {
	if resp == "" {
		return dbg.Status{}, fmt.Errorf("empty stop reply")
	}
	switch resp[0] {
	case 'S', 'T':
	case 'W', 'X':
		return dbg.Status{}, fmt.Errorf("%w: target exited (%s)", dbg.ErrProbeDisconnected, resp)
	case 'E':
		return dbg.Status{}, fmt.Errorf("stop reply error: %s", resp)
	default:
		return dbg.Status{}, fmt.Errorf("unexpected stop reply: %s", resp)
	}
	if len(resp) < 3 {
		return dbg.Status{}, fmt.Errorf("malformed stop reply: %s", resp)
	}
	sig, err := strconv.ParseUint(resp[1:3], 16, 8)
	if err != nil {
		return dbg.Status{}, fmt.Errorf("malformed stop reply: %s", resp)
	}

	st := dbg.Status{State: dbg.StateHalted, Signal: int(sig)}
	var details []string
	for _, kv := range strings.Split(resp[3:], ";") {
		key, value, ok := strings.Cut(kv, ":")
		if !ok {
			continue
		}
		switch key {
		case "swbreak", "hwbreak":
			st.Reason = dbg.HaltBreakpoint
		case "watch", "rwatch", "awatch":
			st.Reason = dbg.HaltBreakpoint
			details = append(details, key+" "+value)
		case "reason":
			details = append(details, value)
		}
	}
	if st.Reason == dbg.HaltNone {
		st.Reason = signalReason(st.Signal)
	}
	if st.Reason == dbg.HaltException {
		details = append(details, signalName(st.Signal))
	}
	st.Detail = strings.Join(details, ", ")
	return st, nil
}

func signalReason(sig int) dbg.HaltReason {
	switch sig {
	case sigINT:
		return dbg.HaltRequest
	case sigTRAP, 0:
		return dbg.HaltBreakpoint
	default:
		return dbg.HaltException
	}
}

func signalName(sig int) string {
	switch sig {
	case sigILL:
		return "illegal instruction"
	case sigBUS:
		return "bus fault"
	case sigFPE:
		return "arithmetic fault"
	case sigSEGV:
		return "memory fault"
	}
	return fmt.Sprintf("signal %d", sig)
}
