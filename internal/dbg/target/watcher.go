package target

import (
	"context"
	"time"

	"gni.dev/probedap/internal/dbg"
)

// watch polls a running core until it halts. It shares the session lock
// with every other probe command.
func (s *Session) watch(ctx context.Context) {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !s.poll(ctx) {
				return
			}
		}
	}
}

// poll checks the core once. It returns false when the session is dead.
func (s *Session) poll(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead != nil {
		return false
	}
	if s.state != dbg.StateRunning {
		return true
	}

	var st dbg.Status
	err := s.do(ctx, "status", true, func(ctx context.Context) (err error) {
		st, err = s.probe.Status(ctx)
		return
	})
	if err != nil {
		if dbg.IsFatal(err) {
			return false
		}
		log.WithError(err).Warn("status poll failed")
		return true
	}
	if st.State == dbg.StateHalted {
		log.WithField("reason", st.Reason).Debug("core halted")
		s.halted(st)
	}
	return true
}
