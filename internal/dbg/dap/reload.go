package dap

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gni.dev/probedap/internal/dbg/proc"
)

const reloadDebounce = 500 * time.Millisecond

// reloader watches the program file and signals the session when it was
// rewritten. The directory is watched because linkers replace the file.
type reloader struct {
	w      *fsnotify.Watcher
	path   string
	notify chan<- struct{}
	done   chan struct{}
	once   sync.Once
}

func watchProgram(path string, notify chan<- struct{}) (*reloader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	r := &reloader{w: w, path: abs, notify: notify, done: make(chan struct{})}
	go r.loop()
	return r, nil
}

func (r *reloader) loop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != r.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, r.signal)
		case err, ok := <-r.w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("program watcher")
		}
	}
}

func (r *reloader) signal() {
	select {
	case r.notify <- struct{}{}:
	case <-r.done:
	default:
	}
}

func (r *reloader) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.w.Close()
	})
	return err
}

// reloadProgram rebuilds the index after the program changed and moves
// the breakpoints to their new addresses.
func (s *Session) reloadProgram(ctx context.Context) {
	if s.reload == nil || s.target == nil {
		return
	}
	index, err := proc.LoadFile(s.reload.path)
	if err != nil {
		s.log.WithError(err).Warn("cannot reload program")
		s.output("console", "cannot reload program: "+err.Error())
		return
	}
	s.index = index
	s.invalidate()
	changed, err := s.bps.Rebind(ctx, index)
	if err != nil {
		s.checkFatal(ctx, err)
		return
	}
	s.breakpointEvents(changed)
	s.log.WithField("program", s.reload.path).WithField("changed", len(changed)).Info("program reloaded")
	s.output("console", "reloaded "+filepath.Base(s.reload.path))
}
