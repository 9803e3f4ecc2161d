// Package logging configures logrus for the whole process and hands out
// per-module entries.
package logging

import (
	"io"
	"os"
	"sort"
	"sync"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"gni.dev/probedap/internal/config"
)

var (
	mu      sync.Mutex
	modules = map[string]*logrus.Entry{}
)

// Module returns the logger of the named module. Every entry carries a
// "mod" field so that output of concurrent sessions can be filtered.
func Module(name string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	if e, ok := modules[name]; ok {
		return e
	}
	e := logrus.StandardLogger().WithField("mod", name)
	modules[name] = e
	return e
}

// ModuleNames returns the modules that requested a logger so far.
func ModuleNames() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(modules))
	for n := range modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Setup applies the log configuration. Output never goes to stdout, which
// may carry the DAP transport.
func Setup(cfg config.Log) (io.Closer, error) {
	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	logrus.SetLevel(lvl)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{DisableColors: cfg.File != ""})
	default:
		return nil, errors.Errorf("unknown log format %q", cfg.Format)
	}

	if cfg.File == "" {
		logrus.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	logrus.SetOutput(f)
	return f, nil
}
