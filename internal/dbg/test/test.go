// Package test holds fixtures shared by the debugger tests: programs built
// from fixtures/ and an in-memory probe.
package test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var (
	tmpDir string

	mu    sync.Mutex
	built = map[string]string{}
)

// Build compiles fixtures/<name>.go without optimizations and returns the
// path of the binary. Each fixture is built once per test binary.
func Build(tb testing.TB, name string) string {
	tb.Helper()
	mu.Lock()
	defer mu.Unlock()
	if path, ok := built[name]; ok {
		return path
	}

	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		tb.Fatal("cannot find fixture sources")
	}
	src := filepath.Join(filepath.Dir(filename), "fixtures", name+".go")
	dir := tmpDir
	if dir == "" {
		dir = tb.TempDir()
	}
	binary := filepath.Join(dir, name)

	cmd := exec.Command("go", "build", "-gcflags=all=-N -l", "-o", binary, src)
	if out, err := cmd.CombinedOutput(); err != nil {
		tb.Fatalf("build fixture %s: %v\n%s", name, err, out)
	}
	built[name] = binary
	return binary
}

// Run runs the tests of a package that builds fixtures, removing the
// binaries afterwards.
func Run(m *testing.M) int {
	var err error
	tmpDir, err = os.MkdirTemp("", "probedap-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer os.RemoveAll(tmpDir)
	return m.Run()
}
