package dap

import (
	"context"
	"io"
	"os"
	"strconv"
)

// Run serves a single client on stdin and stdout, or every client of a
// TCP port when port is positive. wsAddr adds a WebSocket listener.
func Run(ctx context.Context, opts Options, port int, wsAddr string) error {
	if port > 0 || wsAddr != "" {
		addr := ""
		if port > 0 {
			addr = "localhost:" + strconv.Itoa(port)
		}
		return NewServer(opts).ListenAndServe(ctx, addr, wsAddr)
	}
	pipe := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	return NewSession(pipe, opts).Serve(ctx)
}
