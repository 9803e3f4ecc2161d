package gdbremote

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

// xferChunk is the number of bytes requested per qXfer read.
const xferChunk = 0x3ff

// readObject reads a whole qXfer object (target.xml, memory-map...) the
// way a file is read through vFile:pread: chunk after chunk until the
// server marks the last one.
func readObject(ctx context.Context, c *conn, object, annex string) ([]byte, error) {
	var out []byte
	for {
		resp, err := c.exec(ctx, fmt.Sprintf("qXfer:%s:read:%s:%x,%x", object, annex, len(out), xferChunk))
		if err != nil {
			return nil, err
		}
		chunk, last, err := parseXferResp(resp)
		if err != nil {
			return nil, fmt.Errorf("qXfer %s %s: %w", object, annex, err)
		}
		out = append(out, chunk...)
		if last {
			return out, nil
		}
	}
}

func parseXferResp(resp string) ([]byte, bool, error) {
	if resp == "" {
		return nil, false, errUnsupported
	}
	switch resp[0] {
	case 'l':
		return []byte(resp[1:]), true, nil
	case 'm':
		if len(resp) == 1 {
			return nil, false, fmt.Errorf("empty partial transfer")
		}
		return []byte(resp[1:]), false, nil
	case 'E':
		return nil, false, fmt.Errorf("transfer failed: %s", resp)
	}
	return nil, false, fmt.Errorf("unexpected transfer response: %s", resp)
}

// monitor runs a probe server command ("reset halt", ...) via qRcmd.
func monitor(ctx context.Context, c *conn, cmd string) (string, error) {
	resp, out, err := c.execOutput(ctx, "qRcmd,"+hex.EncodeToString([]byte(cmd)))
	if err != nil {
		return "", err
	}
	switch {
	case resp == "":
		return "", errUnsupported
	case resp == "OK":
		return strings.TrimSpace(out), nil
	case resp[0] == 'E':
		return "", fmt.Errorf("monitor %q failed: %s", cmd, resp)
	case isHex(resp):
		// Some servers return the output as the reply itself.
		return strings.TrimSpace(out + string(hexBytes(resp))), nil
	}
	return "", fmt.Errorf("monitor %q: unexpected response %s", cmd, resp)
}
