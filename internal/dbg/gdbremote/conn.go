package gdbremote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"
)

const maxRetransmits = 5

// interruptByte is sent out of band to stop a running core.
const interruptByte = 0x03

type conn struct {
	remote io.ReadWriter
	br     *bufio.Reader
	ack    bool
	// deadline is set when remote supports deadlines (net.Conn).
	deadline func(time.Time) error
	// output receives console text from 'O' packets.
	output func(string)
}

type deadliner interface {
	SetDeadline(time.Time) error
}

func newConn(remote io.ReadWriter) *conn {
	c := &conn{remote: remote, br: bufio.NewReader(remote)}
	if d, ok := remote.(deadliner); ok {
		c.deadline = d.SetDeadline
	}
	return c
}

func (c *conn) handshake(ctx context.Context) error {
	c.ack = true

	if err := c.sendACK(true); err != nil {
		return err
	}
	if err := c.disableACK(ctx); err != nil {
		return err
	}
	return nil
}

// arm applies the context deadline to the underlying stream.
func (c *conn) arm(ctx context.Context) {
	if c.deadline == nil {
		return
	}
	dl, _ := ctx.Deadline()
	c.deadline(dl)
}

func (c *conn) exec(ctx context.Context, cmd string) (string, error) {
	if err := c.send(ctx, cmd); err != nil {
		return "", err
	}
	return c.recv(ctx)
}

// execOutput runs a command whose reply may be preceded by console output
// packets, as monitor commands are.
func (c *conn) execOutput(ctx context.Context, cmd string) (string, string, error) {
	var out bytes.Buffer
	saved := c.output
	c.output = func(s string) { out.WriteString(s) }
	defer func() { c.output = saved }()

	res, err := c.exec(ctx, cmd)
	return res, out.String(), err
}

func (c *conn) send(ctx context.Context, cmd string) error {
	c.arm(ctx)
	p := fmt.Sprintf("$%s#%02x", cmd, checksum([]byte(cmd)))

	for i := 0; i < maxRetransmits; i++ {
		if _, err := c.remote.Write([]byte(p)); err != nil {
			return err
		}

		if !c.ack {
			return nil
		}

		ok, err := c.recvACK()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("failed to send %s after %d attempts", cmd, maxRetransmits)
}

func (c *conn) recv(ctx context.Context) (string, error) {
	c.arm(ctx)
	for i := 0; i < maxRetransmits; {
		res, err := c.br.ReadBytes('#')
		if err != nil {
			return "", err
		}

		buf := make([]byte, 2)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return "", err
		}

		start := bytes.IndexAny(res, "$%")
		if start == -1 {
			continue // line noise before the packet
		}
		if res[start] == '%' {
			continue // ignore async notifications
		}

		raw := res[start+1 : len(res)-1]
		sum, err := strconv.ParseUint(string(buf), 16, 8)
		if err != nil {
			return "", err
		}
		sumOK := (uint8(sum) == checksum(raw))

		if !sumOK {
			if !c.ack {
				return "", fmt.Errorf("checksum mismatch: %s", res)
			}
			if err := c.sendACK(false); err != nil {
				return "", err
			}
			i++
			continue
		}
		if c.ack {
			if err := c.sendACK(true); err != nil {
				return "", err
			}
		}

		payload := decodePayload(raw)
		if len(payload) > 1 && payload[0] == 'O' && payload != "OK" && isHex(payload[1:]) {
			if c.output != nil {
				c.output(string(hexBytes(payload[1:])))
			}
			continue
		}
		return payload, nil
	}
	return "", fmt.Errorf("failed to recv data after %d attempts", maxRetransmits)
}

// pending reports whether the server has started sending a packet, waiting
// at most wait for the first byte. No data is consumed.
func (c *conn) pending(wait time.Duration) (bool, error) {
	if c.br.Buffered() > 0 {
		return true, nil
	}
	if c.deadline != nil {
		c.deadline(time.Now().Add(wait))
	}
	_, err := c.br.Peek(1)
	if err == nil {
		return true, nil
	}
	if isTimeout(err) {
		return false, nil
	}
	return false, err
}

func (c *conn) interrupt(ctx context.Context) error {
	c.arm(ctx)
	_, err := c.remote.Write([]byte{interruptByte})
	return err
}

func (c *conn) sendACK(ack bool) error {
	var err error
	if ack {
		_, err = c.remote.Write([]byte{'+'})
	} else {
		_, err = c.remote.Write([]byte{'-'})
	}
	return err
}

func (c *conn) recvACK() (bool, error) {
	b, err := c.br.ReadByte()
	if err != nil {
		return false, err
	}
	if b != '+' && b != '-' {
		return false, fmt.Errorf("invalid ack byte: %c", b)
	}
	return b == '+', nil
}

func (c *conn) disableACK(ctx context.Context) error {
	res, err := c.exec(ctx, "QStartNoAckMode")
	c.ack = (res != "OK")
	return err
}

// decodePayload undoes the binary escaping ('}' followed by byte^0x20) and
// the run-length encoding ('*' followed by count+29) of a packet body.
func decodePayload(raw []byte) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch b := raw[i]; {
		case b == '}' && i+1 < len(raw):
			i++
			out = append(out, raw[i]^0x20)
		case b == '*' && i+1 < len(raw) && len(out) > 0:
			i++
			n := int(raw[i]) - 29
			last := out[len(out)-1]
			for ; n > 0; n-- {
				out = append(out, last)
			}
		default:
			out = append(out, b)
		}
	}
	return string(out)
}

func checksum(cmd []byte) uint8 {
	var sum uint8
	for _, b := range cmd {
		sum += b
	}
	return sum
}
