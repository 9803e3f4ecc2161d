// Package gdbremote implements dbg.Probe over the GDB Remote Serial Protocol,
// as spoken by OpenOCD, pyOCD, probe-rs and the J-Link GDB server.
package gdbremote

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-faster/errors"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/logging"
)

var log = logging.Module("gdbremote")

var errUnsupported = errors.New("packet not supported by probe server")

// pollWait is how long Status waits for a stop reply to start arriving.
const pollWait = 2 * time.Millisecond

// maxPacket bounds the payload of memory packets when the server does not
// advertise PacketSize.
const maxPacket = 0x400

// Probe is a connection to a GDB server attached to one target core.
type Probe struct {
	addr       string
	nc         io.ReadWriteCloser
	c          *conn
	regs       map[dbg.RegisterID]remoteReg
	packetSize int
	order      binary.ByteOrder

	running bool
	last    dbg.Status
}

// Dial connects to the GDB server at addr, retrying while the server starts.
func Dial(ctx context.Context, addr string) (*Probe, error) {
	nc, err := tryConnect(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to probe server %s", addr)
	}
	p, err := newProbe(ctx, addr, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func newProbe(ctx context.Context, addr string, nc io.ReadWriteCloser) (*Probe, error) {
	p := &Probe{
		addr:       addr,
		nc:         nc,
		c:          newConn(nc),
		packetSize: maxPacket,
		order:      binary.LittleEndian,
	}
	p.c.output = func(s string) {
		log.WithField("probe", addr).Info(strings.TrimRight(s, "\n"))
	}
	if err := p.c.handshake(ctx); err != nil {
		return nil, errors.Wrap(err, "handshake")
	}
	if err := p.qSupported(ctx); err != nil {
		return nil, err
	}

	p.regs = defaultRegisterMap()
	doc, err := readObject(ctx, p.c, "features", "target.xml")
	if err == nil {
		include := func(href string) ([]byte, error) {
			return readObject(ctx, p.c, "features", href)
		}
		if regs, err := parseTargetDesc(doc, include); err == nil {
			p.regs = regs
		} else {
			log.WithError(err).Warn("ignoring malformed target description")
		}
	} else {
		log.WithError(err).Debug("no target description, using m-profile register map")
	}

	resp, err := p.c.exec(ctx, "?")
	if err != nil {
		return nil, errors.Wrap(err, "query halt reason")
	}
	st, err := parseStopReply(resp)
	if err != nil {
		return nil, err
	}
	p.last = st
	return p, nil
}

func (p *Probe) qSupported(ctx context.Context) error {
	resp, err := p.c.exec(ctx, "qSupported:swbreak+;hwbreak+;xmlRegisters=arm")
	if err != nil {
		return errors.Wrap(err, "qSupported")
	}
	for _, f := range strings.Split(resp, ";") {
		if v, ok := strings.CutPrefix(f, "PacketSize="); ok {
			if n, err := strconv.ParseUint(v, 16, 32); err == nil && n > 16 {
				p.packetSize = int(n)
			}
		}
	}
	return nil
}

func (p *Probe) ID() string { return p.addr }

func (p *Probe) Halt(ctx context.Context) error {
	if !p.running {
		return nil
	}
	return p.wrap("halt", p.c.interrupt(ctx))
}

func (p *Probe) Resume(ctx context.Context) error {
	if err := p.c.send(ctx, "c"); err != nil {
		return p.wrap("resume", err)
	}
	p.running = true
	return nil
}

func (p *Probe) Step(ctx context.Context) (dbg.Status, error) {
	resp, err := p.c.exec(ctx, "s")
	if err != nil {
		return dbg.Status{}, p.wrap("step", err)
	}
	st, err := parseStopReply(resp)
	if err != nil {
		return dbg.Status{}, p.wrap("step", err)
	}
	if st.Reason == dbg.HaltBreakpoint && st.Signal == sigTRAP {
		st.Reason = dbg.HaltStep
	}
	p.last = st
	return st, nil
}

func (p *Probe) Status(ctx context.Context) (dbg.Status, error) {
	if !p.running {
		return p.last, nil
	}
	ok, err := p.c.pending(pollWait)
	if err != nil {
		return dbg.Status{}, p.wrap("status", err)
	}
	if !ok {
		return dbg.Status{State: dbg.StateRunning}, nil
	}
	resp, err := p.c.recv(ctx)
	if err != nil {
		return dbg.Status{}, p.wrap("status", err)
	}
	st, err := parseStopReply(resp)
	if err != nil {
		return dbg.Status{}, p.wrap("status", err)
	}
	p.running = false
	p.last = st
	return st, nil
}

func (p *Probe) Reset(ctx context.Context, halt bool) error {
	cmd := "reset run"
	if halt {
		cmd = "reset halt"
	}
	out, err := monitor(ctx, p.c, cmd)
	if err != nil {
		return p.wrap("reset", err)
	}
	if out != "" {
		log.WithField("probe", p.addr).Debug(out)
	}
	p.running = !halt
	p.last = dbg.Status{State: dbg.StateHalted, Reason: dbg.HaltReset}
	return nil
}

func (p *Probe) ReadMemory(ctx context.Context, addr uint64, buf []byte) error {
	chunk := max((p.packetSize-4)/2, 1)
	for off := 0; off < len(buf); off += chunk {
		n := min(chunk, len(buf)-off)
		resp, err := p.c.exec(ctx, fmt.Sprintf("m%x,%x", addr+uint64(off), n))
		if err != nil {
			return p.wrap("read memory", err)
		}
		if isError(resp) {
			return errors.Errorf("read memory at %#x: %s", addr+uint64(off), resp)
		}
		data, err := hex.DecodeString(resp)
		if err != nil || len(data) != n {
			return errors.Errorf("read memory at %#x: short or malformed reply", addr+uint64(off))
		}
		copy(buf[off:], data)
	}
	return nil
}

func (p *Probe) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	chunk := max((p.packetSize-32)/2, 1)
	for off := 0; off < len(data); off += chunk {
		n := min(chunk, len(data)-off)
		cmd := fmt.Sprintf("M%x,%x:%s", addr+uint64(off), n, hex.EncodeToString(data[off:off+n]))
		resp, err := p.c.exec(ctx, cmd)
		if err != nil {
			return p.wrap("write memory", err)
		}
		if resp != "OK" {
			return errors.Errorf("write memory at %#x: %s", addr+uint64(off), resp)
		}
	}
	return nil
}

func (p *Probe) ReadRegister(ctx context.Context, id dbg.RegisterID) (uint64, error) {
	r, ok := p.regs[id]
	if !ok {
		return 0, errors.Errorf("register %d not provided by probe server", id)
	}
	resp, err := p.c.exec(ctx, fmt.Sprintf("p%x", r.num))
	if err != nil {
		return 0, p.wrap("read register", err)
	}
	if isError(resp) || resp == "" {
		return 0, errors.Errorf("read register %d: %q", id, resp)
	}
	if strings.Trim(resp, "x") == "" {
		return 0, errors.Errorf("register %d unavailable", id)
	}
	data, err := hex.DecodeString(resp)
	if err != nil {
		return 0, errors.Wrapf(err, "read register %d", id)
	}
	var b [8]byte
	copy(b[:], data)
	return p.order.Uint64(b[:]), nil
}

func (p *Probe) WriteRegister(ctx context.Context, id dbg.RegisterID, v uint64) error {
	r, ok := p.regs[id]
	if !ok {
		return errors.Errorf("register %d not provided by probe server", id)
	}
	size := r.bits / 8
	if size <= 0 || size > 8 {
		size = 4
	}
	var b [8]byte
	p.order.PutUint64(b[:], v)
	resp, err := p.c.exec(ctx, fmt.Sprintf("P%x=%s", r.num, hex.EncodeToString(b[:size])))
	if err != nil {
		return p.wrap("write register", err)
	}
	if resp != "OK" {
		return errors.Errorf("write register %d: %q", id, resp)
	}
	return nil
}

// bpKind is the Z packet kind of a 16-bit Thumb breakpoint.
const bpKind = 2

func (p *Probe) SetBreakpoint(ctx context.Context, addr uint64, kind dbg.BreakpointKind) error {
	resp, err := p.c.exec(ctx, fmt.Sprintf("Z%d,%x,%d", zType(kind), addr, bpKind))
	if err != nil {
		return p.wrap("set breakpoint", err)
	}
	switch {
	case resp == "OK":
		return nil
	case resp == "" || isError(resp):
		return errors.Wrapf(dbg.ErrNoResources, "%s breakpoint at %#x (%q)", kind, addr, resp)
	}
	return errors.Errorf("set breakpoint at %#x: %q", addr, resp)
}

func (p *Probe) ClearBreakpoint(ctx context.Context, addr uint64, kind dbg.BreakpointKind) error {
	resp, err := p.c.exec(ctx, fmt.Sprintf("z%d,%x,%d", zType(kind), addr, bpKind))
	if err != nil {
		return p.wrap("clear breakpoint", err)
	}
	if resp != "OK" {
		return errors.Errorf("clear breakpoint at %#x: %q", addr, resp)
	}
	return nil
}

// Close detaches from the target, leaving it in its current state.
func (p *Probe) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !p.running {
		p.c.exec(ctx, "D")
	}
	return p.nc.Close()
}

func zType(kind dbg.BreakpointKind) int {
	if kind == dbg.SoftwareBreakpoint {
		return 0
	}
	return 1
}

// wrap classifies transport errors into the probe error taxonomy.
func (p *Probe) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isTimeout(err):
		return errors.Wrap(fmt.Errorf("%w: %v", dbg.ErrProbeTimeout, err), op)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		p.running = false
		return errors.Wrap(fmt.Errorf("%w: %v", dbg.ErrProbeDisconnected, err), op)
	}
	return errors.Wrap(err, op)
}

func tryConnect(ctx context.Context, network, address string) (conn net.Conn, err error) {
	var d net.Dialer
	for i := time.Duration(100); i < 5000; i += 100 {
		conn, err = d.DialContext(ctx, network, address)
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(i * time.Millisecond):
		}
	}
	return
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isError(resp string) bool {
	return len(resp) == 3 && resp[0] == 'E' && isHex(resp[1:])
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

func hexBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
