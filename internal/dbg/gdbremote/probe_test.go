package gdbremote

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/probedap/internal/dbg"
)

// fakeServer speaks just enough of the remote protocol to back a Probe.
type fakeServer struct {
	nc  net.Conn
	br  *bufio.Reader
	ack bool

	mu      sync.Mutex
	mem     map[uint64]byte
	regs    map[int]uint64
	bps     map[string]bool
	hwSlots int
	running bool
	mute    bool
	cmds    []string
	tdesc   string
}

func newFakeServer(nc net.Conn) *fakeServer {
	return &fakeServer{
		nc:      nc,
		br:      bufio.NewReader(nc),
		ack:     true,
		mem:     make(map[uint64]byte),
		regs:    make(map[int]uint64),
		bps:     make(map[string]bool),
		hwSlots: 1,
	}
}

func (s *fakeServer) serve() {
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case '+', '-':
		case interruptByte:
			s.mu.Lock()
			wasRunning := s.running
			s.running = false
			s.mu.Unlock()
			if wasRunning {
				s.write("T02")
			}
		case '$':
			body, err := s.br.ReadString('#')
			if err != nil {
				return
			}
			if _, err := io.ReadFull(s.br, make([]byte, 2)); err != nil {
				return
			}
			cmd := strings.TrimSuffix(body, "#")
			if s.ack {
				s.nc.Write([]byte{'+'})
			}
			for _, reply := range s.handle(cmd) {
				s.write(reply)
			}
			if cmd == "QStartNoAckMode" {
				s.ack = false
			}
		}
	}
}

func (s *fakeServer) write(payload string) {
	fmt.Fprintf(s.nc, "$%s#%02x", payload, checksum([]byte(payload)))
}

func (s *fakeServer) handle(cmd string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	if s.mute {
		return nil
	}

	switch {
	case cmd == "QStartNoAckMode":
		return []string{"OK"}
	case strings.HasPrefix(cmd, "qSupported"):
		return []string{"PacketSize=40;swbreak+;hwbreak+;qXfer:features:read+"}
	case strings.HasPrefix(cmd, "qXfer:features:read:target.xml:"):
		if s.tdesc == "" {
			return []string{""}
		}
		return []string{"l" + s.tdesc}
	case cmd == "?":
		return []string{"S05"}
	case cmd == "c":
		s.running = true
		return nil
	case cmd == "s":
		s.regs[15] += 2
		return []string{"S05"}
	case strings.HasPrefix(cmd, "qRcmd,"):
		text, _ := hex.DecodeString(cmd[6:])
		s.running = string(text) == "reset run"
		return []string{"O" + hex.EncodeToString([]byte("resetting\n")), "OK"}
	case cmd[0] == 'm':
		var addr, n uint64
		fmt.Sscanf(cmd, "m%x,%x", &addr, &n)
		if addr >= 0xf0000000 {
			return []string{"E14"}
		}
		out := make([]byte, n)
		for i := range out {
			out[i] = s.mem[addr+uint64(i)]
		}
		return []string{hex.EncodeToString(out)}
	case cmd[0] == 'M':
		var addr, n uint64
		head, data, _ := strings.Cut(cmd, ":")
		fmt.Sscanf(head, "M%x,%x", &addr, &n)
		b, _ := hex.DecodeString(data)
		for i, v := range b {
			s.mem[addr+uint64(i)] = v
		}
		return []string{"OK"}
	case cmd[0] == 'p':
		n, _ := strconv.ParseUint(cmd[1:], 16, 16)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(s.regs[int(n)]))
		return []string{hex.EncodeToString(b[:])}
	case cmd[0] == 'P':
		num, val, _ := strings.Cut(cmd[1:], "=")
		n, _ := strconv.ParseUint(num, 16, 16)
		b, _ := hex.DecodeString(val)
		s.regs[int(n)] = uint64(binary.LittleEndian.Uint32(b))
		return []string{"OK"}
	case strings.HasPrefix(cmd, "Z1"):
		if s.hwSlots == 0 {
			return []string{"E0E"}
		}
		s.hwSlots--
		s.bps[cmd[1:]] = true
		return []string{"OK"}
	case strings.HasPrefix(cmd, "Z0"):
		s.bps[cmd[1:]] = true
		return []string{"OK"}
	case cmd[0] == 'z':
		if !s.bps[cmd[1:]] {
			return []string{"E01"}
		}
		if cmd[1] == '1' {
			s.hwSlots++
		}
		delete(s.bps, cmd[1:])
		return []string{"OK"}
	case cmd == "D":
		return []string{"OK"}
	}
	return []string{""}
}

func (s *fakeServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

func newTestProbe(t *testing.T, tdesc string) (*Probe, *fakeServer) {
	client, server := net.Pipe()
	fs := newFakeServer(server)
	fs.tdesc = tdesc
	go fs.serve()
	t.Cleanup(func() { server.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := newProbe(ctx, "pipe", client)
	require.Nil(t, err)
	return p, fs
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestProbeHandshake(t *testing.T) {
	p, fs := newTestProbe(t, "")
	ctx := testContext(t)

	assert.Equal(t, 0x40, p.packetSize)
	assert.Equal(t, defaultRegisterMap(), p.regs)
	st, err := p.Status(ctx)
	assert.Nil(t, err)
	assert.Equal(t, dbg.StateHalted, st.State)

	cmds := fs.commands()
	assert.Equal(t, "QStartNoAckMode", cmds[0])
	assert.Equal(t, "?", cmds[len(cmds)-1])
}

func TestProbeMemory(t *testing.T) {
	p, _ := newTestProbe(t, "")
	ctx := testContext(t)

	// Larger than a packet so both directions are chunked.
	data := make([]byte, 37)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.Nil(t, p.WriteMemory(ctx, 0x20000000, data))

	got := make([]byte, len(data))
	require.Nil(t, p.ReadMemory(ctx, 0x20000000, got))
	assert.Equal(t, data, got)

	err := p.ReadMemory(ctx, 0xf0000000, make([]byte, 4))
	assert.NotNil(t, err)
	assert.False(t, dbg.IsFatal(err))
}

func TestProbeRegisters(t *testing.T) {
	p, _ := newTestProbe(t, `<target><feature name="m"><reg name="r0" bitsize="32"/><reg name="pc" bitsize="32" regnum="15"/></feature></target>`)
	ctx := testContext(t)

	require.Nil(t, p.WriteRegister(ctx, dbg.RegPC, 0x08000124))
	pc, err := p.ReadRegister(ctx, dbg.RegPC)
	assert.Nil(t, err)
	assert.Equal(t, uint64(0x08000124), pc)

	_, err = p.ReadRegister(ctx, dbg.RegSP)
	assert.NotNil(t, err)
}

func TestProbeBreakpoints(t *testing.T) {
	p, _ := newTestProbe(t, "")
	ctx := testContext(t)

	assert.Nil(t, p.SetBreakpoint(ctx, 0x100, dbg.HardwareBreakpoint))
	err := p.SetBreakpoint(ctx, 0x200, dbg.HardwareBreakpoint)
	assert.True(t, errors.Is(err, dbg.ErrNoResources))
	assert.Nil(t, p.SetBreakpoint(ctx, 0x200, dbg.SoftwareBreakpoint))

	assert.Nil(t, p.ClearBreakpoint(ctx, 0x100, dbg.HardwareBreakpoint))
	assert.Nil(t, p.SetBreakpoint(ctx, 0x300, dbg.HardwareBreakpoint))
	assert.NotNil(t, p.ClearBreakpoint(ctx, 0x400, dbg.SoftwareBreakpoint))
}

func TestProbeRunControl(t *testing.T) {
	p, _ := newTestProbe(t, "")
	ctx := testContext(t)

	st, err := p.Step(ctx)
	require.Nil(t, err)
	assert.Equal(t, dbg.HaltStep, st.Reason)

	require.Nil(t, p.Resume(ctx))
	st, err = p.Status(ctx)
	require.Nil(t, err)
	assert.Equal(t, dbg.StateRunning, st.State)

	require.Nil(t, p.Halt(ctx))
	deadline := time.Now().Add(time.Second)
	for st.State != dbg.StateHalted && time.Now().Before(deadline) {
		st, err = p.Status(ctx)
		require.Nil(t, err)
	}
	assert.Equal(t, dbg.StateHalted, st.State)
	assert.Equal(t, dbg.HaltRequest, st.Reason)

	require.Nil(t, p.Reset(ctx, true))
	st, err = p.Status(ctx)
	require.Nil(t, err)
	assert.Equal(t, dbg.HaltReset, st.Reason)
}

func TestProbeDisconnect(t *testing.T) {
	client, server := net.Pipe()
	fs := newFakeServer(server)
	go fs.serve()

	p, err := newProbe(testContext(t), "pipe", client)
	require.Nil(t, err)

	server.Close()
	_, err = p.ReadRegister(testContext(t), dbg.RegPC)
	assert.True(t, dbg.IsFatal(err), "%v", err)
}

func TestProbeTimeout(t *testing.T) {
	p, fs := newTestProbe(t, "")

	fs.mu.Lock()
	fs.mute = true
	fs.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Step(ctx)
	assert.True(t, errors.Is(err, dbg.ErrProbeTimeout), "%v", err)
	assert.False(t, dbg.IsFatal(err))
}
