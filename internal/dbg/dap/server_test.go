package dap

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/probedap/internal/dbg/test"
)

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestListenAndServeWebSocketInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	tcpAddr := freeAddr(t)
	srv := NewServer(testOptions(test.NewProbe()))
	err = srv.ListenAndServe(context.Background(), tcpAddr, busy.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen websocket")

	// The TCP listener was released.
	ln, err := net.Listen("tcp", tcpAddr)
	require.NoError(t, err)
	ln.Close()
}

func TestListenAndServe(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(testOptions(test.NewProbe()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, addr, "") }()

	var conn net.Conn
	require.True(t, test.WaitFor(waitTimeout, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn = c
		return true
	}))
	defer conn.Close()

	require.NoError(t, dap.WriteProtocolMessage(conn, &dap.InitializeRequest{
		Request: dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"}, Command: "initialize"},
	}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	m, err := dap.ReadProtocolMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	resp, ok := m.(*dap.InitializeResponse)
	require.True(t, ok, "got %T", m)
	assert.True(t, resp.Success)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		require.FailNow(t, "server did not stop")
	}
}
