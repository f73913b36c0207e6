package conn

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/wire"
)

func TestRequestRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server, err := ln.Accept()
		if err != nil {
			return
		}
		defer server.Close()

		r := bufio.NewReader(server)
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)

		cmd, err := wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		require.NoError(t, err)

		ans := wire.NewResultAnswer(cmd.ID, "")
		require.NoError(t, ans.SetResultJSON(map[string]bool{"auth": true}))
		b, err := ans.Encode()
		require.NoError(t, err)
		_, _ = server.Write(b)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := New(zap.NewNop(), "127.0.0.1", addr.Port)
	require.NoError(t, c.Dial())
	defer c.Close()

	var p wire.Params
	p.Data = "tok.en.sig"
	cmd := wire.NewCommand(c.NextID(), "auth", p)

	ans, err := c.Request(cmd)
	require.NoError(t, err)
	require.False(t, ans.Failed())

	var body map[string]bool
	require.NoError(t, ans.DecodeResultJSON(&body))
	require.True(t, body["auth"])

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestDialRefusedIsClassified(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := New(zap.NewNop(), "127.0.0.1", port)
	err = c.Dial()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConnectionRefused)
}
