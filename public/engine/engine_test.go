package engine

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/rconfig"
	"github.com/roolet-io/roolet/internal/registry"
	"github.com/roolet-io/roolet/internal/wire"
)

// startFakeBroker listens on an ephemeral port and drives exactly the
// two-step handshake (auth, registration) an Engine performs on Run,
// then pushes one "calc_sum" call routed through the worker pool and
// reads back its result before letting the connection close.
func startFakeBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		cmd, err := wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		if err != nil || cmd.Method != "auth" {
			return
		}
		ans := wire.NewResultAnswer(cmd.ID, "")
		_ = ans.SetResultJSON(map[string]bool{"auth": true})
		b, _ := ans.Encode()
		_, _ = conn.Write(b)

		line, err = r.ReadBytes('\n')
		if err != nil {
			return
		}
		cmd, err = wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		if err != nil || cmd.Method != "registration" {
			return
		}
		ans = wire.NewResultAnswer(cmd.ID, "")
		_ = ans.SetResultJSON(map[string]interface{}{"ok": true, "cid": "cid-123"})
		b, _ = ans.Encode()
		_, _ = conn.Write(b)

		var p wire.Params
		p.Task = "t1"
		_ = p.SetJSON(map[string]int{"x": 2, "y": 3})
		call := wire.NewCommand(1, "calc_sum", p)
		b, _ = call.Encode()
		_, _ = conn.Write(b)

		line, err = r.ReadBytes('\n')
		if err != nil {
			return
		}
		out, err := wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		if err != nil || out.Method != "result" {
			return
		}
	}()

	return ln.Addr().String()
}

func writeKeyPair(t *testing.T, privPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	require.NoError(t, os.WriteFile(privPath+".pub", pubPEM, 0o600))
}

func TestEngineHandshakeAndActiveRoundTrip(t *testing.T) {
	addr := startFakeBroker(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	keyDir := t.TempDir()
	privPath := keyDir + "/priv.pem"
	writeKeyPair(t, privPath)

	cfg := rconfig.Defaults()
	cfg.Addr = host
	cfg.Port = port
	cfg.Workers = 1
	cfg.CryptoPrivKeyPath = privPath
	cfg.ReconnectDelay = 0.05

	reg := registry.New()
	// Progress off, so the frame the fake broker reads back is the result.
	off := false
	require.NoError(t, reg.Set("calc_sum", func(ctx registry.Context, params []byte) (interface{}, error) {
		return map[string]int{"result": 5}, nil
	}, registry.Options{WantsProgress: &off, WantsLogger: &off}))

	stateDir := t.TempDir()
	e, err := New(zap.NewNop(), cfg, reg, stateDir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("engine did not return after context cancellation")
	}

	require.Equal(t, "cid-123", e.Session().CID())
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := rconfig.Defaults()
	cfg.Workers = 0

	reg := registry.New()
	_, err := New(zap.NewNop(), cfg, reg, t.TempDir())
	require.Error(t, err)
}
