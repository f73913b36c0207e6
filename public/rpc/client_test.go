package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/wire"
)

func TestCallSynchronousCompletion(t *testing.T) {
	brokerSide, clientSide := net.Pipe()
	defer brokerSide.Close()

	go func() {
		r := bufio.NewReader(brokerSide)
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		cmd, err := wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		if err != nil {
			return
		}
		ans := wire.NewResultAnswer(cmd.ID, "")
		_ = ans.SetResultJSON(map[string]interface{}{"data": map[string]int{"result": 5}})
		b, _ := ans.Encode()
		_, _ = brokerSide.Write(b)
	}()

	caller := New(zap.NewNop(), clientSide)
	res, err := caller.Call(context.Background(), "calc_sum", map[string]int{"x": 2, "y": 3}, DefaultOptions())
	require.NoError(t, err)

	var body map[string]int
	require.NoError(t, json.Unmarshal(res.Value, &body))
	require.Equal(t, 5, body["result"])
}

func TestCallAsyncReturnsTaskID(t *testing.T) {
	brokerSide, clientSide := net.Pipe()
	defer brokerSide.Close()

	go func() {
		r := bufio.NewReader(brokerSide)
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		cmd, err := wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		if err != nil {
			return
		}
		ans := wire.NewResultAnswer(cmd.ID, "")
		_ = ans.SetResultJSON(map[string]interface{}{"task": "t-99"})
		b, _ := ans.Encode()
		_, _ = brokerSide.Write(b)
	}()

	caller := New(zap.NewNop(), clientSide)
	opts := DefaultOptions()
	opts.Sync = false
	res, err := caller.Call(context.Background(), "long_job", nil, opts)
	require.NoError(t, err)
	require.Equal(t, "t-99", res.TaskID)
}

func TestCallPollsGetresultUntilExists(t *testing.T) {
	brokerSide, clientSide := net.Pipe()
	defer brokerSide.Close()

	go func() {
		r := bufio.NewReader(brokerSide)

		// First: the initial call, answered with a task id.
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		cmd, err := wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		if err != nil {
			return
		}
		ans := wire.NewResultAnswer(cmd.ID, "")
		_ = ans.SetResultJSON(map[string]interface{}{"task": "t-1"})
		b, _ := ans.Encode()
		_, _ = brokerSide.Write(b)

		// Second: the first getresult poll, not yet ready.
		line, err = r.ReadBytes('\n')
		if err != nil {
			return
		}
		cmd, err = wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		if err != nil {
			return
		}
		ans = wire.NewResultAnswer(cmd.ID, "")
		_ = ans.SetResultJSON(map[string]interface{}{"exists": false})
		b, _ = ans.Encode()
		_, _ = brokerSide.Write(b)

		// Third: the next getresult poll, ready.
		line, err = r.ReadBytes('\n')
		if err != nil {
			return
		}
		cmd, err = wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		if err != nil {
			return
		}
		ans = wire.NewResultAnswer(cmd.ID, "")
		_ = ans.SetResultJSON(map[string]interface{}{"exists": true, "data": map[string]int{"result": 42}})
		b, _ = ans.Encode()
		_, _ = brokerSide.Write(b)
	}()

	caller := New(zap.NewNop(), clientSide)
	opts := DefaultOptions()
	opts.IterWait = 10 * time.Millisecond
	opts.Timeout = 2 * time.Second

	res, err := caller.Call(context.Background(), "long_job", nil, opts)
	require.NoError(t, err)

	var body map[string]int
	require.NoError(t, json.Unmarshal(res.Value, &body))
	require.Equal(t, 42, body["result"])
}

func TestCallFailedAnswerReturnsError(t *testing.T) {
	brokerSide, clientSide := net.Pipe()
	defer brokerSide.Close()

	go func() {
		r := bufio.NewReader(brokerSide)
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		cmd, err := wire.Unit{Raw: line[:len(line)-1]}.DecodeCommand()
		if err != nil {
			return
		}
		ans := wire.NewErrorAnswer(cmd.ID, 7, "Not found method")
		b, _ := ans.Encode()
		_, _ = brokerSide.Write(b)
	}()

	caller := New(zap.NewNop(), clientSide)
	_, err := caller.Call(context.Background(), "calc_nope", nil, DefaultOptions())
	require.Error(t, err)
}
