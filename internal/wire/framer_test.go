package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramerSingleChunk(t *testing.T) {
	f := NewFramer()
	require.NoError(t, f.Append([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"task":"","cid":"","data":"","json":""}}`+"\n")))
	require.True(t, f.IsDone())

	u := f.Take()
	cmd, err := u.DecodeCommand()
	require.NoError(t, err)
	require.Equal(t, "ping", cmd.Method)
	require.Equal(t, 1, cmd.ID)
	require.False(t, f.IsDone())
}

func TestFramerSplitAcrossReads(t *testing.T) {
	full := `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"task":"t1","cid":"c1","data":"d1","json":""}}` + "\n"
	for split := 1; split < len(full)-1; split++ {
		f := NewFramer()
		require.NoError(t, f.Append([]byte(full[:split])))
		require.False(t, f.IsDone(), "split at %d should not complete early", split)
		require.NoError(t, f.Append([]byte(full[split:])))
		require.True(t, f.IsDone(), "split at %d should complete once full", split)

		u := f.Take()
		cmd, err := u.DecodeCommand()
		require.NoError(t, err)
		require.Equal(t, "echo", cmd.Method)
		require.Equal(t, "t1", cmd.Params.Task)
	}
}

func TestFramerMultipleObjectsOneChunk(t *testing.T) {
	chunk := `{"jsonrpc":"2.0","id":1,"method":"a","params":{"task":"","cid":"","data":"","json":""}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"b","params":{"task":"","cid":"","data":"","json":""}}` + "\n"

	f := NewFramer()
	err := f.Append([]byte(chunk))
	require.ErrorIs(t, err, ErrProcessingLogic)
	require.True(t, f.IsDone())

	u := f.Take()
	cmd, err := u.DecodeCommand()
	require.NoError(t, err)
	require.Equal(t, "a", cmd.Method)
}

func TestFramerOverwriteWithoutTakeRaises(t *testing.T) {
	f := NewFramer()
	require.NoError(t, f.Append([]byte(`{"jsonrpc":"2.0","id":1,"method":"a","params":{"task":"","cid":"","data":"","json":""}}`+"\n")))
	require.True(t, f.IsDone())

	err := f.Append([]byte(`{"jsonrpc":"2.0","id":2,"method":"b","params":{"task":"","cid":"","data":"","json":""}}` + "\n"))
	require.ErrorIs(t, err, ErrProcessingLogic)
}

func TestFramerEmptyLinesSkipped(t *testing.T) {
	f := NewFramer()
	require.NoError(t, f.Append([]byte("\n\n")))
	require.False(t, f.IsDone())
	require.Equal(t, 0, f.Pending())
}

func TestAnswerFailedAndResultRoundTrip(t *testing.T) {
	ok := NewResultAnswer(3, "")
	require.NoError(t, ok.SetResultJSON(map[string]int{"x": 1}))
	require.False(t, ok.Failed())

	var out map[string]int
	require.NoError(t, ok.DecodeResultJSON(&out))
	require.Equal(t, 1, out["x"])

	bad := NewErrorAnswer(3, 7, "no such method")
	require.True(t, bad.Failed())
	require.Equal(t, 7, bad.Error.Code)
}

func TestUnitClassification(t *testing.T) {
	cmdUnit := Unit{Raw: []byte(`{"jsonrpc":"2.0","id":1,"method":"x","params":{"task":"","cid":"","data":"","json":""}}`)}
	require.True(t, cmdUnit.IsCommand())

	ansUnit := Unit{Raw: []byte(`{"jsonrpc":"2.0","id":1,"result":"ok","error":{"code":0,"message":""}}`)}
	require.False(t, ansUnit.IsCommand())
}
