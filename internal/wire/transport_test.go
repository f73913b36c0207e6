package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type echoPayload struct {
	Greeting string `json:"greeting"`
}

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	var p Params
	require.NoError(t, p.SetJSON(echoPayload{Greeting: "hi"}))
	cmd := NewCommand(5, "echo", p)

	b, err := cmd.Encode()
	require.NoError(t, err)
	require.Equal(t, byte('\n'), b[len(b)-1])

	u := Unit{Raw: b[:len(b)-1]}
	require.True(t, u.IsCommand())

	got, err := u.DecodeCommand()
	require.NoError(t, err)
	require.Equal(t, 5, got.ID)
	require.Equal(t, "echo", got.Method)

	var payload echoPayload
	require.NoError(t, got.Params.DecodeJSON(&payload))
	require.Equal(t, "hi", payload.Greeting)
}

func TestParamsFieldsAlwaysEmitted(t *testing.T) {
	cmd := NewCommand(1, "noop", Params{})
	b, err := cmd.Encode()
	require.NoError(t, err)

	s := string(b)
	require.Contains(t, s, `"task":""`)
	require.Contains(t, s, `"cid":""`)
	require.Contains(t, s, `"data":""`)
	require.Contains(t, s, `"json":""`)
}

func TestAnswerErrorAlwaysEmitted(t *testing.T) {
	a := NewResultAnswer(9, "done")
	b, err := a.Encode()
	require.NoError(t, err)

	s := string(b)
	require.Contains(t, s, `"error":{"code":0,"message":""}`)
}
