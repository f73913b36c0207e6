// Package wire defines the transport units of the Roolet line-framed
// JSON-RPC 2.0 protocol (spec §3, §4.1) and the Frame Builder that
// reassembles them out of partial socket reads (spec §4.2).
//
// Every frame on the wire is exactly one JSON object terminated by a
// single newline byte. Encode ordering is not guaranteed; decode treats
// missing fields as zero values and ignores unknown fields.
package wire

import (
	"encoding/json"
	"fmt"
)

const protocolVersion = "2.0"

// Params is the nested payload carried by a Command. Task, CID, Data, and
// JSON are emitted even when empty so the broker's schema check passes —
// no `omitempty` on those four fields.
type Params struct {
	Task string `json:"task"`
	CID  string `json:"cid"`
	Data string `json:"data"`
	JSON string `json:"json"`
}

// SetJSON marshals v and stores it as the embedded JSON string in params.json.
// The outer wire type of this field stays string; its contents parse as JSON.
func (p *Params) SetJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal params.json: %w", err)
	}
	p.JSON = string(b)
	return nil
}

// DecodeJSON unmarshals the embedded params.json string into v. A missing
// or empty JSON field decodes as if params.json were "{}".
func (p *Params) DecodeJSON(v interface{}) error {
	if p.JSON == "" {
		return json.Unmarshal([]byte("{}"), v)
	}
	if err := json.Unmarshal([]byte(p.JSON), v); err != nil {
		return fmt.Errorf("wire: decode params.json: %w", err)
	}
	return nil
}

// Command is one inbound or outbound request frame (spec §3).
// Invariant: Method is non-empty for any outbound frame that is not a pure
// reply.
type Command struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

// NewCommand builds a Command with the protocol version field set.
func NewCommand(id int, method string, params Params) Command {
	return Command{JSONRPC: protocolVersion, ID: id, Method: method, Params: params}
}

// Encode serializes the command as one newline-terminated JSON frame.
func (c Command) Encode() ([]byte, error) {
	c.JSONRPC = protocolVersion
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("wire: encode command: %w", err)
	}
	return append(b, '\n'), nil
}

// WireError is the nullable {code, message} record carried by an Answer.
// It is always emitted on the wire, even when zero-valued, so the broker's
// schema check passes; Code == 0 means "no error".
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Answer is one inbound or outbound reply frame (spec §3).
// Invariant: exactly one of Result/Error carries meaning; the other is the
// zero value. Failed reports whether Error.Code is non-zero.
type Answer struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  string    `json:"result"`
	Error   WireError `json:"error"`
}

// NewResultAnswer builds a successful Answer carrying an opaque/base64 or
// embedded-JSON-string result.
func NewResultAnswer(id int, result string) Answer {
	return Answer{JSONRPC: protocolVersion, ID: id, Result: result}
}

// NewErrorAnswer builds a failed Answer with the given taxonomy code.
func NewErrorAnswer(id int, code int, message string) Answer {
	return Answer{JSONRPC: protocolVersion, ID: id, Error: WireError{Code: code, Message: message}}
}

// SetResultJSON marshals v and stores it as the embedded JSON string result.
func (a *Answer) SetResultJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal result: %w", err)
	}
	a.Result = string(b)
	return nil
}

// DecodeResultJSON unmarshals the embedded JSON string result into v.
func (a Answer) DecodeResultJSON(v interface{}) error {
	if a.Result == "" {
		return json.Unmarshal([]byte("{}"), v)
	}
	if err := json.Unmarshal([]byte(a.Result), v); err != nil {
		return fmt.Errorf("wire: decode result: %w", err)
	}
	return nil
}

// Failed reports whether this Answer carries a non-zero error code.
func (a Answer) Failed() bool {
	return a.Error.Code != 0
}

// Encode serializes the answer as one newline-terminated JSON frame.
func (a Answer) Encode() ([]byte, error) {
	a.JSONRPC = protocolVersion
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("wire: encode answer: %w", err)
	}
	return append(b, '\n'), nil
}

// Unit is a freshly-reassembled wire frame of unknown shape — the Frame
// Builder hands these to the Dispatcher, which classifies each one as a
// Command or an Answer before decoding it fully.
type Unit struct {
	Raw json.RawMessage
}

// probe is used only to classify a Unit; every field is optional.
type probe struct {
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// IsCommand reports whether the frame carries a non-empty "method" field,
// the wire-level signal that this is a Command rather than a reply Answer.
func (u Unit) IsCommand() bool {
	var p probe
	if err := json.Unmarshal(u.Raw, &p); err != nil {
		return false
	}
	return p.Method != ""
}

// DecodeCommand decodes the unit's raw bytes as a Command.
func (u Unit) DecodeCommand() (Command, error) {
	var c Command
	if err := json.Unmarshal(u.Raw, &c); err != nil {
		return Command{}, fmt.Errorf("wire: decode command: %w", err)
	}
	return c, nil
}

// DecodeAnswer decodes the unit's raw bytes as an Answer.
func (u Unit) DecodeAnswer() (Answer, error) {
	var a Answer
	if err := json.Unmarshal(u.Raw, &a); err != nil {
		return Answer{}, fmt.Errorf("wire: decode answer: %w", err)
	}
	return a, nil
}
