// Package rpc implements the RPC Client-Side API (spec.md §4.8): the
// surface exposed to application code that *calls* remote methods, as
// opposed to code hosting them. Request/response correlation by id is
// grounded on tenzoki-agen/code/cellorg's internal/client/broker.go
// BrokerClient.call — a response-channel map keyed by request id, with a
// background read loop routing inbound Answers to the channel that is
// waiting on them.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/rerrors"
	"github.com/roolet-io/roolet/internal/wire"
)

// defaultIterWait is the getresult polling interval (spec.md §4.8
// default 200 ms).
const defaultIterWait = 200 * time.Millisecond

// defaultTimeout is the synchronous-call poll timeout (spec.md §4.8
// default 60 s), after which Call returns ErrResultTimeout.
const defaultTimeout = 60 * time.Second

// ErrResultTimeout is returned by Call when sync polling exceeds Timeout
// without the task completing.
var ErrResultTimeout = fmt.Errorf("rpc: %s", rerrors.ResultTimeout.String())

// Options configures a single Call.
type Options struct {
	// Sync, if true (the default), polls getresult until completion or
	// Timeout. If false, Call returns the task id immediately for async
	// completion elsewhere.
	Sync bool
	// IterWait overrides the default getresult poll interval.
	IterWait time.Duration
	// Timeout overrides the default sync poll timeout.
	Timeout time.Duration
}

// DefaultOptions mirrors spec.md §4.8's defaults.
func DefaultOptions() Options {
	return Options{Sync: true, IterWait: defaultIterWait, Timeout: defaultTimeout}
}

// Result is what Call returns on success: exactly one of Value (a decoded
// JSON result) or TaskID (async-mode handoff) is set. Failures are
// reported through Call's error return.
type Result struct {
	Value  json.RawMessage
	TaskID string
}

type pending struct {
	answers chan wire.Answer
}

// Caller owns a connection already past the handshake and correlates
// outbound Commands with inbound Answers by id, for application code
// that calls remote methods rather than hosting them.
type Caller struct {
	logger *zap.Logger
	conn   net.Conn
	reader *bufio.Reader
	framer *wire.Framer

	mu      sync.Mutex
	nextID  int
	waiting map[int]pending

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps an already-connected, post-handshake net.Conn and starts the
// background read loop that demultiplexes inbound Answers.
func New(logger *zap.Logger, c net.Conn) *Caller {
	caller := &Caller{
		logger:  logger.Named("rpc"),
		conn:    c,
		reader:  bufio.NewReader(c),
		framer:  wire.NewFramer(),
		waiting: make(map[int]pending),
		closed:  make(chan struct{}),
	}
	go caller.readLoop()
	return caller
}

func (c *Caller) readLoop() {
	for {
		line, err := c.reader.ReadBytes('\n')
		if len(line) > 0 {
			if appendErr := c.framer.Append(line); appendErr != nil {
				c.fail(appendErr)
				return
			}
			for c.framer.IsDone() {
				unit := c.framer.Take()
				ans, decodeErr := unit.DecodeAnswer()
				if decodeErr != nil {
					continue
				}
				c.deliver(ans)
			}
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// fail marks the Caller as unusable: every in-flight and future call
// observes the same connection-lost error instead of hanging forever
// waiting on an Answer that will never arrive.
func (c *Caller) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

func (c *Caller) deliver(ans wire.Answer) {
	c.mu.Lock()
	p, ok := c.waiting[ans.ID]
	if ok {
		delete(c.waiting, ans.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("answer for unknown request id", zap.Int("id", ans.ID))
		return
	}
	p.answers <- ans
}

// Call sends an Exec-shaped Command for method with the given embedded
// JSON params. Behavior per spec.md §4.8:
//   - If the immediate Answer's result envelope carries a non-empty data
//     field, that is the synchronous completion: Result.Value is populated.
//   - Otherwise the Answer carries a task id in its result envelope; if
//     opts.Sync, Call polls getresult every IterWait until the task
//     completes or Timeout elapses (ErrResultTimeout); otherwise Call
//     returns immediately with Result.TaskID set.
func (c *Caller) Call(ctx context.Context, method string, params interface{}, opts Options) (Result, error) {
	if opts.IterWait <= 0 {
		opts.IterWait = defaultIterWait
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	ans, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return Result{}, err
	}
	if ans.Failed() {
		return Result{}, fmt.Errorf("rpc: %s (code %d)", ans.Error.Message, ans.Error.Code)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Task   string          `json:"task"`
		Exists bool            `json:"exists"`
	}
	if ans.Result != "" {
		if err := json.Unmarshal([]byte(ans.Result), &envelope); err != nil {
			return Result{}, fmt.Errorf("rpc: decoding answer envelope: %w", err)
		}
	}
	if len(envelope.Data) > 0 {
		return Result{Value: envelope.Data}, nil
	}
	if envelope.Task == "" {
		return Result{}, fmt.Errorf("rpc: answer carries neither data nor task id")
	}
	if !opts.Sync {
		return Result{TaskID: envelope.Task}, nil
	}
	return c.pollUntilDone(ctx, envelope.Task, opts)
}

func (c *Caller) pollUntilDone(ctx context.Context, taskID string, opts Options) (Result, error) {
	deadline := time.Now().Add(opts.Timeout)
	ticker := time.NewTicker(opts.IterWait)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return Result{}, ErrResultTimeout
		}

		var p wire.Params
		_ = p.SetJSON(map[string]string{"task": taskID})
		ans, err := c.roundTripCommand(ctx, wire.NewCommand(c.allocateID(), "getresult", p))
		if err != nil {
			return Result{}, err
		}

		var envelope struct {
			Exists bool            `json:"exists"`
			Data   json.RawMessage `json:"data"`
		}
		if ans.Result != "" {
			if err := json.Unmarshal([]byte(ans.Result), &envelope); err != nil {
				return Result{}, fmt.Errorf("rpc: decoding getresult envelope: %w", err)
			}
		}
		if envelope.Exists {
			return Result{Value: envelope.Data}, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Caller) roundTrip(ctx context.Context, method string, params interface{}) (wire.Answer, error) {
	var p wire.Params
	if params != nil {
		if err := p.SetJSON(params); err != nil {
			return wire.Answer{}, fmt.Errorf("rpc: encoding call params: %w", err)
		}
	}
	cmd := wire.NewCommand(c.allocateID(), method, p)
	return c.roundTripCommand(ctx, cmd)
}

func (c *Caller) roundTripCommand(ctx context.Context, cmd wire.Command) (wire.Answer, error) {
	answers := make(chan wire.Answer, 1)
	c.mu.Lock()
	c.waiting[cmd.ID] = pending{answers: answers}
	c.mu.Unlock()

	b, err := cmd.Encode()
	if err != nil {
		return wire.Answer{}, fmt.Errorf("rpc: encoding command: %w", err)
	}
	if _, err := c.conn.Write(b); err != nil {
		return wire.Answer{}, fmt.Errorf("rpc: writing command: %w", err)
	}

	select {
	case ans := <-answers:
		return ans, nil
	case <-c.closed:
		return wire.Answer{}, fmt.Errorf("rpc: connection lost: %w", c.closeErr)
	case <-ctx.Done():
		return wire.Answer{}, ctx.Err()
	}
}

func (c *Caller) allocateID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}
