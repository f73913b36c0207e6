// Package dispatch implements the Dispatcher (spec.md §4.6): it bridges
// the single-goroutine network read/write loop to the Worker Pool.
// Inbound call Commands become dispatch-queue Exec messages; reply-queue
// messages become outbound Commands (result/progress) or, for
// backpressure, an immediate error Answer.
package dispatch

import (
	"bufio"
	"fmt"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/rerrors"
	"github.com/roolet-io/roolet/internal/wire"
	"github.com/roolet-io/roolet/internal/workerpool"
)

// inlineMethods are broker-initiated Commands answered directly by the
// Dispatcher rather than routed through the worker pool (spec.md §4.6:
// "other broker-initiated methods (status probes, pings) are answered
// inline").
var inlineMethods = map[string]bool{
	"ping":   true,
	"status": true,
}

// Conn is the subset of conn.Connection the Dispatcher needs once it has
// taken ownership of the socket post-handshake.
type Conn interface {
	Raw() net.Conn
	Reader() *bufio.Reader
	Framer() *wire.Framer
	NextID() int
}

// Pool is the subset of workerpool.Pool the Dispatcher drives.
type Pool interface {
	NumWorkers() int
	Replies() <-chan workerpool.ReplyMsg
	Dispatch(taskID, method string, params []byte) bool
	Shutdown()
}

// Dispatcher runs the Active-phase network loop.
type Dispatcher struct {
	logger *zap.Logger
	conn   Conn
	pool   Pool
}

// New returns a Dispatcher wired to conn (post-handshake) and pool.
func New(logger *zap.Logger, c Conn, pool Pool) *Dispatcher {
	return &Dispatcher{logger: logger.Named("dispatch"), conn: c, pool: pool}
}

type readResult struct {
	data []byte
	err  error
}

// Run drives the Active-phase loop until the connection is lost (which
// the caller treats as a trigger to transition to Reconnecting) or stop
// is closed, in which case Run drains the worker pool to completion
// (spec.md §8 "shutdown liveness") and returns nil.
func (d *Dispatcher) Run(stop <-chan struct{}) error {
	incoming := make(chan readResult, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		// Read one newline-delimited frame at a time rather than an
		// arbitrary byte chunk: a raw Read can return several
		// back-to-back frames concatenated in one syscall, and the
		// Frame Builder only ever holds one completed frame before a
		// Take — feeding it one line per Append call keeps that
		// invariant satisfiable no matter how the kernel batches bytes.
		for {
			line, err := d.conn.Reader().ReadBytes('\n')
			select {
			case incoming <- readResult{data: line, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	shuttingDown := false
	liveWorkers := d.pool.NumWorkers()

	for {
		select {
		case rr := <-incoming:
			if len(rr.data) > 0 {
				if err := d.conn.Framer().Append(rr.data); err != nil {
					return fmt.Errorf("dispatch: frame reassembly: %w", err)
				}
				for d.conn.Framer().IsDone() {
					unit := d.conn.Framer().Take()
					if err := d.handleUnit(unit); err != nil {
						return err
					}
				}
			}
			if rr.err != nil {
				return fmt.Errorf("dispatch: connection lost: %w", rr.err)
			}

		case reply, ok := <-d.pool.Replies():
			if !ok {
				continue
			}
			if reply.Kind == workerpool.ReplyComplete {
				liveWorkers--
			}
			if err := d.handleReply(reply); err != nil {
				return err
			}

		case <-stop:
			if !shuttingDown {
				shuttingDown = true
				d.pool.Shutdown()
				d.logger.Info("shutdown requested, draining worker pool")
			}
		}

		if shuttingDown && liveWorkers <= 0 {
			d.logger.Info("all workers completed, dispatcher exiting")
			return nil
		}
	}
}

func (d *Dispatcher) handleUnit(unit wire.Unit) error {
	if !unit.IsCommand() {
		// Worker-side dispatcher does not expect inbound Answers; ignore.
		return nil
	}
	cmd, err := unit.DecodeCommand()
	if err != nil {
		return fmt.Errorf("dispatch: decoding inbound command: %w", err)
	}

	if inlineMethods[cmd.Method] {
		return d.writeAnswer(wire.NewResultAnswer(cmd.ID, "pong"))
	}

	taskID := cmd.Params.Task
	if taskID == "" {
		// The broker is expected to assign task ids, but a caller that
		// omits one (e.g. a hand-rolled test client) must not collide
		// with any other in-flight task.
		taskID = uuid.NewString()
	}

	if !d.pool.Dispatch(taskID, cmd.Method, []byte(cmd.Params.JSON)) {
		d.logger.Warn("dispatch queue full, rejecting call",
			zap.String("method", cmd.Method), zap.String("task", taskID))
		return d.writeAnswer(wire.NewErrorAnswer(cmd.ID, int(rerrors.AllServerBusy), "all workers busy"))
	}
	return nil
}

func (d *Dispatcher) handleReply(reply workerpool.ReplyMsg) error {
	switch reply.Kind {
	case workerpool.ReplyResult:
		var p wire.Params
		p.Task = reply.TaskID
		if reply.ErrCode != 0 {
			if err := p.SetJSON(map[string]interface{}{
				"error": map[string]interface{}{"code": reply.ErrCode, "message": reply.ErrMessage},
			}); err != nil {
				return fmt.Errorf("dispatch: encoding result params: %w", err)
			}
		} else if err := p.SetJSON(map[string]interface{}{"result": reply.Result}); err != nil {
			return fmt.Errorf("dispatch: encoding result params: %w", err)
		}
		cmd := wire.NewCommand(d.conn.NextID(), "result", p)
		return d.writeCommand(cmd)

	case workerpool.ReplyProgress:
		var p wire.Params
		p.Task = reply.TaskID
		if err := p.SetJSON(map[string]int{"percent": reply.Percent}); err != nil {
			return fmt.Errorf("dispatch: encoding progress params: %w", err)
		}
		cmd := wire.NewCommand(d.conn.NextID(), "progress", p)
		return d.writeCommand(cmd)

	case workerpool.ReplyWait:
		d.logger.Debug("worker idle", zap.Int("worker", reply.WorkerIdx))
		return nil

	case workerpool.ReplyComplete:
		d.logger.Debug("worker complete", zap.Int("worker", reply.WorkerIdx))
		return nil
	}
	return nil
}

func (d *Dispatcher) writeCommand(cmd wire.Command) error {
	b, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("dispatch: encoding outbound command: %w", err)
	}
	if _, err := d.conn.Raw().Write(b); err != nil {
		return fmt.Errorf("dispatch: writing outbound command: %w", err)
	}
	return nil
}

func (d *Dispatcher) writeAnswer(ans wire.Answer) error {
	b, err := ans.Encode()
	if err != nil {
		return fmt.Errorf("dispatch: encoding outbound answer: %w", err)
	}
	if _, err := d.conn.Raw().Write(b); err != nil {
		return fmt.Errorf("dispatch: writing outbound answer: %w", err)
	}
	return nil
}
