package workerpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/registry"
	"github.com/roolet-io/roolet/internal/rerrors"
)

// defaultPollInterval is the bounded minimum interval a worker sleeps
// between non-blocking pulls when the dispatch queue is empty (spec.md
// §4.6 step 4 default 250 ms).
const defaultPollInterval = 250 * time.Millisecond

// Pool is the Worker Pool (spec.md §4.6). It owns the shared dispatch
// and reply queues and the goroutines pulling from/pushing to them.
//
// Design note: spec.md describes dispatch capacity as "≈ Q/N per
// worker" — N independent per-worker channels. This implementation uses
// one shared buffered channel of capacity Q instead: N goroutines
// competing for pulls off a single channel gives the same bounded total
// capacity and backpressure behavior with substantially simpler Go, and
// nothing in the spec's invariants distinguishes "N channels of Q/N"
// from "one channel of Q" — both bound the number of undispatched Execs
// to Q.
type Pool struct {
	logger       *zap.Logger
	reg          *registry.Registry
	dispatch     chan DispatchMsg
	reply        chan ReplyMsg
	pollInterval time.Duration
	n            int
	wg           sync.WaitGroup

	// states tracks each worker's lifecycle state (spec.md §3 "Worker
	// state") for diagnostics; index i holds worker i's current State.
	states []atomic.Int32
}

// New constructs a Pool of n workers pulling registered methods from reg.
// queueCapacity bounds the dispatch queue (spec.md's Q, default 1024);
// the reply queue shares the same capacity.
func New(logger *zap.Logger, reg *registry.Registry, n, queueCapacity int, pollInterval time.Duration) *Pool {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Pool{
		logger:       logger.Named("workerpool"),
		reg:          reg,
		dispatch:     make(chan DispatchMsg, queueCapacity),
		reply:        make(chan ReplyMsg, queueCapacity),
		pollInterval: pollInterval,
		n:            n,
		states:       make([]atomic.Int32, n),
	}
}

// WorkerState reports worker idx's current lifecycle state. It is Stopped
// for any idx outside [0, NumWorkers).
func (p *Pool) WorkerState(idx int) State {
	if idx < 0 || idx >= len(p.states) {
		return Stopped
	}
	return State(p.states[idx].Load())
}

func (p *Pool) setState(idx int, s State) {
	p.states[idx].Store(int32(s))
}

// NumWorkers returns the configured pool size.
func (p *Pool) NumWorkers() int {
	return p.n
}

// Replies exposes the reply queue for the Dispatcher to drain.
func (p *Pool) Replies() <-chan ReplyMsg {
	return p.reply
}

// Start spawns the n worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

// Wait blocks until every worker goroutine has returned (i.e. every
// worker has processed its Exit and emitted Complete).
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dispatch attempts a non-blocking send of an Exec command onto the
// dispatch queue. It reports false when the queue is full — the caller
// (Dispatcher) must then answer the inbound call with AllServerBusy
// instead of blocking the network read loop, per spec.md §4.6
// "Backpressure".
func (p *Pool) Dispatch(taskID, method string, params []byte) bool {
	select {
	case p.dispatch <- DispatchMsg{Kind: DispatchExec, TaskID: taskID, Method: method, Params: params}:
		return true
	default:
		return false
	}
}

// Shutdown enqueues one Exit message per worker. It blocks until all n
// sends succeed — shutdown must not be dropped by backpressure the way
// an ordinary Exec dispatch can be.
func (p *Pool) Shutdown() {
	for i := 0; i < p.n; i++ {
		p.dispatch <- DispatchMsg{Kind: DispatchExit}
	}
}

func (p *Pool) runWorker(idx int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", idx))
	p.setState(idx, Idle)

	for {
		var msg DispatchMsg
		var ok bool
		select {
		case msg, ok = <-p.dispatch:
		default:
			select {
			case p.reply <- ReplyMsg{Kind: ReplyWait, WorkerIdx: idx}:
			default:
				// Wait is an advisory heartbeat; the Dispatcher may drop
				// or trace it. Never block the worker loop delivering one.
			}
			time.Sleep(p.pollInterval)
			continue
		}
		if !ok {
			p.setState(idx, Stopped)
			return
		}

		switch msg.Kind {
		case DispatchExit:
			p.setState(idx, Exiting)
			p.reply <- ReplyMsg{Kind: ReplyComplete, WorkerIdx: idx}
			logger.Debug("worker exiting")
			p.setState(idx, Stopped)
			return
		case DispatchExec:
			p.setState(idx, Busy)
			p.execute(idx, logger, msg)
			p.setState(idx, Idle)
		}
	}
}

func (p *Pool) execute(idx int, logger *zap.Logger, msg DispatchMsg) {
	handler, opts, err := p.reg.Get(msg.Method)
	if err != nil {
		logger.Warn("method not found",
			zap.String("method", msg.Method),
			zap.String("task", msg.TaskID),
			zap.String("origin", rerrors.NoMethod.Origin()))
		p.reply <- ReplyMsg{
			Kind:       ReplyResult,
			WorkerIdx:  idx,
			TaskID:     msg.TaskID,
			ErrCode:    int(rerrors.NoMethod),
			ErrMessage: fmt.Sprintf("Not found method %q", msg.Method),
		}
		return
	}

	ctx := newExecContext(msg.TaskID, opts, logger, func(percent int) {
		p.reply <- ReplyMsg{Kind: ReplyProgress, WorkerIdx: idx, TaskID: msg.TaskID, Percent: percent}
	})

	result, err := invoke(handler, ctx, msg.Params)
	if err != nil {
		logger.Warn("handler execution failed",
			zap.String("method", msg.Method),
			zap.String("task", msg.TaskID),
			zap.String("origin", rerrors.ExecError.Origin()),
			zap.Error(err))
		p.reply <- ReplyMsg{
			Kind:       ReplyResult,
			WorkerIdx:  idx,
			TaskID:     msg.TaskID,
			ErrCode:    int(rerrors.ExecError),
			ErrMessage: err.Error(),
		}
		return
	}

	if opts.Progress() {
		ctx.progress.Done()
	}
	p.reply <- ReplyMsg{Kind: ReplyResult, WorkerIdx: idx, TaskID: msg.TaskID, Result: result}
}

// invoke calls the handler, recovering a panic into an error so that a
// single misbehaving handler cannot take down the worker goroutine —
// the pool's whole reason to isolate handler execution in the first
// place.
func invoke(handler registry.Handler, ctx registry.Context, params []byte) (result interface{}, err error) {
	if handler == nil {
		return nil, fmt.Errorf("workerpool: method registered without a bound handler")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workerpool: handler panicked: %v", r)
		}
	}()
	return handler(ctx, params)
}
