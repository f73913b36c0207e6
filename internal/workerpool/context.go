package workerpool

import (
	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/registry"
)

// execContext is the concrete registry.Context a worker injects into a
// handler invocation. Progress and Timer are always present — when a
// method's options did not request one, the handler still gets an inert
// value (Progress.Step is a no-op without Total, Timer.RaiseIfExceeded
// is always nil when unarmed) rather than a nil interface the handler
// would have to guard against.
type execContext struct {
	taskID   string
	logger   registry.LoggerFunc
	progress *Progress
	timer    *Timer
}

func newExecContext(taskID string, opts registry.Options, logger *zap.Logger, sendProgress func(int)) *execContext {
	var lf registry.LoggerFunc
	if opts.Logger() {
		sugar := logger.With(zap.String("task", taskID)).Sugar()
		lf = func(msg string, keysAndValues ...interface{}) {
			sugar.Infow(msg, keysAndValues...)
		}
	} else {
		lf = func(string, ...interface{}) {}
	}

	send := sendProgress
	if !opts.Progress() {
		send = nil
	}

	return &execContext{
		taskID:   taskID,
		logger:   lf,
		progress: NewProgress(0, send),
		timer:    NewTimer(opts.Timeout),
	}
}

func (c *execContext) TaskID() string                     { return c.taskID }
func (c *execContext) Logger() registry.LoggerFunc         { return c.logger }
func (c *execContext) Progress() registry.ProgressReporter { return c.progress }
func (c *execContext) Timer() registry.TimerChecker        { return c.timer }
