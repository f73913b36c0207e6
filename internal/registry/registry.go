// Package registry implements the Method Registry (spec.md §4.5): the
// process-wide, single-instance mapping from method name to handler plus
// per-method execution options. Registration happens at process start;
// the registry becomes immutable once the engine reaches the Active
// phase — mirroring the read-only-after-init pattern the teacher applies
// to its proto-derived type tables in shared/types.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Options are the per-method execution options (spec.md §3 "Method
// record"). WantsProgress and WantsLogger are *bool rather than bool so
// that "not specified by the caller" (nil, adopt DefaultOptions) is
// distinguishable from "explicitly false" — a plain bool zero value
// cannot represent that distinction, and spec.md §4.5 requires "effective
// options = default options overlaid with per-method overrides". Set
// performs that overlay; Get always returns a fully-resolved entry.
// Use Options.Progress()/Options.Logger() to read the effective bool.
type Options struct {
	// Timeout is advisory; zero means no timeout. A handler must poll its
	// injected Timer to observe it — the pool never kills a handler.
	Timeout time.Duration

	// WantsProgress requests a ProgressProxy be injected for this call.
	// nil adopts DefaultOptions' value.
	WantsProgress *bool

	// WantsLogger requests a scoped logger be injected for this call.
	// nil adopts DefaultOptions' value.
	WantsLogger *bool
}

// DefaultOptions are overlaid under every registered method's explicit
// options (spec.md §4.5): {timeout: none, progress: true, logger: true}.
var DefaultOptions = Options{
	Timeout:       0,
	WantsProgress: boolPtr(true),
	WantsLogger:   boolPtr(true),
}

func boolPtr(b bool) *bool { return &b }

// Progress reports the effective WantsProgress value.
func (o Options) Progress() bool {
	if o.WantsProgress == nil {
		return true
	}
	return *o.WantsProgress
}

// Logger reports the effective WantsLogger value.
func (o Options) Logger() bool {
	if o.WantsLogger == nil {
		return true
	}
	return *o.WantsLogger
}

// overlay fills any unset (nil) field of opts from DefaultOptions,
// matching spec.md §4.5's "default options overlaid with per-method
// overrides" rule.
func overlay(opts Options) Options {
	if opts.WantsProgress == nil {
		opts.WantsProgress = DefaultOptions.WantsProgress
	}
	if opts.WantsLogger == nil {
		opts.WantsLogger = DefaultOptions.WantsLogger
	}
	return opts
}

// Handler is a registered method body. params is the decoded
// params.json sub-payload; the return value is marshaled into the
// outbound Answer's result on success, or turned into an ExecError
// Answer if it returns a non-nil error.
type Handler func(ctx Context, params []byte) (interface{}, error)

// Context is the set of side channels a Handler may use, injected by the
// worker loop according to the method's effective options (spec.md §4.6
// step 3). A handler that did not request a channel still receives a
// valid, inert value for it (progress.Step is then simply a silent
// no-op, per ProgressProxy's uninitialized-total rule).
type Context interface {
	TaskID() string
	Logger() LoggerFunc
	Progress() ProgressReporter
	Timer() TimerChecker
}

// LoggerFunc is the minimal handler-visible logging surface; the real
// implementation backs it with a *zap.SugaredLogger (see workerpool's
// newExecContext).
type LoggerFunc func(msg string, keysAndValues ...interface{})

// ProgressReporter is the handler-visible subset of workerpool.Progress.
type ProgressReporter interface {
	Total(n int)
	Step(delta int)
	Done()
}

// TimerChecker is the handler-visible subset of workerpool.Timer.
type TimerChecker interface {
	RaiseIfExceeded() error
	Stop()
}

type entry struct {
	handler Handler
	options Options
}

// ErrNotFound is returned by Get when the method name has not been
// registered.
type ErrNotFound struct{ Name string }

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("registry: method %q not registered", e.Name)
}

// ErrImmutable is returned by Set/Remove once the registry has been
// sealed for the Active phase.
var ErrImmutable = fmt.Errorf("registry: immutable after Seal")

// Registry is safe for concurrent use. Reads (Get, Names) take a shared
// lock; Set/Remove take an exclusive lock and fail once Seal has been
// called, matching the spec's "immutable during Active phase" invariant.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]entry
	sealed bool
}

// New returns an empty, mutable Registry.
func New() *Registry {
	return &Registry{byName: make(map[string]entry)}
}

// Set registers or replaces the handler and options for name. Unset
// Options fields are overlaid onto DefaultOptions here, so Get always
// returns a fully-populated Options value.
func (r *Registry) Set(name string, handler Handler, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrImmutable
	}
	r.byName[name] = entry{handler: handler, options: overlay(opts)}
	return nil
}

// Remove deletes a registered method. It is a no-op if name was never
// registered.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrImmutable
	}
	delete(r.byName, name)
	return nil
}

// Get returns the handler and effective options for name.
func (r *Registry) Get(name string) (Handler, Options, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, Options{}, ErrNotFound{Name: name}
	}
	return e.handler, e.options, nil
}

// Names returns the sorted list of registered method names, used both for
// diagnostics and as the "exposed methods" advertised in the registration
// handshake (spec.md §4.4 step 3).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bind fills in the handler for a method name that already has options
// registered — e.g. one pre-populated from rconfig.MethodManifest at
// startup, with the handler supplied later by application code.
func (r *Registry) Bind(name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrImmutable
	}
	e, ok := r.byName[name]
	if !ok {
		e = entry{options: DefaultOptions}
	}
	e.handler = handler
	r.byName[name] = e
	return nil
}

// Seal marks the registry immutable. The engine calls this when the
// session transitions to Active.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}
