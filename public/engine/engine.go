// Package engine provides the top-level Engine (spec.md §2 "Engine"
// isn't itself a named component, but something has to wire the others
// together): it owns the Token Maker, Connection, Session State Machine,
// Method Registry, Worker Pool, and Dispatcher, drives the handshake and
// the reconnect loop, and implements graceful shutdown.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/conn"
	"github.com/roolet-io/roolet/internal/dispatch"
	"github.com/roolet-io/roolet/internal/rconfig"
	"github.com/roolet-io/roolet/internal/registry"
	"github.com/roolet-io/roolet/internal/rerrors"
	"github.com/roolet-io/roolet/internal/session"
	"github.com/roolet-io/roolet/internal/token"
	"github.com/roolet-io/roolet/internal/wire"
	"github.com/roolet-io/roolet/internal/workerpool"
)

// queueCapacity is the default Q from spec.md §3 ("Capacity ... Q
// defaults to 1024").
const queueCapacity = 1024

// Engine wires together a single worker-side session. It is not safe
// for concurrent use from more than one goroutine calling Run.
type Engine struct {
	logger *zap.Logger
	cfg    rconfig.Config
	reg    *registry.Registry
	maker  *token.Maker
	sess   *session.Machine
	pool   *workerpool.Pool

	group        int
	currentToken string
}

// New constructs an Engine. reg should already have every method the
// process intends to expose (via reg.Set/reg.Bind, optionally seeded by
// an rconfig.MethodManifest) — the registry is sealed the moment the
// session reaches Active.
func New(logger *zap.Logger, cfg rconfig.Config, reg *registry.Registry, stateDir string) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	maker, err := token.NewMakerFromFiles(cfg.CryptoPrivKeyPath, cfg.CryptoPrivKeyPath+".pub")
	if err != nil {
		return nil, fmt.Errorf("engine: building token maker: %w", err)
	}

	sess, err := session.New(stateDir)
	if err != nil {
		return nil, fmt.Errorf("engine: loading session state: %w", err)
	}

	pool := workerpool.New(logger, reg, cfg.Workers, queueCapacity, cfg.IterInterval())

	return &Engine{
		logger: logger.Named("engine"),
		cfg:    cfg,
		reg:    reg,
		maker:  maker,
		sess:   sess,
		pool:   pool,
		group:  int(rerrors.GroupServer),
	}, nil
}

// Session exposes the session state machine for read-only observers
// (e.g. a status endpoint).
func (e *Engine) Session() *session.Machine { return e.sess }

// Run drives the connect → handshake → Active → (on failure)
// Reconnecting loop until ctx is canceled, at which point it requests a
// graceful shutdown (spec.md §8 "shutdown liveness": Exit to every
// worker, wait for every Complete) and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	e.pool.Start()

	backoff := e.cfg.ReconnectInterval()
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := 60 * time.Second

	for {
		if ctx.Err() != nil {
			e.pool.Shutdown()
			e.pool.Wait()
			return nil
		}

		c, err := e.connectAndHandshake()
		if err != nil {
			if errors.Is(err, conn.ErrConnectionRefused) && e.cfg.ReconnectInterval() > 0 {
				e.sess.ToReconnecting()
				if !e.sleepOrDone(ctx, conn.Jitter(backoff)) {
					e.pool.Shutdown()
					e.pool.Wait()
					return nil
				}
				backoff = conn.NextBackoff(backoff, maxBackoff)
				continue
			}
			// Fatal per spec.md §7 tier 1: surface to the caller without
			// entering Active.
			return err
		}
		backoff = e.cfg.ReconnectInterval()
		if backoff <= 0 {
			backoff = time.Second
		}

		e.reg.Seal()
		d := dispatch.New(e.logger, c, e.pool)

		stop := make(chan struct{})
		stopped := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				close(stop)
			case <-stopped:
			}
		}()

		runErr := d.Run(stop)
		close(stopped)
		_ = c.Close()

		if ctx.Err() != nil {
			return nil
		}
		if runErr != nil {
			e.logger.Warn("dispatcher stopped, reconnecting", zap.Error(runErr))
			e.sess.ToReconnecting()
			if !e.sleepOrDone(ctx, conn.Jitter(backoff)) {
				e.pool.Shutdown()
				e.pool.Wait()
				return nil
			}
			backoff = conn.NextBackoff(backoff, maxBackoff)
			continue
		}
		// runErr == nil with the dispatcher having returned means the
		// worker pool fully drained after a shutdown request delivered
		// through stop — this only happens via ctx cancellation above,
		// so control never actually reaches here, but exit cleanly if it
		// somehow did.
		return nil
	}
}

func (e *Engine) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// connectAndHandshake dials the broker and drives the two-step handshake
// (spec.md §4.4): auth, then registration. It returns the Connection,
// ready for the Dispatcher to take ownership of, once the session has
// reached Active.
func (e *Engine) connectAndHandshake() (*conn.Connection, error) {
	e.sess.ToConnecting()
	c := conn.New(e.logger, e.cfg.Addr, e.cfg.Port)
	if err := c.Dial(); err != nil {
		return nil, err
	}

	if err := e.authenticate(c); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := e.register(c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (e *Engine) authenticate(c *conn.Connection) error {
	if err := e.sess.ToAuthenticating(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if !e.sess.AuthVerified() {
		tok, err := e.maker.Issue()
		if err != nil {
			return fmt.Errorf("engine: issuing auth token: %w", err)
		}
		e.currentToken = tok
	}

	var p wire.Params
	p.Data = e.currentToken
	if err := p.SetJSON(map[string]string{"key": e.cfg.CryptoPubKeyName}); err != nil {
		return fmt.Errorf("engine: encoding auth params: %w", err)
	}

	ans, err := c.Request(wire.NewCommand(c.NextID(), "auth", p))
	if err != nil {
		return fmt.Errorf("engine: auth request: %w", err)
	}
	if ans.Failed() {
		return fmt.Errorf("engine: auth refused by broker: %s", ans.Error.Message)
	}

	var body struct {
		Auth bool `json:"auth"`
	}
	if ans.Result == "" {
		return fmt.Errorf("engine: auth answer missing result field")
	}
	if err := json.Unmarshal([]byte(ans.Result), &body); err != nil {
		return fmt.Errorf("engine: decoding auth answer: %w", err)
	}
	if !body.Auth {
		e.sess.InvalidateAuth()
		return fmt.Errorf("engine: auth rejected")
	}
	return e.sess.AuthSucceeded()
}

func (e *Engine) register(c *conn.Connection) error {
	var p wire.Params
	p.CID = e.sess.CID()
	if err := p.SetJSON(map[string]interface{}{
		"group":   e.group,
		"methods": e.reg.Names(),
	}); err != nil {
		return fmt.Errorf("engine: encoding registration params: %w", err)
	}

	ans, err := c.Request(wire.NewCommand(c.NextID(), "registration", p))
	if err != nil {
		return fmt.Errorf("engine: registration request: %w", err)
	}
	if ans.Failed() {
		return fmt.Errorf("engine: registration rejected by broker: %s", ans.Error.Message)
	}

	var body struct {
		OK  bool   `json:"ok"`
		CID string `json:"cid"`
	}
	if ans.Result == "" || json.Unmarshal([]byte(ans.Result), &body) != nil || !body.OK {
		return fmt.Errorf("engine: malformed registration answer")
	}

	if err := e.sess.SetCID(body.CID); err != nil {
		return fmt.Errorf("engine: persisting cid: %w", err)
	}
	return e.sess.ToActive()
}
