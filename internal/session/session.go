// Package session implements the Session State Machine (spec.md §4.4,
// §3 "Session"): the phases Connecting → Authenticating → Registering →
// Active → Reconnecting, and the sticky client id that survives a
// reconnect. Persistence of the sticky cid to disk follows the
// temp-file-then-rename pattern of
// agent/internal/connection/manager.go's loadState/saveState.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Phase is one state in the session lifecycle (spec.md §4.4 diagram).
type Phase int

const (
	Init Phase = iota
	Connecting
	Authenticating
	Registering
	Active
	Reconnecting
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// state is the on-disk persisted form of the sticky session identity,
// mirroring connection.agentState.
type state struct {
	CID string `json:"cid"`
}

const stateFileName = "session-state.json"

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, stateFileName)
}

func loadState(stateDir string) (state, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state{}, nil
		}
		return state{}, fmt.Errorf("session: failed to read state file: %w", err)
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return state{}, fmt.Errorf("session: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes the session state to disk atomically via temp file +
// rename, matching connection.saveState.
func saveState(stateDir string, s state) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("session: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "session-state.*.tmp")
	if err != nil {
		return fmt.Errorf("session: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("session: failed to rename temp state file: %w", err)
	}
	ok = true
	return nil
}

// Machine owns the session's phase, sticky cid, and auth-verified flag. It
// is safe for concurrent use; the network goroutine drives transitions
// while other goroutines (e.g. a status endpoint) may observe Phase/CID.
type Machine struct {
	mu             sync.RWMutex
	phase          Phase
	cid            string
	authVerified   bool
	lastConnectAt  time.Time
	stateDir       string
	persistEnabled bool
}

// New creates a Machine in the Init phase. If stateDir is non-empty, the
// sticky cid is loaded from disk (if present) and every future SetCID
// persists it there.
func New(stateDir string) (*Machine, error) {
	m := &Machine{phase: Init, stateDir: stateDir, persistEnabled: stateDir != ""}
	if m.persistEnabled {
		s, err := loadState(stateDir)
		if err != nil {
			return nil, err
		}
		m.cid = s.CID
	}
	return m, nil
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// CID returns the current sticky client/session id, possibly empty if no
// registration has ever completed.
func (m *Machine) CID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cid
}

// AuthVerified reports whether the most recent auth step succeeded.
func (m *Machine) AuthVerified() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authVerified
}

// LastConnectAt returns the timestamp of the most recent connect attempt,
// as recorded by ToConnecting before dialing, whether or not it succeeded.
func (m *Machine) LastConnectAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastConnectAt
}

// ToConnecting transitions into Connecting and records the connect
// timestamp, whether this is the first attempt or a post-reconnect retry.
func (m *Machine) ToConnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = Connecting
	m.lastConnectAt = time.Now()
}

// ToAuthenticating transitions into Authenticating. Valid only from
// Connecting or Reconnecting.
func (m *Machine) ToAuthenticating() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Connecting && m.phase != Reconnecting {
		return fmt.Errorf("session: cannot enter authenticating from %s", m.phase)
	}
	m.phase = Authenticating
	return nil
}

// AuthSucceeded records a successful auth step and transitions into
// Registering.
func (m *Machine) AuthSucceeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Authenticating {
		return fmt.Errorf("session: cannot record auth success from %s", m.phase)
	}
	m.authVerified = true
	m.phase = Registering
	return nil
}

// SetCID stores the broker-assigned sticky id and, if persistence is
// enabled, writes it to disk before returning — a reconnect that crashes
// the process must still observe the most recently assigned cid.
func (m *Machine) SetCID(cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cid = cid
	if m.persistEnabled {
		if err := saveState(m.stateDir, state{CID: cid}); err != nil {
			return err
		}
	}
	return nil
}

// ToActive completes the registration step and transitions into Active.
func (m *Machine) ToActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Registering {
		return fmt.Errorf("session: cannot enter active from %s", m.phase)
	}
	m.phase = Active
	return nil
}

// ToReconnecting transitions into Reconnecting from any phase; unlike the
// other transitions it performs no phase check. The sticky cid and auth-verified flag are preserved — spec.md's cid
// stickiness property requires the next registration frame to replay the
// same cid.
func (m *Machine) ToReconnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = Reconnecting
}

// InvalidateAuth forces a fresh token to be built on the next handshake —
// used when the broker explicitly rejects a reused token (spec.md §4.4:
// "Token reuse is permitted only if the broker did not explicitly
// invalidate it; otherwise rebuild").
func (m *Machine) InvalidateAuth() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authVerified = false
}
