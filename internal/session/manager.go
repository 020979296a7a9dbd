// Package session owns the single active debugging session and the
// reconnect state machine around it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tv_relay/internal/cdp"
)

// State names the reconnect state machine's states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateExhausted is terminal for automatic reconnects: only an explicit
	// switch recovers from it.
	StateExhausted State = "exhausted"
)

// Active bundles the live session: target identity, transport, and the
// context registry tracking that transport's execution contexts.
type Active struct {
	Target    cdp.Target
	Transport *cdp.Transport
	Contexts  *cdp.ContextRegistry
}

// Config holds session lifecycle tuning.
type Config struct {
	MaxAttempts      int
	RetryDelay       time.Duration
	CallTimeout      time.Duration
	InitWaitAttempts int
	InitWaitInterval time.Duration
}

// Status is a point-in-time snapshot of the lifecycle. Reading it never
// fails, even with no session active.
type Status struct {
	State        State       `json:"state"`
	Connected    bool        `json:"connected"`
	ContextCount int         `json:"context_count"`
	RetryCount   int         `json:"retry_count"`
	Degraded     bool        `json:"degraded"`
	Target       *cdp.Target `json:"target,omitempty"`
}

// Manager orchestrates discovery, transport, and the context registry into a
// single owned session slot. At most one session is active at a time, and at
// most one connect/switch sequence is in flight at a time.
type Manager struct {
	cfg        Config
	discoverer *cdp.Discoverer

	// OnExhausted, when set, is invoked once each time a connect sequence
	// gives up after MaxAttempts. Called after the sequence has released the
	// operation lock, so a slow callback never stalls a queued connect or
	// switch.
	OnExhausted func(err error)

	// OnInstalled, when set, is invoked after a new session is installed by
	// Connect or SwitchTo, before the installing call returns. Called after
	// the operation lock is released.
	OnInstalled func()

	opMu sync.Mutex // serializes connect and switch sequences

	mu       sync.Mutex
	state    State
	active   *Active
	retries  int
	degraded bool
	abort    context.CancelFunc // cancels the in-flight connect loop, if any
}

func NewManager(discoverer *cdp.Discoverer, cfg Config) *Manager {
	return &Manager{
		cfg:        cfg,
		discoverer: discoverer,
		state:      StateDisconnected,
	}
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Active {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Status returns a well-formed snapshot; it never errors.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:      m.state,
		Connected:  m.state == StateConnected && m.active != nil,
		RetryCount: m.retries,
		Degraded:   m.degraded,
	}
	if m.active != nil {
		st.ContextCount = m.active.Contexts.Count()
		t := m.active.Target
		st.Target = &t
	}
	return st
}

// Connect establishes a session from Disconnected: discovery, transport
// dial, registry init, with bounded retry. A caller arriving while another
// connect or switch is in flight blocks on that operation and then observes
// its outcome instead of starting a second sequence. The retry loop is
// abandoned promptly when SwitchTo arrives or ctx is cancelled.
func (m *Manager) Connect(ctx context.Context) (*Active, error) {
	active, installed, exhausted, err := m.runConnect(ctx)
	if installed && m.OnInstalled != nil {
		m.OnInstalled()
	}
	if exhausted && m.OnExhausted != nil {
		m.OnExhausted(err)
	}
	return active, err
}

func (m *Manager) runConnect(ctx context.Context) (active *Active, installed, exhausted bool, err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.active != nil && m.state == StateConnected {
		active = m.active
		m.mu.Unlock()
		return active, false, false, nil
	}
	if m.state == StateExhausted {
		m.mu.Unlock()
		return nil, false, false, &cdp.CodedError{Code: cdp.CodeRetryExhausted, Message: "reconnect attempts exhausted; switch target to recover"}
	}
	m.state = StateConnecting
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.abort = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.abort = nil
		m.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		target, derr := m.discoverer.DiscoverOne(ctx)
		if derr == nil {
			active, derr = m.openSession(ctx, target)
			if derr == nil {
				m.install(active)
				slog.Info("session connected",
					"target_id", target.ID,
					"endpoint", target.Endpoint,
					"contexts", active.Contexts.Count(),
					"attempt", attempt,
				)
				return active, true, false, nil
			}
		}
		lastErr = derr

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil, false, false, ctx.Err()
		}

		m.mu.Lock()
		m.retries = attempt
		m.mu.Unlock()
		slog.Warn("session connect attempt failed", "attempt", attempt, "max", m.cfg.MaxAttempts, "error", derr)

		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(m.cfg.RetryDelay):
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return nil, false, false, ctx.Err()
		}
	}

	m.setState(StateExhausted)
	err = &cdp.CodedError{
		Code:    cdp.CodeRetryExhausted,
		Message: fmt.Sprintf("gave up after %d connect attempts", m.cfg.MaxAttempts),
		Cause:   lastErr,
	}
	slog.Error("session connect exhausted", "attempts", m.cfg.MaxAttempts, "error", lastErr)
	return nil, false, true, err
}

// SwitchTo replaces the active session with one attached to the given
// target. Valid in any state; an in-flight connect loop is abandoned first,
// the previous transport is always closed before the new one is installed,
// and the previous session's identity is never reused after this returns.
func (m *Manager) SwitchTo(ctx context.Context, target cdp.Target) (*Active, error) {
	active, err := m.runSwitch(ctx, target)
	if err == nil && m.OnInstalled != nil {
		m.OnInstalled()
	}
	return active, err
}

func (m *Manager) runSwitch(ctx context.Context, target cdp.Target) (*Active, error) {
	m.abortConnect()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.discard()
	m.setState(StateConnecting)

	active, err := m.openSession(ctx, target)
	if err != nil {
		m.setState(StateDisconnected)
		return nil, err
	}
	m.install(active)
	slog.Info("session switched", "target_id", target.ID, "endpoint", target.Endpoint, "contexts", active.Contexts.Count())
	return active, nil
}

// abortConnect cancels an in-flight connect loop so an explicit switch does
// not wait out the remaining retry attempts.
func (m *Manager) abortConnect() {
	m.mu.Lock()
	abort := m.abort
	m.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// Teardown discards the session without retrying; the next Connect starts
// from scratch. Idempotent: tearing down with no session active is a no-op
// that still leaves the machine in Disconnected.
func (m *Manager) Teardown() {
	m.discard()
	m.setState(StateDisconnected)
}

// TeardownSession discards observed only while it is still the active
// session. A teardown decision made against a session that a concurrent
// switch has already replaced must not destroy the replacement.
func (m *Manager) TeardownSession(observed *Active) {
	if observed == nil {
		return
	}
	m.mu.Lock()
	if m.active != observed {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.degraded = false
	m.retries = 0
	m.state = StateDisconnected
	m.mu.Unlock()

	observed.Contexts.Detach()
	observed.Transport.Close()
}

// Close tears the session down for process shutdown.
func (m *Manager) Close() { m.Teardown() }

// openSession dials the target and runs the registry init sequence: enable,
// then a disable/enable cycle so contexts that pre-existed the subscription
// are replayed, then a bounded wait for a non-empty context set.
func (m *Manager) openSession(ctx context.Context, target cdp.Target) (*Active, error) {
	transport := cdp.NewTransport(target.WSURL, m.cfg.CallTimeout)
	if err := transport.Dial(ctx); err != nil {
		return nil, err
	}

	registry := cdp.NewContextRegistry()
	registry.Attach(transport)

	for _, method := range []string{"Runtime.enable", "Runtime.disable", "Runtime.enable"} {
		if _, err := transport.Call(ctx, method, nil); err != nil {
			registry.Detach()
			transport.Close()
			return nil, err
		}
	}

	ready, err := registry.WaitReady(ctx, m.cfg.InitWaitAttempts, m.cfg.InitWaitInterval)
	if err != nil {
		registry.Detach()
		transport.Close()
		return nil, err
	}
	if !ready {
		slog.Warn("session ready with zero contexts (degraded)", "target_id", target.ID)
	}

	m.mu.Lock()
	m.degraded = !ready
	m.mu.Unlock()

	return &Active{Target: target, Transport: transport, Contexts: registry}, nil
}

func (m *Manager) install(active *Active) {
	m.mu.Lock()
	m.active = active
	m.state = StateConnected
	m.retries = 0
	m.mu.Unlock()
}

// discard closes and forgets the current session, if any. Closing an
// already-closed transport is a no-op, never an error.
func (m *Manager) discard() {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.degraded = false
	m.retries = 0
	m.mu.Unlock()

	if active != nil {
		active.Contexts.Detach()
		active.Transport.Close()
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
