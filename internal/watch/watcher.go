// Package watch runs the periodic change-detection loop: capture the watched
// widget's state, fingerprint it, and announce changes.
package watch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tv_relay/internal/cdp"
	"github.com/dgnsrekt/tv_relay/internal/session"
	"github.com/zeebo/blake3"
)

// CaptureResult is what a capture probe hands back. Exactly one of the three
// shapes applies: Data set (usable payload), ErrMarker set (the probe located
// the widget but the application reported an error), or neither (nothing
// usable this tick).
type CaptureResult struct {
	Data      json.RawMessage
	ErrMarker string
}

// CaptureFunc extracts application state from the active session. The core
// treats it as a black box beyond fingerprinting; implementations must
// respect ctx's deadline.
type CaptureFunc func(ctx context.Context, active *session.Active) (CaptureResult, error)

// ChangeEvent is the lightweight notification broadcast when the captured
// state changes. Clients pull the payload separately.
type ChangeEvent struct {
	Fingerprint string    `json:"fingerprint"`
	TargetID    string    `json:"target_id"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Config holds polling loop tuning.
type Config struct {
	Interval         time.Duration
	CaptureTimeout   time.Duration
	FailureThreshold int
}

// Watcher polls the active session on a fixed period. Ticks are serialized:
// a tick never starts while the previous one is still running; an overrun
// simply delays the next tick.
type Watcher struct {
	cfg      Config
	manager  *session.Manager
	capture  CaptureFunc
	onChange func(ChangeEvent)

	mu          sync.Mutex
	lastPayload json.RawMessage
	lastSum     [32]byte
	haveSum     bool
	lastAt      time.Time
	failures    int
}

func New(manager *session.Manager, capture CaptureFunc, onChange func(ChangeEvent), cfg Config) *Watcher {
	return &Watcher{
		cfg:      cfg,
		manager:  manager,
		capture:  capture,
		onChange: onChange,
	}
}

// Run drives the loop until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	slog.Info("watcher started", "interval", w.cfg.Interval, "failure_threshold", w.cfg.FailureThreshold)
	for {
		select {
		case <-ctx.Done():
			slog.Info("watcher stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick is one pass of the loop. With no session active it attempts a connect
// and captures nothing; a capture happens only against an established session.
func (w *Watcher) tick(ctx context.Context) {
	active := w.manager.Current()
	if active == nil {
		if _, err := w.manager.Connect(ctx); err != nil {
			slog.Debug("watcher connect failed", "error", err)
		}
		return
	}

	// A dead transport cannot possibly produce a capture; force the session
	// down now instead of burning through the failure threshold.
	if active.Transport.Closed() {
		slog.Warn("watcher observed dead transport", "target_id", active.Target.ID)
		w.manager.TeardownSession(active)
		w.ResetFailures()
		return
	}

	captureCtx, cancel := context.WithTimeout(ctx, w.cfg.CaptureTimeout)
	res, err := w.capture(captureCtx, active)
	cancel()

	if err != nil {
		var coded *cdp.CodedError
		if errors.As(err, &coded) && coded.Code == cdp.CodeTransportClosed {
			slog.Warn("watcher capture hit closed transport", "target_id", active.Target.ID)
			w.manager.TeardownSession(active)
			w.ResetFailures()
			return
		}
		w.recordFailure(active, err.Error())
		return
	}
	if res.ErrMarker != "" {
		w.recordFailure(active, res.ErrMarker)
		return
	}
	if len(res.Data) == 0 {
		w.recordFailure(active, "empty capture result")
		return
	}

	w.recordSuccess(string(active.Target.ID), res.Data)
}

// recordFailure bumps the consecutive-failure counter; hitting the
// threshold triggers exactly one teardown of the observed session and
// resets the counter.
func (w *Watcher) recordFailure(active *session.Active, reason string) {
	w.mu.Lock()
	w.failures++
	failures := w.failures
	tear := failures >= w.cfg.FailureThreshold
	if tear {
		w.failures = 0
	}
	w.mu.Unlock()

	slog.Warn("capture failed", "reason", reason, "consecutive", failures, "threshold", w.cfg.FailureThreshold)
	if tear {
		slog.Warn("capture failure threshold reached, tearing session down")
		w.manager.TeardownSession(active)
	}
}

func (w *Watcher) recordSuccess(targetID string, data json.RawMessage) {
	sum := blake3.Sum256(data)

	w.mu.Lock()
	w.failures = 0
	changed := !w.haveSum || sum != w.lastSum
	if changed {
		w.lastSum = sum
		w.haveSum = true
		w.lastPayload = append(json.RawMessage(nil), data...)
		w.lastAt = time.Now()
	}
	at := w.lastAt
	w.mu.Unlock()

	if !changed {
		return
	}

	evt := ChangeEvent{
		Fingerprint: hex.EncodeToString(sum[:]),
		TargetID:    targetID,
		CapturedAt:  at,
	}
	slog.Info("view changed", "fingerprint", evt.Fingerprint[:12], "target_id", targetID)
	if w.onChange != nil {
		w.onChange(evt)
	}
}

// ResetFailures clears the consecutive capture failure counter. A freshly
// installed session starts with a clean slate.
func (w *Watcher) ResetFailures() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
}

// LastPayload returns the most recent captured payload, if any. The payload
// is retained until replaced by the next changed capture.
func (w *Watcher) LastPayload() (json.RawMessage, time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.haveSum {
		return nil, time.Time{}, false
	}
	return append(json.RawMessage(nil), w.lastPayload...), w.lastAt, true
}

// FailureCount returns the current consecutive capture failure count.
func (w *Watcher) FailureCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}
