package controller

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dgnsrekt/tv_relay/internal/cdp"
	"github.com/dgnsrekt/tv_relay/internal/hub"
	"github.com/dgnsrekt/tv_relay/internal/probe"
	"github.com/dgnsrekt/tv_relay/internal/session"
	"github.com/dgnsrekt/tv_relay/internal/uploads"
	"github.com/dgnsrekt/tv_relay/internal/watch"
)

// Status is the operator-facing view of the relay. Building it never fails:
// with no session active it simply reports connected=false.
type Status struct {
	Connected      bool          `json:"connected"`
	State          session.State `json:"state"`
	ContextCount   int           `json:"context_count"`
	RetryCount     int           `json:"retry_count"`
	FailureCount   int           `json:"failure_count"`
	Degraded       bool          `json:"degraded"`
	ClientCount    int           `json:"client_count"`
	Target         *cdp.Target   `json:"target,omitempty"`
	LastCapturedAt *time.Time    `json:"last_captured_at,omitempty"`
}

// Service exposes the core relay operations consumed by the web layer.
type Service struct {
	manager    *session.Manager
	watcher    *watch.Watcher
	discoverer *cdp.Discoverer
	broker     *hub.Broker
	clients    *hub.Hub
	uploads    *uploads.Store
	probeCfg   *probe.Config
}

func NewService(
	manager *session.Manager,
	watcher *watch.Watcher,
	discoverer *cdp.Discoverer,
	broker *hub.Broker,
	clients *hub.Hub,
	uploadStore *uploads.Store,
	probeCfg *probe.Config,
) *Service {
	return &Service{
		manager:    manager,
		watcher:    watcher,
		discoverer: discoverer,
		broker:     broker,
		clients:    clients,
		uploads:    uploadStore,
		probeCfg:   probeCfg,
	}
}

// PublishChange fans a change event out to WebSocket clients and in-process
// subscribers. Wired as the watcher's onChange callback.
func (s *Service) PublishChange(evt watch.ChangeEvent) {
	e := hub.Event{
		Type:        "view_changed",
		Fingerprint: evt.Fingerprint,
		TargetID:    evt.TargetID,
		CapturedAt:  evt.CapturedAt,
	}
	s.broker.Publish(e)
	s.clients.Broadcast(e)
}

func (s *Service) GetStatus(ctx context.Context) Status {
	_ = ctx
	sess := s.manager.Status()
	st := Status{
		Connected:    sess.Connected,
		State:        sess.State,
		ContextCount: sess.ContextCount,
		RetryCount:   sess.RetryCount,
		FailureCount: s.watcher.FailureCount(),
		Degraded:     sess.Degraded,
		ClientCount:  s.clients.ClientCount(),
		Target:       sess.Target,
	}
	if _, at, ok := s.watcher.LastPayload(); ok {
		st.LastCapturedAt = &at
	}
	return st
}

func (s *Service) ListTargets(ctx context.Context) ([]cdp.Target, error) {
	return s.discoverer.DiscoverAll(ctx)
}

// SwitchTarget re-discovers and switches the session to the target with the
// given id. The previous transport is closed before the new one opens.
func (s *Service) SwitchTarget(ctx context.Context, targetID string) (Status, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return Status{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "target_id is required"}
	}

	targets, err := s.discoverer.DiscoverAll(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, t := range targets {
		if string(t.ID) == targetID {
			if _, err := s.manager.SwitchTo(ctx, t); err != nil {
				return Status{}, err
			}
			return s.GetStatus(ctx), nil
		}
	}
	return Status{}, &cdp.CodedError{Code: cdp.CodeNoTargetFound, Message: "target not found: " + targetID}
}

// LastPayload returns the most recent captured view payload.
func (s *Service) LastPayload() (json.RawMessage, time.Time, bool) {
	return s.watcher.LastPayload()
}

// Refresh clicks the configured refresh control on the active session.
func (s *Service) Refresh(ctx context.Context) error {
	active := s.manager.Current()
	if active == nil {
		return &cdp.CodedError{Code: cdp.CodeTransportClosed, Message: "no active session"}
	}
	return probe.ClickControl(ctx, active, s.probeCfg, "refresh")
}

// Subscribe registers an in-process change-event listener.
func (s *Service) Subscribe() (int64, <-chan hub.Event) { return s.broker.Subscribe() }

// Unsubscribe removes a change-event listener.
func (s *Service) Unsubscribe(id int64) { s.broker.Unsubscribe(id) }

func (s *Service) SaveUpload(filename, contentType string, data []byte, notes string) (uploads.Meta, error) {
	if strings.TrimSpace(filename) == "" {
		return uploads.Meta{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "filename is required"}
	}
	if len(data) == 0 {
		return uploads.Meta{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "file data is required"}
	}
	return s.uploads.Save(filename, contentType, data, notes)
}

func (s *Service) ListUploads() ([]uploads.Meta, error) { return s.uploads.List() }

func (s *Service) GetUpload(id string) (uploads.Meta, error) { return s.uploads.Get(id) }

func (s *Service) ReadUpload(id string) ([]byte, string, error) { return s.uploads.Read(id) }

func (s *Service) DeleteUpload(id string) error { return s.uploads.Delete(id) }
