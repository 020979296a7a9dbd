// Package api is the thin web layer: every endpoint is a one-line adapter
// over the core service operations.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tv_relay/internal/cdp"
	"github.com/dgnsrekt/tv_relay/internal/controller"
	"github.com/dgnsrekt/tv_relay/internal/hub"
	"github.com/dgnsrekt/tv_relay/internal/uploads"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewServer builds the HTTP handler: huma-registered JSON endpoints plus the
// chi-native streaming routes (SSE and the WebSocket hub).
func NewServer(svc *controller.Service, broker *hub.Broker, clients *hub.Hub) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("TV Relay API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/events", hub.SSEHandler(broker))
	router.Get("/ws", clients.Handler())
	router.Get("/api/v1/uploads/{id}/data", func(w http.ResponseWriter, r *http.Request) {
		data, contentType, err := svc.ReadUpload(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		if _, err := w.Write(data); err != nil {
			slog.Debug("upload data write failed", "error", err)
		}
	})

	registerStatusHandlers(api, svc)
	registerTargetHandlers(api, svc)
	registerViewHandlers(api, svc)
	registerUploadHandlers(api, svc)

	return router
}

func registerStatusHandlers(api huma.API, svc *controller.Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type statusOutput struct {
		Body controller.Status
	}
	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Relay status snapshot", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			out := &statusOutput{}
			out.Body = svc.GetStatus(ctx)
			return out, nil
		})
}

func registerTargetHandlers(api huma.API, svc *controller.Service) {
	type targetsOutput struct {
		Body struct {
			Targets []cdp.Target `json:"targets"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-targets", Method: http.MethodGet, Path: "/api/v1/targets", Summary: "List debuggable targets across all endpoints", Tags: []string{"Targets"}},
		func(ctx context.Context, input *struct{}) (*targetsOutput, error) {
			targets, err := svc.ListTargets(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &targetsOutput{}
			out.Body.Targets = targets
			if out.Body.Targets == nil {
				out.Body.Targets = []cdp.Target{}
			}
			return out, nil
		})

	type switchInput struct {
		TargetID string `path:"target_id"`
	}
	type switchOutput struct {
		Body controller.Status
	}
	huma.Register(api, huma.Operation{OperationID: "activate-target", Method: http.MethodPost, Path: "/api/v1/targets/{target_id}/activate", Summary: "Switch the active session to a target", Tags: []string{"Targets"}},
		func(ctx context.Context, input *switchInput) (*switchOutput, error) {
			status, err := svc.SwitchTarget(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &switchOutput{}
			out.Body = status
			return out, nil
		})
}

func registerViewHandlers(api huma.API, svc *controller.Service) {
	type viewOutput struct {
		Body struct {
			Payload    any    `json:"payload"`
			CapturedAt string `json:"captured_at"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-view", Method: http.MethodGet, Path: "/api/v1/view", Summary: "Last captured view payload", Tags: []string{"View"}},
		func(ctx context.Context, input *struct{}) (*viewOutput, error) {
			payload, at, ok := svc.LastPayload()
			if !ok {
				return nil, huma.Error404NotFound("no view captured yet")
			}
			out := &viewOutput{}
			out.Body.Payload = payload
			out.Body.CapturedAt = at.UTC().Format("2006-01-02T15:04:05.000Z07:00")
			return out, nil
		})

	type refreshOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "refresh-view", Method: http.MethodPost, Path: "/api/v1/view/refresh", Summary: "Click the application's refresh control", Tags: []string{"View"}},
		func(ctx context.Context, input *struct{}) (*refreshOutput, error) {
			if err := svc.Refresh(ctx); err != nil {
				return nil, mapErr(err)
			}
			out := &refreshOutput{}
			out.Body.Status = "clicked"
			return out, nil
		})
}

func registerUploadHandlers(api huma.API, svc *controller.Service) {
	type uploadInput struct {
		Body struct {
			Filename    string `json:"filename" doc:"Original file name"`
			ContentType string `json:"content_type,omitempty" doc:"MIME type of the file"`
			Data        []byte `json:"data" doc:"Base64-encoded file contents"`
			Notes       string `json:"notes,omitempty"`
		}
	}
	type uploadOutput struct {
		Body uploads.Meta
	}
	huma.Register(api, huma.Operation{OperationID: "create-upload", Method: http.MethodPost, Path: "/api/v1/uploads", Summary: "Store an uploaded file", Tags: []string{"Uploads"}},
		func(ctx context.Context, input *uploadInput) (*uploadOutput, error) {
			meta, err := svc.SaveUpload(input.Body.Filename, input.Body.ContentType, input.Body.Data, input.Body.Notes)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &uploadOutput{}
			out.Body = meta
			return out, nil
		})

	type uploadListOutput struct {
		Body struct {
			Uploads []uploads.Meta `json:"uploads"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-uploads", Method: http.MethodGet, Path: "/api/v1/uploads", Summary: "List stored uploads", Tags: []string{"Uploads"}},
		func(ctx context.Context, input *struct{}) (*uploadListOutput, error) {
			metas, err := svc.ListUploads()
			if err != nil {
				return nil, mapErr(err)
			}
			out := &uploadListOutput{}
			out.Body.Uploads = metas
			if out.Body.Uploads == nil {
				out.Body.Uploads = []uploads.Meta{}
			}
			return out, nil
		})

	type uploadIDInput struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{OperationID: "get-upload", Method: http.MethodGet, Path: "/api/v1/uploads/{id}", Summary: "Get upload metadata", Tags: []string{"Uploads"}},
		func(ctx context.Context, input *uploadIDInput) (*uploadOutput, error) {
			meta, err := svc.GetUpload(input.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &uploadOutput{}
			out.Body = meta
			return out, nil
		})

	type deleteOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-upload", Method: http.MethodDelete, Path: "/api/v1/uploads/{id}", Summary: "Delete an upload", Tags: []string{"Uploads"}},
		func(ctx context.Context, input *uploadIDInput) (*deleteOutput, error) {
			if err := svc.DeleteUpload(input.ID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteOutput{}
			out.Body.Status = "deleted"
			return out, nil
		})
}

// mapErr translates the core's CodedError taxonomy to HTTP statuses.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdp.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdp.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdp.CodeNoTargetFound, cdp.CodeUploadNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdp.CodeCallTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdp.CodeConnectError, cdp.CodeTransportClosed, cdp.CodeRetryExhausted:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
