package cdp

import (
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

const (
	CodeNoTargetFound   = "NO_TARGET_FOUND"
	CodeConnectError    = "CONNECT_ERROR"
	CodeCallTimeout     = "CALL_TIMEOUT"
	CodeRPCError        = "RPC_ERROR"
	CodeCaptureFailed   = "CAPTURE_FAILED"
	CodeTransportClosed = "TRANSPORT_CLOSED"
	CodeRetryExhausted  = "RETRY_EXHAUSTED"
	CodeValidation      = "VALIDATION"
	CodeUploadNotFound  = "UPLOAD_NOT_FOUND"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Target describes one debuggable page exposed by the desktop application.
// Discovered, never mutated; superseded by re-discovery.
type Target struct {
	ID       target.ID `json:"id"`
	Endpoint string    `json:"endpoint"` // host:port of the debug endpoint it came from
	URL      string    `json:"url"`
	Title    string    `json:"title,omitempty"`
	WSURL    string    `json:"ws_url"`
}

// ExecutionContext describes one JavaScript realm inside a target page.
type ExecutionContext struct {
	ID     runtime.ExecutionContextID `json:"id"`
	Name   string                     `json:"name,omitempty"`
	Origin string                     `json:"origin,omitempty"`
}
