// Package probe carries the default capture and click heuristics. Both are
// external collaborators to the core: possibly-failing black-box functions
// with a known timeout and return shape.
package probe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/dgnsrekt/tv_relay/internal/cdp"
	"github.com/dgnsrekt/tv_relay/internal/session"
	"github.com/dgnsrekt/tv_relay/internal/watch"
)

// envelope is the uniform return shape of every in-page evaluation.
type envelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// WidgetCapture builds a capture probe that extracts the configured widget's
// rendered state from the page.
func WidgetCapture(cfg *Config) watch.CaptureFunc {
	js := wrapJSEval(`
var sels = ` + jsJSON(cfg.Widget.Selectors) + `;
for (var i = 0; i < sels.length; i++) {
  var el = document.querySelector(sels[i]);
  if (!el) continue;
  return JSON.stringify({ok:true,data:{
    selector:sels[i],
    text:el.innerText || "",
    html:el.outerHTML || "",
    width:el.clientWidth,
    height:el.clientHeight
  }});
}
return JSON.stringify({ok:false,error_code:"` + cdp.CodeCaptureFailed + `",error_message:"widget not found"});`)

	return func(ctx context.Context, active *session.Active) (watch.CaptureResult, error) {
		env, err := eval(ctx, active, js)
		if err != nil {
			return watch.CaptureResult{}, err
		}
		if !env.OK {
			return watch.CaptureResult{ErrMarker: markerText(env)}, nil
		}
		return watch.CaptureResult{Data: env.Data}, nil
	}
}

// ClickControl locates the named control and clicks it with a trusted input
// event dispatched at the element's center.
func ClickControl(ctx context.Context, active *session.Active, cfg *Config, action string) error {
	sels, ok := cfg.Controls[action]
	if !ok {
		return &cdp.CodedError{Code: cdp.CodeValidation, Message: "unknown control action: " + action}
	}

	js := wrapJSEval(`
var sels = ` + jsJSON(sels) + `;
for (var i = 0; i < sels.length; i++) {
  var el = document.querySelector(sels[i]);
  if (!el) continue;
  var r = el.getBoundingClientRect();
  if (r.width === 0 || r.height === 0) continue;
  return JSON.stringify({ok:true,data:{x:r.left + r.width/2, y:r.top + r.height/2}});
}
return JSON.stringify({ok:false,error_code:"` + cdp.CodeCaptureFailed + `",error_message:"control not found"});`)

	env, err := eval(ctx, active, js)
	if err != nil {
		return err
	}
	if !env.OK {
		return &cdp.CodedError{Code: cdp.CodeCaptureFailed, Message: markerText(env)}
	}

	var pt struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(env.Data, &pt); err != nil {
		return fmt.Errorf("probe: invalid click point: %w", err)
	}
	return active.Transport.DispatchMouseClick(ctx, pt.X, pt.Y)
}

// eval runs the expression in the session's first live execution context
// (falling back to the page's default context when the set is empty) and
// decodes the envelope.
func eval(ctx context.Context, active *session.Active, js string) (envelope, error) {
	var contextID runtime.ExecutionContextID
	if snapshot := active.Contexts.Snapshot(); len(snapshot) > 0 {
		contextID = snapshot[0].ID
	}

	raw, err := active.Transport.Evaluate(ctx, contextID, js)
	if err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, fmt.Errorf("probe: invalid envelope: %w", err)
	}
	return env, nil
}

func markerText(env envelope) string {
	if env.ErrorMessage != "" {
		return env.ErrorMessage
	}
	if env.ErrorCode != "" {
		return env.ErrorCode
	}
	return "probe reported an error"
}

func jsJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func wrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + cdp.CodeCaptureFailed + `",error_message:String(err && err.message || err)});
}
})()`
}
