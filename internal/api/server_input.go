package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

func header(typ string) protocol.Header {
	return protocol.Header{Type: typ}
}

func registerInputHandlers(api huma.API, svc Service) {
	run := func(ctx context.Context, cmd protocol.Command) (*commandOutput, error) {
		res, err := svc.Run(ctx, cmd)
		if err != nil {
			return nil, mapErr(err)
		}
		return toOutput(res), nil
	}

	// --- Mouse endpoints ---

	huma.Register(api, huma.Operation{OperationID: "mouse-move", Method: http.MethodPost, Path: "/api/v1/mouse/move", Summary: "Move the pointer by a relative offset", Description: "Offsets are in the 1280x720 reference frame. The pointer glides over duration seconds and is clamped to the viewport.", Tags: []string{"Mouse"}},
		func(ctx context.Context, input *struct {
			Body struct {
				DX       int     `json:"dx" minimum:"-5000" maximum:"5000" doc:"Horizontal offset in reference pixels"`
				DY       int     `json:"dy" minimum:"-5000" maximum:"5000" doc:"Vertical offset in reference pixels"`
				Duration float64 `json:"duration,omitempty" minimum:"0" maximum:"5" doc:"Glide duration in seconds (default 0.1)"`
				TabID    int     `json:"tab_id,omitempty" minimum:"0" doc:"Target tab; omit for the current tab"`
			}
		}) (*commandOutput, error) {
			b := input.Body
			return run(ctx, &protocol.MouseMove{Header: header(protocol.TypeMouseMove), DX: b.DX, DY: b.DY, Duration: b.Duration, TabID: b.TabID})
		})

	huma.Register(api, huma.Operation{OperationID: "mouse-click", Method: http.MethodPost, Path: "/api/v1/mouse/click", Summary: "Click at the pointer position", Tags: []string{"Mouse"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Button string `json:"button,omitempty" enum:"left,right,middle" doc:"Mouse button (default left)"`
				Double bool   `json:"double,omitempty" doc:"Double click"`
				Count  int    `json:"count,omitempty" minimum:"1" maximum:"3" doc:"Click count (default 1)"`
				TabID  int    `json:"tab_id,omitempty" minimum:"0"`
			}
		}) (*commandOutput, error) {
			b := input.Body
			return run(ctx, &protocol.MouseClick{Header: header(protocol.TypeMouseClick), Button: b.Button, Double: b.Double, Count: b.Count, TabID: b.TabID})
		})

	huma.Register(api, huma.Operation{OperationID: "mouse-scroll", Method: http.MethodPost, Path: "/api/v1/mouse/scroll", Summary: "Scroll at the pointer position", Tags: []string{"Mouse"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Direction string `json:"direction,omitempty" enum:"up,down,left,right" doc:"Scroll direction (default down)"`
				Amount    int    `json:"amount,omitempty" minimum:"1" maximum:"1000" doc:"Scroll distance in reference pixels (default 100)"`
				TabID     int    `json:"tab_id,omitempty" minimum:"0"`
			}
		}) (*commandOutput, error) {
			b := input.Body
			return run(ctx, &protocol.MouseScroll{Header: header(protocol.TypeMouseScroll), Direction: b.Direction, Amount: b.Amount, TabID: b.TabID})
		})

	huma.Register(api, huma.Operation{OperationID: "mouse-reset", Method: http.MethodPost, Path: "/api/v1/mouse/reset", Summary: "Return the pointer to the viewport centre", Tags: []string{"Mouse"}},
		func(ctx context.Context, input *struct {
			TabID int `query:"tab_id" minimum:"0" doc:"Target tab; omit for the current tab"`
		}) (*commandOutput, error) {
			return run(ctx, &protocol.ResetMouse{Header: header(protocol.TypeResetMouse), TabID: input.TabID})
		})

	// --- Keyboard endpoints ---

	huma.Register(api, huma.Operation{OperationID: "keyboard-type", Method: http.MethodPost, Path: "/api/v1/keyboard/type", Summary: "Type text into the focused element", Description: "Newlines and tabs are sent as Enter and Tab presses; other control characters are dropped.", Tags: []string{"Keyboard"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Text  string `json:"text" minLength:"1" maxLength:"1000"`
				TabID int    `json:"tab_id,omitempty" minimum:"0"`
			}
		}) (*commandOutput, error) {
			return run(ctx, &protocol.KeyboardType{Header: header(protocol.TypeKeyboardType), Text: input.Body.Text, TabID: input.Body.TabID})
		})

	huma.Register(api, huma.Operation{OperationID: "keyboard-press", Method: http.MethodPost, Path: "/api/v1/keyboard/press", Summary: "Press a key or key chord", Tags: []string{"Keyboard"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Key       string   `json:"key" minLength:"1" maxLength:"50" doc:"Key name such as enter, tab, arrowdown, f5 or a single character" example:"enter"`
				Modifiers []string `json:"modifiers,omitempty" doc:"Any of ctrl, alt, shift, meta"`
				TabID     int      `json:"tab_id,omitempty" minimum:"0"`
			}
		}) (*commandOutput, error) {
			b := input.Body
			return run(ctx, &protocol.KeyboardPress{Header: header(protocol.TypeKeyboardPress), Key: b.Key, Modifiers: b.Modifiers, TabID: b.TabID})
		})

	// --- Screenshot ---

	huma.Register(api, huma.Operation{OperationID: "screenshot", Method: http.MethodPost, Path: "/api/v1/screenshot", Summary: "Capture the viewport at reference resolution", Description: "The capture is stored as a snapshot when the hub has a snapshot directory; image_data is then omitted and image_url points at the stored file.", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *struct {
			Body struct {
				IncludeCursor *bool  `json:"include_cursor,omitempty" doc:"Paint the pointer into the capture (default true)"`
				Quality       int    `json:"quality,omitempty" minimum:"1" maximum:"100" doc:"JPEG quality (default 90)"`
				TabID         int    `json:"tab_id,omitempty" minimum:"0"`
				Notes         string `json:"notes,omitempty" doc:"Free-form annotation for the snapshot"`
			}
		}) (*commandOutput, error) {
			b := input.Body
			cmd := &protocol.Screenshot{Header: header(protocol.TypeScreenshot), IncludeCursor: b.IncludeCursor, Quality: b.Quality, TabID: b.TabID}
			res, err := svc.Capture(ctx, cmd, b.Notes)
			if err != nil {
				return nil, mapErr(err)
			}
			out := toOutput(res)
			if data, ok := out.Body.Data.(map[string]any); ok && res.Snapshot != nil {
				delete(data, "image_data")
			}
			return out, nil
		})
}
