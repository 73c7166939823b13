package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/dgnsrekt/pixelpilot/internal/controller"
	"github.com/dgnsrekt/pixelpilot/internal/protocol"
	"github.com/dgnsrekt/pixelpilot/internal/snapshot"
)

func okResult(data any) controller.Result {
	return controller.Result{Response: protocol.OK("cmd-1", "done", data)}
}

func TestMapErrStatusCodes(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{protocol.CodeValidation, http.StatusBadRequest},
		{protocol.CodeTargetNotFound, http.StatusNotFound},
		{protocol.CodeSnapshotNotFound, http.StatusNotFound},
		{protocol.CodeSessionAborted, http.StatusConflict},
		{protocol.CodeAttach, http.StatusConflict},
		{protocol.CodeCDPUnavailable, http.StatusBadGateway},
		{protocol.CodeChannelClosed, http.StatusServiceUnavailable},
		{protocol.CodeTimeout, http.StatusGatewayTimeout},
		{protocol.CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := mapErr(protocol.NewError(tc.code, "boom", nil))
		var se huma.StatusError
		if !errors.As(err, &se) {
			t.Fatalf("mapErr(%s) = %T; want huma.StatusError", tc.code, err)
		}
		if se.GetStatus() != tc.want {
			t.Errorf("mapErr(%s) status = %d; want %d", tc.code, se.GetStatus(), tc.want)
		}
	}
	if mapErr(nil) != nil {
		t.Fatalf("mapErr(nil) != nil")
	}
}

func TestMouseMoveBuildsCommand(t *testing.T) {
	svc := &stubService{result: okResult(protocol.PointerResult{TabID: 1, X: 650, Y: 355})}
	_, api := humatest.New(t)
	registerInputHandlers(api, svc)

	resp := api.Post("/api/v1/mouse/move", map[string]any{"dx": 10, "dy": -5, "tab_id": 1})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", resp.Code, resp.Body.String())
	}
	move, ok := svc.lastCommand().(*protocol.MouseMove)
	if !ok {
		t.Fatalf("command = %T; want *protocol.MouseMove", svc.lastCommand())
	}
	if move.Type != protocol.TypeMouseMove || move.DX != 10 || move.DY != -5 || move.TabID != 1 {
		t.Fatalf("command = %+v", move)
	}

	var body commandBody
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	data, _ := body.Data.(map[string]any)
	if !body.Success || data["x"] != float64(650) {
		t.Fatalf("body = %+v", body)
	}
}

func TestKeyboardPressPassesModifiers(t *testing.T) {
	svc := &stubService{result: okResult(nil)}
	_, api := humatest.New(t)
	registerInputHandlers(api, svc)

	resp := api.Post("/api/v1/keyboard/press", map[string]any{"key": "c", "modifiers": []string{"ctrl"}})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", resp.Code, resp.Body.String())
	}
	press, ok := svc.lastCommand().(*protocol.KeyboardPress)
	if !ok || press.Key != "c" || len(press.Modifiers) != 1 || press.Modifiers[0] != "ctrl" {
		t.Fatalf("command = %+v", svc.lastCommand())
	}
}

func TestOutOfRangeInputRejectedBeforeService(t *testing.T) {
	svc := &stubService{result: okResult(nil)}
	_, api := humatest.New(t)
	registerInputHandlers(api, svc)

	resp := api.Post("/api/v1/mouse/scroll", map[string]any{"direction": "sideways"})
	if resp.Code < 400 || resp.Code >= 500 {
		t.Fatalf("status = %d; want a 4xx", resp.Code)
	}
	if svc.lastCommand() != nil {
		t.Fatalf("service received %+v; want nothing", svc.lastCommand())
	}
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	svc := &stubService{err: protocol.NewError(protocol.CodeChannelClosed, "no agent connected", nil)}
	_, api := humatest.New(t)
	registerInputHandlers(api, svc)

	resp := api.Post("/api/v1/mouse/reset")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d; want 503", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "no agent connected") {
		t.Fatalf("body = %s", resp.Body.String())
	}
}

func TestScreenshotReturnsImageURLWhenStored(t *testing.T) {
	meta := snapshot.SnapshotMeta{ID: snapshot.NewID(), Format: "jpeg", Width: 1280, Height: 720}
	svc := &stubService{result: controller.Result{
		Response: protocol.OK("cmd-1", "Screenshot captured", protocol.CaptureResult{ImageData: "AAEC", Format: "jpeg", Width: 1280, Height: 720}),
		Snapshot: &meta,
	}}
	_, api := humatest.New(t)
	registerInputHandlers(api, svc)

	resp := api.Post("/api/v1/screenshot", map[string]any{"quality": 70, "notes": "checkout"})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", resp.Code, resp.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["image_url"] != "/api/v1/snapshots/"+meta.ID+"/image" {
		t.Fatalf("image_url = %v", body["image_url"])
	}
	data, _ := body["data"].(map[string]any)
	if _, ok := data["image_data"]; ok {
		t.Fatalf("stored capture still carries image_data")
	}
	shot, ok := svc.lastCommand().(*protocol.Screenshot)
	if !ok || shot.Quality != 70 || svc.notes != "checkout" {
		t.Fatalf("command = %+v notes %q", svc.lastCommand(), svc.notes)
	}
}

func TestTabsEndpoints(t *testing.T) {
	svc := &stubService{result: okResult(protocol.TabResult{TabID: 3})}
	_, api := humatest.New(t)
	registerTabHandlers(api, svc)

	resp := api.Post("/api/v1/tabs", map[string]any{"action": "init", "url": "example.com"})
	if resp.Code != http.StatusOK {
		t.Fatalf("POST tabs status = %d; body %s", resp.Code, resp.Body.String())
	}
	tab, ok := svc.lastCommand().(*protocol.Tab)
	if !ok || tab.Action != protocol.TabInit || tab.URL != "example.com" {
		t.Fatalf("command = %+v", svc.lastCommand())
	}

	resp = api.Get("/api/v1/tabs?managed_only=true")
	if resp.Code != http.StatusOK {
		t.Fatalf("GET tabs status = %d; body %s", resp.Code, resp.Body.String())
	}
	get, ok := svc.lastCommand().(*protocol.GetTabs)
	if !ok || !get.ManagedOnly {
		t.Fatalf("command = %+v", svc.lastCommand())
	}
}

func TestSnapshotImageContentType(t *testing.T) {
	svc := &stubService{image: []byte("\xff\xd8img"), format: "jpeg"}
	_, api := humatest.New(t)
	registerSnapshotHandlers(api, svc)

	resp := api.Get("/api/v1/snapshots/" + snapshot.NewID() + "/image")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("Content-Type = %q; want image/jpeg", ct)
	}
	if resp.Body.String() != "\xff\xd8img" {
		t.Fatalf("body = %q", resp.Body.String())
	}

	svc.err = protocol.NewError(protocol.CodeSnapshotNotFound, "gone", nil)
	if resp := api.Get("/api/v1/snapshots/" + snapshot.NewID()); resp.Code != http.StatusNotFound {
		t.Fatalf("missing snapshot status = %d; want 404", resp.Code)
	}
}

func TestRawCommandAndMountedHandlers(t *testing.T) {
	svc := &stubService{result: okResult(nil)}
	agent := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	h := NewServer(svc, Handlers{Agent: agent, Events: events})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", strings.NewReader(`{"type":"reset_mouse"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("command status = %d; body %s", w.Code, w.Body.String())
	}
	if len(svc.raw) != 1 || !strings.Contains(string(svc.raw[0]), "reset_mouse") {
		t.Fatalf("raw bodies = %q", svc.raw)
	}

	for path, want := range map[string]int{"/ws": http.StatusTeapot, "/api/v1/events": http.StatusAccepted} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Errorf("GET %s status = %d; want %d", path, w.Code, want)
		}
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"agent_connected":true`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestRawCommandAcceptsFullEnvelope(t *testing.T) {
	svc := &stubService{result: okResult(nil)}
	h := NewServer(svc, Handlers{})

	body := `{"type":"mouse_move","dx":10,"dy":5,"duration":0.2,"command_id":"op-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("command status = %d; body %s", w.Code, w.Body.String())
	}
	if len(svc.raw) != 1 {
		t.Fatalf("raw bodies = %q; want one", svc.raw)
	}
	var got map[string]any
	if err := json.Unmarshal(svc.raw[0], &got); err != nil {
		t.Fatalf("forwarded body is not JSON: %v", err)
	}
	if got["type"] != "mouse_move" || got["dx"] != float64(10) || got["command_id"] != "op-1" {
		t.Fatalf("forwarded body = %v", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/command", strings.NewReader(`"mouse_move"`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code < 400 || w.Code >= 500 {
		t.Fatalf("non-object body status = %d; want 4xx", w.Code)
	}
}
