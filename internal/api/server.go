package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/pixelpilot/internal/controller"
	"github.com/dgnsrekt/pixelpilot/internal/protocol"
	"github.com/dgnsrekt/pixelpilot/internal/snapshot"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Execute(ctx context.Context, raw []byte) (controller.Result, error)
	Run(ctx context.Context, cmd protocol.Command) (controller.Result, error)
	Capture(ctx context.Context, cmd *protocol.Screenshot, notes string) (controller.Result, error)
	Health(ctx context.Context) controller.Health
	ListSnapshots(ctx context.Context) ([]snapshot.SnapshotMeta, error)
	GetSnapshot(ctx context.Context, id string) (snapshot.SnapshotMeta, error)
	ReadSnapshotImage(ctx context.Context, id string) ([]byte, string, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// Handlers are the non-huma endpoints mounted next to the API. Either may
// be nil.
type Handlers struct {
	// Agent upgrades the agent's websocket on /ws.
	Agent http.Handler
	// Events streams relay feeds on /api/v1/events.
	Events http.Handler
}

func NewServer(svc Service, extra Handlers) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	const title = "PixelPilot Hub API"
	cfg := huma.DefaultConfig(title, "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", docsHandler(title))
	if extra.Agent != nil {
		router.Handle("/ws", extra.Agent)
	}
	if extra.Events != nil {
		router.Handle("/api/v1/events", extra.Events)
	}

	registerCommandHandlers(api, svc)
	registerInputHandlers(api, svc)
	registerTabHandlers(api, svc)
	registerSnapshotHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *protocol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case protocol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case protocol.CodeTargetNotFound, protocol.CodeSnapshotNotFound:
			return huma.Error404NotFound(coded.Message)
		case protocol.CodeSessionAborted, protocol.CodeAttach:
			return huma.Error409Conflict(coded.Message)
		case protocol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		case protocol.CodeChannelClosed:
			return huma.Error503ServiceUnavailable(coded.Message)
		case protocol.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}

// commandBody is the JSON shape every command endpoint returns.
type commandBody struct {
	CommandID string                 `json:"command_id"`
	Success   bool                   `json:"success"`
	Message   string                 `json:"message,omitempty"`
	Data      any                    `json:"data,omitempty"`
	Snapshot  *snapshot.SnapshotMeta `json:"snapshot,omitempty"`
	ImageURL  string                 `json:"image_url,omitempty"`
}

type commandOutput struct {
	Body commandBody
}

func toOutput(res controller.Result) *commandOutput {
	out := &commandOutput{}
	out.Body.CommandID = res.Response.CommandID
	out.Body.Success = res.Response.Success
	out.Body.Message = res.Response.Message
	if len(res.Response.Data) > 0 {
		var data any
		if err := json.Unmarshal(res.Response.Data, &data); err != nil {
			slog.Debug("response data not decodable", "command_id", res.Response.CommandID, "error", err)
		} else {
			out.Body.Data = data
		}
	}
	if res.Snapshot != nil {
		out.Body.Snapshot = res.Snapshot
		out.Body.ImageURL = imageURL(res.Snapshot.ID)
	}
	return out
}

func imageURL(id string) string {
	return "/api/v1/snapshots/" + id + "/image"
}

// rawCommandInput validates the body as a JSON object and keeps its bytes.
// Field-level checks happen when the command is parsed.
type rawCommandInput struct {
	Body    map[string]any
	RawBody []byte
}

func registerCommandHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Hub and agent health", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*struct{ Body controller.Health }, error) {
			out := &struct{ Body controller.Health }{}
			out.Body = svc.Health(ctx)
			return out, nil
		})

	huma.Register(api, huma.Operation{
		OperationID: "execute-command",
		Method:      http.MethodPost,
		Path:        "/api/v1/command",
		Summary:     "Send a raw command envelope",
		Description: "Accepts any command envelope ({\"type\": \"mouse_move\", ...}). The hub validates it, assigns a command_id and waits for the agent's response.",
		Tags:        []string{"Commands"},
	}, func(ctx context.Context, input *rawCommandInput) (*commandOutput, error) {
		raw := input.RawBody
		if len(raw) == 0 {
			var err error
			if raw, err = json.Marshal(input.Body); err != nil {
				return nil, huma.Error400BadRequest("unreadable command envelope", err)
			}
		}
		res, err := svc.Execute(ctx, raw)
		if err != nil {
			return nil, mapErr(err)
		}
		return toOutput(res), nil
	})
}
