package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

func registerTabHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "tab-action",
		Method:      http.MethodPost,
		Path:        "/api/v1/tabs",
		Summary:     "Run a tab action",
		Description: "init opens url in a new background tab and makes it the managed surface. open adds a tab to the managed group. close, switch and refresh act on tab_id or the current tab.",
		Tags:        []string{"Tabs"},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Action string `json:"action" enum:"init,open,close,switch,list,refresh"`
			URL    string `json:"url,omitempty" doc:"Required for init and open; https:// is added when no scheme is given" example:"example.com"`
			TabID  int    `json:"tab_id,omitempty" minimum:"0"`
		}
	}) (*commandOutput, error) {
		b := input.Body
		res, err := svc.Run(ctx, &protocol.Tab{Header: header(protocol.TypeTab), Action: b.Action, URL: b.URL, TabID: b.TabID})
		if err != nil {
			return nil, mapErr(err)
		}
		return toOutput(res), nil
	})

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List browser tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			ManagedOnly bool `query:"managed_only" doc:"Only tabs in the managed group"`
		}) (*commandOutput, error) {
			res, err := svc.Run(ctx, &protocol.GetTabs{Header: header(protocol.TypeGetTabs), ManagedOnly: input.ManagedOnly})
			if err != nil {
				return nil, mapErr(err)
			}
			return toOutput(res), nil
		})
}
