package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/pixelpilot/internal/snapshot"
)

// snapshotEntry is stored metadata plus where to fetch the image.
type snapshotEntry struct {
	snapshot.SnapshotMeta
	ImageURL string `json:"image_url"`
}

func entryFor(meta snapshot.SnapshotMeta) snapshotEntry {
	return snapshotEntry{SnapshotMeta: meta, ImageURL: imageURL(meta.ID)}
}

type snapshotIDInput struct {
	SnapshotID string `path:"snapshot_id" doc:"Snapshot id returned by /api/v1/screenshot"`
}

func registerSnapshotHandlers(api huma.API, svc Service) {
	type listInput struct {
		TabID int `query:"tab_id" minimum:"0" doc:"Only captures of this tab"`
		Limit int `query:"limit" minimum:"0" maximum:"1000" doc:"Return at most this many, newest first"`
	}
	type listOutput struct {
		Body struct {
			Snapshots []snapshotEntry `json:"snapshots"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-snapshots", Method: http.MethodGet, Path: "/api/v1/snapshots", Summary: "List stored captures", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *listInput) (*listOutput, error) {
			metas, err := svc.ListSnapshots(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listOutput{}
			out.Body.Snapshots = []snapshotEntry{}
			for _, m := range metas {
				if input.TabID != 0 && m.TabID != input.TabID {
					continue
				}
				if input.Limit > 0 && len(out.Body.Snapshots) == input.Limit {
					break
				}
				out.Body.Snapshots = append(out.Body.Snapshots, entryFor(m))
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-snapshot", Method: http.MethodGet, Path: "/api/v1/snapshots/{snapshot_id}", Summary: "Capture metadata", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *snapshotIDInput) (*struct{ Body snapshotEntry }, error) {
			meta, err := svc.GetSnapshot(ctx, input.SnapshotID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body snapshotEntry }{Body: entryFor(meta)}, nil
		})

	type imageOutput struct {
		ContentType  string `header:"Content-Type"`
		CacheControl string `header:"Cache-Control"`
		Body         []byte
	}
	binary := &huma.Schema{Type: "string", Format: "binary"}
	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot-image",
		Method:      http.MethodGet,
		Path:        "/api/v1/snapshots/{snapshot_id}/image",
		Summary:     "Capture image",
		Tags:        []string{"Snapshots"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "The stored image at reference resolution",
				Content: map[string]*huma.MediaType{
					"image/jpeg": {Schema: binary},
					"image/png":  {Schema: binary},
				},
			},
		},
	}, func(ctx context.Context, input *snapshotIDInput) (*imageOutput, error) {
		data, format, err := svc.ReadSnapshotImage(ctx, input.SnapshotID)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &imageOutput{ContentType: "image/jpeg", CacheControl: "private, max-age=31536000, immutable", Body: data}
		if format == "png" {
			out.ContentType = "image/png"
		}
		return out, nil
	})

	type deleteOutput struct {
		Body struct {
			SnapshotID string `json:"snapshot_id"`
			Deleted    bool   `json:"deleted"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-snapshot", Method: http.MethodDelete, Path: "/api/v1/snapshots/{snapshot_id}", Summary: "Delete a capture", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *snapshotIDInput) (*deleteOutput, error) {
			if err := svc.DeleteSnapshot(ctx, input.SnapshotID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteOutput{}
			out.Body.SnapshotID = input.SnapshotID
			out.Body.Deleted = true
			return out, nil
		})
}
