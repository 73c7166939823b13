package api

import (
	"html/template"
	"log/slog"
	"net/http"
)

type docsLink struct {
	Href, Label string
}

type docsPage struct {
	Title   string
	OpenAPI string
	Links   []docsLink
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Title}}</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { margin: 0; height: 100vh; display: flex; flex-direction: column; background: #0d1117; }
    nav { display: flex; gap: 8px; align-items: center; padding: 8px 16px; border-bottom: 1px solid #30363d;
          font: 500 12px -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; }
    nav strong { color: #c9d1d9; margin-right: auto; }
    nav a { color: #58a6ff; text-decoration: none; border: 1px solid #30363d; border-radius: 6px; padding: 4px 10px; }
    elements-api { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <nav>
    <strong>{{.Title}}</strong>
    {{- range .Links}}
    <a href="{{.Href}}">{{.Label}}</a>
    {{- end}}
  </nav>
  <elements-api
    apiDescriptionUrl="{{.OpenAPI}}"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`))

func docsHandler(title string) http.HandlerFunc {
	page := docsPage{
		Title:   title,
		OpenAPI: "/openapi.json",
		Links:   []docsLink{
			{Href: "/health", Label: "Health"},
			{Href: "/api/v1/events", Label: "Agent event stream (SSE)"},
			{Href: "/openapi.yaml", Label: "OpenAPI YAML"},
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := docsTemplate.Execute(w, page); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	}
}
