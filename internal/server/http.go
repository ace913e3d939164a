package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	schemagen "github.com/invopop/jsonschema"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/catalog"
	"github.com/morezero/capability-bridge/pkg/engine"
)

const httpLogPrefix = "server:http"

// bridgeForServer is what the HTTP handlers need from the engine.
type bridgeForServer interface {
	Health(ctx context.Context) *engine.HealthOutput
	Describe() []catalog.CapabilityView
}

func (s *Server) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/capability/", s.handleCapabilityDetail())
	mux.HandleFunc("/catalog", s.handleCatalog)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/connection", s.handleConnection)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.br.Health(ctx)
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleConnection tells hosts which NATS URL and subject prefix to use.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	natsURL := s.cfg.NATSClientURL
	if natsURL == "" {
		natsURL = s.cfg.COMMSURL
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"natsUrl": natsURL, "subjectPrefix": s.cfg.SubjectPrefix})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=60")
	if err := json.NewEncoder(w).Encode(map[string]any{"capabilities": s.br.Describe()}); err != nil {
		slog.Error(fmt.Sprintf("%s - catalog json encode: %v", httpLogPrefix, err))
	}
}

// homePageTemplate is the HTML for the bridge home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Capability Bridge</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Capability Bridge</h1>
  <p class="meta">Bridge health, live state and capability catalog.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{range $name, $ok := .Health.Checks}}
    <p>{{$name}}: {{if $ok}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>
    {{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Statistics</h2>
    <p>Capabilities: <span class="stat">{{.Health.Stats.Capabilities}}</span></p>
    <p>Live surfaces: <span class="stat">{{.Health.Stats.Surfaces}}</span></p>
    <p>Capability instances: <span class="stat">{{.Health.Stats.Instances}}</span></p>
    <p>Event subscriptions: <span class="stat">{{.Health.Stats.Subscriptions}}</span></p>
  </section>

  <section>
    <h2>Catalog</h2>
    {{if not .Capabilities}}
    <p>No capabilities registered.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Capability</th><th>Version</th><th>Resident</th><th>Actions</th><th>Description</th></tr>
      </thead>
      <tbody>
        {{range .Capabilities}}
        <tr>
          <td><a href="/capability/{{.Name}}">{{.Name}}</a></td>
          <td>{{.Version}}</td>
          <td>{{.Resident}}</td>
          <td>{{len .Actions}}</td>
          <td>{{.Description}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// capabilityDetailPageTemplate is the HTML for a single capability.
const capabilityDetailPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Name}} – Capability Bridge</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; vertical-align: top; }
    th { background: #f0f4f8; color: #0066cc; width: 160px; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 0.5rem; }
    section { margin-bottom: 2rem; }
    pre { background: #f5f5f5; padding: 0.75rem; overflow-x: auto; font-size: 0.85rem; margin: 0.25rem 0; border: 1px solid #eee; }
    .back { margin-bottom: 1rem; }
    .actions { margin: 1rem 0; }
    .btn { display: inline-block; padding: 0.5rem 1rem; background: #0066cc; color: #fff; text-decoration: none; border-radius: 4px; }
    .btn:hover { background: #0052a3; }
  </style>
</head>
<body>
  <p class="back"><a href="/">← Back to catalog</a></p>
  <h1>{{.Name}}</h1>
  {{if .Description}}<p class="meta">{{.Description}}</p>{{end}}
  <p class="actions"><a href="/capability/{{.Name}}/docs" class="btn">View API (Swagger)</a></p>

  <section>
    <h2>Details</h2>
    <table>
      <tr><th>Capability</th><td>{{.Name}}</td></tr>
      <tr><th>Version</th><td>{{.Version}}</td></tr>
      <tr><th>Resident</th><td>{{.Resident}}</td></tr>
      <tr><th>Request code base</th><td>{{.RequestCodeBase}}</td></tr>
    </table>
  </section>

  <section>
    <h2>Actions</h2>
    {{if not .Actions}}
    <p>No actions defined.</p>
    {{else}}
    {{range .Actions}}
    <h3>{{.Name}}</h3>
    {{if .Description}}<p>{{.Description}}</p>{{end}}
    <p><strong>Mode:</strong> {{.Mode}} &middot; <strong>Executor:</strong> {{.Executor}} &middot; <strong>Params:</strong> {{.Normalize}}</p>
    {{if .Permissions}}<p><strong>Permissions:</strong> {{range .Permissions}}{{.}} {{end}}{{if .Disruptive}}(disruptive){{end}}</p>{{end}}
    {{if .Schema}}
    <details>
      <summary>Parameter schema</summary>
      <pre>{{json .Schema}}</pre>
    </details>
    {{end}}
    {{end}}
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health       *engine.HealthOutput
	Capabilities []catalog.CapabilityView
}

// handleHome returns an HTTP handler for the bridge home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.br.Health(ctx), Capabilities: s.br.Describe()}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// openAPI3 types for generating specs from the catalog.
type openAPI3Spec struct {
	OpenAPI string                      `json:"openapi"`
	Info    openAPI3Info                `json:"info"`
	Paths   map[string]openAPI3PathItem `json:"paths"`
}

type openAPI3Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

type openAPI3PathItem struct {
	Post *openAPI3Operation `json:"post,omitempty"`
}

type openAPI3Operation struct {
	Summary     string                      `json:"summary"`
	Description string                      `json:"description,omitempty"`
	OperationID string                      `json:"operationId"`
	Tags        []string                    `json:"tags,omitempty"`
	RequestBody *openAPI3RequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]openAPI3Response `json:"responses"`
}

type openAPI3RequestBody struct {
	Content map[string]openAPI3MediaType `json:"content"`
}

type openAPI3Response struct {
	Description string                       `json:"description"`
	Content     map[string]openAPI3MediaType `json:"content,omitempty"`
}

type openAPI3MediaType struct {
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// responseSchema is the JSON schema of bridge.Response, reflected once.
var responseSchema = func() map[string]interface{} {
	r := &schemagen.Reflector{DoNotReference: true, ExpandedStruct: true}
	out, err := schemaMap(r.Reflect(&bridge.Response{}))
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	delete(out, "$schema")
	return out
}()

func schemaMap(v any) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// buildOpenAPISpec builds an OpenAPI 3.0 spec for a capability, one path per
// action. Parameter schemas come from the catalog; every action answers a
// bridge response envelope.
func buildOpenAPISpec(c *catalog.CapabilityView) *openAPI3Spec {
	paths := make(map[string]openAPI3PathItem)
	for _, a := range c.Actions {
		inputSchema := map[string]interface{}{"type": "object"}
		if len(a.Schema) > 0 {
			if m, err := schemaMap(a.Schema); err == nil {
				inputSchema = m
			}
		}
		desc := a.Description
		if len(a.Permissions) > 0 {
			desc = strings.TrimSpace(desc + " Requires: " + strings.Join(a.Permissions, ", ") + ".")
		}
		paths["/"+a.Name] = openAPI3PathItem{
			Post: &openAPI3Operation{
				Summary:     a.Name,
				Description: desc,
				OperationID: a.Name,
				Tags:        []string{string(a.Mode)},
				RequestBody: &openAPI3RequestBody{
					Content: map[string]openAPI3MediaType{
						"application/json": {Schema: inputSchema},
					},
				},
				Responses: map[string]openAPI3Response{
					"200": {
						Description: "Bridge response",
						Content: map[string]openAPI3MediaType{
							"application/json": {Schema: responseSchema},
						},
					},
				},
			},
		}
	}
	desc := c.Description
	if desc == "" {
		desc = "Capability " + c.Name
	}
	return &openAPI3Spec{
		OpenAPI: "3.0.0",
		Info: openAPI3Info{
			Title:       c.Name,
			Description: desc,
			Version:     c.Version,
		},
		Paths: paths,
	}
}

// swaggerUIPage is the HTML that embeds Swagger UI from CDN and loads the OpenAPI spec.
const swaggerUIPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>API – {{.Cap}}</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui" data-spec-url="{{.SpecURL}}"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: document.getElementById("swagger-ui").dataset.specUrl,
        dom_id: "#swagger-ui",
        presets: [
          SwaggerUIBundle.presets.apis,
          SwaggerUIBundle.SwaggerUIStandalonePreset
        ]
      });
    };
  </script>
</body>
</html>
`

func (s *Server) lookupCapability(name string) (*catalog.CapabilityView, bool) {
	for _, c := range s.br.Describe() {
		if c.Name == name {
			return &c, true
		}
	}
	return nil, false
}

// handleCapabilityDetail returns an HTTP handler for the capability detail page, OpenAPI spec, and Swagger docs.
func (s *Server) handleCapabilityDetail() http.HandlerFunc {
	tmpl := template.Must(template.New("capabilityDetail").Funcs(template.FuncMap{
		"json": func(v json.RawMessage) string {
			var out interface{}
			if err := json.Unmarshal(v, &out); err != nil {
				return string(v)
			}
			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return string(v)
			}
			return string(b)
		},
	}).Parse(capabilityDetailPageTemplate))
	swaggerTmpl := template.Must(template.New("swagger").Parse(swaggerUIPage))
	return func(w http.ResponseWriter, r *http.Request) {
		pathCap := strings.TrimPrefix(r.URL.Path, "/capability/")
		if pathCap == "" {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		name := pathCap
		suffix := ""
		if idx := strings.Index(pathCap, "/"); idx >= 0 {
			name = pathCap[:idx]
			suffix = pathCap[idx+1:]
		}
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}

		capView, ok := s.lookupCapability(name)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch suffix {
		case "openapi.json":
			spec := buildOpenAPISpec(capView)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "public, max-age=60")
			if err := json.NewEncoder(w).Encode(spec); err != nil {
				slog.Error(fmt.Sprintf("%s - openapi json encode: %v", httpLogPrefix, err))
			}
			return
		case "docs":
			// Absolute spec URL so Swagger UI can fetch it.
			scheme := "https://"
			if r.TLS == nil {
				scheme = "http://"
			}
			specURL := scheme + r.Host + "/capability/" + url.PathEscape(capView.Name) + "/openapi.json"
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			swaggerTmpl.Execute(w, map[string]string{"Cap": capView.Name, "SpecURL": specURL})
			return
		case "":
		default:
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, capView); err != nil {
			slog.Error(fmt.Sprintf("%s - capability detail template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
