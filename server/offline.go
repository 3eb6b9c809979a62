package server

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"time"

	sprig "github.com/Masterminds/sprig/v3"

	"github.com/wolfeidau/pwa-cache/fetch"
)

const defaultOfflineTemplate = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<main>
<h1>You are offline</h1>
<p>{{ .URL | trunc 120 }} could not be loaded from the network and has not been saved for offline use.</p>
{{- with .Version }}
<p><small>Version {{ . }}</small></p>
{{- end }}
<p><small>{{ .At | date "2006-01-02 15:04:05 MST" }}</small></p>
</main>
</body>
</html>
`

type offlineData struct {
	URL     string
	Method  string
	Version string
	Error   string
	At      time.Time
}

type offlinePage struct {
	tmpl *template.Template
}

// loadOfflinePage parses the template at path, or the built-in page when
// path is empty. Sprig's environment and filesystem helpers are removed.
func loadOfflinePage(path string) (*offlinePage, error) {
	src := defaultOfflineTemplate
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading offline page: %w", err)
		}
		src = string(data)
	}

	funcs := sprig.FuncMap()
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}
	tmpl, err := template.New("offline").Funcs(funcs).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parsing offline page: %w", err)
	}
	return &offlinePage{tmpl: tmpl}, nil
}

func (p *offlinePage) render(d offlineData) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeOffline answers a request that neither the network nor the cache
// could satisfy.
func (s *Server) writeOffline(w http.ResponseWriter, r *http.Request, req *fetch.Request, cause error) {
	w.Header().Set("Cache-Control", "no-store")
	if !wantsHTML(r, req) {
		writeJSONError(w, http.StatusGatewayTimeout, "network unavailable")
		return
	}

	d := offlineData{
		URL:    req.URL.String(),
		Method: req.Method,
		Error:  cause.Error(),
		At:     time.Now(),
	}
	if active := s.registration.Active(); active != nil {
		d.Version = active.Version()
	}
	body, err := s.offline.render(d)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "rendering offline page", "error", err)
		writeJSONError(w, http.StatusGatewayTimeout, "network unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusGatewayTimeout)
	_, _ = w.Write(body)
}
