package serialmux

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// bridgeStats is the serial-stats response.
type bridgeStats struct {
	Subscribers int `json:"subscribers"`
	LineStatsSnapshot
}

// AttachAdminRoutes mounts a console page, a command endpoint, the line
// counters and a server-sent-events tail filtered by ?kind=.
func (b *Bridge[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "sensor bridge console", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := sendCommandTemplate.Execute(&buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, &buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := b.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to sensor bridge", command)
	})

	debug.HandleFunc("serial-stats", "sensor bridge lines by kind", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(bridgeStats{
			Subscribers:       b.subs.count(),
			LineStatsSnapshot: b.stats.Snapshot(),
		})
	})

	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var kinds []string
		if k := r.URL.Query().Get("kind"); k != "" {
			if !KnownKind(k) {
				http.Error(w, fmt.Sprintf("unknown kind %q", k), http.StatusBadRequest)
				return
			}
			kinds = append(kinds, k)
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")

		id, lines := b.Subscribe(kinds...)
		defer b.Unsubscribe(id)

		io.WriteString(w, ": connected\n\n")
		flusher.Flush()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFileFS(w, r, adminTemplateFS, "templates/tail.js")
	})
}
