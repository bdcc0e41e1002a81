package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/conneroisu/hyro/internal/version"
	"github.com/conneroisu/hyro/internal/web"
	"github.com/conneroisu/hyro/internal/websocket"
)

// Health is the body of the health endpoint.
type Health struct {
	Status      string           `json:"status"`
	Timestamp   time.Time        `json:"timestamp"`
	Version     string           `json:"version"`
	Development bool             `json:"development"`
	Templates   int              `json:"templates"`
	Clients     int              `json:"clients"`
	Channels    *websocket.Stats `json:"channels,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := Health{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Version:     version.GetShortVersion(),
		Development: s.cfg.Development.Enabled,
		Templates:   s.store.Len(),
		Clients:     len(s.ledger.Clients()),
	}
	if s.sockets != nil {
		stats := s.sockets.Stats()
		health.Channels = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn(r.Context(), err, "failed to encode health response")
	}
}

// handleStylesheet serves the registered stylesheet as is. Development
// responses are never cached so a reload always sees the latest file.
func (s *Server) handleStylesheet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	if s.cfg.Development.Enabled {
		w.Header().Set("Cache-Control", "no-store")
	}
	http.ServeFile(w, r, s.cfg.Stylesheet.Path)
}

// handleUnrouted renders templates created after startup, which have no
// route yet.
func (s *Server) handleUnrouted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !s.store.Exists(web.MatchedEndpoint(r)) {
		http.NotFound(w, r)
		return
	}
	web.NewHandler(s.extractor, s.renderer, nil, s.logger).ServeHTTP(w, r)
}

func (s *Server) openBrowser(ctx context.Context, url string) {
	time.Sleep(100 * time.Millisecond)

	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}

	if err != nil {
		s.logger.Warn(ctx, err, "failed to open browser", "url", url)
	}
}
