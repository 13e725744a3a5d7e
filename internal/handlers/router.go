package handlers

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/generate"
	"github.com/23skdu/fingemma/internal/session"
	"github.com/23skdu/fingemma/internal/templates"
)

// Deps are the shared services behind the HTTP surface.
type Deps struct {
	Config     config.Config
	Driver     *generate.Driver
	Sessions   *session.Store
	ModelReady *atomic.Bool
}

// NewRouter mounts the probes and the generation API in every mode, and the
// browser chat in ui mode.
func NewRouter(d Deps) http.Handler {
	cors := NewCORSMiddleware(d.Config.Server.AllowedOrigins)
	logging := NewLoggingMiddleware()
	info := d.Driver.Info()

	mux := http.NewServeMux()
	mux.Handle("GET /health", HealthHandler(info))
	mux.Handle("GET /healthz", HealthzHandler())
	mux.Handle("GET /readyz", ReadyzHandler(d.ModelReady))
	mux.Handle("GET /version", VersionHandler())
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/generate", cors.Middleware(GenerateHandler(d.Driver, d.Config.API.Defaults)))

	if d.Config.Mode == config.ModeUI && d.Sessions != nil {
		chat := d.Config.Chat
		mux.Handle("GET /{$}", IndexHandler(templates.IndexData{
			Title:         "Finance Assistant",
			Model:         info.ModelPath,
			Device:        info.Device,
			Version:       Version,
			SystemPrompt:  chat.SystemPrompt,
			SamplePrompts: chat.SamplePrompts,
			Sliders:       templates.Sliders(chat.Defaults),
		}))
		mux.Handle("GET /ws", WebSocketHandler(d.Sessions, chat, cors.CheckOrigin))
		mux.Handle("POST /api/sessions/{id}/reset", cors.Middleware(SessionResetHandler(d.Sessions)))
		mux.Handle("GET /api/sessions/{id}/transcript", cors.Middleware(TranscriptHandler(d.Sessions, info, chat.SystemPrompt)))
	}

	return logging.Middleware(mux)
}
