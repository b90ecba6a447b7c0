package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sogni-ai/photobooth-server/internal/http/handlers"
	"github.com/sogni-ai/photobooth-server/internal/middleware"
)

func NewRouter(app *handlers.App) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.CORS(app.Config.AllowedOrigins))
	r.Use(middleware.Logger(app.Logger))

	r.Get("/health", app.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", app.Generate)
		r.Get("/progress/{clientId}", app.Progress)
		r.Post("/cancel/{projectId}", app.Cancel)
		r.Post("/disconnect", app.Disconnect)
		r.Get("/status", app.Status)
		r.Get("/metrics", app.Metrics)
	})

	return r
}
