// Package httpapi serves the HTTP surface: the auth-code-guarded /api facade
// over the controller, the messaging websocket mounts, and the operational
// endpoints.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BYU-PCCL/footron-api/internal/auth"
	"github.com/BYU-PCCL/footron-api/internal/controller"
	"github.com/BYU-PCCL/footron-api/internal/messaging"
	"github.com/BYU-PCCL/footron-api/internal/metrics"
)

type Dependencies struct {
	Auth       *auth.Manager
	Controller *controller.Client
	Metrics    *metrics.Registry
	Logger     *slog.Logger

	// Messaging is nil in handler tests that only exercise the facade.
	Messaging *messaging.Router
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/", RootHandler())

		r.Group(func(r chi.Router) {
			r.Use(RequireAuthCode(d.Auth))
			r.Get("/experiences", ExperiencesHandler(d))
			r.Get("/collections", CollectionsHandler(d))
			r.Get("/current", CurrentExperienceHandler(d))
			r.Put("/current", SetCurrentExperienceHandler(d))
			r.Patch("/current", UpdateCurrentExperienceHandler(d))
		})
	})

	if d.Messaging != nil {
		r.Get("/messaging/in/{authCode}", func(w http.ResponseWriter, req *http.Request) {
			d.Messaging.HandleClient(w, req, auth.Code(chi.URLParam(req, "authCode")))
		})
		r.Get("/messaging/out/{appID}", func(w http.ResponseWriter, req *http.Request) {
			d.Messaging.HandleApp(w, req, chi.URLParam(req, "appID"))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
