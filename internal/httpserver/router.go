package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"findpharma-edge/internal/handlers"
	"findpharma-edge/internal/metrics"
	"findpharma-edge/internal/middleware"
)

// Deps are the handlers mounted by SetupRouter. Reservations are only
// routed when the queue exists.
type Deps struct {
	Admin        *handlers.AdminHandler
	Reservations bool
	AdminToken   string
	Edge         http.Handler
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, deps Deps) {
	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/_edge", func(r chi.Router) {
		// Pages connect here without credentials.
		r.Get("/clients", deps.Admin.Clients)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(deps.AdminToken))
			r.Use(middleware.MaxBodySize(256 * 1024))

			r.Get("/status", deps.Admin.Status)
			r.Post("/events/{kind}", deps.Admin.Event)
			if deps.Reservations {
				r.Get("/reservations", deps.Admin.ListReservations)
				r.Post("/reservations", deps.Admin.EnqueueReservation)
				r.Delete("/reservations", deps.Admin.DrainReservations)
			}
		})
	})

	// everything else is the cache strategy engine
	r.Handle("/*", deps.Edge)
}
