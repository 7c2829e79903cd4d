package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/v1/health", h.Health)

	r.Get("/v1/scheduler/status", h.SchedulerStatus)
	r.Post("/v1/scheduler/start", h.SchedulerStart)
	r.Post("/v1/scheduler/stop", h.SchedulerStop)

	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", h.CreateRun)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetRun)
			r.Delete("/", h.DeleteRun)
			r.Get("/deliveries", h.ListDeliveries)
			r.Post("/cancel", h.CancelRun)
			r.Post("/requeue-unknown", h.RequeueUnknown)
			r.Post("/repost", h.RepostRun)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("market-broadcast"))
	})

	return r
}
