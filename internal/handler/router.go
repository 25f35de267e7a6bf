package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/orderflow/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Put("/customer", h.SetCustomer)
			r.Put("/costs", h.SetCosts)
			r.Post("/recalculate", h.Recalculate)

			r.Post("/items", h.AddItem)
			r.Put("/items/{index}", h.UpdateItem)
			r.Delete("/items/{index}", h.RemoveItem)

			r.Post("/submit", h.Submit)
			r.Post("/approve", h.Approve)
			r.Post("/cancel", h.Cancel)

			r.Route("/document", func(r chi.Router) {
				r.With(custommiddleware.IdempotencyKey).Post("/", h.GenerateDocument)
				r.Get("/", h.GetDocument)
				r.Post("/resend", h.ResendDocument)
				r.Get("/attempts", h.ListGenerationAttempts)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
