package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterConfig struct {
	RequestTimeout time.Duration
}

func NewRouter(cfg RouterConfig, carts CartProvider, log logrus.FieldLogger) http.Handler {
	cartHandler := NewCartHandler(carts, cfg.RequestTimeout, log)
	eventsHandler := NewEventsHandler(carts, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(MockAuthMiddleware)
	r.Use(RequestLogger(log))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/cart", func(r chi.Router) {
		// long-lived; must not sit behind the request timeout
		r.Get("/events", eventsHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			r.Use(middleware.Compress(5))

			r.Get("/", cartHandler.GetSummary)
			r.Delete("/", cartHandler.ClearCart)
			r.Post("/items", cartHandler.AddItem)
			r.Route("/items/{product_id}", func(r chi.Router) {
				r.Get("/", cartHandler.GetQuantity)
				r.Put("/", cartHandler.SetQuantity)
				r.Delete("/", cartHandler.RemoveItem)
				r.Post("/increment", cartHandler.Increment)
				r.Post("/decrement", cartHandler.Decrement)
			})
		})
	})

	return otelhttp.NewHandler(r, "cartsync")
}
