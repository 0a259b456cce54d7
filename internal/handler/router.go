package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/abashkin/auction-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware аукционного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Get("/auctions", h.ListAuctions)
		r.Get("/auctions/{auctionID}", h.GetAuction)

		r.Post("/settlement/run", h.RunSettlement)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/auctions", h.CreateAuction)
			r.Post("/auctions/{auctionID}/bid", h.PlaceBid)
			r.Post("/auctions/{auctionID}/republish", h.Republish)
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
