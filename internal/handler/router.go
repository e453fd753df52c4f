package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/spot-order-core/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(h.metrics.Middleware)

	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/api/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/me", h.GetMyOrders)
			r.Get("/me/active", h.GetMyActiveOrders)
			r.Get("/number/{orderNumber}", h.GetOrderByNumber)

			r.Route("/{orderID}", func(r chi.Router) {
				r.Get("/", h.GetOrder)
				r.Post("/cancel", h.CancelOrder)
				r.Post("/accept", h.AcceptOrder)
				r.Post("/reject", h.RejectOrder)
				r.Post("/start-cooking", h.StartCooking)
				r.Post("/ready", h.ReadyForPickup)
				r.Post("/complete", h.CompleteOrder)
				r.Post("/store-cancel", h.StoreCancelOrder)
			})
		})

		r.Route("/api/stores/{storeID}/orders", func(r chi.Router) {
			r.Get("/", h.GetStoreOrders)
			r.Get("/active", h.GetStoreActiveOrders)
			r.Get("/today", h.GetChefTodayOrders)
			r.Get("/range", h.GetStoreOrdersByDateRange)
		})

		// {id} означает заказ для POST и платёж для GET.
		r.Route("/api/payments", func(r chi.Router) {
			r.Get("/", h.GetAllPayments)
			r.Get("/cancel", h.GetAllPaymentCancels)
			r.Get("/stalled", h.GetStalledPayments)

			r.Post("/{id}/confirm", h.ConfirmPayment)
			r.Post("/{id}/cancel", h.CancelPayment)

			r.Get("/{id}", h.GetPayment)
			r.Get("/{id}/cancel", h.GetPaymentCancels)
			r.Get("/{id}/history", h.GetPaymentHistory)
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
