package fulfillment

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// MountRoutes registers fulfillment endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/fulfillment", func(r chi.Router) {
		// Reads
		r.Get("/orders/missing", h.listMissing)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/routes/{id}", h.getRoute)
		r.Get("/returns", h.listReturns)
		r.Get("/returns/summary", h.summarizeReturns)

		// Writes are attributed to the caller.
		r.Group(func(r chi.Router) {
			r.Use(requireActor)

			r.Post("/orders", h.createOrder)
			r.Put("/orders/{id}/items", h.replaceItems)
			r.Post("/orders/{id}/items/{itemID}/availability", h.recordAvailability)
			r.Post("/orders/{id}/availability", h.recordAvailabilityBatch)
			r.Post("/orders/{id}/items/{itemID}/missing", h.overrideMissing)
			r.Post("/orders/{id}/items/{itemID}/completion", h.recordCompletion)
			r.Post("/orders/{id}/completion", h.recordCompletionBatch)
			r.Post("/orders/{id}/review/complete", h.completeSecondReview)
			r.Post("/orders/{id}/missing/clear", h.clearPendingMissing)
			r.Post("/orders/{id}/status", h.advanceStatus)
			r.Post("/orders/{id}/cancel", h.cancelOrder)

			r.Post("/routes", h.createRoute)
			r.Post("/routes/{id}/orders", h.attachOrder)
			r.Post("/routes/{id}/start", h.startRoute)
			r.Post("/routes/{id}/evaluate", h.evaluateRoute)
			r.Post("/routes/{id}/outcomes", h.reconcileRoute)

			r.Post("/stops/{id}/items/{itemID}/outcome", h.recordOutcome)
			r.Post("/stops/{id}/outcomes", h.reconcileStop)
			r.Post("/stops/{id}/finalize", h.finalizeStop)

			r.Post("/returns", h.createReturn)
			r.Post("/returns/accept", h.acceptReturns)
		})
	})
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shared.ActorFromContext(r.Context()) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
