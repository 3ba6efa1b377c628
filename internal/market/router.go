package market

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/escrow-engine/internal/idempotency"
)

// Routes mounts the /api/v1 endpoints on r.
func (s *Service) Routes(r chi.Router, auth *Authenticator, limiter *RateLimiter, idem idempotency.Store, hub *WSHub) {
	r.Route("/api/v1", func(r chi.Router) {
		// Transaction event stream; authenticates itself.
		r.Get("/ws", hub.HandleWS)

		// Gateway callback; authenticated by body signature.
		r.Post("/gateway/captures", s.CaptureWebhook)

		// Catalog browsing is public.
		r.Get("/products", s.ListProducts)
		r.Get("/products/{productID}", s.GetProduct)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			r.Post("/accounts", s.Signup)
			r.Get("/accounts/me", s.Me)
			r.Post("/wallet/withdrawals", s.Withdraw)

			r.Post("/products", s.CreateProduct)
			r.Patch("/products/{productID}", s.UpdateProduct)
			r.With(
				limiter.Middleware,
				idempotency.Middleware(idem, actorScope),
			).Post("/products/{productID}/purchase", s.Purchase)

			r.Get("/transactions", s.ListTransactions)
			r.Get("/transactions/{txnID}", s.GetTransaction)
			r.Post("/transactions/{txnID}/confirm", s.ConfirmDelivery)

			r.Group(func(r chi.Router) {
				r.Use(RequireOperator)
				r.Post("/transactions/{txnID}/cancel", s.CancelTransaction)
				r.Get("/escrow/in-flight", s.InFlight)
			})
		})
	})
}

func actorScope(r *http.Request) string {
	actor, _ := ActorFrom(r.Context())
	return actor.ID
}
