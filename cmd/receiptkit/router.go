package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/receiptkit/pkg/environment"
	"github.com/dmitrymomot/receiptkit/pkg/httpserver"
	"github.com/dmitrymomot/receiptkit/pkg/jwt"
	"github.com/dmitrymomot/receiptkit/pkg/ratelimiter"
	"github.com/dmitrymomot/receiptkit/pkg/requestid"
	"github.com/dmitrymomot/receiptkit/svc/auth"
	"github.com/dmitrymomot/receiptkit/svc/checkout"
	"github.com/dmitrymomot/receiptkit/svc/usage"
	"github.com/dmitrymomot/receiptkit/svc/webhook"
)

// routes are the HTTP-facing components of the service.
type routes struct {
	Log             *slog.Logger
	Env             environment.Environment
	Tokens          *jwt.Service
	Checkout        *checkout.Orchestrator
	Meter           *usage.Meter
	Webhooks        *webhook.Processor
	CheckoutLimiter *ratelimiter.Limiter
	WebhookLimiter  *ratelimiter.Limiter
	Metrics         http.Handler
	Checks          map[string]httpserver.CheckFunc
	ReadyTimeout    time.Duration
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, requestid.Middleware, environment.Middleware(rt.Env), middleware.Recoverer)

	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(rt.Log, rt.ReadyTimeout, rt.Checks))
	if rt.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.Metrics)
	}

	// Providers deliver in bursts from shared address pools; only rejected
	// deliveries count against an address.
	r.With(ratelimiter.FailureMiddleware(rt.WebhookLimiter, ratelimiter.ByIP(), ratelimiter.ClientErrors, rt.Log)).
		Post("/webhooks/billing", webhook.Handler(rt.Webhooks, rt.Log))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(rt.Tokens, rt.Log))
		r.With(ratelimiter.Middleware(rt.CheckoutLimiter, byUser, rt.Log)).
			Post("/checkout", checkout.Handler(rt.Checkout, rt.Log))
		r.Route("/usage", usage.Routes(rt.Meter, auth.UserIDFromContext, rt.Log))
	})
	return r
}

func byUser(r *http.Request) string {
	id, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return ""
	}
	return "user:" + id.String()
}
