package checkout

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/receiptkit/handler"
	"github.com/dmitrymomot/receiptkit/pkg/binder"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
	"github.com/dmitrymomot/receiptkit/svc/auth"
)

// Request is the POST /checkout body.
type Request struct {
	Tier         subscription.Tier         `json:"tier" validate:"required,oneof=pro premium"`
	BillingCycle subscription.BillingCycle `json:"billingCycle" validate:"required,oneof=monthly annual"`
	ReferralCode string                    `json:"referralCode,omitempty" validate:"omitempty,max=64"`
}

// Response is the POST /checkout result.
type Response struct {
	CheckoutURL string     `json:"checkoutUrl"`
	SessionID   string     `json:"sessionId"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

var (
	errEmailNotVerified = handler.HTTPError{
		Code: http.StatusForbidden, Key: "email_not_verified",
		Message: "verify your email address before subscribing",
	}
	errActiveSubscription = handler.HTTPError{
		Code: http.StatusConflict, Key: "active_subscription",
		Message: "you already have an active subscription; change plans from your billing settings",
	}
	errBillingUnavailable = handler.HTTPError{
		Code: http.StatusServiceUnavailable, Key: "billing_unavailable",
		Message: "the billing provider is unavailable, please try again shortly",
	}
	errPlanUnavailable = handler.HTTPError{
		Code: http.StatusUnprocessableEntity, Key: "plan_unavailable",
		Message: "this plan is not available for purchase",
	}
)

// Handler returns the POST /checkout handler. Requests must pass through
// auth.Middleware first.
func Handler(o *Orchestrator, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	create := func(ctx handler.Context, req Request) handler.Response {
		userID, err := auth.RequireUser(ctx)
		if err != nil {
			return handler.JSONError(err)
		}

		var opts []CheckoutOption
		if req.ReferralCode != "" {
			opts = append(opts, WithReferralCode(req.ReferralCode))
		}
		session, err := o.CreateCheckout(ctx, userID, req.Tier, req.BillingCycle, opts...)
		if err != nil {
			herr := httpError(err)
			if status, _ := handler.ErrorDetails(herr); status >= http.StatusInternalServerError {
				log.ErrorContext(ctx, "checkout failed", logger.UserID(userID), logger.Error(err))
			}
			return handler.JSONError(herr)
		}

		return handler.JSON(Response{
			CheckoutURL: session.URL,
			SessionID:   session.ID,
			ExpiresAt:   subscription.TimeRef(session.ExpiresAt),
		}, handler.WithJSONStatus(http.StatusCreated))
	}

	return handler.Wrap(create,
		handler.WithBinder[handler.Context, Request](binder.JSON(binder.WithMaxBodySize(4<<10))),
		handler.WithErrorHandler[handler.Context, Request](handler.NewErrorHandler[handler.Context](log)),
	)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrEmailNotVerified):
		return errEmailNotVerified
	case errors.Is(err, ErrActiveSubscription):
		return errActiveSubscription
	case errors.Is(err, subscription.ErrUserNotFound):
		return handler.ErrNotFound.WithMessage("no billing profile exists for this account")
	case errors.Is(err, ErrNotPurchasable), errors.Is(err, subscription.ErrPriceNotConfigured):
		return errPlanUnavailable
	case errors.Is(err, subscription.ErrUpstreamUnavailable):
		return errBillingUnavailable
	}
	return err
}
