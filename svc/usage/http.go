package usage

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/receiptkit/handler"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// Routes mounts GET / (summary), GET /{feature} (limit check) and
// POST /{feature}/consume (atomic check and increment) on a chi router.
func Routes(m *Meter, userID UserIDFunc, log *slog.Logger) func(chi.Router) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	errs := handler.NewErrorHandler[handler.Context](log)
	fail := func(ctx handler.Context, err error) handler.Response {
		err = gateError(err)
		if status, _ := handler.ErrorDetails(err); status >= 500 {
			log.ErrorContext(ctx, "usage request failed", logger.Error(err))
		}
		return handler.JSONError(err)
	}

	summary := func(ctx handler.Context, _ struct{}) handler.Response {
		id, ok := userID(ctx)
		if !ok {
			return handler.JSONError(handler.ErrUnauthorized)
		}
		s, err := m.Summary(ctx, id)
		if err != nil {
			return fail(ctx, err)
		}
		return handler.JSON(s)
	}

	check := func(ctx handler.Context, _ struct{}) handler.Response {
		id, ok := userID(ctx)
		if !ok {
			return handler.JSONError(handler.ErrUnauthorized)
		}
		feature := subscription.Feature(chi.URLParam(ctx.Request(), "feature"))
		if !feature.Valid() {
			return handler.JSONError(handler.ErrNotFound.WithMessage("unknown feature %q", feature))
		}
		d, err := m.CheckLimit(ctx, id, feature)
		if err != nil {
			return fail(ctx, err)
		}
		return handler.JSON(d)
	}

	consume := func(ctx handler.Context, _ struct{}) handler.Response {
		id, ok := userID(ctx)
		if !ok {
			return handler.JSONError(handler.ErrUnauthorized)
		}
		feature := subscription.Feature(chi.URLParam(ctx.Request(), "feature"))
		if !feature.Valid() {
			return handler.JSONError(handler.ErrNotFound.WithMessage("unknown feature %q", feature))
		}
		d, err := m.Consume(ctx, id, feature)
		if err != nil {
			return fail(ctx, err)
		}
		if !d.Allowed {
			return handler.JSONError(DenialError(d))
		}
		return handler.JSON(d)
	}

	return func(r chi.Router) {
		r.Get("/", handler.Wrap(summary, handler.WithErrorHandler[handler.Context, struct{}](errs)))
		r.Get("/{feature}", handler.Wrap(check, handler.WithErrorHandler[handler.Context, struct{}](errs)))
		r.Post("/{feature}/consume", handler.Wrap(consume, handler.WithErrorHandler[handler.Context, struct{}](errs)))
	}
}
