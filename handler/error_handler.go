package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/receiptkit/pkg/binder"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
)

// ClassifyBindError maps binder failures to client errors.
func ClassifyBindError(err error) error {
	switch {
	case errors.Is(err, binder.ErrRequestTooLarge):
		return ErrRequestTooLarge.WithMessage("request body is too large")
	case errors.Is(err, binder.ErrUnsupportedMediaType), errors.Is(err, binder.ErrMissingContentType):
		return ErrUnsupportedMediaType.WithMessage("expected an application/json body")
	case errors.Is(err, binder.ErrFailedToParseJSON):
		return ErrBadRequest.WithMessage("malformed JSON body")
	}
	return err
}

// NewErrorHandler returns an ErrorHandler that renders the JSON envelope and
// logs server errors at ERROR and client errors at DEBUG.
func NewErrorHandler[C Context](log *slog.Logger) ErrorHandler[C] {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(ctx C, err error) {
		err = ClassifyBindError(err)
		status, _ := ErrorDetails(err)

		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		r := ctx.Request()
		log.Log(ctx, level, "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			logger.Error(err),
		)

		if renderErr := JSONError(err).Render(ctx.ResponseWriter(), r); renderErr != nil {
			log.ErrorContext(ctx, "failed to render error response", logger.Error(renderErr))
		}
	}
}

func defaultErrorHandler[C Context](ctx C, err error) {
	_ = JSONError(ClassifyBindError(err)).Render(ctx.ResponseWriter(), ctx.Request())
}
