package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/receiptkit/handler"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

const maxPayloadSize = 1 << 20

// Ack is the body of a successful response.
type Ack struct {
	Received bool    `json:"received"`
	Outcome  Outcome `json:"outcome"`
	EventID  string  `json:"eventId,omitempty"`
}

var (
	errInvalidSignature = handler.HTTPError{
		Code: http.StatusBadRequest, Key: "invalid_signature",
		Message: "webhook signature verification failed",
	}
	errMalformedEvent = handler.HTTPError{
		Code: http.StatusBadRequest, Key: "malformed_event",
		Message: "webhook payload could not be decoded",
	}
	errInFlight = handler.HTTPError{
		Code: http.StatusConflict, Key: "in_flight",
		Message: "event is already being processed",
	}
	errProcessingFailed = handler.HTTPError{
		Code: http.StatusInternalServerError, Key: "processing_failed",
		Message: "event processing failed",
	}
)

// Handler returns the billing webhook endpoint. Verified events are always
// acknowledged with 200 unless processing failed, so the provider only
// redelivers what can succeed on retry.
func Handler(p *Processor, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				render(w, r, log, handler.JSONError(handler.ErrRequestTooLarge.WithMessage("webhook payload is too large")))
				return
			}
			render(w, r, log, handler.JSONError(handler.ErrBadRequest.WithMessage("failed to read request body")))
			return
		}

		res, err := p.Process(r.Context(), payload, r.Header)
		if err != nil {
			herr := httpError(err)
			if herr.Code >= http.StatusInternalServerError {
				log.ErrorContext(r.Context(), "webhook processing failed",
					logger.EventID(res.EventID), logger.EventType(string(res.EventType)), logger.Error(err))
			}
			render(w, r, log, handler.JSONError(herr))
			return
		}

		render(w, r, log, handler.JSON(Ack{Received: true, Outcome: res.Outcome, EventID: res.EventID}))
	}
}

func httpError(err error) handler.HTTPError {
	switch {
	case errors.Is(err, subscription.ErrAuthenticationFailure):
		return errInvalidSignature
	case errors.Is(err, subscription.ErrMalformedEvent):
		return errMalformedEvent
	case errors.Is(err, ErrInFlight):
		return errInFlight
	}
	return errProcessingFailed
}

func render(w http.ResponseWriter, r *http.Request, log *slog.Logger, resp handler.Response) {
	if err := resp.Render(w, r); err != nil {
		log.ErrorContext(r.Context(), "failed to write webhook response", logger.Error(err))
	}
}
