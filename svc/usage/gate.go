package usage

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/receiptkit/handler"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// UserIDFunc extracts the authenticated user id from a request context.
type UserIDFunc func(ctx context.Context) (uuid.UUID, bool)

// ErrLimitReached is the HTTP error rendered for a denied gate.
var ErrLimitReached = handler.HTTPError{Code: http.StatusPaymentRequired, Key: ReasonLimitExceeded}

// DenialError converts a denied Decision into the HTTP error clients receive.
func DenialError(d Decision) error {
	return ErrLimitReached.
		WithMessage("%s limit of %d reached on the %s plan", d.Feature, d.Limit, d.Tier).
		WithMeta("reason", d.Reason).
		WithMeta("feature", string(d.Feature)).
		WithMeta("limit", d.Limit).
		WithMeta("used", d.Used).
		WithMeta("upgradeRequired", string(d.UpgradeRequired))
}

type gateConfig struct {
	strict bool
	log    *slog.Logger
}

// GateOption configures Gate.
type GateOption func(*gateConfig)

// Strict makes the gate consume a unit before calling the handler, so the
// limit is a hard cap. Usage is then counted even when the handler fails.
func Strict() GateOption {
	return func(c *gateConfig) { c.strict = true }
}

// WithGateLogger sets the logger for increment failures.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(c *gateConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// Gate is middleware for routes that perform a metered operation. It denies
// the request with 402 and an upgrade hint when the limit is reached, and
// otherwise counts one use after the handler responds with a 2xx status.
func Gate(m *Meter, feature subscription.Feature, userID UserIDFunc, opts ...GateOption) func(http.Handler) http.Handler {
	cfg := &gateConfig{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id, ok := userID(ctx)
			if !ok {
				_ = handler.JSONError(handler.ErrUnauthorized).Render(w, r)
				return
			}

			var (
				d   Decision
				err error
			)
			if cfg.strict {
				d, err = m.Consume(ctx, id, feature)
			} else {
				d, err = m.CheckLimit(ctx, id, feature)
			}
			if err != nil {
				cfg.log.ErrorContext(ctx, "usage check failed", logger.UserID(id), logger.Feature(string(feature)), logger.Error(err))
				_ = handler.JSONError(gateError(err)).Render(w, r)
				return
			}
			if !d.Allowed {
				_ = handler.JSONError(DenialError(d)).Render(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if cfg.strict || sw.status < 200 || sw.status >= 300 {
				return
			}

			// The response is already written; the increment must not be canceled with the request.
			if err := m.IncrementUsage(context.WithoutCancel(ctx), id, feature); err != nil {
				cfg.log.ErrorContext(ctx, "failed to record usage", logger.UserID(id), logger.Feature(string(feature)), logger.Error(err))
			}
		})
	}
}

func gateError(err error) error {
	if errors.Is(err, subscription.ErrRecordNotFound) {
		return handler.ErrNotFound.WithMessage("no entitlement record for this user")
	}
	return err
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
