package auth

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/receiptkit/handler"
	"github.com/dmitrymomot/receiptkit/pkg/jwt"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
)

// Config holds the token settings.
type Config struct {
	SigningKey string `env:"AUTH_JWT_SECRET,required"`
	Issuer     string `env:"AUTH_JWT_ISSUER" envDefault:"receiptkit"`
}

// NewService builds the token service from cfg.
func NewService(cfg Config) (*jwt.Service, error) {
	return jwt.NewFromString(cfg.SigningKey, jwt.WithIssuer(cfg.Issuer))
}

// Middleware authenticates bearer tokens and puts the subject, which must be a
// user id, into the request context. Failures render a JSON 401.
func Middleware(svc *jwt.Service, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	unauthorized := func(w http.ResponseWriter, r *http.Request, err error) {
		log.DebugContext(r.Context(), "authentication failed", logger.Error(err))
		_ = handler.JSONError(handler.ErrUnauthorized).Render(w, r)
	}

	verify := jwt.Middleware(jwt.MiddlewareConfig{Service: svc, ErrorHandler: unauthorized})
	return func(next http.Handler) http.Handler {
		return verify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := jwt.ClaimsFromContext(r.Context())
			id, err := uuid.Parse(claims.Subject)
			if err != nil || id == uuid.Nil {
				unauthorized(w, r, jwt.ErrInvalidToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		}))
	}
}

// RequireUser returns the authenticated user id or an HTTP 401 error.
func RequireUser(ctx handler.Context) (uuid.UUID, error) {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return uuid.Nil, handler.ErrUnauthorized
	}
	return id, nil
}
