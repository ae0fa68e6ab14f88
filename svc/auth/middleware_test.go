package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/receiptkit/svc/auth"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	svc, err := auth.NewService(auth.Config{SigningKey: "0123456789abcdef0123456789abcdef", Issuer: "receiptkit"})
	require.NoError(t, err)

	userID := uuid.New()
	good, err := svc.Issue(userID.String())
	require.NoError(t, err)
	notUUID, err := svc.Issue("alice")
	require.NoError(t, err)

	h := auth.Middleware(svc, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.UserIDFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(id.String()))
	}))

	t.Run("valid token", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/usage", nil)
		req.Header.Set("Authorization", "Bearer "+good)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, userID.String(), rec.Body.String())
	})

	for name, header := range map[string]string{
		"missing":         "",
		"subject not id":  "Bearer " + notUUID,
		"malformed token": "Bearer abc",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/usage", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "unauthorized", body.Error.Code)
		})
	}
}

func TestLoggerExtractor(t *testing.T) {
	t.Parallel()

	ex := auth.LoggerExtractor()
	_, ok := ex(context.Background())
	assert.False(t, ok)

	id := uuid.New()
	attr, ok := ex(auth.WithUserID(context.Background(), id))
	require.True(t, ok)
	assert.Equal(t, "actor_id", attr.Key)
	assert.Equal(t, id.String(), attr.Value.String())
}
