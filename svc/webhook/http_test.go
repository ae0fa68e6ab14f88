package webhook_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/receiptkit/pkg/subscription"
	"github.com/dmitrymomot/receiptkit/svc/webhook"
)

func TestHandler(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	userID := newUser(t, store, "", nil)
	h := webhook.Handler(newProcessor(t, store), nil)

	send := func(body []byte, header http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
		for k, v := range header {
			req.Header[k] = v
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	decode := func(rec *httptest.ResponseRecorder) map[string]map[string]any {
		var out map[string]map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	body, header := sign(t, checkoutEnvelope("evt_http", userID, ""))

	rec := send(body, header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "applied", decode(rec)["data"]["outcome"])

	rec = send(body, header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode(rec)["data"]["outcome"])

	rec = send(body, http.Header{"Content-Type": {"application/json"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decode(rec)["error"]["code"])

	garbage, garbageHeader := sign(t, subscription.SignedEnvelope{Type: "checkout.completed"})
	rec = send(garbage, garbageHeader)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_event", decode(rec)["error"]["code"])

	rec = send([]byte(strings.Repeat("x", 2<<20)), header)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.Len(t, store.Events(), 1)
}

func TestHandler_InFlight(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	userID := newUser(t, store, "", nil)
	h := webhook.Handler(newProcessor(t, store, webhook.WithLocker(busyLocker{})), nil)

	body, header := sign(t, checkoutEnvelope("evt_busy", userID, ""))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	req.Header = header
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "in_flight")
}
