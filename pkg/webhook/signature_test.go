package webhook_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/receiptkit/pkg/webhook"
)

func TestSign(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"eventId":"evt_1","type":"checkout.completed"}`)
	at := time.Unix(1_700_000_000, 0)

	t.Run("matches hmac of timestamp and payload", func(t *testing.T) {
		t.Parallel()

		headers, err := webhook.Sign("whsec", payload, at)
		require.NoError(t, err)

		mac := hmac.New(sha256.New, []byte("whsec"))
		mac.Write([]byte(fmt.Sprintf("%d.%s", at.Unix(), payload)))
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), headers.Signature)
		assert.Equal(t, at.Unix(), headers.Timestamp)
		assert.NotEmpty(t, headers.ID)
	})

	t.Run("requires secret", func(t *testing.T) {
		t.Parallel()

		_, err := webhook.Sign("", payload, at)
		assert.ErrorIs(t, err, webhook.ErrMissingSecret)
	})

	t.Run("requires payload", func(t *testing.T) {
		t.Parallel()

		_, err := webhook.Sign("whsec", nil, at)
		assert.ErrorIs(t, err, webhook.ErrEmptyPayload)
	})
}

func TestVerify(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"eventId":"evt_1"}`)

	t.Run("accepts fresh signature", func(t *testing.T) {
		t.Parallel()

		headers, err := webhook.Sign("whsec", payload, time.Now())
		require.NoError(t, err)
		assert.NoError(t, webhook.Verify("whsec", payload, headers, 5*time.Minute))
	})

	t.Run("rejects tampered payload", func(t *testing.T) {
		t.Parallel()

		headers, err := webhook.Sign("whsec", payload, time.Now())
		require.NoError(t, err)
		err = webhook.Verify("whsec", []byte(`{"eventId":"evt_2"}`), headers, 5*time.Minute)
		assert.ErrorIs(t, err, webhook.ErrSignatureMismatch)
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		t.Parallel()

		headers, err := webhook.Sign("whsec", payload, time.Now())
		require.NoError(t, err)
		err = webhook.Verify("other", payload, headers, 5*time.Minute)
		assert.ErrorIs(t, err, webhook.ErrSignatureMismatch)
	})

	t.Run("rejects old timestamp", func(t *testing.T) {
		t.Parallel()

		headers, err := webhook.Sign("whsec", payload, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		err = webhook.Verify("whsec", payload, headers, 5*time.Minute)
		assert.ErrorIs(t, err, webhook.ErrSignatureExpired)
	})

	t.Run("zero max age skips the window check", func(t *testing.T) {
		t.Parallel()

		headers, err := webhook.Sign("whsec", payload, time.Now().Add(-48*time.Hour))
		require.NoError(t, err)
		assert.NoError(t, webhook.Verify("whsec", payload, headers, 0))
	})

	t.Run("missing headers", func(t *testing.T) {
		t.Parallel()

		err := webhook.Verify("whsec", payload, webhook.SignatureHeaders{}, time.Minute)
		assert.ErrorIs(t, err, webhook.ErrMissingSignature)
	})
}

func TestHeadersRoundTripThroughHTTP(t *testing.T) {
	t.Parallel()

	headers, err := webhook.Sign("whsec", []byte("body"), time.Now())
	require.NoError(t, err)

	h := http.Header{}
	headers.Apply(h)

	assert.Equal(t, headers, webhook.HeadersFromHTTP(h))
}

func TestHeadersFromHTTP_MalformedTimestamp(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set(webhook.HeaderSignature, "abc")
	h.Set(webhook.HeaderTimestamp, "yesterday")

	got := webhook.HeadersFromHTTP(h)
	assert.Zero(t, got.Timestamp)
	assert.ErrorIs(t, webhook.Verify("whsec", []byte("body"), got, 0), webhook.ErrMissingSignature)
}
