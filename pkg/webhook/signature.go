package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Header names carrying the signature.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
)

// SignatureHeaders is the signature of one delivery.
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	ID        string
}

// Apply sets the signature headers on h.
func (s SignatureHeaders) Apply(h http.Header) {
	h.Set(HeaderSignature, s.Signature)
	h.Set(HeaderTimestamp, strconv.FormatInt(s.Timestamp, 10))
	h.Set(HeaderID, s.ID)
}

// Sign signs payload at the given time with a fresh delivery id.
func Sign(secret string, payload []byte, at time.Time) (SignatureHeaders, error) {
	if secret == "" {
		return SignatureHeaders{}, ErrMissingSecret
	}
	if len(payload) == 0 {
		return SignatureHeaders{}, ErrEmptyPayload
	}
	ts := at.Unix()
	return SignatureHeaders{
		Signature: compute(secret, ts, payload),
		Timestamp: ts,
		ID:        uuid.New().String(),
	}, nil
}

// Verify checks headers against payload. A positive maxAge bounds how old the
// timestamp may be; timestamps more than a minute in the future are rejected.
func Verify(secret string, payload []byte, headers SignatureHeaders, maxAge time.Duration) error {
	if secret == "" {
		return ErrMissingSecret
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if headers.Signature == "" || headers.Timestamp == 0 {
		return ErrMissingSignature
	}

	if maxAge > 0 {
		age := time.Since(time.Unix(headers.Timestamp, 0))
		if age > maxAge || age < -time.Minute {
			return fmt.Errorf("%w: age %v", ErrSignatureExpired, age.Truncate(time.Second))
		}
	}

	expected := compute(secret, headers.Timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(headers.Signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// HeadersFromHTTP reads the signature headers. Missing values stay zero and
// fail verification; a malformed timestamp is reported as zero as well.
func HeadersFromHTTP(h http.Header) SignatureHeaders {
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		ts = 0
	}
	return SignatureHeaders{
		Signature: h.Get(HeaderSignature),
		Timestamp: ts,
		ID:        h.Get(HeaderID),
	}
}

func compute(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
