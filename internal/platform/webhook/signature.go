// Package webhook signs bundle deliveries between agents with HMAC-SHA256
// and verifies them on the receiving side.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Delivery headers.
const (
	SignatureHeader = "X-Transfer-Signature"
	BundleIDHeader  = "X-Transfer-Bundle-ID"
	PatientHeader   = "X-Transfer-Patient-ID"
)

const signaturePrefix = "sha256="

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureValue renders the signature header value, "sha256=<hex>".
func SignatureValue(payload []byte, secret string) string {
	return signaturePrefix + SignPayload(payload, secret)
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, signaturePrefix)))
}

// VerifyMiddleware rejects requests whose body does not carry a valid
// signature for secret. An empty secret disables verification. The body is
// restored for the next handler.
func VerifyMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return next(c)
			}
			req := c.Request()
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			sig := req.Header.Get(SignatureHeader)
			if sig == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+SignatureHeader)
			}
			if !VerifySignature(body, secret, sig) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
			}
			return next(c)
		}
	}
}
