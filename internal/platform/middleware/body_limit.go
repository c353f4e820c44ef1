package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/transfer/internal/platform/fhir"
)

// DefaultMaxBundleBytes bounds a posted bundle when no limit is configured.
const DefaultMaxBundleBytes int64 = 32 << 20

// MaxBundleSize rejects request bodies larger than maxBytes with 413 and a
// too-costly OperationOutcome. A declared Content-Length is checked up front;
// chunked bodies fail when the handler reads past the limit.
func MaxBundleSize(maxBytes int64) echo.MiddlewareFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBundleBytes
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return tooLarge(c, maxBytes)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBytes)

			err := next(c)
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) && !c.Response().Committed {
				return tooLarge(c, mbe.Limit)
			}
			return err
		}
	}
}

func tooLarge(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, fhir.NewOperationOutcome(fhir.IssueSeverityError, "too-costly",
		fmt.Sprintf("bundle exceeds the %d byte limit", limit)))
}
