package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/transfer/internal/platform/fhir"
)

// Recovery converts a handler panic into a 500 OperationOutcome and logs the
// stack. http.ErrAbortHandler is re-raised so net/http can abort the
// connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")

				if c.Response().Committed {
					err = echo.NewHTTPError(http.StatusInternalServerError)
					return
				}
				err = c.JSON(http.StatusInternalServerError, fhir.NewOperationOutcome(
					fhir.IssueSeverityFatal, fhir.IssueTypeException, "internal error"))
			}()
			return next(c)
		}
	}
}
