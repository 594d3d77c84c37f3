// Package api exposes the orchestrator's HTTP surface: a shared-secret
// protected control plane (scheduler trigger, queue status, dashboard
// token issuance) and a JWT-protected dashboard read plane serving the
// live summary objects.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// SharedSecretAuth creates an Echo middleware that validates the
// "X-Shared-Secret" header against validSecret. Every internal
// endpoint (scheduler trigger, queue status, dashboard token
// issuance) sits behind this middleware; a missing or mismatched
// secret returns 401.
func SharedSecretAuth(validSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := c.Request().Header.Get("X-Shared-Secret")
			if got == "" || got != validSecret {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing shared secret")
			}
			return next(c)
		}
	}
}
