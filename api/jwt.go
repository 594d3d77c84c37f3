package api

import (
	"net/http"
	"time"

	"evalorchestrator.dev/evalqueue"
	"evalorchestrator.dev/objectstore"
	"evalorchestrator.dev/repository"
	"evalorchestrator.dev/scheduler"
	"evalorchestrator.dev/security"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// dashboardTokenTTL is how long a dashboard JWT remains valid after
// issuance.
const dashboardTokenTTL = 24 * time.Hour

// Handlers holds the dependencies backing every route registered by
// SetupRoutes.
type Handlers struct {
	Scheduler  *scheduler.Scheduler
	Queue      *evalqueue.Queue
	Store      objectstore.Store
	Repository *repository.Composite
	JWT        *security.JWTService
}

// SetupRoutes wires the control plane and dashboard read plane onto e.
//
// Control plane (shared secret, header X-Shared-Secret):
//   - POST /internal/trigger  - run one scheduler tick
//   - GET  /internal/status   - queue snapshot
//   - POST /auth/token        - issue a dashboard JWT
//
// Dashboard read plane (JWT bearer, issued by /auth/token):
//   - GET /v1/dashboard/fleet              - fleet-wide summary
//   - GET /v1/dashboard/latest             - latest-N runs summary
//   - GET /v1/dashboard/blueprints/:id     - per-blueprint summary
func SetupRoutes(e *echo.Echo, h *Handlers, sharedSecret string) {
	internal := e.Group("/internal")
	internal.Use(SharedSecretAuth(sharedSecret))
	internal.POST("/trigger", h.TriggerScheduler)
	internal.GET("/status", h.Status)

	auth := e.Group("/auth")
	auth.Use(SharedSecretAuth(sharedSecret))
	auth.POST("/token", h.GenerateToken)

	dashboard := e.Group("/v1/dashboard")
	dashboard.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:  h.JWT.Key(),
		TokenLookup: "header:Authorization:Bearer ",
	}))
	dashboard.GET("/fleet", h.GetFleetSummary)
	dashboard.GET("/latest", h.GetLatestSummary)
	dashboard.GET("/blueprints/:id", h.GetBlueprintSummary)
}

// TokenRequest is the body of POST /auth/token. ClientID only
// identifies the caller in logs; it carries no authorization of its
// own, the shared secret already gates the endpoint.
type TokenRequest struct {
	ClientID string `json:"client_id"`
}

// TokenResponse carries the issued dashboard JWT.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateToken issues a dashboard JWT. Gated by the shared secret
// rather than public: the dashboard itself has no user accounts, so
// a client that already holds the shared secret is the only
// authorization boundary there is.
func (h *Handlers) GenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	subject := req.ClientID
	if subject == "" {
		subject = "dashboard"
	}

	token, err := h.JWT.GenerateToken(subject, dashboardTokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate token")
	}

	return c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: time.Now().Add(dashboardTokenTTL)})
}

// triggerRequest is the optional body of POST /internal/trigger.
type triggerRequest struct {
	Force bool `json:"force"`
	Limit int  `json:"limit"`
}

// TriggerScheduler runs one scheduler tick synchronously and reports
// its stats. Mirrors the in-process interval timer's own call into
// the scheduler, just invoked on demand instead of on a ticker.
func (h *Handlers) TriggerScheduler(c echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	stats, err := h.Scheduler.Tick(c.Request().Context(), scheduler.Options{Force: req.Force, Limit: req.Limit})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, stats)
}

// statusResponse is the body of GET /internal/status.
type statusResponse struct {
	Queue evalqueue.Stats `json:"queue"`
}

// Status reports the live evaluation queue snapshot.
func (h *Handlers) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{Queue: h.Queue.Stats()})
}

// GetFleetSummary serves the fleet-wide aggregate summary.
func (h *Handlers) GetFleetSummary(c echo.Context) error {
	return h.serveObject(c, objectstore.FleetWideSummaryKey)
}

// GetLatestSummary serves the latest-N-runs aggregate summary.
func (h *Handlers) GetLatestSummary(c echo.Context) error {
	return h.serveObject(c, objectstore.LatestNSummaryKey)
}

// GetBlueprintSummary serves a single blueprint's per-config summary.
func (h *Handlers) GetBlueprintSummary(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "blueprint id is required")
	}
	return h.serveObject(c, objectstore.PerConfigSummaryKey(id))
}

func (h *Handlers) serveObject(c echo.Context, key string) error {
	data, err := h.Store.Get(c.Request().Context(), key)
	if err != nil {
		if err == objectstore.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "summary not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch summary")
	}
	return c.Blob(http.StatusOK, "application/json", data)
}
