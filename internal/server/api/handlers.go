package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"docshield/internal/server/database"
	"docshield/internal/server/fingerprint"
	"docshield/internal/server/service"

	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the docshield API.
type Handler struct {
	svc *service.AccessService
	db  *database.DB
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.AccessService, db *database.DB) *Handler {
	return &Handler{svc: svc, db: db}
}

// HandleCreateSession handles POST /api/documents/:id/sessions.
// Derives a device fingerprint from request signals plus optional
// client-supplied hints, and returns the bearer session token the viewer
// persists and resends on every visit.
func (h *Handler) HandleCreateSession(c echo.Context) error {
	documentID := c.Param("id")

	var body struct {
		FingerprintHints []string `json:"fingerprint_hints"`
	}
	// Body is optional; ignore decode errors for an empty payload.
	_ = c.Bind(&body)

	req := c.Request()
	fp := fingerprint.Derive(fingerprint.Signals{
		UserAgent:      req.UserAgent(),
		AcceptLanguage: req.Header.Get("Accept-Language"),
		AcceptEncoding: req.Header.Get("Accept-Encoding"),
		Hints:          body.FingerprintHints,
	})

	token, err := h.svc.CreateSession(c.Request().Context(), documentID, service.AccessContext{
		IP:                c.RealIP(),
		UserAgent:         req.UserAgent(),
		DeviceFingerprint: fp,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{"session_token": token})
}

// HandleValidate handles GET /api/documents/:id/validate?token=...
// Returns the admission verdict. Denials are 200 responses with
// allowed=false; only store failures produce error statuses.
func (h *Handler) HandleValidate(c echo.Context) error {
	documentID := c.Param("id")
	token := c.QueryParam("token")

	verdict, err := h.svc.ValidateAccess(c.Request().Context(), documentID, token)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, verdict)
}

// HandleTrackView handles POST /api/views.
func (h *Handler) HandleTrackView(c echo.Context) error {
	var body struct {
		SessionToken string `json:"session_token"`
		PageNumber   *int   `json:"page_number"`
	}
	if err := c.Bind(&body); err != nil || body.SessionToken == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "session_token is required"})
	}

	if err := h.svc.TrackView(c.Request().Context(), body.SessionToken, body.PageNumber); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// HandleRegisterDocument handles POST /api/documents (owner-only).
func (h *Handler) HandleRegisterDocument(c echo.Context) error {
	var body struct {
		ID         string `json:"id"`
		DRMEnabled bool   `json:"drm_enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	doc, err := h.svc.RegisterDocument(c.Request().Context(), body.ID, body.DRMEnabled)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"id":          doc.ID,
		"drm_enabled": doc.DRMEnabled,
	})
}

// HandleSetDRM handles POST /api/documents/:id/drm (owner-only).
func (h *Handler) HandleSetDRM(c echo.Context) error {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	if err := h.svc.SetDRMEnabled(c.Request().Context(), c.Param("id"), body.Enabled); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"id":          c.Param("id"),
		"drm_enabled": body.Enabled,
	})
}

// settingsRequest is the owner-facing policy payload.
type settingsRequest struct {
	MaxViews          *int       `json:"max_views"`
	MaxUniqueDevices  *int       `json:"max_unique_devices"`
	PreventCopy       bool       `json:"prevent_copy"`
	PreventPrint      bool       `json:"prevent_print"`
	PreventDownload   bool       `json:"prevent_download"`
	PreventScreenshot bool       `json:"prevent_screenshot"`
	RequireWatermark  bool       `json:"require_watermark"`
	WatermarkText     *string    `json:"watermark_text"`
	WatermarkOpacity  float64    `json:"watermark_opacity"`
	WatermarkPosition string     `json:"watermark_position"`
	AccessExpiresAt   *time.Time `json:"access_expires_at"`
	AllowedCountries  []string   `json:"allowed_countries"`
	BlockedCountries  []string   `json:"blocked_countries"`
	AllowedDaysOfWeek []int32    `json:"allowed_days_of_week"`
	AllowedHoursStart *int       `json:"allowed_hours_start"`
	AllowedHoursEnd   *int       `json:"allowed_hours_end"`
}

// HandleUpdateSettings handles PUT /api/documents/:id/settings (owner-only).
func (h *Handler) HandleUpdateSettings(c echo.Context) error {
	var body settingsRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	settings := &database.DRMSettings{
		DocumentID:        c.Param("id"),
		MaxViews:          body.MaxViews,
		MaxUniqueDevices:  body.MaxUniqueDevices,
		PreventCopy:       body.PreventCopy,
		PreventPrint:      body.PreventPrint,
		PreventDownload:   body.PreventDownload,
		PreventScreenshot: body.PreventScreenshot,
		RequireWatermark:  body.RequireWatermark,
		WatermarkText:     body.WatermarkText,
		WatermarkOpacity:  body.WatermarkOpacity,
		WatermarkPosition: body.WatermarkPosition,
		AccessExpiresAt:   body.AccessExpiresAt,
		AllowedCountries:  body.AllowedCountries,
		BlockedCountries:  body.BlockedCountries,
		AllowedDaysOfWeek: body.AllowedDaysOfWeek,
		AllowedHoursStart: body.AllowedHoursStart,
		AllowedHoursEnd:   body.AllowedHoursEnd,
	}

	if err := h.svc.UpdateSettings(c.Request().Context(), settings); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "settings updated"})
}

// HandleRevokeAll handles POST /api/documents/:id/revoke-all (owner-only).
func (h *Handler) HandleRevokeAll(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.Bind(&body)

	count, err := h.svc.RevokeAll(c.Request().Context(), c.Param("id"), body.Reason)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"revoked_count": count})
}

// HandleRevokeSession handles POST /api/sessions/revoke (owner-only).
func (h *Handler) HandleRevokeSession(c echo.Context) error {
	var body struct {
		SessionToken string `json:"session_token"`
		Reason       string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil || body.SessionToken == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "session_token is required"})
	}

	if err := h.svc.RevokeSession(c.Request().Context(), body.SessionToken, body.Reason); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// HandleStats handles GET /api/documents/:id/stats (owner-only).
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, stats)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrDocumentNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "document not found"})
	case errors.Is(err, service.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "invalid session"})
	case errors.Is(err, service.ErrViewLimitReached):
		return c.JSON(http.StatusConflict, echo.Map{"error": "maximum view limit reached"})
	case errors.Is(err, service.ErrDeviceLimitReached):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "maximum device limit reached"})
	case errors.Is(err, service.ErrInvalidSettings):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
