package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"docshield/internal/server/database"

	"github.com/google/uuid"
)

// Sentinel errors for the service layer. Policy denials are not errors;
// they come back as a Verdict.
var (
	ErrDocumentNotFound   = errors.New("document not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrViewLimitReached   = errors.New("maximum view limit reached")
	ErrDeviceLimitReached = errors.New("maximum device limit reached")
	ErrInvalidSettings    = errors.New("invalid access settings")
)

// Deny reason codes. Stable, machine-readable; the plain-language reason
// string beside them is what the viewer shows verbatim.
const (
	CodeDocumentNotFound    = "document_not_found"
	CodeSettingsUnavailable = "settings_unavailable"
	CodeSessionRequired     = "session_required"
	CodeSessionInvalid      = "session_invalid"
	CodeSessionRevoked      = "session_revoked"
	CodeAccessExpired       = "access_expired"
	CodeDayNotAllowed       = "day_not_allowed"
	CodeHoursNotAllowed     = "hours_not_allowed"
	CodeCountryBlocked      = "country_blocked"
	CodeCountryNotAllowed   = "country_not_allowed"
	CodeViewLimitReached    = "view_limit_reached"
)

// Store is the persistence surface the engine needs. *database.Repository
// implements it; tests substitute an in-memory fake.
type Store interface {
	CreateDocument(ctx context.Context, doc *database.Document) error
	GetDocument(ctx context.Context, id string) (*database.Document, error)
	SetDRMEnabled(ctx context.Context, id string, enabled bool) error
	UpsertDRMSettings(ctx context.Context, s *database.DRMSettings) error
	GetDRMSettings(ctx context.Context, documentID string) (*database.DRMSettings, error)
	CreateSession(ctx context.Context, s *database.AccessSession) error
	GetSession(ctx context.Context, token, documentID string) (*database.AccessSession, error)
	GetSessionByToken(ctx context.Context, token string) (*database.AccessSession, error)
	CountDistinctDevices(ctx context.Context, documentID string) (int64, error)
	HasDevice(ctx context.Context, documentID, fingerprint string) (bool, error)
	CountViews(ctx context.Context, documentID string) (int64, error)
	RecordViewIfUnderLimit(ctx context.Context, view *database.ViewRecord, maxViews *int) error
	RevokeSessionByID(ctx context.Context, sessionID, reason string, now time.Time) (bool, error)
	RevokeAllSessions(ctx context.Context, documentID, reason string, now time.Time) (int64, error)
	RevokeExpiredSessions(ctx context.Context, reason string, now time.Time) (int64, error)
	GetStats(ctx context.Context, documentID string) (*database.DocumentStats, error)
}

// GeoResolver maps an IP to a coarse location. Failure is expected and
// handled by degrading to "no geolocation".
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (*database.Geolocation, error)
}

// AccessContext carries the client signals captured at session creation.
type AccessContext struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

// ProtectionFlags are advisory viewer directives. They are not a security
// boundary: a client that ignores them still only gets what the admission
// decision granted.
type ProtectionFlags struct {
	PreventCopy       bool `json:"prevent_copy"`
	PreventPrint      bool `json:"prevent_print"`
	PreventDownload   bool `json:"prevent_download"`
	PreventScreenshot bool `json:"prevent_screenshot"`
}

// WatermarkDirective tells the viewer what overlay to render.
type WatermarkDirective struct {
	Text     string  `json:"text"`
	Opacity  float64 `json:"opacity"`
	Position string  `json:"position"`
}

// Verdict is the outcome of policy evaluation: an admission with directives,
// or a denial with a reason the viewer shows verbatim.
type Verdict struct {
	Allowed        bool                `json:"allowed"`
	Reason         string              `json:"reason,omitempty"`
	ReasonCode     string              `json:"reason_code,omitempty"`
	RemainingViews *int                `json:"remaining_views,omitempty"`
	Watermark      *WatermarkDirective `json:"watermark,omitempty"`
	Protection     *ProtectionFlags    `json:"protection,omitempty"`
}

func deny(code, reason string) *Verdict {
	return &Verdict{Reason: reason, ReasonCode: code}
}

// AccessService implements session management, policy evaluation, view
// tracking, revocation and stats over a Store.
type AccessService struct {
	store      Store
	geo        GeoResolver
	geoTimeout time.Duration
	now        func() time.Time
}

// NewAccessService creates the service. geo may be nil, in which case all
// sessions are created without geolocation and geography checks never run.
func NewAccessService(store Store, geo GeoResolver, geoTimeout time.Duration) *AccessService {
	return &AccessService{
		store:      store,
		geo:        geo,
		geoTimeout: geoTimeout,
		now:        time.Now,
	}
}

// --- Document administration ---

// RegisterDocument creates (or re-registers) a document known to the engine.
// An empty id gets a generated one.
func (s *AccessService) RegisterDocument(ctx context.Context, id string, drmEnabled bool) (*database.Document, error) {
	if id == "" {
		id = uuid.NewString()
	}
	doc := &database.Document{
		ID:         id,
		DRMEnabled: drmEnabled,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	slog.Info("document registered", "document_id", id, "drm_enabled", drmEnabled)
	return doc, nil
}

// SetDRMEnabled toggles protection for a document.
func (s *AccessService) SetDRMEnabled(ctx context.Context, documentID string, enabled bool) error {
	err := s.store.SetDRMEnabled(ctx, documentID, enabled)
	if errors.Is(err, database.ErrDocumentNotFound) {
		return ErrDocumentNotFound
	}
	return err
}

var watermarkPositions = map[string]bool{
	"diagonal": true, "center": true, "bottom": true, "top": true,
}

// UpdateSettings validates and stores the policy row for a document.
func (s *AccessService) UpdateSettings(ctx context.Context, settings *database.DRMSettings) error {
	if _, err := s.store.GetDocument(ctx, settings.DocumentID); err != nil {
		if errors.Is(err, database.ErrDocumentNotFound) {
			return ErrDocumentNotFound
		}
		return err
	}

	if settings.WatermarkOpacity < 0 || settings.WatermarkOpacity > 1 {
		return fmt.Errorf("%w: watermark opacity must be between 0 and 1", ErrInvalidSettings)
	}
	if settings.WatermarkPosition == "" {
		settings.WatermarkPosition = "diagonal"
	}
	if !watermarkPositions[settings.WatermarkPosition] {
		return fmt.Errorf("%w: unknown watermark position %q", ErrInvalidSettings, settings.WatermarkPosition)
	}
	for _, d := range settings.AllowedDaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day of week %d out of range", ErrInvalidSettings, d)
		}
	}
	if (settings.AllowedHoursStart == nil) != (settings.AllowedHoursEnd == nil) {
		return fmt.Errorf("%w: hour bounds must be set together", ErrInvalidSettings)
	}
	if settings.AllowedHoursStart != nil {
		if *settings.AllowedHoursStart < 0 || *settings.AllowedHoursStart > 23 ||
			*settings.AllowedHoursEnd < 0 || *settings.AllowedHoursEnd > 23 {
			return fmt.Errorf("%w: hours must be between 0 and 23", ErrInvalidSettings)
		}
	}
	if settings.MaxViews != nil && *settings.MaxViews < 0 {
		return fmt.Errorf("%w: max views must not be negative", ErrInvalidSettings)
	}
	if settings.MaxUniqueDevices != nil && *settings.MaxUniqueDevices < 0 {
		return fmt.Errorf("%w: max unique devices must not be negative", ErrInvalidSettings)
	}

	settings.UpdatedAt = s.now().UTC()
	return s.store.UpsertDRMSettings(ctx, settings)
}

// --- Session manager ---

// CreateSession resolves geolocation once, enforces the unique-device
// ceiling, and persists a new session. The returned token is a bearer
// credential: anyone holding it can exercise the session's remaining views.
func (s *AccessService) CreateSession(ctx context.Context, documentID string, access AccessContext) (string, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, database.ErrDocumentNotFound) {
			return "", ErrDocumentNotFound
		}
		return "", err
	}

	if doc.DRMEnabled {
		settings, err := s.store.GetDRMSettings(ctx, documentID)
		if err != nil && !errors.Is(err, database.ErrSettingsNotFound) {
			return "", err
		}
		if settings != nil && settings.MaxUniqueDevices != nil {
			known, err := s.store.HasDevice(ctx, documentID, access.DeviceFingerprint)
			if err != nil {
				return "", err
			}
			if !known {
				devices, err := s.store.CountDistinctDevices(ctx, documentID)
				if err != nil {
					return "", err
				}
				if devices >= int64(*settings.MaxUniqueDevices) {
					return "", ErrDeviceLimitReached
				}
			}
		}
	}

	geoloc := s.resolveGeolocation(ctx, access.IP)

	token, err := generateSecureToken(48)
	if err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}

	now := s.now().UTC()
	session := &database.AccessSession{
		ID:                uuid.NewString(),
		DocumentID:        documentID,
		SessionToken:      token,
		IPAddress:         access.IP,
		DeviceFingerprint: access.DeviceFingerprint,
		UserAgent:         access.UserAgent,
		Geolocation:       geoloc,
		CreatedAt:         now,
		LastAccessAt:      now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return "", err
	}

	slog.Info("session created",
		"document_id", documentID,
		"session_id", session.ID,
		"fingerprint", access.DeviceFingerprint,
	)
	return token, nil
}

// resolveGeolocation looks up the session's location once, at creation.
// Failure disables geography checks for the session; it never blocks
// admission.
func (s *AccessService) resolveGeolocation(ctx context.Context, ip string) *database.Geolocation {
	if s.geo == nil {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.geoTimeout)
	defer cancel()

	geoloc, err := s.geo.Resolve(lookupCtx, ip)
	if err != nil {
		slog.Warn("geolocation unavailable, geography checks disabled for session",
			"ip", ip, "error", err)
		return nil
	}
	return geoloc
}

// --- Policy evaluator ---

// ValidateAccess runs the ordered admission checks for one view attempt.
// The check order is user-visible through the deny reasons and must not be
// rearranged. A returned error means the store failed, which is distinct
// from a denial and retryable by the caller.
func (s *AccessService) ValidateAccess(ctx context.Context, documentID, token string) (*Verdict, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, database.ErrDocumentNotFound) {
			return deny(CodeDocumentNotFound, "document not found"), nil
		}
		return nil, err
	}

	if !doc.DRMEnabled {
		return &Verdict{Allowed: true}, nil
	}

	settings, err := s.store.GetDRMSettings(ctx, documentID)
	if err != nil {
		if errors.Is(err, database.ErrSettingsNotFound) {
			return deny(CodeSettingsUnavailable, "failed to load access settings"), nil
		}
		return nil, err
	}

	if token == "" {
		return deny(CodeSessionRequired, "session token required"), nil
	}

	session, err := s.store.GetSession(ctx, token, documentID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return deny(CodeSessionInvalid, "invalid or expired session"), nil
		}
		return nil, err
	}

	if session.IsRevoked {
		reason := "access has been revoked"
		if session.RevokedReason != nil && *session.RevokedReason != "" {
			reason = *session.RevokedReason
		}
		return deny(CodeSessionRevoked, reason), nil
	}

	now := s.now()

	if settings.AccessExpiresAt != nil && now.After(*settings.AccessExpiresAt) {
		return deny(CodeAccessExpired, "access has expired"), nil
	}

	if len(settings.AllowedDaysOfWeek) > 0 && !containsInt32(settings.AllowedDaysOfWeek, int32(now.Weekday())) {
		return deny(CodeDayNotAllowed, "access not permitted on this day"), nil
	}

	if settings.AllowedHoursStart != nil && settings.AllowedHoursEnd != nil {
		hour := now.Hour()
		if hour < *settings.AllowedHoursStart || hour > *settings.AllowedHoursEnd {
			return deny(CodeHoursNotAllowed, fmt.Sprintf(
				"access only permitted between %d:00 and %d:00",
				*settings.AllowedHoursStart, *settings.AllowedHoursEnd)), nil
		}
	}

	// Geography checks run only when the session has a resolved location;
	// blocked-country membership wins over any allow list.
	if session.Geolocation != nil {
		country := session.Geolocation.CountryCode
		if containsCountry(settings.BlockedCountries, country) {
			return deny(CodeCountryBlocked, "access blocked from your location"), nil
		}
		if len(settings.AllowedCountries) > 0 && !containsCountry(settings.AllowedCountries, country) {
			return deny(CodeCountryNotAllowed, "access not permitted from your location"), nil
		}
	}

	var remaining *int
	if settings.MaxViews != nil {
		count, err := s.store.CountViews(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if count >= int64(*settings.MaxViews) {
			zero := 0
			v := deny(CodeViewLimitReached, "maximum view limit reached")
			v.RemainingViews = &zero
			return v, nil
		}
		left := *settings.MaxViews - int(count)
		remaining = &left
	}

	verdict := &Verdict{
		Allowed:        true,
		RemainingViews: remaining,
		Protection: &ProtectionFlags{
			PreventCopy:       settings.PreventCopy,
			PreventPrint:      settings.PreventPrint,
			PreventDownload:   settings.PreventDownload,
			PreventScreenshot: settings.PreventScreenshot,
		},
	}

	if settings.RequireWatermark {
		text := ""
		if settings.WatermarkText != nil {
			text = *settings.WatermarkText
		}
		if text == "" {
			text = fmt.Sprintf("%s @ %s", session.IPAddress, now.UTC().Format(time.RFC3339))
		}
		verdict.Watermark = &WatermarkDirective{
			Text:     text,
			Opacity:  settings.WatermarkOpacity,
			Position: settings.WatermarkPosition,
		}
	}

	return verdict, nil
}

// --- View tracker ---

// TrackView appends a view record for the session and bumps last_access_at.
// The view-quota check and the insert happen atomically in the store; a
// concurrent admission that would exceed max_views fails here with
// ErrViewLimitReached instead of overrunning the quota.
//
// Duplicate calls from caller-side retries each append a record; the engine
// deliberately does not deduplicate them.
func (s *AccessService) TrackView(ctx context.Context, token string, pageNumber *int) error {
	session, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	var maxViews *int
	doc, err := s.store.GetDocument(ctx, session.DocumentID)
	if err != nil {
		if errors.Is(err, database.ErrDocumentNotFound) {
			return ErrDocumentNotFound
		}
		return err
	}
	if doc.DRMEnabled {
		settings, err := s.store.GetDRMSettings(ctx, session.DocumentID)
		if err != nil && !errors.Is(err, database.ErrSettingsNotFound) {
			return err
		}
		if settings != nil {
			maxViews = settings.MaxViews
		}
	}

	view := &database.ViewRecord{
		ID:         uuid.NewString(),
		DocumentID: session.DocumentID,
		SessionID:  session.ID,
		PageNumber: pageNumber,
		IPAddress:  session.IPAddress,
		CreatedAt:  s.now().UTC(),
	}

	err = s.store.RecordViewIfUnderLimit(ctx, view, maxViews)
	if errors.Is(err, database.ErrViewLimitReached) {
		return ErrViewLimitReached
	}
	if err != nil {
		return err
	}

	slog.Info("view tracked",
		"document_id", session.DocumentID,
		"session_id", session.ID,
	)
	return nil
}

// --- Revocation ---

const defaultRevokeReason = "access revoked by document owner"

// RevokeAll revokes every live session for a document and returns how many
// changed. Idempotent: a second call revokes zero.
func (s *AccessService) RevokeAll(ctx context.Context, documentID, reason string) (int64, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		if errors.Is(err, database.ErrDocumentNotFound) {
			return 0, ErrDocumentNotFound
		}
		return 0, err
	}

	if reason == "" {
		reason = defaultRevokeReason
	}
	count, err := s.store.RevokeAllSessions(ctx, documentID, reason, s.now().UTC())
	if err != nil {
		return 0, err
	}

	slog.Info("sessions revoked", "document_id", documentID, "count", count, "reason", reason)
	return count, nil
}

// RevokeSession revokes one session by token. Revoking an already-revoked
// session is a no-op that still succeeds.
func (s *AccessService) RevokeSession(ctx context.Context, token, reason string) error {
	session, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	if reason == "" {
		reason = defaultRevokeReason
	}
	changed, err := s.store.RevokeSessionByID(ctx, session.ID, reason, s.now().UTC())
	if err != nil {
		return err
	}
	if changed {
		slog.Info("session revoked", "session_id", session.ID, "reason", reason)
	}
	return nil
}

// --- Stats ---

// Stats returns the owner-facing audit aggregates for a document.
func (s *AccessService) Stats(ctx context.Context, documentID string) (*database.DocumentStats, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		if errors.Is(err, database.ErrDocumentNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return s.store.GetStats(ctx, documentID)
}

// --- Helpers ---

func containsInt32(haystack []int32, needle int32) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsCountry(haystack []string, needle string) bool {
	for _, v := range haystack {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
