package database

import "time"

// Document is the minimal row the engine needs about a protected document.
// Upload, storage and ownership live in the surrounding product.
type Document struct {
	ID            string
	DRMEnabled    bool
	LastRevokedAt *time.Time // nil until a revocation has happened
	CreatedAt     time.Time
}

// DRMSettings is the per-document access policy. One row per protected document.
// Protection flags are viewer directives only; the server never relies on them.
type DRMSettings struct {
	DocumentID        string
	MaxViews          *int
	MaxUniqueDevices  *int
	PreventCopy       bool
	PreventPrint      bool
	PreventDownload   bool
	PreventScreenshot bool
	RequireWatermark  bool
	WatermarkText     *string
	WatermarkOpacity  float64
	WatermarkPosition string
	AccessExpiresAt   *time.Time
	AllowedCountries  []string
	BlockedCountries  []string
	AllowedDaysOfWeek []int32 // 0=Sunday .. 6=Saturday; empty means all days
	AllowedHoursStart *int    // inclusive, server-local hour; set together with end
	AllowedHoursEnd   *int
	UpdatedAt         time.Time
}

// Geolocation is the result of resolving a session's IP, cached on the
// session row as JSON so validation never re-resolves.
type Geolocation struct {
	CountryCode string `json:"country_code"`
	Country     string `json:"country,omitempty"`
	Region      string `json:"region,omitempty"`
	City        string `json:"city,omitempty"`
}

// AccessSession binds one client (by bearer token) to one document.
// Sessions are never deleted, only revoked, to preserve audit history.
type AccessSession struct {
	ID                string
	DocumentID        string
	SessionToken      string
	IPAddress         string
	DeviceFingerprint string
	UserAgent         string
	Geolocation       *Geolocation // nil when resolution failed or was skipped
	IsRevoked         bool
	RevokedAt         *time.Time
	RevokedReason     *string
	CreatedAt         time.Time
	LastAccessAt      time.Time
}

// ViewRecord is one granted-and-tracked view. Append-only; the per-document
// count is the authoritative max_views counter.
type ViewRecord struct {
	ID         string
	DocumentID string
	SessionID  string
	PageNumber *int
	IPAddress  string
	CreatedAt  time.Time
}

// DeviceActivity is one row of the per-device stats breakdown.
type DeviceActivity struct {
	DeviceFingerprint string    `json:"device_fingerprint"`
	Views             int64     `json:"views"`
	LastAccessAt      time.Time `json:"last_access_at"`
}

// DocumentStats holds the owner-facing audit aggregates for a document.
type DocumentStats struct {
	TotalViews      int64            `json:"total_views"`
	UniqueDevices   int64            `json:"unique_devices"`
	ActiveSessions  int64            `json:"active_sessions"`
	RevokedSessions int64            `json:"revoked_sessions"`
	PerDevice       []DeviceActivity `json:"per_device"`
}
