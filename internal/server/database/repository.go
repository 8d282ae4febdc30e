package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrSettingsNotFound = errors.New("drm settings not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrViewLimitReached = errors.New("view limit reached")
)

// Repository provides storage operations for documents, policies, sessions
// and view tracking.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// --- Documents ---

// CreateDocument inserts a document row, or updates its DRM flag if the
// row already exists (registration is idempotent).
func (r *Repository) CreateDocument(ctx context.Context, doc *Document) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO documents (id, drm_enabled, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET drm_enabled = EXCLUDED.drm_enabled
	`, doc.ID, doc.DRMEnabled, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (r *Repository) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc := &Document{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, drm_enabled, last_revoked_at, created_at
		FROM documents WHERE id = $1
	`, id).Scan(&doc.ID, &doc.DRMEnabled, &doc.LastRevokedAt, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// SetDRMEnabled toggles the DRM flag on a document.
func (r *Repository) SetDRMEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE documents SET drm_enabled = $2 WHERE id = $1", id, enabled)
	if err != nil {
		return fmt.Errorf("failed to set drm flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// --- DRM settings ---

// UpsertDRMSettings creates or replaces the policy row for a document.
func (r *Repository) UpsertDRMSettings(ctx context.Context, s *DRMSettings) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO document_drm_settings (
			document_id, max_views, max_unique_devices,
			prevent_copy, prevent_print, prevent_download, prevent_screenshot,
			require_watermark, watermark_text, watermark_opacity, watermark_position,
			access_expires_at, allowed_countries, blocked_countries,
			allowed_days_of_week, allowed_hours_start, allowed_hours_end, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (document_id) DO UPDATE SET
			max_views = EXCLUDED.max_views,
			max_unique_devices = EXCLUDED.max_unique_devices,
			prevent_copy = EXCLUDED.prevent_copy,
			prevent_print = EXCLUDED.prevent_print,
			prevent_download = EXCLUDED.prevent_download,
			prevent_screenshot = EXCLUDED.prevent_screenshot,
			require_watermark = EXCLUDED.require_watermark,
			watermark_text = EXCLUDED.watermark_text,
			watermark_opacity = EXCLUDED.watermark_opacity,
			watermark_position = EXCLUDED.watermark_position,
			access_expires_at = EXCLUDED.access_expires_at,
			allowed_countries = EXCLUDED.allowed_countries,
			blocked_countries = EXCLUDED.blocked_countries,
			allowed_days_of_week = EXCLUDED.allowed_days_of_week,
			allowed_hours_start = EXCLUDED.allowed_hours_start,
			allowed_hours_end = EXCLUDED.allowed_hours_end,
			updated_at = EXCLUDED.updated_at
	`,
		s.DocumentID, s.MaxViews, s.MaxUniqueDevices,
		s.PreventCopy, s.PreventPrint, s.PreventDownload, s.PreventScreenshot,
		s.RequireWatermark, s.WatermarkText, s.WatermarkOpacity, s.WatermarkPosition,
		s.AccessExpiresAt, s.AllowedCountries, s.BlockedCountries,
		s.AllowedDaysOfWeek, s.AllowedHoursStart, s.AllowedHoursEnd, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert drm settings: %w", err)
	}
	return nil
}

// GetDRMSettings retrieves the policy row for a document.
func (r *Repository) GetDRMSettings(ctx context.Context, documentID string) (*DRMSettings, error) {
	s := &DRMSettings{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT document_id, max_views, max_unique_devices,
			   prevent_copy, prevent_print, prevent_download, prevent_screenshot,
			   require_watermark, watermark_text, watermark_opacity, watermark_position,
			   access_expires_at, allowed_countries, blocked_countries,
			   allowed_days_of_week, allowed_hours_start, allowed_hours_end, updated_at
		FROM document_drm_settings WHERE document_id = $1
	`, documentID).Scan(
		&s.DocumentID, &s.MaxViews, &s.MaxUniqueDevices,
		&s.PreventCopy, &s.PreventPrint, &s.PreventDownload, &s.PreventScreenshot,
		&s.RequireWatermark, &s.WatermarkText, &s.WatermarkOpacity, &s.WatermarkPosition,
		&s.AccessExpiresAt, &s.AllowedCountries, &s.BlockedCountries,
		&s.AllowedDaysOfWeek, &s.AllowedHoursStart, &s.AllowedHoursEnd, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, fmt.Errorf("failed to get drm settings: %w", err)
	}
	return s, nil
}

// --- Sessions ---

// CreateSession inserts a new access session row.
func (r *Repository) CreateSession(ctx context.Context, s *AccessSession) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO document_access_sessions (
			id, document_id, session_token, ip_address, device_fingerprint,
			user_agent, geolocation, is_revoked, created_at, last_access_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		s.ID, s.DocumentID, s.SessionToken, s.IPAddress, s.DeviceFingerprint,
		s.UserAgent, s.Geolocation, s.IsRevoked, s.CreatedAt, s.LastAccessAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, document_id, session_token, ip_address, device_fingerprint,
	   user_agent, geolocation, is_revoked, revoked_at, revoked_reason,
	   created_at, last_access_at`

func scanSession(row pgx.Row) (*AccessSession, error) {
	s := &AccessSession{}
	err := row.Scan(
		&s.ID, &s.DocumentID, &s.SessionToken, &s.IPAddress, &s.DeviceFingerprint,
		&s.UserAgent, &s.Geolocation, &s.IsRevoked, &s.RevokedAt, &s.RevokedReason,
		&s.CreatedAt, &s.LastAccessAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// GetSessionByToken retrieves a session by its bearer token alone.
func (r *Repository) GetSessionByToken(ctx context.Context, token string) (*AccessSession, error) {
	return scanSession(r.db.Pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM document_access_sessions WHERE session_token = $1",
		token))
}

// GetSession retrieves a session by token scoped to one document.
// A token never grants access to a different document.
func (r *Repository) GetSession(ctx context.Context, token, documentID string) (*AccessSession, error) {
	return scanSession(r.db.Pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM document_access_sessions WHERE session_token = $1 AND document_id = $2",
		token, documentID))
}

// CountDistinctDevices returns the number of distinct fingerprints with a
// non-revoked session for the document.
func (r *Repository) CountDistinctDevices(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT device_fingerprint)
		FROM document_access_sessions
		WHERE document_id = $1 AND NOT is_revoked
	`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

// HasDevice reports whether the fingerprint already holds a non-revoked
// session for the document.
func (r *Repository) HasDevice(ctx context.Context, documentID, fingerprint string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM document_access_sessions
			WHERE document_id = $1 AND device_fingerprint = $2 AND NOT is_revoked
		)
	`, documentID, fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check device: %w", err)
	}
	return exists, nil
}

// --- View tracking ---

// CountViews returns the number of tracked views for a document.
func (r *Repository) CountViews(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM document_view_tracking WHERE document_id = $1",
		documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count views: %w", err)
	}
	return n, nil
}

// RecordViewIfUnderLimit appends a view record and bumps the session's
// last_access_at, all in one transaction. When maxViews is set, the document
// row is locked first so the count-then-insert cannot race with a concurrent
// admission; a full quota returns ErrViewLimitReached and inserts nothing.
func (r *Repository) RecordViewIfUnderLimit(ctx context.Context, view *ViewRecord, maxViews *int) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin view transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if maxViews != nil {
		// Serialize concurrent admissions for this document.
		var id string
		err := tx.QueryRow(ctx,
			"SELECT id FROM documents WHERE id = $1 FOR UPDATE",
			view.DocumentID).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrDocumentNotFound
			}
			return fmt.Errorf("failed to lock document: %w", err)
		}

		var count int64
		err = tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM document_view_tracking WHERE document_id = $1",
			view.DocumentID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to count views: %w", err)
		}
		if count >= int64(*maxViews) {
			return ErrViewLimitReached
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO document_view_tracking (id, document_id, session_id, page_number, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, view.ID, view.DocumentID, view.SessionID, view.PageNumber, view.IPAddress, view.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert view record: %w", err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE document_access_sessions SET last_access_at = $2 WHERE id = $1",
		view.SessionID, view.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to update last access: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit view transaction: %w", err)
	}
	return nil
}

// --- Revocation ---

// RevokeSessionByID marks one session revoked. Returns false when the
// session was already revoked (idempotent no-op).
func (r *Repository) RevokeSessionByID(ctx context.Context, sessionID, reason string, now time.Time) (bool, error) {
	var documentID string
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE document_access_sessions
		SET is_revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND NOT is_revoked
		RETURNING document_id
	`, sessionID, now, reason).Scan(&documentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}

	if err := r.stampDocumentRevoked(ctx, documentID, now); err != nil {
		return true, err
	}
	return true, nil
}

// RevokeAllSessions marks every non-revoked session for the document as
// revoked and returns how many changed.
func (r *Repository) RevokeAllSessions(ctx context.Context, documentID, reason string, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE document_access_sessions
		SET is_revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE document_id = $1 AND NOT is_revoked
	`, documentID, now, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}

	if tag.RowsAffected() > 0 {
		if err := r.stampDocumentRevoked(ctx, documentID, now); err != nil {
			return tag.RowsAffected(), err
		}
	}
	return tag.RowsAffected(), nil
}

// RevokeExpiredSessions revokes every live session whose document's access
// window has lapsed. Used by the background sweeper.
func (r *Repository) RevokeExpiredSessions(ctx context.Context, reason string, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE document_access_sessions s
		SET is_revoked = TRUE, revoked_at = $1, revoked_reason = $2
		FROM document_drm_settings d
		WHERE d.document_id = s.document_id
		  AND d.access_expires_at IS NOT NULL
		  AND d.access_expires_at < $1
		  AND NOT s.is_revoked
	`, now, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// stampDocumentRevoked records the latest revocation time on the document
// for owner-facing display.
func (r *Repository) stampDocumentRevoked(ctx context.Context, documentID string, now time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		"UPDATE documents SET last_revoked_at = $2 WHERE id = $1", documentID, now)
	if err != nil {
		return fmt.Errorf("failed to stamp document revocation: %w", err)
	}
	return nil
}

// --- Stats ---

// GetStats returns the owner-facing audit aggregates for a document.
func (r *Repository) GetStats(ctx context.Context, documentID string) (*DocumentStats, error) {
	stats := &DocumentStats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM document_view_tracking WHERE document_id = $1),
			COUNT(DISTINCT device_fingerprint) FILTER (WHERE NOT is_revoked),
			COUNT(*) FILTER (WHERE NOT is_revoked),
			COUNT(*) FILTER (WHERE is_revoked)
		FROM document_access_sessions
		WHERE document_id = $1
	`, documentID).Scan(
		&stats.TotalViews,
		&stats.UniqueDevices,
		&stats.ActiveSessions,
		&stats.RevokedSessions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT s.device_fingerprint, COUNT(v.id), MAX(s.last_access_at)
		FROM document_access_sessions s
		LEFT JOIN document_view_tracking v ON v.session_id = s.id
		WHERE s.document_id = $1
		GROUP BY s.device_fingerprint
		ORDER BY MAX(s.last_access_at) DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d DeviceActivity
		if err := rows.Scan(&d.DeviceFingerprint, &d.Views, &d.LastAccessAt); err != nil {
			return nil, fmt.Errorf("failed to scan device breakdown: %w", err)
		}
		stats.PerDevice = append(stats.PerDevice, d)
	}
	return stats, rows.Err()
}
