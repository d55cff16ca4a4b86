// Package licensesync reconciles a device's local identity against the
// license backend on login or app start. It is the lenient counterpart of
// the activation protocol: sync only informs the UI banner, so every backend
// failure is logged and swallowed and the app continues on cached status.
// Explicit activate/check calls in package license stay fail-closed and gate
// actual feature access.
package licensesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"noxlic/internal/kv"
	"noxlic/internal/license"
)

// SoftwareName is stamped on records created by sync so the licensing
// dashboard can tell client-provisioned records apart.
const SoftwareName = "Noxtiz Culinary Lab"

const trialDuration = 7 * 24 * time.Hour

// UserAccountKey builds the backend key for a device's account record.
func UserAccountKey(deviceID string) string {
	return "user_account:" + deviceID
}

// AuditListKey builds the backend list key the client path appends audit
// events to. The server protocol uses one key per event instead; the two
// layouts coexist deliberately.
func AuditListKey(code string) string {
	return "license_log:" + code
}

// UserAccountRecord is the per-device cross-reference written by sync. It
// caches the linked license status for the UI and tracks login statistics.
type UserAccountRecord struct {
	DeviceID         string                 `json:"deviceId"`
	AccountID        string                 `json:"accountId"`
	OutletName       string                 `json:"outletName,omitempty"`
	OwnerName        string                 `json:"ownerName,omitempty"`
	OwnerPhone       string                 `json:"ownerPhone,omitempty"`
	OwnerEmail       string                 `json:"ownerEmail,omitempty"`
	SoftwareName     string                 `json:"softwareName,omitempty"`
	Staff            []license.StaffProfile `json:"staff"`
	LicenseCode      string                 `json:"licenseCode,omitempty"`
	LicenseStatus    string                 `json:"licenseStatus,omitempty"`
	LicenseType      license.Type           `json:"licenseType,omitempty"`
	LicenseExpiresAt *time.Time             `json:"licenseExpiresAt,omitempty"`
	FirstSeenAt      time.Time              `json:"firstSeenAt"`
	LastSeenAt       time.Time              `json:"lastSeenAt"`
	LastLoginAt      *time.Time             `json:"lastLoginAt,omitempty"`
	TotalLogins      int                    `json:"totalLogins"`
}

// Payload carries the device and account identity known to the client at
// login time, plus any license fields it already holds locally.
type Payload struct {
	DeviceID         string
	AccountID        string
	OutletName       string
	OwnerName        string
	OwnerPhone       string
	OwnerEmail       string
	Staff            []license.StaffProfile
	LicenseCode      string
	LicenseStatus    string
	LicenseType      license.Type
	LicenseExpiresAt *time.Time
}

// Result summarizes what sync found or provisioned.
type Result struct {
	IsNew         bool
	LicenseCode   string
	LicenseStatus string
	LicenseType   license.Type
	ExpiresAt     *time.Time
	Record        *license.Record
}

// Syncer runs the login-time reconciliation.
type Syncer struct {
	kv     kv.Store
	store  *license.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncer wires a syncer onto the license backend.
func NewSyncer(backend kv.Store, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "license_sync"))
	return &Syncer{
		kv:     backend,
		store:  license.NewStore(backend, logger),
		logger: logger,
		now:    time.Now,
	}
}

// Sync reconciles the device against the backend. It never fails: any error
// along the way is logged and swallowed, and a nil result tells the caller
// to fall back to the last cached license status.
func (s *Syncer) Sync(ctx context.Context, p Payload) *Result {
	res, err := s.sync(ctx, p)
	if err != nil {
		s.logger.WarnContext(ctx, "license sync failed, continuing with cached status",
			slog.String("device_id", p.DeviceID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return res
}

func (s *Syncer) sync(ctx context.Context, p Payload) (*Result, error) {
	if p.DeviceID == "" {
		return nil, errors.New("device id required")
	}

	existing, err := s.getUserAccount(ctx, p.DeviceID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if existing == nil {
		return s.provisionTrial(ctx, p, now)
	}

	// Known device: refresh the linked license and detect expiry lazily.
	var rec *license.Record
	if existing.LicenseCode != "" {
		rec, err = s.store.Get(ctx, existing.LicenseCode)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.ExpiredAt(now) {
			rec.Status = license.StatusExpired
			if err := s.store.Save(ctx, rec); err != nil {
				// Another caller may have flagged it first; the cached
				// status below is correct either way.
				s.logger.DebugContext(ctx, "expiry flag write skipped",
					slog.String("code", rec.Code),
					slog.String("error", err.Error()),
				)
			}
			existing.LicenseStatus = string(license.StatusExpired)
			existing.LicenseExpiresAt = rec.ExpiresAt
		}
	}

	merged := mergeUserAccount(*existing, p)
	merged.LastSeenAt = now
	merged.LastLoginAt = &now
	merged.TotalLogins = existing.TotalLogins + 1

	if err := s.saveUserAccount(ctx, &merged); err != nil {
		return nil, err
	}

	return &Result{
		IsNew:         false,
		LicenseCode:   merged.LicenseCode,
		LicenseStatus: merged.LicenseStatus,
		LicenseType:   merged.LicenseType,
		ExpiresAt:     merged.LicenseExpiresAt,
		Record:        rec,
	}, nil
}

// provisionTrial creates a trial license for a brand-new device, keyed by
// the owner's normalized email. This is a parallel, identity-keyed trial
// path distinct from the protocol's device-keyed trial-<deviceId> codes;
// the two schemes are intentionally not merged.
func (s *Syncer) provisionTrial(ctx context.Context, p Payload, now time.Time) (*Result, error) {
	if p.OwnerEmail == "" {
		return nil, errors.New("owner email required to provision trial license")
	}
	code := strings.ToLower(strings.TrimSpace(p.OwnerEmail))
	expires := now.Add(trialDuration)

	rec := &license.Record{
		Code:         code,
		Type:         license.TypeTrial,
		Status:       license.StatusActive,
		DurationDays: license.TypeTrial.DurationDays(),
		CreatedAt:    now,
		ExpiresAt:    &expires,
		Notes:        "Auto-provisioned by client sync",
		Device:       &license.DeviceProfile{DeviceID: p.DeviceID},
		Account: &license.AccountProfile{
			AccountID:  p.AccountID,
			OutletName: p.OutletName,
			OwnerName:  p.OwnerName,
			OwnerPhone: p.OwnerPhone,
			OwnerEmail: p.OwnerEmail,
			Staff:      p.Staff,
		},
	}
	if err := s.store.Save(ctx, rec); err != nil {
		if errors.Is(err, license.ErrStaleRecord) {
			// A license already exists under this email; link to it instead
			// of resetting the trial.
			return s.linkExisting(ctx, p, code, now)
		}
		return nil, err
	}
	s.appendLog(ctx, code, license.AuditEntry{
		Event:     license.EventTrialIssued,
		Timestamp: now,
		Device:    rec.Device,
		Account:   rec.Account,
		Notes:     SoftwareName,
	})

	user := &UserAccountRecord{
		DeviceID:         p.DeviceID,
		AccountID:        p.AccountID,
		OutletName:       p.OutletName,
		OwnerName:        p.OwnerName,
		OwnerPhone:       p.OwnerPhone,
		OwnerEmail:       p.OwnerEmail,
		SoftwareName:     SoftwareName,
		Staff:            p.Staff,
		LicenseCode:      code,
		LicenseStatus:    "trial",
		LicenseType:      license.TypeTrial,
		LicenseExpiresAt: &expires,
		FirstSeenAt:      now,
		LastSeenAt:       now,
		LastLoginAt:      &now,
		TotalLogins:      1,
	}
	if err := s.saveUserAccount(ctx, user); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "trial license auto-provisioned for new device",
		slog.String("device_id", p.DeviceID),
		slog.String("code", code),
	)
	return &Result{
		IsNew:         true,
		LicenseCode:   code,
		LicenseStatus: "trial",
		LicenseType:   license.TypeTrial,
		ExpiresAt:     &expires,
		Record:        rec,
	}, nil
}

// linkExisting attaches a new device record to a license that already exists
// under the owner's email.
func (s *Syncer) linkExisting(ctx context.Context, p Payload, code string, now time.Time) (*Result, error) {
	rec, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	user := &UserAccountRecord{
		DeviceID:     p.DeviceID,
		AccountID:    p.AccountID,
		OutletName:   p.OutletName,
		OwnerName:    p.OwnerName,
		OwnerPhone:   p.OwnerPhone,
		OwnerEmail:   p.OwnerEmail,
		SoftwareName: SoftwareName,
		Staff:        p.Staff,
		LicenseCode:  code,
		FirstSeenAt:  now,
		LastSeenAt:   now,
		LastLoginAt:  &now,
		TotalLogins:  1,
	}
	if rec != nil {
		user.LicenseStatus = string(rec.Status)
		user.LicenseType = rec.Type
		user.LicenseExpiresAt = rec.ExpiresAt
	}
	if err := s.saveUserAccount(ctx, user); err != nil {
		return nil, err
	}
	return &Result{
		IsNew:         true,
		LicenseCode:   code,
		LicenseStatus: user.LicenseStatus,
		LicenseType:   user.LicenseType,
		ExpiresAt:     user.LicenseExpiresAt,
		Record:        rec,
	}, nil
}

func (s *Syncer) getUserAccount(ctx context.Context, deviceID string) (*UserAccountRecord, error) {
	raw, err := s.kv.Get(ctx, UserAccountKey(deviceID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rec UserAccountRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode user account %q: %w", deviceID, err)
	}
	return &rec, nil
}

func (s *Syncer) saveUserAccount(ctx context.Context, rec *UserAccountRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, UserAccountKey(rec.DeviceID), raw)
}

// appendLog writes an audit event onto the per-code list. Best-effort.
func (s *Syncer) appendLog(ctx context.Context, code string, entry license.AuditEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.kv.RPush(ctx, AuditListKey(code), raw); err != nil {
		s.logger.WarnContext(ctx, "audit list append failed",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}
}

// mergeUserAccount overlays non-empty payload fields on the stored record,
// matching the original client behavior: fresher identity data wins, blanks
// never erase.
func mergeUserAccount(existing UserAccountRecord, p Payload) UserAccountRecord {
	out := existing
	if p.OutletName != "" {
		out.OutletName = p.OutletName
	}
	if p.OwnerName != "" {
		out.OwnerName = p.OwnerName
	}
	if p.OwnerPhone != "" {
		out.OwnerPhone = p.OwnerPhone
	}
	if p.OwnerEmail != "" {
		out.OwnerEmail = p.OwnerEmail
	}
	if len(p.Staff) > 0 {
		out.Staff = p.Staff
	}
	if p.LicenseCode != "" {
		out.LicenseCode = p.LicenseCode
	}
	if p.LicenseStatus != "" {
		out.LicenseStatus = p.LicenseStatus
	}
	if p.LicenseType != "" {
		out.LicenseType = p.LicenseType
	}
	if p.LicenseExpiresAt != nil {
		out.LicenseExpiresAt = p.LicenseExpiresAt
	}
	out.SoftwareName = SoftwareName
	return out
}
